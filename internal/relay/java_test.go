// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestJavaRelay_ForwardsBytesBothWays(t *testing.T) {
	origin := startEchoServer(t)

	r := NewJavaRelay(JavaRelayConfig{ListenAddr: "127.0.0.1:0", OriginAddr: origin})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()
	r.cfg.ListenAddr = ln.Addr().String()

	require.NoError(t, r.Start(ctx))
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", r.cfg.ListenAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestJavaRelay_ShutdownForceClosesSessionsPastGrace(t *testing.T) {
	// An origin that accepts but never reads, writes, or closes, so the
	// relay's copy goroutines stay blocked past the grace window.
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer originLn.Close()
	go func() {
		for {
			c, err := originLn.Accept()
			if err != nil {
				return
			}
			_ = c
		}
	}()

	r := NewJavaRelay(JavaRelayConfig{ListenAddr: "127.0.0.1:0", OriginAddr: originLn.Addr().String()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()
	r.cfg.ListenAddr = ln.Addr().String()
	require.NoError(t, r.Start(ctx))
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", r.cfg.ListenAddr)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shutdownCancel()
	require.NoError(t, r.Shutdown(shutdownCtx))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestJavaRelay_RejectsAtMaxConnections(t *testing.T) {
	origin := startEchoServer(t)
	r := NewJavaRelay(JavaRelayConfig{ListenAddr: "127.0.0.1:0", OriginAddr: origin, MaxConnections: 1})

	require.True(t, r.limit.acquire())
	require.False(t, r.limit.acquire())
	_, _, rejects := r.limit.snapshot()
	require.Equal(t, uint64(1), rejects)
}
