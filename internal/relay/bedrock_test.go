// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startUDPEchoServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()
	return pc.LocalAddr().String()
}

func TestBedrockRelay_ForwardsDatagramsBothWays(t *testing.T) {
	origin := startUDPEchoServer(t)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	listenAddr := pc.LocalAddr().String()
	pc.Close()

	r := NewBedrockRelay(BedrockRelayConfig{ListenAddr: listenAddr, OriginAddr: origin, IdleTimeout: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	time.Sleep(20 * time.Millisecond)

	client, err := net.Dial("udp", listenAddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestBedrockRelay_ShutdownForceClosesSessionsPastGrace(t *testing.T) {
	// An origin that reads but never replies, paired with a long IdleTimeout,
	// so pumpUpstream stays blocked on Read well past the grace window.
	origin, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, _, err := origin.ReadFrom(buf); err != nil {
				return
			}
		}
	}()

	listenPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	listenAddr := listenPC.LocalAddr().String()
	listenPC.Close()

	r := NewBedrockRelay(BedrockRelayConfig{ListenAddr: listenAddr, OriginAddr: origin.LocalAddr().String(), IdleTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	time.Sleep(20 * time.Millisecond)

	client, err := net.Dial("udp", listenAddr)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("hi"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	r.mu.Lock()
	require.Len(t, r.sessions, 1)
	var sess *bedrockSession
	for _, s := range r.sessions {
		sess = s
	}
	r.mu.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shutdownCancel()
	require.NoError(t, r.Shutdown(shutdownCtx))

	_, err = sess.upstream.Write([]byte("x"))
	require.Error(t, err)
}

func TestBedrockRelay_RejectsAtMaxConnections(t *testing.T) {
	r := NewBedrockRelay(BedrockRelayConfig{MaxConnections: 1})
	require.True(t, r.limit.acquire())
	require.False(t, r.limit.acquire())
}
