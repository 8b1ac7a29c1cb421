// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sentryproxy.dev/sentryproxy/internal/logging"
)

// JavaRelayConfig configures one Java Edition TCP relay.
type JavaRelayConfig struct {
	ListenAddr     string
	OriginAddr     string
	DialTimeout    time.Duration
	MaxConnections int
	BufferSize     int
}

// JavaRelay forwards TCP connections accepted on ListenAddr to OriginAddr,
// copying bytes in both directions until either side closes.
type JavaRelay struct {
	cfg JavaRelayConfig
	log *logging.Logger

	ln      net.Listener
	limit   *limiter
	counter byteCounter
	drain   drainGroup

	mu    sync.Mutex
	conns map[net.Conn]net.Conn // client -> origin, open sessions Shutdown can force-close past grace
}

// NewJavaRelay builds a relay from cfg, applying documented defaults for
// any zero-valued field.
func NewJavaRelay(cfg JavaRelayConfig) *JavaRelay {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &JavaRelay{
		cfg:   cfg,
		log:   logging.Default().WithComponent("relay.java"),
		limit: newLimiter(cfg.MaxConnections),
		conns: make(map[net.Conn]net.Conn),
	}
}

// Start begins accepting connections on ListenAddr. It returns once the
// listener is bound; the accept loop runs in the background until ctx is
// canceled or Shutdown is called.
func (r *JavaRelay) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen tcp %s: %w", r.cfg.ListenAddr, err)
	}
	r.ln = ln
	r.log.Info("java relay listening", "addr", r.cfg.ListenAddr, "origin", r.cfg.OriginAddr)

	go r.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()
	return nil
}

func (r *JavaRelay) acceptLoop(ctx context.Context) {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.log.Warn("accept failed", "error", err)
			return
		}

		if !r.limit.acquire() {
			r.log.Warn("rejecting connection at max_connections", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		r.drain.add()
		go r.handle(conn)
	}
}

func (r *JavaRelay) handle(client net.Conn) {
	defer r.drain.done()
	defer r.limit.release()
	defer client.Close()

	origin, err := net.DialTimeout("tcp", r.cfg.OriginAddr, r.cfg.DialTimeout)
	if err != nil {
		r.log.Warn("origin dial failed", "origin", r.cfg.OriginAddr, "error", err)
		return
	}
	defer origin.Close()

	r.mu.Lock()
	r.conns[client] = origin
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, client)
		r.mu.Unlock()
	}()

	done := make(chan struct{}, 2)
	go r.copy(origin, client, &r.counter.in, done)
	go r.copy(client, origin, &r.counter.out, done)
	<-done
	<-done
}

func (r *JavaRelay) copy(dst, src net.Conn, into *uint64, done chan<- struct{}) {
	buf := make([]byte, r.cfg.BufferSize)
	n, _ := io.CopyBuffer(dst, src, buf)
	if n > 0 {
		atomic.AddUint64(into, uint64(n))
	}
	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	done <- struct{}{}
}

// Shutdown stops accepting new connections and waits up to the context
// deadline for in-flight sessions to drain. Any session still copying
// past the deadline has its client and origin sockets force-closed, which
// unblocks handle's io.CopyBuffer calls and lets its goroutines exit
// instead of leaking past the grace window.
func (r *JavaRelay) Shutdown(ctx context.Context) error {
	if r.ln != nil {
		r.ln.Close()
	}
	r.drain.waitWithGrace(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	for client, origin := range r.conns {
		client.Close()
		origin.Close()
	}
	return nil
}

// Stats returns the relay's current counters.
func (r *JavaRelay) Stats() Stats {
	active, total, rejects := r.limit.snapshot()
	return Stats{
		ActiveConnections: active,
		TotalConnections:  total,
		RejectedAtLimit:   rejects,
		BytesIn:           atomic.LoadUint64(&r.counter.in),
		BytesOut:          atomic.LoadUint64(&r.counter.out),
	}
}
