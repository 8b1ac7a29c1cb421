// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sentryproxy.dev/sentryproxy/internal/logging"
)

// BedrockRelayConfig configures one Bedrock Edition UDP relay.
type BedrockRelayConfig struct {
	ListenAddr     string
	OriginAddr     string
	IdleTimeout    time.Duration
	MaxConnections int
	BufferSize     int
}

// BedrockRelay forwards UDP datagrams between clients and a single origin,
// keyed per client address. Each client gets its own ephemeral upstream
// socket so origin replies route back to the right client.
type BedrockRelay struct {
	cfg BedrockRelayConfig
	log *logging.Logger

	pc      net.PacketConn
	limit   *limiter
	counter byteCounter
	drain   drainGroup

	mu       sync.Mutex
	sessions map[string]*bedrockSession
}

type bedrockSession struct {
	upstream net.Conn
	lastSeen atomic.Int64 // unix millis
	cancel   context.CancelFunc
}

// NewBedrockRelay builds a relay from cfg, applying documented defaults.
func NewBedrockRelay(cfg BedrockRelayConfig) *BedrockRelay {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &BedrockRelay{
		cfg:      cfg,
		log:      logging.Default().WithComponent("relay.bedrock"),
		limit:    newLimiter(cfg.MaxConnections),
		sessions: make(map[string]*bedrockSession),
	}
}

// Start opens the UDP listener and begins relaying.
func (r *BedrockRelay) Start(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen udp %s: %w", r.cfg.ListenAddr, err)
	}
	r.pc = pc
	r.log.Info("bedrock relay listening", "addr", r.cfg.ListenAddr, "origin", r.cfg.OriginAddr)

	go r.readLoop(ctx)
	go func() {
		<-ctx.Done()
		r.pc.Close()
	}()
	return nil
}

func (r *BedrockRelay) readLoop(ctx context.Context) {
	buf := make([]byte, r.cfg.BufferSize)
	for {
		n, addr, err := r.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.log.Warn("udp read failed", "error", err)
			return
		}
		r.route(ctx, addr, append([]byte(nil), buf[:n]...))
	}
}

func (r *BedrockRelay) route(ctx context.Context, client net.Addr, payload []byte) {
	key := client.String()

	r.mu.Lock()
	sess, ok := r.sessions[key]
	r.mu.Unlock()

	if !ok {
		if !r.limit.acquire() {
			r.log.Warn("rejecting udp session at max_connections", "client", key)
			return
		}
		upstream, err := net.Dial("udp", r.cfg.OriginAddr)
		if err != nil {
			r.limit.release()
			r.log.Warn("origin dial failed", "origin", r.cfg.OriginAddr, "error", err)
			return
		}

		sctx, cancel := context.WithCancel(ctx)
		sess = &bedrockSession{upstream: upstream, cancel: cancel}
		r.mu.Lock()
		r.sessions[key] = sess
		r.mu.Unlock()

		r.drain.add()
		go r.pumpUpstream(sctx, key, sess, client)
	}

	sess.lastSeen.Store(time.Now().UnixMilli())
	n, err := sess.upstream.Write(payload)
	if err == nil {
		atomic.AddUint64(&r.counter.out, uint64(n))
	}
}

// pumpUpstream reads origin replies for one client session and relays them
// back, tearing the session down after IdleTimeout of silence.
func (r *BedrockRelay) pumpUpstream(ctx context.Context, key string, sess *bedrockSession, client net.Addr) {
	defer r.drain.done()
	defer r.limit.release()
	defer r.closeSession(key, sess)

	buf := make([]byte, r.cfg.BufferSize)
	sess.upstream.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := sess.upstream.Read(buf)
		if err != nil {
			if idleExceeded(sess, r.cfg.IdleTimeout) {
				return
			}
			sess.upstream.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
			continue
		}

		if _, werr := r.pc.WriteTo(buf[:n], client); werr == nil {
			atomic.AddUint64(&r.counter.in, uint64(n))
		}
		sess.lastSeen.Store(time.Now().UnixMilli())
		sess.upstream.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
	}
}

func idleExceeded(sess *bedrockSession, idle time.Duration) bool {
	last := time.UnixMilli(sess.lastSeen.Load())
	return time.Since(last) >= idle
}

func (r *BedrockRelay) closeSession(key string, sess *bedrockSession) {
	sess.cancel()
	sess.upstream.Close()
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// Shutdown closes the listener, cancels every session, and waits for them
// to drain. pumpUpstream's blocked Read only unblocks on its own idle
// deadline or a closed socket, not on context cancellation alone, so any
// session still open once the grace window expires has its upstream
// socket force-closed too.
func (r *BedrockRelay) Shutdown(ctx context.Context) error {
	if r.pc != nil {
		r.pc.Close()
	}

	r.mu.Lock()
	for _, sess := range r.sessions {
		sess.cancel()
	}
	r.mu.Unlock()

	r.drain.waitWithGrace(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		sess.upstream.Close()
	}
	return nil
}

// Stats returns the relay's current counters.
func (r *BedrockRelay) Stats() Stats {
	active, total, rejects := r.limit.snapshot()
	return Stats{
		ActiveConnections: active,
		TotalConnections:  total,
		RejectedAtLimit:   rejects,
		BytesIn:           atomic.LoadUint64(&r.counter.in),
		BytesOut:          atomic.LoadUint64(&r.counter.out),
	}
}
