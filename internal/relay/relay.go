// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package relay implements the flow relay (component E): once the
// classifier has passed a flow, something still has to carry its bytes to
// the hidden origin server. JavaRelay forwards TCP; BedrockRelay forwards
// UDP. Both sit behind the same Relay interface so the control plane can
// start, count, and shut either down uniformly.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
)

// Relay is a running forwarder for one protected endpoint's data plane.
type Relay interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Stats() Stats
}

// Stats is a point-in-time snapshot of a relay's connection counters.
type Stats struct {
	ActiveConnections int64
	TotalConnections  uint64
	BytesIn           uint64
	BytesOut          uint64
	RejectedAtLimit   uint64
}

// limiter is a simple connection-count back-pressure gate shared by both
// relay kinds: once max is reached, new sessions are rejected immediately
// rather than queued, per the no-hang requirement on overload.
type limiter struct {
	max     int64
	active  int64
	total   uint64
	rejects uint64
}

func newLimiter(max int) *limiter {
	if max <= 0 {
		max = 10000
	}
	return &limiter{max: int64(max)}
}

func (l *limiter) acquire() bool {
	for {
		cur := atomic.LoadInt64(&l.active)
		if cur >= l.max {
			atomic.AddUint64(&l.rejects, 1)
			return false
		}
		if atomic.CompareAndSwapInt64(&l.active, cur, cur+1) {
			atomic.AddUint64(&l.total, 1)
			return true
		}
	}
}

func (l *limiter) release() { atomic.AddInt64(&l.active, -1) }

func (l *limiter) snapshot() (active int64, total, rejects uint64) {
	return atomic.LoadInt64(&l.active), atomic.LoadUint64(&l.total), atomic.LoadUint64(&l.rejects)
}

// byteCounter accumulates bytes moved in each direction across every
// session a relay has handled.
type byteCounter struct {
	in, out uint64
}

func (b *byteCounter) addIn(n uint64)  { atomic.AddUint64(&b.in, n) }
func (b *byteCounter) addOut(n uint64) { atomic.AddUint64(&b.out, n) }

// drainGroup tracks in-flight sessions so Shutdown can wait for them to
// drain within a grace window instead of severing them mid-copy.
type drainGroup struct {
	wg sync.WaitGroup
}

func (d *drainGroup) add()  { d.wg.Add(1) }
func (d *drainGroup) done() { d.wg.Done() }

func (d *drainGroup) waitWithGrace(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
