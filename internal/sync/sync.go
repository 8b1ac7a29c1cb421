// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sync is the map synchronizer (component C): it owns every write
// to the shared kernel maps on behalf of the control plane, serializes
// concurrent operator calls per key, and runs the periodic reaper that
// garbage-collects expired blacklist, conntrack, and challenge entries.
//
// Named sync to match the role it plays in the design (synchronizing
// desired state into the data plane) — it has nothing to do with the
// standard library package of the same name, which it does use internally
// for per-key locking.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"sentryproxy.dev/sentryproxy/internal/clock"
	"sentryproxy.dev/sentryproxy/internal/classifier"
	"sentryproxy.dev/sentryproxy/internal/ebpf/maps"
	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
	"sentryproxy.dev/sentryproxy/internal/errors"
	"sentryproxy.dev/sentryproxy/internal/logging"
)

const defaultReapInterval = 1 * time.Second

// Endpoint is the control-plane view of a protected endpoint, translated
// to/from the map's fixed-layout EndpointKey/EndpointRecord at the
// synchronizer boundary.
type Endpoint struct {
	ID          uint64
	FrontIP     uint32
	FrontPort   uint16
	Kind        types.EndpointKind
	OriginIP    uint32
	OriginPort  uint16
	RateLimit   uint32
	BurstLimit  uint32
	Maintenance bool
	Active      bool
}

func (e Endpoint) key() types.EndpointKey {
	return types.NewEndpointKey(e.FrontIP, e.FrontPort, e.Kind.L4())
}

func (e Endpoint) record() types.EndpointRecord {
	active := uint8(0)
	if e.Active {
		active = 1
	}
	maint := uint8(0)
	if e.Maintenance {
		maint = 1
	}
	return types.EndpointRecord{
		EndpointID:  e.ID,
		OriginIP:    e.OriginIP,
		OriginPort:  e.OriginPort,
		Kind:        e.Kind,
		RateLimit:   e.RateLimit,
		BurstLimit:  e.BurstLimit,
		Maintenance: maint,
		Active:      active,
	}
}

// Synchronizer owns writes to the shared maps and the reaper loop. One
// keyMutex per front key / per source IP serializes concurrent operator
// calls against that key — never a global lock.
type Synchronizer struct {
	endpoints  *maps.EndpointMap
	buckets    *maps.RateBucketMap
	conntrack  *maps.ConntrackMap
	blacklist  *maps.BlacklistMap
	challenges *maps.ChallengeMap
	counters   *maps.CounterMap

	clock clock.Clock
	log   *logging.Logger

	keyLocks keyedLocks

	// endpointKind is consulted by the reaper to pick the right conntrack
	// idle timeout per flow; it is maintained here rather than read back
	// from the map on every reap tick.
	kindMu       stdsync.RWMutex
	endpointKind map[uint64]types.EndpointKind

	reapInterval time.Duration
	stopReap     context.CancelFunc
	reapDone     chan struct{}
}

// Config bundles the map handles needed to build a Synchronizer.
type Config struct {
	Endpoints    *maps.EndpointMap
	Buckets      *maps.RateBucketMap
	Conntrack    *maps.ConntrackMap
	Blacklist    *maps.BlacklistMap
	Challenges   *maps.ChallengeMap
	Counters     *maps.CounterMap
	Clock        clock.Clock
	Logger       *logging.Logger
	ReapInterval time.Duration
}

// New builds a Synchronizer over the given map handles.
func New(cfg Config) *Synchronizer {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("sync")
	}
	interval := cfg.ReapInterval
	if interval == 0 {
		interval = defaultReapInterval
	}

	return &Synchronizer{
		endpoints:    cfg.Endpoints,
		buckets:      cfg.Buckets,
		conntrack:    cfg.Conntrack,
		blacklist:    cfg.Blacklist,
		challenges:   cfg.Challenges,
		counters:     cfg.Counters,
		clock:        clk,
		log:          log,
		keyLocks:     newKeyedLocks(),
		endpointKind: make(map[uint64]types.EndpointKind),
		reapInterval: interval,
	}
}

func (s *Synchronizer) nowMs() uint64 { return uint64(s.clock.Now().UnixMilli()) }

// AddEndpoint inserts a new endpoint. KindExhausted is surfaced to the
// caller on map capacity failure (§4.B, operator-driven maps never drop
// silently).
func (s *Synchronizer) AddEndpoint(ep Endpoint) error {
	unlock := s.keyLocks.lock(endpointLockKey(ep.key()))
	defer unlock()

	if err := s.endpoints.Put(ep.key(), ep.record()); err != nil {
		return errors.Wrap(errors.KindExhausted, "endpoint map at capacity", err)
	}

	s.kindMu.Lock()
	s.endpointKind[ep.ID] = ep.Kind
	s.kindMu.Unlock()
	return nil
}

// UpdateEndpoint is a single insert-or-replace at the endpoint's existing
// key — never delete+insert — so an in-flight packet observes either the
// old or new policy, never "no endpoint" (invariant 7).
func (s *Synchronizer) UpdateEndpoint(ep Endpoint) error {
	return s.AddEndpoint(ep)
}

// RemoveEndpoint deletes the endpoint from the shared map. Callers are
// responsible for then removing it from the durable store (internal/store)
// — map first, store second, per the synchronizer's ordering invariant.
func (s *Synchronizer) RemoveEndpoint(id uint64, frontIP uint32, frontPort uint16, kind types.EndpointKind) error {
	key := types.NewEndpointKey(frontIP, frontPort, kind.L4())
	unlock := s.keyLocks.lock(endpointLockKey(key))
	defer unlock()

	if err := s.endpoints.Remove(key); err != nil {
		return errors.Wrap(errors.KindNotFound, "endpoint not found", err)
	}

	s.kindMu.Lock()
	delete(s.endpointKind, id)
	s.kindMu.Unlock()
	return nil
}

// AddBlacklist inserts (or replaces) a blacklist entry with the given TTL.
func (s *Synchronizer) AddBlacklist(ip uint32, ttl time.Duration) error {
	key := types.BlacklistKey{SourceIP: ip}
	unlock := s.keyLocks.lock(blacklistLockKey(ip))
	defer unlock()

	entry := types.BlacklistEntry{BlockedUntilMs: s.nowMs() + uint64(ttl.Milliseconds())}
	if err := s.blacklist.Put(key, entry); err != nil {
		return errors.Wrap(errors.KindExhausted, "blacklist map at capacity", err)
	}
	return nil
}

// RemoveBlacklist deletes a blacklist entry.
func (s *Synchronizer) RemoveBlacklist(ip uint32) error {
	key := types.BlacklistKey{SourceIP: ip}
	unlock := s.keyLocks.lock(blacklistLockKey(ip))
	defer unlock()

	if err := s.blacklist.Remove(key); err != nil {
		return errors.Wrap(errors.KindNotFound, "blacklist entry not found", err)
	}
	return nil
}

// ReadCounters snapshots the fixed Counter Array.
func (s *Synchronizer) ReadCounters() (types.Counters, error) {
	return s.counters.ReadAll()
}

// ReapExpired runs one pass of the reaper: blacklist, conntrack, and
// challenge tables. Returns the number of entries removed from each.
func (s *Synchronizer) ReapExpired() (blacklistReaped, conntrackReaped, challengesReaped int, err error) {
	now := s.nowMs()

	blacklistReaped, err = s.blacklist.ReapExpired(now)
	if err != nil {
		return
	}

	s.kindMu.RLock()
	kindOf := make(map[uint64]types.EndpointKind, len(s.endpointKind))
	for k, v := range s.endpointKind {
		kindOf[k] = v
	}
	s.kindMu.RUnlock()

	conntrackReaped, err = s.conntrack.ReapIdle(now, func(e types.ConntrackEntry) uint64 {
		return classifier.IdleTimeoutMs(kindOf[e.EndpointID])
	})
	if err != nil {
		return
	}

	challengesReaped, err = s.challenges.ReapExpired(now, 5000)
	return
}

// StartReaper launches the periodic reaper on its own ticker, independent
// of operator activity, until ctx is canceled.
func (s *Synchronizer) StartReaper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopReap = cancel
	s.reapDone = make(chan struct{})

	go func() {
		defer close(s.reapDone)
		ticker := time.NewTicker(s.reapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bl, ct, ch, err := s.ReapExpired()
				if err != nil {
					s.log.Error("reap pass failed", "error", err)
					continue
				}
				if bl+ct+ch > 0 {
					s.log.Debug("reap pass complete", "blacklist", bl, "conntrack", ct, "challenges", ch)
				}
			}
		}
	}()
}

// StopReaper cancels the reaper loop and waits for it to exit.
func (s *Synchronizer) StopReaper() {
	if s.stopReap == nil {
		return
	}
	s.stopReap()
	<-s.reapDone
}

func endpointLockKey(k types.EndpointKey) uint64 { return k.Hash() }

func blacklistLockKey(ip uint32) uint64 { return uint64(ip) }
