// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import "sentryproxy.dev/sentryproxy/internal/ebpf/types"

// MemStore is an in-memory Store used by tests and by cmd/sentry-sim's
// replay tool. It has no capacity limits — the
// real kernel maps enforce §4.B's fixed capacities; this is a reference
// model of the algorithm, not of the resource constraints.
type MemStore struct {
	Endpoints  map[types.EndpointKey]types.EndpointRecord
	Blacklist  map[types.BlacklistKey]types.BlacklistEntry
	Buckets    map[types.SourceBucketKey]types.SourceRateBucket
	Conntrack  map[types.ConntrackKey]types.ConntrackEntry
	Challenges map[types.ChallengeKey]types.ChallengeState
	Whitelist  map[uint64]map[uint32]bool
	Counters   [types.CounterCount]uint64
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		Endpoints:  make(map[types.EndpointKey]types.EndpointRecord),
		Blacklist:  make(map[types.BlacklistKey]types.BlacklistEntry),
		Buckets:    make(map[types.SourceBucketKey]types.SourceRateBucket),
		Conntrack:  make(map[types.ConntrackKey]types.ConntrackEntry),
		Challenges: make(map[types.ChallengeKey]types.ChallengeState),
		Whitelist:  make(map[uint64]map[uint32]bool),
	}
}

func (m *MemStore) LookupEndpoint(key types.EndpointKey) (types.EndpointRecord, bool) {
	v, ok := m.Endpoints[key]
	return v, ok
}

func (m *MemStore) LookupBlacklist(key types.BlacklistKey) (types.BlacklistEntry, bool) {
	v, ok := m.Blacklist[key]
	return v, ok
}

func (m *MemStore) DeleteBlacklist(key types.BlacklistKey) { delete(m.Blacklist, key) }

func (m *MemStore) LookupBucket(key types.SourceBucketKey) (types.SourceRateBucket, bool) {
	v, ok := m.Buckets[key]
	return v, ok
}

func (m *MemStore) PutBucket(key types.SourceBucketKey, bucket types.SourceRateBucket) bool {
	m.Buckets[key] = bucket
	return true
}

func (m *MemStore) LookupConntrack(key types.ConntrackKey) (types.ConntrackEntry, bool) {
	v, ok := m.Conntrack[key]
	return v, ok
}

func (m *MemStore) PutConntrack(key types.ConntrackKey, entry types.ConntrackEntry) bool {
	m.Conntrack[key] = entry
	return true
}

func (m *MemStore) LookupChallenge(key types.ChallengeKey) (types.ChallengeState, bool) {
	v, ok := m.Challenges[key]
	return v, ok
}

func (m *MemStore) PutChallenge(key types.ChallengeKey, state types.ChallengeState) bool {
	m.Challenges[key] = state
	return true
}

func (m *MemStore) DeleteChallenge(key types.ChallengeKey) { delete(m.Challenges, key) }

func (m *MemStore) IsWhitelisted(endpointID uint64, sourceIP uint32) bool {
	set, ok := m.Whitelist[endpointID]
	if !ok {
		return false
	}
	return set[sourceIP]
}

func (m *MemStore) AddWhitelist(endpointID uint64, sourceIP uint32) {
	set, ok := m.Whitelist[endpointID]
	if !ok {
		set = make(map[uint32]bool)
		m.Whitelist[endpointID] = set
	}
	set[sourceIP] = true
}

func (m *MemStore) Increment(idx types.CounterIndex) { m.Counters[idx]++ }

// ReapBlacklist deletes expired blacklist entries, mirroring the reaper in
// internal/sync.
func (m *MemStore) ReapBlacklist(nowMs uint64) int {
	n := 0
	for k, v := range m.Blacklist {
		if v.Expired(nowMs) {
			delete(m.Blacklist, k)
			n++
		}
	}
	return n
}

// ReapConntrack deletes conntrack entries idle past their per-kind timeout.
func (m *MemStore) ReapConntrack(nowMs uint64, kindOf func(endpointID uint64) types.EndpointKind) int {
	n := 0
	for k, v := range m.Conntrack {
		limit := IdleTimeoutMs(kindOf(v.EndpointID))
		if v.IdleFor(nowMs) >= limit {
			delete(m.Conntrack, k)
			n++
		}
	}
	return n
}

// ReapChallenges deletes challenge records older than the fixed 5s window.
func (m *MemStore) ReapChallenges(nowMs uint64) int {
	n := 0
	for k, v := range m.Challenges {
		if v.Age(nowMs) > challengeMaxAgeMs {
			delete(m.Challenges, k)
			n++
		}
	}
	return n
}
