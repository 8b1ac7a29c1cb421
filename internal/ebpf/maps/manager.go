// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package maps provides type-safe wrappers over the five named eBPF maps
// published by the classifier object (map_protected_endpoints,
// map_src_rate, map_conntrack, map_blacklist, map_udp_challenges) and the
// fixed counter array (map_stats). The classifier and the map synchronizer
// each hold their own handle onto the same underlying kernel maps; there
// is no pointer sharing between the two.
package maps

import (
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf"

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
)

const (
	NameEndpoints  = "map_protected_endpoints"
	NameSrcRate    = "map_src_rate"
	NameConntrack  = "map_conntrack"
	NameBlacklist  = "map_blacklist"
	NameChallenges = "map_udp_challenges"
	NameStats      = "map_stats"
)

// Manager owns handles onto the collection's named maps and hands out
// typed wrappers for each.
type Manager struct {
	maps       map[string]*ManagedMap
	collection *ebpf.Collection
	mutex      sync.RWMutex
}

// ManagedMap wraps an eBPF map with metadata and generic key/value access.
type ManagedMap struct {
	Name       string
	Map        *ebpf.Map
	Type       ebpf.MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	CreatedAt  time.Time
	mutex      sync.RWMutex
}

// NewManager creates a map manager bound to a loaded collection.
func NewManager(collection *ebpf.Collection) *Manager {
	return &Manager{
		maps:       make(map[string]*ManagedMap),
		collection: collection,
	}
}

// RegisterMap registers a map with the manager under a published name.
func (m *Manager) RegisterMap(name string, mapObj *ebpf.Map) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.maps[name]; exists {
		return fmt.Errorf("map %s already registered", name)
	}

	info, err := mapObj.Info()
	if err != nil {
		return fmt.Errorf("failed to get map info: %w", err)
	}

	m.maps[name] = &ManagedMap{
		Name:       name,
		Map:        mapObj,
		KeySize:    uint32(info.KeySize),
		ValueSize:  uint32(info.ValueSize),
		MaxEntries: info.MaxEntries,
		Type:       info.Type,
		CreatedAt:  time.Now(),
	}

	return nil
}

// RegisterAll registers every published map name from the collection.
func (m *Manager) RegisterAll() error {
	for _, name := range []string{NameEndpoints, NameSrcRate, NameConntrack, NameBlacklist, NameChallenges, NameStats} {
		mapObj, ok := m.collection.Maps[name]
		if !ok {
			return fmt.Errorf("collection missing published map %s", name)
		}
		if err := m.RegisterMap(name, mapObj); err != nil {
			return err
		}
	}
	return nil
}

// GetMap returns a managed map by name.
func (m *Manager) GetMap(name string) (*ManagedMap, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	managedMap, exists := m.maps[name]
	if !exists {
		return nil, fmt.Errorf("map %s not found", name)
	}

	return managedMap, nil
}

// Update inserts or replaces a key's value in the map.
func (mm *ManagedMap) Update(key, value interface{}) error {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	return mm.Map.Update(key, value, ebpf.UpdateAny)
}

// Lookup retrieves a value from the map.
func (mm *ManagedMap) Lookup(key, value interface{}) error {
	mm.mutex.RLock()
	defer mm.mutex.RUnlock()

	return mm.Map.Lookup(key, value)
}

// Delete removes a key from the map.
func (mm *ManagedMap) Delete(key interface{}) error {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	return mm.Map.Delete(key)
}

// Iterator returns a bounded iterator over the map, used by the reaper.
func (mm *ManagedMap) Iterator() *MapIterator {
	return &MapIterator{
		mapIter: mm.Map.Iterate(),
		mutex:   &mm.mutex,
	}
}

// MapIterator provides a thread-safe iterator for eBPF maps.
type MapIterator struct {
	mapIter *ebpf.MapIterator
	mutex   *sync.RWMutex
}

func (it *MapIterator) Next(key, value interface{}) bool {
	it.mutex.RLock()
	defer it.mutex.RUnlock()

	return it.mapIter.Next(key, value)
}

func (it *MapIterator) Err() error { return it.mapIter.Err() }

// EndpointMap is the typed wrapper over map_protected_endpoints (B's
// front-tuple table: an exact-match hash on the full front ip, port and L4
// key, with no prefix matching). insert-fail on this map is
// operator-visible (KindExhausted), never a silent packet drop.
type EndpointMap struct{ *ManagedMap }

func (m *Manager) EndpointMap() (*EndpointMap, error) {
	mm, err := m.GetMap(NameEndpoints)
	if err != nil {
		return nil, err
	}
	return &EndpointMap{mm}, nil
}

func (em *EndpointMap) Put(key types.EndpointKey, rec types.EndpointRecord) error {
	return em.Update(&key, &rec)
}

func (em *EndpointMap) Get(key types.EndpointKey) (types.EndpointRecord, error) {
	var rec types.EndpointRecord
	err := em.Lookup(&key, &rec)
	return rec, err
}

func (em *EndpointMap) Remove(key types.EndpointKey) error {
	return em.Delete(&key)
}

// RateBucketMap is the typed wrapper over map_src_rate.
type RateBucketMap struct{ *ManagedMap }

func (m *Manager) RateBucketMap() (*RateBucketMap, error) {
	mm, err := m.GetMap(NameSrcRate)
	if err != nil {
		return nil, err
	}
	return &RateBucketMap{mm}, nil
}

func (rm *RateBucketMap) Put(key types.SourceBucketKey, bucket types.SourceRateBucket) error {
	return rm.Update(&key, &bucket)
}

func (rm *RateBucketMap) Get(key types.SourceBucketKey) (types.SourceRateBucket, error) {
	var b types.SourceRateBucket
	err := rm.Lookup(&key, &b)
	return b, err
}

// ConntrackMap is the typed wrapper over map_conntrack.
type ConntrackMap struct{ *ManagedMap }

func (m *Manager) ConntrackMap() (*ConntrackMap, error) {
	mm, err := m.GetMap(NameConntrack)
	if err != nil {
		return nil, err
	}
	return &ConntrackMap{mm}, nil
}

func (cm *ConntrackMap) Put(key types.ConntrackKey, entry types.ConntrackEntry) error {
	return cm.Update(&key, &entry)
}

func (cm *ConntrackMap) Get(key types.ConntrackKey) (types.ConntrackEntry, error) {
	var e types.ConntrackEntry
	err := cm.Lookup(&key, &e)
	return e, err
}

func (cm *ConntrackMap) Remove(key types.ConntrackKey) error {
	return cm.Delete(&key)
}

// ReapIdle walks the conntrack table deleting entries idle past maxIdleMs.
func (cm *ConntrackMap) ReapIdle(nowMs uint64, maxIdleMs func(types.ConntrackEntry) uint64) (int, error) {
	it := cm.Iterator()
	var key types.ConntrackKey
	var entry types.ConntrackEntry
	var stale []types.ConntrackKey

	for it.Next(&key, &entry) {
		if entry.IdleFor(nowMs) > maxIdleMs(entry) {
			stale = append(stale, key)
		}
	}
	if err := it.Err(); err != nil {
		return 0, err
	}

	for _, k := range stale {
		if err := cm.Remove(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// BlacklistMap is the typed wrapper over map_blacklist. insert-fail here
// is operator-visible (KindExhausted), matching the endpoint map.
type BlacklistMap struct{ *ManagedMap }

func (m *Manager) BlacklistMap() (*BlacklistMap, error) {
	mm, err := m.GetMap(NameBlacklist)
	if err != nil {
		return nil, err
	}
	return &BlacklistMap{mm}, nil
}

func (bm *BlacklistMap) Put(key types.BlacklistKey, entry types.BlacklistEntry) error {
	return bm.Update(&key, &entry)
}

func (bm *BlacklistMap) Get(key types.BlacklistKey) (types.BlacklistEntry, error) {
	var e types.BlacklistEntry
	err := bm.Lookup(&key, &e)
	return e, err
}

func (bm *BlacklistMap) Remove(key types.BlacklistKey) error {
	return bm.Delete(&key)
}

// ReapExpired walks the blacklist deleting entries with blocked_until <= now.
func (bm *BlacklistMap) ReapExpired(nowMs uint64) (int, error) {
	it := bm.Iterator()
	var key types.BlacklistKey
	var entry types.BlacklistEntry
	var expired []types.BlacklistKey

	for it.Next(&key, &entry) {
		if entry.Expired(nowMs) {
			expired = append(expired, key)
		}
	}
	if err := it.Err(); err != nil {
		return 0, err
	}

	for _, k := range expired {
		if err := bm.Remove(k); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// ChallengeMap is the typed wrapper over map_udp_challenges.
type ChallengeMap struct{ *ManagedMap }

func (m *Manager) ChallengeMap() (*ChallengeMap, error) {
	mm, err := m.GetMap(NameChallenges)
	if err != nil {
		return nil, err
	}
	return &ChallengeMap{mm}, nil
}

func (cm *ChallengeMap) Put(key types.ChallengeKey, state types.ChallengeState) error {
	return cm.Update(&key, &state)
}

func (cm *ChallengeMap) Get(key types.ChallengeKey) (types.ChallengeState, error) {
	var s types.ChallengeState
	err := cm.Lookup(&key, &s)
	return s, err
}

func (cm *ChallengeMap) Remove(key types.ChallengeKey) error {
	return cm.Delete(&key)
}

// ReapExpired walks the challenge table deleting records older than maxAgeMs.
func (cm *ChallengeMap) ReapExpired(nowMs, maxAgeMs uint64) (int, error) {
	it := cm.Iterator()
	var key types.ChallengeKey
	var state types.ChallengeState
	var expired []types.ChallengeKey

	for it.Next(&key, &state) {
		if state.Age(nowMs) > maxAgeMs {
			expired = append(expired, key)
		}
	}
	if err := it.Err(); err != nil {
		return 0, err
	}

	for _, k := range expired {
		if err := cm.Remove(k); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// CounterMap is the typed wrapper over map_stats, a fixed-shape per-CPU
// array of monotonic counters. Only the classifier writes; C reads.
type CounterMap struct {
	*ManagedMap
	perCPU bool
}

func (m *Manager) CounterMap(perCPU bool) (*CounterMap, error) {
	mm, err := m.GetMap(NameStats)
	if err != nil {
		return nil, err
	}
	return &CounterMap{ManagedMap: mm, perCPU: perCPU}, nil
}

// Increment bumps the counter at idx by one.
func (cm *CounterMap) Increment(idx types.CounterIndex) error {
	key := uint32(idx)
	if cm.perCPU {
		var values []uint64
		err := cm.Lookup(&key, &values)
		if err != nil && err != ebpf.ErrKeyNotExist {
			return err
		}
		if err == ebpf.ErrKeyNotExist || len(values) == 0 {
			values = make([]uint64, 1)
		}
		values[0]++
		return cm.Update(&key, &values)
	}

	var value uint64
	err := cm.Lookup(&key, &value)
	if err != nil && err != ebpf.ErrKeyNotExist {
		return err
	}
	value++
	return cm.Update(&key, &value)
}

// ReadAll decodes every slot of the counter array into a types.Counters.
func (cm *CounterMap) ReadAll() (types.Counters, error) {
	var slots [types.CounterCount]uint64
	for i := 0; i < types.CounterCount; i++ {
		key := uint32(i)
		if cm.perCPU {
			var values []uint64
			if err := cm.Lookup(&key, &values); err != nil && err != ebpf.ErrKeyNotExist {
				return types.Counters{}, err
			}
			var total uint64
			for _, v := range values {
				total += v
			}
			slots[i] = total
		} else {
			var value uint64
			if err := cm.Lookup(&key, &value); err != nil && err != ebpf.ErrKeyNotExist {
				return types.Counters{}, err
			}
			slots[i] = value
		}
	}

	var c types.Counters
	c.FromSlots(slots)
	return c, nil
}

// Info reports the live state of a managed map.
type Info struct {
	Name         string
	Type         string
	MaxEntries   uint32
	CurrentSize  uint32
	KeySize      uint32
	ValueSize    uint32
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Stats returns Info for every registered map.
func (m *Manager) Stats() map[string]Info {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]Info, len(m.maps))

	for name, managedMap := range m.maps {
		var currentSize uint32
		iterator := managedMap.Map.Iterate()
		var key, value interface{}
		for iterator.Next(&key, &value) {
			currentSize++
		}

		stats[name] = Info{
			Name:         name,
			Type:         managedMap.Type.String(),
			MaxEntries:   managedMap.MaxEntries,
			CurrentSize:  currentSize,
			KeySize:      managedMap.KeySize,
			ValueSize:    managedMap.ValueSize,
			CreatedAt:    managedMap.CreatedAt,
			LastAccessed: time.Now(),
		}
	}

	return stats
}
