// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentryproxy.dev/sentryproxy/internal/clock"
	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
)

const (
	testFrontIP  = 0xC6336401 // 198.51.100.1
	testSourceIP = 0x01020304 // 1.2.3.4
)

func javaHandshakePayload(protoVer int32) []byte {
	body := []byte{0x00}
	// protocol version VarInt
	u := uint32(protoVer)
	for {
		b := byte(u & 0x7F)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		body = append(body, b)
		if u == 0 {
			break
		}
	}
	body = append(body, 0xAA, 0xAA, 0xAA, 0xAA)

	var length []byte
	lu := uint32(len(body))
	for {
		b := byte(lu & 0x7F)
		lu >>= 7
		if lu != 0 {
			b |= 0x80
		}
		length = append(length, b)
		if lu == 0 {
			break
		}
	}
	return append(length, body...)
}

func newJavaEndpoint(id uint64, rate, burst uint32) types.EndpointRecord {
	return types.EndpointRecord{
		EndpointID: id,
		OriginIP:   testFrontIP + 1,
		OriginPort: 25565,
		Kind:       types.KindJava,
		RateLimit:  rate,
		BurstLimit: burst,
		Active:     1,
	}
}

func newClassifier(t *testing.T) (*Classifier, *MemStore, *clock.MockClock) {
	t.Helper()
	store := NewMemStore()
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	return New(store, mc), store, mc
}

// Invariant 1: unmatched front tuple always passes.
func TestInvariant_NoMatchingEndpointPasses(t *testing.T) {
	cls, _, _ := newClassifier(t)
	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	require.Equal(t, types.VerdictPass, cls.Classify(pkt))
}

// Invariant 2: maintenance mode always drops and bumps dropped_maintenance.
func TestInvariant_MaintenanceAlwaysDrops(t *testing.T) {
	cls, store, _ := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	ep := newJavaEndpoint(1, 1000, 5000)
	ep.Maintenance = 1
	store.Endpoints[key] = ep

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	before := store.Counters[types.CounterDroppedMaintenance]
	require.Equal(t, types.VerdictDrop, cls.Classify(pkt))
	require.Greater(t, store.Counters[types.CounterDroppedMaintenance], before)
}

// Invariant 3: unexpired blacklist entry always drops.
func TestInvariant_BlacklistedSourceDrops(t *testing.T) {
	cls, store, mc := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	store.Endpoints[key] = newJavaEndpoint(1, 1000, 5000)
	store.Blacklist[types.BlacklistKey{SourceIP: testSourceIP}] = types.BlacklistEntry{
		BlockedUntilMs: uint64(mc.Now().UnixMilli()) + 60000,
	}

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	before := store.Counters[types.CounterDroppedBlacklist]
	require.Equal(t, types.VerdictDrop, cls.Classify(pkt))
	require.Greater(t, store.Counters[types.CounterDroppedBlacklist], before)
}

// Invariant 3 continued: expired entries are reclaimed and re-evaluated.
func TestInvariant_ExpiredBlacklistIsReevaluated(t *testing.T) {
	cls, store, mc := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	store.Endpoints[key] = newJavaEndpoint(1, 1000, 5000)
	store.Blacklist[types.BlacklistKey{SourceIP: testSourceIP}] = types.BlacklistEntry{
		BlockedUntilMs: uint64(mc.Now().UnixMilli()) - 1,
	}

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	require.Equal(t, types.VerdictRedirect, cls.Classify(pkt))
	_, stillPresent := store.Blacklist[types.BlacklistKey{SourceIP: testSourceIP}]
	require.False(t, stillPresent)
}

// Invariant 4: token bucket bounds allowed verdicts.
func TestInvariant_TokenBucketBoundsAllowed(t *testing.T) {
	cls, store, _ := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	store.Endpoints[key] = newJavaEndpoint(1, 1000, 5000)

	allowed := 0
	for i := 0; i < 6000; i++ {
		pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, SrcPort: uint16(1000 + i%500), DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
		if cls.Classify(pkt) == types.VerdictRedirect {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, 5000)
	require.GreaterOrEqual(t, store.Counters[types.CounterDroppedRateLimit], uint64(1000))
}

// Invariant 5: once a Bedrock source has established, it is not re-challenged.
func TestInvariant_EstablishedBedrockNotReChallenged(t *testing.T) {
	store := NewMemStore()
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	cls := New(store, mc)

	key := types.NewEndpointKey(testFrontIP, 19132, types.L4UDP)
	store.Endpoints[key] = types.EndpointRecord{EndpointID: 2, Kind: types.KindBedrock, RateLimit: 1000, BurstLimit: 5000, Active: 1}

	ping := append([]byte{0x05}, rakNetMagic()...)
	base := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, SrcPort: 7000, DstPort: 19132, L4: types.L4UDP, Payload: ping}

	require.Equal(t, types.VerdictDrop, cls.Classify(base)) // challenge issued

	mc.Advance(200 * time.Millisecond)
	require.Equal(t, types.VerdictRedirect, cls.Classify(base)) // challenge passed, established

	// Subsequent valid packets from the same 5-tuple are not re-challenged,
	// even though the payload no longer looks like a ping.
	other := base
	other.Payload = []byte{0x01, 0x02, 0x03}
	require.Equal(t, types.VerdictRedirect, cls.Classify(other))
}

// Invariant 6: counter identity holds over an observation window.
func TestInvariant_CounterIdentity(t *testing.T) {
	cls, store, _ := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	store.Endpoints[key] = newJavaEndpoint(1, 2, 2)

	// One pass (no endpoint match), several allowed/dropped against the endpoint.
	cls.Classify(Packet{SrcIP: testSourceIP, DstIP: testFrontIP + 99, DstPort: 25565, L4: types.L4TCP})
	for i := 0; i < 5; i++ {
		cls.Classify(Packet{SrcIP: testSourceIP, DstIP: testFrontIP, SrcPort: uint16(i), DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)})
	}

	c := store.Counters
	sumDrops := c[types.CounterDroppedRateLimit] + c[types.CounterDroppedBlacklist] + c[types.CounterDroppedBadProto] +
		c[types.CounterDroppedChallenge] + c[types.CounterDroppedMaintenance] + c[types.CounterSaturation]
	require.Equal(t, c[types.CounterAllowed]+sumDrops, c[types.CounterTotalPackets]-c[types.CounterPass])
}

// Invariant 7: update_endpoint is observed by the very next packet (tested
// at the store level since single-slot replace is the synchronizer's job,
// but the classifier must read through to whatever is currently stored).
func TestInvariant_PolicyUpdateObservedImmediately(t *testing.T) {
	cls, store, _ := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	store.Endpoints[key] = newJavaEndpoint(1, 1000, 5000)

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	require.Equal(t, types.VerdictRedirect, cls.Classify(pkt))

	ep := store.Endpoints[key]
	ep.Maintenance = 1
	store.Endpoints[key] = ep

	pkt.SrcPort = 4242
	require.Equal(t, types.VerdictDrop, cls.Classify(pkt))
}

func TestBoundary_TruncatedPacketDrops(t *testing.T) {
	cls, _, _ := newClassifier(t)
	require.Equal(t, types.VerdictDrop, cls.Classify(Packet{Malformed: true}))
}

func TestBoundary_NonIPv4Passes(t *testing.T) {
	cls, _, _ := newClassifier(t)
	require.Equal(t, types.VerdictPass, cls.Classify(Packet{NonIPv4: true}))
}

func TestBoundary_KindMismatchDropsBadProto(t *testing.T) {
	cls, store, _ := newClassifier(t)
	// A record whose stored Kind disagrees with the L4 its own key
	// encodes should never be trusted by the fast path, even though the
	// store is expected to reject this at endpoint-creation time.
	key := types.NewEndpointKey(testFrontIP, 19132, types.L4TCP)
	store.Endpoints[key] = types.EndpointRecord{EndpointID: 3, Kind: types.KindBedrock, RateLimit: 1000, BurstLimit: 5000, Active: 1}

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 19132, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	before := store.Counters[types.CounterDroppedBadProto]
	require.Equal(t, types.VerdictDrop, cls.Classify(pkt))
	require.Greater(t, store.Counters[types.CounterDroppedBadProto], before)
}

func TestScenario_HappyJava(t *testing.T) {
	cls, store, _ := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	store.Endpoints[key] = newJavaEndpoint(1, 1000, 5000)

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, SrcPort: 5000, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	require.Equal(t, types.VerdictRedirect, cls.Classify(pkt))
	require.Equal(t, uint64(1), store.Counters[types.CounterAllowed])
	require.Equal(t, uint64(1), store.Counters[types.CounterTotalPackets])
}

func TestScenario_BedrockChallengeFlow(t *testing.T) {
	store := NewMemStore()
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	cls := New(store, mc)

	key := types.NewEndpointKey(testFrontIP, 19132, types.L4UDP)
	store.Endpoints[key] = types.EndpointRecord{EndpointID: 4, Kind: types.KindBedrock, RateLimit: 1000, BurstLimit: 5000, Active: 1}

	bad := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 19132, L4: types.L4UDP, Payload: []byte{0x01}}
	require.Equal(t, types.VerdictDrop, cls.Classify(bad))
	require.Equal(t, uint64(1), store.Counters[types.CounterDroppedBadProto])

	ping := append([]byte{0x05}, rakNetMagic()...)
	good := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, SrcPort: 7000, DstPort: 19132, L4: types.L4UDP, Payload: ping}
	require.Equal(t, types.VerdictDrop, cls.Classify(good))
	require.Equal(t, uint64(1), store.Counters[types.CounterChallengesSent])

	mc.Advance(200 * time.Millisecond)
	require.Equal(t, types.VerdictRedirect, cls.Classify(good))
	require.Equal(t, uint64(1), store.Counters[types.CounterChallengesPassed])
	require.Equal(t, uint64(1), store.Counters[types.CounterAllowed])
}

func TestScenario_MaintenanceToggle(t *testing.T) {
	cls, store, _ := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	ep := newJavaEndpoint(1, 1000, 5000)
	ep.Maintenance = 1
	store.Endpoints[key] = ep

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	require.Equal(t, types.VerdictDrop, cls.Classify(pkt))

	ep.Maintenance = 0
	store.Endpoints[key] = ep
	require.Equal(t, types.VerdictRedirect, cls.Classify(pkt))
}

func rakNetMagic() []byte {
	return []byte{0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE, 0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78}
}

// Invariant: a whitelisted source bypasses rate limiting and protocol
// validation, including the Bedrock cookie challenge.
func TestInvariant_WhitelistBypassesRateLimitAndProtocol(t *testing.T) {
	cls, store, _ := newClassifier(t)
	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	ep := newJavaEndpoint(1, 1, 1) // burst of 1: the second packet would otherwise rate-limit
	store.Endpoints[key] = ep
	store.AddWhitelist(ep.EndpointID, testSourceIP)

	garbage := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, SrcPort: 1, DstPort: 25565, L4: types.L4TCP, Payload: []byte("not minecraft")}
	require.Equal(t, types.VerdictRedirect, cls.Classify(garbage))
	require.Equal(t, types.VerdictRedirect, cls.Classify(garbage))
	require.Zero(t, store.Counters[types.CounterDroppedRateLimit])
	require.Zero(t, store.Counters[types.CounterDroppedBadProto])
}

func TestInvariant_WhitelistBypassesBedrockChallenge(t *testing.T) {
	store := NewMemStore()
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	cls := New(store, mc)

	key := types.NewEndpointKey(testFrontIP, 19132, types.L4UDP)
	ep := types.EndpointRecord{EndpointID: 5, Kind: types.KindBedrock, RateLimit: 1000, BurstLimit: 5000, Active: 1}
	store.Endpoints[key] = ep
	store.AddWhitelist(ep.EndpointID, testSourceIP)

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, SrcPort: 7000, DstPort: 19132, L4: types.L4UDP, Payload: []byte("not raknet")}
	require.Equal(t, types.VerdictRedirect, cls.Classify(pkt))
	require.Zero(t, store.Counters[types.CounterChallengesSent])
	require.Zero(t, store.Counters[types.CounterDroppedBadProto])
}

// saturatingStore wraps MemStore so individual Put* calls can be made to
// report map-full, exercising the saturation counter path a MemStore
// alone (which always succeeds) cannot reach.
type saturatingStore struct {
	*MemStore
	failBucket    bool
	failConntrack bool
	failChallenge bool
}

func (s *saturatingStore) PutBucket(key types.SourceBucketKey, bucket types.SourceRateBucket) bool {
	if s.failBucket {
		return false
	}
	return s.MemStore.PutBucket(key, bucket)
}

func (s *saturatingStore) PutConntrack(key types.ConntrackKey, entry types.ConntrackEntry) bool {
	if s.failConntrack {
		return false
	}
	return s.MemStore.PutConntrack(key, entry)
}

func (s *saturatingStore) PutChallenge(key types.ChallengeKey, state types.ChallengeState) bool {
	if s.failChallenge {
		return false
	}
	return s.MemStore.PutChallenge(key, state)
}

func TestInvariant_RateBucketSaturationDrops(t *testing.T) {
	store := &saturatingStore{MemStore: NewMemStore(), failBucket: true}
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	cls := New(store, mc)

	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	store.Endpoints[key] = newJavaEndpoint(1, 1000, 5000)

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	require.Equal(t, types.VerdictDrop, cls.Classify(pkt))
	require.Equal(t, uint64(1), store.Counters[types.CounterSaturation])
}

func TestInvariant_ConntrackSaturationDrops(t *testing.T) {
	store := &saturatingStore{MemStore: NewMemStore(), failConntrack: true}
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	cls := New(store, mc)

	key := types.NewEndpointKey(testFrontIP, 25565, types.L4TCP)
	store.Endpoints[key] = newJavaEndpoint(1, 1000, 5000)

	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, DstPort: 25565, L4: types.L4TCP, Payload: javaHandshakePayload(760)}
	require.Equal(t, types.VerdictDrop, cls.Classify(pkt))
	require.Equal(t, uint64(1), store.Counters[types.CounterSaturation])
}

func TestInvariant_ChallengeSaturationDrops(t *testing.T) {
	store := &saturatingStore{MemStore: NewMemStore(), failChallenge: true}
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	cls := New(store, mc)

	key := types.NewEndpointKey(testFrontIP, 19132, types.L4UDP)
	store.Endpoints[key] = types.EndpointRecord{EndpointID: 6, Kind: types.KindBedrock, RateLimit: 1000, BurstLimit: 5000, Active: 1}

	ping := append([]byte{0x05}, rakNetMagic()...)
	pkt := Packet{SrcIP: testSourceIP, DstIP: testFrontIP, SrcPort: 7000, DstPort: 19132, L4: types.L4UDP, Payload: ping}
	require.Equal(t, types.VerdictDrop, cls.Classify(pkt))
	require.Equal(t, uint64(1), store.Counters[types.CounterSaturation])
}
