// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classifier is the Go-native reference model of the in-kernel
// fast path (component A). It implements the same algorithm the compiled
// eBPF object runs, against its own Store interface rather than the kernel
// maps, so the testable
// properties in the design can be asserted in user space. It is exercised
// by this package's tests and by cmd/sentry-sim's pcap replay tool; the
// deployed agent always runs the compiled eBPF object and has no
// software-classifier fallback (see SPEC_FULL.md §4.A).
//
// Every exported entry point here is non-blocking, allocation-free on its
// hot path, and total over its input: a malformed or truncated packet
// always produces a verdict, never a panic.
package classifier

import (
	"encoding/binary"

	"sentryproxy.dev/sentryproxy/internal/clock"
	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
	"sentryproxy.dev/sentryproxy/internal/mcproto"
)

const (
	javaIdleTimeoutMs    = 2 * 60 * 1000
	bedrockIdleTimeoutMs = 30 * 1000

	challengeMinAgeMs = 100
	challengeMaxAgeMs = 5000
)

// Packet is the decoded view of one ingress frame the classifier needs.
// Callers (the gopacket-based decoder in tests, or a future AF_PACKET
// capture path) are responsible for producing this from raw bytes; the
// classifier itself never touches link-layer framing.
type Packet struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	L4      types.L4Proto
	Payload []byte

	// Malformed marks a packet that failed L3/L4 bounds parsing before
	// classification could begin (truncated header, bad IHL, etc).
	Malformed bool
	// NonIPv4 marks any frame that did not carry an IPv4 payload.
	NonIPv4 bool
}

// Store is the minimal map surface the classifier needs. MemStore is its
// in-memory implementation, used by tests and cmd/sentry-sim;
// internal/ebpf/maps does not implement it (its methods return errors, not
// bools) and there is no adapter to the kernel maps.
type Store interface {
	LookupEndpoint(key types.EndpointKey) (types.EndpointRecord, bool)
	LookupBlacklist(key types.BlacklistKey) (types.BlacklistEntry, bool)
	DeleteBlacklist(key types.BlacklistKey)
	LookupBucket(key types.SourceBucketKey) (types.SourceRateBucket, bool)
	PutBucket(key types.SourceBucketKey, bucket types.SourceRateBucket) bool
	LookupConntrack(key types.ConntrackKey) (types.ConntrackEntry, bool)
	PutConntrack(key types.ConntrackKey, entry types.ConntrackEntry) bool
	LookupChallenge(key types.ChallengeKey) (types.ChallengeState, bool)
	PutChallenge(key types.ChallengeKey, state types.ChallengeState) bool
	DeleteChallenge(key types.ChallengeKey)
	IsWhitelisted(endpointID uint64, sourceIP uint32) bool
	Increment(idx types.CounterIndex)
}

// Classifier runs the §4.A algorithm against a Store.
type Classifier struct {
	store Store
	clock clock.Clock
}

// New builds a Classifier reading the current time from clk.
func New(store Store, clk clock.Clock) *Classifier {
	if clk == nil {
		clk = clock.System{}
	}
	return &Classifier{store: store, clock: clk}
}

func (c *Classifier) nowMs() uint64 {
	return uint64(c.clock.Now().UnixMilli())
}

// Classify runs the full fast-path algorithm for one packet and returns
// its verdict.
func (c *Classifier) Classify(pkt Packet) types.Verdict {
	if pkt.NonIPv4 {
		return types.VerdictPass
	}
	if pkt.Malformed {
		return types.VerdictDrop
	}

	c.store.Increment(types.CounterTotalPackets)

	now := c.nowMs()

	if bl, ok := c.store.LookupBlacklist(types.BlacklistKey{SourceIP: pkt.SrcIP}); ok {
		if !bl.Expired(now) {
			c.store.Increment(types.CounterDroppedBlacklist)
			return types.VerdictDrop
		}
		c.store.DeleteBlacklist(types.BlacklistKey{SourceIP: pkt.SrcIP})
	}

	epKey := types.NewEndpointKey(pkt.DstIP, pkt.DstPort, pkt.L4)
	endpoint, ok := c.store.LookupEndpoint(epKey)
	if !ok {
		c.store.Increment(types.CounterPass)
		return types.VerdictPass
	}

	if endpoint.Kind.L4() != pkt.L4 {
		// Defensive check: the front key already encodes L4, so this only
		// triggers if an endpoint record's stored kind disagrees with its
		// own key — a configuration error the store is supposed to reject
		// at creation time, not something the fast path should ever trust.
		c.store.Increment(types.CounterDroppedBadProto)
		return types.VerdictDrop
	}

	if endpoint.Maintenance != 0 {
		c.store.Increment(types.CounterDroppedMaintenance)
		return types.VerdictDrop
	}

	// A whitelisted source bypasses rate limiting and protocol validation
	// entirely (including the Bedrock cookie challenge) — it still passes
	// through conntrack and blacklist/maintenance checks above.
	whitelisted := c.store.IsWhitelisted(endpoint.EndpointID, pkt.SrcIP)

	if !whitelisted {
		switch c.takeToken(pkt.SrcIP, endpoint, now) {
		case tokenDenied:
			c.store.Increment(types.CounterDroppedRateLimit)
			return types.VerdictDrop
		case tokenSaturated:
			c.store.Increment(types.CounterSaturation)
			return types.VerdictDrop
		}
	}

	ctKey := types.ConntrackKey{SrcIP: pkt.SrcIP, DstIP: pkt.DstIP, SrcPort: pkt.SrcPort, DstPort: pkt.DstPort, L4: pkt.L4}
	existing, hasEntry := c.store.LookupConntrack(ctKey)
	alreadyEstablished := hasEntry && existing.State == types.StateEstablished

	if !whitelisted && !alreadyEstablished {
		switch endpoint.Kind {
		case types.KindJava:
			if !mcproto.ValidJavaHandshake(pkt.Payload) {
				c.store.Increment(types.CounterDroppedBadProto)
				return types.VerdictDrop
			}
		case types.KindBedrock:
			if !mcproto.ValidRakNetShape(pkt.Payload) {
				c.store.Increment(types.CounterDroppedBadProto)
				return types.VerdictDrop
			}
			switch c.challenge(pkt.SrcIP, now) {
			case challengeDropPending:
				c.store.Increment(types.CounterDroppedChallenge)
				return types.VerdictDrop
			case challengeSaturated:
				c.store.Increment(types.CounterSaturation)
				return types.VerdictDrop
			case challengePassed:
				c.store.Increment(types.CounterChallengesPassed)
			}
		}
	}

	if !c.trackConntrack(ctKey, endpoint.EndpointID, hasEntry, existing, now) {
		c.store.Increment(types.CounterSaturation)
		return types.VerdictDrop
	}

	c.store.Increment(types.CounterAllowed)
	c.store.Increment(types.CounterRedirect)
	return types.VerdictRedirect
}

type tokenResult int

const (
	tokenOK tokenResult = iota
	tokenDenied
	tokenSaturated
)

func (c *Classifier) takeToken(srcIP uint32, endpoint types.EndpointRecord, now uint64) tokenResult {
	key := types.SourceBucketKey{SourceIP: srcIP}
	bucket, ok := c.store.LookupBucket(key)
	if !ok {
		bucket = types.SourceRateBucket{Tokens: endpoint.BurstLimit, LastUpdateMs: now}
	} else {
		elapsed := now - bucket.LastUpdateMs
		if now < bucket.LastUpdateMs {
			elapsed = 0
		}
		refill := uint32((elapsed * uint64(endpoint.RateLimit)) / 1000)
		bucket.Tokens += refill
		if bucket.Tokens > endpoint.BurstLimit {
			bucket.Tokens = endpoint.BurstLimit
		}
	}

	if bucket.Tokens == 0 {
		bucket.LastUpdateMs = now
		if !c.store.PutBucket(key, bucket) {
			return tokenSaturated
		}
		return tokenDenied
	}

	bucket.Tokens--
	bucket.LastUpdateMs = now
	if !c.store.PutBucket(key, bucket) {
		return tokenSaturated
	}
	return tokenOK
}

type challengeOutcome int

const (
	challengeDropPending challengeOutcome = iota
	challengePassed
	challengeSaturated
)

// challenge runs the stateless UDP cookie challenge for one Bedrock
// source. It is only reached once per flow thanks to the conntrack
// established-state shortcut above.
func (c *Classifier) challenge(srcIP uint32, now uint64) challengeOutcome {
	key := types.ChallengeKey{SourceIP: srcIP}
	state, ok := c.store.LookupChallenge(key)

	if !ok || state.Age(now) > challengeMaxAgeMs {
		cookie := mixCookie(int64(now), srcIP)
		if !c.store.PutChallenge(key, types.ChallengeState{IssuedMs: now, Cookie: cookie}) {
			return challengeSaturated
		}
		c.store.Increment(types.CounterChallengesSent)
		return challengeDropPending
	}

	age := state.Age(now)
	if age < challengeMinAgeMs {
		return challengeDropPending
	}

	c.store.DeleteChallenge(key)
	return challengePassed
}

func mixCookie(nowMs int64, srcIP uint32) uint32 {
	return mcproto.MixCookie(nowMs, srcIP)
}

// trackConntrack inserts or refreshes the 5-tuple's conntrack entry and
// reports whether the map write succeeded.
func (c *Classifier) trackConntrack(key types.ConntrackKey, endpointID uint64, hasEntry bool, existing types.ConntrackEntry, now uint64) bool {
	if hasEntry {
		existing.LastSeenMs = now
		if existing.State != types.StateEstablished {
			existing.State = types.StateEstablished
		}
		return c.store.PutConntrack(key, existing)
	}

	return c.store.PutConntrack(key, types.ConntrackEntry{
		EndpointID: endpointID,
		State:      types.StateEstablished,
		CreatedMs:  now,
		LastSeenMs: now,
	})
}

// IdleTimeoutMs returns the per-kind conntrack idle timeout used by the reaper.
func IdleTimeoutMs(kind types.EndpointKind) uint64 {
	if kind == types.KindBedrock {
		return bedrockIdleTimeoutMs
	}
	return javaIdleTimeoutMs
}

// IPv4ToUint32 encodes a 4-byte IPv4 address into the uint32 form used by
// every map key in this package (network byte order).
func IPv4ToUint32(ip [4]byte) uint32 {
	return binary.BigEndian.Uint32(ip[:])
}
