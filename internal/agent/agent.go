// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package agent is the edge node's side of the control plane: it receives
// endpoint pushes from the fleet manager over its control interface and
// applies them to the local kernel maps via the map synchronizer
// (component C), and answers the fleet manager's periodic status poll
// with its liveness, resource usage, and currently-applied endpoint set.
package agent

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
	"sentryproxy.dev/sentryproxy/internal/host"
	"sentryproxy.dev/sentryproxy/internal/logging"
	syncpkg "sentryproxy.dev/sentryproxy/internal/sync"
)

// endpointID derives a stable 64-bit map identity from the control
// plane's UUID string, since the kernel maps key endpoints by a compact
// uint64, not a UUID.
func endpointID(uuidStr string) uint64 {
	return xxhash.Sum64String(uuidStr)
}

func ipToUint32(ip string) (uint32, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("agent: invalid IPv4 address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, fmt.Errorf("agent: not an IPv4 address %q", ip)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// EndpointView is the wire shape of a protected endpoint as pushed by the
// fleet manager, matching fleet.EndpointPush's embedded record.
type EndpointView struct {
	ID          string `json:"id"`
	FrontIP     string `json:"front_ip"`
	FrontPort   uint16 `json:"front_port"`
	Kind        string `json:"kind"`
	OriginIP    string `json:"origin_ip"`
	OriginPort  uint16 `json:"origin_port"`
	RateLimit   uint32 `json:"rate_limit"`
	BurstLimit  uint32 `json:"burst_limit"`
	Maintenance bool   `json:"maintenance"`
	Active      bool   `json:"active"`
}

func (v EndpointView) toSyncEndpoint() (syncpkg.Endpoint, error) {
	kind, err := parseKind(v.Kind)
	if err != nil {
		return syncpkg.Endpoint{}, err
	}
	frontIP, err := ipToUint32(v.FrontIP)
	if err != nil {
		return syncpkg.Endpoint{}, err
	}
	originIP, err := ipToUint32(v.OriginIP)
	if err != nil {
		return syncpkg.Endpoint{}, err
	}
	return syncpkg.Endpoint{
		ID:          endpointID(v.ID),
		FrontIP:     frontIP,
		FrontPort:   v.FrontPort,
		Kind:        kind,
		OriginIP:    originIP,
		OriginPort:  v.OriginPort,
		RateLimit:   v.RateLimit,
		BurstLimit:  v.BurstLimit,
		Maintenance: v.Maintenance,
		Active:      v.Active,
	}, nil
}

func parseKind(s string) (types.EndpointKind, error) {
	switch s {
	case "java":
		return types.KindJava, nil
	case "bedrock":
		return types.KindBedrock, nil
	default:
		return types.KindUnspec, fmt.Errorf("agent: unknown endpoint kind %q", s)
	}
}

// EndpointPush mirrors fleet.EndpointPush, decoded independently on the
// node side so the agent package doesn't import the control plane.
type EndpointPush struct {
	Action   string       `json:"action"`
	Endpoint EndpointView `json:"endpoint"`
}

// BlacklistPush mirrors fleet.BlacklistPush, decoded independently on the
// node side for the same reason.
type BlacklistPush struct {
	Action     string `json:"action"`
	IP         string `json:"ip"`
	BlockedFor int64  `json:"blocked_for_seconds"`
}

// Agent owns the local synchronizer and the user-space relays running on
// this node.
type Agent struct {
	sync  *syncpkg.Synchronizer
	log   *logging.Logger
	relay *relayManager
}

// Config wires an Agent to its local synchronizer.
type Config struct {
	Synchronizer *syncpkg.Synchronizer
	Logger       *logging.Logger
}

// New builds an Agent from cfg.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithComponent("agent")
	}
	return &Agent{
		sync:  cfg.Synchronizer,
		log:   cfg.Logger,
		relay: newRelayManager(cfg.Logger),
	}
}

// ApplyPush applies a single endpoint push from the fleet manager: the
// kernel map is updated first (so the classifier's view is authoritative
// and never lags), then the user-space relay for that endpoint is
// started, replaced, or torn down to match.
func (a *Agent) ApplyPush(push EndpointPush) error {
	id := endpointID(push.Endpoint.ID)

	switch push.Action {
	case "add", "update":
		ep, err := push.Endpoint.toSyncEndpoint()
		if err != nil {
			return err
		}
		if push.Action == "add" {
			if err := a.sync.AddEndpoint(ep); err != nil {
				return err
			}
		} else if err := a.sync.UpdateEndpoint(ep); err != nil {
			return err
		}
		return a.relay.apply(context.Background(), push.Action, id, push.Endpoint)

	case "remove":
		kind, err := parseKind(push.Endpoint.Kind)
		if err != nil {
			return err
		}
		frontIP, err := ipToUint32(push.Endpoint.FrontIP)
		if err != nil {
			return err
		}
		if err := a.sync.RemoveEndpoint(id, frontIP, push.Endpoint.FrontPort, kind); err != nil {
			return err
		}
		return a.relay.apply(context.Background(), push.Action, id, push.Endpoint)

	default:
		return fmt.Errorf("agent: unknown push action %q", push.Action)
	}
}

// Shutdown stops every relay this agent is running. It does not touch the
// kernel maps, which outlive the agent process by design.
func (a *Agent) Shutdown(ctx context.Context) {
	a.relay.shutdownAll(ctx)
}

// ApplyBlacklistPush applies a single blacklist push from the fleet
// manager to the local kernel blacklist map.
func (a *Agent) ApplyBlacklistPush(push BlacklistPush) error {
	ip, err := ipToUint32(push.IP)
	if err != nil {
		return err
	}

	switch push.Action {
	case "add":
		return a.sync.AddBlacklist(ip, time.Duration(push.BlockedFor)*time.Second)
	case "remove":
		return a.sync.RemoveBlacklist(ip)
	default:
		return fmt.Errorf("agent: unknown blacklist push action %q", push.Action)
	}
}

// StatusSnapshot is the point-in-time view of this node served back to
// the fleet manager's status poll.
type StatusSnapshot struct {
	CPUUsage    float64
	MemoryUsage float64
	PacketRate  float64
	Endpoints   []string
}

// Status gathers this node's current resource usage, packet counter, and
// applied endpoint set for the fleet manager's GET /api/v1/status poll.
// PacketRate carries the classifier's cumulative total_packets counter as
// read from map_stats; it is not divided by any time interval, so it is a
// running total since the maps were created, not a per-second rate.
func (a *Agent) Status() StatusSnapshot {
	var packetRate float64
	if counters, err := a.sync.ReadCounters(); err != nil {
		a.log.Warn("read counters for status failed", "error", err)
	} else {
		packetRate = float64(counters.TotalPackets)
	}

	var memPct float64
	if mem, err := host.GetMemoryInfo(); err != nil {
		a.log.Warn("read memory info for status failed", "error", err)
	} else if mem.TotalBytes > 0 {
		used := mem.TotalBytes - mem.AvailableBytes
		memPct = float64(used) / float64(mem.TotalBytes) * 100
	}

	cpuPct, err := host.GetCPUUsagePercent(100 * time.Millisecond)
	if err != nil {
		a.log.Warn("read cpu usage for status failed", "error", err)
	}

	return StatusSnapshot{
		CPUUsage:    cpuPct,
		MemoryUsage: memPct,
		PacketRate:  packetRate,
		Endpoints:   a.relay.activeEndpoints(),
	}
}

// Healthy reports whether the agent's synchronizer is reachable, used by
// the /health endpoint.
func (a *Agent) Healthy() bool {
	_, err := a.sync.ReadCounters()
	return err == nil
}
