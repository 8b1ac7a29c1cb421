// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store is the desired-state store (component F): durable records
// of endpoints, nodes, blacklist entries, per-endpoint whitelists, metrics
// summaries, and audit records. Per the design, the core only depends on
// durable insert/update/delete, keyed lookup by primary id, and range
// scans by timestamp for metrics — the schema and migrations themselves
// are out of scope (§1) and treated as an implementation detail behind
// this interface.
package store

import (
	"context"
	"time"

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
)

// EndpointRecord is the durable form of a Protected Endpoint.
type EndpointRecord struct {
	ID          string
	OrgID       string
	FrontIP     string
	FrontPort   uint16
	Kind        types.EndpointKind
	OriginIP    string
	OriginPort  uint16
	RateLimit   uint32
	BurstLimit  uint32
	Maintenance bool
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NodeRecord is the durable form of an Edge Node.
type NodeRecord struct {
	ID            string
	Name          string
	DataAddress   string
	ControlAddress string
	Interface     string
	Status        NodeStatus
	LastSeen      time.Time
	CPUUsage      float64
	MemoryUsage   float64
	PacketRate    float64
	CreatedAt     time.Time
}

// NodeStatus mirrors the liveness states of §3's Edge Node.
type NodeStatus string

const (
	NodeActive      NodeStatus = "active"
	NodeInactive    NodeStatus = "inactive"
	NodeMaintenance NodeStatus = "maintenance"
)

// BlacklistRecord is the durable form of a Blacklist Entry.
type BlacklistRecord struct {
	IP             string
	BlockedUntil   time.Time
	Reason         string
	CreatedAt      time.Time
}

// WhitelistRecord is the supplemented per-endpoint whitelist entry.
type WhitelistRecord struct {
	EndpointID string
	IP         string
	CreatedAt  time.Time
}

// MetricsSample is one point-in-time counter snapshot for an endpoint,
// supporting the range-scan-by-timestamp the design depends on.
type MetricsSample struct {
	EndpointID string
	Timestamp  time.Time
	Counters   types.Counters
}

// AuditRecord is the supplemented audit-trail row written by the API on
// every mutating call.
type AuditRecord struct {
	ID        string
	Actor     string
	Action    string
	Entity    string
	EntityID  string
	Timestamp time.Time
}

// Store is the durable interface component C and D depend on. Every
// method takes a context so callers can bound store latency the same way
// they bound every other outward call (§5).
type Store interface {
	CreateEndpoint(ctx context.Context, e EndpointRecord) error
	GetEndpoint(ctx context.Context, id string) (EndpointRecord, error)
	ListEndpoints(ctx context.Context, orgID string, offset, limit int) ([]EndpointRecord, error)
	UpdateEndpoint(ctx context.Context, e EndpointRecord) error
	DeleteEndpoint(ctx context.Context, id string) error

	CreateNode(ctx context.Context, n NodeRecord) error
	GetNode(ctx context.Context, id string) (NodeRecord, error)
	ListNodes(ctx context.Context) ([]NodeRecord, error)
	UpdateNode(ctx context.Context, n NodeRecord) error
	DeleteNode(ctx context.Context, id string) error

	AddBlacklist(ctx context.Context, b BlacklistRecord) error
	RemoveBlacklist(ctx context.Context, ip string) error
	ListBlacklist(ctx context.Context, offset, limit int) ([]BlacklistRecord, error)

	AddWhitelist(ctx context.Context, w WhitelistRecord) error
	RemoveWhitelist(ctx context.Context, endpointID, ip string) error
	ListWhitelist(ctx context.Context, endpointID string) ([]WhitelistRecord, error)

	RecordMetrics(ctx context.Context, s MetricsSample) error
	QueryMetrics(ctx context.Context, endpointID string, since time.Time) ([]MetricsSample, error)

	RecordAudit(ctx context.Context, a AuditRecord) error

	Close() error
}
