// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fleet is the node fleet manager (component D): it keeps every
// edge node's in-kernel endpoint set synchronized with the desired-state
// store, and tracks node liveness by polling each node's control
// interface on a cadence. The store is always the authoritative source
// of truth — a node's own reported state is never trusted over it.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentryproxy.dev/sentryproxy/internal/clock"
	"sentryproxy.dev/sentryproxy/internal/logging"
	"sentryproxy.dev/sentryproxy/internal/store"
)

// Defaults per the design's polling/failure semantics.
const (
	DefaultPollInterval     = 10 * time.Second
	DefaultFailureThreshold = 2 // consecutive missed polls before inactive
	DefaultPushTimeout      = 3 * time.Second
)

// EndpointPush is the body sent to a node's control interface to add,
// update, or remove a protected endpoint.
type EndpointPush struct {
	Action   string               `json:"action"` // "add", "update", "remove"
	Endpoint store.EndpointRecord `json:"endpoint"`
}

// BlacklistPush is the body sent to a node's control interface to add or
// remove a source IP from the in-kernel blacklist.
type BlacklistPush struct {
	Action     string `json:"action"` // "add", "remove"
	IP         string `json:"ip"`
	BlockedFor int64  `json:"blocked_for_seconds"`
}

// nodeStatusResponse is the documented shape of a node's GET
// /api/v1/status response, as served by internal/agent.Server.
type nodeStatusResponse struct {
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	PacketRate  float64   `json:"packet_rate"`
	Endpoints   []string  `json:"endpoints"`
}

// Manager tracks edge node liveness by polling their control interfaces
// and pushes endpoint changes out to every active node.
type Manager struct {
	store     store.Store
	logger    *logging.Logger
	clk       clock.Clock
	client    *http.Client
	pubsub    *PubSub
	replicaID string

	pollInterval     time.Duration
	failureThreshold int

	mu         sync.RWMutex
	nodes      map[string]*nodeState
	tombstones map[string]store.EndpointRecord

	stop    context.CancelFunc
	stopped chan struct{}

	pubsubStop context.CancelFunc
}

type nodeState struct {
	record          store.NodeRecord
	consecutiveFail int
}

// Config configures a Manager.
type Config struct {
	Store            store.Store
	Logger           *logging.Logger
	Clock            clock.Clock
	PollInterval     time.Duration
	FailureThreshold int
	HTTPTimeout      time.Duration

	// PubSub, when set, fans node registrations and endpoint/blacklist
	// pushes out to every other control-plane replica subscribed to the
	// same channel, so each replica's in-memory node registry and push
	// routing stay current without waiting on a poll cadence.
	PubSub *PubSub
}

// New builds a Manager from cfg, applying documented defaults.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithComponent("fleet")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultPushTimeout
	}

	return &Manager{
		store:            cfg.Store,
		logger:           cfg.Logger,
		clk:              cfg.Clock,
		client:           &http.Client{Timeout: cfg.HTTPTimeout},
		pubsub:           cfg.PubSub,
		replicaID:        uuid.NewString(),
		pollInterval:     cfg.PollInterval,
		failureThreshold: cfg.FailureThreshold,
		nodes:            make(map[string]*nodeState),
		tombstones:       make(map[string]store.EndpointRecord),
	}
}

// RegisterNode adds a node to the fleet and to the desired-state store.
func (m *Manager) RegisterNode(ctx context.Context, name, dataAddr, controlAddr, iface string) (store.NodeRecord, error) {
	rec := store.NodeRecord{
		ID:             uuid.NewString(),
		Name:           name,
		DataAddress:    dataAddr,
		ControlAddress: controlAddr,
		Interface:      iface,
		Status:         store.NodeActive,
		LastSeen:       m.clk.Now(),
		CreatedAt:      m.clk.Now(),
	}

	if err := m.store.CreateNode(ctx, rec); err != nil {
		return store.NodeRecord{}, err
	}

	m.mu.Lock()
	m.nodes[rec.ID] = &nodeState{record: rec}
	m.mu.Unlock()

	if err := m.resyncNode(ctx, rec); err != nil {
		m.logger.Warn("initial resync failed", "node", rec.ID, "error", err)
	}

	if m.pubsub != nil {
		if err := m.pubsub.PublishNode(ctx, m.replicaID, rec); err != nil {
			m.logger.Warn("publish node registration failed", "node", rec.ID, "error", err)
		}
	}

	return rec, nil
}

// PushEndpoint pushes an endpoint change to every active node without
// waiting for delivery. A push failure against one node never fails the
// caller's request and never blocks delivery to the others — it is
// logged and retried on the next poll-triggered reconcile.
func (m *Manager) PushEndpoint(ctx context.Context, action string, ep store.EndpointRecord) {
	m.pushEndpoint(ctx, action, ep, false)
}

// PushEndpointSync behaves like PushEndpoint but waits for every node's
// push attempt to finish (success or failure) before returning. Callers
// that must remove an endpoint's durable record only after its kernel-map
// entry has been cleared from every node use this instead of PushEndpoint,
// since the async variant returns before delivery is even attempted.
func (m *Manager) PushEndpointSync(ctx context.Context, action string, ep store.EndpointRecord) {
	m.pushEndpoint(ctx, action, ep, true)
}

func (m *Manager) pushEndpoint(ctx context.Context, action string, ep store.EndpointRecord, wait bool) {
	if action == "remove" {
		m.mu.Lock()
		m.tombstones[ep.ID] = ep
		m.mu.Unlock()
	}

	m.mu.RLock()
	targets := make([]store.NodeRecord, 0, len(m.nodes))
	for _, ns := range m.nodes {
		if ns.record.Status == store.NodeActive {
			targets = append(targets, ns.record)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, node := range targets {
		if wait {
			wg.Add(1)
			go func(n store.NodeRecord) {
				defer wg.Done()
				m.pushTo(ctx, n, EndpointPush{Action: action, Endpoint: ep})
			}(node)
		} else {
			go m.pushTo(ctx, node, EndpointPush{Action: action, Endpoint: ep})
		}
	}
	if wait {
		wg.Wait()
	}

	if m.pubsub != nil {
		if err := m.pubsub.PublishEndpoint(ctx, m.replicaID, EndpointPush{Action: action, Endpoint: ep}); err != nil {
			m.logger.Warn("publish endpoint change failed", "endpoint", ep.ID, "error", err)
		}
	}
}

// PushBlacklist pushes a blacklist add/remove to every active node, and
// fans the change out to any other control-plane replica via pubsub.
func (m *Manager) PushBlacklist(ctx context.Context, action, ip string, blockedFor time.Duration) {
	push := BlacklistPush{Action: action, IP: ip, BlockedFor: int64(blockedFor.Seconds())}

	m.mu.RLock()
	targets := make([]store.NodeRecord, 0, len(m.nodes))
	for _, ns := range m.nodes {
		if ns.record.Status == store.NodeActive {
			targets = append(targets, ns.record)
		}
	}
	m.mu.RUnlock()

	for _, node := range targets {
		go m.pushBlacklistTo(ctx, node, push)
	}

	if m.pubsub != nil {
		if err := m.pubsub.PublishBlacklist(ctx, m.replicaID, push); err != nil {
			m.logger.Warn("publish blacklist change failed", "ip", ip, "error", err)
		}
	}
}

func (m *Manager) pushBlacklistTo(ctx context.Context, node store.NodeRecord, push BlacklistPush) {
	body, err := json.Marshal(push)
	if err != nil {
		m.logger.Error("marshal blacklist push failed", "node", node.ID, "error", err)
		return
	}

	url := fmt.Sprintf("http://%s/api/v1/blacklist", node.ControlAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		m.logger.Error("build blacklist push request failed", "node", node.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("blacklist push failed, node unreachable", "node", node.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		m.logger.Warn("blacklist push rejected", "node", node.ID, "status", resp.StatusCode)
	}
}

func (m *Manager) pushTo(ctx context.Context, node store.NodeRecord, push EndpointPush) {
	body, err := json.Marshal(push)
	if err != nil {
		m.logger.Error("marshal endpoint push failed", "node", node.ID, "error", err)
		return
	}

	url := fmt.Sprintf("http://%s/api/v1/endpoint", node.ControlAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		m.logger.Error("build push request failed", "node", node.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("endpoint push failed, node unreachable", "node", node.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		m.logger.Warn("endpoint push rejected", "node", node.ID, "status", resp.StatusCode)
	}
}

// StartHealthChecks begins the periodic status poll. It returns
// immediately; the poll loop runs in the background until ctx is
// canceled or StopHealthChecks is called.
func (m *Manager) StartHealthChecks(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.stopped = make(chan struct{})

	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pollNodes(ctx)
			}
		}
	}()
}

// StopHealthChecks halts the background poll loop and waits for it to exit.
func (m *Manager) StopHealthChecks() {
	if m.stop == nil {
		return
	}
	m.stop()
	<-m.stopped
}

// StartPubSub begins listening for node/endpoint/blacklist changes
// published by other control-plane replicas. It is a no-op if no PubSub
// was configured. It returns immediately; the listener runs in the
// background until ctx is canceled or StopPubSub is called.
func (m *Manager) StartPubSub(ctx context.Context) {
	if m.pubsub == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.pubsubStop = cancel
	m.pubsub.Subscribe(ctx, m.replicaID, m.onRemoteNode, m.onRemoteEndpoint, m.onRemoteBlacklist)
}

// StopPubSub halts the background pubsub listener, if one was started.
func (m *Manager) StopPubSub() {
	if m.pubsubStop != nil {
		m.pubsubStop()
	}
}

// onRemoteNode merges a node registered on another replica into this
// replica's local registry, so this replica can route future endpoint
// pushes to it even though it never saw the registration request.
func (m *Manager) onRemoteNode(rec store.NodeRecord) {
	m.mu.Lock()
	if _, known := m.nodes[rec.ID]; !known {
		m.nodes[rec.ID] = &nodeState{record: rec}
	}
	m.mu.Unlock()
}

// onRemoteEndpoint re-pushes an endpoint change originated by another
// replica to every node known locally, without re-publishing it.
func (m *Manager) onRemoteEndpoint(push EndpointPush) {
	m.mu.RLock()
	targets := make([]store.NodeRecord, 0, len(m.nodes))
	for _, ns := range m.nodes {
		if ns.record.Status == store.NodeActive {
			targets = append(targets, ns.record)
		}
	}
	m.mu.RUnlock()

	for _, node := range targets {
		go m.pushTo(context.Background(), node, push)
	}
}

// onRemoteBlacklist re-pushes a blacklist change originated by another
// replica to every node known locally, without re-publishing it.
func (m *Manager) onRemoteBlacklist(push BlacklistPush) {
	m.mu.RLock()
	targets := make([]store.NodeRecord, 0, len(m.nodes))
	for _, ns := range m.nodes {
		if ns.record.Status == store.NodeActive {
			targets = append(targets, ns.record)
		}
	}
	m.mu.RUnlock()

	for _, node := range targets {
		go m.pushBlacklistTo(context.Background(), node, push)
	}
}

// pollNodes actively polls every known node's control-plane status
// endpoint and derives liveness from whether the poll succeeds. A node
// that fails to respond failureThreshold consecutive times in a row is
// marked inactive; a node whose reported endpoint set has drifted from
// the authoritative store is corrected with targeted add/remove pushes —
// its report is a drift signal, never trusted in place of the store.
func (m *Manager) pollNodes(ctx context.Context) {
	m.mu.RLock()
	targets := make([]store.NodeRecord, 0, len(m.nodes))
	for _, ns := range m.nodes {
		targets = append(targets, ns.record)
	}
	m.mu.RUnlock()

	authoritative, err := m.store.ListEndpoints(ctx, "", 0, 0)
	if err != nil {
		m.logger.Error("list endpoints for poll reconciliation failed", "error", err)
	}

	for _, node := range targets {
		m.pollNode(ctx, node, authoritative)
	}
}

func (m *Manager) pollNode(ctx context.Context, node store.NodeRecord, authoritative []store.EndpointRecord) {
	status, err := m.fetchStatus(ctx, node)
	if err != nil {
		m.recordPollFailure(ctx, node, err)
		return
	}

	m.mu.Lock()
	ns, ok := m.nodes[node.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ns.consecutiveFail = 0
	recovering := ns.record.Status != store.NodeActive
	ns.record.Status = store.NodeActive
	ns.record.LastSeen = m.clk.Now()
	ns.record.CPUUsage = status.CPUUsage
	ns.record.MemoryUsage = status.MemoryUsage
	ns.record.PacketRate = status.PacketRate
	rec := ns.record
	m.mu.Unlock()

	if err := m.store.UpdateNode(ctx, rec); err != nil {
		m.logger.Error("failed to persist node status from poll", "node", node.ID, "error", err)
	}

	if recovering {
		m.logger.Info("node recovered, triggering full resync", "node", node.ID)
		if err := m.resyncNode(ctx, rec); err != nil {
			m.logger.Warn("resync after recovery failed", "node", node.ID, "error", err)
		}
		return
	}

	m.reconcile(ctx, rec, authoritative, status.Endpoints)
}

func (m *Manager) recordPollFailure(ctx context.Context, node store.NodeRecord, cause error) {
	m.mu.Lock()
	ns, ok := m.nodes[node.ID]
	if !ok || ns.record.Status != store.NodeActive {
		m.mu.Unlock()
		return
	}
	ns.consecutiveFail++
	deactivate := ns.consecutiveFail >= m.failureThreshold
	if deactivate {
		ns.record.Status = store.NodeInactive
	}
	rec := ns.record
	m.mu.Unlock()

	m.logger.Warn("node status poll failed", "node", node.ID, "error", cause)
	if !deactivate {
		return
	}

	m.logger.Warn("node missed status polls, marking inactive", "node", node.ID)
	if err := m.store.UpdateNode(ctx, rec); err != nil {
		m.logger.Error("failed to persist inactive node status", "node", node.ID, "error", err)
	}
}

// fetchStatus performs the pull-model GET against a node's control
// address and decodes its documented status response.
func (m *Manager) fetchStatus(ctx context.Context, node store.NodeRecord) (nodeStatusResponse, error) {
	url := fmt.Sprintf("http://%s/api/v1/status", node.ControlAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nodeStatusResponse{}, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nodeStatusResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nodeStatusResponse{}, fmt.Errorf("fleet: node %s status poll rejected: %s", node.ID, resp.Status)
	}

	var out nodeStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nodeStatusResponse{}, fmt.Errorf("fleet: decode status response: %w", err)
	}
	return out, nil
}

// reconcile compares a node's self-reported endpoint set against the
// authoritative store and issues the difference as targeted add/remove
// pushes, per the polled-status design. An endpoint the node reports that
// the store no longer has is only removable if a tombstone of its last
// known record survived from the delete that created the drift; without
// one the node's stale entry is logged but left for an operator to clear,
// since the kernel map can't be addressed by endpoint ID alone.
func (m *Manager) reconcile(ctx context.Context, node store.NodeRecord, authoritative []store.EndpointRecord, reported []string) {
	want := make(map[string]store.EndpointRecord, len(authoritative))
	for _, ep := range authoritative {
		want[ep.ID] = ep
	}
	have := make(map[string]bool, len(reported))
	for _, id := range reported {
		have[id] = true
	}

	for id, ep := range want {
		if !have[id] {
			m.logger.Info("node missing endpoint, re-pushing", "node", node.ID, "endpoint", id)
			m.pushTo(ctx, node, EndpointPush{Action: "update", Endpoint: ep})
		}
	}

	for id := range have {
		if _, ok := want[id]; ok {
			continue
		}
		m.mu.RLock()
		tomb, ok := m.tombstones[id]
		m.mu.RUnlock()
		if !ok {
			m.logger.Warn("node reports stale endpoint with no tombstone on record", "node", node.ID, "endpoint", id)
			continue
		}
		m.logger.Info("node reports stale endpoint, re-pushing removal", "node", node.ID, "endpoint", id)
		m.pushTo(ctx, node, EndpointPush{Action: "remove", Endpoint: tomb})
	}
}

// resyncNode pushes every endpoint the store currently knows about to a
// single node, used on registration and on recovery from an outage.
func (m *Manager) resyncNode(ctx context.Context, node store.NodeRecord) error {
	endpoints, err := m.store.ListEndpoints(ctx, "", 0, 0)
	if err != nil {
		return fmt.Errorf("fleet: list endpoints for resync: %w", err)
	}
	for _, ep := range endpoints {
		m.pushTo(ctx, node, EndpointPush{Action: "update", Endpoint: ep})
	}
	return nil
}

// Nodes returns a snapshot of every node's current fleet-tracked state.
func (m *Manager) Nodes() []store.NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.NodeRecord, 0, len(m.nodes))
	for _, ns := range m.nodes {
		out = append(out, ns.record)
	}
	return out
}
