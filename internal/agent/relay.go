// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"context"
	"fmt"
	"sync"

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
	"sentryproxy.dev/sentryproxy/internal/logging"
	"sentryproxy.dev/sentryproxy/internal/relay"
)

// relayManager owns the user-space flow relays (component E) running on
// this node, one per active protected endpoint. The in-kernel classifier
// decides what survives to userspace; the relay just forwards the bytes
// it's handed on to the real origin.
type relayManager struct {
	log *logging.Logger

	mu     sync.Mutex
	active map[uint64]relayHandle
}

// relayHandle pairs a running relay with the endpoint UUID it serves, so
// the node can report its currently-applied endpoint set back to the
// fleet manager's status poll without re-deriving it from the hashed map
// identity.
type relayHandle struct {
	relay.Relay
	endpointUUID string
}

func newRelayManager(log *logging.Logger) *relayManager {
	return &relayManager{
		log:    log,
		active: make(map[uint64]relayHandle),
	}
}

// apply starts, restarts, or tears down the relay for an endpoint in
// response to a fleet push, keyed by the endpoint's map identity.
func (rm *relayManager) apply(ctx context.Context, action string, id uint64, v EndpointView) error {
	rm.mu.Lock()
	existing, ok := rm.active[id]
	rm.mu.Unlock()
	if ok {
		if err := existing.Shutdown(ctx); err != nil {
			rm.log.Warn("relay shutdown for replaced endpoint failed", "endpoint", id, "error", err)
		}
		rm.mu.Lock()
		delete(rm.active, id)
		rm.mu.Unlock()
	}

	if action == "remove" || v.Maintenance || !v.Active {
		return nil
	}

	kind, err := parseKind(v.Kind)
	if err != nil {
		return err
	}

	listenAddr := fmt.Sprintf("%s:%d", v.FrontIP, v.FrontPort)
	originAddr := fmt.Sprintf("%s:%d", v.OriginIP, v.OriginPort)

	var h relay.Relay
	switch kind {
	case types.KindJava:
		r := relay.NewJavaRelay(relay.JavaRelayConfig{ListenAddr: listenAddr, OriginAddr: originAddr})
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("agent: start java relay for %s: %w", listenAddr, err)
		}
		h = r
	case types.KindBedrock:
		r := relay.NewBedrockRelay(relay.BedrockRelayConfig{ListenAddr: listenAddr, OriginAddr: originAddr})
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("agent: start bedrock relay for %s: %w", listenAddr, err)
		}
		h = r
	default:
		return fmt.Errorf("agent: unsupported relay kind %q", v.Kind)
	}

	rm.mu.Lock()
	rm.active[id] = relayHandle{Relay: h, endpointUUID: v.ID}
	rm.mu.Unlock()
	return nil
}

// shutdownAll stops every running relay, used during agent shutdown.
func (rm *relayManager) shutdownAll(ctx context.Context) {
	rm.mu.Lock()
	handles := make([]relay.Relay, 0, len(rm.active))
	for _, h := range rm.active {
		handles = append(handles, h.Relay)
	}
	rm.active = make(map[uint64]relayHandle)
	rm.mu.Unlock()

	for _, h := range handles {
		if err := h.Shutdown(ctx); err != nil {
			rm.log.Warn("relay shutdown failed", "error", err)
		}
	}
}

// activeEndpoints returns the UUIDs of every endpoint with a currently
// running relay, for the node's status-poll response.
func (rm *relayManager) activeEndpoints() []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]string, 0, len(rm.active))
	for _, h := range rm.active {
		out = append(out, h.endpointUUID)
	}
	return out
}
