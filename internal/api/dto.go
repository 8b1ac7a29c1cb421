// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"fmt"
	"time"

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
	"sentryproxy.dev/sentryproxy/internal/store"
)

func kindToString(k types.EndpointKind) string {
	switch k {
	case types.KindJava:
		return "java"
	case types.KindBedrock:
		return "bedrock"
	default:
		return "unspec"
	}
}

func kindFromString(s string) (types.EndpointKind, error) {
	switch s {
	case "java":
		return types.KindJava, nil
	case "bedrock":
		return types.KindBedrock, nil
	default:
		return types.KindUnspec, fmt.Errorf("api: unknown endpoint kind %q", s)
	}
}

// endpointDTO is the wire representation of store.EndpointRecord.
type endpointDTO struct {
	ID          string    `json:"id,omitempty"`
	OrgID       string    `json:"org_id"`
	FrontIP     string    `json:"front_ip"`
	FrontPort   uint16    `json:"front_port"`
	Kind        string    `json:"kind"`
	OriginIP    string    `json:"origin_ip"`
	OriginPort  uint16    `json:"origin_port"`
	RateLimit   uint32    `json:"rate_limit"`
	BurstLimit  uint32    `json:"burst_limit"`
	Maintenance bool      `json:"maintenance"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

func endpointToDTO(e store.EndpointRecord) endpointDTO {
	return endpointDTO{
		ID:          e.ID,
		OrgID:       e.OrgID,
		FrontIP:     e.FrontIP,
		FrontPort:   e.FrontPort,
		Kind:        kindToString(e.Kind),
		OriginIP:    e.OriginIP,
		OriginPort:  e.OriginPort,
		RateLimit:   e.RateLimit,
		BurstLimit:  e.BurstLimit,
		Maintenance: e.Maintenance,
		Active:      e.Active,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func endpointFromDTO(d endpointDTO) (store.EndpointRecord, error) {
	kind, err := kindFromString(d.Kind)
	if err != nil {
		return store.EndpointRecord{}, err
	}
	return store.EndpointRecord{
		ID:          d.ID,
		OrgID:       d.OrgID,
		FrontIP:     d.FrontIP,
		FrontPort:   d.FrontPort,
		Kind:        kind,
		OriginIP:    d.OriginIP,
		OriginPort:  d.OriginPort,
		RateLimit:   d.RateLimit,
		BurstLimit:  d.BurstLimit,
		Maintenance: d.Maintenance,
		Active:      d.Active,
	}, nil
}

type nodeDTO struct {
	ID             string    `json:"id,omitempty"`
	Name           string    `json:"name"`
	DataAddress    string    `json:"data_address"`
	ControlAddress string    `json:"control_address"`
	Interface      string    `json:"interface"`
	Status         string    `json:"status"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
	CPUUsage       float64   `json:"cpu_usage"`
	MemoryUsage    float64   `json:"memory_usage"`
	PacketRate     float64   `json:"packet_rate"`
}

func nodeToDTO(n store.NodeRecord) nodeDTO {
	return nodeDTO{
		ID:             n.ID,
		Name:           n.Name,
		DataAddress:    n.DataAddress,
		ControlAddress: n.ControlAddress,
		Interface:      n.Interface,
		Status:         string(n.Status),
		LastSeen:       n.LastSeen,
		CPUUsage:       n.CPUUsage,
		MemoryUsage:    n.MemoryUsage,
		PacketRate:     n.PacketRate,
	}
}

type blacklistDTO struct {
	IP           string    `json:"ip"`
	BlockedUntil time.Time `json:"blocked_until"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type whitelistDTO struct {
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type metricsSampleDTO struct {
	Timestamp time.Time      `json:"timestamp"`
	Counters  types.Counters `json:"counters"`
}
