// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
	"sentryproxy.dev/sentryproxy/internal/errors"
)

// PostgresStore is the reference Store implementation, backed by
// PostgreSQL via database/sql and lib/pq, grounded in the same
// sql.Open/Ping bring-up sequence used across the example pack's
// PostgreSQL-backed services.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and verifies a connection to dsn and applies pool
// sizing from cfg.
func NewPostgresStore(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateEndpoint(ctx context.Context, e EndpointRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, org_id, front_ip, front_port, kind, origin_ip, origin_port,
			rate_limit, burst_limit, maintenance, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.OrgID, e.FrontIP, e.FrontPort, e.Kind, e.OriginIP, e.OriginPort,
		e.RateLimit, e.BurstLimit, e.Maintenance, e.Active, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create endpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEndpoint(ctx context.Context, id string) (EndpointRecord, error) {
	var e EndpointRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, front_ip, front_port, kind, origin_ip, origin_port,
			rate_limit, burst_limit, maintenance, active, created_at, updated_at
		FROM endpoints WHERE id = $1`, id)
	err := row.Scan(&e.ID, &e.OrgID, &e.FrontIP, &e.FrontPort, &e.Kind, &e.OriginIP, &e.OriginPort,
		&e.RateLimit, &e.BurstLimit, &e.Maintenance, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return EndpointRecord{}, errors.Errorf(errors.KindNotFound, "store: endpoint %s not found", id)
	}
	if err != nil {
		return EndpointRecord{}, fmt.Errorf("store: get endpoint %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) ListEndpoints(ctx context.Context, orgID string, offset, limit int) ([]EndpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, front_ip, front_port, kind, origin_ip, origin_port,
			rate_limit, burst_limit, maintenance, active, created_at, updated_at
		FROM endpoints WHERE ($1::text = '' OR org_id = $1) ORDER BY created_at OFFSET $2 LIMIT NULLIF($3::int, 0)`,
		orgID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list endpoints: %w", err)
	}
	defer rows.Close()

	var out []EndpointRecord
	for rows.Next() {
		var e EndpointRecord
		if err := rows.Scan(&e.ID, &e.OrgID, &e.FrontIP, &e.FrontPort, &e.Kind, &e.OriginIP, &e.OriginPort,
			&e.RateLimit, &e.BurstLimit, &e.Maintenance, &e.Active, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan endpoint: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateEndpoint(ctx context.Context, e EndpointRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET front_ip=$2, front_port=$3, kind=$4, origin_ip=$5, origin_port=$6,
			rate_limit=$7, burst_limit=$8, maintenance=$9, active=$10, updated_at=$11
		WHERE id=$1`,
		e.ID, e.FrontIP, e.FrontPort, e.Kind, e.OriginIP, e.OriginPort,
		e.RateLimit, e.BurstLimit, e.Maintenance, e.Active, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: update endpoint %s: %w", e.ID, err)
	}
	return requireRowsAffected(res, "endpoint", e.ID)
}

func (s *PostgresStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("store: delete endpoint %s: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

func (s *PostgresStore) CreateNode(ctx context.Context, n NodeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, data_address, control_address, interface, status, last_seen,
			cpu_usage, memory_usage, packet_rate, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		n.ID, n.Name, n.DataAddress, n.ControlAddress, n.Interface, n.Status, n.LastSeen,
		n.CPUUsage, n.MemoryUsage, n.PacketRate, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (NodeRecord, error) {
	var n NodeRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, data_address, control_address, interface, status, last_seen,
			cpu_usage, memory_usage, packet_rate, created_at
		FROM nodes WHERE id=$1`, id)
	err := row.Scan(&n.ID, &n.Name, &n.DataAddress, &n.ControlAddress, &n.Interface, &n.Status, &n.LastSeen,
		&n.CPUUsage, &n.MemoryUsage, &n.PacketRate, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return NodeRecord{}, errors.Errorf(errors.KindNotFound, "store: node %s not found", id)
	}
	if err != nil {
		return NodeRecord{}, fmt.Errorf("store: get node %s: %w", id, err)
	}
	return n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, data_address, control_address, interface, status, last_seen,
			cpu_usage, memory_usage, packet_rate, created_at
		FROM nodes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var n NodeRecord
		if err := rows.Scan(&n.ID, &n.Name, &n.DataAddress, &n.ControlAddress, &n.Interface, &n.Status, &n.LastSeen,
			&n.CPUUsage, &n.MemoryUsage, &n.PacketRate, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateNode(ctx context.Context, n NodeRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET name=$2, data_address=$3, control_address=$4, interface=$5, status=$6,
			last_seen=$7, cpu_usage=$8, memory_usage=$9, packet_rate=$10
		WHERE id=$1`,
		n.ID, n.Name, n.DataAddress, n.ControlAddress, n.Interface, n.Status,
		n.LastSeen, n.CPUUsage, n.MemoryUsage, n.PacketRate)
	if err != nil {
		return fmt.Errorf("store: update node %s: %w", n.ID, err)
	}
	return requireRowsAffected(res, "node", n.ID)
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("store: delete node %s: %w", id, err)
	}
	return requireRowsAffected(res, "node", id)
}

func (s *PostgresStore) AddBlacklist(ctx context.Context, b BlacklistRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklist (ip, blocked_until, reason, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (ip) DO UPDATE SET blocked_until=$2, reason=$3`,
		b.IP, b.BlockedUntil, b.Reason, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add blacklist %s: %w", b.IP, err)
	}
	return nil
}

func (s *PostgresStore) RemoveBlacklist(ctx context.Context, ip string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blacklist WHERE ip=$1`, ip)
	if err != nil {
		return fmt.Errorf("store: remove blacklist %s: %w", ip, err)
	}
	return requireRowsAffected(res, "blacklist entry", ip)
}

func (s *PostgresStore) ListBlacklist(ctx context.Context, offset, limit int) ([]BlacklistRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, blocked_until, reason, created_at FROM blacklist
		ORDER BY created_at OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list blacklist: %w", err)
	}
	defer rows.Close()

	var out []BlacklistRecord
	for rows.Next() {
		var b BlacklistRecord
		if err := rows.Scan(&b.IP, &b.BlockedUntil, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan blacklist: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddWhitelist(ctx context.Context, w WhitelistRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist (endpoint_id, ip, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (endpoint_id, ip) DO NOTHING`,
		w.EndpointID, w.IP, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add whitelist %s/%s: %w", w.EndpointID, w.IP, err)
	}
	return nil
}

func (s *PostgresStore) RemoveWhitelist(ctx context.Context, endpointID, ip string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE endpoint_id=$1 AND ip=$2`, endpointID, ip)
	if err != nil {
		return fmt.Errorf("store: remove whitelist %s/%s: %w", endpointID, ip, err)
	}
	return requireRowsAffected(res, "whitelist entry", endpointID+"/"+ip)
}

func (s *PostgresStore) ListWhitelist(ctx context.Context, endpointID string) ([]WhitelistRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, ip, created_at FROM whitelist WHERE endpoint_id=$1`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("store: list whitelist for %s: %w", endpointID, err)
	}
	defer rows.Close()

	var out []WhitelistRecord
	for rows.Next() {
		var w WhitelistRecord
		if err := rows.Scan(&w.EndpointID, &w.IP, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan whitelist: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordMetrics(ctx context.Context, sample MetricsSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_samples (endpoint_id, ts, total_packets, allowed, dropped_ratelimit,
			dropped_blacklist, dropped_badproto, dropped_challenge, dropped_maintenance, pass,
			redirect, challenges_sent, challenges_passed, saturation)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sample.EndpointID, sample.Timestamp,
		sample.Counters.TotalPackets, sample.Counters.Allowed, sample.Counters.DroppedRateLimit,
		sample.Counters.DroppedBlacklist, sample.Counters.DroppedBadProto, sample.Counters.DroppedChallenge,
		sample.Counters.DroppedMaintenance, sample.Counters.Pass, sample.Counters.Redirect,
		sample.Counters.ChallengesSent, sample.Counters.ChallengesPassed, sample.Counters.Saturation)
	if err != nil {
		return fmt.Errorf("store: record metrics for %s: %w", sample.EndpointID, err)
	}
	return nil
}

func (s *PostgresStore) QueryMetrics(ctx context.Context, endpointID string, since time.Time) ([]MetricsSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, ts, total_packets, allowed, dropped_ratelimit, dropped_blacklist,
			dropped_badproto, dropped_challenge, dropped_maintenance, pass, redirect,
			challenges_sent, challenges_passed, saturation
		FROM metrics_samples WHERE endpoint_id=$1 AND ts >= $2 ORDER BY ts`, endpointID, since)
	if err != nil {
		return nil, fmt.Errorf("store: query metrics for %s: %w", endpointID, err)
	}
	defer rows.Close()

	var out []MetricsSample
	for rows.Next() {
		var m MetricsSample
		var c types.Counters
		if err := rows.Scan(&m.EndpointID, &m.Timestamp, &c.TotalPackets, &c.Allowed, &c.DroppedRateLimit,
			&c.DroppedBlacklist, &c.DroppedBadProto, &c.DroppedChallenge, &c.DroppedMaintenance, &c.Pass,
			&c.Redirect, &c.ChallengesSent, &c.ChallengesPassed, &c.Saturation); err != nil {
			return nil, fmt.Errorf("store: scan metrics sample: %w", err)
		}
		m.Counters = c
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordAudit(ctx context.Context, a AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, actor, action, entity, entity_id, ts)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.Actor, a.Action, a.Entity, a.EntityID, a.Timestamp)
	if err != nil {
		return fmt.Errorf("store: record audit: %w", err)
	}
	return nil
}

func requireRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return errors.Errorf(errors.KindNotFound, "store: %s %s not found", kind, id)
	}
	return nil
}
