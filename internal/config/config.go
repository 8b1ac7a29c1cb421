// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the structured configuration file consumed by the
// control-plane server; the edge agent and the loader CLI do not load it. Config files are
// HCL by convention (with JSON accepted as a fallback), decoded with
// hashicorp/hcl's gohcl so every field has an explicit, closed shape — the
// API layer rejects unknown fields the same way.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"

	"sentryproxy.dev/sentryproxy/internal/errors"
)

// Config is the top-level structured configuration file described in
// section 6 (Environment) of the design: api, database, node, proxy, and
// security sections, each with stated defaults for missing values.
type Config struct {
	API      APIConfig      `hcl:"api,block,optional" json:"api"`
	Database DatabaseConfig `hcl:"database,block,optional" json:"database"`
	Node     NodeConfig     `hcl:"node,block,optional" json:"node"`
	Proxy    ProxyConfig    `hcl:"proxy,block,optional" json:"proxy"`
	Security SecurityConfig `hcl:"security,block,optional" json:"security"`
	Cluster  ClusterConfig  `hcl:"cluster,block,optional" json:"cluster"`
}

// APIConfig configures the control-plane HTTP(S) API listener.
type APIConfig struct {
	Address      string        `hcl:"address,optional" json:"address"`
	ReadTimeout  time.Duration `hcl:"read_timeout,optional" json:"read_timeout"`
	WriteTimeout time.Duration `hcl:"write_timeout,optional" json:"write_timeout"`
	IdleTimeout  time.Duration `hcl:"idle_timeout,optional" json:"idle_timeout"`
}

// DatabaseConfig configures the connection to the desired-state store
// (component F). The core only requires durable insert/update/delete and
// keyed lookup; Postgres via lib/pq is the reference backend.
type DatabaseConfig struct {
	Driver       string `hcl:"driver,optional" json:"driver"` // "postgres" or "memory"
	Host         string `hcl:"host,optional" json:"host"`
	Port         int    `hcl:"port,optional" json:"port"`
	Database     string `hcl:"database,optional" json:"database"`
	Username     string `hcl:"username,optional" json:"username"`
	Password     string `hcl:"password,optional" json:"-"`
	SSLMode      string `hcl:"ssl_mode,optional" json:"ssl_mode"`
	MaxOpenConns int    `hcl:"max_open_conns,optional" json:"max_open_conns"`
	MaxIdleConns int     `hcl:"max_idle_conns,optional" json:"max_idle_conns"`
	MaxLifetime  time.Duration `hcl:"max_lifetime,optional" json:"max_lifetime"`
}

// NodeConfig configures the fleet manager's view of edge nodes (component D).
type NodeConfig struct {
	UpdateInterval      time.Duration `hcl:"update_interval,optional" json:"update_interval"`
	HealthCheckInterval time.Duration `hcl:"health_check_interval,optional" json:"health_check_interval"`
	MaxNodes            int           `hcl:"max_nodes,optional" json:"max_nodes"`
	NodeTimeout         time.Duration `hcl:"node_timeout,optional" json:"node_timeout"`
	RetryAttempts       int           `hcl:"retry_attempts,optional" json:"retry_attempts"`
	RetryDelay          time.Duration `hcl:"retry_delay,optional" json:"retry_delay"`
}

// ProxyConfig configures the user-space flow relay (component E) and the
// attach point for the in-kernel classifier (component A).
type ProxyConfig struct {
	EnableTCPProxy bool          `hcl:"enable_tcp_proxy,optional" json:"enable_tcp_proxy"`
	EnableUDPProxy bool          `hcl:"enable_udp_proxy,optional" json:"enable_udp_proxy"`
	TCPTimeout     time.Duration `hcl:"tcp_timeout,optional" json:"tcp_timeout"`
	UDPTimeout     time.Duration `hcl:"udp_timeout,optional" json:"udp_timeout"`
	MaxConnections int           `hcl:"max_connections,optional" json:"max_connections"`
	BufferSize     int           `hcl:"buffer_size,optional" json:"buffer_size"`
	XDPInterface   string        `hcl:"xdp_interface,optional" json:"xdp_interface"`
}

// SecurityConfig configures the control-plane API's transport and auth.
type SecurityConfig struct {
	EnableTLS   bool          `hcl:"enable_tls,optional" json:"enable_tls"`
	TLSCertFile string        `hcl:"tls_cert_file,optional" json:"tls_cert_file"`
	TLSKeyFile  string        `hcl:"tls_key_file,optional" json:"tls_key_file"`
	EnableJWT   bool          `hcl:"enable_jwt,optional" json:"enable_jwt"`
	JWTSecret   string        `hcl:"jwt_secret,optional" json:"-"`
	JWTExpiry   time.Duration `hcl:"jwt_expiry,optional" json:"jwt_expiry"`
}

// ClusterConfig configures cross-replica fan-out of fleet state when more
// than one control-plane process shares a store. Empty RedisURL disables
// it; each replica then relies solely on its own poll cadence.
type ClusterConfig struct {
	RedisURL     string `hcl:"redis_url,optional" json:"-"`
	RedisChannel string `hcl:"redis_channel,optional" json:"redis_channel"`
}

// Default returns a Config with every documented fallback applied. LoadFile
// starts from this and overlays whatever the file specifies.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Address:      ":8443",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "memory",
			Host:         "localhost",
			Port:         5432,
			Database:     "sentryproxy",
			Username:     "sentryproxy",
			SSLMode:      "disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			MaxLifetime:  30 * time.Minute,
		},
		Node: NodeConfig{
			UpdateInterval:      5 * time.Second,
			HealthCheckInterval: 10 * time.Second,
			MaxNodes:            256,
			NodeTimeout:         3 * time.Second,
			RetryAttempts:       3,
			RetryDelay:          2 * time.Second,
		},
		Proxy: ProxyConfig{
			EnableTCPProxy: true,
			EnableUDPProxy: true,
			TCPTimeout:     30 * time.Second,
			UDPTimeout:     10 * time.Second,
			MaxConnections: 10000,
			BufferSize:     4096,
			XDPInterface:   "eth0",
		},
		Security: SecurityConfig{
			EnableTLS: false,
			EnableJWT: false,
			JWTExpiry: 24 * time.Hour,
		},
		Cluster: ClusterConfig{
			RedisChannel: "sentryproxy:fleet",
		},
	}
}

// ApplyDefaults fills zero-valued fields of cfg with the documented
// defaults, used after decoding a partial HCL/JSON file.
func ApplyDefaults(cfg *Config) {
	d := Default()

	if cfg.API.Address == "" {
		cfg.API.Address = d.API.Address
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = d.API.ReadTimeout
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = d.API.WriteTimeout
	}
	if cfg.API.IdleTimeout == 0 {
		cfg.API.IdleTimeout = d.API.IdleTimeout
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = d.Database.Driver
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = d.Database.Host
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = d.Database.Port
	}
	if cfg.Database.Database == "" {
		cfg.Database.Database = d.Database.Database
	}
	if cfg.Database.Username == "" {
		cfg.Database.Username = d.Database.Username
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = d.Database.SSLMode
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = d.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = d.Database.MaxIdleConns
	}
	if cfg.Database.MaxLifetime == 0 {
		cfg.Database.MaxLifetime = d.Database.MaxLifetime
	}

	if cfg.Node.UpdateInterval == 0 {
		cfg.Node.UpdateInterval = d.Node.UpdateInterval
	}
	if cfg.Node.HealthCheckInterval == 0 {
		cfg.Node.HealthCheckInterval = d.Node.HealthCheckInterval
	}
	if cfg.Node.MaxNodes == 0 {
		cfg.Node.MaxNodes = d.Node.MaxNodes
	}
	if cfg.Node.NodeTimeout == 0 {
		cfg.Node.NodeTimeout = d.Node.NodeTimeout
	}
	if cfg.Node.RetryAttempts == 0 {
		cfg.Node.RetryAttempts = d.Node.RetryAttempts
	}
	if cfg.Node.RetryDelay == 0 {
		cfg.Node.RetryDelay = d.Node.RetryDelay
	}

	if cfg.Proxy.TCPTimeout == 0 {
		cfg.Proxy.TCPTimeout = d.Proxy.TCPTimeout
	}
	if cfg.Proxy.UDPTimeout == 0 {
		cfg.Proxy.UDPTimeout = d.Proxy.UDPTimeout
	}
	if cfg.Proxy.MaxConnections == 0 {
		cfg.Proxy.MaxConnections = d.Proxy.MaxConnections
	}
	if cfg.Proxy.BufferSize == 0 {
		cfg.Proxy.BufferSize = d.Proxy.BufferSize
	}
	if cfg.Proxy.XDPInterface == "" {
		cfg.Proxy.XDPInterface = d.Proxy.XDPInterface
	}

	if cfg.Security.JWTExpiry == 0 {
		cfg.Security.JWTExpiry = d.Security.JWTExpiry
	}

	if cfg.Cluster.RedisChannel == "" {
		cfg.Cluster.RedisChannel = d.Cluster.RedisChannel
	}
}

// LoadFile decodes an HCL configuration file at path, overlaying the
// documented defaults onto whatever fields the file leaves unset. Before
// decoding, it loads the file named path + ".env" (if one exists) into the
// process environment so JWTSecret and Database.Password can be supplied
// out-of-band rather than committed to the HCL file.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path + ".env"); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.KindInternal, "config: load .env overlay", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "config: read "+path, err)
	}

	var cfg Config
	if err := hclsimple.Decode(path, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "config: decode "+path, err)
	}
	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets deployment-time secrets override whatever the HCL
// file (or nothing) specified, without requiring them to be written to disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTRYPROXY_JWT_SECRET"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("SENTRYPROXY_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("SENTRYPROXY_REDIS_URL"); v != "" {
		cfg.Cluster.RedisURL = v
	}
}

// DSN builds the lib/pq connection string for the database section.
func (d DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + strconv.Itoa(d.Port) +
		" dbname=" + d.Database +
		" user=" + d.Username +
		" password=" + d.Password +
		" sslmode=" + d.SSLMode
}
