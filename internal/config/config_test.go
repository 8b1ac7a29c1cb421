// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFileAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
api {
  address = ":9443"
}
`), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, ":9443", cfg.API.Address)
	require.Equal(t, 15*time.Second, cfg.API.ReadTimeout)
	require.Equal(t, "memory", cfg.Database.Driver)
	require.Equal(t, 256, cfg.Node.MaxNodes)
}

func TestLoadFileAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
security {
  jwt_secret = "from-file"
}
`), 0644))

	t.Setenv("SENTRYPROXY_JWT_SECRET", "from-env")
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Security.JWTSecret)
}

func TestLoadFileRejectsMissingFile(t *testing.T) {
	_, err := LoadFile("/nonexistent/control.hcl")
	require.Error(t, err)
}

func TestApplyDefaultsLeavesSetFieldsAlone(t *testing.T) {
	cfg := &Config{Proxy: ProxyConfig{MaxConnections: 42}}
	ApplyDefaults(cfg)
	require.Equal(t, 42, cfg.Proxy.MaxConnections)
	require.Equal(t, "eth0", cfg.Proxy.XDPInterface)
}
