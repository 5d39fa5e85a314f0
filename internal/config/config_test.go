package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ledgerd", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Service.HTTPPort)
	assert.Equal(t, "data/ledger.db", cfg.Store.Path)
	assert.Equal(t, "NORMAL", cfg.Store.SyncMode)
	assert.Equal(t, 3, cfg.Daemon.MaxStrikes)
	assert.Equal(t, "BALANCED", cfg.Audit.Strategy)
	assert.Equal(t, "0.01", cfg.Match.Tolerance)
	assert.Equal(t, 7, cfg.Match.WindowDays)
	assert.False(t, cfg.Match.AutoPosted)
	assert.Equal(t, []string{"api.openai.com"}, cfg.Egress.Allowlist)
	assert.Equal(t, "rules.yaml", cfg.Accounting.RuleFile)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  name: ledgerd-test
  http_port: 9090
store:
  path: /tmp/ledger-test.db
match:
  tolerance: "0.05"
  auto_posted: true
audit:
  strategy: STRICT
  red_lines: ["赌"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ledgerd-test", cfg.Service.Name)
	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, "/tmp/ledger-test.db", cfg.Store.Path)
	assert.Equal(t, "0.05", cfg.Match.Tolerance)
	assert.True(t, cfg.Match.AutoPosted)
	assert.Equal(t, "STRICT", cfg.Audit.Strategy)
	assert.Equal(t, []string{"赌"}, cfg.Audit.RedLines)
	// 未写的段仍取默认
	assert.Equal(t, 5000, cfg.Store.BusyTimeoutMS)
}

func TestLoad_ExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("TEST_LEDGER_DB", "/var/lib/ledgerd/ledger.db")

	path := writeConfig(t, `
store:
  path: ${TEST_LEDGER_DB}
  snapshot_dir: ${TEST_LEDGER_SNAP:data/snaps}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ledgerd/ledger.db", cfg.Store.Path)
	// 未设置的变量落到占位默认值
	assert.Equal(t, "data/snaps", cfg.Store.SnapshotDir)
}

func TestLoad_EnvPrefixOverrides(t *testing.T) {
	t.Setenv("LEDGER_SERVICE_HTTP_PORT", "18086")
	t.Setenv("LEDGER_AUDIT_STRATEGY", "GROWTH")
	t.Setenv("LEDGER_MATCH_AUTO_POSTED", "true")
	t.Setenv("LEDGER_EGRESS_API_KEY", "sk-test")

	path := writeConfig(t, `
service:
  http_port: 9090
audit:
  strategy: STRICT
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// 环境变量覆盖优先于文件
	assert.Equal(t, 18086, cfg.Service.HTTPPort)
	assert.Equal(t, "GROWTH", cfg.Audit.Strategy)
	assert.True(t, cfg.Match.AutoPosted)
	assert.Equal(t, "sk-test", cfg.Egress.APIKey)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDecimalGettersFallBackOnGarbage(t *testing.T) {
	m := MatchConfig{Tolerance: "abc", AutoThreshold: ""}
	assert.Equal(t, "0.01", m.GetTolerance().String())
	assert.Equal(t, "0.9", m.GetAutoThreshold().String())

	a := AuditConfig{AmountTier1: "not-a-number"}
	assert.Equal(t, "10000", a.GetAmountTier1().String())
}
