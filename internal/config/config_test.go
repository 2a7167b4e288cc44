package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DB_NAME", "vpn_test")

	cfg := LoadConfig()

	assert.Equal(t, "vpn_test", cfg.DBName)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, int64(1), cfg.PanelDefaultQuotaGB)
	assert.Equal(t, 30, cfg.PanelDefaultExpiryDays)
	assert.False(t, cfg.FreezeExtendsEndDate)
	assert.Equal(t, "local", cfg.LockBackend)
	assert.Equal(t, 5*time.Second, cfg.MetricsShutdownTimeout)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("FREEZE_EXTENDS_END_DATE", "true")
	t.Setenv("PANEL_DEFAULT_QUOTA_GB", "5")
	t.Setenv("RECONCILE_CONCURRENCY", "not-a-number")
	t.Setenv("METRICS_SHUTDOWN_TIMEOUT", "20s")

	cfg := LoadConfig()

	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.True(t, cfg.FreezeExtendsEndDate)
	assert.Equal(t, int64(5), cfg.PanelDefaultQuotaGB)
	assert.Equal(t, 4, cfg.ReconcileConcurrency)
	assert.Equal(t, 20*time.Second, cfg.MetricsShutdownTimeout)
}

func TestGetDurationRejectsNonPositive(t *testing.T) {
	t.Setenv("LOCK_TTL", "-1s")
	assert.Equal(t, time.Minute, getDuration("LOCK_TTL", time.Minute))
}
