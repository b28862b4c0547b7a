package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, types.CoreModalities(), cfg.Modalities)
	assert.Equal(t, 1*time.Second, cfg.Deadlines.StoreRead)
	assert.Equal(t, 5*time.Second, cfg.Deadlines.StoreWrite)
	assert.Equal(t, 5*time.Second, cfg.Deadlines.FanOut)
	assert.Equal(t, 10*time.Second, cfg.Deadlines.Proof)
	assert.Equal(t, 30*time.Second, cfg.Deadlines.Query)
	assert.False(t, cfg.Federation.EnableIPv4, "IPv4 is off by default, IPv6-only bind")
	assert.Empty(t, cfg.Federation.PSKTable, "empty PSK table refuses federation registration")
	assert.InDelta(t, 0.3, cfg.Drift.RepairThreshold, 1e-9)
	assert.Equal(t, 16, cfg.Federation.PoolSize)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().HTTPAddr, cfg.HTTPAddr)
}

func TestWriteAndReload(t *testing.T) {
	cfg := Default()
	cfg.Verbosity = "debug"
	cfg.Drift.RepairThreshold = 0.42
	cfg.Federation.PSKTable = map[string]string{"peer-1": "sekrit"}

	path := filepath.Join(t.TempDir(), "verisim.yaml")
	require.NoError(t, cfg.WriteFile(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Verbosity)
	assert.InDelta(t, 0.42, loaded.Drift.RepairThreshold, 1e-9)
	assert.Equal(t, "sekrit", loaded.Federation.PSKTable["peer-1"])
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Drift.RepairThreshold = 1.5
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Federation.MinTrust = -0.1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Modalities = nil
	require.Error(t, cfg.Validate())
}

func TestTTLPerPolicy(t *testing.T) {
	cfg := Default().Cache
	assert.Less(t, cfg.TTL(CacheStrict), cfg.TTL(CacheRelaxed))
	assert.Less(t, cfg.TTL(CacheRelaxed), cfg.TTL(CacheAggressive))
}
