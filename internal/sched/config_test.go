package sched

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	assert.Equal(t, defaultConfig(), Load(""))
	assert.Equal(t, defaultConfig(), Load("definitely/not/there.yml"))
}

func TestLoadOverridesAndClamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(
		"cpus: 2\ntarget_latency_us: 8000\nmin_granularity_us: -5\npeak_latency_us: 1\n"), 0o644))

	cfg := Load(path)
	assert.Equal(t, 2, cfg.CPUs)
	assert.Equal(t, int64(8000), cfg.TargetLatencyUS)
	assert.Equal(t, defaultConfig().MinGranularityUS, cfg.MinGranularityUS, "negative granularity clamped")
	assert.Equal(t, cfg.TargetLatencyUS, cfg.PeakLatencyUS, "peak clamped up to target")
}

func TestConfigParams(t *testing.T) {
	p := defaultConfig().Params()
	assert.Equal(t, 16*Millisecond, p.TargetLatency)
	assert.Equal(t, 750*Microsecond, p.MinGranularity)
	assert.Equal(t, 24*Millisecond, p.PeakLatency)
}
