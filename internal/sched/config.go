package sched

import (
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml
type Config struct {
	CPUs             int    `yaml:"cpus"`               // 4 (by default)
	TargetLatencyUS  int64  `yaml:"target_latency_us"`  // 16000 (by default)
	MinGranularityUS int64  `yaml:"min_granularity_us"` // 750 (by default)
	PeakLatencyUS    int64  `yaml:"peak_latency_us"`    // 24000 (by default)
	LogLevel         string `yaml:"log_level"`          // "info" (by default)
	JSONLog          bool   `yaml:"json_log"`           // false (by default)

	// Simulator knobs, only read by cmd/fairsched.
	SimDurationMS int64 `yaml:"sim_duration_ms"` // 2000 (by default)
	SimTickUS     int64 `yaml:"sim_tick_us"`     // 250 (by default)
}

// If the config file is not found, we use default values
func defaultConfig() Config {
	return Config{
		CPUs:             4,
		TargetLatencyUS:  16000,
		MinGranularityUS: 750,
		PeakLatencyUS:    24000,
		LogLevel:         "info",
		SimDurationMS:    2000,
		SimTickUS:        250,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	// sanity clamps
	def := defaultConfig()
	if cfg.CPUs <= 0 || cfg.CPUs > 64 {
		cfg.CPUs = def.CPUs
	}
	if cfg.MinGranularityUS <= 0 {
		cfg.MinGranularityUS = def.MinGranularityUS
	}
	if cfg.TargetLatencyUS < cfg.MinGranularityUS {
		cfg.TargetLatencyUS = def.TargetLatencyUS
	}
	if cfg.PeakLatencyUS < cfg.TargetLatencyUS {
		cfg.PeakLatencyUS = cfg.TargetLatencyUS
	}
	if cfg.SimDurationMS <= 0 {
		cfg.SimDurationMS = def.SimDurationMS
	}
	if cfg.SimTickUS <= 0 {
		cfg.SimTickUS = def.SimTickUS
	}

	return cfg
}

// Params converts the latency knobs into scheduler durations.
func (c Config) Params() Params {
	return Params{
		TargetLatency:  Duration(c.TargetLatencyUS) * Microsecond,
		MinGranularity: Duration(c.MinGranularityUS) * Microsecond,
		PeakLatency:    Duration(c.PeakLatencyUS) * Microsecond,
	}
}
