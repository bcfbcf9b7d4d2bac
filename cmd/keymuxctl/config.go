package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/keymux/keymux"
)

// demoConfig is the CLI's own YAML shape; it has nothing to do with the
// library's Config (which takes literal Go values) — this is purely the
// demonstration surface's way of describing a pool on disk.
type demoConfig struct {
	Storage struct {
		Backend string `mapstructure:"backend"` // memory, disk, redis
		Path    string `mapstructure:"path"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"storage"`

	Pool struct {
		MaxQueueSize     int     `mapstructure:"max_queue_size"`
		DefaultMaxWaitMs int64   `mapstructure:"default_max_wait_ms"`
		FailureThreshold int     `mapstructure:"failure_threshold"`
		ResetTimeoutMs   int64   `mapstructure:"reset_timeout_ms"`
		WarningThreshold float64 `mapstructure:"warning_threshold"`
	} `mapstructure:"pool"`

	Keys []demoKeyConfig `mapstructure:"keys"`

	Serve struct {
		Addr     string  `mapstructure:"addr"`
		RPS      float64 `mapstructure:"rps"`
		Burst    int     `mapstructure:"burst"`
		Upstream string  `mapstructure:"upstream"`
	} `mapstructure:"serve"`
}

type demoKeyConfig struct {
	ID         string `mapstructure:"id"`
	Value      string `mapstructure:"value"`
	QuotaKind  string `mapstructure:"quota_kind"`
	QuotaLimit int    `mapstructure:"quota_limit"`
	RPS        float64 `mapstructure:"rps"`
	Weight     int     `mapstructure:"weight"`
}

func loadDemoConfig(path string) (*demoConfig, error) {
	v := viper.New()
	setDemoDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("keymuxctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg demoConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDemoDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "./keymux-data")
	v.SetDefault("storage.addr", "localhost:6379")

	v.SetDefault("pool.max_queue_size", 1000)
	v.SetDefault("pool.default_max_wait_ms", 30000)
	v.SetDefault("pool.failure_threshold", 5)
	v.SetDefault("pool.reset_timeout_ms", 30000)
	v.SetDefault("pool.warning_threshold", 0.8)

	v.SetDefault("serve.addr", ":8088")
	v.SetDefault("serve.rps", 5.0)
	v.SetDefault("serve.burst", 10)
	v.SetDefault("serve.upstream", "")
}

func (c demoKeyConfig) toKeyConfig() keymux.KeyConfig {
	kind := keymux.QuotaUnlimited
	switch c.QuotaKind {
	case "monthly":
		kind = keymux.QuotaMonthly
	case "yearly":
		kind = keymux.QuotaYearly
	case "total":
		kind = keymux.QuotaTotal
	}
	return keymux.KeyConfig{
		ID:    c.ID,
		Value: c.Value,
		Quota: keymux.QuotaConfig{Kind: kind, Limit: c.QuotaLimit},
		RPS:   c.RPS,
		Weight: c.Weight,
	}
}
