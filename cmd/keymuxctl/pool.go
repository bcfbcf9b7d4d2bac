package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keymux/keymux"
	"github.com/keymux/keymux/pkg/storage"
)

func buildStorage(cfg *demoConfig) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "disk":
		return storage.NewDisk(cfg.Storage.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.Addr})
		return storage.NewRedis(client), nil
	case "memory", "":
		return storage.NewMemory(0), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildPool(cfg *demoConfig, logger zerolog.Logger) (*keymux.Pool, error) {
	store, err := buildStorage(cfg)
	if err != nil {
		return nil, err
	}

	keys := make([]keymux.KeyConfig, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys = append(keys, k.toKeyConfig())
	}

	return keymux.New(keymux.Config{
		Keys:             keys,
		Store:            store,
		Logger:           logger,
		MaxQueueSize:     cfg.Pool.MaxQueueSize,
		DefaultMaxWaitMs: cfg.Pool.DefaultMaxWaitMs,
		FailureThreshold: cfg.Pool.FailureThreshold,
		ResetTimeoutMs:   cfg.Pool.ResetTimeoutMs,
		WarningThreshold: cfg.Pool.WarningThreshold,
		OnWarning: func(keyID string, pct float64) {
			log.Warn().Str("key_id", keyID).Float64("usage_percent", pct).Msg("quota warning")
		},
		OnKeyExhausted: func(keyID string) {
			log.Warn().Str("key_id", keyID).Msg("key quota exhausted")
		},
		OnKeyCircuitOpen: func(keyID string) {
			log.Warn().Str("key_id", keyID).Msg("key circuit opened")
		},
		OnAllKeysExhausted: func() {
			log.Warn().Msg("all keys exhausted for a request")
		},
	})
}
