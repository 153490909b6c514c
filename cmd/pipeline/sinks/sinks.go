// Package sinks wires configuration to concrete feature-store and
// alert-sink implementations.
package sinks

import (
	"fmt"
	"log/slog"

	"github.com/fermlab/biopipe/cmd/pipeline/config"
	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/storage"
)

// NewStore creates the configured feature store backend.
func NewStore(cfg *config.Config, logger *slog.Logger) (storage.Store, func() error, error) {
	switch cfg.Storage {
	case "redis":
		store, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("create redis store: %w", err)
		}
		logger.Info("using redis feature store", "addr", cfg.RedisAddr, "ttl", cfg.RedisTTL)
		return store, store.Close, nil

	case "memory":
		logger.Info("using in-memory feature store")
		return storage.NewMemoryStore(0), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// NewAlertSink creates the configured alert sink.
func NewAlertSink(cfg *config.Config, logger *slog.Logger) (alerting.Sink, func() error, error) {
	switch cfg.AlertSink {
	case "nats":
		sink, err := alerting.NewNATSSink(cfg.NATSURL, cfg.NATSPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("create nats alert sink: %w", err)
		}
		logger.Info("using nats alert sink", "url", cfg.NATSURL, "prefix", cfg.NATSPrefix)
		return sink, sink.Close, nil

	case "log":
		return alerting.NewLogSink(logger), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown alert sink %q", cfg.AlertSink)
	}
}
