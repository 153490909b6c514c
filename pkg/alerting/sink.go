package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// Sink delivers alerts to an external system.
//
// Deliver is synchronous and should respect context cancellation and
// deadlines. Implementations must be safe for concurrent use; retries are
// the Publisher's responsibility, not the sink's.
type Sink interface {
	Deliver(ctx context.Context, alert Alert) error

	// Name returns a short, unique identifier for the sink.
	// Example: "log", "nats".
	Name() string
}

// LogSink writes alerts to a structured logger. It is the default sink and
// never fails, which makes it a safe fallback when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs alerts via slog.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, alert Alert) error {
	attrs := []any{
		"id", alert.ID,
		"category", string(alert.Category),
		"vessel", alert.Vessel,
	}
	for k, v := range alert.Metadata {
		attrs = append(attrs, k, v)
	}

	switch alert.Level {
	case LevelCritical:
		s.logger.Error(alert.Message, attrs...)
	case LevelWarning:
		s.logger.Warn(alert.Message, attrs...)
	default:
		s.logger.Info(alert.Message, attrs...)
	}
	return nil
}

// NATSSink publishes alerts as JSON messages to a NATS subject of the form
// "<prefix>.<vessel>". Multiple monitoring consumers can subscribe without
// coupling to the pipeline.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	mu     sync.Mutex
}

// NewNATSSink connects to the NATS server at url. prefix defaults to
// "biopipe.alerts" when empty.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	if prefix == "" {
		prefix = "biopipe.alerts"
	}

	conn, err := nats.Connect(url,
		nats.Name("biopipe-alerts"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	return &NATSSink{conn: conn, prefix: prefix}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	subject := s.prefix
	if alert.Vessel != "" {
		subject = fmt.Sprintf("%s.%s", s.prefix, alert.Vessel)
	}

	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish alert to %s: %w", subject, err)
	}
	return nil
}

// Close drains the underlying connection. Safe to call multiple times.
func (s *NATSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn = nil
	return err
}
