// Package alerting provides the alert model, delivery sinks, and the
// quality monitor that watches per-window data-quality deltas.
//
// Alerts raised by the cleaning and feature layers are handed to a
// Publisher, which delivers them to a configured Sink (structured log,
// NATS) asynchronously so that delivery failures never block the
// processing cadence.
package alerting

import (
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Category classifies what kind of condition an alert reports.
type Category string

const (
	CategoryDataQuality      Category = "data_quality"
	CategoryMissingData      Category = "missing_data"
	CategorySensorFailure    Category = "sensor_failure"
	CategoryProcessAnomaly   Category = "process_anomaly"
	CategoryMetabolicShift   Category = "metabolic_shift"
	CategoryEquipmentWarning Category = "equipment_warning"
)

// Alert is a single condition report destined for an external sink.
type Alert struct {
	ID       string            `json:"id"`
	Level    Level             `json:"level"`
	Category Category          `json:"category"`
	Message  string            `json:"message"`
	Vessel   string            `json:"vessel"`
	Time     time.Time         `json:"time"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New builds an alert with a fresh ID and the current timestamp.
func New(level Level, category Category, vessel, message string, metadata map[string]string) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Level:    level,
		Category: category,
		Message:  message,
		Vessel:   vessel,
		Time:     time.Now().UTC(),
		Metadata: metadata,
	}
}
