// Package storage provides feature-record persistence implementations.
package storage

import (
	"context"
	"time"

	"github.com/fermlab/biopipe/pkg/features"
)

// Record is one published feature vector plus the context monitoring and
// inference consumers need to interpret it.
type Record struct {
	VesselID    string             `json:"vessel_id"`
	BatchID     string             `json:"batch_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	Sequence    int64              `json:"sequence"`
	Features    map[string]float64 `json:"features"`
}

// FromVector builds a record from a computed feature vector.
func FromVector(vessel string, windowEnd time.Time, vec features.Vector) Record {
	return Record{
		VesselID:    vessel,
		BatchID:     vec.BatchID,
		GeneratedAt: time.Now().UTC(),
		WindowStart: vec.WindowStart,
		WindowEnd:   windowEnd,
		Sequence:    vec.Sequence,
		Features:    vec.Values,
	}
}

// Store is the feature sink. Put replaces the vessel's latest record and
// appends to a bounded per-vessel history.
type Store interface {
	Put(ctx context.Context, record Record) error
	GetLatest(ctx context.Context, vessel string) (Record, bool, error)

	// History returns up to limit most recent records, newest first.
	History(ctx context.Context, vessel string, limit int) ([]Record, error)
}
