// Package state holds the per-batch memory the pipeline carries across
// windows: cumulative integrals, the process phase, trailing buffers for
// derivative continuity, and cumulative quality counters.
//
// A PipelineState belongs to exactly one vessel/batch context. It is owned
// and mutated only by the orchestrator, which guarantees single-flight
// access; the type itself is not synchronized.
package state

import (
	"time"

	"github.com/fermlab/biopipe/pkg/cleaning"
)

// Phase is the coarse process phase of the culture.
type Phase int

const (
	PhaseLag Phase = iota
	PhaseExponential
	PhaseStationary
)

func (p Phase) String() string {
	switch p {
	case PhaseLag:
		return "lag"
	case PhaseExponential:
		return "exponential"
	case PhaseStationary:
		return "stationary"
	default:
		return "unknown"
	}
}

// TimedValue is one point of a trailing history buffer.
type TimedValue struct {
	Time  time.Time
	Value float64
}

// History is a bounded trailing buffer of timed values, oldest first.
type History struct {
	points []TimedValue
	max    int
}

// NewHistory creates a buffer that keeps at most max points.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 16
	}
	return &History{max: max}
}

// Push appends a point, evicting the oldest when full.
func (h *History) Push(t time.Time, v float64) {
	h.points = append(h.points, TimedValue{Time: t, Value: v})
	if len(h.points) > h.max {
		h.points = h.points[len(h.points)-h.max:]
	}
}

// Points returns the buffered points, oldest first. The returned slice is
// the internal buffer; callers must not mutate it.
func (h *History) Points() []TimedValue {
	return h.points
}

// Len returns the number of buffered points.
func (h *History) Len() int {
	return len(h.points)
}

// Clear drops all buffered points.
func (h *History) Clear() {
	h.points = h.points[:0]
}

// PipelineState is the per-batch memory mutated once per cycle.
type PipelineState struct {
	VesselID string
	BatchID  string

	// Cycle counts completed processing cycles since start or reset.
	Cycle int64

	Phase Phase

	// Running trapezoidal integrals over elapsed time.
	CumCO2 float64 // ∫CER dt
	CumO2  float64 // ∫OUR dt
	CumOD  float64 // ∫OD dt

	// Previous window's rate values, kept for trapezoid continuity.
	LastCER  float64
	LastOUR  float64
	LastOD   float64
	LastTime time.Time
	HasLast  bool

	// Trailing buffers so cross-window derivatives are not reset each cycle.
	ODHistory *History
	DOHistory *History

	Quality cleaning.QualityReport
}

// New creates a fresh state for a vessel/batch context.
func New(vessel, batch string) *PipelineState {
	return &PipelineState{
		VesselID:  vessel,
		BatchID:   batch,
		Phase:     PhaseLag,
		ODHistory: NewHistory(32),
		DOHistory: NewHistory(32),
		Quality:   cleaning.NewQualityReport(),
	}
}

// Reset reinitializes the state for a new batch: cumulative sums to zero,
// phase to lag, quality counters cleared, trailing buffers emptied.
func (s *PipelineState) Reset(batch string) {
	s.BatchID = batch
	s.Cycle = 0
	s.Phase = PhaseLag
	s.CumCO2 = 0
	s.CumO2 = 0
	s.CumOD = 0
	s.LastCER = 0
	s.LastOUR = 0
	s.LastOD = 0
	s.LastTime = time.Time{}
	s.HasLast = false
	s.ODHistory.Clear()
	s.DOHistory.Clear()
	s.Quality.Reset()
}
