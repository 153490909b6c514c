// Package timeseries provides the raw sensor data model and window source
// connectors that retrieve multi-sensor time-series from external stores
// and normalize them into a common Window structure.
//
// Each source implements the Source interface and can be plugged into the
// processing pipeline. Available sources include:
//   - HTTPSource   — fetches samples from any REST time-series API with JSON responses
//   - StaticSource — serves pre-loaded windows, used for tests and backfill
//
// Sources are intentionally lightweight. They focus on pulling raw samples,
// shaping them into [Window] objects, and leaving all cleaning and feature
// computation to the pipeline's upper layers.
package timeseries

import (
	"context"
	"sort"
	"time"
)

// Sample is a single raw or derived sensor observation.
type Sample struct {
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
}

// Window is a fixed-duration slice of multi-sensor time-series for one
// vessel and batch. Series maps a sensor tag to its ordered samples; a tag
// may be missing entirely or contain gaps.
type Window struct {
	VesselID string
	BatchID  string
	Start    time.Time
	End      time.Time
	Series   map[string][]Sample
}

// Duration returns the wall-clock length of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Empty reports whether the window carries no samples at all.
func (w Window) Empty() bool {
	for _, samples := range w.Series {
		if len(samples) > 0 {
			return false
		}
	}
	return true
}

// Sort orders every tag's samples by timestamp in place.
func (w Window) Sort() {
	for tag := range w.Series {
		samples := w.Series[tag]
		sort.Slice(samples, func(i, j int) bool {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		})
	}
}

// Source is the interface all window sources must implement.
//
// FetchWindow retrieves ordered samples per tag for the requested interval.
// The result may contain gaps or omit tags entirely; callers must tolerate
// a changing tag set across calls. The call is synchronous and must respect
// context cancellation and deadlines.
type Source interface {
	FetchWindow(ctx context.Context, vessel string, start, end time.Time, tags []string) (Window, error)

	// Name returns a short, unique identifier for the source.
	// Example: "http", "static".
	Name() string
}

// AlignTimestamp truncates ts onto the nominal sampling grid.
func AlignTimestamp(ts time.Time, period time.Duration) time.Time {
	return ts.Truncate(period)
}
