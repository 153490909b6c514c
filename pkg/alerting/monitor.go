package alerting

import (
	"fmt"
	"strconv"
	"time"
)

// TagQuality summarizes one sensor tag's cleaning outcome for a single
// window, expressed in points. Expected is the nominal point count of the
// window; Unusable counts points that stayed invalid or missing after
// cleaning; Repaired counts interpolated, filtered, and clipped points.
type TagQuality struct {
	Tag      string
	Expected int
	Unusable int
	Repaired int
}

// UnusableRatio returns the fraction of the window that produced no usable
// value for this tag.
func (q TagQuality) UnusableRatio() float64 {
	if q.Expected <= 0 {
		return 0
	}
	return float64(q.Unusable) / float64(q.Expected)
}

// QualityMonitor watches per-window quality summaries and raises alerts
// when a tag's unusable share crosses configured thresholds. Alerts are
// edge-triggered: a tag that stays degraded keeps quiet until it recovers
// and degrades again, so a flapping sensor cannot flood the sink.
type QualityMonitor struct {
	warnRatio float64
	critRatio float64

	// last alerted level per tag; "" means healthy.
	lastLevel map[string]Level
}

// NewQualityMonitor creates a monitor. Ratios are fractions in (0, 1];
// non-positive values fall back to 0.2 warning / 0.5 critical.
func NewQualityMonitor(warnRatio, critRatio float64) *QualityMonitor {
	if warnRatio <= 0 {
		warnRatio = 0.2
	}
	if critRatio <= 0 {
		critRatio = 0.5
	}
	if critRatio < warnRatio {
		critRatio = warnRatio
	}

	return &QualityMonitor{
		warnRatio: warnRatio,
		critRatio: critRatio,
		lastLevel: make(map[string]Level),
	}
}

// Observe evaluates one window's quality summaries and returns any
// threshold alerts to publish.
func (m *QualityMonitor) Observe(vessel string, windowStart time.Time, stats []TagQuality) []Alert {
	var alerts []Alert

	for _, q := range stats {
		ratio := q.UnusableRatio()

		var level Level
		switch {
		case ratio >= m.critRatio:
			level = LevelCritical
		case ratio >= m.warnRatio:
			level = LevelWarning
		}

		prev := m.lastLevel[q.Tag]
		if level == prev {
			continue
		}
		m.lastLevel[q.Tag] = level

		if level == "" {
			// Recovered; stay silent and re-arm.
			continue
		}

		alerts = append(alerts, New(level, CategoryDataQuality, vessel,
			fmt.Sprintf("sensor %s: %.0f%% of window unusable", q.Tag, ratio*100),
			map[string]string{
				"tag":          q.Tag,
				"window_start": windowStart.UTC().Format(time.RFC3339),
				"unusable":     strconv.Itoa(q.Unusable),
				"expected":     strconv.Itoa(q.Expected),
			}))
	}

	return alerts
}

// Reset clears the per-tag alert memory, typically on a batch change.
func (m *QualityMonitor) Reset() {
	m.lastLevel = make(map[string]Level)
}
