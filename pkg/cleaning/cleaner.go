// Package cleaning turns raw, gap-prone sensor windows into quality-tagged,
// time-aligned series.
//
// The cleaner applies, in order: alignment onto the nominal sampling grid,
// per-tag physical-bounds validation, duration-based gap handling (linear
// interpolation for short gaps, Kalman estimation for medium gaps, nothing
// for long gaps), and z-score outlier clipping. Every output point carries
// exactly one provenance tag; points that could not be repaired stay NaN.
package cleaning

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/timeseries"
)

// Provenance records which cleaning action produced a point.
type Provenance string

const (
	Clean        Provenance = "clean"
	Interpolated Provenance = "interpolated"
	Filtered     Provenance = "filtered"
	Clipped      Provenance = "clipped"
	Invalid      Provenance = "invalid"
)

// Point is one time-aligned output sample. Value is NaN when the point is
// invalid; no value is ever fabricated for unusable data.
type Point struct {
	Timestamp  time.Time
	Value      float64
	Provenance Provenance
}

// Valid reports whether the point carries a usable value.
func (p Point) Valid() bool {
	return p.Provenance != Invalid && !math.IsNaN(p.Value)
}

// CleanedWindow is the fixed-cardinality, time-aligned result of cleaning
// one raw window. Every tag's series has exactly window/period points.
type CleanedWindow struct {
	VesselID string
	BatchID  string
	Start    time.Time
	End      time.Time
	Period   time.Duration
	Series   map[string][]Point
}

// ValidValues returns the usable values of a tag in time order.
func (w CleanedWindow) ValidValues(tag string) []float64 {
	var out []float64
	for _, p := range w.Series[tag] {
		if p.Valid() {
			out = append(out, p.Value)
		}
	}
	return out
}

// SensorSpec is the validated physical description of one sensor tag.
type SensorSpec struct {
	Tag  string  `json:"tag"`
	Unit string  `json:"unit"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// SensorTable maps tag names to their specs. It is loaded once at startup
// and validated before the pipeline starts.
type SensorTable map[string]SensorSpec

// Validate rejects incomplete or inverted sensor specs.
func (t SensorTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("sensor table is empty")
	}
	for tag, spec := range t {
		if spec.Tag != "" && spec.Tag != tag {
			return fmt.Errorf("sensor %q: tag field %q does not match key", tag, spec.Tag)
		}
		if math.IsNaN(spec.Min) || math.IsNaN(spec.Max) {
			return fmt.Errorf("sensor %q: bounds must be numbers", tag)
		}
		if spec.Min >= spec.Max {
			return fmt.Errorf("sensor %q: min (%g) must be below max (%g)", tag, spec.Min, spec.Max)
		}
	}
	return nil
}

// Tags returns the configured tag names.
func (t SensorTable) Tags() []string {
	tags := make([]string, 0, len(t))
	for tag := range t {
		tags = append(tags, tag)
	}
	return tags
}

// Config holds the cleaning policy knobs.
type Config struct {
	// SamplePeriod is the nominal sampling grid. Gap durations are measured
	// on this grid, not in sample counts.
	SamplePeriod time.Duration

	// GapInterpolateMax is the longest gap repaired by linear interpolation.
	GapInterpolateMax time.Duration

	// GapFilterMax is the longest gap repaired by the Kalman path. Gaps
	// beyond it are left invalid and raise a critical missing-data alarm.
	GapFilterMax time.Duration

	// OutlierZ is the z-score clip threshold.
	OutlierZ float64

	// ProcessNoise and MeasurementNoise parameterize the gap filter.
	ProcessNoise     float64
	MeasurementNoise float64
}

// Defaults fills zero fields with the standard policy.
func (c Config) Defaults() Config {
	if c.SamplePeriod <= 0 {
		c.SamplePeriod = 5 * time.Second
	}
	if c.GapInterpolateMax <= 0 {
		c.GapInterpolateMax = 5 * time.Minute
	}
	if c.GapFilterMax <= 0 {
		c.GapFilterMax = 30 * time.Minute
	}
	if c.OutlierZ <= 0 {
		c.OutlierZ = 3
	}
	if c.ProcessNoise <= 0 {
		c.ProcessNoise = 0.001
	}
	if c.MeasurementNoise <= 0 {
		c.MeasurementNoise = 0.1
	}
	return c
}

// Cleaner validates, repairs, and de-spikes raw sensor windows.
type Cleaner struct {
	sensors SensorTable
	cfg     Config
	logger  *slog.Logger
}

// NewCleaner creates a cleaner for the given sensor table.
func NewCleaner(sensors SensorTable, cfg Config, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		sensors: sensors,
		cfg:     cfg.Defaults(),
		logger:  logger,
	}
}

// Tags returns the configured sensor tags.
func (c *Cleaner) Tags() []string {
	return c.sensors.Tags()
}

// Clean processes one raw window. It returns the aligned, repaired window,
// the per-tag quality delta for this window, and any alarms raised.
//
// Every configured sensor tag appears in the output even when the upstream
// query omitted it entirely; an absent tag is treated exactly like a tag
// whose samples are all missing.
func (c *Cleaner) Clean(win timeseries.Window) (CleanedWindow, QualityDelta, []alerting.Alert) {
	slots := int(win.Duration() / c.cfg.SamplePeriod)
	if slots < 1 {
		slots = 1
	}

	out := CleanedWindow{
		VesselID: win.VesselID,
		BatchID:  win.BatchID,
		Start:    win.Start,
		End:      win.End,
		Period:   c.cfg.SamplePeriod,
		Series:   make(map[string][]Point, len(c.sensors)),
	}
	delta := make(QualityDelta, len(c.sensors))

	var alerts []alerting.Alert

	for _, tag := range c.tagUnion(win) {
		points, counters, tagAlerts := c.cleanTag(win, tag, slots)
		out.Series[tag] = points
		delta[tag] = counters
		alerts = append(alerts, tagAlerts...)
	}

	return out, delta, alerts
}

// tagUnion lists configured tags plus any unexpected extras the source
// returned, so a changing upstream tag set never drops data silently.
func (c *Cleaner) tagUnion(win timeseries.Window) []string {
	tags := c.sensors.Tags()
	for tag := range win.Series {
		if _, ok := c.sensors[tag]; !ok {
			c.logger.Debug("unconfigured tag in window, passing through without bounds", "tag", tag)
			tags = append(tags, tag)
		}
	}
	return tags
}

func (c *Cleaner) cleanTag(win timeseries.Window, tag string, slots int) ([]Point, Counters, []alerting.Alert) {
	var counters Counters
	var alerts []alerting.Alert

	points := c.align(win, tag, slots)

	// Bounds validation first: out-of-range values are discarded, never
	// substituted, so they cannot poison interpolation or baselines.
	spec, bounded := c.sensors[tag]
	boundsViolations := 0
	for i := range points {
		p := &points[i]
		switch {
		case p.Provenance == Invalid:
			counters.Missing++
		case bounded && (p.Value < spec.Min || p.Value > spec.Max):
			p.Value = math.NaN()
			p.Provenance = Invalid
			counters.Invalid++
			boundsViolations++
		}
	}

	if boundsViolations > 0 {
		alerts = append(alerts, alerting.New(alerting.LevelWarning, alerting.CategoryDataQuality,
			win.VesselID,
			fmt.Sprintf("sensor %s: %d reading(s) outside physical bounds [%g, %g]", tag, boundsViolations, spec.Min, spec.Max),
			map[string]string{
				"tag":        tag,
				"violations": strconv.Itoa(boundsViolations),
			}))
	}

	if validCount(points) == 0 {
		// Nothing to repair from. Distinct alarm: the sensor as a whole
		// produced no usable data this window.
		alerts = append(alerts, alerting.New(alerting.LevelCritical, alerting.CategorySensorFailure,
			win.VesselID,
			fmt.Sprintf("sensor %s: no valid readings in window", tag),
			map[string]string{"tag": tag}))
		return points, counters, alerts
	}

	gapAlerts := c.fillGaps(points, win.VesselID, tag, &counters)
	alerts = append(alerts, gapAlerts...)

	counters.Outlier += c.clipOutliers(points)

	return points, counters, alerts
}

// align maps raw samples onto the nominal grid. Slots without a sample, or
// whose sample value is NaN, start out Invalid.
func (c *Cleaner) align(win timeseries.Window, tag string, slots int) []Point {
	points := make([]Point, slots)
	for i := range points {
		points[i] = Point{
			Timestamp:  win.Start.Add(time.Duration(i) * c.cfg.SamplePeriod),
			Value:      math.NaN(),
			Provenance: Invalid,
		}
	}

	for _, s := range win.Series[tag] {
		if s.Timestamp.Before(win.Start) || !s.Timestamp.Before(win.End) {
			continue
		}
		idx := int(s.Timestamp.Sub(win.Start) / c.cfg.SamplePeriod)
		if idx < 0 || idx >= slots {
			continue
		}
		if math.IsNaN(s.Value) {
			continue
		}
		points[idx].Value = s.Value
		points[idx].Provenance = Clean
	}

	return points
}

// fillGaps repairs contiguous invalid runs according to their wall-clock
// duration. Runs longer than GapFilterMax stay invalid and raise a critical
// missing-data alarm.
func (c *Cleaner) fillGaps(points []Point, vessel, tag string, counters *Counters) []alerting.Alert {
	var alerts []alerting.Alert

	i := 0
	for i < len(points) {
		if points[i].Provenance != Invalid {
			i++
			continue
		}

		start := i
		for i < len(points) && points[i].Provenance == Invalid {
			i++
		}
		end := i // run is [start, end)

		gapDur := time.Duration(end-start) * c.cfg.SamplePeriod
		hasBefore := start > 0 && points[start-1].Valid()
		hasAfter := end < len(points) && points[end].Valid()

		switch {
		case gapDur > c.cfg.GapFilterMax:
			alerts = append(alerts, c.longGapAlert(vessel, tag, gapDur))

		case gapDur < c.cfg.GapInterpolateMax && hasBefore && hasAfter:
			interpolate(points, start, end)
			counters.Interpolated += end - start

		case hasBefore:
			// Medium gaps, and short gaps missing a trailing bracket,
			// take the filtered path seeded from the pre-gap trend.
			history := trailingValues(points, start)
			estimates := estimateGap(history, end-start, c.cfg.ProcessNoise, c.cfg.MeasurementNoise)
			for j := start; j < end; j++ {
				points[j].Value = estimates[j-start]
				points[j].Provenance = Filtered
			}
			counters.KalmanFiltered += end - start

		default:
			// Leading gap with no history to seed from: unfillable.
			alerts = append(alerts, c.longGapAlert(vessel, tag, gapDur))
		}
	}

	return alerts
}

func (c *Cleaner) longGapAlert(vessel, tag string, gapDur time.Duration) alerting.Alert {
	return alerting.New(alerting.LevelCritical, alerting.CategoryMissingData,
		vessel,
		fmt.Sprintf("sensor %s: unrecoverable gap of %s", tag, gapDur),
		map[string]string{
			"tag":          tag,
			"gap_duration": gapDur.String(),
		})
}

// interpolate linearly fills the run [start, end) between its brackets.
func interpolate(points []Point, start, end int) {
	before := points[start-1].Value
	after := points[end].Value
	span := float64(end - start + 1)

	for j := start; j < end; j++ {
		frac := float64(j-start+1) / span
		points[j].Value = before + (after-before)*frac
		points[j].Provenance = Interpolated
	}
}

// trailingValues collects the valid values before index start, oldest first.
func trailingValues(points []Point, start int) []float64 {
	var history []float64
	for j := 0; j < start; j++ {
		if points[j].Valid() {
			history = append(history, points[j].Value)
		}
	}
	return history
}

// clipOutliers clips values beyond OutlierZ standard deviations to the
// baseline envelope. The baseline uses only Clean points, so freshly
// interpolated or filtered values cannot reinforce their own clipping, and
// a second pass over an already-clipped series changes nothing. Returns the
// number of points clipped.
func (c *Cleaner) clipOutliers(points []Point) int {
	var baseline []float64
	for _, p := range points {
		if p.Provenance == Clean {
			baseline = append(baseline, p.Value)
		}
	}
	if len(baseline) < 2 {
		return 0
	}

	mean := stat.Mean(baseline, nil)
	sigma := stat.StdDev(baseline, nil)
	if sigma == 0 || math.IsNaN(sigma) {
		return 0
	}

	lo := mean - c.cfg.OutlierZ*sigma
	hi := mean + c.cfg.OutlierZ*sigma

	clipped := 0
	for i := range points {
		p := &points[i]
		if !p.Valid() {
			continue
		}
		switch {
		case p.Value > hi:
			p.Value = hi
			p.Provenance = Clipped
			clipped++
		case p.Value < lo:
			p.Value = lo
			p.Provenance = Clipped
			clipped++
		}
	}
	return clipped
}

func validCount(points []Point) int {
	n := 0
	for _, p := range points {
		if p.Valid() {
			n++
		}
	}
	return n
}
