// Package features derives the per-window feature vector from a cleaned
// sensor window and the carried pipeline state.
//
// The engineer computes basic per-tag statistics, pressure-corrected
// gas-balance rates (CER, OUR, RQ), growth metrics (µ, qO2, qCO2), the
// oxygen mass-transfer coefficient kLa, thermal and pressure diagnostics,
// the process-phase state machine, and running integrals. Feature groups
// are isolated from each other: a group whose inputs were invalid this
// window, or whose formula fails on a numeric edge case, is omitted from
// the vector while every other group proceeds. Absent means absent — no
// value is ever fabricated from stale data.
package features

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/state"
)

// Well-known sensor tags consumed by the physics features. Per-tag
// statistics are computed for whatever tags the cleaned window carries.
const (
	TagPH          = "ph"
	TagDO          = "do"
	TagOD          = "od"
	TagTempBroth   = "temp_broth"
	TagTempExhaust = "temp_exhaust"
	TagTempMotor   = "temp_motor"
	TagPressure    = "pressure"
	TagAirflowIn   = "airflow_in"
	TagAirflowOut  = "airflow_out"
	TagOffgasCO2   = "offgas_co2"
	TagOffgasO2    = "offgas_o2"
)

// Vector is one window's feature output. Values holds feature name → value;
// a feature whose inputs were unusable this window is simply absent.
type Vector struct {
	BatchID     string             `json:"batch_id"`
	WindowStart time.Time          `json:"window_start"`
	Sequence    int64              `json:"sequence"`
	Values      map[string]float64 `json:"values"`
}

// Get returns a feature value and whether it was computed this window.
func (v Vector) Get(name string) (float64, bool) {
	val, ok := v.Values[name]
	return val, ok
}

// Config holds the physical constants and thresholds of the feature layer.
type Config struct {
	// ReactorVolume is the working volume in liters.
	ReactorVolume float64

	// PStd is the reference pressure in bar for gas-rate correction.
	PStd float64

	// YO2In is the oxygen mole fraction of the inlet gas.
	YO2In float64

	// OUREpsilon is the smallest OUR considered significantly positive;
	// RQ and qO2 are undefined below it.
	OUREpsilon float64

	// DCWFactor converts optical density to dry cell weight (g/L per OD).
	DCWFactor float64

	// MuExp and MuStat are the phase-transition growth-rate thresholds (1/h).
	MuExp  float64
	MuStat float64

	// CSatRef is the dissolved-oxygen saturation concentration (mmol/L) at
	// PStd; the in-reactor saturation scales with pressure.
	CSatRef float64

	// MotorTempMax is the motor-thermal warning threshold (°C).
	MotorTempMax float64

	// PressureRef is the atmospheric reference (bar) and PressureAnomalyMax
	// the absolute deviation (bar) that flags foam or a blocked flow path.
	PressureRef        float64
	PressureAnomalyMax float64
}

// Defaults fills zero fields with the standard constants.
func (c Config) Defaults() Config {
	if c.ReactorVolume <= 0 {
		c.ReactorVolume = 2.0
	}
	if c.PStd <= 0 {
		c.PStd = 1.013
	}
	if c.YO2In <= 0 {
		c.YO2In = 0.21
	}
	if c.OUREpsilon <= 0 {
		c.OUREpsilon = 1e-6
	}
	if c.DCWFactor <= 0 {
		c.DCWFactor = 0.45
	}
	if c.MuExp <= 0 {
		c.MuExp = 0.08
	}
	if c.MuStat <= 0 {
		c.MuStat = 0.02
	}
	if c.CSatRef <= 0 {
		c.CSatRef = 0.25
	}
	if c.MotorTempMax <= 0 {
		c.MotorTempMax = 70
	}
	if c.PressureRef <= 0 {
		c.PressureRef = 1.013
	}
	if c.PressureAnomalyMax <= 0 {
		c.PressureAnomalyMax = 0.2
	}
	return c
}

// Engineer computes feature vectors from cleaned windows.
type Engineer struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngineer creates a feature engineer.
func NewEngineer(cfg Config, logger *slog.Logger) *Engineer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engineer{cfg: cfg.Defaults(), logger: logger}
}

// Compute derives the feature vector for one cleaned window and advances
// the pipeline state (trailing buffers, phase, integrals, cycle counter).
// The caller owns st and must guarantee single-flight access.
func (e *Engineer) Compute(win cleaning.CleanedWindow, st *state.PipelineState) (Vector, []alerting.Alert) {
	st.Cycle++

	vec := Vector{
		BatchID:     win.BatchID,
		WindowStart: win.Start,
		Sequence:    st.Cycle,
		Values:      make(map[string]float64, 64),
	}

	var alerts []alerting.Alert

	e.group(&vec, "stats", func() { e.tagStats(win, &vec) })
	e.group(&vec, "gas", func() { e.gasBalance(win, &vec) })
	e.group(&vec, "growth", func() { e.growth(win, st, &vec) })
	e.group(&vec, "mass_transfer", func() { e.massTransfer(win, st, &vec) })
	e.group(&vec, "thermal", func() { alerts = append(alerts, e.thermal(win, &vec)...) })
	e.group(&vec, "pressure", func() { alerts = append(alerts, e.pressure(win, &vec)...) })
	e.group(&vec, "phase", func() { alerts = append(alerts, e.phase(st, vec)...) })
	e.group(&vec, "integrals", func() { e.integrals(win, st, &vec) })

	vec.Values["phase"] = float64(st.Phase)

	return vec, alerts
}

// group runs one feature group, converting an unexpected panic into the
// omission of that group's features. Everything else proceeds.
func (e *Engineer) group(vec *Vector, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("feature group failed, omitting",
				"group", name,
				"error", fmt.Sprint(r),
			)
		}
	}()
	fn()
}

// windowMean returns the mean of a tag's valid points, or false when the
// tag produced no usable data this window.
func windowMean(win cleaning.CleanedWindow, tag string) (float64, bool) {
	vals := win.ValidValues(tag)
	if len(vals) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	m := sum / float64(len(vals))
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return 0, false
	}
	return m, true
}

// set stores a feature value, dropping NaN and Inf instead of emitting them.
func set(vec *Vector, name string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	vec.Values[name] = value
}
