package features

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/state"
)

var windowStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testEngineer() *Engineer {
	return NewEngineer(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// cleaned builds an all-clean window at offset windows of 30s from the base
// start, sampled on the 5s grid.
func cleaned(offset int, values map[string][]float64) cleaning.CleanedWindow {
	period := 5 * time.Second
	start := windowStart.Add(time.Duration(offset) * 30 * time.Second)

	slots := 0
	series := make(map[string][]cleaning.Point, len(values))
	for tag, vals := range values {
		if len(vals) > slots {
			slots = len(vals)
		}
		pts := make([]cleaning.Point, len(vals))
		for i, v := range vals {
			pts[i] = cleaning.Point{
				Timestamp:  start.Add(time.Duration(i) * period),
				Value:      v,
				Provenance: cleaning.Clean,
			}
		}
		series[tag] = pts
	}

	return cleaning.CleanedWindow{
		VesselID: "bior-7",
		BatchID:  "batch-42",
		Start:    start,
		End:      start.Add(time.Duration(slots) * period),
		Period:   period,
		Series:   series,
	}
}

func constant(v float64) []float64 {
	return []float64{v, v, v, v, v, v}
}

// gasTags returns a tag set producing CER = 0.9 and OUR = 1.08 with the
// default constants (V = 2 L, P = P_std so the correction is unity).
func gasTags() map[string][]float64 {
	return map[string][]float64{
		TagPressure:   constant(1.013),
		TagAirflowIn:  constant(60),
		TagAirflowOut: constant(58),
		TagOffgasCO2:  constant(0.03),
		TagOffgasO2:   constant(0.18),
	}
}

func TestCompute_TagStats(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	vec, _ := e.Compute(cleaned(0, map[string][]float64{
		"ph": {1, 2, 3, 4, 5, 6},
	}), st)

	assert.InDelta(t, 3.5, vec.Values["ph_mean"], 1e-9)
	assert.InDelta(t, 1, vec.Values["ph_min"], 1e-9)
	assert.InDelta(t, 6, vec.Values["ph_max"], 1e-9)
	assert.InDelta(t, 1.8708286934, vec.Values["ph_std"], 1e-6)

	// One unit per 5s slot is 720 per hour.
	assert.InDelta(t, 720, vec.Values["ph_slope"], 1e-6)

	assert.Equal(t, int64(1), vec.Sequence)
	assert.Equal(t, "batch-42", vec.BatchID)
}

func TestCompute_GasBalance(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	vec, _ := e.Compute(cleaned(0, gasTags()), st)

	cer, ok := vec.Get("cer")
	require.True(t, ok)
	assert.InDelta(t, 0.9, cer, 1e-9)

	our, ok := vec.Get("our")
	require.True(t, ok)
	assert.InDelta(t, 1.08, our, 1e-9)

	rq, ok := vec.Get("rq")
	require.True(t, ok)
	assert.InDelta(t, cer/our, rq, 1e-12)
}

func TestCompute_RQUndefinedWithoutUptake(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	// Outlet oxygen balances the inlet exactly: OUR = 0, RQ undefined.
	tags := gasTags()
	tags[TagOffgasO2] = constant(0.21)
	tags[TagAirflowOut] = constant(60)

	vec, _ := e.Compute(cleaned(0, tags), st)

	our, ok := vec.Get("our")
	require.True(t, ok)
	assert.InDelta(t, 0, our, 1e-9)

	_, ok = vec.Get("rq")
	assert.False(t, ok, "rq must be absent when OUR is not significantly positive")
}

func TestCompute_GasAbsentWithoutPressure(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	tags := gasTags()
	delete(tags, TagPressure)

	vec, _ := e.Compute(cleaned(0, tags), st)

	_, ok := vec.Get("cer")
	assert.False(t, ok)
	_, ok = vec.Get("our")
	assert.False(t, ok)
}

func TestCompute_GrowthRateAndPhaseTransitions(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	var shifts []alerting.Alert

	// Exponential growth at 0.15/h. µ appears once five windows are
	// buffered, immediately above the exponential threshold.
	for i := 0; i < 8; i++ {
		tHours := float64(i) * 30 / 3600
		od := 0.5 * math.Exp(0.15*tHours)
		vec, alerts := e.Compute(cleaned(i, map[string][]float64{TagOD: constant(od)}), st)
		for _, a := range alerts {
			if a.Category == alerting.CategoryMetabolicShift {
				shifts = append(shifts, a)
			}
		}

		if i < muPoints-1 {
			_, ok := vec.Get("mu")
			assert.False(t, ok, "window %d: mu needs %d buffered windows", i, muPoints)
		} else {
			mu, ok := vec.Get("mu")
			require.True(t, ok, "window %d", i)
			assert.InDelta(t, 0.15, mu, 1e-6)
			assert.Equal(t, float64(state.PhaseExponential), vec.Values["phase"])
		}
	}

	require.Len(t, shifts, 1, "lag → exponential must fire exactly once")
	assert.Equal(t, "lag", shifts[0].Metadata["from"])
	assert.Equal(t, "exponential", shifts[0].Metadata["to"])

	// Growth stalls: once the trailing buffer is flat, µ drops below the
	// stationary threshold.
	shifts = shifts[:0]
	for i := 8; i < 15; i++ {
		vec, alerts := e.Compute(cleaned(i, map[string][]float64{TagOD: constant(1.0)}), st)
		for _, a := range alerts {
			if a.Category == alerting.CategoryMetabolicShift {
				shifts = append(shifts, a)
			}
		}
		if i == 14 {
			assert.Equal(t, float64(state.PhaseStationary), vec.Values["phase"])
		}
	}

	require.Len(t, shifts, 1, "exponential → stationary must fire exactly once")
	assert.Equal(t, "exponential", shifts[0].Metadata["from"])
	assert.Equal(t, "stationary", shifts[0].Metadata["to"])
	assert.Equal(t, state.PhaseStationary, st.Phase)
}

func TestCompute_PhaseHoldsWithoutMu(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")
	st.Phase = state.PhaseExponential

	// No OD data: µ is absent and the phase machine must not move.
	vec, alerts := e.Compute(cleaned(0, map[string][]float64{"ph": constant(7)}), st)

	assert.Equal(t, state.PhaseExponential, st.Phase)
	assert.Equal(t, float64(state.PhaseExponential), vec.Values["phase"])
	for _, a := range alerts {
		assert.NotEqual(t, alerting.CategoryMetabolicShift, a.Category)
	}
}

func TestCompute_IntegralsAccumulateAcrossWindows(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	// Constant rates: the trapezoid reduces to rate × elapsed hours.
	var prev float64
	for i := 0; i < 4; i++ {
		tags := gasTags()
		tags[TagOD] = constant(2.0)

		vec, _ := e.Compute(cleaned(i, tags), st)

		cum, ok := vec.Get("cum_co2")
		require.True(t, ok)

		elapsed := float64(i) * 30 / 3600
		assert.InDelta(t, 0.9*elapsed, cum, 1e-9, "window %d", i)
		assert.GreaterOrEqual(t, cum, prev, "integral must not decrease")
		prev = cum

		cumOD, ok := vec.Get("cum_od")
		require.True(t, ok)
		assert.InDelta(t, 2.0*elapsed, cumOD, 1e-9)
	}
}

func TestCompute_FirstWindowRecordsNoArea(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	vec, _ := e.Compute(cleaned(0, gasTags()), st)

	cum, ok := vec.Get("cum_co2")
	require.True(t, ok)
	assert.Equal(t, 0.0, cum)
	assert.True(t, st.HasLast)
	assert.InDelta(t, 0.9, st.LastCER, 1e-9)
}

func TestCompute_MassTransfer(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	tags := gasTags()
	tags[TagDO] = constant(40)

	vec, _ := e.Compute(cleaned(0, tags), st)

	// C_sat = 0.25 at reference pressure; C = 0.1; OUR = 1.08; with a single
	// buffered DO window the dC/dt term is zero.
	kla, ok := vec.Get("kla")
	require.True(t, ok)
	assert.InDelta(t, 1.08/0.15, kla, 1e-6)
}

func TestCompute_MassTransferSingularAtSaturation(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	tags := gasTags()
	tags[TagDO] = constant(100)

	vec, _ := e.Compute(cleaned(0, tags), st)

	_, ok := vec.Get("kla")
	assert.False(t, ok, "kla is undefined at saturation")
}

func TestCompute_ThermalDiagnostics(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	vec, alerts := e.Compute(cleaned(0, map[string][]float64{
		TagTempBroth:   constant(37.0),
		"temp_broth_2": constant(37.6),
		TagTempExhaust: constant(33.5),
		TagTempMotor:   constant(75.0),
	}), st)

	assert.InDelta(t, 3.5, vec.Values["temp_gradient"], 1e-9)
	assert.InDelta(t, 0.6, vec.Values["temp_probe_spread"], 1e-9)
	assert.Equal(t, 1.0, vec.Values["motor_overtemp"])
	assert.True(t, hasCategory(alerts, alerting.CategoryEquipmentWarning))
}

func TestCompute_MotorWithinLimit(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	vec, alerts := e.Compute(cleaned(0, map[string][]float64{
		TagTempMotor: constant(55.0),
	}), st)

	assert.Equal(t, 0.0, vec.Values["motor_overtemp"])
	assert.False(t, hasCategory(alerts, alerting.CategoryEquipmentWarning))
}

func TestCompute_PressureAnomaly(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	vec, alerts := e.Compute(cleaned(0, map[string][]float64{
		TagPressure: constant(1.3),
	}), st)

	assert.InDelta(t, 1.3-1.013, vec.Values["pressure_deviation"], 1e-9)
	assert.Equal(t, 1.0, vec.Values["pressure_anomaly"])
	assert.True(t, hasCategory(alerts, alerting.CategoryProcessAnomaly))
}

func TestCompute_MissingInputsOmitFeatures(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	vec, _ := e.Compute(cleaned(0, map[string][]float64{"ph": constant(7)}), st)

	_, ok := vec.Get("cer")
	assert.False(t, ok)
	_, ok = vec.Get("kla")
	assert.False(t, ok)
	_, ok = vec.Get("dcw")
	assert.False(t, ok)

	// Stats and phase are always present for available data.
	assert.Contains(t, vec.Values, "ph_mean")
	assert.Contains(t, vec.Values, "phase")
}

func TestCompute_IgnoresInvalidPoints(t *testing.T) {
	e := testEngineer()
	st := state.New("bior-7", "batch-42")

	win := cleaned(0, map[string][]float64{"ph": {7, 7, 7, 7, 7, 7}})
	pts := win.Series["ph"]
	pts[2].Value = math.NaN()
	pts[2].Provenance = cleaning.Invalid

	vec, _ := e.Compute(win, st)

	assert.InDelta(t, 7.0, vec.Values["ph_mean"], 1e-9)
}

func hasCategory(alerts []alerting.Alert, cat alerting.Category) bool {
	for _, a := range alerts {
		if a.Category == cat {
			return true
		}
	}
	return false
}
