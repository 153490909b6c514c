package features

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/state"
)

// muPoints is the width of the smoothed-derivative filter. The specific
// growth rate uses the least-squares slope of ln(OD) over the last five
// window means, pulled from the trailing buffer so the derivative keeps
// continuity across window boundaries within a batch.
const muPoints = 5

// growth pushes this window's OD into the trailing buffer and computes the
// growth metrics:
//
//	mu   = d(ln OD)/dt          (1/h, smoothed over muPoints windows)
//	dcw  = OD · DCWFactor       (g/L)
//	qO2  = OUR / dcw, qCO2 = CER / dcw
func (e *Engineer) growth(win cleaning.CleanedWindow, st *state.PipelineState, vec *Vector) {
	od, okOD := windowMean(win, TagOD)
	if okOD && od > 0 {
		mid := win.Start.Add(win.End.Sub(win.Start) / 2)
		st.ODHistory.Push(mid, od)

		dcw := od * e.cfg.DCWFactor
		set(vec, "dcw", dcw)

		if our, ok := vec.Get("our"); ok && dcw > 0 {
			set(vec, "qo2", our/dcw)
		}
		if cer, ok := vec.Get("cer"); ok && dcw > 0 {
			set(vec, "qco2", cer/dcw)
		}
	}

	if mu, ok := specificGrowthRate(st.ODHistory); ok {
		set(vec, "mu", mu)
	}
}

// specificGrowthRate estimates d(ln OD)/dt from the trailing OD buffer.
// Requires muPoints buffered windows with positive OD; returns false until
// the buffer has filled after a start or reset.
func specificGrowthRate(history *state.History) (float64, bool) {
	points := history.Points()
	if len(points) < muPoints {
		return 0, false
	}
	points = points[len(points)-muPoints:]

	t0 := points[0].Time
	ts := make([]float64, 0, muPoints)
	lnOD := make([]float64, 0, muPoints)
	for _, p := range points {
		if p.Value <= 0 {
			return 0, false
		}
		ts = append(ts, p.Time.Sub(t0).Hours())
		lnOD = append(lnOD, math.Log(p.Value))
	}

	if ts[muPoints-1] <= 0 {
		return 0, false
	}

	_, slope := stat.LinearRegression(ts, lnOD, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0, false
	}
	return slope, true
}

// massTransfer estimates the volumetric oxygen transfer coefficient by
// solving the dissolved-oxygen balance OUR = kLa·(C_sat − C) − dC/dt for
// kLa. DO is measured in percent of saturation; the saturation
// concentration is pressure-corrected from the configured reference.
func (e *Engineer) massTransfer(win cleaning.CleanedWindow, st *state.PipelineState, vec *Vector) {
	doPct, okDO := windowMean(win, TagDO)
	if okDO {
		mid := win.Start.Add(win.End.Sub(win.Start) / 2)
		st.DOHistory.Push(mid, doPct)
	}

	our, okOUR := vec.Get("our")
	if !okDO || !okOUR {
		return
	}

	pReactor, okP := windowMean(win, TagPressure)
	if !okP {
		return
	}

	cSat := e.cfg.CSatRef * pReactor / e.cfg.PStd
	c := cSat * doPct / 100

	driving := cSat - c
	if driving <= cSat*0.01 {
		// DO at or above saturation: the balance is singular.
		return
	}

	// dC/dt from the DO trailing buffer, converted from %/h to mmol/L/h.
	dCdt := 0.0
	if slope, ok := doSlope(st.DOHistory); ok {
		dCdt = slope / 100 * cSat
	}

	kla := (our + dCdt) / driving
	if kla > 0 {
		set(vec, "kla", kla)
	}
}

// doSlope returns the DO trend in %/h over the trailing buffer.
func doSlope(history *state.History) (float64, bool) {
	points := history.Points()
	if len(points) < 2 {
		return 0, false
	}
	if len(points) > muPoints {
		points = points[len(points)-muPoints:]
	}

	t0 := points[0].Time
	ts := make([]float64, 0, len(points))
	vals := make([]float64, 0, len(points))
	for _, p := range points {
		ts = append(ts, p.Time.Sub(t0).Hours())
		vals = append(vals, p.Value)
	}
	if ts[len(ts)-1] <= 0 {
		return 0, false
	}

	_, slope := stat.LinearRegression(ts, vals, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0, false
	}
	return slope, true
}
