package features

import (
	"github.com/fermlab/biopipe/pkg/cleaning"
)

// gasBalance computes the pressure-corrected gas-exchange rates from the
// window means of the off-gas analyzer and flow sensors:
//
//	CER = F_in · y_CO2_out · (P/P_std) / V
//	OUR = (F_in · y_O2_in − F_out · y_O2_out) · (P/P_std) / V
//	RQ  = CER / OUR  (only when OUR is significantly positive)
//
// Off-gas fractions are mole fractions, flows in L/h, volume in L, so the
// rates come out in mol-fraction-weighted volumetric units per hour. Each
// rate is omitted when any of its inputs had no valid data this window.
func (e *Engineer) gasBalance(win cleaning.CleanedWindow, vec *Vector) {
	pReactor, okP := windowMean(win, TagPressure)
	if !okP {
		return
	}
	pCorr := pReactor / e.cfg.PStd

	fIn, okFIn := windowMean(win, TagAirflowIn)
	yCO2, okCO2 := windowMean(win, TagOffgasCO2)
	fOut, okFOut := windowMean(win, TagAirflowOut)
	yO2, okO2 := windowMean(win, TagOffgasO2)

	var cer float64
	haveCER := okFIn && okCO2
	if haveCER {
		cer = fIn * yCO2 * pCorr / e.cfg.ReactorVolume
		set(vec, "cer", cer)
	}

	var our float64
	haveOUR := okFIn && okFOut && okO2
	if haveOUR {
		our = (fIn*e.cfg.YO2In - fOut*yO2) * pCorr / e.cfg.ReactorVolume
		set(vec, "our", our)
	}

	// RQ is undefined when OUR is not significantly above zero.
	if haveCER && haveOUR && our > e.cfg.OUREpsilon {
		set(vec, "rq", cer/our)
	}
}
