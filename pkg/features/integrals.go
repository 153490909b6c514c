package features

import (
	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/state"
)

// integrals advances the trapezoidal running integrals of CER, OUR, and OD
// over elapsed time. The previous window's rate values are carried in the
// pipeline state so the trapezoid spans window boundaries; the first window
// after a start or reset only records its rates.
func (e *Engineer) integrals(win cleaning.CleanedWindow, st *state.PipelineState, vec *Vector) {
	cer, haveCER := vec.Get("cer")
	our, haveOUR := vec.Get("our")
	od, haveOD := windowMean(win, TagOD)

	now := win.Start

	if st.HasLast {
		dt := now.Sub(st.LastTime).Hours()
		if dt > 0 {
			if haveCER {
				st.CumCO2 += (st.LastCER + cer) / 2 * dt
			}
			if haveOUR {
				st.CumO2 += (st.LastOUR + our) / 2 * dt
			}
			if haveOD {
				st.CumOD += (st.LastOD + od) / 2 * dt
			}
		}
	}

	if haveCER {
		st.LastCER = cer
	}
	if haveOUR {
		st.LastOUR = our
	}
	if haveOD {
		st.LastOD = od
	}
	st.LastTime = now
	st.HasLast = true

	set(vec, "cum_co2", st.CumCO2)
	set(vec, "cum_o2", st.CumO2)
	set(vec, "cum_od", st.CumOD)
}
