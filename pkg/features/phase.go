package features

import (
	"fmt"

	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/state"
)

// phase advances the process-phase state machine from this window's growth
// rate. Transitions fire at most once each: lag → exponential when µ
// reaches the exponential threshold, exponential → stationary when µ falls
// below the stationary threshold. A window without a µ estimate leaves the
// phase unchanged.
func (e *Engineer) phase(st *state.PipelineState, vec Vector) []alerting.Alert {
	mu, ok := vec.Get("mu")
	if !ok {
		return nil
	}

	prev := st.Phase
	switch {
	case st.Phase == state.PhaseLag && mu >= e.cfg.MuExp:
		st.Phase = state.PhaseExponential
	case st.Phase == state.PhaseExponential && mu < e.cfg.MuStat:
		st.Phase = state.PhaseStationary
	}

	if st.Phase == prev {
		return nil
	}

	return []alerting.Alert{alerting.New(alerting.LevelInfo, alerting.CategoryMetabolicShift,
		st.VesselID,
		fmt.Sprintf("process phase %s → %s (µ=%.3f/h)", prev, st.Phase, mu),
		map[string]string{
			"from": prev.String(),
			"to":   st.Phase.String(),
		})}
}
