package cleaning

// localLevelFilter is a one-dimensional Kalman filter over a local-level
// state model with a constant drift term. It is used to estimate sensor
// values across medium gaps: the filter is trained on the valid points
// before the gap and then predicted forward through the gap without
// measurement updates.
//
// State: x (level), with variance P. Q is the process-noise variance and R
// the measurement-noise variance; both reflect how much the sensor is
// expected to wander between samples versus how noisy a single reading is.
type localLevelFilter struct {
	x, P  float64 // level estimate and its variance
	drift float64 // per-step trend, learned from pre-gap deltas
	q, r  float64 // process and measurement noise variances
}

// newLocalLevelFilter initializes a filter at the given level.
// initialP should reflect uncertainty about the starting level; 1.0 is a
// reasonable default when seeding from a trusted measurement.
func newLocalLevelFilter(initial, initialP, q, r float64) *localLevelFilter {
	return &localLevelFilter{x: initial, P: initialP, q: q, r: r}
}

// predict advances the state one step: x += drift, P += Q.
func (f *localLevelFilter) predict() {
	f.x += f.drift
	f.P += f.q
}

// update incorporates a measurement z.
func (f *localLevelFilter) update(z float64) {
	// Innovation variance S = P + R; gain K = P / S.
	s := f.P + f.r
	k := f.P / s
	f.x += k * (z - f.x)
	f.P *= 1 - k
}

// estimateGap fills a gap of n steps using the trailing valid history.
// history holds the valid values immediately before the gap, oldest first.
// Returns nil when there is no history to seed from.
func estimateGap(history []float64, n int, q, r float64) []float64 {
	if len(history) == 0 || n <= 0 {
		return nil
	}

	f := newLocalLevelFilter(history[0], 1.0, q, r)

	// Learn the local trend from the trailing deltas so the prediction
	// follows the pre-gap slope instead of freezing at the last value.
	const driftWindow = 5
	start := len(history) - driftWindow
	if start < 1 {
		start = 1
	}
	var driftSum float64
	var driftN int
	for i := start; i < len(history); i++ {
		driftSum += history[i] - history[i-1]
		driftN++
	}
	if driftN > 0 {
		f.drift = driftSum / float64(driftN)
	}

	// Run the filter over the observed history to settle level and variance.
	for _, z := range history[1:] {
		f.predict()
		f.update(z)
	}

	// Pure prediction through the gap: no measurements arrive.
	out := make([]float64, n)
	for i := range out {
		f.predict()
		out[i] = f.x
	}
	return out
}
