package cleaning

// Counters tracks how many points of a tag's series were affected by each
// cleaning action. Missing counts grid slots with no sample at all; Invalid
// counts bounds violations and points left unusable after gap handling.
type Counters struct {
	Missing        int `json:"missing"`
	Interpolated   int `json:"interpolated"`
	KalmanFiltered int `json:"kalman_filtered"`
	Outlier        int `json:"outlier"`
	Invalid        int `json:"invalid"`
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.Missing += other.Missing
	c.Interpolated += other.Interpolated
	c.KalmanFiltered += other.KalmanFiltered
	c.Outlier += other.Outlier
	c.Invalid += other.Invalid
}

// QualityDelta holds per-tag counters for a single cleaned window.
type QualityDelta map[string]Counters

// QualityReport holds cumulative per-tag counters since pipeline start or
// the last reset. Counts are monotonically non-decreasing until Reset.
type QualityReport struct {
	Tags map[string]Counters `json:"tags"`
}

// NewQualityReport returns an empty report.
func NewQualityReport() QualityReport {
	return QualityReport{Tags: make(map[string]Counters)}
}

// Merge folds a window's delta into the cumulative report.
func (r *QualityReport) Merge(delta QualityDelta) {
	if r.Tags == nil {
		r.Tags = make(map[string]Counters)
	}
	for tag, c := range delta {
		cum := r.Tags[tag]
		cum.Add(c)
		r.Tags[tag] = cum
	}
}

// Reset clears all counters.
func (r *QualityReport) Reset() {
	r.Tags = make(map[string]Counters)
}

// Totals sums the counters across all tags.
func (r QualityReport) Totals() Counters {
	var total Counters
	for _, c := range r.Tags {
		total.Add(c)
	}
	return total
}
