package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/fermlab/biopipe/pkg/cleaning"
)

// tagStats emits mean, standard deviation, min, max, and least-squares
// slope for every tag in the window. Slope is per hour and requires at
// least two valid points; standard deviation likewise.
func (e *Engineer) tagStats(win cleaning.CleanedWindow, vec *Vector) {
	tags := make([]string, 0, len(win.Series))
	for tag := range win.Series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		var ts, vals []float64
		for _, p := range win.Series[tag] {
			if p.Valid() {
				ts = append(ts, p.Timestamp.Sub(win.Start).Hours())
				vals = append(vals, p.Value)
			}
		}
		if len(vals) == 0 {
			continue
		}

		set(vec, tag+"_mean", stat.Mean(vals, nil))
		set(vec, tag+"_min", minOf(vals))
		set(vec, tag+"_max", maxOf(vals))

		if len(vals) >= 2 {
			set(vec, tag+"_std", stat.StdDev(vals, nil))

			_, slope := stat.LinearRegression(ts, vals, nil, false)
			set(vec, tag+"_slope", slope)
		}
	}
}

func minOf(vals []float64) float64 {
	m := math.Inf(1)
	for _, v := range vals {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(vals []float64) float64 {
	m := math.Inf(-1)
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
