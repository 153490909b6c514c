package features

import (
	"fmt"
	"math"
	"strings"

	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/cleaning"
)

// thermal emits the temperature diagnostics: the broth/exhaust gradient,
// the worst pairwise disagreement among redundant broth probes, and the
// motor-thermal warning flag.
func (e *Engineer) thermal(win cleaning.CleanedWindow, vec *Vector) []alerting.Alert {
	var alerts []alerting.Alert

	broth, okBroth := windowMean(win, TagTempBroth)
	exhaust, okExhaust := windowMean(win, TagTempExhaust)
	if okBroth && okExhaust {
		set(vec, "temp_gradient", broth-exhaust)
	}

	if spread, ok := probeSpread(win, TagTempBroth); ok {
		set(vec, "temp_probe_spread", spread)
	}

	if motor, ok := windowMean(win, TagTempMotor); ok {
		flag := 0.0
		if motor > e.cfg.MotorTempMax {
			flag = 1.0
			alerts = append(alerts, alerting.New(alerting.LevelWarning, alerting.CategoryEquipmentWarning,
				win.VesselID,
				fmt.Sprintf("motor temperature %.1f°C above limit %.1f°C", motor, e.cfg.MotorTempMax),
				map[string]string{"tag": TagTempMotor}))
		}
		set(vec, "motor_overtemp", flag)
	}

	return alerts
}

// probeSpread returns the maximum pairwise deviation among the window means
// of all probes sharing the given tag prefix (temp_broth, temp_broth_2, …).
// Requires at least two probes with valid data.
func probeSpread(win cleaning.CleanedWindow, prefix string) (float64, bool) {
	var means []float64
	for tag := range win.Series {
		if !strings.HasPrefix(tag, prefix) {
			continue
		}
		if m, ok := windowMean(win, tag); ok {
			means = append(means, m)
		}
	}
	if len(means) < 2 {
		return 0, false
	}

	spread := 0.0
	for i := 0; i < len(means); i++ {
		for j := i + 1; j < len(means); j++ {
			if d := math.Abs(means[i] - means[j]); d > spread {
				spread = d
			}
		}
	}
	return spread, true
}

// pressure emits the deviation from the atmospheric reference and the
// anomaly flag that signals foam buildup or a blocked flow path.
func (e *Engineer) pressure(win cleaning.CleanedWindow, vec *Vector) []alerting.Alert {
	p, ok := windowMean(win, TagPressure)
	if !ok {
		return nil
	}

	dev := p - e.cfg.PressureRef
	set(vec, "pressure_deviation", dev)

	flag := 0.0
	var alerts []alerting.Alert
	if math.Abs(dev) > e.cfg.PressureAnomalyMax {
		flag = 1.0
		alerts = append(alerts, alerting.New(alerting.LevelWarning, alerting.CategoryProcessAnomaly,
			win.VesselID,
			fmt.Sprintf("reactor pressure deviates %.3f bar from reference", dev),
			map[string]string{"tag": TagPressure}))
	}
	set(vec, "pressure_anomaly", flag)

	return alerts
}
