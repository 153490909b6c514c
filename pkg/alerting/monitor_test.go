package alerting

import (
	"testing"
	"time"
)

var obsStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func quality(tag string, expected, unusable int) []TagQuality {
	return []TagQuality{{Tag: tag, Expected: expected, Unusable: unusable}}
}

func TestQualityMonitor_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		unusable  int
		wantLevel Level
		wantAlert bool
	}{
		{"healthy", 0, "", false},
		{"below warning", 1, "", false}, // 10%
		{"at warning", 2, LevelWarning, true},
		{"between", 4, LevelWarning, true},
		{"at critical", 5, LevelCritical, true},
		{"fully unusable", 10, LevelCritical, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewQualityMonitor(0.2, 0.5)
			alerts := m.Observe("bior-7", obsStart, quality("do", 10, tt.unusable))

			if !tt.wantAlert {
				if len(alerts) != 0 {
					t.Fatalf("got %d alerts, want none", len(alerts))
				}
				return
			}

			if len(alerts) != 1 {
				t.Fatalf("got %d alerts, want 1", len(alerts))
			}
			if alerts[0].Level != tt.wantLevel {
				t.Errorf("Level = %s, want %s", alerts[0].Level, tt.wantLevel)
			}
			if alerts[0].Category != CategoryDataQuality {
				t.Errorf("Category = %s, want data_quality", alerts[0].Category)
			}
		})
	}
}

func TestQualityMonitor_EdgeTriggered(t *testing.T) {
	m := NewQualityMonitor(0.2, 0.5)

	// Degrades: one alert.
	if got := m.Observe("bior-7", obsStart, quality("do", 10, 3)); len(got) != 1 {
		t.Fatalf("first window: got %d alerts, want 1", len(got))
	}

	// Stays degraded at the same level: silent.
	for i := 0; i < 5; i++ {
		if got := m.Observe("bior-7", obsStart, quality("do", 10, 3)); len(got) != 0 {
			t.Fatalf("window %d: got %d alerts while level unchanged, want 0", i, len(got))
		}
	}

	// Escalates to critical: one more alert.
	got := m.Observe("bior-7", obsStart, quality("do", 10, 6))
	if len(got) != 1 || got[0].Level != LevelCritical {
		t.Fatalf("escalation: got %v, want one critical alert", got)
	}
}

func TestQualityMonitor_RecoveryRearms(t *testing.T) {
	m := NewQualityMonitor(0.2, 0.5)

	if got := m.Observe("bior-7", obsStart, quality("do", 10, 3)); len(got) != 1 {
		t.Fatalf("degrade: got %d alerts, want 1", len(got))
	}

	// Recovery itself stays silent.
	if got := m.Observe("bior-7", obsStart, quality("do", 10, 0)); len(got) != 0 {
		t.Fatalf("recovery: got %d alerts, want 0", len(got))
	}

	// Degrading again fires again.
	if got := m.Observe("bior-7", obsStart, quality("do", 10, 3)); len(got) != 1 {
		t.Fatalf("re-degrade: got %d alerts, want 1", len(got))
	}
}

func TestQualityMonitor_PerTagMemory(t *testing.T) {
	m := NewQualityMonitor(0.2, 0.5)

	stats := []TagQuality{
		{Tag: "do", Expected: 10, Unusable: 3},
		{Tag: "ph", Expected: 10, Unusable: 0},
	}
	if got := m.Observe("bior-7", obsStart, stats); len(got) != 1 {
		t.Fatalf("got %d alerts, want 1 (only do degraded)", len(got))
	}

	// ph degrades while do stays degraded: only ph fires.
	stats[1].Unusable = 4
	got := m.Observe("bior-7", obsStart, stats)
	if len(got) != 1 || got[0].Metadata["tag"] != "ph" {
		t.Fatalf("got %v, want one alert for ph", got)
	}
}

func TestQualityMonitor_Reset(t *testing.T) {
	m := NewQualityMonitor(0.2, 0.5)

	m.Observe("bior-7", obsStart, quality("do", 10, 3))
	m.Reset()

	// After a reset the same degraded level fires again.
	if got := m.Observe("bior-7", obsStart, quality("do", 10, 3)); len(got) != 1 {
		t.Fatalf("post-reset: got %d alerts, want 1", len(got))
	}
}

func TestTagQuality_UnusableRatio(t *testing.T) {
	q := TagQuality{Expected: 0, Unusable: 5}
	if q.UnusableRatio() != 0 {
		t.Errorf("UnusableRatio() with zero expected = %v, want 0", q.UnusableRatio())
	}

	q = TagQuality{Expected: 8, Unusable: 2}
	if got := q.UnusableRatio(); got != 0.25 {
		t.Errorf("UnusableRatio() = %v, want 0.25", got)
	}
}
