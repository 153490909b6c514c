package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fermlab/biopipe/cmd/pipeline/metrics"
	"github.com/fermlab/biopipe/cmd/pipeline/router"
	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/features"
	"github.com/fermlab/biopipe/pkg/storage"
	"github.com/fermlab/biopipe/pkg/timeseries"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// steadyWindow builds a raw window with dense constant-valued samples
// around the present, so whatever interval the pipeline requests is fully
// covered.
func steadyWindow(values map[string]float64) timeseries.Window {
	now := time.Now().UTC()
	series := make(map[string][]timeseries.Sample, len(values))
	for tag, v := range values {
		for off := -120; off <= 30; off++ {
			series[tag] = append(series[tag], timeseries.Sample{
				Tag:       tag,
				Timestamp: now.Add(time.Duration(off) * time.Second),
				Value:     v,
			})
		}
	}
	return timeseries.Window{Series: series}
}

// blockingSource parks FetchWindow until released, to hold a cycle open.
type blockingSource struct {
	gate  chan struct{}
	inner timeseries.Source
}

func (b *blockingSource) Name() string { return "blocking" }

func (b *blockingSource) FetchWindow(ctx context.Context, vessel string, start, end time.Time, tags []string) (timeseries.Window, error) {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return timeseries.Window{}, ctx.Err()
	}
	if b.inner != nil {
		return b.inner.FetchWindow(ctx, vessel, start, end, tags)
	}
	return timeseries.Window{}, timeseries.ErrNoWindow
}

func newTestPipeline(t *testing.T, source timeseries.Source, store storage.Store) *Pipeline {
	t.Helper()

	sensors := cleaning.SensorTable{
		"ph": {Min: 0, Max: 14},
		"do": {Min: 0, Max: 150},
	}
	log := discardLogger()
	publisher := alerting.NewPublisher(alerting.NewLogSink(log), 16, time.Second, log)
	t.Cleanup(publisher.Close)

	return NewPipeline(PipelineOptions{
		Source:       source,
		Cleaner:      cleaning.NewCleaner(sensors, cleaning.Config{}, log),
		Engineer:     features.NewEngineer(features.Config{}, log),
		Store:        store,
		Publisher:    publisher,
		Monitor:      alerting.NewQualityMonitor(0.2, 0.5),
		Metrics:      metrics.New(t.Name()),
		Logger:       log,
		Vessel:       "bior-7",
		Batch:        "batch-42",
		Window:       30 * time.Second,
		Interval:     50 * time.Millisecond,
		SamplePeriod: 5 * time.Second,
		FetchTimeout: time.Second,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestProcessOnce(t *testing.T) {
	src := timeseries.NewStaticSource(steadyWindow(map[string]float64{"ph": 7.0, "do": 42.0}))
	store := storage.NewMemoryStore(0)
	p := newTestPipeline(t, src, store)

	vec, err := p.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if vec.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", vec.Sequence)
	}
	if vec.BatchID != "batch-42" {
		t.Errorf("BatchID = %q, want batch-42", vec.BatchID)
	}
	if _, ok := vec.Get("ph_mean"); !ok {
		t.Error("vector missing ph_mean")
	}

	status := p.Status()
	if status.Cycles != 1 {
		t.Errorf("Status().Cycles = %d, want 1", status.Cycles)
	}
	if status.State != "stopped" {
		t.Errorf("Status().State = %q, want stopped", status.State)
	}

	// Publishing is asynchronous.
	waitFor(t, 2*time.Second, func() bool {
		_, found, _ := store.GetLatest(context.Background(), "bior-7")
		return found
	})

	rec, _, _ := store.GetLatest(context.Background(), "bior-7")
	if rec.Sequence != 1 || rec.BatchID != "batch-42" {
		t.Errorf("stored record = %+v, want sequence 1 batch-42", rec)
	}
}

func TestProcessOnce_InputUnavailable(t *testing.T) {
	src := timeseries.NewStaticSource() // nothing queued
	p := newTestPipeline(t, src, storage.NewMemoryStore(0))

	_, err := p.ProcessOnce(context.Background())
	if !errors.Is(err, ErrInputUnavailable) {
		t.Fatalf("error = %v, want ErrInputUnavailable", err)
	}

	status := p.Status()
	if status.Cycles != 0 {
		t.Errorf("Cycles = %d after failed fetch, want 0", status.Cycles)
	}
	if status.LastError == "" {
		t.Error("LastError should record the fetch failure")
	}
}

func TestProcessOnce_QualityAccumulates(t *testing.T) {
	// Two windows where "do" is entirely absent: its unusable counters must
	// accumulate across cycles.
	src := timeseries.NewStaticSource(
		steadyWindow(map[string]float64{"ph": 7.0}),
		steadyWindow(map[string]float64{"ph": 7.0}),
	)
	p := newTestPipeline(t, src, storage.NewMemoryStore(0))

	for i := 0; i < 2; i++ {
		if _, err := p.ProcessOnce(context.Background()); err != nil {
			t.Fatalf("ProcessOnce() #%d error = %v", i, err)
		}
	}

	report := p.Quality()
	if report.Tags["do"].Missing != 12 {
		t.Errorf("Quality().Tags[do].Missing = %d, want 12 (6 slots × 2 windows)", report.Tags["do"].Missing)
	}
}

func TestReset(t *testing.T) {
	src := timeseries.NewStaticSource(steadyWindow(map[string]float64{"ph": 7.0, "do": 42.0}))
	p := newTestPipeline(t, src, storage.NewMemoryStore(0))

	if _, err := p.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if err := p.Reset("batch-43"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	status := p.Status()
	if status.Batch != "batch-43" {
		t.Errorf("Batch = %q, want batch-43", status.Batch)
	}
	if status.Cycles != 0 {
		t.Errorf("Cycles = %d after reset, want 0", status.Cycles)
	}
	if status.Phase != "lag" {
		t.Errorf("Phase = %q after reset, want lag", status.Phase)
	}
	if len(p.Quality().Tags) != 0 {
		t.Error("quality counters must be cleared by reset")
	}
}

func TestReset_RejectedMidCycle(t *testing.T) {
	src := &blockingSource{gate: make(chan struct{})}
	p := newTestPipeline(t, src, storage.NewMemoryStore(0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.ProcessOnce(context.Background())
	}()

	// Wait until the cycle is holding the lock inside the blocked fetch.
	waitFor(t, time.Second, func() bool {
		return p.Reset("batch-43") == router.ErrCycleInFlight
	})

	close(src.gate)
	<-done

	// Once the cycle finished, reset succeeds.
	if err := p.Reset("batch-43"); err != nil {
		t.Fatalf("Reset() after cycle = %v, want nil", err)
	}
}

func TestStartStop(t *testing.T) {
	src := timeseries.NewStaticSource()
	p := newTestPipeline(t, src, storage.NewMemoryStore(0))

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(); !errors.Is(err, router.ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	if got := p.Status().State; got != "running" {
		t.Errorf("State = %q, want running", got)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(); !errors.Is(err, router.ErrNotRunning) {
		t.Errorf("second Stop() = %v, want ErrNotRunning", err)
	}
}

func TestRun_ProcessesOnCadence(t *testing.T) {
	src := timeseries.NewStaticSource()
	for i := 0; i < 10; i++ {
		src.Push(steadyWindow(map[string]float64{"ph": 7.0, "do": 42.0}))
	}
	store := storage.NewMemoryStore(0)
	p := newTestPipeline(t, src, store)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return p.Status().Cycles >= 3
	})

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	_, found, _ := store.GetLatest(context.Background(), "bior-7")
	if !found {
		t.Error("no record published after several cycles")
	}
}

func TestRun_SkipsTicksWhileCycleInFlight(t *testing.T) {
	// The source holds every fetch open long enough for several ticks to
	// arrive. Those ticks must be skipped and counted, never queued.
	src := &slowSource{delay: 200 * time.Millisecond}
	p := newTestPipeline(t, src, storage.NewMemoryStore(0))

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return p.SkippedTicks() >= 2
	})

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := p.Status().SkippedTicks; got < 2 {
		t.Errorf("SkippedTicks = %d, want >= 2", got)
	}
}

// slowSource delays every fetch, then reports no data.
type slowSource struct {
	delay time.Duration
}

func (s *slowSource) Name() string { return "slow" }

func (s *slowSource) FetchWindow(ctx context.Context, vessel string, start, end time.Time, tags []string) (timeseries.Window, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return timeseries.Window{}, ctx.Err()
	}
	return timeseries.Window{}, timeseries.ErrNoWindow
}
