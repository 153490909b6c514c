package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fermlab/biopipe/cmd/pipeline/metrics"
	"github.com/fermlab/biopipe/cmd/pipeline/router"
	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/features"
	"github.com/fermlab/biopipe/pkg/state"
	"github.com/fermlab/biopipe/pkg/storage"
	"github.com/fermlab/biopipe/pkg/timeseries"
)

// ErrInputUnavailable marks a cycle that produced nothing because the
// window source failed or timed out. The cycle is skipped, not retried;
// the next tick fetches fresh data.
var ErrInputUnavailable = errors.New("input source unavailable")

// Pipeline drives the fetch → clean → compute → publish cycle on a fixed
// cadence and owns the per-batch state.
//
// Cycles are single-flight: a scheduler tick that arrives while a cycle is
// still running is skipped and counted, never queued, so a slow source can
// not build a backlog of stale windows.
type Pipeline struct {
	source    timeseries.Source
	cleaner   *cleaning.Cleaner
	engineer  *features.Engineer
	store     storage.Store
	publisher *alerting.Publisher
	monitor   *alerting.QualityMonitor
	metrics   *metrics.Metrics
	logger    *slog.Logger

	vessel       string
	window       time.Duration
	interval     time.Duration
	samplePeriod time.Duration
	fetchTimeout time.Duration

	// cycleMu serializes cycles and guards st.
	cycleMu sync.Mutex
	st      *state.PipelineState

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup

	// tickWg tracks in-flight cycle and publish goroutines.
	tickWg  sync.WaitGroup
	skipped atomic.Int64

	// statusMu guards the snapshot served by Status and Quality, updated at
	// the end of each cycle so reads never contend with a running cycle.
	statusMu  sync.Mutex
	batch     string
	phase     state.Phase
	cycles    int64
	lastCycle time.Time
	lastErr   string
	quality   cleaning.QualityReport
}

// PipelineOptions collects the dependencies and cadence of a Pipeline.
type PipelineOptions struct {
	Source    timeseries.Source
	Cleaner   *cleaning.Cleaner
	Engineer  *features.Engineer
	Store     storage.Store
	Publisher *alerting.Publisher
	Monitor   *alerting.QualityMonitor
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	Vessel       string
	Batch        string
	Window       time.Duration
	Interval     time.Duration
	SamplePeriod time.Duration
	FetchTimeout time.Duration
}

// NewPipeline creates a stopped pipeline with fresh state.
func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		source:       opts.Source,
		cleaner:      opts.Cleaner,
		engineer:     opts.Engineer,
		store:        opts.Store,
		publisher:    opts.Publisher,
		monitor:      opts.Monitor,
		metrics:      opts.Metrics,
		logger:       logger,
		vessel:       opts.Vessel,
		window:       opts.Window,
		interval:     opts.Interval,
		samplePeriod: opts.SamplePeriod,
		fetchTimeout: opts.FetchTimeout,
		st:           state.New(opts.Vessel, opts.Batch),
		batch:        opts.Batch,
		quality:      cleaning.NewQualityReport(),
	}
}

// Start launches the processing loop. Returns router.ErrAlreadyRunning if
// the loop is active.
func (p *Pipeline) Start() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		return router.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.loopWg.Add(1)
	go p.run(ctx)

	p.logger.Info("pipeline started",
		"vessel", p.vessel,
		"interval", p.interval,
		"window", p.window,
	)
	return nil
}

// Stop halts the loop. An in-flight cycle finishes; no new cycle starts.
func (p *Pipeline) Stop() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.running {
		return router.ErrNotRunning
	}

	p.cancel()
	p.loopWg.Wait()
	p.tickWg.Wait()
	p.running = false

	p.logger.Info("pipeline stopped", "vessel", p.vessel)
	return nil
}

// Reset clears the per-batch state for a new batch. Rejected while a cycle
// is in flight; the caller retries after the cycle completes.
func (p *Pipeline) Reset(batch string) error {
	if !p.cycleMu.TryLock() {
		return router.ErrCycleInFlight
	}
	defer p.cycleMu.Unlock()

	p.st.Reset(batch)
	p.monitor.Reset()
	p.metrics.SetPhase(int(state.PhaseLag))

	p.statusMu.Lock()
	p.batch = batch
	p.phase = state.PhaseLag
	p.cycles = 0
	p.lastErr = ""
	p.quality = cleaning.NewQualityReport()
	p.statusMu.Unlock()

	return nil
}

// ProcessOnce runs a single synchronous cycle, waiting for any in-flight
// cycle first, and returns the computed vector.
func (p *Pipeline) ProcessOnce(ctx context.Context) (features.Vector, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	return p.runCycle(ctx)
}

// Status returns the externally visible pipeline state.
func (p *Pipeline) Status() router.Status {
	p.runMu.Lock()
	running := p.running
	p.runMu.Unlock()

	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	s := router.Status{
		State:        "stopped",
		Vessel:       p.vessel,
		Batch:        p.batch,
		Phase:        p.phase.String(),
		Cycles:       p.cycles,
		SkippedTicks: p.skipped.Load(),
		LastCycle:    p.lastCycle,
		LastError:    p.lastErr,
	}
	if running {
		s.State = "running"
	}
	return s
}

// Quality returns the cumulative per-tag cleaning counters since start or
// the last reset.
func (p *Pipeline) Quality() cleaning.QualityReport {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	snap := cleaning.NewQualityReport()
	for tag, c := range p.quality.Tags {
		snap.Tags[tag] = c
	}
	return snap
}

// SkippedTicks returns the number of scheduler ticks skipped because a
// cycle was still running.
func (p *Pipeline) SkippedTicks() int64 {
	return p.skipped.Load()
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.loopWg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick attempts one cycle without waiting. A tick that finds the previous
// cycle still running is skipped and counted.
func (p *Pipeline) tick() {
	if !p.cycleMu.TryLock() {
		p.skipped.Add(1)
		p.metrics.IncSkippedTick()
		p.logger.Warn("cycle still in flight, skipping tick",
			"vessel", p.vessel,
			"skipped_total", p.skipped.Load(),
		)
		return
	}

	p.tickWg.Add(1)
	go func() {
		defer p.tickWg.Done()
		defer p.cycleMu.Unlock()

		if _, err := p.runCycle(context.Background()); err != nil {
			p.logger.Error("processing cycle failed", "vessel", p.vessel, "error", err)
		}
	}()
}

// runCycle executes one fetch → clean → compute → publish pass. The caller
// must hold cycleMu.
func (p *Pipeline) runCycle(ctx context.Context) (features.Vector, error) {
	windowEnd := timeseries.AlignTimestamp(time.Now().UTC(), p.samplePeriod)
	windowStart := windowEnd.Add(-p.window)

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	fetchStart := time.Now()
	win, err := p.source.FetchWindow(fetchCtx, p.vessel, windowStart, windowEnd, p.cleaner.Tags())
	p.metrics.ObserveFetch(time.Since(fetchStart).Seconds())
	if err != nil {
		p.metrics.IncError("fetch")
		wrapped := fmt.Errorf("%w: %v", ErrInputUnavailable, err)
		p.setLastError(wrapped)
		return features.Vector{}, wrapped
	}

	// Sources return vessel-scoped data; the batch context is ours.
	win.BatchID = p.st.BatchID

	cleanStart := time.Now()
	cleaned, delta, cleanAlerts := p.cleaner.Clean(win)
	p.metrics.ObserveClean(time.Since(cleanStart).Seconds())

	p.st.Quality.Merge(delta)
	p.recordCleaningMetrics(delta)

	slots := int(p.window / p.samplePeriod)
	qualityAlerts := p.monitor.Observe(p.vessel, windowStart, tagQualities(delta, slots))

	computeStart := time.Now()
	vec, featAlerts := p.engineer.Compute(cleaned, p.st)
	p.metrics.ObserveCompute(time.Since(computeStart).Seconds())

	p.dispatchAlerts(cleanAlerts, qualityAlerts, featAlerts)

	p.publishRecord(storage.FromVector(p.vessel, windowEnd, vec))

	p.metrics.SetPhase(int(p.st.Phase))
	p.metrics.IncCycles(float64(time.Now().Unix()))

	p.snapshotStatus()

	p.logger.Debug("cycle complete",
		"vessel", p.vessel,
		"sequence", vec.Sequence,
		"features", len(vec.Values),
		"phase", p.st.Phase.String(),
	)

	return vec, nil
}

// publishRecord hands the record to the store asynchronously so a slow
// backend cannot stall the cadence.
func (p *Pipeline) publishRecord(record storage.Record) {
	p.tickWg.Add(1)
	go func() {
		defer p.tickWg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		err := p.store.Put(ctx, record)
		p.metrics.ObservePublish(time.Since(start).Seconds())
		if err != nil {
			p.metrics.IncError("publish")
			p.logger.Error("failed to publish feature record",
				"vessel", record.VesselID,
				"sequence", record.Sequence,
				"error", err,
			)
		}
	}()
}

func (p *Pipeline) dispatchAlerts(batches ...[]alerting.Alert) {
	for _, alerts := range batches {
		for _, a := range alerts {
			p.metrics.IncAlert(string(a.Level), string(a.Category))
			p.publisher.Publish(a)
		}
	}
}

func (p *Pipeline) recordCleaningMetrics(delta cleaning.QualityDelta) {
	for tag, c := range delta {
		p.metrics.AddCleaningAction(tag, "missing", c.Missing)
		p.metrics.AddCleaningAction(tag, "interpolated", c.Interpolated)
		p.metrics.AddCleaningAction(tag, "kalman_filtered", c.KalmanFiltered)
		p.metrics.AddCleaningAction(tag, "outlier", c.Outlier)
		p.metrics.AddCleaningAction(tag, "invalid", c.Invalid)
	}
}

// snapshotStatus copies the fields Status and Quality serve, so reads never
// touch st while a cycle may be mutating it.
func (p *Pipeline) snapshotStatus() {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	p.batch = p.st.BatchID
	p.phase = p.st.Phase
	p.cycles = p.st.Cycle
	p.lastCycle = time.Now().UTC()
	p.lastErr = ""

	p.quality = cleaning.NewQualityReport()
	for tag, c := range p.st.Quality.Tags {
		p.quality.Tags[tag] = c
	}
}

func (p *Pipeline) setLastError(err error) {
	p.statusMu.Lock()
	p.lastErr = err.Error()
	p.statusMu.Unlock()
}

// tagQualities converts a cleaning delta into the monitor's per-tag window
// summaries. Unusable is what stayed unusable after repair: the initially
// missing and bounds-invalid points minus the repaired ones.
func tagQualities(delta cleaning.QualityDelta, expected int) []alerting.TagQuality {
	out := make([]alerting.TagQuality, 0, len(delta))
	for tag, c := range delta {
		repaired := c.Interpolated + c.KalmanFiltered
		unusable := c.Missing + c.Invalid - repaired
		if unusable < 0 {
			unusable = 0
		}
		out = append(out, alerting.TagQuality{
			Tag:      tag,
			Expected: expected,
			Unusable: unusable,
			Repaired: repaired + c.Outlier,
		})
	}
	return out
}
