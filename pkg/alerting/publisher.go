package alerting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Publisher dispatches alerts to a sink asynchronously. Enqueueing never
// blocks the caller: alerts go into a bounded buffer and a background
// worker delivers them with bounded exponential backoff. When the buffer is
// full the oldest behaviour is to drop the new alert and count it, so a
// slow or unavailable sink can never stall the processing cadence.
type Publisher struct {
	sink    Sink
	logger  *slog.Logger
	queue   chan Alert
	dropped atomic.Int64

	maxElapsed time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewPublisher creates a publisher with the given buffer size and starts its
// delivery worker. maxElapsed bounds the total retry time per alert; zero
// uses a 30 second default.
func NewPublisher(sink Sink, buffer int, maxElapsed time.Duration, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{
		sink:       sink,
		logger:     logger,
		queue:      make(chan Alert, buffer),
		maxElapsed: maxElapsed,
		stop:       make(chan struct{}),
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// Publish enqueues an alert for delivery. Returns false if the buffer was
// full and the alert was dropped.
func (p *Publisher) Publish(alert Alert) bool {
	select {
	case p.queue <- alert:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("alert buffer full, dropping alert",
			"category", string(alert.Category),
			"vessel", alert.Vessel,
		)
		return false
	}
}

// PublishAll enqueues a batch of alerts.
func (p *Publisher) PublishAll(alerts []Alert) {
	for _, a := range alerts {
		p.Publish(a)
	}
}

// Dropped returns the number of alerts dropped due to a full buffer.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops the worker after the queue drains. Pending alerts still get
// one delivery attempt each, without retries, so shutdown stays bounded.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
	})
}

func (p *Publisher) run() {
	defer p.wg.Done()

	for {
		select {
		case alert := <-p.queue:
			p.deliver(alert)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case alert := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.sink.Deliver(ctx, alert); err != nil {
				p.logger.Warn("alert delivery failed during shutdown", "error", err)
			}
			cancel()
		default:
			return
		}
	}
}

func (p *Publisher) deliver(alert Alert) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = p.maxElapsed

	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.sink.Deliver(ctx, alert)
	}

	if err := backoff.Retry(op, bo); err != nil {
		p.logger.Error("alert delivery failed after retries",
			"sink", p.sink.Name(),
			"category", string(alert.Category),
			"vessel", alert.Vessel,
			"error", err,
		)
	}
}
