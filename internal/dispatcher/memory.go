package dispatcher

import (
	"context"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"provisioner/pkg/backoff"
	"provisioner/pkg/circuitbreaker"
	"provisioner/pkg/cloudevent"
)

// MemoryDispatcher delivers job webhooks from a bounded in-memory buffer
// with a fixed worker pool. Each callback host has its own breaker; events
// for a host whose breaker is open are parked and re-released once the
// host's cooldown has passed.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *zap.SugaredLogger
	metrics  MetricsRecorder
	now      func() time.Time

	mu     sync.Mutex
	parked map[string]*parkedHost // by callback host

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	skipped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

type parkedHost struct {
	until  time.Time
	events []*Event
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a dispatcher and starts its workers. metrics may be nil.
func NewMemory(cfg MemoryConfig, logger *zap.SugaredLogger, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   logger.Named("dispatcher"),
		metrics:  metrics,
		now:      time.Now,
		parked:   make(map[string]*parkedHost),
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	go d.releaseLoop()

	d.logger.Infow("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "events", cfg.Events)
	return d
}

// Dispatch queues an event without blocking. Event types outside the
// configured set are accepted and skipped.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.wants(event) {
		d.skipped.Add(1)
		d.logger.Debugw("Event type not subscribed", "type", event.Payload.Type, "job_id", event.Payload.Subject)
		return nil
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

func (d *MemoryDispatcher) wants(event *Event) bool {
	return len(d.config.Events) == 0 || slices.Contains(d.config.Events, event.Payload.Type)
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	d.mu.Lock()
	parked := 0
	for _, p := range d.parked {
		parked += len(p.events)
	}
	d.mu.Unlock()

	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Parked:        parked,
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Skipped:       d.skipped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close stops accepting events, delivers what is buffered and drops what
// is still parked behind an open breaker.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Infow("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warnw("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}

	d.mu.Lock()
	stranded := d.parked
	d.parked = make(map[string]*parkedHost)
	d.mu.Unlock()
	for _, p := range stranded {
		for _, event := range p.events {
			d.drop(event, "shutdown while parked")
		}
	}

	d.logger.Infow("Dispatcher shutdown complete",
		"delivered", d.delivered.Load(),
		"failed", d.failed.Load(),
		"dropped", d.dropped.Load(),
	)
	return nil
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

// releaseLoop moves parked events back to the buffer once their host's
// cooldown has passed, and reports the buffer depth.
func (d *MemoryDispatcher) releaseLoop() {
	interval := min(time.Second, d.config.BreakerCooldown)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.release()
			if d.metrics != nil {
				d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
			}
		}
	}
}

func (d *MemoryDispatcher) release() {
	now := d.now()
	var due []*Event

	d.mu.Lock()
	for host, p := range d.parked {
		if now.Before(p.until) {
			continue
		}
		due = append(due, p.events...)
		delete(d.parked, host)
	}
	d.mu.Unlock()

	for _, event := range due {
		select {
		case d.queue <- event:
		default:
			d.drop(event, "buffer full on release")
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.park(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliveryTimeout)
	defer cancel()

	start := d.now()
	attempts, err := d.send(ctx, event)
	if err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warnw("Webhook delivery failed",
			"destination", host,
			"type", event.Payload.Type,
			"job_id", event.Payload.Subject,
			"attempts", attempts,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, d.now().Sub(start).Seconds())
	}
}

// park holds an event until the host's breaker cooldown has passed.
func (d *MemoryDispatcher) park(event *Event, host string) {
	if event.Requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}
	event.Requeues++

	d.mu.Lock()
	p, ok := d.parked[host]
	if !ok {
		p = &parkedHost{until: d.now().Add(d.config.BreakerCooldown)}
		d.parked[host] = p
	}
	p.events = append(p.events, event)
	d.mu.Unlock()

	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}
	d.logger.Debugw("Webhook parked behind open breaker", "destination", host, "job_id", event.Payload.Subject, "requeues", event.Requeues)
}

// send posts the event, retrying server errors with backoff. It returns
// the number of attempts made.
func (d *MemoryDispatcher) send(ctx context.Context, event *Event) (int, error) {
	cfg := &backoff.Config{Initial: d.config.InitialBackoff, Max: d.config.MaxBackoff}

	var err error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if serr := backoff.Sleep(ctx, backoff.Exponential(attempt-1, cfg)); serr != nil {
				return attempt, serr
			}
		}
		err = d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if err == nil || cloudevent.IsClientError(err) {
			return attempt + 1, err
		}
	}
	return d.config.MaxRetries + 1, err
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warnw("Webhook dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
		"job_id", event.Payload.Subject,
	)
}

// extractHost keys breakers by callback host, falling back to the raw URL.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
