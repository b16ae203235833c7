package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"matrixci/pkg/backoff"
	"matrixci/pkg/circuitbreaker"
	"matrixci/pkg/cloudevent"
)

// MemoryNotifier is an in-memory async status notifier.
// Events are queued in a bounded channel and delivered by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
type MemoryNotifier struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	// Internal counters (for Stats())
	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordEventQueued(ctx context.Context)
	RecordEventDelivered(ctx context.Context)
	RecordEventFailed(ctx context.Context)
	RecordEventDropped(ctx context.Context)
	RecordEventRequeued(ctx context.Context)
}

// NewMemory creates a new in-memory notifier.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryNotifier {
	cfg = cfg.withDefaults()

	n := &MemoryNotifier{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "notifier"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	// Start workers
	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// Notify queues an event for async delivery.
func (n *MemoryNotifier) Notify(event *Event) error {
	if n.closed.Load() {
		return fmt.Errorf("notifier is closed")
	}

	select {
	case n.queue <- event:
		n.queued.Add(1)
		if n.metrics != nil {
			n.metrics.RecordEventQueued(context.Background())
		}
		return nil
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordEventDropped(context.Background())
		}
		n.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(event.Destination),
			"type", event.Payload.Type,
		)
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *MemoryNotifier) Stats() Stats {
	breakerStats := n.breakers.Stats()
	return Stats{
		QueueDepth:    len(n.queue),
		Queued:        n.queued.Load(),
		Delivered:     n.delivered.Load(),
		Failed:        n.failed.Load(),
		Dropped:       n.dropped.Load(),
		Requeued:      n.requeued.Load(),
		RetriesTotal:  n.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down the notifier.
func (n *MemoryNotifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil // already closed
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))

	// Signal workers to stop
	close(n.shutdown)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

// worker processes events from the queue.
func (n *MemoryNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			// Drain remaining events before exiting
			n.drainQueue()
			return
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

// drainQueue delivers remaining events after shutdown signal.
func (n *MemoryNotifier) drainQueue() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return // queue empty
		}
	}
}

// deliver attempts to deliver an event with retry and circuit breaker.
func (n *MemoryNotifier) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := n.breakers.Get(host)

	if !breaker.Allow() {
		n.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := n.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordEventFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordEventDelivered(ctx)
	}
}

// requeue puts an event back in the queue after a delay when circuit is open.
func (n *MemoryNotifier) requeue(event *Event, host string) {
	if event.Requeues >= defaultMaxRequeues {
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordEventDropped(context.Background())
		}
		n.logger.Warn("Event dropped, max requeues reached",
			"destination", host,
			"type", event.Payload.Type,
			"requeues", event.Requeues,
		)
		return
	}

	event.Requeues++
	requeues := event.Requeues // capture for goroutine
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordEventRequeued(context.Background())
	}

	// Requeue after cooldown period so circuit has time to recover
	go func() {
		select {
		case <-n.shutdown:
			return
		case <-time.After(defaultBreakerCooldown):
		}

		select {
		case n.queue <- event:
			n.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", requeues)
		case <-n.shutdown:
		default:
			// Buffer full, drop
			n.dropped.Add(1)
			if n.metrics != nil {
				n.metrics.RecordEventDropped(context.Background())
			}
			n.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", event.Payload.Type)
		}
	}()
}

func (n *MemoryNotifier) sendWithRetry(ctx context.Context, event *Event) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			n.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = n.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

// Verify MemoryNotifier implements Notifier
var _ Notifier = (*MemoryNotifier)(nil)
