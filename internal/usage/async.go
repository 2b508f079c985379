package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Async queues events for a sink and publishes them on background workers.
// Record never blocks: when the queue is full the event is dropped.
type Async struct {
	sink    Sink
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	pool   *pool.Pool

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewAsync starts workers draining a queue of queueSize events.
func NewAsync(sink Sink, queueSize, workers int, logger zerolog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	a := &Async{
		sink:    sink,
		logger:  logger.With().Str("component", "usage").Logger(),
		timeout: 5 * time.Second,
		queue:   make(chan Event, queueSize),
		pool:    pool.New().WithMaxGoroutines(workers),
	}
	for i := 0; i < workers; i++ {
		a.pool.Go(a.work)
	}
	return a
}

func (a *Async) work() {
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.sink.Publish(ctx, e)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Warn().Err(err).Str("relay_id", e.RelayID).Msg("usage publish failed")
			continue
		}
		a.published.Add(1)
	}
}

func (a *Async) Record(ctx context.Context, e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
		a.logger.Warn().Str("relay_id", e.RelayID).Msg("usage queue full, event dropped")
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.pool.Wait()
	return nil
}

// Stats reports published, dropped and failed counts.
func (a *Async) Stats() (published, dropped, failed int64) {
	return a.published.Load(), a.dropped.Load(), a.failed.Load()
}
