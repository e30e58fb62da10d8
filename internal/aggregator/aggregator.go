// ABOUTME: Aggregator core coordinating publish gate, work queue, and worker pool
// ABOUTME: Guarantees exactly-once processing accounting via the durable store

package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/event-aggregator/internal/dedupe"
	"github.com/2389/event-aggregator/internal/store"
)

// ErrStopped is returned by Publish once shutdown has begun.
// Events already queued before shutdown are still drained and processed.
var ErrStopped = errors.New("aggregator is stopped")

const (
	// DefaultWorkers is the number of concurrent dedup workers.
	DefaultWorkers = 5

	// DefaultQueueSize bounds the in-memory hand-off queue.
	DefaultQueueSize = 1024
)

// Config holds tunables for the aggregator core.
type Config struct {
	// Workers is the number of concurrent consumers. Defaults to DefaultWorkers.
	Workers int

	// QueueSize is the capacity of the hand-off queue. Defaults to DefaultQueueSize.
	QueueSize int
}

// Aggregator ingests at-least-once event streams and guarantees each
// logically distinct identity is processed exactly once. The publish
// gate performs an optimistic duplicate check; workers make the
// authoritative decision through the store's InsertIfAbsent.
type Aggregator struct {
	store  store.Store
	cache  *dedupe.Cache
	queue  chan Event
	logger *slog.Logger

	workers int

	received         atomic.Int64
	uniqueProcessed  atomic.Int64
	duplicateDropped atomic.Int64
	startTime        time.Time

	// lifecycle guards the queue channel: Publish holds the read side
	// while enqueueing so Stop cannot close the channel under an
	// in-flight send.
	lifecycle sync.RWMutex
	started   bool
	stopped   bool

	wg sync.WaitGroup
}

// New creates an aggregator over the given store and dedupe cache.
// The aggregator does not take ownership of the store; the caller
// closes it after Stop returns.
func New(st store.Store, cache *dedupe.Cache, cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{
		store:   st,
		cache:   cache,
		queue:   make(chan Event, cfg.QueueSize),
		workers: cfg.Workers,
		logger:  logger.With("component", "aggregator"),
	}
}

// Start launches the worker pool. Calling Start on a running or stopped
// aggregator is a no-op.
func (a *Aggregator) Start() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.started || a.stopped {
		return
	}
	a.started = true
	a.startTime = time.Now()

	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.consume(i)
	}

	a.logger.Info("aggregator started", "workers", a.workers, "queue_size", cap(a.queue))
}

// Stop fences out new publishes, drains the queue through the workers,
// and waits for every worker to finish its in-flight decision. It is
// safe to call multiple times.
func (a *Aggregator) Stop() {
	a.lifecycle.Lock()
	if a.stopped {
		a.lifecycle.Unlock()
		return
	}
	a.stopped = true
	close(a.queue)
	a.lifecycle.Unlock()

	a.wg.Wait()
	if a.cache != nil {
		a.cache.Close()
	}
	a.logger.Info("aggregator stopped",
		"received", a.received.Load(),
		"unique_processed", a.uniqueProcessed.Load(),
		"duplicate_dropped", a.duplicateDropped.Load(),
	)
}

// Publish runs each event through the optimistic gate: known duplicates
// are counted and discarded silently, everything else is enqueued for
// the authoritative worker decision. The existence check here may be
// stale; two concurrent publishes of the same new identity can both be
// accepted, and the race is settled by InsertIfAbsent in the workers.
//
// A store failure mid-batch is returned to the caller; events already
// enqueued remain queued and will still be processed.
func (a *Aggregator) Publish(ctx context.Context, events []Event) (*PublishResult, error) {
	a.lifecycle.RLock()
	defer a.lifecycle.RUnlock()

	if a.stopped {
		return nil, ErrStopped
	}

	result := &PublishResult{}
	for _, event := range events {
		a.received.Add(1)

		dup, err := a.isKnownDuplicate(ctx, event)
		if err != nil {
			return result, fmt.Errorf("checking duplicate for %s/%s: %w", event.Topic, event.EventID, err)
		}
		if dup {
			result.DuplicatesImmediate++
			result.Rejected++
			a.duplicateDropped.Add(1)
			a.logger.Debug("duplicate rejected at gate", "topic", event.Topic, "event_id", event.EventID)
			continue
		}

		a.queue <- event
		result.Accepted++
	}

	return result, nil
}

// isKnownDuplicate consults the in-memory cache before the store. Cache
// entries are only created after a store decision, so a hit never
// contradicts the durable record.
func (a *Aggregator) isKnownDuplicate(ctx context.Context, event Event) (bool, error) {
	if a.cache != nil && a.cache.Seen(dedupe.Key(event.Topic, event.EventID)) {
		return true, nil
	}
	return a.store.Exists(ctx, event.Topic, event.EventID)
}

// consume is the worker loop. Ranging over the queue gives a blocking
// dequeue that observes shutdown as soon as the channel is closed and
// drained, with no polling interval.
func (a *Aggregator) consume(workerID int) {
	defer a.wg.Done()

	a.logger.Debug("worker started", "worker_id", workerID)
	for event := range a.queue {
		a.process(workerID, event)
	}
	a.logger.Debug("worker stopped", "worker_id", workerID)
}

// process makes the authoritative dedup decision for one event. Store
// failures are logged and the worker moves on; the event is not marked
// processed. Drain continues past the shutdown signal, so store calls
// use a background context rather than a cancellable one.
func (a *Aggregator) process(workerID int, event Event) {
	created, err := a.store.InsertIfAbsent(context.Background(), event.Topic, event.EventID, event.Timestamp)
	if err != nil {
		a.logger.Error("dedup decision failed",
			"worker_id", workerID,
			"topic", event.Topic,
			"event_id", event.EventID,
			"error", err,
		)
		return
	}

	if a.cache != nil {
		a.cache.Mark(dedupe.Key(event.Topic, event.EventID))
	}

	if created {
		a.uniqueProcessed.Add(1)
		a.logger.Debug("processed new event", "topic", event.Topic, "event_id", event.EventID)
		return
	}

	// The gate's optimistic check missed this one: either two publishes
	// of the same new identity raced past it, or upstream redelivered.
	a.duplicateDropped.Add(1)
	a.logger.Debug("dropped queued duplicate", "topic", event.Topic, "event_id", event.EventID)
}

// Running reports whether the worker pool has started and not yet stopped.
func (a *Aggregator) Running() bool {
	a.lifecycle.RLock()
	defer a.lifecycle.RUnlock()
	return a.started && !a.stopped
}

// Counters returns the process-local counters without touching the store.
func (a *Aggregator) Counters() (received, uniqueProcessed, duplicateDropped int64) {
	return a.received.Load(), a.uniqueProcessed.Load(), a.duplicateDropped.Load()
}

// Stats returns a snapshot combining the process-local counters with
// the store's aggregate view.
func (a *Aggregator) Stats(ctx context.Context) (*StatsSnapshot, error) {
	storeStats, err := a.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregating store stats: %w", err)
	}

	var uptime float64
	if !a.startTime.IsZero() {
		uptime = time.Since(a.startTime).Seconds()
	}

	return &StatsSnapshot{
		Received:         a.received.Load(),
		UniqueProcessed:  a.uniqueProcessed.Load(),
		DuplicateDropped: a.duplicateDropped.Load(),
		Topics:           storeStats.Topics,
		UptimeSeconds:    uptime,
	}, nil
}

// Events returns processed records for the given topic, newest first.
// An empty topic returns records for all topics.
func (a *Aggregator) Events(ctx context.Context, topic string) ([]store.ProcessedEvent, error) {
	return a.store.EventsByTopic(ctx, topic)
}
