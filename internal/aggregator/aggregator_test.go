// ABOUTME: Tests for the aggregator core's exactly-once processing accounting
// ABOUTME: Covers idempotency, counter conservation, concurrency, and shutdown

package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/event-aggregator/internal/dedupe"
	"github.com/2389/event-aggregator/internal/store"
)

func newTestAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache := dedupe.New(5*time.Minute, 10_000)
	agg := New(st, cache, cfg, slog.Default())
	t.Cleanup(agg.Stop)
	return agg
}

func testEvent(topic, id, ts string) Event {
	return Event{
		Topic:     topic,
		EventID:   id,
		Timestamp: ts,
		Source:    "test",
	}
}

func TestPublish_SingleEvent(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()
	ctx := context.Background()

	result, err := agg.Publish(ctx, []Event{testEvent("user.created", "evt_001", "2025-10-18T10:00:00Z")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 0, result.Rejected)

	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.UniqueProcessed)
	assert.Equal(t, int64(0), stats.DuplicateDropped)
}

func TestPublish_DuplicateWithDifferingTimestamps(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()
	ctx := context.Background()

	// Same identity, different timestamps: only one may win
	events := []Event{
		testEvent("test.topic", "evt_001", "2025-10-18T10:00:00Z"),
		testEvent("test.topic", "evt_001", "2025-10-18T10:01:00Z"),
	}
	_, err := agg.Publish(ctx, events)
	require.NoError(t, err)

	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.UniqueProcessed)
	assert.GreaterOrEqual(t, stats.DuplicateDropped, int64(1))
}

func TestPublish_RepublishAfterDrain(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()
	ctx := context.Background()

	// 10 distinct events, then the first 3 again: 13 received total
	var batch []Event
	for i := 0; i < 10; i++ {
		batch = append(batch, testEvent("topic1", fmt.Sprintf("evt_%03d", i), "2025-10-18T10:00:00Z"))
	}
	_, err := agg.Publish(ctx, batch)
	require.NoError(t, err)

	// Give the workers a moment so the republish hits the store or cache
	waitForDrain(t, agg, 13-3)

	result, err := agg.Publish(ctx, batch[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, result.Rejected)
	assert.Equal(t, 3, result.DuplicatesImmediate)

	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(13), stats.Received)
	assert.Equal(t, int64(10), stats.UniqueProcessed)
	assert.Equal(t, int64(3), stats.DuplicateDropped)
}

func TestPublish_SameEventTenTimes(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := agg.Publish(ctx, []Event{testEvent("repeat.topic", "evt_repeat", "2025-10-18T10:00:00Z")})
		require.NoError(t, err)
	}

	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.UniqueProcessed)
	assert.Equal(t, int64(9), stats.DuplicateDropped)
}

func TestPublish_ConcurrentProducers(t *testing.T) {
	agg := newTestAggregator(t, Config{Workers: 5, QueueSize: 2048})
	agg.Start()
	ctx := context.Background()

	const producers = 5
	const eventsPerProducer = 100
	topics := []string{"topic.a", "topic.b", "topic.c", "topic.d", "topic.e"}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				ev := testEvent(topics[p], fmt.Sprintf("evt_p%d_%03d", p, i), "2025-10-18T10:00:00Z")
				if _, err := agg.Publish(ctx, []Event{ev}); err != nil {
					t.Errorf("publish failed: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(producers*eventsPerProducer), stats.UniqueProcessed)
	assert.Equal(t, int64(0), stats.DuplicateDropped)
	assert.Equal(t, eventsPerProducer, stats.Topics["topic.a"])
}

func TestPublish_ConcurrentSameIdentity(t *testing.T) {
	agg := newTestAggregator(t, Config{Workers: 5})
	agg.Start()
	ctx := context.Background()

	// Near-simultaneous publishes of the same new identity can all pass
	// the optimistic gate; the workers must settle the race so exactly
	// one wins.
	const publishers = 20
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.Publish(ctx, []Event{testEvent("race.topic", "evt_race", "2025-10-18T10:00:00Z")})
			if err != nil {
				t.Errorf("publish failed: %v", err)
			}
		}()
	}
	wg.Wait()

	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(publishers), stats.Received)
	assert.Equal(t, int64(1), stats.UniqueProcessed)
	assert.Equal(t, int64(publishers-1), stats.DuplicateDropped)
}

func TestCounterConservation_AfterDrain(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()
	ctx := context.Background()

	var batch []Event
	for i := 0; i < 50; i++ {
		// Every identity published twice
		ev := testEvent("conserve.topic", fmt.Sprintf("evt_%03d", i), "2025-10-18T10:00:00Z")
		batch = append(batch, ev, ev)
	}
	_, err := agg.Publish(ctx, batch)
	require.NoError(t, err)

	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Received, stats.UniqueProcessed+stats.DuplicateDropped)
	assert.Equal(t, int64(50), stats.UniqueProcessed)
}

func TestPublish_AfterStop(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()
	agg.Stop()

	_, err := agg.Publish(context.Background(), []Event{testEvent("t", "e", "2025-10-18T10:00:00Z")})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStop_DrainsQueue(t *testing.T) {
	agg := newTestAggregator(t, Config{Workers: 2, QueueSize: 512})
	agg.Start()
	ctx := context.Background()

	var batch []Event
	for i := 0; i < 200; i++ {
		batch = append(batch, testEvent("drain.topic", fmt.Sprintf("evt_%03d", i), "2025-10-18T10:00:00Z"))
	}
	_, err := agg.Publish(ctx, batch)
	require.NoError(t, err)

	// Stop must not return until every queued event has been decided
	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), stats.UniqueProcessed)
}

func TestStop_Idempotent(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()

	agg.Stop()
	agg.Stop()
}

func TestStart_Idempotent(t *testing.T) {
	agg := newTestAggregator(t, Config{Workers: 3})
	agg.Start()
	agg.Start()
	ctx := context.Background()

	_, err := agg.Publish(ctx, []Event{testEvent("t", "e", "2025-10-18T10:00:00Z")})
	require.NoError(t, err)

	agg.Stop()

	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.UniqueProcessed)
}

func TestEvents_TopicFilter(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()
	ctx := context.Background()

	_, err := agg.Publish(ctx, []Event{
		testEvent("topic.a", "evt_a1", "2025-10-18T10:00:00Z"),
		testEvent("topic.a", "evt_a2", "2025-10-18T10:00:00Z"),
		testEvent("topic.b", "evt_b1", "2025-10-18T10:00:00Z"),
	})
	require.NoError(t, err)

	agg.Stop()

	events, err := agg.Events(ctx, "topic.a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "topic.a", e.Topic)
	}

	all, err := agg.Events(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// failingStore wraps a Store and fails InsertIfAbsent for one identity.
type failingStore struct {
	store.Store
	failEventID string
}

func (f *failingStore) InsertIfAbsent(ctx context.Context, topic, eventID, timestamp string) (bool, error) {
	if eventID == f.failEventID {
		return false, errors.New("simulated store failure")
	}
	return f.Store.InsertIfAbsent(ctx, topic, eventID, timestamp)
}

func TestWorker_ContinuesAfterStoreFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agg := New(&failingStore{Store: st, failEventID: "evt_bad"}, nil, Config{Workers: 1}, slog.Default())
	agg.Start()
	ctx := context.Background()

	_, err = agg.Publish(ctx, []Event{
		testEvent("t", "evt_ok_1", "2025-10-18T10:00:00Z"),
		testEvent("t", "evt_bad", "2025-10-18T10:00:00Z"),
		testEvent("t", "evt_ok_2", "2025-10-18T10:00:00Z"),
	})
	require.NoError(t, err)

	agg.Stop()

	// The failed event is neither processed nor counted as duplicate;
	// events after it are still handled.
	stats, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.UniqueProcessed)
	assert.Equal(t, int64(0), stats.DuplicateDropped)
}

func TestStats_Uptime(t *testing.T) {
	agg := newTestAggregator(t, Config{})
	agg.Start()
	time.Sleep(10 * time.Millisecond)

	stats, err := agg.Stats(context.Background())
	require.NoError(t, err)
	assert.Greater(t, stats.UptimeSeconds, 0.0)
}

// waitForDrain polls until unique_processed plus duplicate_dropped
// accounts for the expected number of decided events.
func waitForDrain(t *testing.T, agg *Aggregator, decided int64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if agg.uniqueProcessed.Load()+agg.duplicateDropped.Load() >= decided {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue did not drain %d events in time", decided)
}
