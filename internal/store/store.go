// ABOUTME: Store interface and data types for event-aggregator persistence
// ABOUTME: Defines ProcessedEvent and the Store interface for dedup decisions

package store

import (
	"context"
	"time"
)

// ProcessedEvent is the durable record of an accepted event identity.
// The (Topic, EventID) pair is unique for the lifetime of the store;
// Timestamp is copied verbatim from the first accepted event and
// ProcessedAt is assigned by the store at the moment of acceptance.
type ProcessedEvent struct {
	Topic       string
	EventID     string
	Timestamp   string
	ProcessedAt time.Time
}

// TopicStats is the aggregate view over all processed events.
type TopicStats struct {
	TotalUnique int
	Topics      map[string]int
}

// Store defines the interface for durable event deduplication.
//
// InsertIfAbsent is the single correctness-critical primitive: under
// concurrent callers exactly one insert for a given identity succeeds.
// Exists is an optimistic fast check and may be stale by the time the
// caller acts on it.
type Store interface {
	// Exists reports whether the identity has already been processed.
	Exists(ctx context.Context, topic, eventID string) (bool, error)

	// InsertIfAbsent records the identity if it is not already present.
	// Returns true iff this call created the record.
	InsertIfAbsent(ctx context.Context, topic, eventID, timestamp string) (bool, error)

	// EventsByTopic returns processed events ordered newest-first by
	// ProcessedAt. An empty topic returns events for all topics.
	EventsByTopic(ctx context.Context, topic string) ([]ProcessedEvent, error)

	// Stats returns the total unique count and per-topic counts.
	Stats(ctx context.Context) (*TopicStats, error)

	// Clear deletes all records. Administrative and test use only.
	Clear(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}
