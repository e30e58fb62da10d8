// Package store provides durable event deduplication backed by SQLite.
//
// The store is the single source of truth for "has this event already
// been processed". Each accepted identity (topic, event_id) is recorded
// exactly once in the processed_events table, guarded by a primary-key
// constraint rather than application logic.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Use NewSQLiteStore(":memory:") for tests that don't need durability.
//
// All methods accept context.Context for cancellation support.
package store
