// Package aggregator implements the ingestion-and-deduplication core:
// an optimistic publish gate, a bounded hand-off queue, and a pool of
// workers that make the authoritative exactly-once decision against the
// durable store.
//
// Upstream delivery is at-least-once, so the same identity may arrive
// any number of times through any number of concurrent Publish calls.
// The gate filters duplicates it can already see, but correctness rests
// solely on the store's atomic insert-if-absent: whichever worker wins
// that race owns the identity permanently.
package aggregator
