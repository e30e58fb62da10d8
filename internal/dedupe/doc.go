// Package dedupe provides an in-memory cache of event identities the
// durable store has already accepted, letting the publish gate reject
// obvious duplicates without a database round trip.
package dedupe
