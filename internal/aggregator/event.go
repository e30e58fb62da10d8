// ABOUTME: Event model and result types for the aggregator core
// ABOUTME: Defines Event identity, publish results, and stats snapshots

package aggregator

// Event is a single externally-produced event awaiting the dedup
// decision. Identity is the (Topic, EventID) pair; Payload is opaque.
// Events are immutable once constructed and exist only until accepted
// into the store or discarded as duplicates.
type Event struct {
	Topic     string         `json:"topic"`
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// PublishResult summarizes the outcome of a single Publish call.
type PublishResult struct {
	Accepted            int `json:"accepted"`
	Rejected            int `json:"rejected"`
	DuplicatesImmediate int `json:"duplicates_immediate"`
}

// StatsSnapshot combines process-local counters with the store's
// aggregate view. Counters are only conserved (Received ==
// UniqueProcessed + DuplicateDropped) once the queue has drained;
// mid-flight snapshots are consistent per counter but carry no
// cross-counter guarantee.
type StatsSnapshot struct {
	Received         int64          `json:"received"`
	UniqueProcessed  int64          `json:"unique_processed"`
	DuplicateDropped int64          `json:"duplicate_dropped"`
	Topics           map[string]int `json:"topics"`
	UptimeSeconds    float64        `json:"uptime"`
}
