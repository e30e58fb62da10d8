// ABOUTME: At-least-once traffic generator for exercising the aggregator
// ABOUTME: Produces unique events plus a configurable duplicate share over HTTP

package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/event-aggregator/internal/aggregator"
)

// DefaultTopics is the topic mix used when none is configured.
var DefaultTopics = []string{"user.created", "order.placed", "payment.processed"}

// Config controls a simulation run.
type Config struct {
	// BaseURL of the aggregator, e.g. "http://localhost:8080".
	BaseURL string

	// NumEvents is the number of unique events to generate.
	NumEvents int

	// DuplicateRate is the fraction of NumEvents re-sent as duplicates,
	// modelling at-least-once redelivery. 0.2 means 20% extra traffic.
	DuplicateRate float64

	// BatchSize is the number of events per publish request.
	BatchSize int

	// Topics to spread events across. Defaults to DefaultTopics.
	Topics []string
}

// Publisher drives at-least-once traffic against a running aggregator.
type Publisher struct {
	cfg    Config
	source string
	client *http.Client
	logger *slog.Logger
}

// New creates a publisher with defaults applied. Each publisher gets a
// unique source identity so runs are distinguishable in payloads.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = DefaultTopics
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		cfg:    cfg,
		source: "simulator-" + uuid.NewString()[:8],
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "simulator"),
	}
}

// GenerateTraffic builds the full at-least-once stream: NumEvents
// unique events plus DuplicateRate*NumEvents redeliveries, shuffled so
// duplicates interleave arbitrarily with first deliveries.
func (p *Publisher) GenerateTraffic() []aggregator.Event {
	events := make([]aggregator.Event, 0, p.cfg.NumEvents)
	for i := 0; i < p.cfg.NumEvents; i++ {
		events = append(events, aggregator.Event{
			Topic:     p.cfg.Topics[rand.Intn(len(p.cfg.Topics))],
			EventID:   fmt.Sprintf("evt_%06d", i),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Source:    p.source,
			Payload:   map[string]any{"index": i},
		})
	}

	numDuplicates := int(float64(p.cfg.NumEvents) * p.cfg.DuplicateRate)
	all := make([]aggregator.Event, 0, len(events)+numDuplicates)
	all = append(all, events...)
	for i := 0; i < numDuplicates; i++ {
		all = append(all, events[rand.Intn(len(events))])
	}

	rand.Shuffle(len(all), func(i, j int) {
		all[i], all[j] = all[j], all[i]
	})
	return all
}

// Run waits for the aggregator to become healthy, publishes the
// generated traffic in batches, and logs the final stats.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.waitForHealthy(ctx); err != nil {
		return err
	}

	traffic := p.GenerateTraffic()
	p.logger.Info("starting simulation",
		"unique", p.cfg.NumEvents,
		"total", len(traffic),
		"duplicate_rate", p.cfg.DuplicateRate,
	)

	published := 0
	for start := 0; start < len(traffic); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(traffic) {
			end = len(traffic)
		}

		if err := p.publishBatch(ctx, traffic[start:end]); err != nil {
			p.logger.Error("batch failed", "error", err)
			continue
		}
		published += end - start

		if (start/p.cfg.BatchSize)%10 == 0 {
			p.logger.Info("progress", "published", published, "total", len(traffic))
		}
	}

	p.logger.Info("simulation complete", "published", published, "total", len(traffic))
	return p.logFinalStats(ctx)
}

// waitForHealthy polls /health until the aggregator responds or the
// context expires.
func (p *Publisher) waitForHealthy(ctx context.Context) error {
	for attempt := 0; attempt < 30; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("building health request: %w", err)
		}

		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				p.logger.Info("aggregator ready")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("aggregator at %s did not become healthy", p.cfg.BaseURL)
}

// publishBatch posts one batch to /api/publish.
func (p *Publisher) publishBatch(ctx context.Context, batch []aggregator.Event) error {
	body, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/publish", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("publishing batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish returned status %d", resp.StatusCode)
	}
	return nil
}

// logFinalStats fetches /api/stats and logs the aggregator's view.
func (p *Publisher) logFinalStats(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/api/stats", nil)
	if err != nil {
		return fmt.Errorf("building stats request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching stats: %w", err)
	}
	defer resp.Body.Close()

	var stats aggregator.StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}

	p.logger.Info("final stats",
		"received", stats.Received,
		"unique_processed", stats.UniqueProcessed,
		"duplicate_dropped", stats.DuplicateDropped,
	)
	return nil
}
