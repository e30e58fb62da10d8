// ABOUTME: At-least-once traffic simulator for the event-aggregator.
// ABOUTME: Usage: event-publisher [-url http://localhost:8080] [-events 5000] [-duplicate-rate 0.2]
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/2389/event-aggregator/internal/simulator"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "Aggregator base URL")
	numEvents := flag.Int("events", 5000, "Number of unique events to generate")
	duplicateRate := flag.Float64("duplicate-rate", 0.2, "Fraction of events re-sent as duplicates")
	batchSize := flag.Int("batch-size", 50, "Events per publish request")
	topics := flag.String("topics", "", "Comma-separated topic list (default built-in mix)")
	flag.Parse()

	if err := run(*url, *numEvents, *duplicateRate, *batchSize, *topics); err != nil {
		log.Fatal(err)
	}
}

func run(url string, numEvents int, duplicateRate float64, batchSize int, topics string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := simulator.Config{
		BaseURL:       url,
		NumEvents:     numEvents,
		DuplicateRate: duplicateRate,
		BatchSize:     batchSize,
	}
	if topics != "" {
		cfg.Topics = strings.Split(topics, ",")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return simulator.New(cfg, logger).Run(ctx)
}
