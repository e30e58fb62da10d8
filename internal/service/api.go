// ABOUTME: HTTP API handlers for publishing events and querying results
// ABOUTME: Provides /api/publish, /api/events, /api/stats, and admin clear

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/event-aggregator/internal/aggregator"
)

// PublishRequest is the JSON request body for POST /api/publish.
// Either a batch under "events" or a single event at the top level is
// accepted.
type PublishRequest struct {
	Events []aggregator.Event `json:"events"`
}

// PublishResponse is the JSON response for POST /api/publish.
type PublishResponse struct {
	Status  string                    `json:"status"`
	Message string                    `json:"message"`
	Details *aggregator.PublishResult `json:"details"`
}

// EventResponse is one processed record in GET /api/events responses.
type EventResponse struct {
	Topic       string `json:"topic"`
	EventID     string `json:"event_id"`
	Timestamp   string `json:"timestamp"`
	ProcessedAt string `json:"processed_at"`
}

// ListEventsResponse is the JSON response for GET /api/events.
type ListEventsResponse struct {
	Status string          `json:"status"`
	Count  int             `json:"count"`
	Events []EventResponse `json:"events"`
}

// handlePublish handles POST /api/publish requests. The body carries a
// single event or a batch; every event is schema-validated here before
// the core sees it. Duplicates are not errors: the response details
// report how many events each outcome absorbed.
func (s *Service) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	events, err := parsePublishRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.aggregator.Publish(r.Context(), events)
	if errors.Is(err, aggregator.ErrStopped) {
		s.sendJSONError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	}
	if err != nil {
		s.logger.Error("publish failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PublishResponse{
		Status:  "success",
		Message: fmt.Sprintf("Processed %d events", len(events)),
		Details: result,
	})
}

// handleEvents handles GET /api/events requests, optionally filtered by
// the topic query parameter.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	topic := r.URL.Query().Get("topic")

	records, err := s.aggregator.Events(r.Context(), topic)
	if err != nil {
		s.logger.Error("failed to query events", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := ListEventsResponse{
		Status: "success",
		Count:  len(records),
		Events: make([]EventResponse, 0, len(records)),
	}
	for _, rec := range records {
		response.Events = append(response.Events, EventResponse{
			Topic:       rec.Topic,
			EventID:     rec.EventID,
			Timestamp:   rec.Timestamp,
			ProcessedAt: rec.ProcessedAt.Format(time.RFC3339Nano),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleStats handles GET /api/stats requests.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.aggregator.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to aggregate stats", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleClear handles POST /api/admin/clear requests. Administrative
// and test use only: wipes every processed record.
func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.store.Clear(r.Context()); err != nil {
		s.logger.Error("failed to clear store", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Warn("processed event store cleared via admin API")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// sendJSONError writes a JSON error response.
func (s *Service) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parsePublishRequest parses and validates the publish body. A body
// with an "events" array is a batch; anything else is treated as a
// single event object.
func parsePublishRequest(r io.Reader) ([]aggregator.Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.New("reading request body")
	}

	var batch PublishRequest
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	events := batch.Events
	if events == nil {
		var single aggregator.Event
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, errors.New("invalid JSON body")
		}
		events = []aggregator.Event{single}
	}

	if len(events) == 0 {
		return nil, errors.New("no events in request")
	}

	for i, ev := range events {
		if err := validateEvent(ev); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return events, nil
}

// validateEvent enforces the boundary schema: the core assumes
// well-formed events and does not re-validate.
func validateEvent(ev aggregator.Event) error {
	if ev.Topic == "" {
		return errors.New("topic is required")
	}
	if ev.EventID == "" {
		return errors.New("event_id is required")
	}
	if ev.Source == "" {
		return errors.New("source is required")
	}
	if ev.Timestamp == "" {
		return errors.New("timestamp is required")
	}
	if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
		return fmt.Errorf("timestamp must be valid ISO-8601: %w", err)
	}
	return nil
}
