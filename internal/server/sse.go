package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonathan/persona-imagegen/internal/types"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// tierEvent is the payload of "tier" and "complete" events.
type tierEvent struct {
	Key  string     `json:"key"`
	Tier types.Tier `json:"tier"`
}

// WriteTier announces that a higher tier of key is available.
func (s *SSEWriter) WriteTier(key string, tier types.Tier) error {
	return s.WriteEvent("tier", tierEvent{Key: key, Tier: tier})
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// WriteComplete sends the final event once the highest tier exists
func (s *SSEWriter) WriteComplete(key string, tier types.Tier) {
	s.WriteEvent("complete", tierEvent{Key: key, Tier: tier}) //nolint:errcheck
}
