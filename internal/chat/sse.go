package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// doneSentinel terminates every stream, exactly once, always last.
const doneSentinel = "[DONE]"

// Event is one frame of the outbound stream. Model and EscalationReason
// are set on the first content frame of a turn only; the client carries
// them forward.
type Event struct {
	Content          string   `json:"content,omitempty"`
	Model            string   `json:"model,omitempty"`
	EscalationReason string   `json:"escalationReason,omitempty"`
	Perplexity       *float64 `json:"perplexity,omitempty"`
	QueryCost        int64    `json:"queryCost,omitempty"`
	SessionUsage     int64    `json:"sessionUsage,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// sseWriter frames events as server-sent events and tracks the terminal
// sentinel so it cannot be emitted twice.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// PrepareHeaders sets the response headers for an event stream. Must be
// called before the first event.
func (s *sseWriter) PrepareHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Send writes one event frame. No-op after Done.
func (s *sseWriter) Send(ev Event) error {
	if s.done {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("chat: encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Done writes the terminal sentinel. Safe to call more than once; only
// the first call emits.
func (s *sseWriter) Done() {
	if s.done {
		return
	}
	s.done = true
	fmt.Fprintf(s.w, "data: %s\n\n", doneSentinel)
	s.flush()
}

// Fail converts an error into a single in-band error event followed by
// the terminal sentinel.
func (s *sseWriter) Fail(msg string) {
	_ = s.Send(Event{Error: msg})
	s.Done()
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
