// Package backend defines the inference backend abstraction and the two
// concrete clients: the cheap primary model spoken to over SSE, and the
// escalation model reached through a paid completion API.
package backend

import (
	"context"
	"errors"
)

var (
	ErrNoContent   = errors.New("backend: response carried no content")
	ErrBadStatus   = errors.New("backend: unexpected upstream status")
	ErrStreamOpen  = errors.New("backend: opening stream failed")
	ErrCircuitOpen = errors.New("backend: upstream circuit open")
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of chat history sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one fragment of a backend answer. The primary backend may
// emit a perplexity-only chunk before any content; Content is empty in
// that case and Perplexity is non-nil.
type Chunk struct {
	Content    string
	Perplexity *float64
}

// Stream yields chunks of one answer. Recv returns io.EOF after the
// final chunk. Close releases the underlying connection and is safe to
// call at any point, including mid-stream abandonment.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Streamer is a backend that can answer a message history.
type Streamer interface {
	Model() string
	Stream(ctx context.Context, messages []Message) (Stream, error)
}

// LastUserUtterance returns the content of the most recent user
// message, or an empty string if there is none.
func LastUserUtterance(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
