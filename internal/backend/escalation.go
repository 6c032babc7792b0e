package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tinybrain/tabgate/internal/circuitbreaker"
	"github.com/tinybrain/tabgate/internal/retry"
)

const (
	escalationMaxAttempts = 3
	escalationRetryDelay  = 500 * time.Millisecond
	escalationMaxTokens   = 1024

	// Escalation calls cost real money per attempt, so trip fast and
	// stay tripped long enough for a flapping upstream to recover.
	escalationBreakerKey       = "escalation"
	escalationBreakerThreshold = 3
	escalationBreakerCooldown  = 30 * time.Second
)

// Answers stay short; reasoning arrives in a separate field.
var escalationSystemMessage = Message{
	Role:    RoleSystem,
	Content: "You are a helpful AI assistant. Keep your final answer concise and under 2000 characters.",
}

// Doer executes HTTP requests. The production wiring passes an
// x402-paying client so 402 responses from the upstream are paid and
// retried transparently.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// EscalationClient calls the paid escalation model. The upstream API
// is completion-style, not streaming; the full answer is fetched and
// presented as a short stream so the multiplexer handles both
// backends uniformly.
type EscalationClient struct {
	baseURL string
	model   string
	client  Doer
	breaker *circuitbreaker.Breaker
}

// NewEscalationClient creates a client for the escalation provider.
func NewEscalationClient(baseURL, model string, client Doer) *EscalationClient {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &EscalationClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  client,
		breaker: circuitbreaker.New(escalationBreakerThreshold, escalationBreakerCooldown),
	}
}

func (e *EscalationClient) Model() string { return e.model }

type escalationRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type escalationResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// Stream fetches a completion and yields it as content chunks:
// reasoning first, wrapped in think tags for the client parser, then
// the answer. Server errors are retried; client errors are not.
func (e *EscalationClient) Stream(ctx context.Context, messages []Message) (Stream, error) {
	body, err := json.Marshal(escalationRequest{
		Model:       e.model,
		Messages:    append([]Message{escalationSystemMessage}, messages...),
		MaxTokens:   escalationMaxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamOpen, err)
	}

	if !e.breaker.Allow(escalationBreakerKey) {
		return nil, ErrCircuitOpen
	}

	var parsed escalationResponse
	err = retry.Do(ctx, escalationMaxAttempts, escalationRetryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %d from escalation", ErrBadStatus, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Permanent(fmt.Errorf("%w: %d from escalation", ErrBadStatus, resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return retry.Permanent(fmt.Errorf("backend: decoding escalation response: %w", err))
		}
		return nil
	})
	if err != nil {
		// Cancellation says nothing about upstream health.
		if ctx.Err() == nil {
			e.breaker.RecordFailure(escalationBreakerKey)
		}
		return nil, err
	}
	e.breaker.RecordSuccess(escalationBreakerKey)

	if len(parsed.Choices) == 0 {
		return nil, ErrNoContent
	}

	msg := parsed.Choices[0].Message
	var chunks []Chunk
	if msg.ReasoningContent != "" {
		chunks = append(chunks, Chunk{Content: "<think>" + msg.ReasoningContent + "</think>"})
	}
	if msg.Content != "" {
		chunks = append(chunks, Chunk{Content: msg.Content})
	}
	if len(chunks) == 0 {
		return nil, ErrNoContent
	}

	return &bufferedStream{chunks: chunks}, nil
}

// bufferedStream replays pre-fetched chunks.
type bufferedStream struct {
	chunks []Chunk
	pos    int
}

func (b *bufferedStream) Recv() (Chunk, error) {
	if b.pos >= len(b.chunks) {
		return Chunk{}, io.EOF
	}
	c := b.chunks[b.pos]
	b.pos++
	return c, nil
}

func (b *bufferedStream) Close() error {
	b.pos = len(b.chunks)
	return nil
}
