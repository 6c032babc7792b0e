package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTemperature = 0.8
	defaultMaxTokens   = 512
	defaultTopK        = 50
)

// PrimaryClient streams completions from the self-hosted primary model
// over SSE. The first data event may be a perplexity signal rather
// than content.
type PrimaryClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewPrimaryClient creates a client for the primary inference server.
func NewPrimaryClient(baseURL, model string) *PrimaryClient {
	return &PrimaryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		// No overall timeout: streams are bounded by the request context.
		client: &http.Client{},
	}
}

func (p *PrimaryClient) Model() string { return p.model }

type primaryRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	TopK        int       `json:"top_k"`
}

// Stream opens an SSE completion stream. Cancelling ctx aborts the
// underlying request.
func (p *PrimaryClient) Stream(ctx context.Context, messages []Message) (Stream, error) {
	body, err := json.Marshal(primaryRequest{
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		TopK:        defaultTopK,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamOpen, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamOpen, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamOpen, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d from primary", ErrBadStatus, resp.StatusCode)
	}

	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// Ping reports whether the primary server's health endpoint responds.
func (p *PrimaryClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d from primary health", ErrBadStatus, resp.StatusCode)
	}
	return nil
}

// sseStream parses "data: {...}" frames terminated by "data: [DONE]".
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

type sseEvent struct {
	Token      string   `json:"token"`
	Content    string   `json:"content"`
	Perplexity *float64 `json:"perplexity"`
}

func (s *sseStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			s.done = true
			return Chunk{}, io.EOF
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Not JSON, forward as raw content.
			return Chunk{Content: data}, nil
		}

		if ev.Perplexity != nil {
			return Chunk{Perplexity: ev.Perplexity}, nil
		}

		content := ev.Token
		if content == "" {
			content = ev.Content
		}
		if content == "" {
			continue
		}
		return Chunk{Content: content}, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("backend: reading stream: %w", err)
	}
	// Upstream closed without [DONE]; treat as a clean end.
	return Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
