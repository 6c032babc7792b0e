package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventUsageRecorded, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventSessionOpened, EventSessionClosed},
	}}

	opened := &Event{Type: EventSessionOpened}
	closed := &Event{Type: EventSessionClosed}
	usage := &Event{Type: EventUsageRecorded}

	if !h.shouldSend(client, opened) {
		t.Error("Should receive session_opened events")
	}
	if !h.shouldSend(client, closed) {
		t.Error("Should receive session_closed events")
	}
	if h.shouldSend(client, usage) {
		t.Error("Should NOT receive usage_recorded events")
	}
}

func TestShouldSend_WalletFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Wallets: []string{"0xwallet1"},
	}}

	matching := &Event{
		Type: EventSessionOpened,
		Data: map[string]interface{}{"wallet": "0xwallet1", "depositCents": int64(50)},
	}
	notMatching := &Event{
		Type: EventSessionOpened,
		Data: map[string]interface{}{"wallet": "0xother"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on wallet")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated wallets")
	}
}

func TestShouldSend_MinCentsFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinCents: 10,
	}}

	large := &Event{
		Type: EventSessionClosed,
		Data: map[string]interface{}{"totalCostCents": int64(25)},
	}
	small := &Event{
		Type: EventUsageRecorded,
		Data: map[string]interface{}{"costCents": int64(1)},
	}
	escalated := &Event{
		Type: EventEscalated,
		Data: map[string]interface{}{"reason": "keyword"},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive close above the threshold")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive usage below the threshold")
	}
	if !h.shouldSend(client, escalated) {
		t.Error("MinCents filter should not apply to events without amounts")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventUsageRecorded}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Wallets: []string{"0xwallet1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSessionExpired,
		Data: "string data not a map",
	}

	// Wallet filter can't extract an address from non-map data, so the
	// event is filtered out rather than crashing.
	if h.shouldSend(client, event) {
		t.Error("Non-map data cannot match a wallet filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventSessionOpened, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventUsageRecorded,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"sessionId": "ses_1", "costCents": int64(1)},
	})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("Broadcast frame is not valid JSON: %v", err)
		}
		if ev.Type != EventUsageRecorded {
			t.Errorf("Type = %s, want usage_recorded", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants escalations
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventEscalated}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a usage event (should be filtered out)
	h.Broadcast(&Event{Type: EventUsageRecorded, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive usage_recorded event")
	default:
		// Good - filtered out
	}

	// Send an escalation event (should be received)
	h.Broadcast(&Event{Type: EventEscalated, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive escalated event")
	}
}

// ---------------------------------------------------------------------------
// Emitter tests
// ---------------------------------------------------------------------------

func TestEmitter_UsageEmitsEscalationEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventEscalated}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	emitter := NewEmitter(h)
	emitter.EmitUsageRecorded("ses_1", "deepseek-r1", "perplexity", 1, 3)

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != EventEscalated {
			t.Errorf("Type = %s, want escalated", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("Escalated usage should produce an escalated event")
	}

	emitter.EmitUsageRecorded("ses_1", "tinychat", "none", 1, 4)
	time.Sleep(100 * time.Millisecond)
	select {
	case <-client.send:
		t.Error("Unescalated usage should not produce an escalated event")
	default:
	}
}
