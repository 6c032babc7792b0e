package realtime

import "time"

// Emitter publishes session ledger activity to the hub. It satisfies
// the session service's event sink.
type Emitter struct {
	hub *Hub
}

// NewEmitter wraps a hub as a session event sink.
func NewEmitter(hub *Hub) *Emitter {
	return &Emitter{hub: hub}
}

func (e *Emitter) EmitSessionOpened(sessionID, wallet string, depositCents int64) {
	e.hub.Broadcast(&Event{
		Type:      EventSessionOpened,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"sessionId":    sessionID,
			"wallet":       wallet,
			"depositCents": depositCents,
		},
	})
}

func (e *Emitter) EmitUsageRecorded(sessionID, model, reason string, costCents, totalCents int64) {
	e.hub.Broadcast(&Event{
		Type:      EventUsageRecorded,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"sessionId":      sessionID,
			"model":          model,
			"reason":         reason,
			"costCents":      costCents,
			"totalCostCents": totalCents,
		},
	})
	if reason != "" && reason != "none" {
		e.hub.Broadcast(&Event{
			Type:      EventEscalated,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"sessionId": sessionID,
				"model":     model,
				"reason":    reason,
			},
		})
	}
}

func (e *Emitter) EmitSessionClosed(sessionID string, totalCents int64, txHash string) {
	e.hub.Broadcast(&Event{
		Type:      EventSessionClosed,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"sessionId":      sessionID,
			"totalCostCents": totalCents,
			"settlementTx":   txHash,
		},
	})
}

func (e *Emitter) EmitSessionExpired(sessionID string, depositCents int64, redeemed bool) {
	e.hub.Broadcast(&Event{
		Type:      EventSessionExpired,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"sessionId":    sessionID,
			"depositCents": depositCents,
			"redeemed":     redeemed,
		},
	})
}
