// Package chat runs metered chat turns against two inference backends:
// a cheap primary that streams tokens, and a stronger escalation backend
// for queries the router deems worth the upgrade.
//
// A turn moves through a small state machine. Keyword and complexity
// escalations skip the primary entirely. Otherwise the primary streams,
// and its first event, if it carries a perplexity score above threshold,
// triggers a mid-stream handoff: the primary connection is cancelled and
// the same message history is replayed against the escalation backend.
// Usage is metered exactly once per answered turn, against whichever
// backend produced the answer.
package chat

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinybrain/tabgate/internal/backend"
	"github.com/tinybrain/tabgate/internal/logging"
	"github.com/tinybrain/tabgate/internal/routing"
	"github.com/tinybrain/tabgate/internal/traces"
)

// Meter records billable usage against an open session. Implemented by
// the session service; nil-safe wrappers handle per-call-paid turns that
// have no session.
type Meter interface {
	QueryCostCents() int64
	RecordUsage(ctx context.Context, token, model string, costCents int64, reason string) error
	SessionUsageCents(ctx context.Context, token string) (int64, error)
}

// Pipeline wires the router and the two backends into a turn executor.
type Pipeline struct {
	router     *routing.Router
	primary    backend.Streamer
	escalation backend.Streamer
	meter      Meter
}

// NewPipeline builds a turn executor. meter may be nil when no session
// ledger is in play.
func NewPipeline(router *routing.Router, primary, escalation backend.Streamer, meter Meter) *Pipeline {
	return &Pipeline{router: router, primary: primary, escalation: escalation, meter: meter}
}

// Run executes one chat turn, writing events to out. The turn is billed
// to sessionToken when non-empty. Run always terminates the stream with
// the sentinel, whatever happens in between.
func (p *Pipeline) Run(ctx context.Context, out *sseWriter, messages []backend.Message, sessionToken string) {
	ctx, span := traces.StartSpan(ctx, "chat.Run")
	defer span.End()

	started := time.Now()
	defer func() {
		streamDuration.Observe(time.Since(started).Seconds())
	}()
	defer out.Done()

	utterance := backend.LastUserUtterance(messages)
	decision := p.router.Decide(utterance)
	span.SetAttributes(
		attribute.String("routed_model", decision.Model),
		attribute.String("escalation_reason", string(decision.Reason)),
	)

	if decision.Reason != routing.ReasonNone {
		// Decided before any backend call; this is the metering point.
		reason := string(decision.Reason)
		p.meterTurn(ctx, sessionToken, p.escalation.Model(), reason)
		p.streamEscalation(ctx, out, messages, reason, sessionToken)
		return
	}

	p.streamPrimary(ctx, out, messages, sessionToken)
}

// streamPrimary consumes the primary backend, watching the first event
// for the live quality signal.
func (p *Pipeline) streamPrimary(ctx context.Context, out *sseWriter, messages []backend.Message, sessionToken string) {
	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	stream, err := p.primary.Stream(primaryCtx, messages)
	if err != nil {
		p.fail(ctx, out, "primary backend unavailable", err)
		return
	}
	defer stream.Close()

	var (
		metered    bool
		perplexity *float64
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client went away; nothing was discarded on our side
				// that the ledger should charge for.
				return
			}
			p.fail(ctx, out, "primary backend stream failed", err)
			return
		}

		// The first event may be the quality signal rather than content.
		if chunk.Perplexity != nil && !metered {
			perplexity = chunk.Perplexity
			if p.router.ExceedsPerplexity(*chunk.Perplexity) {
				// Hand off. Release the primary connection before the
				// escalation request starts.
				cancelPrimary()
				_ = stream.Close()

				reason := string(routing.ReasonPerplexity)
				p.meterTurn(ctx, sessionToken, p.escalation.Model(), reason)
				p.streamEscalation(ctx, out, messages, reason, sessionToken)
				return
			}
			continue
		}

		if chunk.Content == "" {
			continue
		}

		ev := Event{Content: chunk.Content}
		if !metered {
			metered = true
			p.meterTurn(ctx, sessionToken, p.primary.Model(), string(routing.ReasonNone))
			ev.Model = p.primary.Model()
			ev.Perplexity = perplexity
			p.annotate(ctx, &ev, sessionToken)
		}
		if err := out.Send(ev); err != nil {
			return
		}
	}
}

// streamEscalation replays the message history against the escalation
// backend and forwards its answer. Metering has already happened.
func (p *Pipeline) streamEscalation(ctx context.Context, out *sseWriter, messages []backend.Message, reason, sessionToken string) {
	stream, err := p.escalation.Stream(ctx, messages)
	if err != nil {
		p.fail(ctx, out, "escalation backend unavailable", err)
		return
	}
	defer stream.Close()

	first := true
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail(ctx, out, "escalation backend stream failed", err)
			return
		}
		if chunk.Content == "" {
			continue
		}

		ev := Event{Content: chunk.Content}
		if first {
			first = false
			ev.Model = p.escalation.Model()
			ev.EscalationReason = reason
			p.annotate(ctx, &ev, sessionToken)
		}
		if err := out.Send(ev); err != nil {
			return
		}
	}
}

// meterTurn records usage once per turn. Per-call-paid turns carry no
// session token and nothing to record.
func (p *Pipeline) meterTurn(ctx context.Context, sessionToken, model, reason string) {
	queriesTotal.WithLabelValues(model, reason).Inc()
	if p.meter == nil || sessionToken == "" {
		return
	}
	if err := p.meter.RecordUsage(ctx, sessionToken, model, p.meter.QueryCostCents(), reason); err != nil {
		// The answer is already owed to the client; log rather than abort.
		logging.L(ctx).Error("recording usage failed", "model", model, "error", err)
	}
}

// annotate attaches billing figures to the turn's first content event.
func (p *Pipeline) annotate(ctx context.Context, ev *Event, sessionToken string) {
	if p.meter == nil {
		return
	}
	ev.QueryCost = p.meter.QueryCostCents()
	if sessionToken == "" {
		return
	}
	if used, err := p.meter.SessionUsageCents(ctx, sessionToken); err == nil {
		ev.SessionUsage = used
	}
}

func (p *Pipeline) fail(ctx context.Context, out *sseWriter, msg string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	logging.L(ctx).Error(msg, "error", err)
	out.Fail(msg)
}
