// Package routing decides which backend answers a query. Cheap queries
// stay on the primary model; explicit requests, complex phrasing, or a
// high live perplexity signal escalate to the stronger backend.
package routing

import (
	"regexp"
	"strings"
)

// Reason explains why a query was (or was not) escalated. Attached to
// every billed turn for attribution.
type Reason string

const (
	ReasonNone       Reason = "none"
	ReasonKeyword    Reason = "keyword"
	ReasonComplexity Reason = "complexity"
	ReasonPerplexity Reason = "perplexity"
)

// DefaultPerplexityThreshold is the uncertainty score above which the
// primary backend's answer is abandoned. Conservative starting point,
// tuned empirically.
const DefaultPerplexityThreshold = 80.0

// MaxSimpleQueryLength is the utterance length beyond which a query is
// treated as complex regardless of content.
const MaxSimpleQueryLength = 280

// escalationKeywords always escalate, case-insensitive substring match.
var escalationKeywords = []string{
	"think hard",
	"use advanced",
	"be smart",
	"reason carefully",
	"complex",
	"difficult",
	"challenging",
	"deep thinking",
}

var (
	// Questions about the assistant itself stay on the primary model.
	selfReferentialPattern = regexp.MustCompile(`(?i)\b(your name|who are you|what are you|who (made|created|built) you|what model are you|are you (an? )?(ai|bot|model|llm)|tell me about yourself|how were you (trained|made|built))\b`)

	arithmeticPattern  = regexp.MustCompile(`\d+\s*[+\-*/^%]\s*\d+`)
	codePattern        = regexp.MustCompile("(?i)\\b(code|function|implement|algorithm|debug|regex|compile|program|script|sql query)\\b|```")
	factualPattern     = regexp.MustCompile(`(?i)^(who|what|when|where|why|how)\b.+\?`)
	comparativePattern = regexp.MustCompile(`(?i)\b(compare|versus|difference between|pros and cons|better than|trade-?offs?)\b|\bvs\.?\b`)
	multiPartPattern   = regexp.MustCompile(`(?i)\?.*\?|;\s*(also|and)\b|\balso,`)
	translationPattern = regexp.MustCompile(`(?i)\btranslate\b|how do you say\b`)
)

// Decision is the router's verdict for one turn.
type Decision struct {
	Model  string
	Reason Reason
}

// Router chooses between two backends. It holds configuration only;
// decisions are pure functions of the utterance.
type Router struct {
	primaryModel        string
	escalationModel     string
	perplexityThreshold float64
}

// New creates a router. A non-positive threshold falls back to the
// default.
func New(primaryModel, escalationModel string, perplexityThreshold float64) *Router {
	if perplexityThreshold <= 0 {
		perplexityThreshold = DefaultPerplexityThreshold
	}
	return &Router{
		primaryModel:        primaryModel,
		escalationModel:     escalationModel,
		perplexityThreshold: perplexityThreshold,
	}
}

// PrimaryModel returns the default backend's model name.
func (r *Router) PrimaryModel() string { return r.primaryModel }

// EscalationModel returns the escalation backend's model name.
func (r *Router) EscalationModel() string { return r.escalationModel }

// Decide evaluates the static rules for an utterance. Keyword match
// wins over everything, including the self-referential exclusion.
// Among the complexity rules the self-referential exclusion is checked
// first and suppresses the rest.
func (r *Router) Decide(utterance string) Decision {
	if matchesKeyword(utterance) {
		return Decision{Model: r.escalationModel, Reason: ReasonKeyword}
	}
	if selfReferentialPattern.MatchString(utterance) {
		return Decision{Model: r.primaryModel, Reason: ReasonNone}
	}
	if isComplex(utterance) {
		return Decision{Model: r.escalationModel, Reason: ReasonComplexity}
	}
	return Decision{Model: r.primaryModel, Reason: ReasonNone}
}

// ExceedsPerplexity reports whether the primary backend's live
// uncertainty score is high enough to abandon its answer.
func (r *Router) ExceedsPerplexity(score float64) bool {
	return score > r.perplexityThreshold
}

// EscalationDecision is the verdict after a perplexity trigger.
func (r *Router) EscalationDecision() Decision {
	return Decision{Model: r.escalationModel, Reason: ReasonPerplexity}
}

func matchesKeyword(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, kw := range escalationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isComplex(utterance string) bool {
	if len(utterance) > MaxSimpleQueryLength {
		return true
	}
	return arithmeticPattern.MatchString(utterance) ||
		codePattern.MatchString(utterance) ||
		factualPattern.MatchString(utterance) ||
		comparativePattern.MatchString(utterance) ||
		multiPartPattern.MatchString(utterance) ||
		translationPattern.MatchString(utterance)
}
