// Package telemetry provides OpenTelemetry instruments for the context store
// and the agent attribution carried on contexts.
package telemetry

import "context"

type contextKey string

// agentKey is the context key for the calling agent's name.
const agentKey contextKey = "agent"

// Outcome is the result label of a store operation.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeInserted Outcome = "inserted"
	OutcomeDedup    Outcome = "dedup"
	OutcomeError    Outcome = "error"
)

// WithAgentContext returns a context attributing store operations to agent.
func WithAgentContext(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// AgentFromContext returns the agent set by WithAgentContext, or "".
func AgentFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(agentKey).(string); ok {
		return a
	}
	return ""
}

func agentLabel(ctx context.Context) string {
	if a := AgentFromContext(ctx); a != "" {
		return a
	}
	return "unknown"
}
