package tool

import (
	"context"

	"github.com/google/uuid"
)

type turnContextKey struct{}

// TurnContext identifies the conversation a tool call belongs to. Handlers
// that search memory or knowledge use it to scope their queries; the
// dispatcher never passes it explicitly so tool signatures stay free of
// conversation plumbing.
type TurnContext struct {
	ThreadID uuid.UUID
	OwnerID  string
}

// WithTurnContext attaches the turn's identity to ctx before dispatch.
func WithTurnContext(ctx context.Context, tc TurnContext) context.Context {
	return context.WithValue(ctx, turnContextKey{}, tc)
}

// TurnFromContext returns the turn identity set by the dispatcher, with
// ok=false for calls made outside a turn.
func TurnFromContext(ctx context.Context) (TurnContext, bool) {
	tc, ok := ctx.Value(turnContextKey{}).(TurnContext)
	return tc, ok
}
