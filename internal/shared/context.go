package shared

import "context"

type actorContextKey struct{}

// SystemActor attributes actions taken by background jobs.
const SystemActor = "system"

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, falling back to SystemActor.
func ActorFromContext(ctx context.Context) string {
	if actor, _ := ctx.Value(actorContextKey{}).(string); actor != "" {
		return actor
	}
	return SystemActor
}
