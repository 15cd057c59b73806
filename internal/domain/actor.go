package domain

import "context"

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// ActorName is the opaque created_by value for rows written under ctx.
func ActorName(ctx context.Context) string {
	actor, _ := ActorFromContext(ctx)
	return actor.Username
}
