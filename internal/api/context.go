package api

import (
	"context"

	"github.com/org/agentwarden/internal/audit"
)

type contextKey string

const ctxKeyActor contextKey = "actor"

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor)
}

// actorFromCtx returns the authenticated admin identity, or "" on gate routes.
func actorFromCtx(ctx context.Context) string {
	a, _ := ctx.Value(ctxKeyActor).(string)
	return a
}

func requestIDFromCtx(ctx context.Context) string {
	return audit.RequestID(ctx)
}
