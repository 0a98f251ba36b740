package store

import "context"

type ctxKey string

const ctxUserID ctxKey = "user_id"

// WithUserID attaches the external sender's user id (e.g. a Telegram user
// ID) to ctx, for per-user scoping of context files and memory.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// UserIDFromContext returns the user id attached by WithUserID, or "".
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}
