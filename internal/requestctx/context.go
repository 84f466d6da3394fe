// Package requestctx provides request-scoped values (e.g. the authenticated
// subject) set by HTTP middleware and read by handlers.
package requestctx

import "context"

type contextKey struct{}

var subjectKey = &contextKey{}

// SetSubject stores the authenticated subject in the context.
func SetSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// Subject returns the authenticated subject from context, or "" if not set.
func Subject(ctx context.Context) string {
	v, _ := ctx.Value(subjectKey).(string)
	return v
}
