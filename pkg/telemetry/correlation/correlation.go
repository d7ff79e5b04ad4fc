// Package correlation ties together everything one credit mutation touches:
// the provider delivery, the ledger transaction, the log lines and the span.
package correlation

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

type correlationKey struct{}

// FromContext returns the correlation id carried by ctx, if any.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithID stores id on ctx. An empty id leaves ctx untouched.
func WithID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// ForEvent derives the id from the provider event, so every redelivery of
// the same event shares one correlation id across logs and traces.
func ForEvent(ctx context.Context, provider, eventID string) (context.Context, string) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return Ensure(ctx)
	}
	id := "evt:" + provider + ":" + eventID
	return WithID(ctx, id), id
}

// ForRun tags a reconciliation run.
func ForRun(ctx context.Context, runID string) (context.Context, string) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return Ensure(ctx)
	}
	id := "run:" + runID
	return WithID(ctx, id), id
}

// Ensure keeps an existing id or mints a new ULID.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return WithID(ctx, id), id
}
