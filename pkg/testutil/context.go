package testutil

import (
	"context"
	"time"

	"verity/pkg/requestcontext"
)

// ContextAt returns a context pinned to a fixed instant. Services take time
// from requestcontext.Now, so pinning it makes timestamps assertable.
func ContextAt(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

// ContextWithRequest returns a context carrying both a pinned instant and a
// request id, the state a request has after the full middleware chain.
func ContextWithRequest(t time.Time, requestID string) context.Context {
	ctx := requestcontext.WithTime(context.Background(), t)
	return requestcontext.WithRequestID(ctx, requestID)
}
