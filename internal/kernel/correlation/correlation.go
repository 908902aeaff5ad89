// Package correlation stamps every inbound request with a request_id and
// corr_id pair, tracking whether each was supplied by the caller
// ("Provided") or generated fresh ("Synthetic"), and threads the pair
// through context so every event the request produces carries it.
package correlation

import (
	"context"
	"net/http"

	"github.com/agentrt/agentd/internal/log"
	"github.com/google/uuid"
)

// Source records where a correlation value came from.
type Source string

const (
	Provided  Source = "provided"
	Synthetic Source = "synthetic"
)

// Frame is the (request_id, corr_id) pair attached to a request, plus their
// sources.
type Frame struct {
	RequestID       string
	RequestSource   Source
	CorrID          string
	CorrIDSource    Source
}

const (
	headerRequestID     = "X-Request-Id"
	headerCorrelationID = "X-Correlation-Id"
)

// FromRequest extracts or synthesizes a Frame for r, preferring header
// values already present on the wire.
func FromRequest(r *http.Request) Frame {
	f := Frame{}

	if rid := r.Header.Get(headerRequestID); rid != "" {
		f.RequestID = rid
		f.RequestSource = Provided
	} else {
		f.RequestID = uuid.New().String()
		f.RequestSource = Synthetic
	}

	if cid := r.Header.Get(headerCorrelationID); cid != "" {
		f.CorrID = cid
		f.CorrIDSource = Provided
	} else {
		f.CorrID = f.RequestID
		f.CorrIDSource = Synthetic
	}

	return f
}

// WithContext stamps ctx with f's request and correlation ids so downstream
// logging and event emission can recover them.
func WithContext(ctx context.Context, f Frame) context.Context {
	ctx = log.ContextWithRequestID(ctx, f.RequestID)
	ctx = log.ContextWithCorrelationID(ctx, f.CorrID)
	return ctx
}

// FromContext recovers the request_id/corr_id pair previously attached by
// WithContext. Sources are not stored in context and are not returned;
// callers that need the original source should read Frame directly from
// FromRequest.
func FromContext(ctx context.Context) (requestID, corrID string) {
	return log.RequestIDFromContext(ctx), log.CorrelationIDFromContext(ctx)
}

// Middleware stamps every request's context with a correlation Frame before
// calling next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := FromRequest(r)
		ctx := WithContext(r.Context(), f)
		w.Header().Set(headerRequestID, f.RequestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
