// Package cid carries a per-request correlation id through contexts and
// HTTP headers so a websocket session can be tied back to the upgrade
// request in logs and traces.
package cid

import "context"

type contextKey struct{}

// HeaderName is the HTTP header used to propagate the correlation id.
// Inbound requests that already carry it keep their value; otherwise the
// server middleware generates a fresh KSUID.
const HeaderName = "X-RT-CID"

// AttributeName is the span attribute key used to attach the id to spans.
const AttributeName = "rt.cid"

// With returns a context holding the given correlation id.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// From extracts the correlation id from the context, or "".
func From(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(contextKey{}).(string); ok {
		return v
	}
	return ""
}

// AddHeader sets the correlation header on outgoing request headers when
// the context carries an id.
func AddHeader(headers map[string][]string, ctx context.Context) {
	if headers == nil {
		return
	}
	if id := From(ctx); id != "" {
		headers[HeaderName] = []string{id}
	}
}
