package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never put actual credential values (access tokens, refresh
// tokens, authorization codes, client secrets) in traces or metrics. Only
// metadata: token types, expiry times, scope strings, outcome labels.
const (
	// Flow attributes
	AttrProviderID = "auth.provider_id" // Provider identifier (non-secret)
	AttrIssuer     = "auth.issuer"      // Authorization server URL
	AttrClientID   = "auth.client_id"   // Registered client identifier (non-secret)
	AttrScope      = "auth.scope"       // Requested scopes
	AttrGrantType  = "auth.grant_type"  // OAuth grant type
	AttrOutcome    = "auth.outcome"     // Flow outcome (success, cancelled, error)
	AttrError      = "auth.error"       // OAuth error code

	// Session attributes
	AttrSessionsAdded   = "auth.sessions.added"
	AttrSessionsRemoved = "auth.sessions.removed"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, providerID, clientID, scope string) {
	if providerID != "" {
		SetSpanAttributes(span, attribute.String(AttrProviderID, providerID))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
