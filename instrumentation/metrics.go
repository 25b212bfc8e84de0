package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Flow outcome values for the auth.flow.completed and auth.token.refreshed metrics
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Metrics holds all metric instruments for the library
type Metrics struct {
	// Flow metrics
	FlowStarted       metric.Int64Counter
	FlowCompleted     metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	ClientRegistered  metric.Int64Counter
	ClientInvalidated metric.Int64Counter

	// Session metrics
	SessionsActive  metric.Int64ObservableGauge
	SessionsChanged metric.Int64Counter

	// Discovery metrics
	DiscoveryRequests metric.Int64Counter
	DiscoveryDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	flowMeter := inst.Meter("flow")
	providerMeter := inst.Meter("provider")
	discoveryMeter := inst.Meter("discovery")

	var err error
	m.FlowStarted, err = flowMeter.Int64Counter(
		"auth.flow.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.started counter: %w", err)
	}

	m.FlowCompleted, err = flowMeter.Int64Counter(
		"auth.flow.completed",
		metric.WithDescription("Number of authorization flows finished, by outcome"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.completed counter: %w", err)
	}

	m.TokenRefreshed, err = flowMeter.Int64Counter(
		"auth.token.refreshed",
		metric.WithDescription("Number of refresh grant attempts, by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.ClientRegistered, err = flowMeter.Int64Counter(
		"auth.client.registered",
		metric.WithDescription("Number of dynamic client registrations"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.ClientInvalidated, err = flowMeter.Int64Counter(
		"auth.client.invalidated",
		metric.WithDescription("Number of client credentials discarded after server rejection"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.invalidated counter: %w", err)
	}

	m.SessionsActive, err = providerMeter.Int64ObservableGauge(
		"auth.sessions.active",
		metric.WithDescription("Current number of derived sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.active gauge: %w", err)
	}

	m.SessionsChanged, err = providerMeter.Int64Counter(
		"auth.sessions.changed",
		metric.WithDescription("Number of session change events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.changed counter: %w", err)
	}

	m.DiscoveryRequests, err = discoveryMeter.Int64Counter(
		"auth.discovery.requests",
		metric.WithDescription("Number of authorization server metadata fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.requests counter: %w", err)
	}

	m.DiscoveryDuration, err = discoveryMeter.Float64Histogram(
		"auth.discovery.duration",
		metric.WithDescription("Metadata fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.duration histogram: %w", err)
	}

	return m, nil
}

// RecordFlowStarted records the start of an authorization flow (nil-safe)
func (m *Metrics) RecordFlowStarted(ctx context.Context, providerID string) {
	if m == nil || m.FlowStarted == nil {
		return
	}
	m.FlowStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderID, providerID),
	))
}

// RecordFlowCompleted records a finished flow with its outcome (nil-safe)
func (m *Metrics) RecordFlowCompleted(ctx context.Context, providerID, outcome string) {
	if m == nil || m.FlowCompleted == nil {
		return
	}
	m.FlowCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderID, providerID),
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordTokenRefreshed records a refresh grant attempt (nil-safe)
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, providerID, outcome string) {
	if m == nil || m.TokenRefreshed == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderID, providerID),
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordClientRegistered records a dynamic client registration (nil-safe)
func (m *Metrics) RecordClientRegistered(ctx context.Context, issuer string) {
	if m == nil || m.ClientRegistered == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrIssuer, issuer),
	))
}

// RecordClientInvalidated records a discarded client credential (nil-safe)
func (m *Metrics) RecordClientInvalidated(ctx context.Context, providerID string) {
	if m == nil || m.ClientInvalidated == nil {
		return
	}
	m.ClientInvalidated.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderID, providerID),
	))
}

// RecordSessionsChanged records an emitted session change event (nil-safe)
func (m *Metrics) RecordSessionsChanged(ctx context.Context, providerID string, added, removed int) {
	if m == nil || m.SessionsChanged == nil {
		return
	}
	m.SessionsChanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderID, providerID),
		attribute.Int(AttrSessionsAdded, added),
		attribute.Int(AttrSessionsRemoved, removed),
	))
}

// RecordDiscovery records a metadata fetch and its duration (nil-safe)
func (m *Metrics) RecordDiscovery(ctx context.Context, outcome string, durationMillis float64) {
	if m == nil {
		return
	}
	if m.DiscoveryRequests != nil {
		m.DiscoveryRequests.Add(ctx, 1, metric.WithAttributes(
			attribute.String(AttrOutcome, outcome),
		))
	}
	if m.DiscoveryDuration != nil {
		m.DiscoveryDuration.Record(ctx, durationMillis)
	}
}
