// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the dynamicauth library.
//
// It covers the client side of the OAuth story: authorization flows started
// and finished, token refreshes, dynamic client registrations, session churn,
// and discovery requests.
//
// # Quick Start
//
//	import "github.com/giantswarm/dynamicauth/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-host",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Flows:
//   - auth.flow.started{provider_id} - Authorization flows started
//   - auth.flow.completed{provider_id, outcome} - Flows finished, by outcome
//     (success, cancelled, error)
//   - auth.token.refreshed{provider_id, outcome} - Refresh grant attempts
//   - auth.client.registered{issuer} - Dynamic client registrations
//   - auth.client.invalidated{provider_id} - Client credentials rejected by
//     the server and discarded
//
// Sessions:
//   - auth.sessions.active{} - Current session count (observable gauge)
//   - auth.sessions.changed{provider_id} - Session change events emitted
//
// Discovery:
//   - auth.discovery.requests{outcome} - Server metadata fetches
//   - auth.discovery.duration{} - Metadata fetch duration in milliseconds
//
// When Enabled is false the package wires no-op providers, so instrumented
// code paths carry zero overhead.
package instrumentation
