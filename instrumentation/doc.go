// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the oauth-ext library.
//
// It exposes named meters and tracers per layer ("http", "dpop", "ciba", "storage", ...)
// and a Metrics holder with pre-registered instruments for the extension flows:
// DPoP validations, certificate authentications, pushed requests, backchannel
// transitions and polls, token exchanges, scope policy decisions, issued tokens,
// rate limiting, audit events and storage operations.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-authorization-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  meterProvider, // e.g. an OTLP or Prometheus backed SDK provider
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false (or no providers are supplied) no-op providers are used,
// so instrumentation can be wired unconditionally.
//
// # Security
//
// Attribute values never contain credentials. See the attribute constants in
// tracing.go for the reserved keys that must not carry values.
package instrumentation
