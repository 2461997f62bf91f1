// Package telemetry provides the observability stack for the Foundry
// daemon: structured logging via zerolog, Prometheus metrics, and
// OpenTelemetry distributed tracing.
//
// All components share one Logger, derived per component with
// NewComponentLogger. Metrics and Tracer instances are nil-safe in the
// sense that a disabled configuration yields no-op recorders, so callers
// never need to guard call sites.
package telemetry
