/*
Package observability provides the metrics and tracing used across Arbor.

Metrics are Prometheus collectors registered on a caller-provided registry.
Every method of *Metrics is safe to call on a nil receiver, so components can
hold an optional *Metrics without checking it.

Tracing uses the global OpenTelemetry tracer provider. It is a no-op until
SetupTracing installs an OTLP exporter.
*/
package observability
