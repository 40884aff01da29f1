// Package observability provides the process's metrics, tracing, and logging.
//
// Metrics are Prometheus collectors registered on the default registry and
// served by the gateway's /metrics endpoint. Tracing is OpenTelemetry with an
// optional OTLP/gRPC exporter; without an endpoint it degrades to no-op
// spans. Logging is slog with secret redaction built into the handler.
package observability
