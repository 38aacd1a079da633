// Package telemetry wraps OpenTelemetry SDK initialization, providing the
// engine's TracerProvider and MeterProvider. When telemetry is disabled the
// globals stay noop and no external service is contacted.
package telemetry
