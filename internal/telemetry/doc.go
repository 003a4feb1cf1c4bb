// Package telemetry sets up OpenTelemetry tracing and the slog handler that
// stamps trace and span ids onto log records.
package telemetry
