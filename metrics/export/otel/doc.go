// Package otel provides OpenTelemetry metric bindings for credflow
// counters.
//
// [NewExporter] registers an Int64ObservableCounter per engine counter
// plus the dropped-audit-event count. A single callback reads
// [credflow.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider; callers supply the Meter.
//   - Mutate engine state.
package otel
