// Package prometheus renders credflow counters in Prometheus text
// exposition format.
//
// [NewExporter] accepts a [credflow.Engine] and exposes an [net/http.Handler]
// that renders every engine counter plus the dropped-audit-event count.
// Counter names are prefixed credflow_*_total.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry; callers mount the Handler.
//   - Mutate engine state.
package prometheus
