// Package prometheus exposes finauth engine counters through a
// client_golang [prometheus.Collector].
//
// [NewCollector] reads [finauth.Engine.MetricsSnapshot] on every scrape.
// Counter names are prefixed finauth_*_total; the single histogram is
// finauth_verify_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry. Callers register the
//     Collector or mount [Collector.Handler].
//   - Mutate engine state.
package prometheus
