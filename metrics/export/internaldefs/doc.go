// Package internaldefs holds the metric names, help strings and histogram
// buckets that the Prometheus and OTel exporters both publish, so the two
// backends always expose the same series for a finauth engine.
package internaldefs
