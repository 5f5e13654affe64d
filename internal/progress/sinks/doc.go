// Package sinks implements progress consumers: structured zap logging and
// Prometheus collectors for runs, workers, and cleanup.
package sinks
