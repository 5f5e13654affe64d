// Package progress carries search lifecycle events from the orchestrator and
// its workers to pluggable sinks. Emit never blocks; a background goroutine
// batches events and hands them to each sink (structured logs, Prometheus).
package progress
