// Package registry maps message types to handlers: exactly one handler per
// command or query type, an ordered list per event type. It records
// per-type throughput counters and a rolling latency window.
package registry
