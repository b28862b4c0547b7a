// Package metrics exposes the engine's Prometheus collectors: query and
// mutation counters, drift scores, proof verifications, per-layer cache
// counters, and federation/raft gauges.
package metrics
