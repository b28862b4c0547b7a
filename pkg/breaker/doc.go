// Package breaker implements the per-peer circuit breaker shielding the
// query engine from failing modality stores and federation peers.
package breaker
