// Package api serves the HTTP surface: the VQL query endpoint, the peer
// RPC endpoints used by federation fan-out and registration, health and
// Prometheus metrics. The listener is IPv6-only unless IPv4 is enabled.
package api
