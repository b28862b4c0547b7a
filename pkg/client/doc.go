// Package client implements the JSON-over-HTTP client used for federation
// fan-out and registration against remote VeriSimDB peers.
package client
