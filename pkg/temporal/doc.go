// Package temporal implements the append-only audit log recording every
// mutation, repair and saga outcome as newline-delimited JSON. Cross-modal
// write order is preserved by the log's sequence numbers.
package temporal
