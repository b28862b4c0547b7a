// Package engine is the top-level facade: it wires the parser, type
// checker, executor, drift detector, normalizer, proof verifier, cache and
// federation into one query surface.
package engine
