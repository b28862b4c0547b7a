/*
Package modality defines the uniform capability set every modality backing
store exposes to the query engine, plus an in-memory reference
implementation.

The engine consumes only the Store interface: put/get/scan/delete,
content hashing and modality advertisement. Real backing engines (RDF
triple stores, HNSW vector indexes, inverted text indexes, temporal log
storage) live outside this module and plug in behind the same interface.
Each registered store is wrapped by a circuit breaker; a store is treated
as unavailable after consecutive timeouts.
*/
package modality
