/*
Package registry maintains the hexad location map (hexad id -> modality ->
owning store id) and the federated peer set.

Two implementations share one interface: an in-memory registry used by
tests and as the raft state machine target, and a BoltDB-backed registry
for standalone durability. Federated deployments never write the registry
directly; committed metadata log commands are applied through Apply.
*/
package registry
