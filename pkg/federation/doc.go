/*
Package federation implements the coordinator for a set of peer VeriSimDB
instances.

Cluster metadata (peer membership, hexad location maps, trust scores) is
replicated through a Raft log whose state machine is the registry: only
the leader accepts proposals, followers answer with a leader hint, and a
command is acknowledged once a quorum has persisted it. Federated queries
fan out concurrently to the peers matching a glob, deduplicate by hexad
id, and combine under a drift policy (STRICT, REPAIR, TOLERATE, LATEST).
Byzantine behaviour is detected heuristically by trust-weighted deviation
from the majority; exclusion stays an operator decision.
*/
package federation
