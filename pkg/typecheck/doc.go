/*
Package typecheck implements the bidirectional type checker for VQL.

The type system carries base scalar types, size-indexed vector and tensor
refinements, modality and hexad types, and two dependent forms: sigma
types pairing a query result with its discharged proofs, and pi types for
parametric obligations. Synthesize mode infers a node's type; check mode
verifies a node against an expected type.

Queries carrying PROOF clauses yield a composed proof plan: one obligation
per spec, verified independently in parallel unless Citation is combined
with Provenance, which forces sequential verification with citation first.
*/
package typecheck
