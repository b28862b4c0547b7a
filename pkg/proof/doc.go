// Package proof adapts proof obligations to an external prover and mints
// integrity-hashed certificates for discharged obligations.
package proof
