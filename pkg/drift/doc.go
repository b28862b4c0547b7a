/*
Package drift measures cross-modal disagreement.

The drift score between two modalities of a hexad is 1 - cosine of their
derived embeddings, clamped to [0,1]; a missing modality scores maximum
drift. The detector keeps a pairwise matrix per tracked hexad, recomputes
lazily on read for DRIFT predicates and eagerly, sampled, over a working
set, and classifies scores for the normalizer.
*/
package drift
