/*
Package types defines the core data model shared across VeriSimDB packages.

A hexad is one logical entity stored concurrently in several modality
stores (graph, vector, tensor, semantic, document, temporal). The hexad id
is immutable and is the only value used to join representations across
modalities. Each modality carries its own monotonic version counter and
content hash; disagreement between modalities is measured as drift and
repaired by the normalizer.

The package also defines the federation vocabulary: peers, metadata log
commands and entries, drift policies, and the proof obligation and
certificate records produced by dependent-type queries.
*/
package types
