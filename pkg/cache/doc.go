/*
Package cache implements the multi-layer query cache.

Three logical layers share one interface: L1 is a hot in-process LRU under
a hard memory budget, L2 is inter-process within a node (redis), L3 is
persisted alongside the temporal store (bolt). GET walks L1 -> L2 -> L3
and promotes hits toward L1. Entries carry TTLs and invalidation tags
(hexad:<id>, modality:<name>, federation:<pattern>, ast, plan, zkp);
invalidating a tag removes every entry carrying it from all layers.
*/
package cache
