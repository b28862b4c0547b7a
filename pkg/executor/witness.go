package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/verisimdb/verisimdb/pkg/typecheck"
	"github.com/verisimdb/verisimdb/pkg/types"
)

// assembleWitnesses builds the runtime witness for each obligation of a
// plan from the fetched hexads.
func (e *Executor) assembleWitnesses(plan *typecheck.ProofPlan, hexads []*types.Hexad) []map[string]any {
	out := make([]map[string]any, len(plan.Obligations))
	for i, o := range plan.Obligations {
		out[i] = e.witnessFor(o, hexads)
	}
	return out
}

func (e *Executor) witnessFor(o types.Obligation, hexads []*types.Hexad) map[string]any {
	ids := make([]string, 0, len(hexads))
	for _, h := range hexads {
		ids = append(ids, h.ID)
	}
	sort.Strings(ids)

	switch o.Kind {
	case types.ProofExistence:
		return map[string]any{"hexad_id": ids}

	case types.ProofIntegrity:
		hashes := make(map[string]string)
		for _, h := range hexads {
			for m, hash := range h.Hashes {
				if hash != "" {
					hashes[h.ID+"/"+string(m)] = hash
				}
			}
		}
		return map[string]any{
			"content_hashes": hashes,
			"merkle_root":    merkleRoot(hashes),
		}

	case types.ProofConsistency:
		w := map[string]any{"drift_threshold": 1 - e.consistentFloor}
		if len(hexads) > 0 && len(o.Modalities) >= 2 {
			h := hexads[0]
			a, b := o.Modalities[0], o.Modalities[1]
			if pa := h.Modalities[a]; pa != nil {
				w["embedding_a"] = pa.Embedding
			}
			if pb := h.Modalities[b]; pb != nil {
				w["embedding_b"] = pb.Embedding
			}
		}
		return w

	case types.ProofProvenance:
		var chain []string
		for _, h := range hexads {
			if mapping, ok, err := e.reg.Lookup(h.ID); err == nil && ok {
				for _, storeID := range mapping {
					chain = append(chain, storeID)
				}
			}
		}
		sort.Strings(chain)
		return map[string]any{"source_chain": dedupe(chain)}

	case types.ProofFreshness:
		newest := time.Time{}
		for _, h := range hexads {
			if h.UpdatedAt.After(newest) {
				newest = h.UpdatedAt
			}
		}
		return map[string]any{
			"timestamp": newest.UTC().Format(time.RFC3339Nano),
			"max_age":   "24h",
		}

	case types.ProofAccess:
		return map[string]any{"principal": "local", "capability": "read"}

	case types.ProofCitation:
		return map[string]any{"citations": ids}

	default: // custom: opaque passthrough keyed by contract name
		return map[string]any{"payload": o.Contract, "hexad_id": ids}
	}
}

// merkleRoot folds the sorted content hashes into a single digest.
func merkleRoot(hashes map[string]string) string {
	keys := make([]string, 0, len(hashes))
	for k := range hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(hashes[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func dedupe(in []string) []string {
	out := in[:0:0]
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
