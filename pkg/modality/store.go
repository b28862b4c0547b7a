package modality

import (
	"context"

	"github.com/verisimdb/verisimdb/pkg/types"
)

// Op is a pushdown comparison operator.
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpContains Op = "contains"
	OpMatches  Op = "matches"
	OpSimilar  Op = "similar"
	OpTriple   Op = "triple"
)

// Clause is one pushdown predicate. Clauses in a Predicate are conjunctive.
type Clause struct {
	Field     string
	Op        Op
	Value     any
	Vector    []float64 // OpSimilar operand
	Threshold float64   // OpSimilar cutoff
	Triple    *types.Triple // OpTriple pattern; empty components are wildcards
}

// Predicate is the conjunction of clauses a store evaluates during Scan.
type Predicate struct {
	Clauses []Clause
}

// Entry is one scan result.
type Entry struct {
	ID      string
	Payload *types.Payload
	Version uint64
}

// Store is the uniform capability set every modality backing engine
// exposes. Stores are strongly consistent locally; any store may fail
// independently and is circuit-broken by the engine after consecutive
// timeouts.
type Store interface {
	// ID returns the store's unique id.
	ID() string

	// Advertise returns the modalities this store serves.
	Advertise() []types.Modality

	// Put writes a payload at the given version. Fails with a conflict
	// error when version does not advance the stored counter, and with
	// not_leader when the store replica cannot accept writes.
	Put(ctx context.Context, id string, m types.Modality, p *types.Payload, version uint64) error

	// Get returns the payload and version for id, or ok=false when absent.
	Get(ctx context.Context, id string, m types.Modality) (p *types.Payload, version uint64, ok bool, err error)

	// Scan returns entries matching pred, ordered by hexad id, honoring
	// limit and offset. limit <= 0 means unbounded.
	Scan(ctx context.Context, m types.Modality, pred Predicate, limit, offset int) ([]Entry, error)

	// Delete removes id from the store.
	Delete(ctx context.Context, id string, m types.Modality) error

	// ContentHash returns the deterministic content hash for id, or ""
	// when the id is absent.
	ContentHash(ctx context.Context, id string, m types.Modality) (string, error)
}
