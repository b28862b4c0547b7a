package modality

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := NewMemory("s1", types.ModalityDocument)
	ctx := context.Background()

	p := &types.Payload{Fields: map[string]any{"title": "X"}}
	require.NoError(t, s.Put(ctx, "ent-1", types.ModalityDocument, p, 1))

	got, version, ok, err := s.Get(ctx, "ent-1", types.ModalityDocument)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, "X", got.Fields["title"])
}

func TestPutStaleVersionConflicts(t *testing.T) {
	s := NewMemory("s1", types.ModalityDocument)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ent-1", types.ModalityDocument, &types.Payload{}, 2))

	err := s.Put(ctx, "ent-1", types.ModalityDocument, &types.Payload{}, 2)
	require.Error(t, err)
	var e *verr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, verr.CodeConflict, e.Code)

	// The version counter only moves forward.
	err = s.Put(ctx, "ent-1", types.ModalityDocument, &types.Payload{}, 1)
	require.Error(t, err)
	require.NoError(t, s.Put(ctx, "ent-1", types.ModalityDocument, &types.Payload{}, 3))
}

func TestScanOrderedWithLimitOffset(t *testing.T) {
	s := NewMemory("s1", types.ModalityDocument)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b", "d"} {
		require.NoError(t, s.Put(ctx, id, types.ModalityDocument, &types.Payload{
			Fields: map[string]any{"name": id},
		}, 1))
	}

	entries, err := s.Scan(ctx, types.ModalityDocument, Predicate{}, 2, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ID)
	assert.Equal(t, "c", entries[1].ID)
}

func TestScanPredicate(t *testing.T) {
	s := NewMemory("s1", types.ModalityDocument)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "low", types.ModalityDocument, &types.Payload{
		Fields: map[string]any{"severity": 2},
	}, 1))
	require.NoError(t, s.Put(ctx, "high", types.ModalityDocument, &types.Payload{
		Fields: map[string]any{"severity": 8},
	}, 1))

	entries, err := s.Scan(ctx, types.ModalityDocument, Predicate{
		Clauses: []Clause{{Field: "severity", Op: OpGt, Value: 5}},
	}, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "high", entries[0].ID)
}

func TestMatchesOperators(t *testing.T) {
	doc := &types.Payload{
		Text:   "the quick brown fox",
		Fields: map[string]any{"title": "Incident Report", "severity": 5, "open": true},
	}
	vec := &types.Payload{Embedding: []float64{1, 0, 0}}
	graph := &types.Payload{Triples: []types.Triple{{Subject: "alice", Predicate: "knows", Object: "bob"}}}

	tests := []struct {
		name    string
		payload *types.Payload
		clause  Clause
		want    bool
	}{
		{"eq string", doc, Clause{Field: "title", Op: OpEq, Value: "Incident Report"}, true},
		{"ne string", doc, Clause{Field: "title", Op: OpNe, Value: "Other"}, true},
		{"gt int vs float", doc, Clause{Field: "severity", Op: OpGt, Value: 3.0}, true},
		{"le fails", doc, Clause{Field: "severity", Op: OpLe, Value: 3.0}, false},
		{"bool eq", doc, Clause{Field: "open", Op: OpEq, Value: true}, true},
		{"missing field", doc, Clause{Field: "ghost", Op: OpEq, Value: 1}, false},
		{"contains on text", doc, Clause{Field: "text", Op: OpContains, Value: "quick"}, true},
		{"matches regex", doc, Clause{Field: "text", Op: OpMatches, Value: "qu.ck"}, true},
		{"similar within", vec, Clause{Op: OpSimilar, Vector: []float64{1, 0, 0}, Threshold: 0.1}, true},
		{"similar outside", vec, Clause{Op: OpSimilar, Vector: []float64{0, 1, 0}, Threshold: 0.1}, false},
		{"triple exact", graph, Clause{Op: OpTriple, Triple: &types.Triple{Subject: "alice", Predicate: "knows", Object: "bob"}}, true},
		{"triple wildcard", graph, Clause{Op: OpTriple, Triple: &types.Triple{Subject: "alice"}}, true},
		{"triple mismatch", graph, Clause{Op: OpTriple, Triple: &types.Triple{Subject: "carol"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(Predicate{Clauses: []Clause{tt.clause}}, tt.payload)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashPayloadDeterministic(t *testing.T) {
	a := &types.Payload{Fields: map[string]any{"x": 1.0, "y": "z"}}
	b := &types.Payload{Fields: map[string]any{"y": "z", "x": 1.0}}
	assert.Equal(t, HashPayload(a), HashPayload(b))
	assert.NotEmpty(t, HashPayload(a))
}

func TestStoresRegistryAndBreakers(t *testing.T) {
	stores := NewStores(2, 0)
	stores.Register(NewMemory("s1", types.ModalityDocument, types.ModalityVector))
	stores.Register(NewMemory("s2", types.ModalityGraph))

	s, err := stores.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID())

	_, err = stores.Get("ghost")
	require.Error(t, err)

	assert.Len(t, stores.ForModality(types.ModalityDocument), 1)
	assert.Len(t, stores.ForModality(types.ModalityTensor), 0)
	assert.Len(t, stores.List(), 2)

	b := stores.Breaker("s1")
	b.Failure()
	b.Failure()
	assert.False(t, b.Allow())
}
