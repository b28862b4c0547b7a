package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/types"
)

func newTestDetector() *Detector {
	return NewDetector(Config{RepairThreshold: 0.3, FrequencyThreshold: 5, WorkingSetSize: 8}, nil, nil)
}

func hexadWith(id string, mods map[types.Modality]*types.Payload) *types.Hexad {
	h := types.NewHexad(id)
	for m, p := range mods {
		h.Modalities[m] = p
		h.Versions[m] = 1
	}
	return h
}

func TestScoreIdenticalDerivations(t *testing.T) {
	text := "the quick brown fox 42"
	h := hexadWith("ent-A", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Text: text},
		types.ModalityVector:   {Embedding: TextFingerprint(text)},
	})

	d := newTestDetector()
	score := d.Score(h, types.ModalityDocument, types.ModalityVector)
	assert.InDelta(t, 0.0, score, 1e-9)
}

func TestScoreDisjointEmbeddings(t *testing.T) {
	h := hexadWith("ent-B", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Text: "abc"}, // fingerprint [1,0,0,0]
		types.ModalityVector:   {Embedding: []float64{0, 1, 0, 0}},
	})

	d := newTestDetector()
	score := d.Score(h, types.ModalityDocument, types.ModalityVector)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestScoreAbsentModalityIsMax(t *testing.T) {
	h := hexadWith("ent-C", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Text: "only one side"},
	})

	d := newTestDetector()
	assert.Equal(t, 1.0, d.Score(h, types.ModalityDocument, types.ModalityVector))
	assert.Equal(t, 1.0, d.Score(h, types.ModalityVector, types.ModalityTensor))
}

func TestScoreIsRecordedInMatrix(t *testing.T) {
	h := hexadWith("ent-D", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Text: "abc"},
		types.ModalityVector:   {Embedding: []float64{1, 0, 0, 0}},
	})

	d := newTestDetector()
	d.Score(h, types.ModalityDocument, types.ModalityVector)

	matrix := d.Matrix("ent-D")
	require.Len(t, matrix, 1)
	for pair, score := range matrix {
		assert.ElementsMatch(t, []types.Modality{types.ModalityDocument, types.ModalityVector}, pair[:])
		assert.InDelta(t, 0.0, score, 1e-9)
	}
}

func TestScoreClamped(t *testing.T) {
	// Opposed embeddings give cosine -1; the score clamps at 1.
	h := hexadWith("ent-E", map[types.Modality]*types.Payload{
		types.ModalityVector: {Embedding: []float64{1, 1}},
		types.ModalityTensor: {Values: []float64{-1, -1}},
	})

	d := newTestDetector()
	score := d.Score(h, types.ModalityVector, types.ModalityTensor)
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestSimilarityMetrics(t *testing.T) {
	h := hexadWith("ent-F", map[types.Modality]*types.Payload{
		types.ModalityVector: {Embedding: []float64{1, 0}},
		types.ModalityTensor: {Values: []float64{1, 0}},
	})

	d := newTestDetector()
	assert.InDelta(t, 1.0, d.Similarity(h, types.ModalityVector, types.ModalityTensor, MetricCosine), 1e-9)
	assert.InDelta(t, 1.0, d.Similarity(h, types.ModalityVector, types.ModalityTensor, MetricEuclidean), 1e-9)
	// Dot product 1 through the sigmoid.
	assert.InDelta(t, 0.731, d.Similarity(h, types.ModalityVector, types.ModalityTensor, MetricDotProduct), 1e-3)
}

func TestJaccardOnFieldKeys(t *testing.T) {
	h := hexadWith("ent-G", map[types.Modality]*types.Payload{
		types.ModalitySemantic: {Fields: map[string]any{"a": 1, "b": 2}},
		types.ModalityDocument: {Fields: map[string]any{"b": 2, "c": 3}},
	})

	d := newTestDetector()
	sim := d.Similarity(h, types.ModalitySemantic, types.ModalityDocument, MetricJaccard)
	assert.InDelta(t, 1.0/3.0, sim, 1e-9)
}

func TestClassify(t *testing.T) {
	d := newTestDetector()

	assert.Equal(t, SeverityCritical, d.Classify(0.95, false))
	assert.Equal(t, SeverityCritical, d.Classify(0.1, true)) // integrity violations never downgrade
	assert.Equal(t, SeverityHigh, d.Classify(0.65, false))
	assert.Equal(t, SeverityLow, d.Classify(0.35, false))
}

func TestWorkingSetBounded(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 20; i++ {
		d.Touch(string(rune('a' + i)))
	}
	assert.LessOrEqual(t, len(d.workingSet()), 8)
}

func TestParseMetric(t *testing.T) {
	m, ok := ParseMetric("euclidean")
	require.True(t, ok)
	assert.Equal(t, MetricEuclidean, m)

	m, ok = ParseMetric("")
	require.True(t, ok)
	assert.Equal(t, MetricCosine, m)

	_, ok = ParseMetric("MANHATTAN")
	assert.False(t, ok)
}

func TestEmbedFallsBackToHash(t *testing.T) {
	p := &types.Payload{Fields: map[string]any{"k": "v"}}
	v := Embed(types.ModalitySemantic, p, "deadbeefdeadbeefdeadbeef")
	require.Len(t, v, 8)
	for _, x := range v {
		assert.GreaterOrEqual(t, x, 0.0)
		assert.Less(t, x, 1.0)
	}
}
