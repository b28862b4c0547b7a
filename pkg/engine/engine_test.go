package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/cache"
	"github.com/verisimdb/verisimdb/pkg/config"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/proof"
	"github.com/verisimdb/verisimdb/pkg/temporal"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

func init() {
	log.Init(log.Config{Verbosity: log.Silent})
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	e.Stores().Register(modality.NewMemory("local", types.CoreModalities()...))
	return e
}

func TestEndToEndSlipstream(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	ins, err := e.Query(ctx, `INSERT HEXAD WITH DOCUMENT {title: "X", severity: 5}, VECTOR [0.1, 0.2, 0.3]`)
	require.NoError(t, err)
	require.NotEmpty(t, ins.HexadID)

	result, err := e.Query(ctx, `SELECT DOCUMENT.title, DOCUMENT.severity FROM HEXAD "`+ins.HexadID+`" WHERE DOCUMENT.severity > 3 LIMIT 10`)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "X", result.Rows[0].Values["document.title"])
}

func TestEndToEndDependentType(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	ins, err := e.Query(ctx, `INSERT HEXAD WITH SEMANTIC {claim: "typed"}`)
	require.NoError(t, err)

	result, err := e.Query(ctx, `SELECT SEMANTIC FROM HEXAD "`+ins.HexadID+`" PROOF EXISTENCE(presence) AND INTEGRITY(tamper-free)`)
	require.NoError(t, err)

	require.Len(t, result.Certificates, 2)
	for _, cert := range result.Certificates {
		require.NoError(t, proof.VerifyCertificate(cert))
	}
}

func TestProofFailureFailsQuery(t *testing.T) {
	failing := proof.ProverFunc(func(ctx context.Context, o types.Obligation, w map[string]any) error {
		return errors.New("circuit rejected")
	})
	e := newEngine(t, Options{Prover: failing})
	ctx := context.Background()

	ins, err := e.Query(ctx, `INSERT HEXAD WITH SEMANTIC {claim: "typed"}`)
	require.NoError(t, err)

	_, err = e.Query(ctx, `SELECT SEMANTIC FROM HEXAD "`+ins.HexadID+`" PROOF EXISTENCE(presence)`)
	require.Error(t, err)

	var ve *verr.Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, verr.CodeProofFailed, ve.Code)
}

func TestCacheHitAndMutationInvalidation(t *testing.T) {
	qcache, err := cache.New(cache.Options{L1Entries: 64})
	require.NoError(t, err)

	cfg := config.Default()
	e := newEngine(t, Options{Config: cfg, Cache: qcache})
	ctx := context.Background()

	ins, err := e.Query(ctx, `INSERT HEXAD WITH DOCUMENT {title: "before"}`)
	require.NoError(t, err)
	id := ins.HexadID

	query := `SELECT DOCUMENT.title FROM HEXAD "` + id + `"`

	first, err := e.Query(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, "before", first.Rows[0].Values["document.title"])

	// Second run is served from cache.
	misses := qcache.Stats().Misses
	_, err = e.Query(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, misses, qcache.Stats().Misses)

	// A mutation invalidates by hexad tag; the next read sees new data.
	_, err = e.Query(ctx, `UPDATE HEXAD "`+id+`" SET DOCUMENT.title = "after"`)
	require.NoError(t, err)

	after, err := e.Query(ctx, query)
	require.NoError(t, err)
	require.Len(t, after.Rows, 1)
	assert.Equal(t, "after", after.Rows[0].Values["document.title"])
}

func TestParseErrorSurfaces(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.Query(context.Background(), `SELECT FROM HEXAD ent-1`)
	require.Error(t, err)
	assert.Equal(t, verr.KindParse, verr.KindOf(err))
}

func TestInspectAndRepair(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	ins, err := e.Query(ctx, `INSERT HEXAD WITH DOCUMENT {text: "drifting source"}, VECTOR [9, 9, 9, 9]`)
	require.NoError(t, err)
	id := ins.HexadID

	_, matrix, err := e.Inspect(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, matrix)

	require.NoError(t, e.RepairDrift(ctx, id))

	h, matrix, err := e.Inspect(ctx, id)
	require.NoError(t, err)
	pair := [2]types.Modality{types.ModalityDocument, types.ModalityVector}
	score, ok := matrix[pair]
	require.True(t, ok)
	assert.Less(t, score, 0.31, "repair must bring drift under the threshold")
	assert.NotNil(t, h.Modalities[types.ModalityVector])
}

func TestRebuildIndex(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	store, err := e.Stores().Get("local")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "orphan", types.ModalityDocument, &types.Payload{
		Fields: map[string]any{"title": "lost"},
	}, 1))

	_, ok, err := e.Registry().Lookup("orphan")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, e.RebuildIndex(ctx))

	mapping, ok, err := e.Registry().Lookup("orphan")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "local", mapping[types.ModalityDocument])
}

func TestFetchAllFiltersTombstoned(t *testing.T) {
	tlog, err := temporal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { tlog.Close() })

	e := newEngine(t, Options{Temporal: tlog})
	ctx := context.Background()

	a, err := e.Query(ctx, `INSERT HEXAD WITH DOCUMENT {title: "keep"}`)
	require.NoError(t, err)
	b, err := e.Query(ctx, `INSERT HEXAD WITH DOCUMENT {title: "drop"}`)
	require.NoError(t, err)

	_, err = e.Query(ctx, `DELETE HEXAD "`+b.HexadID+`"`)
	require.NoError(t, err)

	hexads, err := e.FetchAll(ctx, []types.Modality{types.ModalityDocument})
	require.NoError(t, err)
	require.Len(t, hexads, 1)
	assert.Equal(t, a.HexadID, hexads[0].ID)
}
