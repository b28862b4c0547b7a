package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/config"
	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/normalize"
	"github.com/verisimdb/verisimdb/pkg/proof"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/temporal"
	"github.com/verisimdb/verisimdb/pkg/typecheck"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
	"github.com/verisimdb/verisimdb/pkg/vql"
)

func init() {
	log.Init(log.Config{Verbosity: log.Silent})
}

type fixture struct {
	exec   *Executor
	stores *modality.Stores
	reg    *registry.Mem
	tlog   *temporal.Log
	store  *modality.Memory
}

func newFixture(t *testing.T, fanout Fanout) *fixture {
	t.Helper()

	stores := modality.NewStores(5, time.Minute)
	store := modality.NewMemory("s1", types.CoreModalities()...)
	stores.Register(store)

	reg := registry.NewMem()
	detector := drift.NewDetector(drift.Config{RepairThreshold: 0.3}, nil, nil)
	norm := normalize.New(detector, nil, nil, normalize.StrategyHybrid)

	tlog, err := temporal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { tlog.Close() })

	exec, err := New(Options{
		Stores:          stores,
		Registry:        reg,
		Detector:        detector,
		Normalizer:      norm,
		Verifier:        proof.NewVerifier(nil, time.Second),
		TemporalLog:     tlog,
		Fanout:          fanout,
		Deadlines:       config.Default().Deadlines,
		RepairThreshold: 0.3,
	})
	require.NoError(t, err)

	return &fixture{exec: exec, stores: stores, reg: reg, tlog: tlog, store: store}
}

func (f *fixture) seed(t *testing.T, id string, payloads map[types.Modality]*types.Payload) {
	t.Helper()
	ctx := context.Background()
	mapping := make(map[types.Modality]string, len(payloads))
	for m, p := range payloads {
		require.NoError(t, f.store.Put(ctx, id, m, p, 1))
		mapping[m] = "s1"
	}
	require.NoError(t, f.reg.MapHexad(id, mapping))
}

func (f *fixture) run(t *testing.T, input string) (*types.QueryResult, error) {
	t.Helper()
	stmt, err := vql.Parse(input)
	require.NoError(t, err)
	checked, err := typecheck.New(nil, nil, false).Check(stmt)
	require.NoError(t, err)
	return f.exec.Execute(context.Background(), checked)
}

func TestSlipstreamHexadQuery(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ent-1", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Fields: map[string]any{"title": "X", "severity": 5}},
		types.ModalityVector:   {Embedding: []float64{0.1, 0.2, 0.3}},
	})

	result, err := f.run(t, `SELECT DOCUMENT.title, DOCUMENT.severity FROM HEXAD ent-1 WHERE DOCUMENT.severity > 3 LIMIT 10`)
	require.NoError(t, err)

	require.Len(t, result.Rows, 1)
	assert.Equal(t, "X", result.Rows[0].Values["document.title"])
	assert.Equal(t, 5, result.Rows[0].Values["document.severity"])
}

func TestWhereFiltersOut(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ent-1", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Fields: map[string]any{"severity": 2}},
	})

	result, err := f.run(t, `SELECT DOCUMENT.severity FROM HEXAD ent-1 WHERE DOCUMENT.severity > 3`)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func TestLimitZeroYieldsEmptyResult(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ent-1", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Fields: map[string]any{"severity": 5}},
	})

	result, err := f.run(t, `SELECT DOCUMENT.severity FROM HEXAD ent-1 LIMIT 0`)
	require.NoError(t, err)
	assert.NotNil(t, result.Rows)
	assert.Empty(t, result.Rows)
}

func TestGroupByCountOrderDeterminism(t *testing.T) {
	f := newFixture(t, nil)
	names := []string{"a", "b", "a", "a", "b"}
	for i, name := range names {
		f.seed(t, "ent-"+string(rune('0'+i)), map[types.Modality]*types.Payload{
			types.ModalityDocument: {Fields: map[string]any{"name": name}},
		})
	}

	const q = `SELECT DOCUMENT.name, COUNT(*) FROM STORE s1 GROUP BY DOCUMENT.name ORDER BY DOCUMENT.name ASC`
	result, err := f.run(t, q)
	require.NoError(t, err)

	require.Len(t, result.Rows, 2)
	assert.Equal(t, "a", result.Rows[0].Values["document.name"])
	assert.Equal(t, float64(3), result.Rows[0].Values["COUNT(*)"])
	assert.Equal(t, "b", result.Rows[1].Values["document.name"])
	assert.Equal(t, float64(2), result.Rows[1].Values["COUNT(*)"])

	// Determinism: repeated execution yields identical rows.
	again, err := f.run(t, q)
	require.NoError(t, err)
	assert.Equal(t, result.Rows, again.Rows)
}

func TestAggregatesOverStore(t *testing.T) {
	f := newFixture(t, nil)
	for i, sev := range []int{2, 4, 6} {
		f.seed(t, "ent-"+string(rune('a'+i)), map[types.Modality]*types.Payload{
			types.ModalityDocument: {Fields: map[string]any{"severity": sev}},
		})
	}

	result, err := f.run(t, `SELECT SUM(DOCUMENT.severity), AVG(DOCUMENT.severity), MIN(DOCUMENT.severity), MAX(DOCUMENT.severity) FROM STORE s1`)
	require.NoError(t, err)

	require.Len(t, result.Rows, 1)
	row := result.Rows[0]
	assert.Equal(t, float64(12), row.Values["SUM(document.severity)"])
	assert.Equal(t, float64(4), row.Values["AVG(document.severity)"])
	assert.Equal(t, 2, row.Values["MIN(document.severity)"])
	assert.Equal(t, 6, row.Values["MAX(document.severity)"])
}

func TestHavingFiltersGroups(t *testing.T) {
	f := newFixture(t, nil)
	for i, name := range []string{"a", "b", "a"} {
		f.seed(t, "ent-"+string(rune('0'+i)), map[types.Modality]*types.Payload{
			types.ModalityDocument: {Fields: map[string]any{"name": name}},
		})
	}

	result, err := f.run(t, `SELECT DOCUMENT.name, COUNT(*) FROM STORE s1 GROUP BY DOCUMENT.name HAVING COUNT(*) > 1`)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "a", result.Rows[0].Values["document.name"])
}

func TestClassifyConjunctionSplits(t *testing.T) {
	stmt, err := vql.Parse(`SELECT * FROM STORE s1 WHERE DOCUMENT.severity > 3 AND DRIFT(DOCUMENT, VECTOR) > 0.3 AND DOCUMENT.title CONTAINS "x"`)
	require.NoError(t, err)
	q := stmt.(*vql.Query)

	cls := classify(q.Where)
	require.Len(t, cls.pushdown[types.ModalityDocument], 2)
	_, isDrift := cls.residual.(*vql.DriftPred)
	assert.True(t, isDrift, "only the cross-modal predicate stays in the residual")
}

func TestClassifyDisjunctionStaysCrossModal(t *testing.T) {
	stmt, err := vql.Parse(`SELECT * FROM STORE s1 WHERE DOCUMENT.severity > 3 OR DRIFT(DOCUMENT, VECTOR) > 0.3`)
	require.NoError(t, err)
	q := stmt.(*vql.Query)

	cls := classify(q.Where)
	assert.Empty(t, cls.pushdown)
	_, isOr := cls.residual.(*vql.Or)
	assert.True(t, isOr)
}

// fakeFanout serves a fixed hexad set for federation queries.
type fakeFanout struct {
	hexads  []*types.Hexad
	partial bool
}

func (f *fakeFanout) Query(ctx context.Context, glob string, policy types.DriftPolicy, required []types.Modality) ([]*types.Hexad, bool, error) {
	return f.hexads, f.partial, nil
}

func TestFederatedDriftFilter(t *testing.T) {
	text := "shared source text"
	entA := types.NewHexad("ent-A")
	entA.Modalities[types.ModalityDocument] = &types.Payload{Text: text}
	entA.Modalities[types.ModalityVector] = &types.Payload{Embedding: drift.TextFingerprint(text)}

	entB := types.NewHexad("ent-B")
	entB.Modalities[types.ModalityDocument] = &types.Payload{Text: "abc"}
	entB.Modalities[types.ModalityVector] = &types.Payload{Embedding: []float64{0, 1, 0, 0}}

	f := newFixture(t, &fakeFanout{hexads: []*types.Hexad{entA, entB}})

	result, err := f.run(t, `SELECT * FROM FEDERATION /* WITH DRIFT TOLERATE WHERE DRIFT(DOCUMENT, VECTOR) > 0.3`)
	require.NoError(t, err)

	require.Len(t, result.Rows, 1)
	assert.Equal(t, "ent-B", result.Rows[0].HexadID)
}

func TestInsertSagaRollback(t *testing.T) {
	f := newFixture(t, nil)

	// A second store owns the vector modality and refuses every write.
	failing := modality.NewMemory("s2", types.ModalityVector)
	failing.PutHook = func(id string, m types.Modality) error {
		time.Sleep(20 * time.Millisecond) // let the document write land first
		return verr.Modality(verr.CodeInternal, "disk full")
	}
	// Replace the fixture store so vector routes to the failing one.
	f.stores = modality.NewStores(5, time.Minute)
	docStore := modality.NewMemory("s1", types.ModalityDocument)
	f.stores.Register(docStore)
	f.stores.Register(failing)
	exec, err := New(Options{
		Stores:          f.stores,
		Registry:        f.reg,
		Detector:        drift.NewDetector(drift.Config{RepairThreshold: 0.3}, nil, nil),
		Normalizer:      normalize.New(nil, nil, nil, normalize.StrategyHybrid),
		Verifier:        proof.NewVerifier(nil, time.Second),
		TemporalLog:     f.tlog,
		Deadlines:       config.Default().Deadlines,
		RepairThreshold: 0.3,
		NewID:           func() string { return "ent-new" },
	})
	require.NoError(t, err)
	f.exec = exec

	_, err = f.run(t, `INSERT HEXAD WITH DOCUMENT {title: "X"}, VECTOR [0.1, 0.2]`)
	require.Error(t, err)

	// The document write was compensated.
	_, _, ok, gerr := docStore.Get(context.Background(), "ent-new", types.ModalityDocument)
	require.NoError(t, gerr)
	assert.False(t, ok, "compensator must erase the document write")

	// Nothing entered the public registry.
	_, mapped, err := f.reg.Lookup("ent-new")
	require.NoError(t, err)
	assert.False(t, mapped)

	// The audit log records the rollback with both steps.
	var rollback *temporal.Entry
	require.NoError(t, f.tlog.Scan(func(e temporal.Entry) bool {
		if e.Kind == temporal.KindSagaRollback {
			rollback = &e
		}
		return true
	}))
	require.NotNil(t, rollback, "audit log must contain a saga_rollback entry")
	assert.Len(t, rollback.Steps, 2)
}

func TestInsertThenQuery(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.run(t, `INSERT HEXAD WITH DOCUMENT {title: "fresh", severity: 7}`)
	require.NoError(t, err)
	require.NotEmpty(t, result.HexadID)

	q, err := f.run(t, `SELECT DOCUMENT.title FROM HEXAD "`+result.HexadID+`"`)
	require.NoError(t, err)
	require.Len(t, q.Rows, 1)
	assert.Equal(t, "fresh", q.Rows[0].Values["document.title"])
}

func TestUpdateBumpsVersion(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ent-1", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Fields: map[string]any{"title": "old"}},
	})

	_, err := f.run(t, `UPDATE HEXAD ent-1 SET DOCUMENT.title = "new"`)
	require.NoError(t, err)

	p, version, ok, err := f.store.Get(context.Background(), "ent-1", types.ModalityDocument)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", p.Fields["title"])
	assert.Equal(t, uint64(2), version)
}

func TestDeleteTombstones(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ent-1", map[types.Modality]*types.Payload{
		types.ModalityDocument: {Fields: map[string]any{"title": "X"}},
	})

	_, err := f.run(t, `DELETE HEXAD ent-1`)
	require.NoError(t, err)

	// Tombstoned hexads vanish from queries while the payload stays put
	// for deferred physical removal.
	result, err := f.run(t, `SELECT DOCUMENT.title FROM HEXAD ent-1`)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)

	_, _, ok, err := f.store.Get(context.Background(), "ent-1", types.ModalityDocument)
	require.NoError(t, err)
	assert.True(t, ok)

	// Deleting again fails: the hexad is logically gone.
	_, err = f.run(t, `DELETE HEXAD ent-1`)
	require.Error(t, err)
}

func TestProofQueryProducesCertificates(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ent-1", map[types.Modality]*types.Payload{
		types.ModalitySemantic: {Fields: map[string]any{"claim": "typed"}},
	})

	result, err := f.run(t, `SELECT SEMANTIC FROM HEXAD ent-1 PROOF EXISTENCE(presence) AND INTEGRITY(tamper-free)`)
	require.NoError(t, err)

	require.Len(t, result.Certificates, 2)
	for _, cert := range result.Certificates {
		require.NoError(t, proof.VerifyCertificate(cert))
	}

	// Mutating a certificate invalidates it.
	result.Certificates[0].Witness["hexad_id"] = []string{"forged"}
	assert.Error(t, proof.VerifyCertificate(result.Certificates[0]))
}

func TestOrderByTieBreakByHexadID(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"ent-c", "ent-a", "ent-b"} {
		f.seed(t, id, map[types.Modality]*types.Payload{
			types.ModalityDocument: {Fields: map[string]any{"name": "same"}},
		})
	}

	result, err := f.run(t, `SELECT DOCUMENT.name FROM STORE s1 ORDER BY DOCUMENT.name ASC`)
	require.NoError(t, err)

	require.Len(t, result.Rows, 3)
	assert.Equal(t, "ent-a", result.Rows[0].HexadID)
	assert.Equal(t, "ent-b", result.Rows[1].HexadID)
	assert.Equal(t, "ent-c", result.Rows[2].HexadID)
}
