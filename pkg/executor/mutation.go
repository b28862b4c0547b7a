package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/temporal"
	"github.com/verisimdb/verisimdb/pkg/typecheck"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
	"github.com/verisimdb/verisimdb/pkg/vql"
)

// sagaStep is one forward mutation step with its compensator.
type sagaStep struct {
	desc       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// runSaga executes the steps concurrently. On any failure the
// compensators of every completed step run in reverse completion order
// and the rollback is recorded in the audit log.
func (e *Executor) runSaga(ctx context.Context, hexadID string, steps []sagaStep) error {
	var (
		mu        sync.Mutex
		completed []sagaStep
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, step := range steps {
		g.Go(func() error {
			if err := step.run(gctx); err != nil {
				return err
			}
			mu.Lock()
			completed = append(completed, step)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	stepDescs := make([]string, len(steps))
	for i, s := range steps {
		stepDescs[i] = s.desc
	}

	if err == nil {
		if e.tlog != nil {
			if _, lerr := e.tlog.Append(temporal.Entry{
				Kind:    temporal.KindSagaCommit,
				HexadID: hexadID,
				Steps:   stepDescs,
			}); lerr != nil {
				return lerr
			}
		}
		return nil
	}

	// Compensation runs detached from the failed forward context so
	// cancellation does not strand partial writes.
	rctx := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		if cerr := completed[i].compensate(rctx); cerr != nil {
			log.WithComponent("executor").Error().
				Str("hexad_id", hexadID).
				Str("step", completed[i].desc).
				Err(cerr).
				Msg("saga compensation failed")
		}
	}

	if e.tlog != nil {
		if _, lerr := e.tlog.Append(temporal.Entry{
			Kind:    temporal.KindSagaRollback,
			HexadID: hexadID,
			Steps:   stepDescs,
			Detail:  map[string]string{"error": err.Error()},
		}); lerr != nil {
			log.WithComponent("executor").Error().Err(lerr).Msg("failed to record saga rollback")
		}
	}
	return err
}

// verifyMutationProofs discharges a mutation's obligations before any
// store is touched.
func (e *Executor) verifyMutationProofs(ctx context.Context, checked *typecheck.Checked, hexads []*types.Hexad) error {
	if checked.Plan == nil {
		return nil
	}
	witnesses := e.assembleWitnesses(checked.Plan, hexads)
	pctx, cancel := context.WithTimeout(ctx, e.deadlines.Proof)
	defer cancel()
	_, err := e.verifier.Discharge(pctx, checked.Plan, witnesses)
	return err
}

func (e *Executor) executeInsert(ctx context.Context, ins *vql.Insert, checked *typecheck.Checked) (*types.QueryResult, error) {
	if err := e.verifyMutationProofs(ctx, checked, nil); err != nil {
		return nil, err
	}

	id := e.allocateID()
	mapping := make(map[types.Modality]string, len(ins.Data))
	var steps []sagaStep

	for _, d := range ins.Data {
		payload := payloadFromData(d)
		stores := e.stores.ForModality(d.Modality)
		if len(stores) == 0 {
			return nil, verr.Runtime(verr.CodeStoreUnavailable, "no store serves modality %s", d.Modality)
		}
		store := stores[0]
		m := d.Modality
		mapping[m] = store.ID()

		steps = append(steps, sagaStep{
			desc: "write " + string(m) + " to " + store.ID(),
			run: func(sctx context.Context) error {
				b := e.stores.Breaker(store.ID())
				return b.Do(func() error {
					wctx, cancel := context.WithTimeout(sctx, e.deadlines.StoreWrite)
					defer cancel()
					return store.Put(wctx, id, m, payload, 1)
				})
			},
			compensate: func(cctx context.Context) error {
				return store.Delete(cctx, id, m)
			},
		})
	}

	if err := e.runSaga(ctx, id, steps); err != nil {
		return nil, err
	}

	if err := e.reg.MapHexad(id, mapping); err != nil {
		return nil, err
	}
	if e.tlog != nil {
		for _, d := range ins.Data {
			if _, err := e.tlog.Append(temporal.Entry{
				Kind:     temporal.KindInsert,
				HexadID:  id,
				Modality: d.Modality,
				Version:  1,
			}); err != nil {
				return nil, err
			}
		}
	}
	e.markTombstoned(id, false)
	e.detector.RecordWrite(id)
	e.invalidateMutationTags(ctx, id, checked.Declared)

	return &types.QueryResult{HexadID: id, Rows: []*types.Row{}}, nil
}

func (e *Executor) executeUpdate(ctx context.Context, upd *vql.Update, checked *typecheck.Checked) (*types.QueryResult, error) {
	h, found, err := e.FetchHexad(ctx, upd.HexadID)
	if err != nil {
		return nil, err
	}
	if !found || e.isTombstoned(upd.HexadID) {
		return nil, verr.Runtime(verr.CodeInvalidID, "hexad %s does not exist", upd.HexadID).WithID(upd.HexadID)
	}

	if err := e.verifyMutationProofs(ctx, checked, []*types.Hexad{h}); err != nil {
		return nil, err
	}

	mapping, _, err := e.reg.Lookup(upd.HexadID)
	if err != nil {
		return nil, err
	}

	var steps []sagaStep
	var touched []types.Modality
	for _, set := range upd.Sets {
		m := set.Ref.Modality
		store, serr := e.storeForModality(mapping, m)
		if serr != nil {
			return nil, serr
		}

		prev := h.Modalities[m]
		next := &types.Payload{}
		if prev != nil {
			cp := *prev
			next = &cp
		}
		fields := make(map[string]any, len(next.Fields)+1)
		for k, v := range next.Fields {
			fields[k] = v
		}
		fields[set.Ref.Field] = set.Value.Value()
		next.Fields = fields

		version := h.Versions[m] + 1
		touched = append(touched, m)

		steps = append(steps, sagaStep{
			desc: "update " + set.Ref.String() + " on " + store.ID(),
			run: func(sctx context.Context) error {
				b := e.stores.Breaker(store.ID())
				return b.Do(func() error {
					wctx, cancel := context.WithTimeout(sctx, e.deadlines.StoreWrite)
					defer cancel()
					return store.Put(wctx, upd.HexadID, m, next, version)
				})
			},
			compensate: func(cctx context.Context) error {
				if prev == nil {
					return store.Delete(cctx, upd.HexadID, m)
				}
				return store.Put(cctx, upd.HexadID, m, prev, version+1)
			},
		})
	}

	if err := e.runSaga(ctx, upd.HexadID, steps); err != nil {
		return nil, err
	}

	if e.tlog != nil {
		for _, m := range touched {
			if _, err := e.tlog.Append(temporal.Entry{
				Kind:     temporal.KindUpdate,
				HexadID:  upd.HexadID,
				Modality: m,
				Version:  h.Versions[m] + 1,
			}); err != nil {
				return nil, err
			}
		}
	}
	e.detector.RecordWrite(upd.HexadID)
	e.invalidateMutationTags(ctx, upd.HexadID, touched)

	return &types.QueryResult{HexadID: upd.HexadID, Rows: []*types.Row{}}, nil
}

func (e *Executor) executeDelete(ctx context.Context, del *vql.Delete, checked *typecheck.Checked) (*types.QueryResult, error) {
	h, found, err := e.FetchHexad(ctx, del.HexadID)
	if err != nil {
		return nil, err
	}
	if !found || e.isTombstoned(del.HexadID) {
		return nil, verr.Runtime(verr.CodeInvalidID, "hexad %s does not exist", del.HexadID).WithID(del.HexadID)
	}

	if err := e.verifyMutationProofs(ctx, checked, []*types.Hexad{h}); err != nil {
		return nil, err
	}

	// Deletion tombstones logically; physical removal is deferred and the
	// temporal log keeps the record.
	if e.tlog != nil {
		if _, err := e.tlog.Append(temporal.Entry{
			Kind:    temporal.KindTombstone,
			HexadID: del.HexadID,
		}); err != nil {
			return nil, err
		}
	}
	e.markTombstoned(del.HexadID, true)
	e.detector.Forget(del.HexadID)

	var mods []types.Modality
	for m := range h.Modalities {
		mods = append(mods, m)
	}
	e.invalidateMutationTags(ctx, del.HexadID, mods)

	return &types.QueryResult{HexadID: del.HexadID, Rows: []*types.Row{}}, nil
}

func (e *Executor) storeForModality(mapping map[types.Modality]string, m types.Modality) (modality.Store, error) {
	if storeID, ok := mapping[m]; ok {
		return e.stores.Get(storeID)
	}
	stores := e.stores.ForModality(m)
	if len(stores) == 0 {
		return nil, verr.Runtime(verr.CodeStoreUnavailable, "no store serves modality %s", m)
	}
	return stores[0], nil
}

func (e *Executor) invalidateMutationTags(ctx context.Context, hexadID string, mods []types.Modality) {
	if e.qcache == nil {
		return
	}
	e.qcache.InvalidateTag(ctx, "hexad:"+hexadID)
	for _, m := range mods {
		e.qcache.InvalidateTag(ctx, "modality:"+string(m))
	}
}

func (e *Executor) allocateID() string {
	if e.newID != nil {
		return e.newID()
	}
	return uuid.NewString()
}

func payloadFromData(d vql.ModalityData) *types.Payload {
	p := &types.Payload{}
	if len(d.Vector) > 0 {
		p.Embedding = d.Vector
	}
	if len(d.Fields) > 0 {
		p.Fields = make(map[string]any, len(d.Fields))
		for k, lit := range d.Fields {
			p.Fields[k] = lit.Value()
			if k == "text" {
				if s, ok := lit.Value().(string); ok {
					p.Text = s
				}
			}
		}
	}
	return p
}
