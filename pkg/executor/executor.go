package executor

import (
	"context"
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/cache"
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

// Fanout issues a query's modality requirements to the federation and
// returns the combined hexad set. partial reports that some peers failed
// while a quorum answered.
type Fanout interface {
	Query(ctx context.Context, glob string, policy types.DriftPolicy, required []types.Modality) (hexads []*types.Hexad, partial bool, err error)
}

// Executor runs checked statements: it classifies conditions, routes to
// stores or the federation, assembles rows by hexad id, evaluates
// cross-modal predicates, and post-processes groups, ordering and
// pagination. Mutations run as sagas with reverse-order compensation.
type Executor struct {
	stores    *modality.Stores
	reg       registry.Registry
	detector  *drift.Detector
	norm      *normalize.Normalizer
	verifier  *proof.Verifier
	tlog      *temporal.Log
	qcache    *cache.Cache
	fanout    Fanout
	deadlines config.Deadlines

	// consistentFloor is the similarity at or above which CONSISTENT
	// predicates hold: 1 - the configured repair threshold.
	consistentFloor float64

	mu         sync.Mutex
	tombstones map[string]bool

	newID func() string
}

// Options wires an Executor.
type Options struct {
	Stores          *modality.Stores
	Registry        registry.Registry
	Detector        *drift.Detector
	Normalizer      *normalize.Normalizer
	Verifier        *proof.Verifier
	TemporalLog     *temporal.Log
	Cache           *cache.Cache
	Fanout          Fanout
	Deadlines       config.Deadlines
	RepairThreshold float64
	NewID           func() string
}

// New creates an executor and recovers the tombstone set from the
// temporal log.
func New(opts Options) (*Executor, error) {
	e := &Executor{
		stores:          opts.Stores,
		reg:             opts.Registry,
		detector:        opts.Detector,
		norm:            opts.Normalizer,
		verifier:        opts.Verifier,
		tlog:            opts.TemporalLog,
		qcache:          opts.Cache,
		fanout:          opts.Fanout,
		deadlines:       opts.Deadlines,
		consistentFloor: 1 - opts.RepairThreshold,
		tombstones:      make(map[string]bool),
		newID:           opts.NewID,
	}
	if e.deadlines.Query <= 0 {
		e.deadlines = config.Default().Deadlines
	}
	if opts.RepairThreshold <= 0 {
		e.consistentFloor = 0.7
	}

	if e.tlog != nil {
		err := e.tlog.Scan(func(entry temporal.Entry) bool {
			switch entry.Kind {
			case temporal.KindTombstone:
				e.tombstones[entry.HexadID] = true
			case temporal.KindInsert:
				delete(e.tombstones, entry.HexadID)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Execute runs one checked statement.
func (e *Executor) Execute(ctx context.Context, checked *typecheck.Checked) (*types.QueryResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.deadlines.Query)
	defer cancel()

	var (
		result *types.QueryResult
		err    error
	)
	switch s := checked.Statement.(type) {
	case *vql.Query:
		result, err = e.executeQuery(ctx, s, checked)
	case *vql.Insert:
		result, err = e.executeInsert(ctx, s, checked)
	case *vql.Update:
		result, err = e.executeUpdate(ctx, s, checked)
	case *vql.Delete:
		result, err = e.executeDelete(ctx, s, checked)
	default:
		return nil, verr.Runtime(verr.CodeInternal, "unknown statement")
	}
	if err != nil {
		return nil, err
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

func (e *Executor) executeQuery(ctx context.Context, q *vql.Query, checked *typecheck.Checked) (*types.QueryResult, error) {
	cls := classify(q.Where)

	var (
		hexads   []*types.Hexad
		partial  bool
		residual vql.Condition
		err      error
	)

	switch q.Source.Kind {
	case vql.SourceHexad:
		h, ok, ferr := e.FetchHexad(ctx, q.Source.HexadID)
		if ferr != nil {
			return nil, ferr
		}
		if ok {
			hexads = []*types.Hexad{h}
		}
		residual = q.Where

	case vql.SourceStore:
		hexads, err = e.scanStore(ctx, q.Source.StoreID, checked.Declared, cls)
		if err != nil {
			return nil, err
		}
		residual = cls.residual

	case vql.SourceFederation:
		if e.fanout == nil {
			return nil, verr.Federation(verr.CodeUnreachable, "federation is not configured")
		}
		fctx, cancel := context.WithTimeout(ctx, e.deadlines.FanOut)
		hexads, partial, err = e.fanout.Query(fctx, q.Source.Glob, q.Source.Drift, checked.Declared)
		cancel()
		if err != nil {
			return nil, err
		}
		residual = q.Where
	}

	filtered := hexads[:0:0]
	for _, h := range hexads {
		if h == nil || h.Tombstoned || e.isTombstoned(h.ID) {
			continue
		}
		if e.norm != nil && e.norm.IsQuarantined(h.ID) {
			continue
		}
		if residual != nil {
			ok, cerr := e.evalCondition(h, residual)
			if cerr != nil {
				return nil, cerr
			}
			if !ok {
				continue
			}
		}
		e.detector.Touch(h.ID)
		filtered = append(filtered, h)
	}

	result := &types.QueryResult{Partial: partial}

	if checked.Plan != nil {
		witnesses := e.assembleWitnesses(checked.Plan, filtered)
		pctx, cancel := context.WithTimeout(ctx, e.deadlines.Proof)
		certs, perr := e.verifier.Discharge(pctx, checked.Plan, witnesses)
		cancel()
		if perr != nil {
			return nil, perr
		}
		result.Certificates = certs
	}

	rows, err := e.postprocess(q, filtered)
	if err != nil {
		return nil, err
	}
	result.Rows = rows
	return result, nil
}

// FetchHexad assembles a hexad from the stores owning its modalities.
func (e *Executor) FetchHexad(ctx context.Context, id string) (*types.Hexad, bool, error) {
	if id == "" {
		return nil, false, verr.Runtime(verr.CodeInvalidID, "empty hexad id")
	}

	mapping, found, err := e.reg.Lookup(id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Unmapped ids fall back to every registered store.
		mapping = make(map[types.Modality]string)
		for _, s := range e.stores.List() {
			for _, m := range s.Advertise() {
				if _, taken := mapping[m]; !taken {
					mapping[m] = s.ID()
				}
			}
		}
	}

	h := types.NewHexad(id)
	present := false
	for m, storeID := range mapping {
		store, serr := e.stores.Get(storeID)
		if serr != nil {
			continue
		}
		b := e.stores.Breaker(storeID)
		var (
			payload *types.Payload
			version uint64
			ok      bool
		)
		berr := b.Do(func() error {
			rctx, cancel := context.WithTimeout(ctx, e.deadlines.StoreRead)
			defer cancel()
			var gerr error
			payload, version, ok, gerr = store.Get(rctx, id, m)
			return gerr
		})
		if berr != nil {
			log.WithComponent("executor").Debug().
				Str("store_id", storeID).
				Str("hexad_id", id).
				Err(berr).
				Msg("modality read failed")
			continue
		}
		if !ok {
			continue
		}
		h.Modalities[m] = payload
		h.Versions[m] = version
		hash, _ := store.ContentHash(ctx, id, m)
		h.Hashes[m] = hash
		present = true
	}
	if !present {
		return nil, false, nil
	}
	return h, true, nil
}

// scanStore delegates pushdown clauses to one store and assembles hexads
// from the surviving ids. Modalities with clauses constrain the candidate
// set conjunctively; modalities without clauses only contribute payloads.
func (e *Executor) scanStore(ctx context.Context, storeID string, declared []types.Modality, cls classified) ([]*types.Hexad, error) {
	store, err := e.stores.Get(storeID)
	if err != nil {
		return nil, err
	}

	advertised := make(map[types.Modality]bool)
	for _, m := range store.Advertise() {
		advertised[m] = true
	}

	var candidates map[string]bool
	constrained := false
	for m, clauses := range cls.pushdown {
		if !advertised[m] {
			// The store cannot answer this modality, so no hexad it holds
			// satisfies these clauses.
			return nil, nil
		}
		entries, serr := e.scanModality(ctx, store, m, modality.Predicate{Clauses: clauses})
		if serr != nil {
			return nil, serr
		}
		ids := make(map[string]bool, len(entries))
		for _, en := range entries {
			ids[en.ID] = true
		}
		if !constrained {
			candidates = ids
			constrained = true
			continue
		}
		for id := range candidates {
			if !ids[id] {
				delete(candidates, id)
			}
		}
	}

	if !constrained {
		candidates = make(map[string]bool)
		for _, m := range declared {
			if !advertised[m] {
				continue
			}
			entries, serr := e.scanModality(ctx, store, m, modality.Predicate{})
			if serr != nil {
				return nil, serr
			}
			for _, en := range entries {
				candidates[en.ID] = true
			}
		}
	}

	hexads := make([]*types.Hexad, 0, len(candidates))
	for id := range candidates {
		h := types.NewHexad(id)
		for m := range advertised {
			payload, version, ok, gerr := store.Get(ctx, id, m)
			if gerr != nil || !ok {
				continue
			}
			h.Modalities[m] = payload
			h.Versions[m] = version
			hash, _ := store.ContentHash(ctx, id, m)
			h.Hashes[m] = hash
		}
		hexads = append(hexads, h)
	}
	return hexads, nil
}

func (e *Executor) scanModality(ctx context.Context, store modality.Store, m types.Modality, pred modality.Predicate) ([]modality.Entry, error) {
	var entries []modality.Entry
	b := e.stores.Breaker(store.ID())
	err := verr.Retry(ctx, func() error {
		return b.Do(func() error {
			rctx, cancel := context.WithTimeout(ctx, e.deadlines.StoreRead)
			defer cancel()
			var serr error
			entries, serr = store.Scan(rctx, m, pred, 0, 0)
			return serr
		})
	})
	return entries, err
}

// IsTombstoned reports whether the hexad was logically deleted.
func (e *Executor) IsTombstoned(id string) bool {
	return e.isTombstoned(id)
}

func (e *Executor) isTombstoned(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tombstones[id]
}

func (e *Executor) markTombstoned(id string, dead bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dead {
		e.tombstones[id] = true
	} else {
		delete(e.tombstones, id)
	}
}
