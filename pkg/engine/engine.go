package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/advisor"
	"github.com/verisimdb/verisimdb/pkg/cache"
	"github.com/verisimdb/verisimdb/pkg/config"
	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/executor"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/metrics"
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

// Engine is the top-level query surface: parse, check, execute, cache.
type Engine struct {
	mu  sync.RWMutex
	cfg *config.Config

	stores   *modality.Stores
	reg      registry.Registry
	broker   *events.Broker
	detector *drift.Detector
	norm     *normalize.Normalizer
	verifier *proof.Verifier
	tlog     *temporal.Log
	qcache   *cache.Cache
	checker  *typecheck.Checker
	exec     *executor.Executor
}

// Options assembles an engine. Zero-value optional fields get standalone
// defaults: an in-memory registry, an accept-all prover, no federation.
type Options struct {
	Config   *config.Config
	Stores   *modality.Stores
	Registry registry.Registry
	Prover   proof.Prover
	Cache    *cache.Cache
	Temporal *temporal.Log
	Fanout   executor.Fanout
	Broker   *events.Broker
	Schemas  *typecheck.SchemaRegistry
}

// New wires an engine.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	broker := opts.Broker
	if broker == nil {
		broker = events.NewBroker()
		broker.Start()
	}

	stores := opts.Stores
	if stores == nil {
		stores = modality.NewStores(cfg.Breaker.FailureThreshold, cfg.Breaker.CoolDown)
	}

	reg := opts.Registry
	if reg == nil {
		reg = registry.NewMem()
	}

	detector := drift.NewDetector(drift.Config{
		RepairThreshold:    cfg.Drift.RepairThreshold,
		FrequencyThreshold: cfg.Drift.FrequencyThreshold,
		SampleInterval:     cfg.Drift.SampleInterval,
		WorkingSetSize:     cfg.Drift.WorkingSetSize,
	}, broker, nil)

	e := &Engine{
		cfg:      cfg,
		stores:   stores,
		reg:      reg,
		broker:   broker,
		detector: detector,
		verifier: proof.NewVerifier(opts.Prover, cfg.Deadlines.Proof),
		tlog:     opts.Temporal,
		qcache:   opts.Cache,
		checker:  typecheck.New(opts.Schemas, cfg.Modalities, cfg.StrictMode),
	}

	e.norm = normalize.New(detector, broker, e.writeModality, normalize.StrategyHybrid)

	exec, err := executor.New(executor.Options{
		Stores:          stores,
		Registry:        reg,
		Detector:        detector,
		Normalizer:      e.norm,
		Verifier:        e.verifier,
		TemporalLog:     opts.Temporal,
		Cache:           opts.Cache,
		Fanout:          opts.Fanout,
		Deadlines:       cfg.Deadlines,
		RepairThreshold: cfg.Drift.RepairThreshold,
	})
	if err != nil {
		return nil, err
	}
	e.exec = exec
	return e, nil
}

// Stores exposes the modality store set (registration, stats).
func (e *Engine) Stores() *modality.Stores { return e.stores }

// Registry exposes the hexad/peer registry.
func (e *Engine) Registry() registry.Registry { return e.reg }

// Broker exposes the event broker.
func (e *Engine) Broker() *events.Broker { return e.broker }

// Detector exposes the drift detector.
func (e *Engine) Detector() *drift.Detector { return e.detector }

// Normalizer exposes the drift normalizer.
func (e *Engine) Normalizer() *normalize.Normalizer { return e.norm }

// Cache exposes the query cache, nil when caching is disabled.
func (e *Engine) Cache() *cache.Cache { return e.qcache }

// Query parses, checks and executes one VQL statement.
func (e *Engine) Query(ctx context.Context, input string) (*types.QueryResult, error) {
	stmt, err := vql.Parse(input)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("unknown", "parse_error").Inc()
		return nil, err
	}

	checked, err := e.checker.Check(stmt)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("unknown", "type_error").Inc()
		return nil, err
	}

	q, isQuery := stmt.(*vql.Query)
	source := "mutation"
	if isQuery {
		source = string(q.Source.Kind)
	}

	cacheable := isQuery && e.qcache != nil && (checked.Plan == nil || e.cfg.Cache.CacheProofs)
	key := ""
	if cacheable {
		key = queryKey(input)
		if entry, ok := e.qcache.Get(ctx, key); ok {
			var cached types.QueryResult
			if jerr := json.Unmarshal(entry.Value, &cached); jerr == nil {
				metrics.QueriesTotal.WithLabelValues(source, "cache_hit").Inc()
				return &cached, nil
			}
		}
	}

	timer := metrics.NewTimer()
	result, err := e.exec.Execute(ctx, checked)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(source, "error").Inc()
		return nil, err
	}
	timer.ObserveDurationVec(metrics.QueryDuration, source)
	metrics.QueriesTotal.WithLabelValues(source, "ok").Inc()

	if cacheable && result != nil {
		e.cacheResult(ctx, key, q, checked, result)
	}
	return result, nil
}

// cacheResult stores a query result with its invalidation tags. Slipstream
// results cache aggressively; dependent-type results use the strict
// policy and only when permitted.
func (e *Engine) cacheResult(ctx context.Context, key string, q *vql.Query, checked *typecheck.Checked, result *types.QueryResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	policyName := "slipstream"
	layers := cache.AllLayers
	if checked.Plan != nil {
		policyName = "proof"
		layers = cache.L1
	}
	policy, ok := e.cfg.Cache.Policies[policyName]
	if !ok {
		policy = config.CacheRelaxed
	}

	tags := []string{"plan"}
	if checked.Plan != nil {
		tags = append(tags, "zkp")
	}
	for _, m := range checked.Declared {
		tags = append(tags, "modality:"+string(m))
	}
	for _, row := range result.Rows {
		if row.HexadID != "" {
			tags = append(tags, "hexad:"+row.HexadID)
		}
	}
	if q.Source.Kind == vql.SourceFederation {
		tags = append(tags, "federation:"+q.Source.Glob)
	}

	e.mu.RLock()
	ttl := e.cfg.Cache.TTL(policy)
	e.mu.RUnlock()

	if err := e.qcache.Put(ctx, key, data, ttl, tags, layers); err != nil {
		log.WithComponent("engine").Debug().Err(err).Msg("cache put failed")
	}
}

// FetchAll returns every live hexad carrying all required modalities; the
// peer fan-out endpoint serves from this.
func (e *Engine) FetchAll(ctx context.Context, required []types.Modality) ([]*types.Hexad, error) {
	ids := make(map[string]bool)

	known, err := e.reg.ListHexads()
	if err != nil {
		return nil, err
	}
	for _, id := range known {
		ids[id] = true
	}
	for _, store := range e.stores.List() {
		for _, m := range store.Advertise() {
			entries, serr := store.Scan(ctx, m, modality.Predicate{}, 0, 0)
			if serr != nil {
				continue
			}
			for _, en := range entries {
				ids[en.ID] = true
			}
		}
	}

	var out []*types.Hexad
	for id := range ids {
		h, ok, ferr := e.exec.FetchHexad(ctx, id)
		if ferr != nil || !ok {
			continue
		}
		if h.Tombstoned || e.exec.IsTombstoned(id) || e.norm.IsQuarantined(id) {
			continue
		}
		carriesAll := true
		for _, m := range required {
			if !h.Has(m) {
				carriesAll = false
				break
			}
		}
		if carriesAll {
			out = append(out, h)
		}
	}
	return out, nil
}

// writeModality is the normalizer's write path: it routes a repaired
// payload to the owning store with the next version and records the
// repair in the temporal log.
func (e *Engine) writeModality(ctx context.Context, id string, m types.Modality, p *types.Payload) error {
	mapping, _, err := e.reg.Lookup(id)
	if err != nil {
		return err
	}
	var store modality.Store
	if storeID, ok := mapping[m]; ok {
		store, err = e.stores.Get(storeID)
		if err != nil {
			return err
		}
	} else {
		stores := e.stores.ForModality(m)
		if len(stores) == 0 {
			return nil
		}
		store = stores[0]
	}

	_, version, _, err := store.Get(ctx, id, m)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, id, m, p, version+1); err != nil {
		return err
	}
	if e.tlog != nil {
		if _, err := e.tlog.Append(temporal.Entry{
			Kind:     temporal.KindRepair,
			HexadID:  id,
			Modality: m,
			Version:  version + 1,
		}); err != nil {
			return err
		}
	}
	metrics.RepairsTotal.WithLabelValues(string(normalize.StrategyPush)).Inc()
	return nil
}

// Inspect returns one hexad with its recorded drift matrix.
func (e *Engine) Inspect(ctx context.Context, id string) (*types.Hexad, map[[2]types.Modality]float64, error) {
	h, ok, err := e.exec.FetchHexad(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, verr.Runtime(verr.CodeInvalidID, "hexad %s does not exist", id).WithID(id)
	}
	for a := range h.Modalities {
		for b := range h.Modalities {
			if a < b {
				e.detector.Score(h, a, b)
			}
		}
	}
	return h, e.detector.Matrix(id), nil
}

// RepairDrift re-derives every drifted modality of the hexad from the
// authoritative one (the document modality carries the source of truth
// for derived representations).
func (e *Engine) RepairDrift(ctx context.Context, id string) error {
	h, ok, err := e.exec.FetchHexad(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return verr.Runtime(verr.CodeInvalidID, "hexad %s does not exist", id).WithID(id)
	}

	authoritative := types.ModalityDocument
	if !h.Has(authoritative) {
		return verr.Runtime(verr.CodeDriftDetected, "hexad %s has no authoritative modality to repair from", id).WithID(id)
	}

	e.mu.RLock()
	threshold := e.cfg.Drift.RepairThreshold
	e.mu.RUnlock()

	for m := range h.Modalities {
		if m == authoritative {
			continue
		}
		score := e.detector.Score(h, authoritative, m)
		if score <= threshold {
			continue
		}
		severity := e.detector.Classify(score, false)
		if err := e.norm.Repair(ctx, h, authoritative, m, severity); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndex re-derives the hexad location map from the stores.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	for _, store := range e.stores.List() {
		for _, m := range store.Advertise() {
			entries, err := store.Scan(ctx, m, modality.Predicate{}, 0, 0)
			if err != nil {
				return err
			}
			for _, en := range entries {
				if err := e.reg.MapHexad(en.ID, map[types.Modality]string{m: store.ID()}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RunAdvisor polls the advisor on interval and applies accepted proposals
// atomically. Engine correctness never depends on the advisor.
func (e *Engine) RunAdvisor(ctx context.Context, adv advisor.Advisor, interval time.Duration) {
	if adv == nil {
		adv = advisor.Static{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			obs := advisor.Observations{Breakers: e.stores.Stats()}
			if e.qcache != nil {
				obs.Cache = e.qcache.Stats()
			}
			proposal, apply := adv.Propose(obs)
			if !apply {
				continue
			}
			e.mu.Lock()
			if proposal.RepairThreshold > 0 {
				e.cfg.Drift.RepairThreshold = proposal.RepairThreshold
			}
			if proposal.SampleInterval > 0 {
				e.cfg.Drift.SampleInterval = proposal.SampleInterval
			}
			e.mu.Unlock()
			log.WithComponent("engine").Info().Msg("applied advisor proposal")
		}
	}
}

// RunDriftSampler starts the background drift sampling loop.
func (e *Engine) RunDriftSampler(ctx context.Context) {
	e.detector.Run(ctx, func(id string) (*types.Hexad, bool) {
		h, ok, err := e.exec.FetchHexad(ctx, id)
		if err != nil {
			return nil, false
		}
		return h, ok
	})
}

// queryKey derives the cache key for a query string.
func queryKey(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "query:" + hex.EncodeToString(sum[:])
}
