package federation

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verisimdb/verisimdb/pkg/breaker"
	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// PeerClient fetches hexads carrying the required modalities from one
// federated peer.
type PeerClient interface {
	FetchHexads(ctx context.Context, peer *types.Peer, required []types.Modality) ([]*types.Hexad, error)
}

// FanoutConfig tunes the federation fan-out.
type FanoutConfig struct {
	MinTrust     float64
	ByzantineDev float64
	BreakerThreshold int
	BreakerCoolDown  time.Duration
}

// Fanout resolves federation globs to peers and combines their answers
// under a drift policy.
type Fanout struct {
	mu       sync.Mutex
	reg      registry.Registry
	client   PeerClient
	broker   *events.Broker
	cfg      FanoutConfig
	breakers map[string]*breaker.Breaker
}

// NewFanout creates the fan-out coordinator.
func NewFanout(reg registry.Registry, client PeerClient, broker *events.Broker, cfg FanoutConfig) *Fanout {
	if cfg.ByzantineDev <= 0 {
		cfg.ByzantineDev = 0.3
	}
	return &Fanout{
		reg:      reg,
		client:   client,
		broker:   broker,
		cfg:      cfg,
		breakers: make(map[string]*breaker.Breaker),
	}
}

// peerResult pairs one peer with its answer.
type peerResult struct {
	peer   *types.Peer
	hexads []*types.Hexad
}

// copyOf is one peer's copy of a hexad during combination.
type copyOf struct {
	peer  *types.Peer
	hexad *types.Hexad
}

// Query expands the glob to eligible peers, fans out concurrently, and
// combines by hexad id under the drift policy. partial reports that some
// peers failed while a majority answered.
func (f *Fanout) Query(ctx context.Context, glob string, policy types.DriftPolicy, required []types.Modality) ([]*types.Hexad, bool, error) {
	peers, err := f.resolve(glob, required)
	if err != nil {
		return nil, false, err
	}
	if len(peers) == 0 {
		return nil, false, nil
	}

	var (
		mu      sync.Mutex
		results []peerResult
		failed  int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		g.Go(func() error {
			b := f.breakerFor(peer.StoreID)
			var hexads []*types.Hexad
			err := b.Do(func() error {
				var ferr error
				hexads, ferr = f.client.FetchHexads(gctx, peer, required)
				return ferr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				log.WithPeerID(peer.StoreID).Warn().Err(err).Msg("peer fan-out failed")
				return nil // peer failures degrade to partial results
			}
			results = append(results, peerResult{peer: peer, hexads: hexads})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	if len(results) == 0 {
		return nil, false, verr.Federation(verr.CodeUnreachable, "all %d peers failed", len(peers))
	}
	// Timeouts surface as partial results only when a quorum answered.
	if failed > 0 && len(results) <= len(peers)/2 {
		return nil, false, verr.Federation(verr.CodePartialResults, "%d of %d peers answered, below quorum", len(results), len(peers))
	}

	f.detectByzantine(results)

	combined, err := f.combine(results, policy)
	if err != nil {
		return nil, false, err
	}
	return combined, failed > 0, nil
}

// resolve expands the glob over registered peers whose advertised
// modalities cover the requirement and whose trust clears the floor.
func (f *Fanout) resolve(glob string, required []types.Modality) ([]*types.Peer, error) {
	peers, err := f.reg.ListPeers()
	if err != nil {
		return nil, err
	}
	pattern := strings.TrimPrefix(glob, "/")

	var out []*types.Peer
	for _, p := range peers {
		if p.Status == types.PeerStatusUnreachable {
			continue
		}
		if p.TrustScore < f.cfg.MinTrust {
			continue
		}
		if !p.Covers(required) {
			continue
		}
		if pattern != "" && pattern != "*" {
			ok, merr := path.Match(pattern, p.StoreID)
			if merr != nil {
				return nil, verr.Parse(verr.CodeSyntax, "invalid federation glob %q", glob)
			}
			if !ok {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out, nil
}

// combine deduplicates by hexad id and applies the drift policy: STRICT
// fails on conflicting versions, REPAIR keeps the newest and flags the
// conflict, TOLERATE keeps all versions annotated with their peer, LATEST
// keeps the highest temporal version across peers.
func (f *Fanout) combine(results []peerResult, policy types.DriftPolicy) ([]*types.Hexad, error) {
	byID := make(map[string][]copyOf)
	var order []string
	for _, r := range results {
		for _, h := range r.hexads {
			if _, seen := byID[h.ID]; !seen {
				order = append(order, h.ID)
			}
			byID[h.ID] = append(byID[h.ID], copyOf{peer: r.peer, hexad: h})
		}
	}
	sort.Strings(order)

	var out []*types.Hexad
	for _, id := range order {
		copies := byID[id]
		if len(copies) == 1 {
			out = append(out, copies[0].hexad)
			continue
		}

		conflicting := false
		for _, c := range copies[1:] {
			if !sameContent(copies[0].hexad, c.hexad) {
				conflicting = true
				break
			}
		}
		if !conflicting {
			out = append(out, copies[0].hexad)
			continue
		}

		switch policy {
		case types.DriftStrict:
			return nil, verr.Federation(verr.CodeByzantineSuspected,
				"peers disagree on hexad %s under STRICT drift policy", id).WithID(id)

		case types.DriftTolerate:
			for _, c := range copies {
				out = append(out, annotate(c.hexad, c.peer.StoreID))
			}

		case types.DriftRepair:
			newest := latestCopy(copies)
			out = append(out, newest)
			if f.broker != nil {
				f.broker.Publish(&events.Event{
					Type:     events.EventDriftDetected,
					Message:  "federated copies diverged, kept newest",
					Metadata: map[string]string{"hexad_id": id},
				})
			}

		default: // LATEST
			out = append(out, latestCopy(copies))
		}
	}
	return out, nil
}

func latestCopy(copies []copyOf) *types.Hexad {
	best := copies[0].hexad
	bestV := totalVersion(best)
	for _, c := range copies[1:] {
		if v := totalVersion(c.hexad); v > bestV {
			best, bestV = c.hexad, v
		}
	}
	return best
}

func totalVersion(h *types.Hexad) uint64 {
	var sum uint64
	for _, v := range h.Versions {
		sum += v
	}
	return sum
}

func sameContent(a, b *types.Hexad) bool {
	if len(a.Modalities) != len(b.Modalities) {
		return false
	}
	for m := range a.Modalities {
		if a.Hashes[m] != b.Hashes[m] {
			return false
		}
	}
	return true
}

// annotate records the serving peer in the hexad's temporal modality so
// TOLERATE rows stay distinguishable.
func annotate(h *types.Hexad, peerID string) *types.Hexad {
	p := h.Modalities[types.ModalityTemporal]
	if p == nil {
		p = &types.Payload{}
		h.Modalities[types.ModalityTemporal] = p
	}
	if p.Fields == nil {
		p.Fields = make(map[string]any)
	}
	p.Fields["peer"] = peerID
	return h
}

// detectByzantine scores each peer by the fraction of its (hexad, modality)
// hashes that match the trust-weighted majority hash, and flags peers whose
// score falls more than the configured threshold below the median score.
// Flagged peers are logged and reported as suspected events; their status
// is not changed and unregistration stays an operator decision.
func (f *Fanout) detectByzantine(results []peerResult) {
	if len(results) < 3 {
		return
	}

	// Majority content hash per (hexad, modality).
	votes := make(map[string]map[string]float64)
	for _, r := range results {
		for _, h := range r.hexads {
			for m, hash := range h.Hashes {
				key := h.ID + "/" + string(m)
				if votes[key] == nil {
					votes[key] = make(map[string]float64)
				}
				votes[key][hash] += r.peer.TrustScore
			}
		}
	}
	majority := make(map[string]string, len(votes))
	for key, hs := range votes {
		bestHash, bestW := "", -1.0
		for hash, w := range hs {
			if w > bestW {
				bestHash, bestW = hash, w
			}
		}
		majority[key] = bestHash
	}

	scores := make([]float64, 0, len(results))
	agreement := make(map[string]float64, len(results))
	for _, r := range results {
		total, agreed := 0, 0
		for _, h := range r.hexads {
			for m, hash := range h.Hashes {
				total++
				if majority[h.ID+"/"+string(m)] == hash {
					agreed++
				}
			}
		}
		score := 1.0
		if total > 0 {
			score = float64(agreed) / float64(total)
		}
		agreement[r.peer.StoreID] = score
		scores = append(scores, score)
	}

	sort.Float64s(scores)
	median := scores[len(scores)/2]

	for _, r := range results {
		if median-agreement[r.peer.StoreID] > f.cfg.ByzantineDev {
			log.WithPeerID(r.peer.StoreID).Warn().
				Float64("agreement", agreement[r.peer.StoreID]).
				Float64("median", median).
				Msg("peer deviates from trust-weighted majority")
			if f.broker != nil {
				f.broker.Publish(&events.Event{
					Type:     events.EventPeerSuspected,
					Message:  "response deviates from trust-weighted majority",
					Metadata: map[string]string{"peer_id": r.peer.StoreID},
				})
			}
		}
	}
}

func (f *Fanout) breakerFor(peerID string) *breaker.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.breakers[peerID]
	if !ok {
		threshold := f.cfg.BreakerThreshold
		if threshold <= 0 {
			threshold = 5
		}
		b = breaker.New("peer:"+peerID, threshold, f.cfg.BreakerCoolDown)
		f.breakers[peerID] = b
	}
	return b
}

// BreakerStats reports every peer breaker's counters.
func (f *Fanout) BreakerStats() []breaker.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]breaker.Stats, 0, len(f.breakers))
	for _, b := range f.breakers {
		out = append(out, b.Stats())
	}
	return out
}
