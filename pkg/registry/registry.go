package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// Registry resolves hexad ids to the stores owning each modality, and
// tracks federated peers. Standalone deployments back it with a local
// bolt database; federated deployments drive it through the replicated
// metadata log, which applies committed commands here.
type Registry interface {
	// Hexad location map
	MapHexad(id string, mapping map[types.Modality]string) error
	UnmapHexad(id string) error
	Lookup(id string) (map[types.Modality]string, bool, error)
	ListHexads() ([]string, error)

	// Peers
	RegisterPeer(p *types.Peer) error
	UnregisterPeer(storeID string) error
	GetPeer(storeID string) (*types.Peer, bool, error)
	ListPeers() ([]*types.Peer, error)
	UpdateTrust(storeID string, trust float64) error

	// State is the full registry state for snapshots.
	State() (*State, error)
	Restore(st *State) error

	Close() error
}

// State is the snapshot form of a registry.
type State struct {
	Version           int                               `json:"version"`
	Peers             map[string]*types.Peer            `json:"peers"`
	Mappings          map[string]map[types.Modality]string `json:"mappings"`
	SnapshotTimestamp time.Time                         `json:"snapshotTimestamp"`
}

// Apply applies one committed metadata command to the registry.
func Apply(r Registry, cmd *types.Command) error {
	switch cmd.Type {
	case types.CommandRegisterPeer:
		if cmd.Peer == nil {
			return verr.Federation(verr.CodeInternal, "register_peer without peer")
		}
		return r.RegisterPeer(cmd.Peer)
	case types.CommandUnregisterPeer:
		return r.UnregisterPeer(cmd.StoreID)
	case types.CommandMapHexad:
		return r.MapHexad(cmd.HexadID, cmd.Mapping)
	case types.CommandUnmapHexad:
		return r.UnmapHexad(cmd.HexadID)
	case types.CommandUpdateTrust:
		return r.UpdateTrust(cmd.StoreID, cmd.Trust)
	case types.CommandNoOp:
		return nil
	}
	return verr.Federation(verr.CodeInternal, "unknown metadata command %q", cmd.Type)
}

// Mem is the in-memory Registry used standalone and as the raft FSM target.
type Mem struct {
	mu       sync.RWMutex
	peers    map[string]*types.Peer
	mappings map[string]map[types.Modality]string
}

// NewMem creates an empty in-memory registry.
func NewMem() *Mem {
	return &Mem{
		peers:    make(map[string]*types.Peer),
		mappings: make(map[string]map[types.Modality]string),
	}
}

func (r *Mem) MapHexad(id string, mapping map[types.Modality]string) error {
	if id == "" {
		return verr.Runtime(verr.CodeInvalidID, "empty hexad id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.mappings[id]
	if !ok {
		cur = make(map[types.Modality]string)
		r.mappings[id] = cur
	}
	for m, store := range mapping {
		cur[m] = store
	}
	return nil
}

func (r *Mem) UnmapHexad(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappings, id)
	return nil
}

func (r *Mem) Lookup(id string) (map[types.Modality]string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.mappings[id]
	if !ok {
		return nil, false, nil
	}
	out := make(map[types.Modality]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, true, nil
}

func (r *Mem) ListHexads() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.mappings))
	for id := range r.mappings {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Mem) RegisterPeer(p *types.Peer) error {
	if p.StoreID == "" {
		return verr.Runtime(verr.CodeInvalidID, "peer without store id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *p
	if cp.Status == "" {
		cp.Status = types.PeerStatusActive
	}
	r.peers[p.StoreID] = &cp
	return nil
}

func (r *Mem) UnregisterPeer(storeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, storeID)
	return nil
}

func (r *Mem) GetPeer(storeID string) (*types.Peer, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[storeID]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

func (r *Mem) ListPeers() ([]*types.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out, nil
}

func (r *Mem) UpdateTrust(storeID string, trust float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[storeID]
	if !ok {
		return verr.Federation(verr.CodeInternal, "trust update for unknown peer %s", storeID).WithID(storeID)
	}
	if trust < 0 {
		trust = 0
	}
	if trust > 1 {
		trust = 1
	}
	p.TrustScore = trust
	return nil
}

func (r *Mem) State() (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := &State{
		Version:           1,
		Peers:             make(map[string]*types.Peer, len(r.peers)),
		Mappings:          make(map[string]map[types.Modality]string, len(r.mappings)),
		SnapshotTimestamp: time.Now().UTC(),
	}
	for id, p := range r.peers {
		cp := *p
		st.Peers[id] = &cp
	}
	for id, m := range r.mappings {
		cm := make(map[types.Modality]string, len(m))
		for k, v := range m {
			cm[k] = v
		}
		st.Mappings[id] = cm
	}
	return st, nil
}

func (r *Mem) Restore(st *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers = make(map[string]*types.Peer, len(st.Peers))
	for id, p := range st.Peers {
		cp := *p
		r.peers[id] = &cp
	}
	r.mappings = make(map[string]map[types.Modality]string, len(st.Mappings))
	for id, m := range st.Mappings {
		cm := make(map[types.Modality]string, len(m))
		for k, v := range m {
			cm[k] = v
		}
		r.mappings[id] = cm
	}
	return nil
}

func (r *Mem) Close() error { return nil }
