package modality

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// Memory is an in-memory reference Store. It backs standalone deployments
// and tests; production modality engines implement Store externally.
type Memory struct {
	mu   sync.RWMutex
	id   string
	mods []types.Modality
	data map[types.Modality]map[string]*memEntry

	// PutHook, when set, runs before each write and may veto it. Tests use
	// it to inject store failures.
	PutHook func(id string, m types.Modality) error
}

type memEntry struct {
	payload *types.Payload
	version uint64
}

// NewMemory creates an in-memory store serving the given modalities.
func NewMemory(id string, mods ...types.Modality) *Memory {
	data := make(map[types.Modality]map[string]*memEntry, len(mods))
	for _, m := range mods {
		data[m] = make(map[string]*memEntry)
	}
	return &Memory{id: id, mods: mods, data: data}
}

func (s *Memory) ID() string { return s.id }

func (s *Memory) Advertise() []types.Modality {
	out := make([]types.Modality, len(s.mods))
	copy(out, s.mods)
	return out
}

func (s *Memory) Put(ctx context.Context, id string, m types.Modality, p *types.Payload, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.PutHook != nil {
		if err := s.PutHook(id, m); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.data[m]
	if !ok {
		return verr.Modality(verr.CodeNotFound, "store %s does not serve modality %s", s.id, m)
	}
	if cur, ok := bucket[id]; ok && version <= cur.version {
		return verr.Modality(verr.CodeConflict, "store %s: stale write for %s@%s (have v%d, got v%d)", s.id, id, m, cur.version, version)
	}
	bucket[id] = &memEntry{payload: p, version: version}
	return nil
}

func (s *Memory) Get(ctx context.Context, id string, m types.Modality) (*types.Payload, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.data[m]
	if !ok {
		return nil, 0, false, nil
	}
	e, ok := bucket[id]
	if !ok {
		return nil, 0, false, nil
	}
	return e.payload, e.version, true, nil
}

func (s *Memory) Scan(ctx context.Context, m types.Modality, pred Predicate, limit, offset int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.data[m]
	if !ok {
		return nil, nil
	}

	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Entry
	skipped := 0
	for _, id := range ids {
		e := bucket[id]
		if !Matches(pred, e.payload) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, Entry{ID: id, Payload: e.payload, Version: e.version})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) Delete(ctx context.Context, id string, m types.Modality) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.data[m]; ok {
		delete(bucket, id)
	}
	return nil
}

func (s *Memory) ContentHash(ctx context.Context, id string, m types.Modality) (string, error) {
	p, _, ok, err := s.Get(ctx, id, m)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return HashPayload(p), nil
}

// HashPayload computes the deterministic content hash of a payload:
// sha256 over its canonical JSON encoding (map keys sorted by encoding/json).
func HashPayload(p *types.Payload) string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
