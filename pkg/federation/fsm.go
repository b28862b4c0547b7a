package federation

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/types"
)

// MetadataFSM implements the Raft finite state machine over the peer
// registry. Committed metadata commands are applied exactly once, in log
// order; snapshots capture the full registry state.
type MetadataFSM struct {
	mu  sync.RWMutex
	reg registry.Registry

	appliedTerm  uint64
	appliedIndex uint64
	applied      []types.LogEntry
}

// NewMetadataFSM creates an FSM applying commands to reg.
func NewMetadataFSM(reg registry.Registry) *MetadataFSM {
	return &MetadataFSM{reg: reg}
}

// Apply applies a committed Raft log entry to the registry.
// This is called by Raft once the entry is stored on a quorum.
func (f *MetadataFSM) Apply(l *raft.Log) interface{} {
	var cmd types.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal metadata command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := registry.Apply(f.reg, &cmd); err != nil {
		return err
	}
	f.appliedTerm = l.Term
	f.appliedIndex = l.Index
	f.applied = append(f.applied, types.LogEntry{
		Term:      l.Term,
		Index:     l.Index,
		Command:   cmd,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Applied returns the committed entries applied so far, in order.
func (f *MetadataFSM) Applied() []types.LogEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]types.LogEntry, len(f.applied))
	copy(out, f.applied)
	return out
}

// LastApplied returns the (term, index) of the last applied entry.
func (f *MetadataFSM) LastApplied() (uint64, uint64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.appliedTerm, f.appliedIndex
}

// snapshotEnvelope is the on-disk snapshot format.
type snapshotEnvelope struct {
	Version           int             `json:"version"`
	NodeState         *registry.State `json:"nodeState"`
	SnapshotTimestamp time.Time       `json:"snapshotTimestamp"`
}

// Snapshot creates a point-in-time snapshot of the registry state.
func (f *MetadataFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, err := f.reg.State()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{state: st}, nil
}

// Restore replaces the registry state from a snapshot stream.
func (f *MetadataFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var env snapshotEnvelope
	if err := json.NewDecoder(rc).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if env.NodeState == nil {
		return fmt.Errorf("snapshot carries no node state")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reg.Restore(env.NodeState)
}

type fsmSnapshot struct {
	state *registry.State
}

// Persist writes the snapshot to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		env := snapshotEnvelope{
			Version:           1,
			NodeState:         s.state,
			SnapshotTimestamp: time.Now().UTC(),
		}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
