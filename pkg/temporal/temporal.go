package temporal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/types"
)

// EntryKind classifies audit log entries.
type EntryKind string

const (
	KindInsert       EntryKind = "insert"
	KindUpdate       EntryKind = "update"
	KindTombstone    EntryKind = "tombstone"
	KindRepair       EntryKind = "repair"
	KindSagaCommit   EntryKind = "saga_commit"
	KindSagaRollback EntryKind = "saga_rollback"
)

// Entry is one audit log record. Entries for a hexad are totally ordered
// by Seq, which also fixes the cross-modal write order in the trail.
type Entry struct {
	Seq       uint64              `json:"seq"`
	Kind      EntryKind           `json:"kind"`
	HexadID   string              `json:"hexad_id,omitempty"`
	Modality  types.Modality      `json:"modality,omitempty"`
	Version   uint64              `json:"version,omitempty"`
	Steps     []string            `json:"steps,omitempty"` // saga step descriptions
	Detail    map[string]string   `json:"detail,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Log is the append-only temporal/audit log: newline-delimited JSON, one
// committed entry per line, fsynced before an append is acknowledged.
// Truncation never happens; tombstones defer physical removal.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
	seq  uint64
}

// Open opens (or creates) the log under dataDir and recovers the sequence
// counter from the tail.
func Open(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temporal log directory: %w", err)
	}
	path := filepath.Join(dataDir, "temporal.ndjson")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open temporal log: %w", err)
	}

	l := &Log{f: f, path: path}
	if err := l.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) recover() error {
	rf, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	scanner := bufio.NewScanner(rf)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing line from a crash is skipped; everything
			// before it was fsynced.
			continue
		}
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	return scanner.Err()
}

// Append writes one entry, assigns its sequence number, and fsyncs before
// returning.
func (l *Log) Append(e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')

	if _, err := l.f.Write(data); err != nil {
		return 0, fmt.Errorf("failed to append temporal entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync temporal log: %w", err)
	}
	return e.Seq, nil
}

// Scan replays entries in order, stopping early when fn returns false.
func (l *Log) Scan(fn func(e Entry) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rf, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	scanner := bufio.NewScanner(rf)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if !fn(e) {
			break
		}
	}
	return scanner.Err()
}

// History returns the entries for one hexad in append order.
func (l *Log) History(hexadID string) ([]Entry, error) {
	var out []Entry
	err := l.Scan(func(e Entry) bool {
		if e.HexadID == hexadID {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
