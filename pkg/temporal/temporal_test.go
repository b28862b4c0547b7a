package temporal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/types"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	s1, err := l.Append(Entry{Kind: KindInsert, HexadID: "ent-1", Modality: types.ModalityDocument, Version: 1})
	require.NoError(t, err)
	s2, err := l.Append(Entry{Kind: KindUpdate, HexadID: "ent-1", Modality: types.ModalityVector, Version: 2})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, uint64(2), l.Seq())
}

func TestScanPreservesAppendOrder(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	kinds := []EntryKind{KindInsert, KindUpdate, KindRepair, KindTombstone}
	for _, k := range kinds {
		_, err := l.Append(Entry{Kind: k, HexadID: "ent-1"})
		require.NoError(t, err)
	}

	var seen []EntryKind
	require.NoError(t, l.Scan(func(e Entry) bool {
		seen = append(seen, e.Kind)
		return true
	}))
	assert.Equal(t, kinds, seen)
}

func TestHistoryFiltersByHexad(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		_, err := l.Append(Entry{Kind: KindInsert, HexadID: "ent-A"})
		require.NoError(t, err)
	}
	_, err = l.Append(Entry{Kind: KindInsert, HexadID: "ent-B"})
	require.NoError(t, err)

	entries, err := l.History("ent-A")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestSeqRecoveredAfterReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: KindInsert, HexadID: "ent-1"})
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: KindTombstone, HexadID: "ent-1"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.Seq())

	s, err := reopened.Append(Entry{Kind: KindInsert, HexadID: "ent-2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s)
}

func TestSagaEntriesCarrySteps(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	steps := []string{"write document to s1", "write vector to s2"}
	_, err = l.Append(Entry{Kind: KindSagaRollback, HexadID: "ent-1", Steps: steps})
	require.NoError(t, err)

	entries, err := l.History("ent-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindSagaRollback, entries[0].Kind)
	assert.Equal(t, steps, entries[0].Steps)
}
