package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/types"
)

// registries under test share one behaviour suite.
func registries(t *testing.T) map[string]Registry {
	t.Helper()
	boltReg, err := NewBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { boltReg.Close() })

	return map[string]Registry{
		"mem":  NewMem(),
		"bolt": boltReg,
	}
}

func TestMapLookupUnmap(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, reg.MapHexad("ent-1", map[types.Modality]string{
				types.ModalityDocument: "s1",
				types.ModalityVector:   "s2",
			}))

			mapping, ok, err := reg.Lookup("ent-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "s1", mapping[types.ModalityDocument])
			assert.Equal(t, "s2", mapping[types.ModalityVector])

			// Mapping another modality merges rather than replaces.
			require.NoError(t, reg.MapHexad("ent-1", map[types.Modality]string{
				types.ModalityGraph: "s3",
			}))
			mapping, _, err = reg.Lookup("ent-1")
			require.NoError(t, err)
			assert.Len(t, mapping, 3)

			require.NoError(t, reg.UnmapHexad("ent-1"))
			_, ok, err = reg.Lookup("ent-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestEmptyHexadIDRejected(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			err := reg.MapHexad("", map[types.Modality]string{types.ModalityDocument: "s1"})
			require.Error(t, err)
		})
	}
}

func TestPeerLifecycle(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			peer := &types.Peer{
				StoreID:    "peer-1",
				Endpoint:   "http://[::1]:7417",
				TrustScore: 0.8,
				Modalities: []types.Modality{types.ModalityDocument, types.ModalityVector},
			}
			require.NoError(t, reg.RegisterPeer(peer))

			got, ok, err := reg.GetPeer("peer-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, types.PeerStatusActive, got.Status)

			require.NoError(t, reg.UpdateTrust("peer-1", 1.5)) // clamped
			got, _, err = reg.GetPeer("peer-1")
			require.NoError(t, err)
			assert.Equal(t, 1.0, got.TrustScore)

			require.Error(t, reg.UpdateTrust("ghost", 0.5))

			require.NoError(t, reg.UnregisterPeer("peer-1"))
			_, ok, err = reg.GetPeer("peer-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestApplyCommands(t *testing.T) {
	reg := NewMem()

	cmds := []*types.Command{
		{Type: types.CommandRegisterPeer, Peer: &types.Peer{StoreID: "p1", TrustScore: 0.5}},
		{Type: types.CommandMapHexad, HexadID: "ent-1", Mapping: map[types.Modality]string{types.ModalityDocument: "p1"}},
		{Type: types.CommandUpdateTrust, StoreID: "p1", Trust: 0.9},
		{Type: types.CommandNoOp},
	}
	for _, cmd := range cmds {
		require.NoError(t, Apply(reg, cmd))
	}

	p, ok, err := reg.GetPeer("p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.9, p.TrustScore)

	_, ok, err = reg.Lookup("ent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, Apply(reg, &types.Command{Type: types.CommandUnmapHexad, HexadID: "ent-1"}))
	_, ok, _ = reg.Lookup("ent-1")
	assert.False(t, ok)

	require.Error(t, Apply(reg, &types.Command{Type: "bogus"}))
}

func TestStateRoundTrip(t *testing.T) {
	src := NewMem()
	require.NoError(t, src.RegisterPeer(&types.Peer{StoreID: "p1", TrustScore: 0.7}))
	require.NoError(t, src.MapHexad("ent-1", map[types.Modality]string{types.ModalityVector: "p1"}))

	st, err := src.State()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Version)
	assert.False(t, st.SnapshotTimestamp.IsZero())

	for name, dst := range registries(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, dst.Restore(st))

			p, ok, err := dst.GetPeer("p1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 0.7, p.TrustScore)

			mapping, ok, err := dst.Lookup("ent-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "p1", mapping[types.ModalityVector])
		})
	}
}
