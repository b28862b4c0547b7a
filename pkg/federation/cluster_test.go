package federation

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/types"
)

func init() {
	log.Init(log.Config{Verbosity: log.Silent})
}

type testNode struct {
	node  *Node
	fsm   *MetadataFSM
	reg   *registry.Mem
	trans *raft.InmemTransport
	addr  raft.ServerAddress
}

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()

	reg := registry.NewMem()
	fsm := NewMetadataFSM(reg)
	addr, trans := raft.NewInmemTransport(raft.ServerAddress(id))

	node, err := NewNode(&NodeConfig{
		NodeID:        id,
		Transport:     trans,
		LogStore:      raft.NewInmemStore(),
		StableStore:   raft.NewInmemStore(),
		SnapshotStore: raft.NewInmemSnapshotStore(),
	}, fsm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	return &testNode{node: node, fsm: fsm, reg: reg, trans: trans, addr: addr}
}

// newCluster builds a fully-connected three-node cluster and waits for a
// leader.
func newCluster(t *testing.T) []*testNode {
	t.Helper()

	nodes := []*testNode{newTestNode(t, "A"), newTestNode(t, "B"), newTestNode(t, "C")}

	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.trans.Connect(b.addr, b.trans)
			}
		}
	}

	var servers []raft.Server
	for i, n := range nodes {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(string(rune('A' + i))),
			Address: n.addr,
		})
	}
	for _, n := range nodes {
		require.NoError(t, n.node.BootstrapServers(servers))
	}

	require.NotNil(t, waitForLeader(t, nodes))
	return nodes
}

func waitForLeader(t *testing.T, nodes []*testNode) *testNode {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.node.IsLeader() {
				return n
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("no leader elected")
	return nil
}

func TestClusterReplicatesCommands(t *testing.T) {
	nodes := newCluster(t)
	leader := waitForLeader(t, nodes)

	require.NoError(t, leader.node.Propose(&types.Command{
		Type: types.CommandRegisterPeer,
		Peer: &types.Peer{StoreID: "peer-1", TrustScore: 0.6},
	}))

	// Every live node converges on the same registry state.
	for _, n := range nodes {
		require.Eventually(t, func() bool {
			_, ok, err := n.reg.GetPeer("peer-1")
			return err == nil && ok
		}, 5*time.Second, 50*time.Millisecond)
	}
}

func TestFollowerRejectsProposals(t *testing.T) {
	nodes := newCluster(t)
	leader := waitForLeader(t, nodes)

	var follower *testNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	err := follower.node.Propose(&types.Command{Type: types.CommandNoOp})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not the leader")
}

// TestPartitionedFollowerCatchesUp partitions one follower, commits five
// mutations on the majority side, heals the partition and verifies the
// follower applies the same five commands in the same order.
func TestPartitionedFollowerCatchesUp(t *testing.T) {
	nodes := newCluster(t)
	leader := waitForLeader(t, nodes)

	var partitioned *testNode
	for _, n := range nodes {
		if n != leader {
			partitioned = n
			break
		}
	}
	require.NotNil(t, partitioned)

	// Partition: cut both directions between the follower and the rest.
	for _, n := range nodes {
		if n != partitioned {
			n.trans.Disconnect(partitioned.addr)
			partitioned.trans.Disconnect(n.addr)
		}
	}

	// Five mutations commit on the majority.
	for i := 0; i < 5; i++ {
		require.NoError(t, leader.node.Propose(&types.Command{
			Type:    types.CommandMapHexad,
			HexadID: fmt.Sprintf("ent-%d", i),
			Mapping: map[types.Modality]string{types.ModalityDocument: "s1"},
		}))
	}
	require.Len(t, leader.fsm.Applied(), 5)

	// Heal the partition.
	for _, n := range nodes {
		if n != partitioned {
			n.trans.Connect(partitioned.addr, partitioned.trans)
			partitioned.trans.Connect(n.addr, n.trans)
		}
	}

	require.Eventually(t, func() bool {
		return len(partitioned.fsm.Applied()) >= 5
	}, 10*time.Second, 100*time.Millisecond, "partitioned follower must catch up")

	leaderApplied := leader.fsm.Applied()
	followerApplied := partitioned.fsm.Applied()
	require.Len(t, followerApplied, len(leaderApplied))
	for i := range leaderApplied {
		assert.Equal(t, leaderApplied[i].Command, followerApplied[i].Command,
			"command %d must match in order", i)
		assert.Equal(t, leaderApplied[i].Index, followerApplied[i].Index)
	}
}

// TestLogMonotonicity verifies that no committed index is ever rewritten
// with a different command.
func TestLogMonotonicity(t *testing.T) {
	nodes := newCluster(t)
	leader := waitForLeader(t, nodes)

	for i := 0; i < 3; i++ {
		require.NoError(t, leader.node.Propose(&types.Command{
			Type:    types.CommandMapHexad,
			HexadID: fmt.Sprintf("ent-%d", i),
			Mapping: map[types.Modality]string{types.ModalityVector: "s1"},
		}))
	}

	first := leader.fsm.Applied()
	byIndex := make(map[uint64]types.Command, len(first))
	for _, e := range first {
		byIndex[e.Index] = e.Command
	}

	require.NoError(t, leader.node.Propose(&types.Command{Type: types.CommandNoOp}))

	for _, e := range leader.fsm.Applied() {
		if prev, ok := byIndex[e.Index]; ok {
			assert.Equal(t, prev, e.Command, "committed index %d must never change", e.Index)
		}
	}
}

func TestRegistrarPSK(t *testing.T) {
	n := newTestNode(t, "solo")
	require.NoError(t, n.node.BootstrapServers([]raft.Server{{ID: "solo", Address: n.addr}}))
	require.NoError(t, n.node.WaitForLeader(10*time.Second))
	require.Eventually(t, n.node.IsLeader, 10*time.Second, 50*time.Millisecond)

	peer := &types.Peer{StoreID: "peer-1", Endpoint: "http://[::1]:1", TrustScore: 0.5}

	// Empty PSK table refuses registration outright.
	empty := NewRegistrar(n.node, nil, nil)
	require.Error(t, empty.Register(peer, "whatever"))

	table := map[string]string{"peer-1": "sekrit"}
	r := NewRegistrar(n.node, table, nil)

	require.Error(t, r.Register(peer, "wrong"))

	require.NoError(t, r.Register(peer, "sekrit"))
	_, ok, err := n.reg.GetPeer("peer-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.UpdateTrust("peer-1", 0.9))
	got, _, err := n.reg.GetPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.TrustScore)

	require.NoError(t, r.Unregister("peer-1"))
	_, ok, err = n.reg.GetPeer("peer-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
