package federation

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// proposalTimeout bounds a single leader proposal.
const proposalTimeout = 5 * time.Second

// Node is one member of the replicated metadata cluster. It wraps a Raft
// instance whose state machine is the peer registry: committed entries are
// linearizable with respect to the leader, and the commit index only
// advances to entries from the current term.
type Node struct {
	nodeID    string
	bindAddr  string
	dataDir   string
	transport raft.Transport

	raft *raft.Raft
	fsm  *MetadataFSM
}

// NodeConfig configures a metadata node. Transport, LogStore, StableStore
// and SnapshotStore are overridable for tests (in-memory raft); when nil
// the node binds TCP and persists raft state under DataDir, bolt-backed.
type NodeConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string

	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore
}

// NewNode creates the raft node around the FSM. Call Bootstrap on the
// first node of a new cluster, or AddVoter from the existing leader.
func NewNode(cfg *NodeConfig, fsm *MetadataFSM) (*Node, error) {
	n := &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      fsm,
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.LogOutput = os.Stderr

	// Metadata traffic is light and clusters are small (3-7 nodes); the
	// faster timeouts shorten leader failover without stressing the wire.
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.CommitTimeout = 50 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond

	transport := cfg.Transport
	if transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve bind address: %w", err)
		}
		tcp, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		transport = tcp
	}
	n.transport = transport

	logStore := cfg.LogStore
	stableStore := cfg.StableStore
	if logStore == nil || stableStore == nil {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		if logStore == nil {
			ls, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
			if err != nil {
				return nil, fmt.Errorf("failed to create log store: %w", err)
			}
			logStore = ls
		}
		if stableStore == nil {
			ss, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
			if err != nil {
				return nil, fmt.Errorf("failed to create stable store: %w", err)
			}
			stableStore = ss
		}
	}

	snapshotStore := cfg.SnapshotStore
	if snapshotStore == nil {
		ss, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot store: %w", err)
		}
		snapshotStore = ss
	}

	r, err := raft.NewRaft(rc, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r
	return n, nil
}

// Bootstrap initializes a new cluster with this node as the only member.
func (n *Node) Bootstrap() error {
	future := n.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.nodeID), Address: n.transport.LocalAddr()},
		},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	log.WithComponent("federation").Info().
		Str("node_id", n.nodeID).
		Msg("bootstrapped metadata cluster")
	return nil
}

// BootstrapServers initializes a new cluster with an explicit initial
// membership. Every initial member must bootstrap with the same set.
func (n *Node) BootstrapServers(servers []raft.Server) error {
	future := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// AddVoter adds a new member to the cluster. Leader only.
func (n *Node) AddVoter(nodeID, addr string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, proposalTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveServer removes a member from the cluster. Leader only.
func (n *Node) RemoveServer(nodeID string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, proposalTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %w", nodeID, err)
	}
	return nil
}

// Propose submits a metadata command. Only the leader accepts proposals;
// follower submissions fail with not_leader carrying a leader hint. The
// command is acknowledged once a quorum has persisted it and it has been
// applied to the registry.
func (n *Node) Propose(cmd *types.Command) error {
	if !n.IsLeader() {
		return n.notLeader()
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := n.raft.Apply(data, proposalTimeout)
	if err := future.Error(); err != nil {
		return verr.Federation(verr.CodeConsensusTimeout, "proposal failed: %v", err).Wrap(err)
	}
	if resp := future.Response(); resp != nil {
		if rerr, ok := resp.(error); ok {
			return rerr
		}
	}
	return nil
}

func (n *Node) notLeader() error {
	_, leaderID := n.raft.LeaderWithID()
	return verr.Federation(verr.CodeNotLeader, "this node is not the leader").
		WithHint("retry against " + string(leaderID))
}

// IsLeader reports whether this node currently leads the cluster.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderHint returns the current leader's id and address, empty when
// unknown.
func (n *Node) LeaderHint() (id, addr string) {
	a, i := n.raft.LeaderWithID()
	return string(i), string(a)
}

// WaitForLeader blocks until some node wins an election or the timeout
// elapses.
func (n *Node) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := n.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return verr.Federation(verr.CodeConsensusTimeout, "no leader elected within %s", timeout)
}

// Barrier waits until all preceding committed entries are applied.
func (n *Node) Barrier(timeout time.Duration) error {
	return n.raft.Barrier(timeout).Error()
}

// Status summarises the node for federation-status surfaces.
type Status struct {
	NodeID       string `json:"node_id"`
	State        string `json:"state"`
	Leader       string `json:"leader"`
	Term         uint64 `json:"term"`
	CommitIndex  uint64 `json:"commit_index"`
	AppliedIndex uint64 `json:"applied_index"`
}

// Status returns a snapshot of the raft node state.
func (n *Node) Status() Status {
	stats := n.raft.Stats()
	_, leaderID := n.raft.LeaderWithID()
	term, _ := parseUint(stats["term"])
	commit, _ := parseUint(stats["commit_index"])
	_, applied := n.fsm.LastApplied()
	return Status{
		NodeID:       n.nodeID,
		State:        n.raft.State().String(),
		Leader:       string(leaderID),
		Term:         term,
		CommitIndex:  commit,
		AppliedIndex: applied,
	}
}

// Snapshot forces a snapshot of the FSM state.
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// Shutdown stops the raft node.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

func parseUint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
