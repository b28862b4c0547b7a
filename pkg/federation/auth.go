package federation

import (
	"crypto/subtle"

	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// Registrar authorises and proposes federation membership changes. A peer
// registers with a pre-shared key; an empty PSK table refuses all
// registration.
type Registrar struct {
	node   *Node
	psk    map[string]string
	broker *events.Broker
}

// NewRegistrar creates a registrar proposing through node.
func NewRegistrar(node *Node, psk map[string]string, broker *events.Broker) *Registrar {
	return &Registrar{node: node, psk: psk, broker: broker}
}

// Register authorises the peer against the PSK table and proposes a
// RegisterPeer command to the metadata log.
func (r *Registrar) Register(peer *types.Peer, key string) error {
	if len(r.psk) == 0 {
		return verr.Federation(verr.CodeNotLeader, "federation registration is disabled").
			WithHint("no pre-shared keys are configured")
	}
	want, ok := r.psk[peer.StoreID]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(key)) != 1 {
		return verr.Runtime(verr.CodePermissionDenied, "invalid pre-shared key for %s", peer.StoreID).
			WithID(peer.StoreID)
	}

	if err := r.node.Propose(&types.Command{Type: types.CommandRegisterPeer, Peer: peer}); err != nil {
		return err
	}
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:     events.EventPeerRegistered,
			Message:  "peer joined the federation",
			Metadata: map[string]string{"peer_id": peer.StoreID},
		})
	}
	return nil
}

// Unregister proposes removal of a peer. Reserved for operator
// confirmation of byzantine suspicion or decommissioning.
func (r *Registrar) Unregister(storeID string) error {
	if err := r.node.Propose(&types.Command{Type: types.CommandUnregisterPeer, StoreID: storeID}); err != nil {
		return err
	}
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:     events.EventPeerUnregistered,
			Message:  "peer left the federation",
			Metadata: map[string]string{"peer_id": storeID},
		})
	}
	return nil
}

// UpdateTrust proposes a trust score change for a peer.
func (r *Registrar) UpdateTrust(storeID string, trust float64) error {
	return r.node.Propose(&types.Command{
		Type:    types.CommandUpdateTrust,
		StoreID: storeID,
		Trust:   trust,
	})
}
