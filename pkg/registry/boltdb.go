package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

var (
	// Bucket names
	bucketMappings = []byte("hexad_mappings")
	bucketPeers    = []byte("peers")
)

// Bolt implements Registry using BoltDB for standalone durability.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the registry database under dataDir.
func NewBolt(dataDir string) (*Bolt, error) {
	dbPath := filepath.Join(dataDir, "registry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMappings, bucketPeers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

// Close closes the database
func (r *Bolt) Close() error {
	return r.db.Close()
}

func (r *Bolt) MapHexad(id string, mapping map[types.Modality]string) error {
	if id == "" {
		return verr.Runtime(verr.CodeInvalidID, "empty hexad id")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMappings)

		merged := make(map[types.Modality]string)
		if data := b.Get([]byte(id)); data != nil {
			if err := json.Unmarshal(data, &merged); err != nil {
				return err
			}
		}
		for m, store := range mapping {
			merged[m] = store
		}

		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (r *Bolt) UnmapHexad(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMappings).Delete([]byte(id))
	})
}

func (r *Bolt) Lookup(id string) (map[types.Modality]string, bool, error) {
	var mapping map[types.Modality]string
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMappings).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &mapping)
	})
	return mapping, found, err
}

func (r *Bolt) ListHexads() ([]string, error) {
	var ids []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMappings).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (r *Bolt) RegisterPeer(p *types.Peer) error {
	if p.StoreID == "" {
		return verr.Runtime(verr.CodeInvalidID, "peer without store id")
	}
	if p.Status == "" {
		p.Status = types.PeerStatusActive
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.StoreID), data)
	})
}

func (r *Bolt) UnregisterPeer(storeID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(storeID))
	})
}

func (r *Bolt) GetPeer(storeID string) (*types.Peer, bool, error) {
	var peer types.Peer
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(storeID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &peer)
	})
	if !found {
		return nil, false, err
	}
	return &peer, true, err
}

func (r *Bolt) ListPeers() ([]*types.Peer, error) {
	var peers []*types.Peer
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var peer types.Peer
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

func (r *Bolt) UpdateTrust(storeID string, trust float64) error {
	p, ok, err := r.GetPeer(storeID)
	if err != nil {
		return err
	}
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
	return r.RegisterPeer(p)
}

func (r *Bolt) State() (*State, error) {
	st := &State{
		Version:           1,
		Peers:             make(map[string]*types.Peer),
		Mappings:          make(map[string]map[types.Modality]string),
		SnapshotTimestamp: time.Now().UTC(),
	}
	err := r.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var peer types.Peer
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			st.Peers[string(k)] = &peer
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketMappings).ForEach(func(k, v []byte) error {
			var mapping map[types.Modality]string
			if err := json.Unmarshal(v, &mapping); err != nil {
				return err
			}
			st.Mappings[string(k)] = mapping
			return nil
		})
	})
	return st, err
}

func (r *Bolt) Restore(st *State) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMappings, bucketPeers} {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}

		peerBucket := tx.Bucket(bucketPeers)
		for id, p := range st.Peers {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := peerBucket.Put([]byte(id), data); err != nil {
				return err
			}
		}

		mapBucket := tx.Bucket(bucketMappings)
		for id, m := range st.Mappings {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := mapBucket.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}
