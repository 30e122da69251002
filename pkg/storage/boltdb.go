package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fleetctl/deployctl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes       = []byte("nodes")
	bucketDeployments = []byte("deployments")
	bucketLocks       = []byte("locks")
	bucketSecrets     = []byte("secrets")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the fleet database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleet.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketDeployments, bucketLocks, bucketSecrets} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutNode upserts a node record.
func (s *BoltStore) PutNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.ID), data)
	})
}

// GetNode returns a node by id, and whether it was found.
func (s *BoltStore) GetNode(id string) (*types.Node, bool, error) {
	var node types.Node
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &node)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &node, true, nil
}

// ListNodes returns every node in the cache.
func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

// DeleteNode drops a node from the cache.
func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// PutHistory upserts a service's deployment history, materializing the
// full document before the bucket transaction commits.
func (s *BoltStore) PutHistory(key string, history *types.DeploymentHistory) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(history)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeployments).Put([]byte(key), data)
	})
}

// GetHistory returns a service's deployment history.
func (s *BoltStore) GetHistory(key string) (*types.DeploymentHistory, bool, error) {
	var history types.DeploymentHistory
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &history)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &history, true, nil
}

// ListHistories returns every service's deployment history, keyed by
// ServiceKey.String().
func (s *BoltStore) ListHistories() (map[string]*types.DeploymentHistory, error) {
	out := make(map[string]*types.DeploymentHistory)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var history types.DeploymentHistory
			if err := json.Unmarshal(v, &history); err != nil {
				return err
			}
			out[string(k)] = &history
			return nil
		})
	})
	return out, err
}

// PutLockState upserts the persisted state of one Infrastructure Lock.
func (s *BoltStore) PutLockState(name string, state LockState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLocks).Put([]byte(name), data)
	})
}

// GetLockState returns the persisted state of a lock.
func (s *BoltStore) GetLockState(name string) (LockState, bool, error) {
	var state LockState
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	return state, found, err
}

// PutSecret upserts a sealed secret under key.
func (s *BoltStore) PutSecret(key string, sealed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(key), sealed)
	})
}

// GetSecret returns a sealed secret by key.
func (s *BoltStore) GetSecret(key string) ([]byte, bool, error) {
	var sealed []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		sealed = append([]byte(nil), data...)
		return nil
	})
	return sealed, found, err
}

// exportDoc is the shape of the single JSON document the spec names as
// a persistent artifact.
type exportDoc struct {
	Nodes       []*types.Node                         `json:"nodes"`
	Deployments map[string]*types.DeploymentHistory    `json:"deployments"`
}

// Export serializes the nodes and deployments buckets to one JSON
// document for operator backup/inspection; the locks and secrets
// buckets are not included.
func (s *BoltStore) Export() ([]byte, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("storage: export nodes: %w", err)
	}
	deployments, err := s.ListHistories()
	if err != nil {
		return nil, fmt.Errorf("storage: export deployments: %w", err)
	}

	doc := exportDoc{Nodes: nodes, Deployments: deployments}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("storage: marshal export: %w", err)
	}
	return data, nil
}
