// Package storage is the durable, process-local persistence layer for
// the Node Inventory, the State Index and the Infrastructure Lock. It
// is backed by BoltDB: every mutation materializes the full value then
// swaps it into place inside a single bucket transaction, which is
// what the State Index's "write materializes the full document then
// swaps into place" invariant requires.
package storage

import "github.com/fleetctl/deployctl/pkg/types"

// Store is the persistence contract the Inventory and State Index
// depend on. A single BoltDB file backs all four buckets: nodes,
// deployments, locks and secrets.
type Store interface {
	// Nodes (Node Inventory cache)
	PutNode(node *types.Node) error
	GetNode(id string) (*types.Node, bool, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Deployment history (State Index), keyed by ServiceKey.String()
	PutHistory(key string, history *types.DeploymentHistory) error
	GetHistory(key string) (*types.DeploymentHistory, bool, error)
	ListHistories() (map[string]*types.DeploymentHistory, error)

	// Infrastructure Lock
	PutLockState(name string, state LockState) error
	GetLockState(name string) (LockState, bool, error)

	// Generated secrets (sealed at rest), keyed by "<ServiceKey>/<name>"
	PutSecret(key string, sealed []byte) error
	GetSecret(key string) ([]byte, bool, error)

	// Export serializes the store to the single JSON document named
	// in the persistent-artifacts list: a snapshot keyed by section
	// ("nodes", "deployments"). Lock state and secrets are not
	// included.
	Export() ([]byte, error)

	Close() error
}

// LockState is the persisted form of one Infrastructure Lock.
type LockState struct {
	Holder    string
	ExpiresAt int64 // unix seconds
}
