// Package stateindex implements the State Index: a compact
// (user -> project -> env -> service)-keyed record of
// {current deployment, bounded history}, plus a node-IP secondary
// index answered by scan. Writes serialize on a single mutex and
// materialize the full document before the BoltDB transaction
// commits.
package stateindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetctl/deployctl/pkg/storage"
	"github.com/fleetctl/deployctl/pkg/types"
)

// StateIndex is the State Index. It satisfies ports.StateIndex.
type StateIndex struct {
	mu    sync.Mutex
	store storage.Store
}

// New builds a StateIndex backed by store.
func New(store storage.Store) *StateIndex {
	return &StateIndex{store: store}
}

// RecordDeployment prepends rec to its service's history, trimming to
// MaxHistory, and persists the materialized document atomically.
func (s *StateIndex) RecordDeployment(ctx context.Context, rec *types.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key.String()
	history, found, err := s.store.GetHistory(key)
	if err != nil {
		return fmt.Errorf("stateindex: record deployment: load history: %w", err)
	}
	if !found {
		history = &types.DeploymentHistory{}
	}
	history.Prepend(rec)

	if err := s.store.PutHistory(key, history); err != nil {
		return fmt.Errorf("stateindex: record deployment: persist: %w", err)
	}
	return nil
}

// Current returns the active deployment record for key, or nil if
// none has been recorded.
func (s *StateIndex) Current(ctx context.Context, key types.ServiceKey) (*types.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, found, err := s.store.GetHistory(key.String())
	if err != nil {
		return nil, fmt.Errorf("stateindex: current: %w", err)
	}
	if !found {
		return nil, nil
	}
	return history.Current(), nil
}

// History returns the newest-first deployment history for key.
func (s *StateIndex) History(ctx context.Context, key types.ServiceKey) ([]*types.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, found, err := s.store.GetHistory(key.String())
	if err != nil {
		return nil, fmt.Errorf("stateindex: history: %w", err)
	}
	if !found {
		return nil, nil
	}
	return history.History, nil
}

// ServicesOnNode scans every service's current deployment and returns
// the keys that include nodeIP among their node IPs.
func (s *StateIndex) ServicesOnNode(ctx context.Context, nodeIP string) ([]types.ServiceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.ListHistories()
	if err != nil {
		return nil, fmt.Errorf("stateindex: services on node: %w", err)
	}

	var keys []types.ServiceKey
	for _, history := range all {
		current := history.Current()
		if current == nil {
			continue
		}
		for _, ip := range current.NodeIPs {
			if ip == nodeIP {
				keys = append(keys, current.Key)
				break
			}
		}
	}
	return keys, nil
}

// RemoveNodeFromAll strips nodeIP from every service's current node
// list, used when the Healer is about to rewrite residency for a
// failed node.
func (s *StateIndex) RemoveNodeFromAll(ctx context.Context, nodeIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.ListHistories()
	if err != nil {
		return fmt.Errorf("stateindex: remove node: list: %w", err)
	}

	for key, history := range all {
		current := history.Current()
		if current == nil {
			continue
		}
		filtered := current.NodeIPs[:0:0]
		changed := false
		for _, ip := range current.NodeIPs {
			if ip == nodeIP {
				changed = true
				continue
			}
			filtered = append(filtered, ip)
		}
		if !changed {
			continue
		}
		current.NodeIPs = filtered
		history.History[0] = current
		if err := s.store.PutHistory(key, history); err != nil {
			return fmt.Errorf("stateindex: remove node: persist %s: %w", key, err)
		}
	}
	return nil
}

// AddNodeToService appends nodeIP to key's current deployment's node
// list, used when the Healer swaps in a replacement node.
func (s *StateIndex) AddNodeToService(ctx context.Context, key types.ServiceKey, nodeIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	history, found, err := s.store.GetHistory(k)
	if err != nil {
		return fmt.Errorf("stateindex: add node: load: %w", err)
	}
	if !found {
		return fmt.Errorf("stateindex: add node: no deployment recorded for %s", k)
	}

	current := history.Current()
	if current == nil {
		return fmt.Errorf("stateindex: add node: no current deployment for %s", k)
	}
	for _, ip := range current.NodeIPs {
		if ip == nodeIP {
			return nil
		}
	}
	current.NodeIPs = append(current.NodeIPs, nodeIP)
	history.History[0] = current

	if err := s.store.PutHistory(k, history); err != nil {
		return fmt.Errorf("stateindex: add node: persist: %w", err)
	}
	return nil
}

// Export serializes the full index, delegating to the underlying
// store's single-JSON-document export.
func (s *StateIndex) Export(ctx context.Context) ([]byte, error) {
	return s.store.Export()
}
