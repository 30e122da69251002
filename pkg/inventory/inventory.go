// Package inventory implements the Node Inventory: a durable cache of
// the fleet keyed by node id, exposing filters over
// {status, zone, vCPU, memMiB} and the claim/promote/release protocol
// that drives blue/green transitions.
package inventory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/iaas"
	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/storage"
	"github.com/fleetctl/deployctl/pkg/types"
)

// ManagedTag is the fleet-membership tag used to filter ListNodes
// calls against the IaaS Adapter.
const ManagedTag = iaas.TagManaged

// Inventory is the Node Inventory. It satisfies ports.Inventory.
type Inventory struct {
	mu    sync.Mutex
	iaas  ports.IaaSAdapter
	store storage.Store
	log   zerolog.Logger
}

// New builds an Inventory backed by adapter and store.
func New(adapter ports.IaaSAdapter, store storage.Store, log zerolog.Logger) *Inventory {
	return &Inventory{
		iaas:  adapter,
		store: store,
		log:   log.With().Str("component", "inventory").Logger(),
	}
}

// Reconcile pulls the live node list from the IaaS Adapter, filtered
// by the managed-fleet tag, and compares it to the cache: nodes
// present in IaaS but missing locally are inserted as reserve; nodes
// present locally but missing in IaaS are removed. Reconcile never
// destroys a node in the provider, only adjusts the cache.
func (inv *Inventory) Reconcile(ctx context.Context) (*ports.InventoryDiff, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	live, err := inv.iaas.ListNodes(ctx, ManagedTag)
	if err != nil {
		return nil, fmt.Errorf("inventory: reconcile: list nodes: %w", err)
	}
	liveByID := make(map[string]*types.Node, len(live))
	for _, n := range live {
		liveByID[n.ID] = n
	}

	cached, err := inv.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("inventory: reconcile: list cache: %w", err)
	}
	cachedByID := make(map[string]*types.Node, len(cached))
	for _, n := range cached {
		cachedByID[n.ID] = n
	}

	diff := &ports.InventoryDiff{}

	for id, node := range liveByID {
		if _, ok := cachedByID[id]; !ok {
			if err := inv.store.PutNode(node); err != nil {
				return nil, fmt.Errorf("inventory: reconcile: insert %s: %w", id, err)
			}
			diff.Added = append(diff.Added, id)
		}
	}

	for id := range cachedByID {
		if _, ok := liveByID[id]; !ok {
			if err := inv.store.DeleteNode(id); err != nil {
				return nil, fmt.Errorf("inventory: reconcile: remove %s: %w", id, err)
			}
			diff.Removed = append(diff.Removed, id)
		}
	}

	inv.log.Info().Int("added", len(diff.Added)).Int("removed", len(diff.Removed)).Msg("inventory reconciled")
	return diff, nil
}

// Claim finds count reserve nodes matching the requested capacity
// exactly; for each shortfall it provisions a new node via the IaaS
// Adapter, then marks every claimed node blue.
func (inv *Inventory) Claim(ctx context.Context, count int, zone, sizeSlug string) ([]*types.Node, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	vcpu, memMB, err := iaas.SlugToCapacity(sizeSlug)
	if err != nil {
		return nil, err
	}

	cached, err := inv.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("inventory: claim: list cache: %w", err)
	}

	var candidates []*types.Node
	for _, n := range cached {
		if n.Status == types.StatusReserve && n.Zone == zone && n.VCPU == vcpu && n.MemoryMB == memMB {
			candidates = append(candidates, n)
		}
	}

	claimed := make([]*types.Node, 0, count)
	for i := 0; i < count && i < len(candidates); i++ {
		claimed = append(claimed, candidates[i])
	}

	for len(claimed) < count {
		node, err := inv.iaas.CreateNode(ctx, zone, sizeSlug, nil)
		if err != nil {
			return nil, fmt.Errorf("inventory: claim: provision: %w", err)
		}
		if err := inv.store.PutNode(node); err != nil {
			return nil, fmt.Errorf("inventory: claim: cache new node: %w", err)
		}
		claimed = append(claimed, node)
	}

	for _, n := range claimed {
		if err := inv.setStatus(ctx, n, types.StatusBlue); err != nil {
			return nil, fmt.Errorf("inventory: claim: mark blue %s: %w", n.ID, err)
		}
	}

	inv.log.Info().Int("count", count).Str("zone", zone).Str("size_slug", sizeSlug).Msg("nodes claimed")
	return claimed, nil
}

// Promote demotes every current green to reserve, then promotes each
// blue in blueIPs to green, in that order, so the fleet never carries
// two green generations for the same service. It returns the nodes
// that were demoted.
func (inv *Inventory) Promote(ctx context.Context, blueIPs []string) ([]*types.Node, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	cached, err := inv.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("inventory: promote: list cache: %w", err)
	}

	var oldGreens []*types.Node
	for _, n := range cached {
		if n.Status == types.StatusGreen {
			oldGreens = append(oldGreens, n)
		}
	}
	for _, n := range oldGreens {
		if err := inv.setStatus(ctx, n, types.StatusReserve); err != nil {
			return nil, fmt.Errorf("inventory: promote: demote %s: %w", n.ID, err)
		}
	}

	blueSet := make(map[string]bool, len(blueIPs))
	for _, ip := range blueIPs {
		blueSet[ip] = true
	}
	for _, n := range cached {
		if blueSet[n.PublicIP] && n.Status == types.StatusBlue {
			if err := inv.setStatus(ctx, n, types.StatusGreen); err != nil {
				return nil, fmt.Errorf("inventory: promote: promote %s: %w", n.ID, err)
			}
		}
	}

	inv.log.Info().Strs("blues", blueIPs).Int("demoted", len(oldGreens)).Msg("nodes promoted")
	return oldGreens, nil
}

// PromoteNode promotes exactly one node to green, without touching any
// other node's status. Unlike Promote, it does not demote existing
// greens first: the Healer calls this to bring a single replacement
// node online for one failed node's service set, and every other
// service's green nodes must stay green while it does.
func (inv *Inventory) PromoteNode(ctx context.Context, ip string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	cached, err := inv.store.ListNodes()
	if err != nil {
		return fmt.Errorf("inventory: promote node: list cache: %w", err)
	}
	for _, n := range cached {
		if n.PublicIP == ip {
			return inv.setStatus(ctx, n, types.StatusGreen)
		}
	}
	return fmt.Errorf("inventory: promote node: no cached node with ip %s", ip)
}

// Release either destroys the given nodes or returns them to reserve.
func (inv *Inventory) Release(ctx context.Context, ips []string, destroy bool) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	cached, err := inv.store.ListNodes()
	if err != nil {
		return fmt.Errorf("inventory: release: list cache: %w", err)
	}
	byIP := make(map[string]*types.Node, len(cached))
	for _, n := range cached {
		byIP[n.PublicIP] = n
	}

	for _, ip := range ips {
		n, ok := byIP[ip]
		if !ok {
			continue
		}
		if destroy {
			if err := inv.setStatus(ctx, n, types.StatusDestroying); err != nil {
				return fmt.Errorf("inventory: release: mark destroying %s: %w", n.ID, err)
			}
			if err := inv.iaas.DestroyNode(ctx, n.ID); err != nil {
				return fmt.Errorf("inventory: release: destroy %s: %w", n.ID, err)
			}
			if err := inv.store.DeleteNode(n.ID); err != nil {
				return fmt.Errorf("inventory: release: drop cache %s: %w", n.ID, err)
			}
		} else {
			if err := inv.setStatus(ctx, n, types.StatusReserve); err != nil {
				return fmt.Errorf("inventory: release: reserve %s: %w", n.ID, err)
			}
		}
	}
	return nil
}

// List returns every cached node with the given status.
func (inv *Inventory) List(ctx context.Context, status types.DeploymentStatus) ([]*types.Node, error) {
	cached, err := inv.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("inventory: list: %w", err)
	}
	var out []*types.Node
	for _, n := range cached {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetByIP returns a cached node by its public IP.
func (inv *Inventory) GetByIP(ip string) (*types.Node, bool) {
	cached, err := inv.store.ListNodes()
	if err != nil {
		return nil, false
	}
	for _, n := range cached {
		if n.PublicIP == ip {
			return n, true
		}
	}
	return nil, false
}

// Summary returns a read-only snapshot of the fleet, used by the CLI
// `status` command.
func (inv *Inventory) Summary() ports.InventorySummary {
	cached, err := inv.store.ListNodes()
	if err != nil {
		return ports.InventorySummary{}
	}

	summary := ports.InventorySummary{
		ByStatus: make(map[types.DeploymentStatus]int),
		ByZone:   make(map[string]int),
	}
	for _, n := range cached {
		summary.ByStatus[n.Status]++
		summary.ByZone[n.Zone]++
		summary.Total++
	}
	return summary
}

// setStatus writes the status tag to the IaaS provider before
// updating the local cache, satisfying "all writes that change node
// role must write the tag before returning success".
func (inv *Inventory) setStatus(ctx context.Context, n *types.Node, status types.DeploymentStatus) error {
	if err := inv.iaas.UpdateTags(ctx, n.ID, []string{iaas.TagManaged, iaas.StatusTag(status), iaas.ZoneTag(n.Zone)}); err != nil {
		return err
	}
	n.Status = status
	return inv.store.PutNode(n)
}
