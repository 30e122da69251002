// Package healer implements the Healer: the periodic cycle that
// health-checks every green node, elects a leader among the healthy
// ones, and sequentially replaces any node that has failed by
// provisioning a like-for-like node, starting its hosted services on
// it, and swapping it into the State Index in place of the failed one.
package healer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/iaas"
	"github.com/fleetctl/deployctl/pkg/naming"
	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

// monitorInterval is the cycle cadence (spec §4.5: 60s).
const monitorInterval = 60 * time.Second

// lockName is the Infrastructure Lock the Healer shares with the
// Deployer and the Auto-Scaler around any node/promotion change.
const lockName = "promote"

// lockTTL bounds how long a single replacement cycle may hold the
// lock.
const lockTTL = 5 * time.Minute

// healthGateDeadline is the per-service health-gate timeout applied to
// a replacement node's newly started container.
const healthGateDeadline = 30 * time.Second

// maxReplacementAttempts bounds how many times the Healer retries
// provisioning a single failed node before giving up on it.
const maxReplacementAttempts = 3

// minHealthy is the outage-storm guard: when the number of healthy
// green nodes is at or below this, the Healer refuses to replace any
// failed node and raises a critical alert instead.
const minHealthy = 1

// actorName is recorded as the holder identity on the Infrastructure
// Lock and on any DeploymentRecord the Healer writes.
const actorName = "healer"

// Deps collects the Healer's dependencies.
type Deps struct {
	Inventory  ports.Inventory
	StateIndex ports.StateIndex
	Agent      ports.AgentClient
	HealthGate ports.HealthGate
	Lock       ports.Lock
	Starter    ports.NodeServiceStarter
	Resolver   ports.ServiceResolver
	Publisher  ports.Publisher

	// SelfIP is this process's own public IP, used for leader election
	// (spec §4.5: leader is the lexicographically smallest IP among the
	// currently healthy nodes). The out-of-scope host-networking layer
	// resolves it, the same way health_monitor.py's get_my_ip falls
	// back to an environment variable or a local socket trick.
	SelfIP string
}

// Healer runs the periodic health-check-and-replace cycle across the
// green fleet (spec §4.5).
type Healer struct {
	inv       ports.Inventory
	index     ports.StateIndex
	agent     ports.AgentClient
	health    ports.HealthGate
	lock      ports.Lock
	starter   ports.NodeServiceStarter
	resolver  ports.ServiceResolver
	publisher ports.Publisher

	selfIP string

	log zerolog.Logger

	stopCh chan struct{}
}

// New builds a Healer from deps.
func New(deps Deps, log zerolog.Logger) *Healer {
	return &Healer{
		inv:       deps.Inventory,
		index:     deps.StateIndex,
		agent:     deps.Agent,
		health:    deps.HealthGate,
		lock:      deps.Lock,
		starter:   deps.Starter,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		selfIP:    deps.SelfIP,
		log:       log.With().Str("component", "healer").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic cycle loop.
func (h *Healer) Start(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				h.RunCycle(ctx)
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-h.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the cycle loop.
func (h *Healer) Stop() {
	close(h.stopCh)
}

// RunCycle evaluates every green node once: health-check, leader
// election, outage-storm guard, then sequential replacement of any
// failed node. Exported so a CLI "heal now" command and tests can
// drive a single deterministic pass.
func (h *Healer) RunCycle(ctx context.Context) {
	greens, err := h.inv.List(ctx, types.StatusGreen)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to list green nodes")
		return
	}
	if len(greens) == 0 {
		return
	}

	var healthy, failed []*types.Node
	for _, n := range greens {
		if h.isHealthy(ctx, n) {
			healthy = append(healthy, n)
		} else {
			failed = append(failed, n)
		}
	}

	if len(healthy) == 0 {
		h.alert(ctx, "no healthy nodes remain in the fleet")
		return
	}

	if !h.amLeader(healthy) {
		return
	}

	if len(failed) == 0 {
		return
	}

	if len(healthy) <= minHealthy {
		h.alert(ctx, fmt.Sprintf("refusing to replace %d failed node(s): only %d healthy node(s) remain, at or below the minimum of %d", len(failed), len(healthy), minHealthy))
		return
	}

	held, _, err := h.lock.Holder(ctx, lockName)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to check infrastructure lock")
		return
	}
	if held != "" {
		h.log.Info().Str("holder", held).Msg("infrastructure lock held, skipping heal cycle")
		return
	}
	ok, err := h.lock.Acquire(ctx, lockName, actorName, lockTTL)
	if err != nil || !ok {
		h.log.Warn().Err(err).Msg("failed to acquire infrastructure lock")
		return
	}
	defer func() {
		if err := h.lock.Release(ctx, lockName, actorName); err != nil {
			h.log.Warn().Err(err).Msg("failed to release infrastructure lock after heal cycle")
		}
	}()

	for _, node := range failed {
		if !h.replaceNode(ctx, node) {
			// Stop processing further failed nodes after a terminal
			// failure; the next cycle will pick back up where this
			// one left off (spec §4.5).
			return
		}
	}
}

// isHealthy runs the three-part check spec §4.5 requires, in
// short-circuiting order: L3 reachability, container-runtime
// liveness, then presence of every container the State Index expects
// on this node.
func (h *Healer) isHealthy(ctx context.Context, n *types.Node) bool {
	if !h.agent.Reachable(ctx, n.PublicIP) {
		return false
	}
	if err := h.agent.Healthz(ctx, n.PublicIP); err != nil {
		return false
	}

	keys, err := h.index.ServicesOnNode(ctx, n.PublicIP)
	if err != nil {
		h.log.Warn().Err(err).Str("node", n.PublicIP).Msg("failed to list services on node")
		return false
	}
	if len(keys) == 0 {
		return true
	}

	containers, err := h.agent.ListContainers(ctx, n.PublicIP)
	if err != nil {
		return false
	}
	running := make(map[string]bool, len(containers))
	for _, c := range containers {
		if c.Status == "running" {
			running[c.Name] = true
		}
	}
	for _, key := range keys {
		if !running[naming.ContainerName(key, false)] {
			return false
		}
	}
	return true
}

// amLeader reports whether this process should run the replace phase
// of the cycle: leadership is the lexicographically smallest IP among
// the currently healthy nodes, so every healthy node's Healer agrees
// on the same leader without needing its own election protocol.
func (h *Healer) amLeader(healthy []*types.Node) bool {
	if h.selfIP == "" {
		return false
	}
	sorted := append([]*types.Node(nil), healthy...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PublicIP < sorted[j].PublicIP })
	return sorted[0].PublicIP == h.selfIP
}

// replaceNode runs the sequential per-node replacement: provision a
// like-for-like node, start every hosted service on it, and on success
// swap it into the State Index in place of the failed node. It returns
// false when the node could not be replaced after maxReplacementAttempts,
// signaling RunCycle to stop processing further failed nodes.
func (h *Healer) replaceNode(ctx context.Context, failedNode *types.Node) bool {
	keys, err := h.index.ServicesOnNode(ctx, failedNode.PublicIP)
	if err != nil {
		h.log.Warn().Err(err).Str("node", failedNode.PublicIP).Msg("failed to list services hosted on failed node")
		return false
	}

	sizeSlug, err := iaas.CapacityToSlug(failedNode.VCPU, failedNode.MemoryMB)
	if err != nil {
		h.log.Warn().Err(err).Str("node", failedNode.PublicIP).Msg("failed node capacity is not on the tier table")
		h.alert(ctx, fmt.Sprintf("could not determine replacement capacity for node %s", failedNode.PublicIP))
		return false
	}

	for attempt := 1; attempt <= maxReplacementAttempts; attempt++ {
		if h.attemptReplacement(ctx, failedNode, keys, sizeSlug) {
			return true
		}
		h.log.Warn().Str("node", failedNode.PublicIP).Int("attempt", attempt).Msg("replacement attempt failed")
	}

	h.alert(ctx, fmt.Sprintf("failed to replace node %s after %d attempts", failedNode.PublicIP, maxReplacementAttempts))
	h.publish(types.EventReplacementFailed, fmt.Sprintf("failed to replace node %s", failedNode.PublicIP))
	return false
}

func (h *Healer) attemptReplacement(ctx context.Context, failedNode *types.Node, keys []types.ServiceKey, sizeSlug string) bool {
	claimed, err := h.inv.Claim(ctx, 1, failedNode.Zone, sizeSlug)
	if err != nil || len(claimed) == 0 {
		h.log.Warn().Err(err).Str("node", failedNode.PublicIP).Msg("failed to provision replacement node")
		return false
	}
	replacement := claimed[0]

	if !h.startServicesOn(ctx, replacement.PublicIP, keys) {
		h.inv.Release(ctx, []string{replacement.PublicIP}, true)
		return false
	}

	if err := h.inv.PromoteNode(ctx, replacement.PublicIP); err != nil {
		h.log.Warn().Err(err).Str("node", replacement.PublicIP).Msg("failed to promote replacement node")
		h.inv.Release(ctx, []string{replacement.PublicIP}, true)
		return false
	}

	for _, key := range keys {
		if err := h.index.AddNodeToService(ctx, key, replacement.PublicIP); err != nil {
			h.log.Warn().Err(err).Str("service", key.String()).Msg("failed to add replacement node to state index")
		}
	}
	if err := h.index.RemoveNodeFromAll(ctx, failedNode.PublicIP); err != nil {
		h.log.Warn().Err(err).Str("node", failedNode.PublicIP).Msg("failed to remove failed node from state index")
	}

	if err := h.inv.Release(ctx, []string{failedNode.PublicIP}, true); err != nil {
		h.log.Warn().Err(err).Str("node", failedNode.PublicIP).Msg("failed to destroy replaced node")
	}

	h.log.Info().Str("failed", failedNode.PublicIP).Str("replacement", replacement.PublicIP).Msg("node replaced")
	h.publish(types.EventReplacementSucceeded, fmt.Sprintf("replaced node %s with %s", failedNode.PublicIP, replacement.PublicIP))
	h.alert(ctx, fmt.Sprintf("replaced failed node %s with %s", failedNode.PublicIP, replacement.PublicIP))
	return true
}

// startServicesOn starts every service key's container on nodeIP and
// health-gates each one, reusing the same per-node start-and-gate step
// a normal rollout uses for one blue.
func (h *Healer) startServicesOn(ctx context.Context, nodeIP string, keys []types.ServiceKey) bool {
	for _, key := range keys {
		desc, err := h.resolver.Resolve(ctx, key)
		if err != nil || desc == nil {
			h.log.Warn().Err(err).Str("service", key.String()).Msg("failed to resolve service descriptor")
			return false
		}

		rec, err := h.index.Current(ctx, key)
		version := ""
		if err == nil && rec != nil {
			version = rec.Version
		}

		if err := h.starter.StartOnNode(ctx, desc, nodeIP, version); err != nil {
			h.log.Warn().Err(err).Str("service", key.String()).Str("node", nodeIP).Msg("failed to start service on replacement node")
			return false
		}
		containerName := naming.ContainerName(key, false)
		if err := h.health.Await(ctx, nodeIP, containerName, desc.Ports, healthGateDeadline); err != nil {
			h.log.Warn().Err(err).Str("service", key.String()).Str("node", nodeIP).Msg("replacement node failed health gate")
			return false
		}
	}
	return true
}

func (h *Healer) publish(t types.EventType, msg string) {
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(&types.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Message:   msg,
	})
}

func (h *Healer) alert(ctx context.Context, msg string) {
	h.log.Error().Msg(msg)
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(&types.Event{
		ID:        uuid.NewString(),
		Type:      types.EventCriticalAlert,
		Timestamp: time.Now(),
		Message:   msg,
	})
}
