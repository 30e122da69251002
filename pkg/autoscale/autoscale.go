// Package autoscale implements the Auto-Scaling Coordinator: the
// periodic cycle that compares each service's windowed resource
// averages against its thresholds and, subject to cooldowns and the
// Infrastructure Lock, mutates its ServiceDesc and re-invokes the
// Deployer to roll the change out.
package autoscale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/iaas"
	"github.com/fleetctl/deployctl/pkg/metrics"
	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

// lockName is the Infrastructure Lock the Auto-Scaler shares with the
// Healer and the Deployer's own promotion step (spec §4.4, §4.5).
const lockName = "promote"

// checkInterval is the cycle cadence (spec: "at least every 300s per
// service").
const checkInterval = 300 * time.Second

// Default thresholds (spec §4.4), used when a ScalingPolicy leaves a
// field at its zero value.
const (
	DefaultCPUScaleUp   = 75.0
	DefaultCPUScaleDown = 20.0
	DefaultMemScaleUp   = 80.0
	DefaultMemScaleDown = 30.0
	DefaultRPSScaleUp   = 500.0
	DefaultRPSScaleDown = 50.0
)

// Cooldown periods, asymmetric by design: react fast to load, back off
// slowly to avoid flapping.
const (
	ScaleUpCooldown   = 300 * time.Second
	ScaleDownCooldown = 600 * time.Second
)

// Replica bounds (spec §4.4), used when a ScalingPolicy leaves a field
// unset.
const (
	MaxReplicas = 20
	MinReplicas = 1
)

// minMeaningfulRPS guards against scaling down on a metrics glitch
// rather than genuine idle traffic.
const minMeaningfulRPS = 0.1

// actorName is recorded on DeploymentRecords the Auto-Scaler produces.
const actorName = "autoscaler"

// ServiceLister returns the live, mutable ServiceDesc set. Supplied by
// the (out-of-scope) config loader / CLI wiring layer; the Coordinator
// mutates the returned pointers' VCPU/MemoryMB/Replicas fields in
// place before redeploying, the same way the original config-file
// loader persisted a scaled service's new spec before redeploying it.
type ServiceLister func() []*types.ServiceDesc

// Coordinator runs the periodic check-and-scale cycle across every
// declared service (spec §4.4).
type Coordinator struct {
	rings     *metrics.Rings
	index     ports.StateIndex
	lock      ports.Lock
	deployer  ports.Deployer
	publisher ports.Publisher
	lister    ServiceLister
	log       zerolog.Logger

	mu        sync.Mutex
	cooldowns map[types.CooldownKey]time.Time

	stopCh chan struct{}
}

// New builds a Coordinator.
func New(rings *metrics.Rings, index ports.StateIndex, lock ports.Lock, deployer ports.Deployer, publisher ports.Publisher, lister ServiceLister, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		rings:     rings,
		index:     index,
		lock:      lock,
		deployer:  deployer,
		publisher: publisher,
		lister:    lister,
		cooldowns: make(map[types.CooldownKey]time.Time),
		log:       log.With().Str("component", "autoscaler").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic cycle loop.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				c.RunCycle(ctx)
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the cycle loop.
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

// RunCycle evaluates every declared service once, skipping entirely if
// the Infrastructure Lock is already held by the Healer (or anything
// else). Exported so a CLI "scale now" command and tests can drive a
// single deterministic pass.
func (c *Coordinator) RunCycle(ctx context.Context) {
	holder, _, err := c.lock.Holder(ctx, lockName)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to check infrastructure lock")
		return
	}
	if holder != "" {
		c.log.Info().Str("holder", holder).Msg("infrastructure lock held, skipping auto-scale cycle")
		return
	}
	defer func() {
		if err := c.lock.Release(ctx, lockName, holder); err != nil {
			c.log.Warn().Err(err).Msg("failed to release infrastructure lock after cycle")
		}
	}()

	for _, desc := range c.lister() {
		c.checkService(ctx, desc)
	}
}

func (c *Coordinator) checkService(ctx context.Context, desc *types.ServiceDesc) {
	policy := desc.Scaling
	if policy == nil || !policy.Enabled {
		return
	}

	rec, err := c.index.Current(ctx, desc.Key)
	if err != nil || rec == nil || len(rec.NodeIPs) == 0 {
		return
	}

	keys := make([]types.MetricKey, 0, len(rec.NodeIPs))
	for _, ip := range rec.NodeIPs {
		keys = append(keys, types.MetricKey{
			Node: ip, User: desc.Key.User, Project: desc.Key.Project, Env: desc.Key.Env, Service: desc.Key.Service,
		})
	}
	avg, found := c.rings.AverageAcrossReplicas(keys, time.Now())
	if !found {
		return
	}

	// Vertical takes priority; if it fires, horizontal is skipped this
	// cycle (spec §4.4 step 1).
	if c.tryVertical(ctx, desc, policy, avg) {
		return
	}
	c.tryHorizontal(ctx, desc, policy, avg, len(rec.NodeIPs))
}

func (c *Coordinator) tryVertical(ctx context.Context, desc *types.ServiceDesc, policy *types.ScalingPolicy, avg metrics.Average) bool {
	cpuUp := orDefault(policy.CPUScaleUpPct, DefaultCPUScaleUp)
	cpuDown := orDefault(policy.CPUScaleDownPct, DefaultCPUScaleDown)
	memUp := orDefault(policy.MemScaleUpPct, DefaultMemScaleUp)
	memDown := orDefault(policy.MemScaleDownPct, DefaultMemScaleDown)

	var direction types.ScaleDirection
	switch {
	case avg.CPUPct > cpuUp || avg.MemPct > memUp:
		direction = types.ScaleUp
	case avg.CPUPct < cpuDown && avg.MemPct < memDown:
		direction = types.ScaleDown
	default:
		return false
	}

	key := types.CooldownKey{Service: desc.Key, Direction: direction, Axis: types.AxisVertical}
	if !c.cooldownClear(key, direction) {
		return false
	}

	slug, err := iaas.CapacityToSlug(desc.VCPU, desc.MemoryMB)
	if err != nil {
		c.log.Warn().Err(err).Str("service", desc.Key.String()).Msg("current capacity is not on the tier table, skipping vertical scale")
		return false
	}

	delta := 1
	if direction == types.ScaleDown {
		delta = -1
	}
	nextSlug, ok, err := iaas.StepTier(slug, delta)
	if err != nil || !ok {
		return false
	}
	vcpu, memMB, err := iaas.SlugToCapacity(nextSlug)
	if err != nil {
		return false
	}

	c.log.Info().Str("service", desc.Key.String()).Str("direction", string(direction)).
		Int("vcpu", vcpu).Int("mem_mb", memMB).Msg("vertical scaling triggered")

	desc.VCPU = vcpu
	desc.MemoryMB = memMB

	if _, err := c.deployer.Deploy(ctx, desc, ports.DeployOptions{Build: false, Actor: actorName}); err != nil {
		c.log.Warn().Err(err).Str("service", desc.Key.String()).Msg("vertical scaling deploy failed")
		return true // attempted; horizontal is still skipped this cycle
	}
	c.recordAction(key)
	c.publish(desc.Key, fmt.Sprintf("scaled %s vertically %s to %dvcpu/%dmb", desc.Key, direction, vcpu, memMB))
	return true
}

func (c *Coordinator) tryHorizontal(ctx context.Context, desc *types.ServiceDesc, policy *types.ScalingPolicy, avg metrics.Average, currentCount int) {
	rpsUp := orDefault(policy.RPSScaleUp, DefaultRPSScaleUp)
	rpsDown := orDefault(policy.RPSScaleDown, DefaultRPSScaleDown)

	minReplicas := policy.MinReplicas
	if minReplicas <= 0 {
		minReplicas = MinReplicas
	}
	maxReplicas := policy.MaxReplicas
	if maxReplicas <= 0 {
		maxReplicas = MaxReplicas
	}

	var direction types.ScaleDirection
	var newCount int
	switch {
	case avg.RPS > rpsUp:
		if currentCount >= maxReplicas {
			return
		}
		direction, newCount = types.ScaleUp, currentCount+1

	case avg.RPS < rpsDown:
		if currentCount <= minReplicas || avg.RPS < minMeaningfulRPS {
			return
		}
		direction, newCount = types.ScaleDown, currentCount-1

	default:
		return
	}

	key := types.CooldownKey{Service: desc.Key, Direction: direction, Axis: types.AxisHorizontal}
	if !c.cooldownClear(key, direction) {
		return
	}

	c.log.Info().Str("service", desc.Key.String()).Str("direction", string(direction)).Int("replicas", newCount).Msg("horizontal scaling triggered")

	desc.Replicas = newCount
	if _, err := c.deployer.Deploy(ctx, desc, ports.DeployOptions{Build: false, Actor: actorName}); err != nil {
		c.log.Warn().Err(err).Str("service", desc.Key.String()).Msg("horizontal scaling deploy failed")
		return
	}
	c.recordAction(key)
	c.publish(desc.Key, fmt.Sprintf("scaled %s horizontally %s to %d replicas", desc.Key, direction, newCount))
}

func (c *Coordinator) publish(key types.ServiceKey, msg string) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(&types.Event{
		ID:        uuid.NewString(),
		Type:      types.EventScaleExecuted,
		Timestamp: time.Now(),
		Message:   msg,
		Metadata:  map[string]string{"service": key.String()},
	})
}

func (c *Coordinator) cooldownClear(key types.CooldownKey, direction types.ScaleDirection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.cooldowns[key]
	if !ok {
		return true
	}
	cooldown := ScaleUpCooldown
	if direction == types.ScaleDown {
		cooldown = ScaleDownCooldown
	}
	return time.Since(last) >= cooldown
}

func (c *Coordinator) recordAction(key types.CooldownKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns[key] = time.Now()
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
