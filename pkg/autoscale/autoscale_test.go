package autoscale

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/deployctl/pkg/metrics"
	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

type fakeIndex struct {
	nodeIPs []string
}

func (f *fakeIndex) RecordDeployment(ctx context.Context, rec *types.DeploymentRecord) error {
	return nil
}
func (f *fakeIndex) Current(ctx context.Context, key types.ServiceKey) (*types.DeploymentRecord, error) {
	if f.nodeIPs == nil {
		return nil, nil
	}
	return &types.DeploymentRecord{Key: key, NodeIPs: f.nodeIPs}, nil
}
func (f *fakeIndex) History(ctx context.Context, key types.ServiceKey) ([]*types.DeploymentRecord, error) {
	return nil, nil
}
func (f *fakeIndex) ServicesOnNode(ctx context.Context, nodeIP string) ([]types.ServiceKey, error) {
	return nil, nil
}
func (f *fakeIndex) RemoveNodeFromAll(ctx context.Context, nodeIP string) error { return nil }
func (f *fakeIndex) AddNodeToService(ctx context.Context, key types.ServiceKey, nodeIP string) error {
	return nil
}
func (f *fakeIndex) Export(ctx context.Context) ([]byte, error) { return nil, nil }

type fakeLock struct {
	holder string
}

func (f *fakeLock) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if f.holder != "" && f.holder != holder {
		return false, nil
	}
	f.holder = holder
	return true, nil
}
func (f *fakeLock) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return f.holder == holder, nil
}
func (f *fakeLock) Release(ctx context.Context, name, holder string) error {
	if f.holder == holder {
		f.holder = ""
	}
	return nil
}
func (f *fakeLock) Holder(ctx context.Context, name string) (string, time.Time, error) {
	return f.holder, time.Time{}, nil
}

type fakeDeployer struct {
	calls []*types.ServiceDesc
	err   error
}

func (f *fakeDeployer) Deploy(ctx context.Context, desc *types.ServiceDesc, opts ports.DeployOptions) (*types.DeployOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	snapshot := *desc
	f.calls = append(f.calls, &snapshot)
	return &types.DeployOutcome{Status: "success"}, nil
}

type fakePublisher struct {
	events []*types.Event
}

func (f *fakePublisher) Publish(event *types.Event) {
	f.events = append(f.events, event)
}

func scaledService() *types.ServiceDesc {
	return &types.ServiceDesc{
		Key:      types.ServiceKey{User: "u1", Project: "shop", Env: "prod", Service: "web"},
		Image:    types.ImageSource{Kind: types.FromImage, Image: "shop/web"},
		Replicas: 2,
		VCPU:     2,
		MemoryMB: 2048,
		Scaling: &types.ScalingPolicy{
			Enabled:     true,
			MinReplicas: 1,
			MaxReplicas: 10,
		},
	}
}

func seedMetrics(t *testing.T, rings *metrics.Rings, desc *types.ServiceDesc, ips []string, cpu, mem, rps float64) {
	t.Helper()
	now := time.Now()
	for _, ip := range ips {
		key := types.MetricKey{Node: ip, User: desc.Key.User, Project: desc.Key.Project, Env: desc.Key.Env, Service: desc.Key.Service}
		rings.Sample(key, now, cpu, mem, rps)
	}
}

func TestVerticalScaleUpOnHighCPU(t *testing.T) {
	desc := scaledService()
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1", "10.0.0.2"}}
	rings := metrics.NewRings()
	seedMetrics(t, rings, desc, index.nodeIPs, 90, 40, 10)

	deployer := &fakeDeployer{}
	lock := &fakeLock{}
	pub := &fakePublisher{}
	c := New(rings, index, lock, deployer, pub, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())

	require.Len(t, deployer.calls, 1)
	assert.Equal(t, 2, deployer.calls[0].VCPU)
	assert.Equal(t, 4096, deployer.calls[0].MemoryMB)
	assert.Equal(t, 4096, desc.MemoryMB, "desc mutated in place")
	require.Len(t, pub.events, 1)
	assert.Equal(t, types.EventScaleExecuted, pub.events[0].Type)
	assert.Empty(t, lock.holder, "lock released after cycle")
}

func TestVerticalPriorityOverHorizontal(t *testing.T) {
	desc := scaledService()
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1"}}
	rings := metrics.NewRings()
	// High CPU (triggers vertical) AND high RPS (would also trigger horizontal).
	seedMetrics(t, rings, desc, index.nodeIPs, 95, 10, 600)

	deployer := &fakeDeployer{}
	c := New(rings, index, &fakeLock{}, deployer, nil, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())

	require.Len(t, deployer.calls, 1)
	assert.Equal(t, 4096, deployer.calls[0].MemoryMB, "vertical scaling applied")
	assert.Equal(t, 2, deployer.calls[0].Replicas, "horizontal scaling skipped this cycle")
}

func TestHorizontalScaleUpOnHighRPS(t *testing.T) {
	desc := scaledService()
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1", "10.0.0.2"}}
	rings := metrics.NewRings()
	seedMetrics(t, rings, desc, index.nodeIPs, 40, 40, 600)

	deployer := &fakeDeployer{}
	c := New(rings, index, &fakeLock{}, deployer, nil, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())

	require.Len(t, deployer.calls, 1)
	assert.Equal(t, 3, deployer.calls[0].Replicas)
}

func TestHorizontalScaleDownBlockedByGlitchGuard(t *testing.T) {
	desc := scaledService()
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1", "10.0.0.2"}}
	rings := metrics.NewRings()
	// RPS below the scale-down threshold but also below the "suspiciously
	// low" floor, so it is treated as a metrics glitch rather than idle.
	seedMetrics(t, rings, desc, index.nodeIPs, 40, 40, 0.01)

	deployer := &fakeDeployer{}
	c := New(rings, index, &fakeLock{}, deployer, nil, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())

	assert.Empty(t, deployer.calls)
}

func TestHorizontalScaleDownRespectsMinReplicas(t *testing.T) {
	desc := scaledService()
	desc.Replicas = 1
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1"}}
	rings := metrics.NewRings()
	seedMetrics(t, rings, desc, index.nodeIPs, 40, 40, 5)

	deployer := &fakeDeployer{}
	c := New(rings, index, &fakeLock{}, deployer, nil, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())

	assert.Empty(t, deployer.calls)
}

func TestCooldownBlocksRepeatedScaleUp(t *testing.T) {
	desc := scaledService()
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1", "10.0.0.2"}}
	rings := metrics.NewRings()
	seedMetrics(t, rings, desc, index.nodeIPs, 40, 40, 600)

	deployer := &fakeDeployer{}
	c := New(rings, index, &fakeLock{}, deployer, nil, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())
	require.Len(t, deployer.calls, 1)

	seedMetrics(t, rings, desc, index.nodeIPs, 40, 40, 600)
	c.RunCycle(context.Background())
	assert.Len(t, deployer.calls, 1, "second cycle within cooldown window makes no further deploy")
}

func TestDisabledPolicySkipsService(t *testing.T) {
	desc := scaledService()
	desc.Scaling.Enabled = false
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1"}}
	rings := metrics.NewRings()
	seedMetrics(t, rings, desc, index.nodeIPs, 99, 99, 9999)

	deployer := &fakeDeployer{}
	c := New(rings, index, &fakeLock{}, deployer, nil, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())

	assert.Empty(t, deployer.calls)
}

func TestRunCycleSkippedWhenLockHeld(t *testing.T) {
	desc := scaledService()
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1", "10.0.0.2"}}
	rings := metrics.NewRings()
	seedMetrics(t, rings, desc, index.nodeIPs, 95, 95, 900)

	deployer := &fakeDeployer{}
	lock := &fakeLock{holder: "healer"}
	c := New(rings, index, lock, deployer, nil, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())

	assert.Empty(t, deployer.calls)
	assert.Equal(t, "healer", lock.holder, "foreign holder left untouched")
}

func TestNoMetricsSkipsService(t *testing.T) {
	desc := scaledService()
	index := &fakeIndex{nodeIPs: []string{"10.0.0.1"}}
	rings := metrics.NewRings()

	deployer := &fakeDeployer{}
	c := New(rings, index, &fakeLock{}, deployer, nil, func() []*types.ServiceDesc { return []*types.ServiceDesc{desc} }, zerolog.Nop())

	c.RunCycle(context.Background())

	assert.Empty(t, deployer.calls)
}
