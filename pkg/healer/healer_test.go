package healer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

type fakeInventory struct {
	nodes     map[string]*types.Node
	claimErr  error
	promoteErr error
	releases  []string
	destroyed []string
}

func newFakeInventory(nodes ...*types.Node) *fakeInventory {
	inv := &fakeInventory{nodes: make(map[string]*types.Node)}
	for _, n := range nodes {
		inv.nodes[n.PublicIP] = n
	}
	return inv
}

func (f *fakeInventory) Reconcile(ctx context.Context) (*ports.InventoryDiff, error) { return nil, nil }

func (f *fakeInventory) Claim(ctx context.Context, count int, zone, sizeSlug string) ([]*types.Node, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := make([]*types.Node, 0, count)
	for i := 0; i < count; i++ {
		ip := fmt.Sprintf("10.0.1.%d", len(f.nodes)+1)
		n := &types.Node{ID: "new-" + ip, PublicIP: ip, Zone: zone, Status: types.StatusBlue}
		f.nodes[ip] = n
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeInventory) Promote(ctx context.Context, blueIPs []string) ([]*types.Node, error) {
	return nil, nil
}

func (f *fakeInventory) PromoteNode(ctx context.Context, ip string) error {
	if f.promoteErr != nil {
		return f.promoteErr
	}
	n, ok := f.nodes[ip]
	if !ok {
		return fmt.Errorf("no such node %s", ip)
	}
	n.Status = types.StatusGreen
	return nil
}

func (f *fakeInventory) Release(ctx context.Context, ips []string, destroy bool) error {
	f.releases = append(f.releases, ips...)
	if destroy {
		f.destroyed = append(f.destroyed, ips...)
		for _, ip := range ips {
			delete(f.nodes, ip)
		}
	}
	return nil
}

func (f *fakeInventory) List(ctx context.Context, status types.DeploymentStatus) ([]*types.Node, error) {
	var out []*types.Node
	for _, n := range f.nodes {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeInventory) GetByIP(ip string) (*types.Node, bool) {
	n, ok := f.nodes[ip]
	return n, ok
}

func (f *fakeInventory) Summary() ports.InventorySummary { return ports.InventorySummary{} }

type fakeAgent struct {
	unreachable map[string]bool
	unhealthy   map[string]bool
	containers  map[string][]ports.ContainerInfo
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{unreachable: map[string]bool{}, unhealthy: map[string]bool{}, containers: map[string][]ports.ContainerInfo{}}
}

func (f *fakeAgent) RunContainer(ctx context.Context, nodeIP string, spec ports.ContainerSpec) error {
	return nil
}
func (f *fakeAgent) StopContainer(ctx context.Context, nodeIP, name string) error    { return nil }
func (f *fakeAgent) RemoveContainer(ctx context.Context, nodeIP, name string) error  { return nil }
func (f *fakeAgent) RestartContainer(ctx context.Context, nodeIP, name string) error { return nil }
func (f *fakeAgent) ListContainers(ctx context.Context, nodeIP string) ([]ports.ContainerInfo, error) {
	return f.containers[nodeIP], nil
}
func (f *fakeAgent) ContainerLogs(ctx context.Context, nodeIP, name string, tail int) (string, error) {
	return "", nil
}
func (f *fakeAgent) PullImage(ctx context.Context, nodeIP, image string) error { return nil }
func (f *fakeAgent) UploadTar(ctx context.Context, nodeIP string, archive []byte, extractPath string) error {
	return nil
}
func (f *fakeAgent) Reachable(ctx context.Context, nodeIP string) bool {
	return !f.unreachable[nodeIP]
}
func (f *fakeAgent) Healthz(ctx context.Context, nodeIP string) error {
	if f.unhealthy[nodeIP] {
		return fmt.Errorf("unhealthy")
	}
	return nil
}

type fakeHealthGate struct {
	failFor map[string]bool
}

func (f *fakeHealthGate) Await(ctx context.Context, nodeIP, containerName string, portSpecs []types.PortSpec, deadline time.Duration) error {
	if f.failFor[nodeIP] {
		return fmt.Errorf("health gate failed for %s", nodeIP)
	}
	return nil
}

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

type fakeStarter struct {
	calls []string
	err   error
}

func (f *fakeStarter) StartOnNode(ctx context.Context, desc *types.ServiceDesc, nodeIP, version string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, nodeIP)
	return nil
}

type fakeResolver struct {
	descs map[types.ServiceKey]*types.ServiceDesc
}

func (f *fakeResolver) Resolve(ctx context.Context, key types.ServiceKey) (*types.ServiceDesc, error) {
	d, ok := f.descs[key]
	if !ok {
		return nil, fmt.Errorf("no such service %s", key)
	}
	return d, nil
}

type fakeIndex struct {
	servicesOnNode map[string][]types.ServiceKey
	removed        []string
	added          map[types.ServiceKey][]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{servicesOnNode: map[string][]types.ServiceKey{}, added: map[types.ServiceKey][]string{}}
}

func (f *fakeIndex) RecordDeployment(ctx context.Context, rec *types.DeploymentRecord) error { return nil }
func (f *fakeIndex) Current(ctx context.Context, key types.ServiceKey) (*types.DeploymentRecord, error) {
	return &types.DeploymentRecord{Key: key, Version: "v1"}, nil
}
func (f *fakeIndex) History(ctx context.Context, key types.ServiceKey) ([]*types.DeploymentRecord, error) {
	return nil, nil
}
func (f *fakeIndex) ServicesOnNode(ctx context.Context, nodeIP string) ([]types.ServiceKey, error) {
	return f.servicesOnNode[nodeIP], nil
}
func (f *fakeIndex) RemoveNodeFromAll(ctx context.Context, nodeIP string) error {
	f.removed = append(f.removed, nodeIP)
	return nil
}
func (f *fakeIndex) AddNodeToService(ctx context.Context, key types.ServiceKey, nodeIP string) error {
	f.added[key] = append(f.added[key], nodeIP)
	return nil
}
func (f *fakeIndex) Export(ctx context.Context) ([]byte, error) { return nil, nil }

type fakePublisher struct {
	events []*types.Event
}

func (f *fakePublisher) Publish(event *types.Event) {
	f.events = append(f.events, event)
}

func webKey() types.ServiceKey {
	return types.ServiceKey{User: "u1", Project: "shop", Env: "prod", Service: "web"}
}

func webDesc() *types.ServiceDesc {
	return &types.ServiceDesc{
		Key:      webKey(),
		Image:    types.ImageSource{Kind: types.FromImage, Image: "shop/web"},
		Ports:    []types.PortSpec{{Name: "http", ContainerPort: 8080, HostPort: 8080, HTTP: true}},
		VCPU:     2,
		MemoryMB: 2048,
	}
}

func TestReplacesFailedNode(t *testing.T) {
	good := &types.Node{ID: "n1", PublicIP: "10.0.0.1", Zone: "nyc1", VCPU: 2, MemoryMB: 2048, Status: types.StatusGreen}
	bad := &types.Node{ID: "n2", PublicIP: "10.0.0.2", Zone: "nyc1", VCPU: 2, MemoryMB: 2048, Status: types.StatusGreen}
	// A second healthy green keeps the fleet above the minHealthy guard.
	other := &types.Node{ID: "n3", PublicIP: "10.0.0.3", Zone: "nyc1", VCPU: 2, MemoryMB: 2048, Status: types.StatusGreen}

	inv := newFakeInventory(good, bad, other)
	agent := newFakeAgent()
	agent.unreachable["10.0.0.2"] = true

	index := newFakeIndex()
	index.servicesOnNode["10.0.0.2"] = []types.ServiceKey{webKey()}

	lock := &fakeLock{}
	starter := &fakeStarter{}
	resolver := &fakeResolver{descs: map[types.ServiceKey]*types.ServiceDesc{webKey(): webDesc()}}
	pub := &fakePublisher{}

	h := New(Deps{
		Inventory:  inv,
		StateIndex: index,
		Agent:      agent,
		HealthGate: &fakeHealthGate{},
		Lock:       lock,
		Starter:    starter,
		Resolver:   resolver,
		Publisher:  pub,
		SelfIP:     "10.0.0.1",
	}, zerolog.Nop())

	h.RunCycle(context.Background())

	assert.Contains(t, inv.destroyed, "10.0.0.2", "failed node destroyed")
	assert.Contains(t, index.removed, "10.0.0.2")
	assert.Contains(t, index.added[webKey()], "10.0.1.4")
	assert.Len(t, starter.calls, 1)
	require.NotEmpty(t, pub.events)
	var sawSuccess bool
	for _, e := range pub.events {
		if e.Type == types.EventReplacementSucceeded {
			sawSuccess = true
		}
	}
	assert.True(t, sawSuccess)
	assert.Empty(t, lock.holder, "lock released after cycle")
}

func TestNonLeaderDoesNothing(t *testing.T) {
	good := &types.Node{ID: "n1", PublicIP: "10.0.0.1", Zone: "nyc1", Status: types.StatusGreen}
	bad := &types.Node{ID: "n2", PublicIP: "10.0.0.2", Zone: "nyc1", Status: types.StatusGreen}

	inv := newFakeInventory(good, bad)
	agent := newFakeAgent()
	agent.unreachable["10.0.0.2"] = true

	index := newFakeIndex()
	starter := &fakeStarter{}

	h := New(Deps{
		Inventory:  inv,
		StateIndex: index,
		Agent:      agent,
		HealthGate: &fakeHealthGate{},
		Lock:       &fakeLock{},
		Starter:    starter,
		Resolver:   &fakeResolver{descs: map[types.ServiceKey]*types.ServiceDesc{}},
		SelfIP:     "10.0.0.2", // not the lowest IP among the healthy set
	}, zerolog.Nop())

	h.RunCycle(context.Background())

	assert.Empty(t, starter.calls, "non-leader never replaces")
}

func TestMinHealthyGuardBlocksReplacement(t *testing.T) {
	bad := &types.Node{ID: "n1", PublicIP: "10.0.0.1", Zone: "nyc1", Status: types.StatusGreen}

	inv := newFakeInventory(bad)
	agent := newFakeAgent()
	agent.unreachable["10.0.0.1"] = true

	index := newFakeIndex()
	starter := &fakeStarter{}
	pub := &fakePublisher{}

	h := New(Deps{
		Inventory:  inv,
		StateIndex: index,
		Agent:      agent,
		HealthGate: &fakeHealthGate{},
		Lock:       &fakeLock{},
		Starter:    starter,
		Resolver:   &fakeResolver{descs: map[types.ServiceKey]*types.ServiceDesc{}},
		Publisher:  pub,
		SelfIP:     "10.0.0.1",
	}, zerolog.Nop())

	h.RunCycle(context.Background())

	assert.Empty(t, starter.calls, "no healthy nodes at all, nothing to lead with")
	require.NotEmpty(t, pub.events)
	assert.Equal(t, types.EventCriticalAlert, pub.events[0].Type)
}

func TestNoFailedNodesIsNoop(t *testing.T) {
	good := &types.Node{ID: "n1", PublicIP: "10.0.0.1", Zone: "nyc1", Status: types.StatusGreen}
	inv := newFakeInventory(good)
	agent := newFakeAgent()
	index := newFakeIndex()
	starter := &fakeStarter{}

	h := New(Deps{
		Inventory:  inv,
		StateIndex: index,
		Agent:      agent,
		HealthGate: &fakeHealthGate{},
		Lock:       &fakeLock{},
		Starter:    starter,
		Resolver:   &fakeResolver{descs: map[types.ServiceKey]*types.ServiceDesc{}},
		SelfIP:     "10.0.0.1",
	}, zerolog.Nop())

	h.RunCycle(context.Background())

	assert.Empty(t, starter.calls)
}

func TestReplacementRetriesThenGivesUp(t *testing.T) {
	good := &types.Node{ID: "n1", PublicIP: "10.0.0.1", Zone: "nyc1", VCPU: 2, MemoryMB: 2048, Status: types.StatusGreen}
	bad := &types.Node{ID: "n2", PublicIP: "10.0.0.2", Zone: "nyc1", VCPU: 2, MemoryMB: 2048, Status: types.StatusGreen}
	// A second healthy green keeps the fleet above the minHealthy guard.
	other := &types.Node{ID: "n3", PublicIP: "10.0.0.3", Zone: "nyc1", VCPU: 2, MemoryMB: 2048, Status: types.StatusGreen}

	inv := newFakeInventory(good, bad, other)
	agent := newFakeAgent()
	agent.unreachable["10.0.0.2"] = true

	index := newFakeIndex()
	index.servicesOnNode["10.0.0.2"] = []types.ServiceKey{webKey()}

	starter := &fakeStarter{err: fmt.Errorf("start failed")}
	pub := &fakePublisher{}

	h := New(Deps{
		Inventory:  inv,
		StateIndex: index,
		Agent:      agent,
		HealthGate: &fakeHealthGate{},
		Lock:       &fakeLock{},
		Starter:    starter,
		Resolver:   &fakeResolver{descs: map[types.ServiceKey]*types.ServiceDesc{webKey(): webDesc()}},
		Publisher:  pub,
		SelfIP:     "10.0.0.1",
	}, zerolog.Nop())

	h.RunCycle(context.Background())

	assert.Empty(t, starter.calls, "every attempt's start call failed")
	var sawFailure bool
	for _, e := range pub.events {
		if e.Type == types.EventReplacementFailed {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
	assert.NotContains(t, inv.destroyed, "10.0.0.2", "original node kept after exhausting retries")
}
