package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/deployctl/pkg/inventory"
	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/stateindex"
	"github.com/fleetctl/deployctl/pkg/storage"
	"github.com/fleetctl/deployctl/pkg/types"
)

type fakeIaaS struct{ nodes map[string]*types.Node }

func (f *fakeIaaS) CreateNode(ctx context.Context, zone, sizeSlug string, tags []string) (*types.Node, error) {
	n := &types.Node{ID: "n1", PublicIP: "10.0.0.1", Zone: zone, Status: types.StatusReserve, VCPU: 2, MemoryMB: 4096}
	f.nodes[n.ID] = n
	return n, nil
}
func (f *fakeIaaS) DestroyNode(ctx context.Context, nodeID string) error { delete(f.nodes, nodeID); return nil }
func (f *fakeIaaS) ListNodes(ctx context.Context, tag string) ([]*types.Node, error) {
	var out []*types.Node
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}
func (f *fakeIaaS) UpdateTags(ctx context.Context, nodeID string, tags []string) error { return nil }

func newTestCollector(t *testing.T) (*Collector, ports.Inventory, ports.StateIndex) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	inv := inventory.New(&fakeIaaS{nodes: map[string]*types.Node{}}, store, zerolog.Nop())
	idx := stateindex.New(store)
	rings := NewRings()

	key := types.ServiceKey{User: "u1", Project: "myapp", Env: "prod", Service: "api"}
	lister := func() []types.ServiceDesc { return []types.ServiceDesc{{Key: key}} }

	return NewCollector(inv, idx, rings, lister, zerolog.Nop()), inv, idx
}

func TestCollectNodeMetrics(t *testing.T) {
	c, inv, _ := newTestCollector(t)
	_, err := inv.Claim(t.Context(), 1, "nyc3", "s-2vcpu-4gb")
	require.NoError(t, err)

	c.collectNodeMetrics(t.Context())
	assert.Equal(t, float64(1), testutil.ToFloat64(NodesTotal.WithLabelValues("nyc3", string(types.StatusBlue))))
}

func TestCollectServiceMetricsSetsGauges(t *testing.T) {
	c, _, idx := newTestCollector(t)
	key := types.ServiceKey{User: "u1", Project: "myapp", Env: "prod", Service: "api"}

	require.NoError(t, idx.RecordDeployment(t.Context(), &types.DeploymentRecord{
		Key: key, NodeIPs: []string{"10.0.0.1"}, Version: "v1",
	}))
	c.rings.Sample(types.MetricKey{Node: "10.0.0.1", User: "u1", Project: "myapp", Env: "prod", Service: "api"}, time.Now(), 50, 40, 100)

	c.collectServiceMetrics(t.Context())
	assert.Equal(t, float64(1), testutil.ToFloat64(ServicesTotal))
	assert.Equal(t, float64(50), testutil.ToFloat64(ServiceCPUPercent.WithLabelValues("u1", "myapp", "prod", "api")))
}
