package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

// collectInterval matches the healer's cadence (spec: "collection
// cadence equals the healer's, 60s").
const collectInterval = 60 * time.Second

// ServiceLister returns the currently declared services, supplied by
// the (out-of-scope) config loader.
type ServiceLister func() []types.ServiceDesc

// Collector periodically walks the Inventory and State Index and
// updates the package-level Prometheus gauges, including per-service
// windowed averages read from a Rings. It does not record samples into
// the Rings itself.
type Collector struct {
	inv     ports.Inventory
	index   ports.StateIndex
	rings   *Rings
	lister  ServiceLister
	log     zerolog.Logger

	stopCh chan struct{}
}

// NewCollector builds a Collector. rings may be the same instance a
// sampling source (e.g. the node agent poller) feeds into.
func NewCollector(inv ports.Inventory, index ports.StateIndex, rings *Rings, lister ServiceLister, log zerolog.Logger) *Collector {
	return &Collector{
		inv:    inv,
		index:  index,
		rings:  rings,
		lister: lister,
		log:    log.With().Str("component", "metrics_collector").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic collection loop.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
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

// Stop ends the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	timer := NewTimer()
	c.collectNodeMetrics(ctx)
	c.collectServiceMetrics(ctx)
	ReconciliationCyclesTotal.Inc()
	timer.ObserveDuration(ReconciliationDuration)
}

func (c *Collector) collectNodeMetrics(ctx context.Context) {
	statuses := []types.DeploymentStatus{
		types.StatusReserve, types.StatusBlue, types.StatusGreen, types.StatusDestroying,
	}

	for _, status := range statuses {
		nodes, err := c.inv.List(ctx, status)
		if err != nil {
			c.log.Warn().Err(err).Str("status", string(status)).Msg("list nodes for metrics failed")
			continue
		}
		byZone := make(map[string]int)
		for _, n := range nodes {
			byZone[n.Zone]++
		}
		for zone, count := range byZone {
			NodesTotal.WithLabelValues(zone, string(status)).Set(float64(count))
		}
	}
}

func (c *Collector) collectServiceMetrics(ctx context.Context) {
	if c.lister == nil {
		return
	}
	services := c.lister()
	ServicesTotal.Set(float64(len(services)))

	now := time.Now()
	for _, svc := range services {
		rec, err := c.index.Current(ctx, svc.Key)
		if err != nil || rec == nil {
			continue
		}

		keys := make([]types.MetricKey, 0, len(rec.NodeIPs))
		for _, ip := range rec.NodeIPs {
			keys = append(keys, types.MetricKey{
				Node: ip, User: svc.Key.User, Project: svc.Key.Project, Env: svc.Key.Env, Service: svc.Key.Service,
			})
		}

		avg, found := c.rings.AverageAcrossReplicas(keys, now)
		if !found {
			continue
		}
		labels := []string{svc.Key.User, svc.Key.Project, svc.Key.Env, svc.Key.Service}
		ServiceCPUPercent.WithLabelValues(labels...).Set(avg.CPUPct)
		ServiceMemPercent.WithLabelValues(labels...).Set(avg.MemPct)
		ServiceRPS.WithLabelValues(labels...).Set(avg.RPS)
	}
}
