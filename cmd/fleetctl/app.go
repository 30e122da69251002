package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fleetctl/deployctl/pkg/agent"
	"github.com/fleetctl/deployctl/pkg/alerts"
	"github.com/fleetctl/deployctl/pkg/autoscale"
	"github.com/fleetctl/deployctl/pkg/cron"
	"github.com/fleetctl/deployctl/pkg/deploy"
	"github.com/fleetctl/deployctl/pkg/events"
	"github.com/fleetctl/deployctl/pkg/healer"
	"github.com/fleetctl/deployctl/pkg/health"
	"github.com/fleetctl/deployctl/pkg/iaas"
	"github.com/fleetctl/deployctl/pkg/ingress"
	"github.com/fleetctl/deployctl/pkg/inventory"
	"github.com/fleetctl/deployctl/pkg/lock"
	"github.com/fleetctl/deployctl/pkg/log"
	"github.com/fleetctl/deployctl/pkg/metrics"
	"github.com/fleetctl/deployctl/pkg/sealer"
	"github.com/fleetctl/deployctl/pkg/stateindex"
	"github.com/fleetctl/deployctl/pkg/storage"
	"github.com/fleetctl/deployctl/pkg/types"
)

// app wires every package's concrete implementation together once per
// process, behind the ports interfaces the core packages declare.
type app struct {
	store      storage.Store
	inventory  *inventory.Inventory
	stateIndex *stateindex.StateIndex
	agent      *agent.Client
	healthGate *health.Gate
	lock       *lock.Lock
	broker     *events.Broker
	gateway    *ingress.Gateway
	deployer   *deploy.Deployer
	resolver   configResolver
	iaasClient *iaas.Client
	healthReg  *metrics.Registry

	descriptorsRoot string
}

// newApp reads the persistent flags and environment variables common
// to every subcommand and builds the shared dependency graph.
func newApp(cmd *cobra.Command) (*app, error) {
	descriptorsRoot, _ := cmd.Flags().GetString("descriptors")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	agentPort, _ := cmd.Flags().GetInt("agent-port")
	registryAccount, _ := cmd.Flags().GetString("registry-account")

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("fleetctl: open state store: %w", err)
	}

	iaasClient := iaas.NewClient(
		os.Getenv("FLEETCTL_IAAS_URL"),
		os.Getenv("FLEETCTL_IAAS_TOKEN"),
		log.WithComponent("iaas"),
	)

	inv := inventory.New(iaasClient, store, log.WithComponent("inventory"))
	index := stateindex.New(store)
	agentClient := agent.NewClient(agentPort, log.WithComponent("agent"))
	gate := health.NewGate(agentClient)
	infraLock := lock.New(store, log.WithComponent("infra_lock"))

	broker := events.NewBroker()
	broker.Start()

	resolver := configResolver{root: descriptorsRoot}
	gatewayAddr := firstNonEmpty(os.Getenv("FLEETCTL_GATEWAY_ADDR"), "0.0.0.0:8000")
	gateway := ingress.New(resolver, gatewayAddr, log.WithComponent("gateway"))

	hostBase := firstNonEmpty(os.Getenv("FLEETCTL_HOST_BASE"), "/srv/fleetctl")
	cronMetaDir := firstNonEmpty(os.Getenv("FLEETCTL_CRON_META_DIR"), filepath.Join(dataDir, "cron"))
	cronInstaller := cron.New(agentClient, hostBase, cronMetaDir, log.WithComponent("cron"))

	secretPassphrase := firstNonEmpty(os.Getenv("FLEETCTL_SECRET_KEY"), os.Getenv("FLEETCTL_IAAS_TOKEN"), "fleetctl-dev-secret-key")
	seal, err := sealer.FromPassphrase(secretPassphrase)
	if err != nil {
		return nil, fmt.Errorf("fleetctl: build secret sealer: %w", err)
	}
	secrets := sealer.NewSecretStore(store, seal)

	healthReg := metrics.NewRegistry(version, []string{"storage", "inventory", "stateindex", "iaas"})

	deployer := deploy.New(deploy.Deps{
		Inventory:       inv,
		StateIndex:      index,
		Agent:           agentClient,
		HealthGate:      gate,
		Lock:            infraLock,
		Gateway:         gateway,
		Publisher:       broker,
		Cron:            cronInstaller,
		Secrets:         secrets,
		HostBase:        hostBase,
		RegistryAccount: registryAccount,
	}, log.WithComponent("deployer"))

	return &app{
		store:           store,
		inventory:       inv,
		stateIndex:      index,
		agent:           agentClient,
		healthGate:      gate,
		lock:            infraLock,
		broker:          broker,
		gateway:         gateway,
		deployer:        deployer,
		resolver:        resolver,
		iaasClient:      iaasClient,
		healthReg:       healthReg,
		descriptorsRoot: descriptorsRoot,
	}, nil
}

// newHealthProber builds the periodic dependency prober that keeps
// a.healthReg current. storage is probed with a cheap lock-state read,
// inventory and state index with an in-memory listing, and iaas with a
// real call to the provisioning API.
func (a *app) newHealthProber() *metrics.Prober {
	checks := []metrics.LivenessCheck{
		{Name: "storage", Check: func(ctx context.Context) error {
			_, _, err := a.store.GetLockState("healthcheck")
			return err
		}},
		{Name: "inventory", Check: func(ctx context.Context) error {
			_, err := a.inventory.List(ctx, types.StatusReserve)
			return err
		}},
		{Name: "stateindex", Check: func(ctx context.Context) error {
			_, err := a.stateIndex.ServicesOnNode(ctx, "healthcheck")
			return err
		}},
		{Name: "iaas", Check: func(ctx context.Context) error {
			_, err := a.iaasClient.ListNodes(ctx, "")
			return err
		}},
	}
	return metrics.NewProber(a.healthReg, checks, log.WithComponent("health_prober"))
}

func (a *app) Close() error {
	a.broker.Stop()
	return a.store.Close()
}

// newHealer builds the Healer atop an already-constructed app. selfIP
// identifies this process for leader election among healthy nodes.
func (a *app) newHealer(selfIP string) *healer.Healer {
	return healer.New(healer.Deps{
		Inventory:  a.inventory,
		StateIndex: a.stateIndex,
		Agent:      a.agent,
		HealthGate: a.healthGate,
		Lock:       a.lock,
		Starter:    a.deployer,
		Resolver:   a.resolver,
		Publisher:  a.broker,
		SelfIP:     selfIP,
	}, log.WithComponent("healer"))
}

// newAutoscaleCoordinator builds the Auto-Scaling Coordinator, sharing
// the same metrics.Rings instance the metrics collector reads from.
func (a *app) newAutoscaleCoordinator(rings *metrics.Rings) *autoscale.Coordinator {
	lister := func() []*types.ServiceDesc {
		descs := loadAllDescs(a.descriptorsRoot)
		out := make([]*types.ServiceDesc, len(descs))
		for i := range descs {
			out[i] = &descs[i]
		}
		return out
	}
	return autoscale.New(rings, a.stateIndex, a.lock, a.deployer, a.broker, lister, log.WithComponent("autoscale"))
}

// newMetricsCollector builds the periodic Prometheus gauge collector.
func (a *app) newMetricsCollector(rings *metrics.Rings) *metrics.Collector {
	lister := func() []types.ServiceDesc { return loadAllDescs(a.descriptorsRoot) }
	return metrics.NewCollector(a.inventory, a.stateIndex, rings, lister, log.WithComponent("metrics_collector"))
}

// newAlertSubscriber builds the alert mailer if SMTP credentials are
// configured; callers treat a nil return as "alerting disabled".
func newAlertSubscriber() *alerts.Subscriber {
	host := os.Getenv("FLEETCTL_SMTP_HOST")
	if host == "" {
		return nil
	}
	mailer := &alerts.SMTPMailer{
		Host:     host,
		Port:     firstNonEmpty(os.Getenv("FLEETCTL_SMTP_PORT"), "587"),
		From:     os.Getenv("FLEETCTL_SMTP_FROM"),
		Password: os.Getenv("FLEETCTL_SMTP_PASSWORD"),
		To:       splitCSV(os.Getenv("FLEETCTL_SMTP_TO")),
	}
	return alerts.New(mailer, log.WithComponent("alerts"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
