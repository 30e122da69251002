// Package deploy implements the immutable Blue/Green Deployer: the
// orchestrator that claims candidate nodes, starts a service's
// container on them, health-gates the result, and atomically promotes
// or rolls back.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fleetctl/deployctl/pkg/iaas"
	"github.com/fleetctl/deployctl/pkg/naming"
	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/scheduler"
	"github.com/fleetctl/deployctl/pkg/types"
)

// healthGateDeadline is the per-node health-gate timeout.
const healthGateDeadline = 30 * time.Second

// lockName is the Infrastructure Lock name the Deployer and the Healer
// both contend for around a promotion.
const lockName = "promote"

// lockTTL bounds how long a single promotion may hold the lock.
const lockTTL = 30 * time.Second

var (
	// ErrNoSuchProject is returned when a project identity resolves to
	// nothing the caller's config loader knows about.
	ErrNoSuchProject = fmt.Errorf("deploy: no such project")
	// ErrNoSuchService is returned when Deploy is called with a nil
	// ServiceDesc or an identity with no matching service.
	ErrNoSuchService = fmt.Errorf("deploy: no such service")
	// ErrCapacityUnavailable is returned when the IaaS provider cannot
	// fulfil a claim at the requested capacity.
	ErrCapacityUnavailable = fmt.Errorf("deploy: capacity unavailable")
	// ErrHealthGateFailed is returned when at least one blue did not
	// become healthy before the deadline; the blues are rolled back
	// before this error is returned.
	ErrHealthGateFailed = fmt.Errorf("deploy: health gate failed")
	// ErrImageBuildFailed wraps a failure from the injected ImageBuilder.
	ErrImageBuildFailed = fmt.Errorf("deploy: image build failed")
	// ErrPromotionConflict is returned when the Infrastructure Lock
	// could not be acquired around a promotion.
	ErrPromotionConflict = fmt.Errorf("deploy: promotion conflict, infrastructure lock held")
	// ErrMissingImage is returned when a rollback target's image does
	// not exist in the registry.
	ErrMissingImage = fmt.Errorf("deploy: missing image")
	// ErrNoRollbackTarget is returned when a rollback is requested
	// without an explicit version and the service has no prior history.
	ErrNoRollbackTarget = fmt.Errorf("deploy: no prior version to roll back to")
)

// DeployOptions parameterizes a single Deploy call. It is a type alias
// for ports.DeployOptions so the Auto-Scaler and Healer can depend on
// ports.Deployer's behavior without importing this package directly.
type DeployOptions = ports.DeployOptions

// Deps collects the Deployer's dependencies. Builder, Registry,
// Packager and Cron are optional external collaborators; a nil value
// disables the feature it backs (build, rollback image probing,
// config push, and scheduled-service installs, respectively).
type Deps struct {
	Inventory       ports.Inventory
	StateIndex      ports.StateIndex
	Agent           ports.AgentClient
	HealthGate      ports.HealthGate
	Lock            ports.Lock
	Gateway         ports.Gateway
	Publisher       ports.Publisher
	Builder         ports.ImageBuilder
	Registry        ports.ImageRegistry
	Packager        ports.ConfigPackager
	Cron            ports.ScheduledJobInstaller
	Secrets         ports.SecretStore
	HostBase        string
	RegistryAccount string
}

// Deployer orchestrates build -> claim -> deploy-on-blue -> health-gate
// -> promote-or-rollback for one service at a time, and sequences a
// whole project's services through pkg/scheduler.
type Deployer struct {
	inv      ports.Inventory
	index    ports.StateIndex
	agent    ports.AgentClient
	health   ports.HealthGate
	lock     ports.Lock
	gateway  ports.Gateway
	pub      ports.Publisher
	builder  ports.ImageBuilder
	registry ports.ImageRegistry
	packager ports.ConfigPackager
	cron     ports.ScheduledJobInstaller
	secrets  ports.SecretStore

	hostBase        string
	registryAccount string

	log zerolog.Logger
}

// New builds a Deployer from deps.
func New(deps Deps, log zerolog.Logger) *Deployer {
	return &Deployer{
		inv:             deps.Inventory,
		index:           deps.StateIndex,
		agent:           deps.Agent,
		health:          deps.HealthGate,
		lock:            deps.Lock,
		gateway:         deps.Gateway,
		pub:             deps.Publisher,
		builder:         deps.Builder,
		registry:        deps.Registry,
		packager:        deps.Packager,
		cron:            deps.Cron,
		secrets:         deps.Secrets,
		hostBase:        deps.HostBase,
		registryAccount: deps.RegistryAccount,
		log:             log.With().Str("component", "deployer").Logger(),
	}
}

// Deploy runs the public deploy contract for a single service:
// optional build, config push, and either the cron divert or the
// immutable blue/green rollout.
func (d *Deployer) Deploy(ctx context.Context, desc *types.ServiceDesc, opts DeployOptions) (*types.DeployOutcome, error) {
	if desc == nil {
		return nil, ErrNoSuchService
	}
	log := d.log.With().Str("service", desc.Key.String()).Logger()

	version := opts.Version
	if opts.TargetVersion != "" {
		version = opts.TargetVersion
	}

	if opts.Build {
		if desc.Image.Kind == types.FromImage {
			log.Debug().Msg("service declares a prebuilt image, skipping build")
		} else if d.builder == nil {
			return nil, fmt.Errorf("deploy: build requested but no image builder is configured")
		} else {
			push := desc.Zone != "" && desc.Zone != "localhost"
			built, err := d.builder.Build(ctx, desc, version, push)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrImageBuildFailed, err)
			}
			version = built
		}
	}
	if version == "" {
		version = "latest"
	}

	if desc.Schedule.Kind == types.Scheduled {
		return d.deployScheduled(ctx, desc, version, opts.Actor)
	}
	return d.deployImmutable(ctx, desc, version, opts.Actor)
}

// DeployProject sequences a whole project/env's services: dependency-
// topological order within a zone, zones running in parallel, each
// zone's failure independent of the others.
func (d *Deployer) DeployProject(ctx context.Context, services []*types.ServiceDesc, opts DeployOptions) (map[string]*types.DeployOutcome, error) {
	ordered, err := scheduler.Order(services)
	if err != nil {
		return nil, err
	}
	zones := scheduler.GroupByZone(ordered)

	type keyedOutcome struct {
		key string
		out *types.DeployOutcome
	}
	resultsCh := make(chan keyedOutcome, len(ordered))

	// A plain Group, not errgroup.WithContext: one zone's failure must
	// not cancel the pipelines still running in the other zones.
	var g errgroup.Group
	for zone, zoneServices := range zones {
		zone, zoneServices := zone, zoneServices
		g.Go(func() error {
			for _, svc := range zoneServices {
				outcome, err := d.Deploy(ctx, svc, opts)
				resultsCh <- keyedOutcome{svc.Key.String(), outcome}
				if err != nil {
					return fmt.Errorf("zone %s: service %s: %w", zone, svc.Key.Service, err)
				}
			}
			return nil
		})
	}
	groupErr := g.Wait()
	close(resultsCh)

	results := make(map[string]*types.DeployOutcome, len(ordered))
	for r := range resultsCh {
		if r.out != nil {
			results[r.key] = r.out
		}
	}
	return results, groupErr
}

// Rollback re-invokes Deploy with build=false and a resolved target
// version, after probing the registry for that version's image.
func (d *Deployer) Rollback(ctx context.Context, desc *types.ServiceDesc, targetVersion, actor string) (*types.DeployOutcome, error) {
	if desc == nil {
		return nil, ErrNoSuchService
	}

	version := targetVersion
	if version == "" {
		history, err := d.index.History(ctx, desc.Key)
		if err != nil {
			return nil, fmt.Errorf("deploy: rollback: history: %w", err)
		}
		if len(history) < 2 {
			return nil, ErrNoRollbackTarget
		}
		version = history[1].Version
	}

	if d.registry != nil {
		ref := imageReference(d.registryAccount, desc, version)
		exists, err := d.registry.ImageExists(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("deploy: rollback: image probe: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrMissingImage, ref)
		}
	}

	outcome, err := d.Deploy(ctx, desc, DeployOptions{Build: false, TargetVersion: version, Actor: actor})
	if err == nil {
		d.publish(types.EventRollbackPerformed, fmt.Sprintf("%s rolled back to %s", desc.Key, version), desc.Key)
	}
	return outcome, err
}

func (d *Deployer) deployImmutable(ctx context.Context, desc *types.ServiceDesc, version, actor string) (*types.DeployOutcome, error) {
	replicas := desc.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	sizeSlug, err := iaas.CapacityToSlug(desc.VCPU, desc.MemoryMB)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapacityUnavailable, err)
	}
	blues, err := d.inv.Claim(ctx, replicas, desc.Zone, sizeSlug)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapacityUnavailable, err)
	}
	blueIPs := nodeIPs(blues)

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range blues {
		node := node
		g.Go(func() error {
			return d.startOnNode(gctx, desc, node.PublicIP, version)
		})
	}
	startErr := g.Wait()

	var gateErr error
	if startErr == nil {
		gateErr = d.healthGateAll(ctx, desc, blueIPs)
	}

	if startErr != nil || gateErr != nil {
		cause := startErr
		if cause == nil {
			cause = gateErr
		}
		d.rollbackBlues(ctx, desc, blueIPs)
		d.publish(types.EventHealthGateFailed, fmt.Sprintf("%s: %v", desc.Key, cause), desc.Key)
		return &types.DeployOutcome{Status: "failed", FailedNodes: blueIPs, Error: cause.Error()},
			fmt.Errorf("%w: %w", ErrHealthGateFailed, cause)
	}

	holder := actorOrDefault(actor)
	acquired, err := d.lock.Acquire(ctx, lockName, holder, lockTTL)
	if err != nil {
		d.rollbackBlues(ctx, desc, blueIPs)
		return nil, fmt.Errorf("deploy: acquire lock: %w", err)
	}
	if !acquired {
		d.rollbackBlues(ctx, desc, blueIPs)
		return nil, ErrPromotionConflict
	}
	defer func() {
		if err := d.lock.Release(ctx, lockName, holder); err != nil {
			d.log.Warn().Err(err).Msg("failed to release infrastructure lock after promote")
		}
	}()

	oldGreens, err := d.inv.Promote(ctx, blueIPs)
	if err != nil {
		d.rollbackBlues(ctx, desc, blueIPs)
		return nil, fmt.Errorf("deploy: promote: %w", err)
	}

	rec := &types.DeploymentRecord{
		ID:            uuid.NewString(),
		Key:           desc.Key,
		Version:       version,
		NodeIPs:       blueIPs,
		ContainerName: naming.ContainerName(desc.Key, false),
		Timestamp:     time.Now(),
		Actor:         holder,
	}
	if err := d.index.RecordDeployment(ctx, rec); err != nil {
		return nil, fmt.Errorf("deploy: record deployment: %w", err)
	}

	if d.gateway != nil {
		if err := d.gateway.SetUpstreams(desc.Key, blueIPs); err != nil {
			d.log.Warn().Err(err).Msg("failed to update gateway upstreams")
		}
	}

	if oldIPs := nodeIPs(oldGreens); len(oldIPs) > 0 {
		if err := d.inv.Release(ctx, oldIPs, !desc.KeepReserve); err != nil {
			d.log.Warn().Err(err).Msg("failed to release previous greens")
		}
	}

	d.publish(types.EventDeploymentPromoted, fmt.Sprintf("%s promoted to %s", desc.Key, version), desc.Key)
	return &types.DeployOutcome{Status: "success", DeployedNodes: blueIPs}, nil
}

func (d *Deployer) deployScheduled(ctx context.Context, desc *types.ServiceDesc, version, actor string) (*types.DeployOutcome, error) {
	if d.cron == nil {
		return nil, fmt.Errorf("deploy: %s is scheduled but no installer is configured", desc.Key)
	}

	nodeIP, err := d.scheduledHostNode(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapacityUnavailable, err)
	}

	image := imageReference(d.registryAccount, desc, version)
	if err := d.pushAndPull(ctx, desc, nodeIP, image); err != nil {
		return &types.DeployOutcome{Status: "failed", FailedNodes: []string{nodeIP}, Error: err.Error()}, err
	}

	env, resolved, err := d.resolveEnvVars(ctx, desc)
	if err != nil {
		return &types.DeployOutcome{Status: "failed", FailedNodes: []string{nodeIP}, Error: err.Error()}, err
	}
	scheduledDesc := desc
	if resolved {
		clone := *desc
		clone.EnvVars = env
		scheduledDesc = &clone
	}

	if err := d.cron.Install(ctx, scheduledDesc, nodeIP, image); err != nil {
		return &types.DeployOutcome{Status: "failed", FailedNodes: []string{nodeIP}, Error: err.Error()},
			fmt.Errorf("deploy: install scheduled job: %w", err)
	}

	rec := &types.DeploymentRecord{
		ID:            uuid.NewString(),
		Key:           desc.Key,
		Version:       version,
		NodeIPs:       []string{nodeIP},
		ContainerName: naming.ContainerName(desc.Key, false),
		Timestamp:     time.Now(),
		Actor:         actorOrDefault(actor),
	}
	if err := d.index.RecordDeployment(ctx, rec); err != nil {
		return nil, fmt.Errorf("deploy: record deployment: %w", err)
	}

	d.publish(types.EventDeploymentPromoted, fmt.Sprintf("%s scheduled on %s", desc.Key, nodeIP), desc.Key)
	return &types.DeployOutcome{Status: "success", DeployedNodes: []string{nodeIP}}, nil
}

// scheduledHostNode finds an existing green node in the declared zone
// to host a scheduled job, or claims and promotes one reserve node if
// none exists. Scheduled jobs are not blue/green swapped; they are
// installed onto whatever host currently serves the project/env.
func (d *Deployer) scheduledHostNode(ctx context.Context, desc *types.ServiceDesc) (string, error) {
	greens, err := d.inv.List(ctx, types.StatusGreen)
	if err != nil {
		return "", fmt.Errorf("list green nodes: %w", err)
	}
	for _, n := range greens {
		if desc.Zone == "" || n.Zone == desc.Zone {
			return n.PublicIP, nil
		}
	}

	sizeSlug, err := iaas.CapacityToSlug(desc.VCPU, desc.MemoryMB)
	if err != nil {
		return "", err
	}
	claimed, err := d.inv.Claim(ctx, 1, desc.Zone, sizeSlug)
	if err != nil {
		return "", err
	}
	if _, err := d.inv.Promote(ctx, nodeIPs(claimed)); err != nil {
		return "", fmt.Errorf("promote scheduled host: %w", err)
	}
	return claimed[0].PublicIP, nil
}

// startOnNode pushes config, pulls the image and starts the
// long-running container on one node.
func (d *Deployer) startOnNode(ctx context.Context, desc *types.ServiceDesc, nodeIP, version string) error {
	image := imageReference(d.registryAccount, desc, version)
	if err := d.pushAndPull(ctx, desc, nodeIP, image); err != nil {
		return err
	}

	env, _, err := d.resolveEnvVars(ctx, desc)
	if err != nil {
		return fmt.Errorf("resolve env vars for %s: %w", desc.Key, err)
	}

	spec := containerSpec(desc, image, d.hostBase, env)
	if err := d.agent.RunContainer(ctx, nodeIP, spec); err != nil {
		return fmt.Errorf("start container on %s: %w", nodeIP, err)
	}
	return nil
}

// generatedSecretSentinel marks a declared env var whose value should
// be minted once per service and reused on every later deploy, rather
// than taken literally from the descriptor (e.g. POSTGRES_PASSWORD).
const generatedSecretSentinel = "$GENERATE"

// resolveEnvVars substitutes generatedSecretSentinel values with a
// stable per-service secret. A descriptor with no sentinel values
// returns desc.EnvVars unchanged and reports resolved=false, so
// callers can skip cloning the descriptor.
func (d *Deployer) resolveEnvVars(ctx context.Context, desc *types.ServiceDesc) (env map[string]string, resolved bool, err error) {
	hasSentinel := false
	for _, v := range desc.EnvVars {
		if v == generatedSecretSentinel {
			hasSentinel = true
			break
		}
	}
	if !hasSentinel {
		return desc.EnvVars, false, nil
	}
	if d.secrets == nil {
		return nil, false, fmt.Errorf("%s declares a generated secret but no secret store is configured", desc.Key)
	}

	out := make(map[string]string, len(desc.EnvVars))
	for k, v := range desc.EnvVars {
		if v != generatedSecretSentinel {
			out[k] = v
			continue
		}
		secret, err := d.secrets.GetOrCreate(ctx, desc.Key, k)
		if err != nil {
			return nil, false, err
		}
		out[k] = secret
	}
	return out, true, nil
}

// StartOnNode pushes config, pulls the image and starts the container
// for desc on a single node. It satisfies ports.NodeServiceStarter,
// letting the Healer reuse exactly the same per-node start step a
// normal rollout uses to bring one replacement node's services up,
// without importing this package's concrete Deployer type.
func (d *Deployer) StartOnNode(ctx context.Context, desc *types.ServiceDesc, nodeIP, version string) error {
	return d.startOnNode(ctx, desc, nodeIP, version)
}

// pushAndPull performs the idempotent config/secrets/files upload
// followed by the image pull, shared by the long-running and
// scheduled deploy paths.
func (d *Deployer) pushAndPull(ctx context.Context, desc *types.ServiceDesc, nodeIP, image string) error {
	if d.packager != nil {
		archive, extractPath, err := d.packager.Package(ctx, desc)
		if err != nil {
			return fmt.Errorf("package config for %s: %w", nodeIP, err)
		}
		if len(archive) > 0 {
			if err := d.agent.UploadTar(ctx, nodeIP, archive, extractPath); err != nil {
				return fmt.Errorf("push config to %s: %w", nodeIP, err)
			}
		}
	}

	if err := d.agent.PullImage(ctx, nodeIP, image); err != nil {
		return fmt.Errorf("pull image on %s: %w", nodeIP, err)
	}
	return nil
}

// healthGateAll polls every blue in parallel and waits for all of
// them, per the "health gate waits for all" ordering guarantee.
func (d *Deployer) healthGateAll(ctx context.Context, desc *types.ServiceDesc, ips []string) error {
	name := naming.ContainerName(desc.Key, false)
	g, gctx := errgroup.WithContext(ctx)
	for _, ip := range ips {
		ip := ip
		g.Go(func() error {
			return d.health.Await(gctx, ip, name, desc.Ports, healthGateDeadline)
		})
	}
	return g.Wait()
}

// rollbackBlues stops and removes the container on every blue and
// releases the blues back to reserve, leaving greens untouched.
func (d *Deployer) rollbackBlues(ctx context.Context, desc *types.ServiceDesc, ips []string) {
	name := naming.ContainerName(desc.Key, false)
	for _, ip := range ips {
		if err := d.agent.StopContainer(ctx, ip, name); err != nil {
			d.log.Warn().Str("node", ip).Err(err).Msg("failed to stop container during rollback")
		}
		if err := d.agent.RemoveContainer(ctx, ip, name); err != nil {
			d.log.Warn().Str("node", ip).Err(err).Msg("failed to remove container during rollback")
		}
	}
	if err := d.inv.Release(ctx, ips, false); err != nil {
		d.log.Warn().Err(err).Msg("failed to release blues after rollback")
	}
}

func (d *Deployer) publish(t types.EventType, msg string, key types.ServiceKey) {
	if d.pub == nil {
		return
	}
	d.pub.Publish(&types.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Message:   msg,
		Metadata:  map[string]string{"service": key.String()},
	})
}

func imageReference(registryAccount string, desc *types.ServiceDesc, version string) string {
	if desc.Image.Kind == types.FromImage && desc.Image.Image != "" {
		return desc.Image.Image
	}
	return naming.ImageReference(registryAccount, desc.Key, version)
}

func containerSpec(desc *types.ServiceDesc, image, hostBase string, env map[string]string) ports.ContainerSpec {
	mounts := naming.AllMounts(hostBase, desc.Key)
	volumes := make(map[string]string, len(mounts))
	for _, m := range mounts {
		volumes[m.Source] = m.Target
	}
	return ports.ContainerSpec{
		Name:    naming.ContainerName(desc.Key, false),
		Image:   image,
		Network: naming.NetworkName(desc.Key.Project, desc.Key.Env),
		Env:     env,
		Ports:   desc.Ports,
		Volumes: volumes,
		Restart: desc.Restart,
	}
}

func nodeIPs(nodes []*types.Node) []string {
	ips := make([]string, len(nodes))
	for i, n := range nodes {
		ips[i] = n.PublicIP
	}
	return ips
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "fleetctl"
	}
	return actor
}
