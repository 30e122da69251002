// Package ports declares the small leaf interfaces that the core
// deployment packages depend on. Keeping these interfaces in a
// dependency-free leaf package lets pkg/deploy, pkg/autoscale,
// pkg/healer and pkg/lock depend only on behavior they need, instead of
// importing each other's concrete types and creating cycles.
package ports

import (
	"context"
	"time"

	"github.com/fleetctl/deployctl/pkg/types"
)

// IaaSAdapter provisions and destroys compute nodes from the
// infrastructure provider.
type IaaSAdapter interface {
	CreateNode(ctx context.Context, zone, sizeSlug string, tags []string) (*types.Node, error)
	DestroyNode(ctx context.Context, nodeID string) error
	ListNodes(ctx context.Context, tag string) ([]*types.Node, error)
	UpdateTags(ctx context.Context, nodeID string, tags []string) error
}

// AgentClient drives the Node Agent running on a provisioned node.
type AgentClient interface {
	RunContainer(ctx context.Context, nodeIP string, spec ContainerSpec) error
	StopContainer(ctx context.Context, nodeIP, name string) error
	RemoveContainer(ctx context.Context, nodeIP, name string) error
	RestartContainer(ctx context.Context, nodeIP, name string) error
	ListContainers(ctx context.Context, nodeIP string) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, nodeIP, name string, tail int) (string, error)
	PullImage(ctx context.Context, nodeIP, image string) error
	UploadTar(ctx context.Context, nodeIP string, archive []byte, extractPath string) error
	// Reachable reports L3 reachability of nodeIP's agent port.
	Reachable(ctx context.Context, nodeIP string) bool
	// Healthz confirms the container runtime on nodeIP is up.
	Healthz(ctx context.Context, nodeIP string) error
}

// ContainerSpec is what the agent needs to start one container.
type ContainerSpec struct {
	Name     string
	Image    string
	Network  string
	Env      map[string]string
	Ports    []types.PortSpec
	Volumes  map[string]string
	Command  []string
	Restart  bool
}

// ContainerInfo is a single row returned by ListContainers.
type ContainerInfo struct {
	Name    string
	Image   string
	Status  string
	Created time.Time
}

// Inventory manages the pool of Nodes and their deployment-status
// labels.
type Inventory interface {
	Reconcile(ctx context.Context) (*InventoryDiff, error)
	Claim(ctx context.Context, count int, zone, sizeSlug string) ([]*types.Node, error)
	Promote(ctx context.Context, blueIPs []string) ([]*types.Node, error)
	PromoteNode(ctx context.Context, ip string) error
	Release(ctx context.Context, ips []string, destroy bool) error
	List(ctx context.Context, status types.DeploymentStatus) ([]*types.Node, error)
	GetByIP(ip string) (*types.Node, bool)
	Summary() InventorySummary
}

// InventoryDiff reports nodes added or removed during a reconcile pass.
type InventoryDiff struct {
	Added   []string
	Removed []string
}

// InventorySummary is a read-only snapshot used by `fleetctl status`.
type InventorySummary struct {
	ByStatus map[types.DeploymentStatus]int
	ByZone   map[string]int
	Total    int
}

// StateIndex tracks, per service, which nodes currently host it and
// its bounded deployment history.
type StateIndex interface {
	RecordDeployment(ctx context.Context, rec *types.DeploymentRecord) error
	Current(ctx context.Context, key types.ServiceKey) (*types.DeploymentRecord, error)
	History(ctx context.Context, key types.ServiceKey) ([]*types.DeploymentRecord, error)
	ServicesOnNode(ctx context.Context, nodeIP string) ([]types.ServiceKey, error)
	RemoveNodeFromAll(ctx context.Context, nodeIP string) error
	AddNodeToService(ctx context.Context, key types.ServiceKey, nodeIP string) error
	Export(ctx context.Context) ([]byte, error)
}

// HealthGate polls a newly started, not yet promoted node until it
// reports healthy or the deadline passes. containerName scopes the
// non-HTTP fallback check to the service's own container, so a stale container left
// behind on a reused reserve node can never be mistaken for a
// successful start.
type HealthGate interface {
	Await(ctx context.Context, nodeIP, containerName string, ports []types.PortSpec, deadline time.Duration) error
}

// Lock is the cluster-wide mutual-exclusion primitive (the
// Infrastructure Lock).
type Lock interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
	Holder(ctx context.Context, name string) (string, time.Time, error)
}

// Publisher publishes domain events. Satisfied by *events.Broker.
type Publisher interface {
	Publish(event *types.Event)
}

// Gateway updates the reverse proxy's upstream pool for a service.
type Gateway interface {
	SetUpstreams(key types.ServiceKey, ips []string) error
}

// DeployOptions parameterizes a single Deploy call. Declared here
// rather than in pkg/deploy so the Auto-Scaler and Healer can depend
// on the Deployer port without importing pkg/deploy's concrete type.
type DeployOptions struct {
	// Version is the version to deploy when Build is false and
	// TargetVersion is unset.
	Version string
	// Build, when true, invokes the configured ImageBuilder before
	// claiming any nodes.
	Build bool
	// TargetVersion overrides Version; set by Rollback.
	TargetVersion string
	// Actor identifies who/what requested the deploy, recorded on the
	// resulting DeploymentRecord and used as the lock holder token.
	Actor string
}

// Deployer is the subset of *deploy.Deployer that the Auto-Scaler and
// Healer drive: re-running a service's blue/green rollout after its
// ServiceDesc has been mutated (new replica count or capacity tier).
type Deployer interface {
	Deploy(ctx context.Context, desc *types.ServiceDesc, opts DeployOptions) (*types.DeployOutcome, error)
}

// NodeServiceStarter starts a single service's container on a single
// node: push config, pull image, run container. Declared here rather
// than in pkg/deploy so the Healer can reuse the Deployer's per-node
// start step when replacing a failed node, without importing
// pkg/deploy's concrete type.
type NodeServiceStarter interface {
	StartOnNode(ctx context.Context, desc *types.ServiceDesc, nodeIP, version string) error
}

// ServiceResolver looks up a service's full descriptor by key. The
// Healer only has ServiceKeys from the State Index's ServicesOnNode;
// resolving those back to a ServiceDesc (image, ports, env) is the
// (out of scope) config loader's job, reached through this seam.
type ServiceResolver interface {
	Resolve(ctx context.Context, key types.ServiceKey) (*types.ServiceDesc, error)
}

// SecretStore hands a service a stable generated secret value, minting
// one on first request and persisting it for every later request.
// Satisfied by *sealer.SecretStore.
type SecretStore interface {
	GetOrCreate(ctx context.Context, key types.ServiceKey, name string) (string, error)
}

// ImageBuilder produces (and, for remote targets, pushes) a service's
// image. Build tooling itself is an external collaborator; the
// Deployer only calls this when invoked with build=true, and returns
// the version string the built image was tagged with.
type ImageBuilder interface {
	Build(ctx context.Context, desc *types.ServiceDesc, targetVersion string, push bool) (version string, err error)
}

// ImageRegistry answers whether an image reference already exists, so
// rollback can probe before attempting to deploy a version whose image
// was since pruned from the registry.
type ImageRegistry interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
}

// ConfigPackager produces the config/secrets/files tar payload the
// Deployer pushes to each candidate node before starting its
// container. Reading project files into the archive is the (out of
// scope) config loader's job; this is the seam the Deployer calls
// through.
type ConfigPackager interface {
	Package(ctx context.Context, desc *types.ServiceDesc) (archive []byte, extractPath string, err error)
}

// ScheduledJobInstaller installs a cron-scheduled one-shot container
// launcher on a node, diverting the Deployer's normal long-running
// path for services whose Schedule.Kind is types.Scheduled. image is
// the already-pulled reference the launcher command should run.
type ScheduledJobInstaller interface {
	Install(ctx context.Context, desc *types.ServiceDesc, nodeIP, image string) error
	Remove(ctx context.Context, desc *types.ServiceDesc, nodeIP string) error
}

// CronJobSpec is a single host-level scheduled command, ready for the
// SchedulerAgent to install under whatever mechanism the target
// platform uses.
type CronJobSpec struct {
	Identifier string // sentinel marker, e.g. "MANAGED_<project>_<env>_<service>"
	Schedule   string // raw 5- or 6-field cron expression
	Command    string // full shell command line, including log redirection
}

// WindowsTaskSpec is the Windows Task Scheduler equivalent of a
// CronJobSpec, after cron-to-schtasks translation.
type WindowsTaskSpec struct {
	TaskName string
	Command  string   // batch-script body
	Type     string   // MINUTE | HOURLY | DAILY
	Params   []string // schtasks /sc-specific flags, e.g. ["/mo", "5"]
}

// ScheduledJobInfo is a single row returned by ListScheduledJobs.
type ScheduledJobInfo struct {
	Identifier string
	Schedule   string
	Command    string
}

// SchedulerAgent is the subset of node-agent capability the
// Scheduled-Job Installer needs: host-level scheduler detection and
// job management, distinct from the container lifecycle AgentClient
// covers.
type SchedulerAgent interface {
	DetectScheduler(ctx context.Context, nodeIP string) (platform, scheduler string, err error)
	InstallCronJob(ctx context.Context, nodeIP string, spec CronJobSpec) error
	InstallWindowsTask(ctx context.Context, nodeIP string, spec WindowsTaskSpec) error
	RemoveScheduledJob(ctx context.Context, nodeIP, identifier string) error
	ListScheduledJobs(ctx context.Context, nodeIP string) ([]ScheduledJobInfo, error)
	CleanupStragglers(ctx context.Context, nodeIP, containerPrefix string) error
}
