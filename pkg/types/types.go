// Package types defines the core data structures shared across the fleet
// deployment control plane: nodes, service declarations, deployment
// records, metric samples and the small value types that describe
// scaling and locking state.
package types

import "time"

// DeploymentStatus is the authoritative lifecycle label carried on a
// Node's IaaS tags.
type DeploymentStatus string

const (
	StatusReserve    DeploymentStatus = "reserve"
	StatusBlue       DeploymentStatus = "blue"
	StatusGreen      DeploymentStatus = "green"
	StatusDestroying DeploymentStatus = "destroying"
)

// Node is a single compute node rented from the IaaS provider.
type Node struct {
	ID        string
	PublicIP  string
	PrivateIP string

	Zone     string
	VCPU     int
	MemoryMB int

	Status    DeploymentStatus
	CreatedAt time.Time
}

// ServiceKey is the four-tuple that uniquely identifies a service.
type ServiceKey struct {
	User    string
	Project string
	Env     string
	Service string
}

// String renders the key in "user/project/env/service" form, used for
// log fields and as the State Index's primary key.
func (k ServiceKey) String() string {
	return k.User + "/" + k.Project + "/" + k.Env + "/" + k.Service
}

// ImageSourceKind discriminates how a service's image is produced.
type ImageSourceKind int

const (
	FromImage ImageSourceKind = iota
	FromDockerfilePath
	FromInlineDockerfile
)

// ImageSource is a tagged union: exactly one group of fields is
// meaningful, selected by Kind. This replaces the dynamic
// "authoritative key in a dict" pattern of the original config loader.
type ImageSource struct {
	Kind             ImageSourceKind
	Image            string // FromImage
	DockerfilePath   string // FromDockerfilePath
	InlineDockerfile string // FromInlineDockerfile
	BuildContextPath string
}

// ScheduleKind discriminates whether a service runs continuously or on
// a cron cadence.
type ScheduleKind int

const (
	LongRunning ScheduleKind = iota
	Scheduled
)

// Schedule is a tagged union over the two ways a service may run.
type Schedule struct {
	Kind ScheduleKind
	Cron string // set when Kind == Scheduled
}

// PortSpec declares a single exposed port.
type PortSpec struct {
	Name          string
	ContainerPort int
	HostPort      int
	Protocol      string // "tcp" | "udp"
	HTTP          bool   // true if this port should be HTTP health-gated
}

// ScalingPolicy declares auto-scaling behavior and thresholds for a
// service. A nil policy means the service is never auto-scaled.
type ScalingPolicy struct {
	Enabled bool

	MinReplicas int
	MaxReplicas int

	// Thresholds; zero values are replaced by package-level defaults.
	CPUScaleUpPct   float64
	CPUScaleDownPct float64
	MemScaleUpPct   float64
	MemScaleDownPct float64
	RPSScaleUp      float64
	RPSScaleDown    float64
}

// ServiceDesc is the declarative description of one service. It is the
// unit the Deployer, Auto-Scaler and Healer all operate on.
type ServiceDesc struct {
	Key ServiceKey

	Image    ImageSource
	Schedule Schedule

	Ports    []PortSpec
	Replicas int

	Zone     string
	VCPU     int
	MemoryMB int

	DependsOn    []string // other service names in the same project/env
	StartupOrder int      // default 999, lower runs first among ties
	KeepReserve  bool
	Restart      bool
	EnvVars      map[string]string
	Scaling      *ScalingPolicy
}

// EffectiveStartupOrder returns the startup order, defaulting to 999
// when unset.
func (s *ServiceDesc) EffectiveStartupOrder() int {
	if s.StartupOrder == 0 {
		return 999
	}
	return s.StartupOrder
}

// DeploymentRecord is one immutable entry in a service's deployment
// history.
type DeploymentRecord struct {
	ID            string
	Key           ServiceKey
	Version       string
	NodeIPs       []string
	ContainerName string
	Timestamp     time.Time
	Actor         string
}

// DeploymentHistory is the bounded, newest-first history kept per
// service. Current is always History[0].
type DeploymentHistory struct {
	History []*DeploymentRecord
}

// MaxHistory is the bound on DeploymentHistory.History (N=10).
const MaxHistory = 10

// Current returns the active deployment, or nil if none has been
// recorded yet.
func (h *DeploymentHistory) Current() *DeploymentRecord {
	if len(h.History) == 0 {
		return nil
	}
	return h.History[0]
}

// Prepend adds a new record to the front of the history and trims to
// MaxHistory.
func (h *DeploymentHistory) Prepend(rec *DeploymentRecord) {
	h.History = append([]*DeploymentRecord{rec}, h.History...)
	if len(h.History) > MaxHistory {
		h.History = h.History[:MaxHistory]
	}
}

// MetricSample is a single point-in-time observation for one
// (node, service) pair.
type MetricSample struct {
	Timestamp time.Time
	CPUPct    float64
	MemPct    float64
	RPS       float64
}

// MetricKey identifies a metrics ring.
type MetricKey struct {
	Node    string
	User    string
	Project string
	Env     string
	Service string
}

// ScaleDirection is the direction of a scaling action.
type ScaleDirection string

const (
	ScaleUp   ScaleDirection = "up"
	ScaleDown ScaleDirection = "down"
)

// ScaleAxis distinguishes vertical (resize) from horizontal (replica
// count) scaling.
type ScaleAxis string

const (
	AxisVertical   ScaleAxis = "vertical"
	AxisHorizontal ScaleAxis = "horizontal"
)

// CooldownKey identifies a single cooldown counter.
type CooldownKey struct {
	Service   ServiceKey
	Direction ScaleDirection
	Axis      ScaleAxis
}

// SizeTier is one entry in the ordered capacity ladder used for
// vertical scaling.
type SizeTier struct {
	Slug     string
	VCPU     int
	MemoryMB int
}

// DeployOutcome is the user-visible summary of one deploy/rollback
// invocation.
type DeployOutcome struct {
	Status        string // "success" | "failed"
	DeployedNodes []string
	FailedNodes   []string
	Error         string
}

// EventType represents the type of control-plane event.
type EventType string

const (
	EventNodeProvisioned     EventType = "node.provisioned"
	EventNodeDestroyed       EventType = "node.destroyed"
	EventDeploymentPromoted  EventType = "deployment.promoted"
	EventHealthGateFailed    EventType = "deployment.health_gate_failed"
	EventRollbackPerformed   EventType = "deployment.rolled_back"
	EventReplacementSucceeded EventType = "healer.replacement_succeeded"
	EventReplacementFailed   EventType = "healer.replacement_failed"
	EventScaleExecuted       EventType = "autoscale.executed"
	EventLockAcquired        EventType = "lock.acquired"
	EventLockReleased        EventType = "lock.released"
	EventCriticalAlert       EventType = "alert.critical"
)

// Event is a single control-plane event, published on the Broker and
// consumed by the alerts subscriber.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}
