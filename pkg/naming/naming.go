// Package naming is the deterministic, pure single source of truth for
// every name and path the control plane derives from a service
// identity: container names, image references, network names, host
// and container mount paths, and named-volume identifiers.
package naming

import (
	"fmt"

	"github.com/fleetctl/deployctl/pkg/types"
)

// MountKind enumerates the mount-path kinds a service may use.
type MountKind string

const (
	KindConfig     MountKind = "config"
	KindSecrets    MountKind = "secrets"
	KindFiles      MountKind = "files"
	KindData       MountKind = "data"
	KindLogs       MountKind = "logs"
	KindBackups    MountKind = "backups"
	KindMonitoring MountKind = "monitoring"
)

// volumeKinds is the subset of MountKind that get Docker named
// volumes rather than bind mounts.
var volumeKinds = map[MountKind]bool{
	KindData:       true,
	KindLogs:       true,
	KindBackups:    true,
	KindMonitoring: true,
}

// ContainerName returns "{user}_{project}_{env}_{service}", with a
// "_secondary" suffix when a toggle-deploy variant is present.
func ContainerName(key types.ServiceKey, secondary bool) string {
	name := fmt.Sprintf("%s_%s_%s_%s", key.User, key.Project, key.Env, key.Service)
	if secondary {
		name += "_secondary"
	}
	return name
}

// ImageReference returns "{registryAccount}/{project}-{env}-{service}:{version}".
func ImageReference(registryAccount string, key types.ServiceKey, version string) string {
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("%s/%s-%s-%s:%s", registryAccount, key.Project, key.Env, key.Service, version)
}

// NetworkName returns "{project}_{env}_network".
func NetworkName(project, env string) string {
	return fmt.Sprintf("%s_%s_network", project, env)
}

// HostPath returns the host-side mount path for kind, rooted at base
// (an OS-dependent root the caller supplies, e.g. "/local" or
// "C:/local"). Format: "{base}/{user}/{project}/{env}/{kind}/{service}".
func HostPath(base string, key types.ServiceKey, kind MountKind) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s", base, key.User, key.Project, key.Env, kind, key.Service)
}

// containerPathOverrides holds the well-known container paths for
// standard services, keyed by service name then mount kind.
var containerPathOverrides = map[string]map[MountKind]string{
	"postgres": {
		KindData:    "/var/lib/postgresql/data",
		KindConfig:  "/etc/postgresql",
		KindSecrets: "/run/secrets",
	},
	"redis": {
		KindData:    "/data",
		KindConfig:  "/usr/local/etc/redis",
		KindSecrets: "/run/secrets",
	},
	"nginx": {
		KindConfig:  "/etc/nginx",
		KindLogs:    "/var/log/nginx",
		KindSecrets: "/etc/ssl/certs",
	},
}

// ContainerPath returns the in-container mount path for a service and
// mount kind: well-known locations for standard services, else
// "/app/{kind}".
func ContainerPath(service string, kind MountKind) string {
	if overrides, ok := containerPathOverrides[service]; ok {
		if path, ok := overrides[kind]; ok {
			return path
		}
	}
	return fmt.Sprintf("/app/%s", kind)
}

// UsesNamedVolume reports whether kind is backed by a Docker named
// volume rather than a host bind mount.
func UsesNamedVolume(kind MountKind) bool {
	return volumeKinds[kind]
}

// VolumeName returns the named-volume identifier
// "{user}_{project}_{env}_{kind}_{service}". Only meaningful for kinds
// where UsesNamedVolume is true.
func VolumeName(key types.ServiceKey, kind MountKind) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s", key.User, key.Project, key.Env, kind, key.Service)
}

// VolumeMount is a single host/volume -> container path binding for a
// docker run invocation.
type VolumeMount struct {
	Source     string // host path or named volume
	Target     string // container path
	ReadOnly   bool
	NamedVolume bool
}

// pushMountKinds are bind-mounted read-only on every deploy (config,
// secrets, shared files); pullMountKinds may use named volumes.
var pushMountKinds = []MountKind{KindConfig, KindSecrets, KindFiles}
var pullMountKinds = []MountKind{KindData, KindLogs}

// AllMounts builds the standard volume mount set for a service
// deployed to a node, given hostBase (the OS-appropriate host root).
func AllMounts(hostBase string, key types.ServiceKey) []VolumeMount {
	mounts := make([]VolumeMount, 0, len(pushMountKinds)+len(pullMountKinds))

	for _, kind := range pushMountKinds {
		mounts = append(mounts, VolumeMount{
			Source:   HostPath(hostBase, key, kind),
			Target:   ContainerPath(key.Service, kind),
			ReadOnly: true,
		})
	}

	for _, kind := range pullMountKinds {
		if UsesNamedVolume(kind) {
			mounts = append(mounts, VolumeMount{
				Source:      VolumeName(key, kind),
				Target:      ContainerPath(key.Service, kind),
				NamedVolume: true,
			})
		} else {
			mounts = append(mounts, VolumeMount{
				Source: HostPath(hostBase, key, kind),
				Target: ContainerPath(key.Service, kind),
			})
		}
	}

	return mounts
}
