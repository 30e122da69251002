package cron

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fleetctl/deployctl/pkg/types"
)

// JobMetadata is the YAML sidecar this installer writes alongside every
// scheduled job it creates. ListScheduledJobs has no other way to
// recover a job's service key or launch command from the bare
// identifier a cron line or Windows task name carries, so the sidecar
// is the record of truth for inspection and removal bookkeeping.
type JobMetadata struct {
	Identifier string `yaml:"identifier"`
	NodeIP     string `yaml:"node_ip"`
	Project    string `yaml:"project"`
	Env        string `yaml:"env"`
	Service    string `yaml:"service"`
	Schedule   string `yaml:"schedule"`
	Scheduler  string `yaml:"scheduler"`
	Command    string `yaml:"command"`
}

func (in *Installer) sidecarPath(identifier string) string {
	return filepath.Join(in.metaDir, identifier+".yaml")
}

// writeSidecar persists meta for a freshly installed job. metaDir
// being empty disables the mechanism entirely, which keeps callers in
// environments without a writable control-plane host from failing an
// otherwise-successful install.
func (in *Installer) writeSidecar(meta JobMetadata) {
	if in.metaDir == "" {
		return
	}
	if err := os.MkdirAll(in.metaDir, 0o755); err != nil {
		in.log.Warn().Err(err).Str("dir", in.metaDir).Msg("failed to create cron sidecar directory")
		return
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		in.log.Warn().Err(err).Str("identifier", meta.Identifier).Msg("failed to marshal cron sidecar")
		return
	}
	if err := os.WriteFile(in.sidecarPath(meta.Identifier), data, 0o644); err != nil {
		in.log.Warn().Err(err).Str("identifier", meta.Identifier).Msg("failed to write cron sidecar")
	}
}

// removeSidecar deletes the metadata file for identifier, if any. A
// missing file is not an error: Remove may run against a job whose
// sidecar never got written, or that was already cleaned up.
func (in *Installer) removeSidecar(identifier string) {
	if in.metaDir == "" {
		return
	}
	if err := os.Remove(in.sidecarPath(identifier)); err != nil && !os.IsNotExist(err) {
		in.log.Warn().Err(err).Str("identifier", identifier).Msg("failed to remove cron sidecar")
	}
}

// ListInstalled reads every sidecar under metaDir. It is the backing
// implementation for inspecting what this installer believes is
// currently scheduled, independent of what the node's own scheduler
// reports.
func (in *Installer) ListInstalled() ([]JobMetadata, error) {
	if in.metaDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(in.metaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cron: list installed: %w", err)
	}

	var out []JobMetadata
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(in.metaDir, e.Name()))
		if err != nil {
			in.log.Warn().Err(err).Str("file", e.Name()).Msg("failed to read cron sidecar")
			continue
		}
		var meta JobMetadata
		if err := yaml.Unmarshal(data, &meta); err != nil {
			in.log.Warn().Err(err).Str("file", e.Name()).Msg("failed to parse cron sidecar")
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func jobMetadataFor(desc *types.ServiceDesc, nodeIP, scheduler, command string) JobMetadata {
	return JobMetadata{
		Identifier: Identifier(desc.Key),
		NodeIP:     nodeIP,
		Project:    desc.Key.Project,
		Env:        desc.Key.Env,
		Service:    desc.Key.Service,
		Schedule:   desc.Schedule.Cron,
		Scheduler:  scheduler,
		Command:    command,
	}
}
