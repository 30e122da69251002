package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fleetctl/deployctl/pkg/types"
)

// configResolver satisfies ports.ServiceResolver by reading the same
// on-disk descriptor convention the CLI commands use. The Healer and
// the Gateway both resolve a bare ServiceKey back to a full
// ServiceDesc through this seam.
type configResolver struct {
	root string
}

func (r configResolver) Resolve(ctx context.Context, key types.ServiceKey) (*types.ServiceDesc, error) {
	return loadServiceDesc(descriptorPath(r.root, key.Project, key.Env, key.Service))
}

// loadServiceDesc reads a single JSON-encoded types.ServiceDesc from
// path. The real config loader (templating, defaults, validation
// against a project-wide manifest) is out of scope; this is the thin
// plumbing the CLI needs to hand the core a concrete *ServiceDesc
// value at all.
func loadServiceDesc(path string) (*types.ServiceDesc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fleetctl: read service descriptor %s: %w", path, err)
	}
	var desc types.ServiceDesc
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("fleetctl: parse service descriptor %s: %w", path, err)
	}
	return &desc, nil
}

// descriptorPath resolves the conventional on-disk location of a
// service's descriptor: <root>/<project>/<env>/<service>.json.
func descriptorPath(root, project, env, service string) string {
	return filepath.Join(root, project, env, service+".json")
}

// loadProjectDescs loads every service descriptor declared for
// project/env: each .json file directly under <root>/<project>/<env>/.
// Subdirectories are not searched.
func loadProjectDescs(root, project, env string) ([]*types.ServiceDesc, error) {
	dir := filepath.Join(root, project, env)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fleetctl: list service descriptors under %s: %w", dir, err)
	}

	var descs []*types.ServiceDesc
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		desc, err := loadServiceDesc(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// loadAllDescs walks every project/env under root, for the metrics
// collector's and status command's ServiceLister.
func loadAllDescs(root string) []types.ServiceDesc {
	var all []types.ServiceDesc
	projects, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, p := range projects {
		if !p.IsDir() {
			continue
		}
		envs, err := os.ReadDir(filepath.Join(root, p.Name()))
		if err != nil {
			continue
		}
		for _, e := range envs {
			if !e.IsDir() {
				continue
			}
			descs, err := loadProjectDescs(root, p.Name(), e.Name())
			if err != nil {
				continue
			}
			for _, d := range descs {
				all = append(all, *d)
			}
		}
	}
	return all
}
