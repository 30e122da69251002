// Package iaas implements the IaaS Adapter: node CRUD, tag
// management, and the sizeSlug<->(vCPU, MiB) lookup table, against an
// HTTP-based cloud provider API. Transient failures are retried with
// capped exponential backoff; unknown slugs and persistent failures
// propagate to the caller untouched.
package iaas

import (
	"fmt"

	"github.com/fleetctl/deployctl/pkg/types"
)

// ErrUnknownSizeSlug is returned when a sizeSlug has no entry in the
// tier table.
var ErrUnknownSizeSlug = fmt.Errorf("iaas: unknown size slug")

// sizeTiers is the ordered capacity ladder, ascending, matching the
// original deployment's droplet-size table.
var sizeTiers = []types.SizeTier{
	{Slug: "s-1vcpu-1gb", VCPU: 1, MemoryMB: 1024},
	{Slug: "s-1vcpu-2gb", VCPU: 1, MemoryMB: 2048},
	{Slug: "s-2vcpu-2gb", VCPU: 2, MemoryMB: 2048},
	{Slug: "s-2vcpu-4gb", VCPU: 2, MemoryMB: 4096},
	{Slug: "s-4vcpu-8gb", VCPU: 4, MemoryMB: 8192},
	{Slug: "s-8vcpu-16gb", VCPU: 8, MemoryMB: 16384},
	{Slug: "s-16vcpu-32gb", VCPU: 16, MemoryMB: 32768},
	{Slug: "s-24vcpu-48gb", VCPU: 24, MemoryMB: 49152},
	{Slug: "s-32vcpu-64gb", VCPU: 32, MemoryMB: 65536},
}

// SizeTiers returns the ordered tier table.
func SizeTiers() []types.SizeTier {
	out := make([]types.SizeTier, len(sizeTiers))
	copy(out, sizeTiers)
	return out
}

// SlugToCapacity resolves a size slug to its (vCPU, MiB) pair.
func SlugToCapacity(slug string) (vcpu, memMB int, err error) {
	for _, t := range sizeTiers {
		if t.Slug == slug {
			return t.VCPU, t.MemoryMB, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownSizeSlug, slug)
}

// CapacityToSlug resolves a (vCPU, MiB) pair to its canonical size
// slug. Exact match is required; unmatched capacity is an error.
func CapacityToSlug(vcpu, memMB int) (string, error) {
	for _, t := range sizeTiers {
		if t.VCPU == vcpu && t.MemoryMB == memMB {
			return t.Slug, nil
		}
	}
	return "", fmt.Errorf("%w: %dvcpu/%dmb", ErrUnknownSizeSlug, vcpu, memMB)
}

// TierIndex returns the index of slug in the ordered tier table.
func TierIndex(slug string) (int, error) {
	for i, t := range sizeTiers {
		if t.Slug == slug {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownSizeSlug, slug)
}

// StepTier returns the slug delta tiers away from slug, clamped to the
// table bounds. delta of +1/-1 implements vertical scaling by one
// step.
func StepTier(slug string, delta int) (string, bool, error) {
	idx, err := TierIndex(slug)
	if err != nil {
		return "", false, err
	}
	next := idx + delta
	if next < 0 {
		return sizeTiers[0].Slug, false, nil
	}
	if next >= len(sizeTiers) {
		return sizeTiers[len(sizeTiers)-1].Slug, false, nil
	}
	return sizeTiers[next].Slug, true, nil
}

// AtTopTier reports whether slug is the largest declared tier.
func AtTopTier(slug string) bool {
	idx, err := TierIndex(slug)
	return err == nil && idx == len(sizeTiers)-1
}

// AtBottomTier reports whether slug is the smallest declared tier.
func AtBottomTier(slug string) bool {
	idx, err := TierIndex(slug)
	return err == nil && idx == 0
}

// NodeAttrs are the creation-time attributes for a new node.
type NodeAttrs struct {
	Zone     string
	SizeSlug string
	Image    string
	SSHKeyID string
	VPCID    string
	Tags     []string
}

// Standard tag vocabulary applied to every managed node.
const (
	TagManaged    = "deployer:fleetctl"
	TagStatusFmt  = "status:%s"
	TagZoneFmt    = "zone:%s"
	TagServiceFmt = "svc:%s:%s:%s:%s"
)

// StatusTag renders the status tag for a deployment status.
func StatusTag(s types.DeploymentStatus) string {
	return fmt.Sprintf(TagStatusFmt, s)
}

// ZoneTag renders the zone tag.
func ZoneTag(zone string) string {
	return fmt.Sprintf(TagZoneFmt, zone)
}

// ServiceTag renders the per-service residency tag.
func ServiceTag(key types.ServiceKey) string {
	return fmt.Sprintf(TagServiceFmt, key.User, key.Project, key.Env, key.Service)
}
