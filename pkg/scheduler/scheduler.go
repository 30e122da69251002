// Package scheduler computes per-project deploy ordering: a
// topological sort of services over their depends_on edges, with ties
// broken by explicit startup order.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/fleetctl/deployctl/pkg/types"
)

// ErrCycle is returned when depends_on edges form a cycle.
type ErrCycle struct {
	Remaining []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("scheduler: dependency cycle among services: %v", e.Remaining)
}

// Order topologically sorts services by depends_on, breaking ties by
// EffectiveStartupOrder (ascending) and then by service name for
// determinism. depends_on entries are service names within the same
// project/env.
func Order(services []*types.ServiceDesc) ([]*types.ServiceDesc, error) {
	byName := make(map[string]*types.ServiceDesc, len(services))
	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)

	for _, s := range services {
		byName[s.Key.Service] = s
		if _, ok := indegree[s.Key.Service]; !ok {
			indegree[s.Key.Service] = 0
		}
	}
	for _, s := range services {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				continue // dependency outside this batch, ignore
			}
			indegree[s.Key.Service]++
			dependents[dep] = append(dependents[dep], s.Key.Service)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	var ordered []*types.ServiceDesc
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			si, sj := byName[ready[i]], byName[ready[j]]
			if si.EffectiveStartupOrder() != sj.EffectiveStartupOrder() {
				return si.EffectiveStartupOrder() < sj.EffectiveStartupOrder()
			}
			return ready[i] < ready[j]
		})

		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[next])

		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(services) {
		var remaining []string
		for name, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, &ErrCycle{Remaining: remaining}
	}

	return ordered, nil
}

// GroupByZone partitions services by their declared zone, so the
// Deployer can run one pipeline per zone in parallel while keeping
// each zone's services in the order Order returned.
func GroupByZone(ordered []*types.ServiceDesc) map[string][]*types.ServiceDesc {
	groups := make(map[string][]*types.ServiceDesc)
	for _, s := range ordered {
		groups[s.Zone] = append(groups[s.Zone], s)
	}
	return groups
}
