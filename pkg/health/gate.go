package health

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

// defaultPollInterval is how often Gate retries a failing check
// before the deadline.
const defaultPollInterval = 2 * time.Second

// Gate polls a newly started, not yet promoted node until every
// HTTP-exposed port answers 2xx, or the deadline passes. Non-HTTP ports are exempted
// from probing and are considered healthy as long as the container
// shows running in the agent's container list.
type Gate struct {
	agent        ports.AgentClient
	newChecker   func(url string) Checker
	pollInterval time.Duration
}

// NewGate builds a Gate backed by agent, used to confirm container
// presence for non-HTTP services.
func NewGate(agent ports.AgentClient) *Gate {
	return &Gate{
		agent: agent,
		newChecker: func(url string) Checker {
			return NewHTTPChecker(url).WithStatusRange(200, 299)
		},
		pollInterval: defaultPollInterval,
	}
}

// Await implements ports.HealthGate.
func (g *Gate) Await(ctx context.Context, nodeIP, containerName string, portSpecs []types.PortSpec, deadline time.Duration) error {
	var httpPorts []types.PortSpec
	for _, p := range portSpecs {
		if p.HTTP {
			httpPorts = append(httpPorts, p)
		}
	}

	if len(httpPorts) == 0 {
		return g.awaitContainerRunning(ctx, nodeIP, containerName, deadline)
	}

	deadlineAt := time.Now().Add(deadline)
	for _, p := range httpPorts {
		url := fmt.Sprintf("http://%s:%d/", nodeIP, p.HostPort)
		if err := g.awaitHealthy(ctx, url, deadlineAt); err != nil {
			return fmt.Errorf("health gate: %s: %w", url, err)
		}
	}
	return nil
}

func (g *Gate) awaitHealthy(ctx context.Context, url string, deadlineAt time.Time) error {
	checker := g.newChecker(url)
	for {
		result := checker.Check(ctx)
		if result.Healthy {
			return nil
		}
		if time.Now().After(deadlineAt) {
			return fmt.Errorf("did not become healthy before deadline: %s", result.Message)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}

func (g *Gate) awaitContainerRunning(ctx context.Context, nodeIP, containerName string, deadline time.Duration) error {
	deadlineAt := time.Now().Add(deadline)
	for {
		containers, err := g.agent.ListContainers(ctx, nodeIP)
		if err == nil {
			for _, c := range containers {
				if c.Name == containerName && c.Status == "running" {
					return nil
				}
			}
		}
		if time.Now().After(deadlineAt) {
			return fmt.Errorf("no running container named %s reported on %s before deadline", containerName, nodeIP)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}
