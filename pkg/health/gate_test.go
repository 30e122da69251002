package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

type fakeAgent struct {
	containers []ports.ContainerInfo
	err        error
}

func (f *fakeAgent) RunContainer(ctx context.Context, nodeIP string, spec ports.ContainerSpec) error {
	return nil
}
func (f *fakeAgent) StopContainer(ctx context.Context, nodeIP, name string) error    { return nil }
func (f *fakeAgent) RemoveContainer(ctx context.Context, nodeIP, name string) error  { return nil }
func (f *fakeAgent) RestartContainer(ctx context.Context, nodeIP, name string) error { return nil }
func (f *fakeAgent) ListContainers(ctx context.Context, nodeIP string) ([]ports.ContainerInfo, error) {
	return f.containers, f.err
}
func (f *fakeAgent) ContainerLogs(ctx context.Context, nodeIP, name string, tail int) (string, error) {
	return "", nil
}
func (f *fakeAgent) PullImage(ctx context.Context, nodeIP, image string) error { return nil }
func (f *fakeAgent) UploadTar(ctx context.Context, nodeIP string, archive []byte, extractPath string) error {
	return nil
}
func (f *fakeAgent) Reachable(ctx context.Context, nodeIP string) bool { return true }
func (f *fakeAgent) Healthz(ctx context.Context, nodeIP string) error { return nil }

type flakyChecker struct {
	failTimes int
	calls     int
}

func (c *flakyChecker) Check(ctx context.Context) Result {
	c.calls++
	if c.calls <= c.failTimes {
		return Result{Healthy: false, Message: "not ready", CheckedAt: time.Now()}
	}
	return Result{Healthy: true, CheckedAt: time.Now()}
}
func (c *flakyChecker) Type() CheckType { return CheckTypeHTTP }

func TestAwaitNonHTTPUsesContainerRunning(t *testing.T) {
	agent := &fakeAgent{containers: []ports.ContainerInfo{{Name: "api", Status: "running"}}}
	gate := NewGate(agent)

	err := gate.Await(t.Context(), "10.0.0.1", "api", []types.PortSpec{{ContainerPort: 5432, HTTP: false}}, time.Second)
	assert.NoError(t, err)
}

func TestAwaitNonHTTPIgnoresStaleContainerWithDifferentName(t *testing.T) {
	agent := &fakeAgent{containers: []ports.ContainerInfo{{Name: "old_api", Status: "running"}}}
	gate := NewGate(agent)
	gate.pollInterval = time.Millisecond

	err := gate.Await(t.Context(), "10.0.0.1", "api", []types.PortSpec{{ContainerPort: 5432, HTTP: false}}, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestAwaitNonHTTPTimesOutWithoutRunningContainer(t *testing.T) {
	agent := &fakeAgent{err: errors.New("unreachable")}
	gate := NewGate(agent)
	gate.pollInterval = time.Millisecond

	err := gate.Await(t.Context(), "10.0.0.1", "api", []types.PortSpec{{ContainerPort: 5432, HTTP: false}}, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestAwaitHTTPRetriesUntilHealthy(t *testing.T) {
	agent := &fakeAgent{}
	gate := NewGate(agent)
	gate.pollInterval = time.Millisecond
	checker := &flakyChecker{failTimes: 1}
	gate.newChecker = func(url string) Checker { return checker }

	start := time.Now()
	err := gate.Await(t.Context(), "10.0.0.1", "api", []types.PortSpec{{HostPort: 8080, HTTP: true}}, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, checker.calls, 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitHTTPFailsAfterDeadline(t *testing.T) {
	agent := &fakeAgent{}
	gate := NewGate(agent)
	gate.pollInterval = time.Millisecond
	checker := &flakyChecker{failTimes: 1000}
	gate.newChecker = func(url string) Checker { return checker }

	err := gate.Await(t.Context(), "10.0.0.1", "api", []types.PortSpec{{HostPort: 8080, HTTP: true}}, 5*time.Millisecond)
	assert.Error(t, err)
}
