// Package agent implements the Node Agent Client: the HTTP client the
// Deployer and Healer use to tell a single node's agent to pull, run,
// stop and remove containers, stream logs, and receive a chunked tar
// upload.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/health"
	"github.com/fleetctl/deployctl/pkg/ports"
)

// ChunkSize is the fixed upload chunk size (spec: 5 MiB).
const ChunkSize = 5 * 1024 * 1024

// PullTimeout is the per-call timeout for image pulls (spec: up to
// 600s).
const PullTimeout = 600 * time.Second

// DefaultTimeout is the per-call timeout for ordinary agent calls
// (spec: default 30s).
const DefaultTimeout = 30 * time.Second

// UploadChunkTimeout is the per-chunk timeout for uploads (spec: 300s
// per 5-MiB chunk).
const UploadChunkTimeout = 300 * time.Second

// Client talks to the Node Agent HTTP API running on each fleet node.
// It satisfies ports.AgentClient.
type Client struct {
	port int
	log  zerolog.Logger
}

// NewClient builds a Client that reaches each node's agent on port.
func NewClient(port int, log zerolog.Logger) *Client {
	return &Client{port: port, log: log.With().Str("component", "agent").Logger()}
}

func (c *Client) url(nodeIP, path string) string {
	return fmt.Sprintf("http://%s:%d%s", nodeIP, c.port, path)
}

func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
}

type runContainerRequest struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Network string            `json:"network"`
	Env     map[string]string `json:"env"`
	Ports   []portDTO         `json:"ports"`
	Volumes map[string]string `json:"volumes"`
	Command []string          `json:"command,omitempty"`
	Restart bool              `json:"restart"`
}

type portDTO struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"`
}

// RunContainer asks the agent on nodeIP to start a container.
func (c *Client) RunContainer(ctx context.Context, nodeIP string, spec ports.ContainerSpec) error {
	req := runContainerRequest{
		Name:    spec.Name,
		Image:   spec.Image,
		Network: spec.Network,
		Env:     spec.Env,
		Volumes: spec.Volumes,
		Command: spec.Command,
		Restart: spec.Restart,
	}
	for _, p := range spec.Ports {
		req.Ports = append(req.Ports, portDTO{ContainerPort: p.ContainerPort, HostPort: p.HostPort, Protocol: p.Protocol})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("agent: marshal run request: %w", err)
	}

	_, err = retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodPost, c.url(nodeIP, "/containers/run"), body, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: run container %s on %s: %w", spec.Name, nodeIP, err)
	}
	return nil
}

// StopContainer asks the agent to stop a running container.
func (c *Client) StopContainer(ctx context.Context, nodeIP, name string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodPost, c.url(nodeIP, "/containers/"+name+"/stop"), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: stop container %s on %s: %w", name, nodeIP, err)
	}
	return nil
}

// RemoveContainer asks the agent to remove a stopped container.
func (c *Client) RemoveContainer(ctx context.Context, nodeIP, name string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodPost, c.url(nodeIP, "/containers/"+name+"/remove"), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: remove container %s on %s: %w", name, nodeIP, err)
	}
	return nil
}

// RestartContainer asks the agent to restart a container.
func (c *Client) RestartContainer(ctx context.Context, nodeIP, name string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodPost, c.url(nodeIP, "/containers/"+name+"/restart"), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: restart container %s on %s: %w", name, nodeIP, err)
	}
	return nil
}

// ListContainers lists every container known to the agent on nodeIP.
func (c *Client) ListContainers(ctx context.Context, nodeIP string) ([]ports.ContainerInfo, error) {
	var out []ports.ContainerInfo
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodGet, c.url(nodeIP, "/containers"), nil, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("agent: list containers on %s: %w", nodeIP, err)
	}
	return out, nil
}

// ContainerLogs fetches the last `tail` lines of a container's logs.
func (c *Client) ContainerLogs(ctx context.Context, nodeIP, name string, tail int) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	url := fmt.Sprintf("%s?lines=%d", c.url(nodeIP, "/containers/"+name+"/logs"), tail)
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodGet, url, nil, &out)
	})
	if err != nil {
		return "", fmt.Errorf("agent: logs for %s on %s: %w", name, nodeIP, err)
	}
	return out.Logs, nil
}

// PullImage asks the agent to pull an image ahead of a run.
func (c *Client) PullImage(ctx context.Context, nodeIP, image string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, PullTimeout, http.MethodPost, c.url(nodeIP, "/images/"+image+"/pull"), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: pull image %s on %s: %w", image, nodeIP, err)
	}
	return nil
}

type uploadChunkRequest struct {
	UploadID     string `json:"upload_id"`
	ChunkIndex   int    `json:"chunk_index"`
	TotalChunks  int    `json:"total_chunks"`
	ChunkData    string `json:"chunk_data"`
	ExtractPath  string `json:"extract_path"`
}

type uploadChunkResponse struct {
	Status string `json:"status"` // "chunk_received" | "complete"
}

// UploadTar uploads archive to nodeIP in 5 MiB chunks and requests
// extraction to extractPath. Re-uploading the same archive is
// idempotent: the agent re-extracts over the same tree.
func (c *Client) UploadTar(ctx context.Context, nodeIP string, archive []byte, extractPath string) error {
	uploadID := uuid.NewString()
	total := (len(archive) + ChunkSize - 1) / ChunkSize
	if total == 0 {
		total = 1
	}

	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(archive) {
			end = len(archive)
		}
		chunk := archive[start:end]

		req := uploadChunkRequest{
			UploadID:    uploadID,
			ChunkIndex:  i,
			TotalChunks: total,
			ChunkData:   base64.StdEncoding.EncodeToString(chunk),
			ExtractPath: extractPath,
		}
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("agent: marshal upload chunk %d/%d: %w", i, total, err)
		}

		var resp uploadChunkResponse
		_, err = retry(ctx, func() (struct{}, error) {
			return struct{}{}, c.do(ctx, UploadChunkTimeout, http.MethodPost, c.url(nodeIP, "/upload/tar/chunked"), body, &resp)
		})
		if err != nil {
			return fmt.Errorf("agent: upload chunk %d/%d to %s: %w", i, total, nodeIP, err)
		}

		c.log.Debug().Str("node", nodeIP).Int("chunk", i).Int("total", total).Str("status", resp.Status).Msg("tar chunk uploaded")
	}
	return nil
}

type detectSchedulerResponse struct {
	Platform  string `json:"platform"`
	Scheduler string `json:"scheduler"`
}

// DetectScheduler asks the agent on nodeIP which platform and
// scheduling mechanism it has available.
func (c *Client) DetectScheduler(ctx context.Context, nodeIP string) (string, string, error) {
	var out detectSchedulerResponse
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodGet, c.url(nodeIP, "/scheduler/detect"), nil, &out)
	})
	if err != nil {
		return "", "", fmt.Errorf("agent: detect scheduler on %s: %w", nodeIP, err)
	}
	return out.Platform, out.Scheduler, nil
}

type cronJobDTO struct {
	Identifier string `json:"identifier"`
	Schedule   string `json:"schedule"`
	Command    string `json:"command"`
}

// InstallCronJob asks the agent to install a crontab entry for spec,
// replacing any existing entry carrying the same identifier.
func (c *Client) InstallCronJob(ctx context.Context, nodeIP string, spec ports.CronJobSpec) error {
	body, err := json.Marshal(cronJobDTO{Identifier: spec.Identifier, Schedule: spec.Schedule, Command: spec.Command})
	if err != nil {
		return fmt.Errorf("agent: marshal cron spec: %w", err)
	}
	_, err = retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodPost, c.url(nodeIP, "/scheduler/cron"), body, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: install cron job %s on %s: %w", spec.Identifier, nodeIP, err)
	}
	return nil
}

type windowsTaskDTO struct {
	TaskName string   `json:"task_name"`
	Command  string   `json:"command"`
	Type     string   `json:"type"`
	Params   []string `json:"params"`
}

// InstallWindowsTask asks the agent to register a Windows scheduled
// task for spec.
func (c *Client) InstallWindowsTask(ctx context.Context, nodeIP string, spec ports.WindowsTaskSpec) error {
	body, err := json.Marshal(windowsTaskDTO{TaskName: spec.TaskName, Command: spec.Command, Type: spec.Type, Params: spec.Params})
	if err != nil {
		return fmt.Errorf("agent: marshal windows task spec: %w", err)
	}
	_, err = retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodPost, c.url(nodeIP, "/scheduler/schtasks"), body, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: install windows task %s on %s: %w", spec.TaskName, nodeIP, err)
	}
	return nil
}

// RemoveScheduledJob removes whichever scheduled job (cron entry or
// Windows task) carries identifier.
func (c *Client) RemoveScheduledJob(ctx context.Context, nodeIP, identifier string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodPost, c.url(nodeIP, "/scheduler/"+identifier+"/remove"), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: remove scheduled job %s on %s: %w", identifier, nodeIP, err)
	}
	return nil
}

type scheduledJobDTO struct {
	Identifier string `json:"identifier"`
	Schedule   string `json:"schedule"`
	Command    string `json:"command"`
}

// ListScheduledJobs lists every scheduled job the agent manages on
// nodeIP.
func (c *Client) ListScheduledJobs(ctx context.Context, nodeIP string) ([]ports.ScheduledJobInfo, error) {
	var dtos []scheduledJobDTO
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodGet, c.url(nodeIP, "/scheduler"), nil, &dtos)
	})
	if err != nil {
		return nil, fmt.Errorf("agent: list scheduled jobs on %s: %w", nodeIP, err)
	}
	out := make([]ports.ScheduledJobInfo, len(dtos))
	for i, d := range dtos {
		out[i] = ports.ScheduledJobInfo{Identifier: d.Identifier, Schedule: d.Schedule, Command: d.Command}
	}
	return out, nil
}

// CleanupStragglers removes any stopped one-shot containers whose
// name starts with containerPrefix, left behind by a scheduled job
// that was interrupted mid-run.
func (c *Client) CleanupStragglers(ctx context.Context, nodeIP, containerPrefix string) error {
	url := fmt.Sprintf("%s?prefix=%s", c.url(nodeIP, "/containers/cleanup"), containerPrefix)
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodPost, url, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: cleanup stragglers %s* on %s: %w", containerPrefix, nodeIP, err)
	}
	return nil
}

// reachabilityTimeout bounds how long the Healer's L3 check waits for a
// TCP handshake before declaring a node unreachable.
const reachabilityTimeout = 5 * time.Second

// Reachable reports whether nodeIP's agent port accepts a TCP
// connection. The fleet has no CAP_NET_RAW for a real ICMP ping, so
// this stands in as the L3-reachability half of the Healer's health
// check: a node whose agent port won't even complete a handshake is
// unreachable in every sense that matters here.
func (c *Client) Reachable(ctx context.Context, nodeIP string) bool {
	checker := health.TCPChecker{
		Address: fmt.Sprintf("%s:%d", nodeIP, c.port),
		Timeout: reachabilityTimeout,
	}
	return checker.Check(ctx).Healthy
}

// Healthz asks the agent's own /healthz endpoint to confirm its
// container runtime is up, the second leg of the Healer's health
// check (distinct from Reachable's plain L3 dial and from
// ListContainers' per-container presence check).
func (c *Client) Healthz(ctx context.Context, nodeIP string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, DefaultTimeout, http.MethodGet, c.url(nodeIP, "/healthz"), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("agent: healthz on %s: %w", nodeIP, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, url string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent: do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("agent: read response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("agent: transient status %d: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("agent: status %d: %s", resp.StatusCode, string(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
