package iaas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/types"
)

// DefaultTimeout is the per-call HTTP timeout (spec: default 30s).
const DefaultTimeout = 30 * time.Second

// Client is an HTTP-based IaaS Adapter. It satisfies
// ports.IaaSAdapter.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a Client against baseURL, authenticating with
// token as a bearer credential.
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: log.With().Str("component", "iaas").Logger(),
	}
}

type nodeDTO struct {
	ID        string   `json:"id"`
	PublicIP  string   `json:"public_ip"`
	PrivateIP string   `json:"private_ip"`
	Zone      string   `json:"zone"`
	SizeSlug  string   `json:"size_slug"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
}

func (d nodeDTO) toNode() (*types.Node, error) {
	vcpu, memMB, err := SlugToCapacity(d.SizeSlug)
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339, d.CreatedAt)
	n := &types.Node{
		ID:        d.ID,
		PublicIP:  d.PublicIP,
		PrivateIP: d.PrivateIP,
		Zone:      d.Zone,
		VCPU:      vcpu,
		MemoryMB:  memMB,
		CreatedAt: created,
		Status:    types.StatusReserve,
	}
	for _, t := range d.Tags {
		for _, s := range []types.DeploymentStatus{types.StatusReserve, types.StatusBlue, types.StatusGreen, types.StatusDestroying} {
			if t == StatusTag(s) {
				n.Status = s
			}
		}
	}
	return n, nil
}

// retryable runs op with capped exponential backoff, matching the
// Adapter's "retried with exponential backoff on transient codes"
// contract. It gives up once ctx is done.
func retryable[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
}

// CreateNode provisions a new node with one create request and returns
// it as the provider first reports it; it does not wait for the
// provider to report the node active.
func (c *Client) CreateNode(ctx context.Context, zone, sizeSlug string, tags []string) (*types.Node, error) {
	if _, _, err := SlugToCapacity(sizeSlug); err != nil {
		return nil, err
	}

	body, err := json.Marshal(NodeAttrs{
		Zone:     zone,
		SizeSlug: sizeSlug,
		Tags:     append([]string{TagManaged}, tags...),
	})
	if err != nil {
		return nil, fmt.Errorf("iaas: marshal create request: %w", err)
	}

	dto, err := retryable(ctx, func() (nodeDTO, error) {
		return c.doNode(ctx, http.MethodPost, "/nodes", body)
	})
	if err != nil {
		return nil, fmt.Errorf("iaas: create node: %w", err)
	}

	node, err := dto.toNode()
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("node_id", node.ID).Str("zone", zone).Str("size_slug", sizeSlug).Msg("node provisioned")
	return node, nil
}

// DestroyNode deletes a node by id.
func (c *Client) DestroyNode(ctx context.Context, nodeID string) error {
	_, err := retryable(ctx, func() (struct{}, error) {
		return struct{}{}, c.doVoid(ctx, http.MethodDelete, "/nodes/"+nodeID, nil)
	})
	if err != nil {
		return fmt.Errorf("iaas: destroy node %s: %w", nodeID, err)
	}
	c.log.Info().Str("node_id", nodeID).Msg("node destroyed")
	return nil
}

// ListNodes returns all nodes carrying filterTag.
func (c *Client) ListNodes(ctx context.Context, filterTag string) ([]*types.Node, error) {
	path := "/nodes"
	if filterTag != "" {
		path += "?tag=" + filterTag
	}

	dtos, err := retryable(ctx, func() ([]nodeDTO, error) {
		var out []nodeDTO
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("iaas: list nodes: %w", err)
	}

	nodes := make([]*types.Node, 0, len(dtos))
	for _, d := range dtos {
		n, err := d.toNode()
		if err != nil {
			c.log.Warn().Str("node_id", d.ID).Err(err).Msg("skipping node with unknown size slug")
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// UpdateTags replaces the tag set on a node. The status tag must be
// written before this call returns per the spec's "writes that change
// node role must write the tag before returning success".
func (c *Client) UpdateTags(ctx context.Context, nodeID string, tags []string) error {
	body, err := json.Marshal(map[string][]string{"tags": tags})
	if err != nil {
		return fmt.Errorf("iaas: marshal tags: %w", err)
	}

	_, err = retryable(ctx, func() (struct{}, error) {
		return struct{}{}, c.doVoid(ctx, http.MethodPatch, "/nodes/"+nodeID+"/tags", body)
	})
	if err != nil {
		return fmt.Errorf("iaas: update tags on %s: %w", nodeID, err)
	}
	return nil
}

func (c *Client) doNode(ctx context.Context, method, path string, body []byte) (nodeDTO, error) {
	var dto nodeDTO
	err := c.doJSON(ctx, method, path, body, &dto)
	return dto, err
}

func (c *Client) doVoid(ctx context.Context, method, path string, body []byte) error {
	return c.doJSON(ctx, method, path, body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("iaas: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("iaas: do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("iaas: read response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("iaas: transient status %d: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("iaas: status %d: %s", resp.StatusCode, string(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("iaas: decode response: %w", err)
	}
	return nil
}
