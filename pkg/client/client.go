// Package client is a typed SDK for the steward admin API. Mutations may be
// answered with a redirect to the current leader; the underlying HTTP client
// follows it transparently, so callers can point at any member.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SecretHeader authenticates admin requests. A custom header survives
// cross-host redirects, unlike Authorization.
const SecretHeader = "X-Steward-Secret"

// Client talks to one entry point of the cluster.
type Client struct {
	base   string
	secret string
	http   *http.Client
}

// Options control Client behavior.
type Options struct {
	// Timeout bounds each request including redirects.
	Timeout time.Duration
	// Secret is sent with every request when the cluster requires one.
	Secret string
}

// New returns a client for the admin API at address (host:port).
func New(address string, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:   "http://" + address,
		secret: opts.Secret,
		http:   &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx admin response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 admin response.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// Response shapes, mirrored from the admin handlers.

type Status struct {
	NodeID       string  `json:"node_id"`
	Role         string  `json:"role"`
	Epoch        int64   `json:"epoch"`
	Leader       *Leader `json:"leader,omitempty"`
	Quorum       Quorum  `json:"quorum"`
	AppliedIndex uint64  `json:"applied_index"`
	CommitIndex  uint64  `json:"commit_index"`
	Members      int     `json:"members"`
}

type RoleInfo struct {
	NodeID string `json:"node_id"`
	Role   string `json:"role"`
	Epoch  int64  `json:"epoch"`
}

type Leader struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Local   bool   `json:"local"`
}

type Quorum struct {
	ConfiguredMinimum int  `json:"configured_minimum"`
	UnstableCount     int  `json:"unstable_count"`
	EffectiveQuorum   int  `json:"effective_quorum"`
	Override          int  `json:"override"`
	OverrideActive    bool `json:"override_active"`
}

type Node struct {
	ID            string `json:"id"`
	Class         string `json:"class"`
	Stability     string `json:"stability"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppliedIndex  uint64 `json:"applied_index"`
	Voter         bool   `json:"voter"`
	Leader        bool   `json:"leader"`
}

type Claim struct {
	Epoch     int64  `json:"epoch"`
	NodeID    string `json:"node_id"`
	ClaimedAt int64  `json:"claimed_at"`
}

type AddNodeRequest struct {
	ID    string `json:"id"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Class string `json:"class"`
}

type addressRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type heartbeatRequest struct {
	AppliedIndex uint64 `json:"applied_index"`
}

// Status returns the contacted node's full view of itself and the cluster.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/admin/status", nil, &out)
	return out, err
}

// Role returns the contacted node's current role and epoch.
func (c *Client) Role(ctx context.Context) (RoleInfo, error) {
	var out RoleInfo
	err := c.do(ctx, http.MethodGet, "/admin/role", nil, &out)
	return out, err
}

// Epoch returns the standing leadership epoch.
func (c *Client) Epoch(ctx context.Context) (int64, error) {
	var out struct {
		Epoch int64 `json:"epoch"`
	}
	err := c.do(ctx, http.MethodGet, "/admin/epoch", nil, &out)
	return out.Epoch, err
}

// Claims returns the most recent epoch claims, newest last.
func (c *Client) Claims(ctx context.Context, limit int) ([]Claim, error) {
	path := "/admin/epoch/claims"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Claims []Claim `json:"claims"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Claims, err
}

// CurrentLeader returns the leader as seen by the contacted node.
func (c *Client) CurrentLeader(ctx context.Context) (Leader, error) {
	var out Leader
	err := c.do(ctx, http.MethodGet, "/admin/leader", nil, &out)
	return out, err
}

// QuorumStatus returns the current quorum arithmetic.
func (c *Client) QuorumStatus(ctx context.Context) (Quorum, error) {
	var out Quorum
	err := c.do(ctx, http.MethodGet, "/admin/quorum", nil, &out)
	return out, err
}

// Nodes lists all registered members.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var out struct {
		Nodes []Node `json:"nodes"`
	}
	err := c.do(ctx, http.MethodGet, "/admin/nodes", nil, &out)
	return out.Nodes, err
}

// Node returns one member.
func (c *Client) Node(ctx context.Context, id string) (Node, error) {
	var out Node
	err := c.do(ctx, http.MethodGet, "/admin/nodes/"+url.PathEscape(id), nil, &out)
	return out, err
}

// AddNode registers a member on the leader.
func (c *Client) AddNode(ctx context.Context, req AddNodeRequest) error {
	return c.do(ctx, http.MethodPost, "/admin/nodes", req, nil)
}

// RemoveNode removes a member.
func (c *Client) RemoveNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/admin/nodes/"+url.PathEscape(id), nil, nil)
}

// SetAddress moves a member to a new address.
func (c *Client) SetAddress(ctx context.Context, id, host string, port int) error {
	return c.do(ctx, http.MethodPut, "/admin/nodes/"+url.PathEscape(id)+"/address", addressRequest{Host: host, Port: port}, nil)
}

// Stabilize marks a member as caught up.
func (c *Client) Stabilize(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/admin/nodes/"+url.PathEscape(id)+"/stabilize", nil, nil)
}

// Destabilize marks a member as not caught up.
func (c *Client) Destabilize(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/admin/nodes/"+url.PathEscape(id)+"/destabilize", nil, nil)
}

// Heartbeat reports liveness and replication progress for a member.
func (c *Client) Heartbeat(ctx context.Context, id string, appliedIndex uint64) error {
	return c.do(ctx, http.MethodPost, "/admin/nodes/"+url.PathEscape(id)+"/heartbeat", heartbeatRequest{AppliedIndex: appliedIndex}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
