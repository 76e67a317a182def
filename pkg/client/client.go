// Package client is the Go client for the Colony admin REST API, used
// by the CLI and by integration tests. Methods mirror the API
// endpoints one to one and surface typed errors from pkg/errdefs so
// callers classify failures the same way server-side code does.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/types"
)

// Client talks to a Colony server's REST API
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the given base URL, e.g. http://127.0.0.1:7070
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitJobRequest is the submission body
type SubmitJobRequest struct {
	IdempotencyKey       string            `json:"idempotencyKey,omitempty"`
	Command              string            `json:"command"`
	Parameters           json.RawMessage   `json:"parameters,omitempty"`
	Priority             int               `json:"priority,omitempty"`
	TimeoutSeconds       int               `json:"timeoutSeconds,omitempty"`
	MaxRetries           *int              `json:"maxRetries,omitempty"`
	TargetAgentID        string            `json:"targetAgentId,omitempty"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	CorrelationID        string            `json:"correlationId,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// TokenSettings is the bootstrap token view without the secret
type TokenSettings struct {
	ID          string    `json:"id"`
	Token       string    `json:"token,omitempty"` // Set only on rotation
	Enabled     bool      `json:"enabled"`
	AutoApprove bool      `json:"autoApprove"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// EnrollmentView pairs the request with its certificate once approved
type EnrollmentView struct {
	Request     *types.EnrollmentRequest `json:"request"`
	Certificate *types.Certificate       `json:"certificate,omitempty"`
}

func (c *Client) SubmitJob(ctx context.Context, req *SubmitJobRequest) (*types.SubmitResult, error) {
	var res types.SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs filters by status and agent; empty strings mean no filter
func (c *Client) ListJobs(ctx context.Context, status, agentID string) ([]*types.Job, error) {
	path := fmt.Sprintf("/api/v1/jobs?status=%s&agent=%s", status, agentID)
	var list []*types.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) JobHistory(ctx context.Context, jobID string) ([]*types.Event, error) {
	var evs []*types.Event
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID+"/history", nil, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// JobOutput returns the persisted output stream of a job in order.
func (c *Client) JobOutput(ctx context.Context, jobID string) ([]*types.StreamItem, error) {
	var items []*types.StreamItem
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID+"/output", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", body, nil)
}

func (c *Client) DeadLetters(ctx context.Context) ([]*types.DeadLetter, error) {
	var dls []*types.DeadLetter
	if err := c.do(ctx, http.MethodGet, "/api/v1/deadletters", nil, &dls); err != nil {
		return nil, err
	}
	return dls, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	var agents []*types.Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *Client) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	var agent types.Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+agentID, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (c *Client) ListEnrollments(ctx context.Context) ([]*types.EnrollmentRequest, error) {
	var pending []*types.EnrollmentRequest
	if err := c.do(ctx, http.MethodGet, "/api/v1/enrollments", nil, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (c *Client) GetEnrollment(ctx context.Context, id string) (*EnrollmentView, error) {
	var view EnrollmentView
	if err := c.do(ctx, http.MethodGet, "/api/v1/enrollments/"+id, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) ApproveEnrollment(ctx context.Context, id string, capabilities []string, actor string) (*types.Certificate, error) {
	body := map[string]interface{}{"capabilities": capabilities, "actor": actor}
	var cert types.Certificate
	if err := c.do(ctx, http.MethodPost, "/api/v1/enrollments/"+id+"/approve", body, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

func (c *Client) RejectEnrollment(ctx context.Context, id string, block bool, actor string) error {
	body := map[string]interface{}{"block": block, "actor": actor}
	return c.do(ctx, http.MethodPost, "/api/v1/enrollments/"+id+"/reject", body, nil)
}

func (c *Client) TokenSettings(ctx context.Context) (*TokenSettings, error) {
	var ts TokenSettings
	if err := c.do(ctx, http.MethodGet, "/api/v1/token", nil, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// RegenerateToken rotates the bootstrap token; the returned settings
// carry the plaintext exactly once.
func (c *Client) RegenerateToken(ctx context.Context, autoApprove bool) (*TokenSettings, error) {
	body := map[string]bool{"autoApprove": autoApprove}
	var ts TokenSettings
	if err := c.do(ctx, http.MethodPost, "/api/v1/token", body, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

func (c *Client) SetTokenEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPatch, "/api/v1/token", map[string]bool{"enabled": enabled}, nil)
}

func (c *Client) ListCertificates(ctx context.Context) ([]*types.Certificate, error) {
	var certs []*types.Certificate
	if err := c.do(ctx, http.MethodGet, "/api/v1/certificates", nil, &certs); err != nil {
		return nil, err
	}
	return certs, nil
}

func (c *Client) RevokeCertificate(ctx context.Context, nodeID, reason, actor string) error {
	body := map[string]string{"reason": reason, "actor": actor}
	return c.do(ctx, http.MethodPost, "/api/v1/certificates/"+nodeID+"/revoke", body, nil)
}

func (c *Client) ListRevocations(ctx context.Context) ([]*types.Revocation, error) {
	var revs []*types.Revocation
	if err := c.do(ctx, http.MethodGet, "/api/v1/revocations", nil, &revs); err != nil {
		return nil, err
	}
	return revs, nil
}

// do issues one request and decodes the response into out when non-nil
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, errdefs.ErrTransportClosed)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError rebuilds a typed error from the status code and body
func apiError(resp *http.Response) error {
	msg := http.StatusText(resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrUnknownJob)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrTerminalJob)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrInvalidArgument)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrInvalidToken)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrTransportClosed)
	default:
		return fmt.Errorf("server error %d: %s", resp.StatusCode, msg)
	}
}
