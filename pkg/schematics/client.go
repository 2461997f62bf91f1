// Package schematics is the HTTP client for the external provisioning
// engine. It implements engine.SchematicsEngine; the daemon only issues
// the contract, plan/apply/destroy execution happens on the other side.
package schematics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/telemetry"
)

// Options configures the client.
type Options struct {
	// Endpoint is the base URL of the schematics API.
	Endpoint string

	// APIKey authenticates daemon-level calls.
	APIKey string

	// RequestTimeout bounds individual HTTP calls. Zero means 30s.
	RequestTimeout time.Duration

	// RetryAttempts is the number of retries on transient failures.
	RetryAttempts int

	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client
}

// Client calls the schematics HTTP API.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	retries  int
	logger   *telemetry.Logger
}

// NewClient creates a schematics API client.
func NewClient(opts Options, logger *telemetry.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		client:   httpClient,
		retries:  opts.RetryAttempts,
		logger:   logger.NewComponentLogger("schematics-client"),
	}
}

type workspaceResponse struct {
	Ref string `json:"ref"`
}

type jobRequest struct {
	Command string `json:"command"`
	Version int64  `json:"version"`
}

type jobResponse struct {
	JobID string `json:"job_id"`
}

// CreateOrUpdateWorkspace ensures a workspace exists for the definition
// and returns its reference.
func (c *Client) CreateOrUpdateWorkspace(ctx context.Context, def *engine.WorkspaceDefinition) (string, error) {
	var resp workspaceResponse
	path := fmt.Sprintf("/v1/workspaces/%s", def.ConfigID)
	if err := c.do(ctx, http.MethodPut, path, def, &resp); err != nil {
		return "", err
	}
	if resp.Ref == "" {
		return "", engine.NewUpstreamError("workspace response carried no reference", nil)
	}

	c.logger.WithConfigID(def.ConfigID).
		WithField("workspace_ref", resp.Ref).
		Debug("workspace ensured")

	return resp.Ref, nil
}

// RunPlan starts a plan job for the version.
func (c *Client) RunPlan(ctx context.Context, workspaceRef string, version int64) (string, error) {
	return c.startJob(ctx, workspaceRef, version, "plan")
}

// RunApply starts an apply job for the version.
func (c *Client) RunApply(ctx context.Context, workspaceRef string, version int64) (string, error) {
	return c.startJob(ctx, workspaceRef, version, "apply")
}

// RunDestroy starts a destroy job for the version.
func (c *Client) RunDestroy(ctx context.Context, workspaceRef string, version int64) (string, error) {
	return c.startJob(ctx, workspaceRef, version, "destroy")
}

func (c *Client) startJob(ctx context.Context, workspaceRef string, version int64, command string) (string, error) {
	var resp jobResponse
	path := fmt.Sprintf("/v1/workspaces/%s/jobs", workspaceRef)
	if err := c.do(ctx, http.MethodPost, path, jobRequest{Command: command, Version: version}, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", engine.NewUpstreamError(fmt.Sprintf("%s job response carried no job id", command), nil)
	}

	c.logger.WithField("workspace_ref", workspaceRef).
		WithField("command", command).
		WithVersion(version).
		WithJobID(resp.JobID).
		Debug("engine job started")

	return resp.JobID, nil
}

// GetJobResult returns the current result of an engine job. Status stays
// pending until the job reaches a terminal result.
func (c *Client) GetJobResult(ctx context.Context, engineJobID string) (*engine.EngineJobResult, error) {
	var result engine.EngineJobResult
	path := fmt.Sprintf("/v1/jobs/%s", engineJobID)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	if result.Status == "" {
		result.Status = engine.JobPending
	}
	return &result, nil
}

// do issues one API call, retrying transient failures, and decodes the
// response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return engine.NewInternalError("failed to encode request body", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		retryable, err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}

		c.logger.WithError(err).
			WithField("method", method).
			WithField("path", path).
			WithField("attempt", attempt+1).
			Warn("schematics call failed, retrying")
	}

	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out interface{}) (retryable bool, err error) {
	var reader *bytes.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return false, engine.NewInternalError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return true, engine.NewUpstreamError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, engine.NewNotFoundError(fmt.Sprintf("%s %s returned %s", method, path, resp.Status), nil)
	case resp.StatusCode >= 500:
		return true, engine.NewUpstreamError(fmt.Sprintf("%s %s returned %s", method, path, resp.Status), nil)
	case resp.StatusCode >= 400:
		return false, engine.NewUpstreamError(fmt.Sprintf("%s %s returned %s", method, path, resp.Status), nil)
	}

	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, engine.NewUpstreamError("failed to decode response body", err)
	}
	return false, nil
}
