package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// apiClient is a thin REST client for the Agent API (§6), the Go
// counterpart to the original's requests-based AgentApiClient.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 30 * time.Second}}
}

// apiError carries the server's {detail} body alongside the HTTP status,
// so callers can branch on revocation/conflict without string matching.
type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return trace.Wrap(err, "connecting to %s", c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 300 {
		var errBody struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &apiError{Status: resp.StatusCode, Detail: errBody.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return trace.Wrap(err, "decoding response from %s", path)
	}
	return nil
}

type registerRequest struct {
	Token           string   `json:"token"`
	Name            string   `json:"name"`
	Hostname        string   `json:"hostname"`
	OSInfo          string   `json:"os_info"`
	Capabilities    []string `json:"capabilities"`
	AuthorizedRoots []string `json:"authorized_roots"`
	Version         string   `json:"version"`
	BinaryChecksum  string   `json:"binary_checksum"`
	Platform        string   `json:"platform"`
}

type registerResponse struct {
	GUID   string `json:"guid"`
	APIKey string `json:"api_key"`
}

func (c *apiClient) Register(ctx context.Context, req registerRequest) (*registerResponse, error) {
	var out registerResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/v1/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type heartbeatRequest struct {
	StatusHint      *store.AgentStatus `json:"status_hint,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	Capabilities    []string           `json:"capabilities,omitempty"`
	AuthorizedRoots []string           `json:"authorized_roots,omitempty"`
	Version         string             `json:"version,omitempty"`
	CurrentJobGUID  string             `json:"current_job_guid,omitempty"`
}

type heartbeatResponse struct {
	Acknowledged bool      `json:"acknowledged"`
	ServerTime   time.Time `json:"server_time"`
}

func (c *apiClient) Heartbeat(ctx context.Context, req heartbeatRequest) (*heartbeatResponse, error) {
	var out heartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/v1/heartbeat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimNext returns nil, nil when the server has no work (204).
func (c *apiClient) ClaimNext(ctx context.Context) (*store.Job, error) {
	var job store.Job
	if err := c.do(ctx, http.MethodPost, "/api/agent/v1/jobs/claim", nil, &job); err != nil {
		return nil, err
	}
	if job.GUID == "" {
		return nil, nil
	}
	return &job, nil
}

func (c *apiClient) ReportProgress(ctx context.Context, jobGUID string, progress []byte) error {
	// store.Job.Progress is []byte; encoding/json marshals that as base64,
	// which is exactly what the server's decodeJSON expects on the way in.
	body := struct {
		Progress []byte `json:"progress"`
	}{Progress: progress}
	return c.do(ctx, http.MethodPost, "/api/agent/v1/jobs/"+jobGUID+"/progress", body, nil)
}

type completeRequest struct {
	ResultPayload map[string]interface{} `json:"result_payload,omitempty"`
	Signature     string                  `json:"signature,omitempty"`
	NoChange      bool                    `json:"no_change,omitempty"`
}

func (c *apiClient) Complete(ctx context.Context, jobGUID string, req completeRequest) (*store.Job, error) {
	var job store.Job
	if err := c.do(ctx, http.MethodPost, "/api/agent/v1/jobs/"+jobGUID+"/complete", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) Fail(ctx context.Context, jobGUID, message string) (*store.Job, error) {
	var job store.Job
	body := map[string]string{"error_message": message}
	if err := c.do(ctx, http.MethodPost, "/api/agent/v1/jobs/"+jobGUID+"/fail", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/agent/v1/disconnect", nil, nil)
}
