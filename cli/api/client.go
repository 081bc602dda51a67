package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Types matching API responses

type HealthStatus struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

type DeployRequest struct {
	Requester string `json:"requester,omitempty"`
	AccountID string `json:"accountId"`
	NodeID    string `json:"nodeId"`
	Command   string `json:"command"`
	KeyID     string `json:"keyId,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	Port      int    `json:"port,omitempty"`
	Host      string `json:"host,omitempty"`
}

// CommandRun is the handle of an accepted one-off command.
type CommandRun struct {
	ID     string `json:"id"`
	SagaID string `json:"sagaId"`
}

type Deployment struct {
	ID         string `json:"id"`
	Requester  string `json:"requester"`
	AccountID  string `json:"accountId"`
	NodeID     string `json:"nodeId"`
	Command    string `json:"command"`
	SagaID     string `json:"sagaId"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	ExitStatus *int   `json:"exitStatus,omitempty"`
	LastError  string `json:"lastError,omitempty"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// Terminal reports whether the deployment will not change again.
func (d *Deployment) Terminal() bool {
	switch d.Status {
	case "succeeded", "failed", "gave_up":
		return true
	}
	return false
}

type SagaEvent struct {
	ID         string            `json:"id"`
	SagaID     string            `json:"sagaId"`
	Timestamp  string            `json:"timestamp"`
	Source     string            `json:"source"`
	Deployment string            `json:"deployment"`
	Category   string            `json:"category"`
	Action     string            `json:"action"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Deploy(req DeployRequest) (*Deployment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var d Deployment
	if err := c.postJSON("/api/deployments", string(body), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// RunCommand queues a command that runs once and is never retried.
func (c *Client) RunCommand(req DeployRequest) (*CommandRun, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var run CommandRun
	if err := c.postJSON("/api/commands", string(body), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) GetDeployment(id string) (*Deployment, error) {
	var d Deployment
	if err := c.get("/api/deployments/"+url.PathEscape(id), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) ListDeployments(limit int) ([]Deployment, error) {
	path := "/api/deployments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var deps []Deployment
	if err := c.get(path, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func (c *Client) DeploymentEvents(id string) ([]SagaEvent, error) {
	var events []SagaEvent
	if err := c.get("/api/deployments/"+url.PathEscape(id)+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) GetSagaEvents(sagaID string) ([]SagaEvent, error) {
	var events []SagaEvent
	if err := c.get("/api/saga/"+url.PathEscape(sagaID), &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) ListRecentSaga(deployment string, limit int) ([]SagaEvent, error) {
	q := url.Values{}
	if deployment != "" {
		q.Set("deployment", deployment)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/saga"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []SagaEvent
	if err := c.get(path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// WebSocketURL is the hub endpoint for live deployment events.
func (c *Client) WebSocketURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// WebSocketHeader carries the token on the hub handshake.
func (c *Client) WebSocketHeader() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// HTTP helpers

func (c *Client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiError(b))
	}
	return resp, nil
}

func (c *Client) get(path string, v any) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) postJSON(path, body string, v any) error {
	resp, err := c.do(http.MethodPost, path, strings.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

// apiError extracts the message from an {"error": ...} body.
func apiError(b []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}
