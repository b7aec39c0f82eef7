// Package client provides the control plane API client for agents.
//
// # Operations
//
// - Enroll: Redeem a one-time enrollment token for an identity
// - Heartbeat: Periodic health reporting
// - RequestTask: Runner polling for a transmission assignment
// - ActiveAssignments: Listener resync after a channel gap
// - Recording reports and spectrogram upload
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// Client communicates with the control plane.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	agentID     string
	apiKey      string
	fingerprint string
}

// Config for the client.
type Config struct {
	BaseURL            string
	Fingerprint        string
	HTTPClient         *http.Client
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
}

// NewClient creates a new control plane client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		transport := &http.Transport{}
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		httpClient:  cfg.HTTPClient,
		fingerprint: cfg.Fingerprint,
	}
}

// SetIdentity installs the credentials used on authenticated requests.
func (c *Client) SetIdentity(agentID, apiKey string) {
	c.agentID = agentID
	c.apiKey = apiKey
}

// AgentID returns the current agent ID.
func (c *Client) AgentID() string {
	return c.agentID
}

// APIKey returns the current API key.
func (c *Client) APIKey() string {
	return c.apiKey
}

// BaseURL returns the control plane base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fingerprint returns the machine fingerprint presented on every request.
func (c *Client) Fingerprint() string {
	return c.fingerprint
}

// EnrollRequest redeems a one-time enrollment token.
type EnrollRequest struct {
	Token       string         `json:"token"`
	Fingerprint string         `json:"fingerprint"`
	Hostname    string         `json:"hostname,omitempty"`
	Devices     []types.Device `json:"devices,omitempty"`
}

// EnrollResponse is the identity granted at enrollment.
type EnrollResponse struct {
	AgentID                  string          `json:"agent_id"`
	Name                     string          `json:"name"`
	Role                     types.AgentRole `json:"role"`
	HeartbeatIntervalSeconds int             `json:"heartbeat_interval_seconds"`
	PollIntervalSeconds      int             `json:"poll_interval_seconds"`
}

// Enroll redeems the enrollment token. The API key paired with the token
// must already be held by the caller; enrollment only establishes the
// server-side binding.
func (c *Client) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResponse, error) {
	req.Fingerprint = c.fingerprint

	resp, err := c.doRequest(ctx, "POST", "/api/v1/enroll", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.readError(resp)
	}

	var result EnrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	c.agentID = result.AgentID
	return &result, nil
}

// HeartbeatRequest is the health report plus current device inventory.
type HeartbeatRequest struct {
	types.Heartbeat
	Hostname string         `json:"hostname,omitempty"`
	Devices  []types.Device `json:"devices,omitempty"`
}

// Heartbeat sends a health report to the control plane.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*types.HeartbeatResponse, error) {
	req.Fingerprint = c.fingerprint

	path := fmt.Sprintf("/api/v1/agents/%s/heartbeat", c.agentID)
	resp, err := c.doRequest(ctx, "POST", path, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}

	var result types.HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &result, nil
}

// RequestTask polls for the next transmission assignment. Returns nil when
// the server has nothing eligible.
func (c *Client) RequestTask(ctx context.Context) (*types.TaskAssignment, error) {
	path := fmt.Sprintf("/api/v1/agents/%s/task", c.agentID)
	resp, err := c.doRequest(ctx, "POST", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}

	var result types.TaskAssignment
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &result, nil
}

// ReportTransmitting tells the server the runner is on air.
func (c *Client) ReportTransmitting(ctx context.Context, transmissionID string) error {
	path := fmt.Sprintf("/api/v1/transmissions/%s/transmitting", transmissionID)
	return c.doSimple(ctx, "POST", path, nil)
}

// ReportComplete sends the transmission outcome.
func (c *Client) ReportComplete(ctx context.Context, report types.CompletionReport) error {
	path := fmt.Sprintf("/api/v1/transmissions/%s/complete", report.TransmissionID)
	return c.doSimple(ctx, "POST", path, report)
}

// ActiveAssignments fetches the listener's non-terminal assignments. Used
// to recover assignments pushed while the channel was down.
func (c *Client) ActiveAssignments(ctx context.Context) ([]types.ListenerAssignment, error) {
	path := fmt.Sprintf("/api/v1/agents/%s/assignments", c.agentID)
	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}

	var result struct {
		Assignments []types.ListenerAssignment `json:"assignments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return result.Assignments, nil
}

// ReportRecordingStarted marks an assignment as actively capturing.
func (c *Client) ReportRecordingStarted(ctx context.Context, assignmentID string) error {
	path := fmt.Sprintf("/api/v1/assignments/%s/recording_started", assignmentID)
	return c.doSimple(ctx, "POST", path, nil)
}

// RecordingReport carries capture metadata for a finished assignment.
type RecordingReport struct {
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// ReportRecordingComplete finalizes an assignment and returns the recording
// ID to upload the spectrogram to.
func (c *Client) ReportRecordingComplete(ctx context.Context, assignmentID string, report RecordingReport) (string, error) {
	path := fmt.Sprintf("/api/v1/assignments/%s/recording_complete", assignmentID)
	resp, err := c.doRequest(ctx, "POST", path, report)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.readError(resp)
	}

	var result types.Recording
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return result.ID, nil
}

// UploadRecordingImage streams the spectrogram PNG to the server.
func (c *Client) UploadRecordingImage(ctx context.Context, recordingID, imagePath string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	path := fmt.Sprintf("/api/v1/recordings/%s/image", recordingID)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, f)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.readError(resp)
	}
	return nil
}

// Ping tests connectivity to the control plane.
func (c *Client) Ping(ctx context.Context) error {
	return c.doSimple(ctx, "GET", "/api/v1/health", nil)
}

// doSimple performs a request where only success matters.
func (c *Client) doSimple(ctx context.Context, method, path string, body any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.readError(resp)
	}
	return nil
}

// doRequest performs an HTTP request with standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rfrange-agent/1.0")
	c.setAuthHeaders(req)

	return c.httpClient.Do(req)
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}
	if c.fingerprint != "" {
		req.Header.Set("X-Agent-Fingerprint", c.fingerprint)
	}
}

// readError extracts an error message from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
