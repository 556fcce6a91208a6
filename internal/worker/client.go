package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskqueue/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Controller is the slice of the controller's internal API the agent uses.
type Controller interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (*api.ClaimResponse, error)
	Heartbeat(ctx context.Context, id int64, lease time.Duration) error
	Progress(ctx context.Context, id int64, completed int) error
	Release(ctx context.Context, id int64) error
}

// APIError represents an error response from the controller.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.StatusCode, e.Message)
}

// Client calls the controller's /internal routes over HTTP.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient creates a client for the controller at baseURL. A non-empty
// secret is sent as a bearer token.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		// Ensure no trailing slash
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Claim asks for the next job. It returns nil when the queue has nothing claimable.
func (c *Client) Claim(ctx context.Context, workerID string, lease time.Duration) (*api.ClaimResponse, error) {
	req := api.ClaimRequest{WorkerID: workerID, LeaseSeconds: int(lease / time.Second)}

	var claim api.ClaimResponse
	status, err := c.do(ctx, http.MethodPost, "/internal/queue/claim", req, &claim)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &claim, nil
}

// Heartbeat extends the lease on an instance.
func (c *Client) Heartbeat(ctx context.Context, id int64, lease time.Duration) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/internal/task_instances/%d/heartbeat", id),
		api.HeartbeatRequest{LeaseSeconds: int(lease / time.Second)}, nil)
	return err
}

// Progress reports finished jobs.
func (c *Client) Progress(ctx context.Context, id int64, completed int) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/internal/task_instances/%d/progress", id),
		api.ProgressRequest{CompletedJobs: completed}, nil)
	return err
}

// Release gives an instance back to the queue.
func (c *Client) Release(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/internal/task_instances/%d/release", id), nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	// Carry the job span to the controller.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ErrorResponse
		respBody, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
