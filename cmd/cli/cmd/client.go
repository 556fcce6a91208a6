package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskqueue/pkg/api"
)

// TaskClient handles API calls to the taskqueue controller.
type TaskClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTaskClient creates a new client with the given base URL.
func NewTaskClient(baseURL string) *TaskClient {
	return &TaskClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// CreateArchetype sends POST /{kind}_archetypes and returns the new version's ID.
func (c *TaskClient) CreateArchetype(kind string, content json.RawMessage) (int64, error) {
	var result api.CreateArchetypeResponse
	if err := c.do(http.MethodPost, "/"+kind+"_archetypes", api.CreateArchetypeRequest{Content: content}, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// ListArchetypes sends GET /{kind}_archetypes.
func (c *TaskClient) ListArchetypes(kind string) ([]api.Archetype, error) {
	var result []api.Archetype
	if err := c.do(http.MethodGet, "/"+kind+"_archetypes", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteArchetype sends DELETE /{kind}_archetypes/{id}.
func (c *TaskClient) DeleteArchetype(kind string, id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/%s_archetypes/%d", kind, id), nil, nil)
}

// Submit sends POST /task_instances. Nil IDs select the latest archetype.
func (c *TaskClient) Submit(buildID, taskID *int64) (*api.TaskInstance, error) {
	var result api.TaskInstance
	req := api.SubmitTaskRequest{BuildArchetypeID: buildID, TaskArchetypeID: taskID}
	if err := c.do(http.MethodPost, "/task_instances", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListInstances sends GET /task_instances filtered by states.
func (c *TaskClient) ListInstances(states ...string) ([]api.TaskInstance, error) {
	path := "/task_instances"
	if len(states) > 0 {
		path += "?state=" + url.QueryEscape(strings.Join(states, ","))
	}

	var result []api.TaskInstance
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetInstance sends GET /task_instances/{id}.
func (c *TaskClient) GetInstance(id int64) (*api.TaskInstance, error) {
	var result api.TaskInstance
	if err := c.do(http.MethodGet, fmt.Sprintf("/task_instances/%d", id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateInstance sends PUT /task_instances/{id}.
func (c *TaskClient) UpdateInstance(id int64, req api.UpdateTaskInstanceRequest) (*api.TaskInstance, error) {
	var result api.TaskInstance
	if err := c.do(http.MethodPut, fmt.Sprintf("/task_instances/%d", id), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rerun sends POST /task_instances/{id}/rerun.
func (c *TaskClient) Rerun(id int64) (*api.TaskInstance, error) {
	var result api.TaskInstance
	if err := c.do(http.MethodPost, fmt.Sprintf("/task_instances/%d/rerun", id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *TaskClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(respBody))
		var apiErr api.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
