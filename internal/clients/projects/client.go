// Package projects is the client for the project service: project
// identity and ownership lookups, status updates, and timeline events.
package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"solarpay/internal/common/money"
	"solarpay/internal/payment/domain"
)

// Config holds project-service client configuration.
type Config struct {
	BaseURL      string        `envconfig:"PROJECTS_BASE_URL" required:"true"`
	ServiceToken string        `envconfig:"PROJECTS_SERVICE_TOKEN"`
	Timeout      time.Duration `envconfig:"PROJECTS_TIMEOUT" default:"5s"`
}

// Client talks to the project service.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a project-service client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// ProjectInfo is the slice of a project the orchestrator needs.
type ProjectInfo struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	ContractorID string       `json:"contractor_id"`
	Status       string       `json:"status"`
	Cost         *money.Money `json:"cost,omitempty"`
}

// FetchProjectInfo retrieves a project's identity, ownership, and cost.
func (c *Client) FetchProjectInfo(ctx context.Context, projectID string) (*ProjectInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/internal/projects/"+projectID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.ServiceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch project: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &domain.NotFoundError{Resource: "project", ID: projectID}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("project service error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var info ProjectInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("unmarshal project: %w", err)
	}
	return &info, nil
}

// UpdateStatus sets the project's status. Callers treat this as
// fire-and-forget; the returned error is for logging and retry, never
// for rolling back a local commit.
func (c *Client) UpdateStatus(ctx context.Context, projectID, status string) error {
	payload := map[string]string{"status": status}
	return c.post(ctx, "/internal/projects/"+projectID+"/status", payload, "")
}

// TimelineEvent is an audit entry appended to a project's timeline.
type TimelineEvent struct {
	Event       string `json:"event"`
	Description string `json:"description"`
	Amount      string `json:"amount,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

// AppendTimeline appends a timeline event. Same fire-and-forget
// semantics as UpdateStatus; the reference deduplicates replays.
func (c *Client) AppendTimeline(ctx context.Context, projectID string, event TimelineEvent) error {
	return c.post(ctx, "/internal/projects/"+projectID+"/timeline", event, event.Reference)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, idempotencyKey string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.ServiceToken)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("project service call: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("project service error: status=%d body=%s", resp.StatusCode, string(respBody))
	}
	return nil
}
