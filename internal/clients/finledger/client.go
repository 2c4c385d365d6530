// Package finledger is the client for the financing-credit ledger held
// by the identity service. The remote side applies adjustments
// atomically and deduplicates them by reference; this client fails
// closed on timeout or any non-2xx response.
package finledger

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

// Config holds financing-ledger client configuration.
type Config struct {
	BaseURL      string        `envconfig:"FINLEDGER_BASE_URL" required:"true"`
	ServiceToken string        `envconfig:"FINLEDGER_SERVICE_TOKEN"`
	Timeout      time.Duration `envconfig:"FINLEDGER_TIMEOUT" default:"5s"`
}

// Client talks to the identity service's financing-credit endpoints.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a financing-ledger client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// FlagStatus values carried on a financing profile.
const (
	FlagClear     = "clear"
	FlagBlocked   = "blocked"
	FlagSuspended = "suspended"
	FlagDefaulted = "defaulted"
)

// Profile is a user's financing profile.
type Profile struct {
	UserID        string      `json:"user_id"`
	CreditBalance money.Money `json:"credit_balance"`
	FlagStatus    string      `json:"flag_status"`
}

// FetchProfile reads a user's financing profile.
func (c *Client) FetchProfile(ctx context.Context, userID string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/internal/users/"+userID+"/financing", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.ServiceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch financing profile: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &domain.NotFoundError{Resource: "financing profile", ID: userID}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("financing ledger error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &profile, nil
}

// Adjustment directions.
const (
	DirectionDeduct = "deduct"
	DirectionAdd    = "add"
)

// AdjustRequest asks the ledger to move a user's financing credit.
type AdjustRequest struct {
	UserID    string      `json:"user_id"`
	Amount    money.Money `json:"amount"`
	Direction string      `json:"direction"`
	ProjectID string      `json:"project_id"`
	Reason    string      `json:"reason"`
	Reference string      `json:"reference"`
}

// AdjustCredit applies an atomic credit adjustment on the remote side.
// It fails loudly: any network error, timeout, or non-2xx response is
// an error, never a silent no-op.
func (c *Client) AdjustCredit(ctx context.Context, adj *AdjustRequest) error {
	body, err := json.Marshal(adj)
	if err != nil {
		return fmt.Errorf("marshal adjustment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/internal/users/"+adj.UserID+"/financing/adjust", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.ServiceToken)
	req.Header.Set("Idempotency-Key", adj.Reference)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("adjust credit: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("credit adjustment rejected: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	c.logger.Info("financing credit adjusted",
		"user_id", adj.UserID,
		"direction", adj.Direction,
		"amount", adj.Amount.Decimal(),
		"project_id", adj.ProjectID,
		"reference", adj.Reference,
	)
	return nil
}

// IsEligibleForBNPL reports whether a flag status permits BNPL.
func IsEligibleForBNPL(flagStatus string) bool {
	switch flagStatus {
	case FlagBlocked, FlagSuspended, FlagDefaulted:
		return false
	default:
		return true
	}
}

// CheckEligibility verifies that the credit balance covers the
// financed principal (total minus downpayment). The full shortfall is
// checked up front; there is no partial eligibility.
func CheckEligibility(creditBalance, total, downpayment money.Money) bool {
	principal, err := total.Sub(downpayment)
	if err != nil {
		return false
	}
	return !creditBalance.LessThan(principal)
}
