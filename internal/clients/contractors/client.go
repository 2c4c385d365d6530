// Package contractors is the client for the contractor directory, an
// independently reachable store holding contractor identity and payout
// balances.
package contractors

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

// Config holds contractor-directory client configuration.
type Config struct {
	BaseURL      string        `envconfig:"CONTRACTORS_BASE_URL" required:"true"`
	ServiceToken string        `envconfig:"CONTRACTORS_SERVICE_TOKEN"`
	Timeout      time.Duration `envconfig:"CONTRACTORS_TIMEOUT" default:"5s"`
}

// Client talks to the contractor directory.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a contractor-directory client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Contractor is a contractor's identity and payout destination.
type Contractor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	BankName      string `json:"bank_name,omitempty"`
	IBAN          string `json:"iban,omitempty"`
	AccountHolder string `json:"account_holder,omitempty"`
}

// GetContractor resolves a contractor by ID.
func (c *Client) GetContractor(ctx context.Context, contractorID string) (*Contractor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/internal/contractors/"+contractorID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.ServiceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch contractor: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &domain.NotFoundError{Resource: "contractor", ID: contractorID}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("contractor directory error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var contractor Contractor
	if err := json.Unmarshal(body, &contractor); err != nil {
		return nil, fmt.Errorf("unmarshal contractor: %w", err)
	}
	return &contractor, nil
}

// CreditRequest asks the directory to credit a contractor's balance.
type CreditRequest struct {
	Amount    money.Money `json:"amount"`
	Reference string      `json:"reference"`
	ProjectID string      `json:"project_id"`
}

// Credit applies a single atomic increment to the contractor's balance.
// The directory deduplicates by reference, so retrying a timed-out call
// cannot double-apply. There is no read-modify-write on this side.
func (c *Client) Credit(ctx context.Context, contractorID string, credit *CreditRequest) error {
	body, err := json.Marshal(credit)
	if err != nil {
		return fmt.Errorf("marshal credit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/internal/contractors/"+contractorID+"/balance/credit", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.ServiceToken)
	req.Header.Set("Idempotency-Key", credit.Reference)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("credit contractor balance: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("contractor credit rejected: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	c.logger.Info("contractor balance credited",
		"contractor_id", contractorID,
		"amount", credit.Amount.Decimal(),
		"reference", credit.Reference,
	)
	return nil
}
