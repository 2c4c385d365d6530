package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"solarpay/internal/common/money"
)

// CommandKind identifies a remote side effect queued in the outbox.
type CommandKind string

const (
	// CommandProjectStatus updates the project's status in the project
	// service.
	CommandProjectStatus CommandKind = "project_status"
	// CommandTimelineEvent appends an audit event to the project
	// timeline.
	CommandTimelineEvent CommandKind = "timeline_event"
	// CommandCreditAdjust replenishes the payer's financing credit.
	CommandCreditAdjust CommandKind = "credit_adjust"
	// CommandPublishEvent publishes a domain event to the message bus.
	CommandPublishEvent CommandKind = "publish_event"
)

// CommandStatus tracks outbox command delivery.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandDone    CommandStatus = "done"
	// CommandParked means delivery attempts are exhausted and the
	// command awaits manual reconciliation.
	CommandParked CommandStatus = "parked"
)

// OutboxCommand is a remote side effect persisted in the same
// transaction as the local state change it belongs to, and drained by a
// background worker. Reference deduplicates retries on the remote side.
type OutboxCommand struct {
	ID          string          `json:"id"`
	Kind        CommandKind     `json:"kind"`
	PaymentID   string          `json:"payment_id"`
	ProjectID   string          `json:"project_id"`
	Reference   string          `json:"reference"`
	Payload     json.RawMessage `json:"payload"`
	Status      CommandStatus   `json:"status"`
	Attempts    int             `json:"attempts"`
	NextAttempt time.Time       `json:"next_attempt_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewCommand creates a pending outbox command.
func NewCommand(kind CommandKind, paymentID, projectID, reference string, payload interface{}) (*OutboxCommand, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	now := time.Now().UTC()
	return &OutboxCommand{
		ID:          ulid.Make().String(),
		Kind:        kind,
		PaymentID:   paymentID,
		ProjectID:   projectID,
		Reference:   reference,
		Payload:     data,
		Status:      CommandPending,
		NextAttempt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DecodePayload decodes the command payload into a struct.
func (c *OutboxCommand) DecodePayload(v interface{}) error {
	return json.Unmarshal(c.Payload, v)
}

// ProjectStatusPayload is the payload of a project_status command.
type ProjectStatusPayload struct {
	Status string `json:"status"`
}

// TimelinePayload is the payload of a timeline_event command.
type TimelinePayload struct {
	Event       string `json:"event"`
	Description string `json:"description"`
	Amount      string `json:"amount,omitempty"`
}

// CreditAdjustPayload is the payload of a credit_adjust command.
type CreditAdjustPayload struct {
	UserID    string      `json:"user_id"`
	Amount    money.Money `json:"amount"`
	Direction string      `json:"direction"`
	Reason    string      `json:"reason"`
}

// Project status values owned by the project service.
const (
	ProjectPaymentProcessing = "payment_processing"
	ProjectPaymentCompleted  = "payment_completed"
)

// Event is the envelope published to the message bus for every money
// movement.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	ProjectID  string          `json:"project_id"`
	PaymentID  string          `json:"payment_id"`
	Data       json.RawMessage `json:"data"`
}

// Domain event types.
const (
	EventMethodSelected      = "payment.method_selected"
	EventDownpaymentReceived = "payment.downpayment_received"
	EventInstallmentPaid     = "payment.installment_paid"
	EventCompleted           = "payment.completed"
	EventReleased            = "payment.released"
)

// NewEvent creates a domain event envelope.
func NewEvent(eventType, projectID, paymentID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		ProjectID:  projectID,
		PaymentID:  paymentID,
		Data:       dataBytes,
	}, nil
}
