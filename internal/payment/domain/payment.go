// Package domain contains the payment orchestration entities: the
// Payment aggregate, its installment schedule, the append-only
// transaction ledger, and the outbox command model.
package domain

import (
	"time"

	"solarpay/internal/common/money"
)

// Method represents how a project is financed.
type Method string

const (
	MethodSinglePay Method = "single_pay"
	MethodBNPL      Method = "bnpl"
)

// Status represents the payment lifecycle state. Transitions only move
// forward: pending -> partially_paid -> completed.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPartiallyPaid Status = "partially_paid"
	StatusCompleted     Status = "completed"
)

var statusRank = map[Status]int{
	StatusPending:       0,
	StatusPartiallyPaid: 1,
	StatusCompleted:     2,
}

// BNPL installment count bounds.
const (
	MinInstallments = 3
	MaxInstallments = 24
)

// Payment is the owning entity: exactly one per project, created at
// method-selection time, never deleted.
type Payment struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"project_id"`
	PayerID         string      `json:"payer_id"`
	ContractorID    string      `json:"contractor_id,omitempty"`
	Method          Method      `json:"payment_method"`
	Status          Status      `json:"payment_status"`
	TotalAmount     money.Money `json:"total_amount"`
	Downpayment     money.Money `json:"downpayment_amount"`
	PaidAmount      money.Money `json:"paid_amount"`
	RemainingAmount money.Money `json:"remaining_amount"`
	Installments    int         `json:"number_of_installments,omitempty"`
	MonthlyEMI      money.Money `json:"monthly_emi,omitempty"`
	Reference       string      `json:"payment_reference"`

	// Contractor release. The flag is orthogonal to the status state
	// machine and may be set exactly once.
	AdminPaidContractor bool              `json:"admin_paid_contractor"`
	AdminPaymentAmount  money.Money       `json:"admin_payment_amount,omitempty"`
	AdminPaymentRef     string            `json:"admin_payment_reference,omitempty"`
	AdminPaymentNotes   string            `json:"admin_payment_notes,omitempty"`
	Payout              *ContractorPayout `json:"contractor_payout,omitempty"`
	AdminPaidAt         *time.Time        `json:"admin_paid_at,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ContractorPayout holds the payout destination recorded at release.
type ContractorPayout struct {
	BankName      string `json:"bank_name,omitempty"`
	IBAN          string `json:"iban,omitempty"`
	AccountHolder string `json:"account_holder,omitempty"`
}

// NewPayment creates a payment at method-selection time. The caller is
// responsible for having validated the selection first.
func NewPayment(id, projectID, payerID, contractorID string, method Method, total, downpayment money.Money, reference string) *Payment {
	now := time.Now().UTC()
	return &Payment{
		ID:              id,
		ProjectID:       projectID,
		PayerID:         payerID,
		ContractorID:    contractorID,
		Method:          method,
		Status:          StatusPending,
		TotalAmount:     total,
		Downpayment:     downpayment,
		PaidAmount:      money.Zero(total.Currency),
		RemainingAmount: total,
		Reference:       reference,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// CanTransitionTo reports whether moving to the target status would
// keep the state machine monotonic.
func (p *Payment) CanTransitionTo(target Status) bool {
	return statusRank[target] >= statusRank[p.Status]
}

// ApplyReceipt credits principal against the payment. The amount
// actually tendered (which may exceed principal through overpayment or
// a late fee) lives on the transaction record; only principal moves the
// aggregate, so paid + remaining == total holds at every durable state.
func (p *Payment) ApplyReceipt(principal money.Money) {
	if principal.GreaterThan(p.RemainingAmount) {
		principal = p.RemainingAmount
	}
	p.PaidAmount = p.PaidAmount.MustAdd(principal)
	p.RemainingAmount = p.RemainingAmount.MustSub(principal)
	p.UpdatedAt = time.Now().UTC()
}

// MarkPartiallyPaid moves the payment into partially_paid.
func (p *Payment) MarkPartiallyPaid() {
	if p.CanTransitionTo(StatusPartiallyPaid) {
		p.Status = StatusPartiallyPaid
		p.UpdatedAt = time.Now().UTC()
	}
}

// MarkCompleted moves the payment into its terminal status.
func (p *Payment) MarkCompleted() {
	if p.Status == StatusCompleted {
		return
	}
	now := time.Now().UTC()
	p.Status = StatusCompleted
	p.CompletedAt = &now
	p.UpdatedAt = now
}

// MarkReleased sets the one-way contractor release flag.
func (p *Payment) MarkReleased(amount money.Money, reference, notes string, payout *ContractorPayout) error {
	if p.AdminPaidContractor {
		return &ConflictError{Message: "payment already released to contractor"}
	}
	now := time.Now().UTC()
	p.AdminPaidContractor = true
	p.AdminPaymentAmount = amount
	p.AdminPaymentRef = reference
	p.AdminPaymentNotes = notes
	p.Payout = payout
	p.AdminPaidAt = &now
	p.UpdatedAt = now
	return nil
}

// InstallmentStatus represents the state of a single installment.
type InstallmentStatus string

const (
	InstallmentUpcoming InstallmentStatus = "upcoming"
	InstallmentPaid     InstallmentStatus = "paid"
)

// Installment is one row of a BNPL schedule, created at selection time
// and mutated only when it is paid.
type Installment struct {
	ID          string            `json:"id"`
	PaymentID   string            `json:"payment_id"`
	Number      int               `json:"installment_number"`
	Amount      money.Money       `json:"amount"`
	DueDate     time.Time         `json:"due_date"`
	Status      InstallmentStatus `json:"status"`
	PaidAmount  money.Money       `json:"paid_amount,omitempty"`
	PaidAt      *time.Time        `json:"paid_at,omitempty"`
	Reference   string            `json:"payment_reference,omitempty"`
	IsOverdue   bool              `json:"is_overdue"`
	OverdueDays int               `json:"overdue_days"`
	LateFee     money.Money       `json:"late_fee,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// MarkPaid records the payment of this installment. Overdue figures are
// computed at payment time, not continuously.
func (i *Installment) MarkPaid(paid money.Money, reference string, overdueDays int, lateFee money.Money) error {
	if i.Status == InstallmentPaid {
		return &BusinessRuleError{Code: RuleAlreadyPaid, Message: "installment already paid"}
	}
	now := time.Now().UTC()
	i.Status = InstallmentPaid
	i.PaidAmount = paid
	i.PaidAt = &now
	i.Reference = reference
	i.IsOverdue = overdueDays > 0
	i.OverdueDays = overdueDays
	i.LateFee = lateFee
	i.UpdatedAt = now
	return nil
}

// TransactionType classifies a money movement.
type TransactionType string

const (
	TxnFullPayment  TransactionType = "full_payment"
	TxnDownpayment  TransactionType = "downpayment"
	TxnInstallment  TransactionType = "installment"
	TxnAdminRelease TransactionType = "admin_release"
)

// Transaction is an append-only audit record, one per successful money
// movement. Failed attempts are never persisted here.
type Transaction struct {
	ID            string            `json:"id"`
	PaymentID     string            `json:"payment_id"`
	Type          TransactionType   `json:"transaction_type"`
	Amount        money.Money       `json:"amount"`
	Status        string            `json:"status"`
	Reference     string            `json:"transaction_reference"`
	InstallmentID string            `json:"installment_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewTransaction creates a successful transaction record.
func NewTransaction(id, paymentID string, txnType TransactionType, amount money.Money, reference string) *Transaction {
	return &Transaction{
		ID:        id,
		PaymentID: paymentID,
		Type:      txnType,
		Amount:    amount,
		Status:    "success",
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
}
