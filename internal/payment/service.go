// Package payment orchestrates the payment lifecycle of a solar
// project: method selection, downpayments, full payments, installment
// collection, and the admin-driven release of funds to the contractor.
//
// The service coordinates three stores it does not own (project
// directory, financing ledger, contractor directory) without
// distributed transactions. The local database is the source of truth
// for payment state; remote side effects either happen synchronously at
// a carefully chosen point, or ride the outbox and are delivered by the
// background worker.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"solarpay/internal/clients/contractors"
	"solarpay/internal/clients/finledger"
	"solarpay/internal/clients/projects"
	"solarpay/internal/common/middleware"
	"solarpay/internal/common/money"
	"solarpay/internal/payment/calc"
	"solarpay/internal/payment/domain"
)

// Store is the persistence surface the orchestrator depends on.
type Store interface {
	CreatePayment(ctx context.Context, p *domain.Payment, schedule []*domain.Installment, cmds []*domain.OutboxCommand) error
	GetPaymentByProject(ctx context.Context, projectID string) (*domain.Payment, error)
	ListInstallments(ctx context.Context, paymentID string) ([]*domain.Installment, error)
	GetInstallment(ctx context.Context, installmentID string) (*domain.Installment, error)
	ListTransactions(ctx context.Context, paymentID string) ([]*domain.Transaction, error)
	RecordDownpayment(ctx context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error
	RecordFullPayment(ctx context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error
	RecordInstallmentPayment(ctx context.Context, inst *domain.Installment, principal money.Money, txn *domain.Transaction, cmds, completionCmds []*domain.OutboxCommand) (bool, error)
	MarkReleased(ctx context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error
}

// ProjectDirectory resolves projects on the remote project service.
type ProjectDirectory interface {
	FetchProjectInfo(ctx context.Context, projectID string) (*projects.ProjectInfo, error)
}

// FinancingLedger is the identity service's financing credit surface.
type FinancingLedger interface {
	FetchProfile(ctx context.Context, userID string) (*finledger.Profile, error)
	AdjustCredit(ctx context.Context, adj *finledger.AdjustRequest) error
}

// ContractorDirectory resolves contractors and credits their balances.
type ContractorDirectory interface {
	GetContractor(ctx context.Context, contractorID string) (*contractors.Contractor, error)
	Credit(ctx context.Context, contractorID string, credit *contractors.CreditRequest) error
}

// Actor is the authenticated caller, extracted from upstream identity
// headers by the middleware.
type Actor struct {
	ID   string
	Role string
}

// IsAdmin reports whether the actor holds an administrative role.
func (a Actor) IsAdmin() bool {
	return a.Role == middleware.RoleAdmin || a.Role == middleware.RoleSuperAdmin
}

// Service orchestrates the payment lifecycle.
type Service struct {
	store       Store
	projects    ProjectDirectory
	finledger   FinancingLedger
	contractors ContractorDirectory
	gateway     calc.Gateway
	logger      *slog.Logger
	currency    money.Currency

	now func() time.Time
}

// NewService creates the payment orchestrator.
func NewService(store Store, projectDir ProjectDirectory, ledger FinancingLedger, contractorDir ContractorDirectory, gateway calc.Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		projects:    projectDir,
		finledger:   ledger,
		contractors: contractorDir,
		gateway:     gateway,
		logger:      logger,
		currency:    money.SAR,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Selection is a parsed method-selection request.
type Selection struct {
	Method       domain.Method
	TotalAmount  *money.Money
	Downpayment  money.Money
	Installments int
}

// MethodSelection is the result of selecting a payment method.
type MethodSelection struct {
	Payment  *domain.Payment       `json:"payment"`
	Schedule []*domain.Installment `json:"installment_schedule,omitempty"`
}

// SelectMethod creates the payment for a project. Single-pay creates a
// bare payment; BNPL additionally validates financing eligibility,
// places a synchronous hold on the payer's financing credit, and
// materializes the full installment schedule. Selection is one-shot per
// project.
func (s *Service) SelectMethod(ctx context.Context, actor Actor, projectID string, sel Selection) (*MethodSelection, error) {
	project, err := s.projects.FetchProjectInfo(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != actor.ID && !actor.IsAdmin() {
		return nil, &domain.ForbiddenError{Message: "only the project owner may select a payment method"}
	}

	// Selection is one-shot. Reject duplicates here, before any ledger
	// money moves; the unique constraint on project_id remains the
	// backstop for concurrent selections.
	var notFound *domain.NotFoundError
	if _, err := s.store.GetPaymentByProject(ctx, projectID); err == nil {
		return nil, &domain.ConflictError{Message: "payment method already selected for this project"}
	} else if !errors.As(err, &notFound) {
		return nil, err
	}

	total, err := s.effectiveTotal(sel, project)
	if err != nil {
		return nil, err
	}
	downpayment := sel.Downpayment
	if downpayment.Currency == "" {
		downpayment = money.Zero(total.Currency)
	}

	if err := calc.ValidateSelection(sel.Method, total, downpayment, sel.Installments); err != nil {
		return nil, err
	}

	payerID := project.OwnerID
	now := s.now()

	var (
		payment   *domain.Payment
		schedule  []*domain.Installment
		reference string
		held      money.Money
	)

	switch sel.Method {
	case domain.MethodSinglePay:
		reference = calc.NewReference(calc.RefSinglePay)
		payment = domain.NewPayment(ulid.Make().String(), projectID, payerID, project.ContractorID, sel.Method, total, money.Zero(total.Currency), reference)

	case domain.MethodBNPL:
		reference = calc.NewReference(calc.RefBNPL)
		financed := total.MustSub(downpayment)

		profile, err := s.finledger.FetchProfile(ctx, payerID)
		if err != nil {
			return nil, err
		}
		if !finledger.IsEligibleForBNPL(profile.FlagStatus) {
			return nil, &domain.BusinessRuleError{
				Code:    domain.RuleIneligibleForBNPL,
				Message: fmt.Sprintf("financing unavailable while account is %s", profile.FlagStatus),
			}
		}
		if !finledger.CheckEligibility(profile.CreditBalance, total, downpayment) {
			return nil, &domain.BusinessRuleError{
				Code:    domain.RuleInsufficientCredit,
				Message: "financing credit balance does not cover the financed amount",
			}
		}

		lines, err := calc.BuildSchedule(total, downpayment, sel.Installments, now)
		if err != nil {
			return nil, err
		}

		// The credit hold must land before anything durable exists
		// locally. If the hold fails, no payment was created and
		// nothing needs unwinding.
		if err := s.finledger.AdjustCredit(ctx, &finledger.AdjustRequest{
			UserID:    payerID,
			Amount:    financed,
			Direction: finledger.DirectionDeduct,
			ProjectID: projectID,
			Reason:    "bnpl credit hold",
			Reference: reference,
		}); err != nil {
			s.logger.Error("credit hold failed", "project_id", projectID, "payer_id", payerID, "error", err)
			return nil, &domain.BusinessRuleError{
				Code:    domain.RuleCreditHoldFailed,
				Message: "could not place financing credit hold",
			}
		}
		held = financed

		payment = domain.NewPayment(ulid.Make().String(), projectID, payerID, project.ContractorID, sel.Method, total, downpayment, reference)
		payment.Installments = sel.Installments
		payment.MonthlyEMI = calc.MonthlyEMI(lines)
		for _, line := range lines {
			schedule = append(schedule, &domain.Installment{
				ID:        ulid.Make().String(),
				PaymentID: payment.ID,
				Number:    line.Number,
				Amount:    line.Amount,
				DueDate:   line.DueDate,
				Status:    domain.InstallmentUpcoming,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}

	cmds, err := s.selectionCommands(payment, sel.Method)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreatePayment(ctx, payment, schedule, cmds); err != nil {
		if held.AmountMinor > 0 {
			s.releaseHold(ctx, payerID, projectID, held, reference)
		}
		return nil, err
	}

	s.logger.Info("payment method selected",
		"project_id", projectID,
		"payment_id", payment.ID,
		"method", payment.Method,
		"total", payment.TotalAmount.Decimal(),
	)

	return &MethodSelection{Payment: payment, Schedule: schedule}, nil
}

// releaseHold compensates a credit hold after the local write failed.
// Failure here leaves the hold in place until the ledger side is
// reconciled by its reference.
func (s *Service) releaseHold(ctx context.Context, payerID, projectID string, amount money.Money, reference string) {
	err := s.finledger.AdjustCredit(ctx, &finledger.AdjustRequest{
		UserID:    payerID,
		Amount:    amount,
		Direction: finledger.DirectionAdd,
		ProjectID: projectID,
		Reason:    "bnpl credit hold reversal",
		Reference: reference + "-REV",
	})
	if err != nil {
		s.logger.Error("credit hold reversal failed, ledger requires reconciliation",
			"project_id", projectID,
			"payer_id", payerID,
			"reference", reference,
			"error", err,
		)
	}
}

func (s *Service) effectiveTotal(sel Selection, project *projects.ProjectInfo) (money.Money, error) {
	if sel.TotalAmount != nil {
		if sel.TotalAmount.AmountMinor <= 0 {
			return money.Money{}, domain.Validationf("total_amount", "must be greater than zero")
		}
		return *sel.TotalAmount, nil
	}
	if project.Cost != nil && project.Cost.AmountMinor > 0 {
		return *project.Cost, nil
	}
	return money.Money{}, domain.Validationf("total_amount", "required when the project has no cost on record")
}

// PayDownpayment collects the BNPL downpayment. The amount must match
// the agreed downpayment exactly; partial downpayments are not a thing.
func (s *Service) PayDownpayment(ctx context.Context, actor Actor, projectID string, amount money.Money) (*domain.Payment, error) {
	p, err := s.loadForPayer(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if p.Method != domain.MethodBNPL {
		return nil, &domain.BusinessRuleError{Code: domain.RuleWrongMethod, Message: "downpayment applies to bnpl payments only"}
	}
	if p.Status != domain.StatusPending {
		return nil, &domain.BusinessRuleError{Code: domain.RuleAlreadyPaid, Message: "downpayment already paid"}
	}
	if err := ensureCurrency(amount, p); err != nil {
		return nil, err
	}
	if !amount.Equal(p.Downpayment) {
		return nil, domain.Validationf("amount", "must equal the downpayment of %s", p.Downpayment.Decimal())
	}

	gatewayRef, err := s.gateway.Charge(ctx, amount, "downpayment", p.PayerID)
	if err != nil {
		return nil, &domain.PaymentError{Message: "downpayment charge failed"}
	}

	reference := calc.NewReference(calc.RefDownpayment)
	txn := domain.NewTransaction(ulid.Make().String(), p.ID, domain.TxnDownpayment, amount, reference)
	txn.Metadata = map[string]string{"gateway_reference": gatewayRef}

	p.ApplyReceipt(amount)
	p.MarkPartiallyPaid()

	cmds, err := s.receiptCommands(p, domain.EventDownpaymentReceived, "Downpayment received", amount, reference)
	if err != nil {
		return nil, err
	}

	if err := s.store.RecordDownpayment(ctx, p, txn, cmds); err != nil {
		return nil, err
	}

	s.logger.Info("downpayment received",
		"project_id", projectID,
		"payment_id", p.ID,
		"amount", amount.Decimal(),
	)
	return p, nil
}

// PayFull settles a single-pay payment in one charge. A nil amount
// tenders exactly what is due. Tendering more than the total is
// accepted; only the principal moves the aggregate and the surplus
// shows on the transaction record.
func (s *Service) PayFull(ctx context.Context, actor Actor, projectID string, tendered *money.Money) (*domain.Payment, error) {
	p, err := s.loadForPayer(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if p.Method != domain.MethodSinglePay {
		return nil, &domain.BusinessRuleError{Code: domain.RuleWrongMethod, Message: "full payment applies to single-pay payments only"}
	}
	if p.Status == domain.StatusCompleted {
		return nil, &domain.BusinessRuleError{Code: domain.RulePaymentCompleted, Message: "payment already completed"}
	}

	amount := p.RemainingAmount
	if tendered != nil {
		amount = *tendered
		if err := ensureCurrency(amount, p); err != nil {
			return nil, err
		}
	}
	if amount.LessThan(p.RemainingAmount) {
		return nil, domain.Validationf("amount", "must cover the full amount of %s", p.RemainingAmount.Decimal())
	}

	gatewayRef, err := s.gateway.Charge(ctx, amount, "full_payment", p.PayerID)
	if err != nil {
		return nil, &domain.PaymentError{Message: "payment charge failed"}
	}

	reference := calc.NewReference(calc.RefSinglePay)
	txn := domain.NewTransaction(ulid.Make().String(), p.ID, domain.TxnFullPayment, amount, reference)
	txn.Metadata = map[string]string{"gateway_reference": gatewayRef}

	p.ApplyReceipt(p.RemainingAmount)
	p.MarkCompleted()

	cmds, err := s.completionCommands(p, domain.EventCompleted, "Payment completed in full", amount, reference)
	if err != nil {
		return nil, err
	}

	if err := s.store.RecordFullPayment(ctx, p, txn, cmds); err != nil {
		return nil, err
	}

	s.logger.Info("payment completed",
		"project_id", projectID,
		"payment_id", p.ID,
		"amount", amount.Decimal(),
	)
	return p, nil
}

// PayInstallment collects one installment. Overdue standing and the
// late fee are computed at payment time; the tendered amount must cover
// installment plus fee. Paying the last installment completes the
// payment and replenishes the payer's financing credit through the
// outbox.
func (s *Service) PayInstallment(ctx context.Context, actor Actor, projectID, installmentID string, amount money.Money) (*domain.Installment, error) {
	p, err := s.loadForPayer(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if p.Method != domain.MethodBNPL {
		return nil, &domain.BusinessRuleError{Code: domain.RuleWrongMethod, Message: "installments apply to bnpl payments only"}
	}
	if p.Status == domain.StatusCompleted {
		return nil, &domain.BusinessRuleError{Code: domain.RulePaymentCompleted, Message: "payment already completed"}
	}

	inst, err := s.store.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, err
	}
	if inst.PaymentID != p.ID {
		return nil, &domain.NotFoundError{Resource: "installment", ID: installmentID}
	}
	if inst.Status == domain.InstallmentPaid {
		return nil, &domain.BusinessRuleError{Code: domain.RuleAlreadyPaid, Message: "installment already paid"}
	}

	if err := ensureCurrency(amount, p); err != nil {
		return nil, err
	}

	now := s.now()
	overdueDays := calc.OverdueDays(inst.DueDate, now)
	lateFee := calc.LateFee(inst.Amount, overdueDays)
	due := inst.Amount.MustAdd(lateFee)
	if amount.LessThan(due) {
		return nil, domain.Validationf("amount", "must cover installment plus late fee, %s due", due.Decimal())
	}

	gatewayRef, err := s.gateway.Charge(ctx, amount, "installment", p.PayerID)
	if err != nil {
		return nil, &domain.PaymentError{Message: "installment charge failed"}
	}

	reference := calc.NewReference(calc.RefInstallment)
	if err := inst.MarkPaid(amount, reference, overdueDays, lateFee); err != nil {
		return nil, err
	}

	txn := domain.NewTransaction(ulid.Make().String(), p.ID, domain.TxnInstallment, amount, reference)
	txn.InstallmentID = inst.ID
	txn.Metadata = map[string]string{
		"gateway_reference": gatewayRef,
		"installment":       fmt.Sprintf("%d", inst.Number),
	}
	if overdueDays > 0 {
		txn.Metadata["overdue_days"] = fmt.Sprintf("%d", overdueDays)
		txn.Metadata["late_fee"] = lateFee.Decimal()
	}

	principal := inst.Amount
	cmds, err := s.installmentCommands(p, inst, principal, reference)
	if err != nil {
		return nil, err
	}
	completionCmds, err := s.completionCommands(p, domain.EventCompleted, "Final installment paid", principal, reference)
	if err != nil {
		return nil, err
	}

	completed, err := s.store.RecordInstallmentPayment(ctx, inst, principal, txn, cmds, completionCmds)
	if err != nil {
		return nil, err
	}

	s.logger.Info("installment paid",
		"project_id", projectID,
		"payment_id", p.ID,
		"installment", inst.Number,
		"amount", amount.Decimal(),
		"late_fee", lateFee.Decimal(),
		"completed", completed,
	)
	return inst, nil
}

// Release records the admin payout of collected funds to the
// contractor. The local record is the source of truth and is written
// first; the contractor balance credit follows synchronously. If the
// credit fails the release record stands and the mismatch is surfaced
// for reconciliation rather than silently retried.
func (s *Service) Release(ctx context.Context, actor Actor, projectID string, amount *money.Money, notes string, payoutDetails *domain.ContractorPayout) (*domain.Payment, error) {
	if !actor.IsAdmin() {
		return nil, &domain.ForbiddenError{Message: "only administrators may release funds"}
	}

	p, err := s.store.GetPaymentByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.AdminPaidContractor {
		return nil, &domain.ConflictError{Message: "payment already released to contractor"}
	}

	contractorID := p.ContractorID
	if contractorID == "" {
		project, err := s.projects.FetchProjectInfo(ctx, projectID)
		if err != nil {
			return nil, err
		}
		contractorID = project.ContractorID
	}
	if contractorID == "" {
		return nil, &domain.NotFoundError{Resource: "contractor for project", ID: projectID}
	}

	contractor, err := s.contractors.GetContractor(ctx, contractorID)
	if err != nil {
		return nil, err
	}

	payout := amount
	if payout == nil {
		payout = &p.TotalAmount
	} else {
		if err := ensureCurrency(*payout, p); err != nil {
			return nil, err
		}
		if !payout.IsPositive() {
			return nil, domain.Validationf("amount", "must be positive")
		}
	}
	reference := calc.NewReference(calc.RefAdminRelease)

	// Payout destination defaults to the directory record; explicit
	// details on the request win, field by field.
	destination := &domain.ContractorPayout{
		BankName:      contractor.BankName,
		IBAN:          contractor.IBAN,
		AccountHolder: contractor.AccountHolder,
	}
	if payoutDetails != nil {
		if payoutDetails.BankName != "" {
			destination.BankName = payoutDetails.BankName
		}
		if payoutDetails.IBAN != "" {
			destination.IBAN = payoutDetails.IBAN
		}
		if payoutDetails.AccountHolder != "" {
			destination.AccountHolder = payoutDetails.AccountHolder
		}
	}

	if err := p.MarkReleased(*payout, reference, notes, destination); err != nil {
		return nil, err
	}
	p.ContractorID = contractorID

	txn := domain.NewTransaction(ulid.Make().String(), p.ID, domain.TxnAdminRelease, *payout, reference)
	txn.Metadata = map[string]string{"contractor_id": contractorID}

	cmds, err := s.releaseCommands(p, *payout, reference)
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkReleased(ctx, p, txn, cmds); err != nil {
		return nil, err
	}

	if err := s.contractors.Credit(ctx, contractorID, &contractors.CreditRequest{
		Amount:    *payout,
		Reference: reference,
		ProjectID: projectID,
	}); err != nil {
		s.logger.Error("contractor credit failed after release was recorded",
			"project_id", projectID,
			"payment_id", p.ID,
			"contractor_id", contractorID,
			"reference", reference,
			"error", err,
		)
		return nil, &domain.BusinessRuleError{
			Code:    domain.RuleUnreconciledFunds,
			Message: "release recorded but contractor balance credit failed, reconcile by reference " + reference,
		}
	}

	s.logger.Info("payment released to contractor",
		"project_id", projectID,
		"payment_id", p.ID,
		"contractor_id", contractorID,
		"amount", payout.Decimal(),
	)
	return p, nil
}

// Summary aggregates payment progress for detail views.
type Summary struct {
	TotalAmount       money.Money `json:"total_amount"`
	PaidAmount        money.Money `json:"paid_amount"`
	RemainingAmount   money.Money `json:"remaining_amount"`
	TotalInstallments int         `json:"total_installments,omitempty"`
	PaidInstallments  int         `json:"paid_installments,omitempty"`
	NextDueDate       *time.Time  `json:"next_due_date,omitempty"`
}

// Details is the full read model for a project's payment.
type Details struct {
	Payment  *domain.Payment       `json:"payment"`
	Schedule []*domain.Installment `json:"installment_schedule,omitempty"`
	Summary  Summary               `json:"summary"`
}

// Details returns the payment, its schedule, and a progress summary.
// Visible to the payer, the project's contractor, and admins.
func (s *Service) Details(ctx context.Context, actor Actor, projectID string) (*Details, error) {
	p, err := s.loadForReader(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}

	schedule, err := s.installmentsWithStanding(ctx, p)
	if err != nil {
		return nil, err
	}

	summary := Summary{
		TotalAmount:     p.TotalAmount,
		PaidAmount:      p.PaidAmount,
		RemainingAmount: p.RemainingAmount,
	}
	for _, inst := range schedule {
		summary.TotalInstallments++
		if inst.Status == domain.InstallmentPaid {
			summary.PaidInstallments++
		} else if summary.NextDueDate == nil {
			due := inst.DueDate
			summary.NextDueDate = &due
		}
	}

	return &Details{Payment: p, Schedule: schedule, Summary: summary}, nil
}

// Installments returns the schedule with overdue standing computed as
// of now. Visible to the payer, the contractor, and admins.
func (s *Service) Installments(ctx context.Context, actor Actor, projectID string) ([]*domain.Installment, error) {
	p, err := s.loadForReader(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	return s.installmentsWithStanding(ctx, p)
}

// Transactions returns the payment's audit ledger, oldest first.
func (s *Service) Transactions(ctx context.Context, actor Actor, projectID string) ([]*domain.Transaction, error) {
	p, err := s.loadForReader(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, p.ID)
}

// installmentsWithStanding projects overdue days and the accrued late
// fee onto unpaid installments. Paid installments keep the figures
// frozen at payment time.
func (s *Service) installmentsWithStanding(ctx context.Context, p *domain.Payment) ([]*domain.Installment, error) {
	schedule, err := s.store.ListInstallments(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, inst := range schedule {
		if inst.Status != domain.InstallmentUpcoming {
			continue
		}
		days := calc.OverdueDays(inst.DueDate, now)
		inst.IsOverdue = days > 0
		inst.OverdueDays = days
		inst.LateFee = calc.LateFee(inst.Amount, days)
	}
	return schedule, nil
}

func ensureCurrency(amount money.Money, p *domain.Payment) error {
	if amount.Currency != p.TotalAmount.Currency {
		return domain.Validationf("currency", "payment is denominated in %s", p.TotalAmount.Currency)
	}
	return nil
}

func (s *Service) loadForPayer(ctx context.Context, actor Actor, projectID string) (*domain.Payment, error) {
	p, err := s.store.GetPaymentByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.PayerID != actor.ID && !actor.IsAdmin() {
		return nil, &domain.ForbiddenError{Message: "only the payer may act on this payment"}
	}
	return p, nil
}

func (s *Service) loadForReader(ctx context.Context, actor Actor, projectID string) (*domain.Payment, error) {
	p, err := s.store.GetPaymentByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.PayerID != actor.ID && p.ContractorID != actor.ID && !actor.IsAdmin() {
		return nil, &domain.ForbiddenError{Message: "not a party to this payment"}
	}
	return p, nil
}

func (s *Service) selectionCommands(p *domain.Payment, method domain.Method) ([]*domain.OutboxCommand, error) {
	var cmds []*domain.OutboxCommand

	statusCmd, err := domain.NewCommand(domain.CommandProjectStatus, p.ID, p.ProjectID, p.Reference+"-STATUS",
		domain.ProjectStatusPayload{Status: domain.ProjectPaymentProcessing})
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, statusCmd)

	timelineCmd, err := domain.NewCommand(domain.CommandTimelineEvent, p.ID, p.ProjectID, p.Reference+"-TL",
		domain.TimelinePayload{
			Event:       domain.EventMethodSelected,
			Description: fmt.Sprintf("Payment method selected: %s", method),
			Amount:      p.TotalAmount.Decimal(),
		})
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, timelineCmd)

	eventCmd, err := s.eventCommand(p, domain.EventMethodSelected, p.Reference)
	if err != nil {
		return nil, err
	}
	return append(cmds, eventCmd), nil
}

// receiptCommands are the side effects of a non-final receipt: a
// timeline entry and a published event.
func (s *Service) receiptCommands(p *domain.Payment, eventType, description string, amount money.Money, reference string) ([]*domain.OutboxCommand, error) {
	timelineCmd, err := domain.NewCommand(domain.CommandTimelineEvent, p.ID, p.ProjectID, reference+"-TL",
		domain.TimelinePayload{
			Event:       eventType,
			Description: description,
			Amount:      amount.Decimal(),
		})
	if err != nil {
		return nil, err
	}
	eventCmd, err := s.eventCommand(p, eventType, reference)
	if err != nil {
		return nil, err
	}
	return []*domain.OutboxCommand{timelineCmd, eventCmd}, nil
}

// installmentCommands adds the BNPL credit replenishment to the
// ordinary receipt side effects. Principal only; the late fee is
// revenue, not financing.
func (s *Service) installmentCommands(p *domain.Payment, inst *domain.Installment, principal money.Money, reference string) ([]*domain.OutboxCommand, error) {
	cmds, err := s.receiptCommands(p, domain.EventInstallmentPaid,
		fmt.Sprintf("Installment %d of %d paid", inst.Number, p.Installments), principal, reference)
	if err != nil {
		return nil, err
	}
	creditCmd, err := domain.NewCommand(domain.CommandCreditAdjust, p.ID, p.ProjectID, reference+"-CREDIT",
		domain.CreditAdjustPayload{
			UserID:    p.PayerID,
			Amount:    principal,
			Direction: finledger.DirectionAdd,
			Reason:    "installment repayment",
		})
	if err != nil {
		return nil, err
	}
	return append(cmds, creditCmd), nil
}

// completionCommands fire when the payment reaches completed: project
// status flips, the timeline gets its entry, and the event goes out.
func (s *Service) completionCommands(p *domain.Payment, eventType, description string, amount money.Money, reference string) ([]*domain.OutboxCommand, error) {
	statusCmd, err := domain.NewCommand(domain.CommandProjectStatus, p.ID, p.ProjectID, reference+"-STATUS",
		domain.ProjectStatusPayload{Status: domain.ProjectPaymentCompleted})
	if err != nil {
		return nil, err
	}
	cmds, err := s.receiptCommands(p, eventType, description, amount, reference)
	if err != nil {
		return nil, err
	}
	return append([]*domain.OutboxCommand{statusCmd}, cmds...), nil
}

func (s *Service) releaseCommands(p *domain.Payment, amount money.Money, reference string) ([]*domain.OutboxCommand, error) {
	return s.receiptCommands(p, domain.EventReleased, "Funds released to contractor", amount, reference)
}

func (s *Service) eventCommand(p *domain.Payment, eventType, reference string) (*domain.OutboxCommand, error) {
	event, err := domain.NewEvent(eventType, p.ProjectID, p.ID, p)
	if err != nil {
		return nil, err
	}
	return domain.NewCommand(domain.CommandPublishEvent, p.ID, p.ProjectID, reference+"-EVT", event)
}
