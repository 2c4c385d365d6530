package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"solarpay/internal/clients/contractors"
	"solarpay/internal/clients/finledger"
	"solarpay/internal/clients/projects"
	"solarpay/internal/common/middleware"
	"solarpay/internal/common/money"
	"solarpay/internal/payment/domain"
)

func sar(s string) money.Money { return money.MustParse(s, money.SAR) }

func sarP(s string) *money.Money {
	m := sar(s)
	return &m
}

// mockStore mirrors the persistence guards of the real store in memory.
type mockStore struct {
	payments     map[string]*domain.Payment       // by project ID
	installments map[string][]*domain.Installment // by payment ID
	txns         []*domain.Transaction
	outbox       []*domain.OutboxCommand
	createErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		payments:     make(map[string]*domain.Payment),
		installments: make(map[string][]*domain.Installment),
	}
}

func (m *mockStore) CreatePayment(_ context.Context, p *domain.Payment, schedule []*domain.Installment, cmds []*domain.OutboxCommand) error {
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.payments[p.ProjectID]; ok {
		return &domain.ConflictError{Message: "payment method already selected for this project"}
	}
	cp := *p
	m.payments[p.ProjectID] = &cp
	for _, inst := range schedule {
		ic := *inst
		m.installments[p.ID] = append(m.installments[p.ID], &ic)
	}
	m.outbox = append(m.outbox, cmds...)
	return nil
}

func (m *mockStore) GetPaymentByProject(_ context.Context, projectID string) (*domain.Payment, error) {
	p, ok := m.payments[projectID]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "payment for project", ID: projectID}
	}
	cp := *p
	return &cp, nil
}

func (m *mockStore) ListInstallments(_ context.Context, paymentID string) ([]*domain.Installment, error) {
	var out []*domain.Installment
	for _, inst := range m.installments[paymentID] {
		ic := *inst
		out = append(out, &ic)
	}
	return out, nil
}

func (m *mockStore) GetInstallment(_ context.Context, installmentID string) (*domain.Installment, error) {
	for _, schedule := range m.installments {
		for _, inst := range schedule {
			if inst.ID == installmentID {
				ic := *inst
				return &ic, nil
			}
		}
	}
	return nil, &domain.NotFoundError{Resource: "installment", ID: installmentID}
}

func (m *mockStore) ListTransactions(_ context.Context, paymentID string) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, txn := range m.txns {
		if txn.PaymentID == paymentID {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (m *mockStore) stored(projectID string) *domain.Payment { return m.payments[projectID] }

func (m *mockStore) RecordDownpayment(_ context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error {
	stored := m.payments[p.ProjectID]
	if stored.Status != domain.StatusPending {
		return &domain.BusinessRuleError{Code: domain.RuleAlreadyPaid, Message: "downpayment already paid"}
	}
	cp := *p
	m.payments[p.ProjectID] = &cp
	m.txns = append(m.txns, txn)
	m.outbox = append(m.outbox, cmds...)
	return nil
}

func (m *mockStore) RecordFullPayment(_ context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error {
	stored := m.payments[p.ProjectID]
	if stored.Status == domain.StatusCompleted {
		return &domain.BusinessRuleError{Code: domain.RulePaymentCompleted, Message: "payment already completed"}
	}
	cp := *p
	m.payments[p.ProjectID] = &cp
	m.txns = append(m.txns, txn)
	m.outbox = append(m.outbox, cmds...)
	return nil
}

func (m *mockStore) RecordInstallmentPayment(_ context.Context, inst *domain.Installment, principal money.Money, txn *domain.Transaction, cmds, completionCmds []*domain.OutboxCommand) (bool, error) {
	var stored *domain.Installment
	for _, candidate := range m.installments[inst.PaymentID] {
		if candidate.ID == inst.ID {
			stored = candidate
			break
		}
	}
	if stored == nil {
		return false, &domain.NotFoundError{Resource: "installment", ID: inst.ID}
	}
	if stored.Status == domain.InstallmentPaid {
		return false, &domain.BusinessRuleError{Code: domain.RuleAlreadyPaid, Message: "installment already paid"}
	}
	*stored = *inst

	var payment *domain.Payment
	for _, p := range m.payments {
		if p.ID == inst.PaymentID {
			payment = p
			break
		}
	}
	payment.ApplyReceipt(principal)
	payment.MarkPartiallyPaid()

	unpaid := 0
	for _, candidate := range m.installments[inst.PaymentID] {
		if candidate.Status == domain.InstallmentUpcoming {
			unpaid++
		}
	}
	completed := unpaid == 0
	if completed {
		payment.MarkCompleted()
	}

	m.txns = append(m.txns, txn)
	m.outbox = append(m.outbox, cmds...)
	if completed {
		m.outbox = append(m.outbox, completionCmds...)
	}
	return completed, nil
}

func (m *mockStore) MarkReleased(_ context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error {
	stored := m.payments[p.ProjectID]
	if stored.AdminPaidContractor {
		return &domain.ConflictError{Message: "payment already released to contractor"}
	}
	cp := *p
	m.payments[p.ProjectID] = &cp
	m.txns = append(m.txns, txn)
	m.outbox = append(m.outbox, cmds...)
	return nil
}

func (m *mockStore) commandsOfKind(kind domain.CommandKind) []*domain.OutboxCommand {
	var out []*domain.OutboxCommand
	for _, cmd := range m.outbox {
		if cmd.Kind == kind {
			out = append(out, cmd)
		}
	}
	return out
}

type mockProjects struct {
	project *projects.ProjectInfo
	err     error
}

func (m *mockProjects) FetchProjectInfo(_ context.Context, projectID string) (*projects.ProjectInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	cp := *m.project
	return &cp, nil
}

type mockLedger struct {
	profile   *finledger.Profile
	fetchErr  error
	adjustErr error
	adjusts   []*finledger.AdjustRequest
}

func (m *mockLedger) FetchProfile(_ context.Context, userID string) (*finledger.Profile, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.profile, nil
}

func (m *mockLedger) AdjustCredit(_ context.Context, adj *finledger.AdjustRequest) error {
	if m.adjustErr != nil {
		return m.adjustErr
	}
	m.adjusts = append(m.adjusts, adj)
	return nil
}

type mockContractors struct {
	contractor *contractors.Contractor
	creditErr  error
	credits    []*contractors.CreditRequest
}

func (m *mockContractors) GetContractor(_ context.Context, contractorID string) (*contractors.Contractor, error) {
	if m.contractor == nil {
		return nil, &domain.NotFoundError{Resource: "contractor", ID: contractorID}
	}
	return m.contractor, nil
}

func (m *mockContractors) Credit(_ context.Context, contractorID string, credit *contractors.CreditRequest) error {
	if m.creditErr != nil {
		return m.creditErr
	}
	m.credits = append(m.credits, credit)
	return nil
}

type mockGateway struct {
	err     error
	charges int
}

func (m *mockGateway) Charge(_ context.Context, amount money.Money, kind, payerID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.charges++
	return "GW-TEST", nil
}

type fixture struct {
	svc         *Service
	store       *mockStore
	projects    *mockProjects
	ledger      *mockLedger
	contractors *mockContractors
	gateway     *mockGateway
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newMockStore(),
		projects: &mockProjects{project: &projects.ProjectInfo{
			ID:           "proj-1",
			OwnerID:      "user-1",
			ContractorID: "contractor-1",
			Status:       "active",
		}},
		ledger: &mockLedger{profile: &finledger.Profile{
			UserID:        "user-1",
			CreditBalance: sar("50000.00"),
			FlagStatus:    finledger.FlagClear,
		}},
		contractors: &mockContractors{contractor: &contractors.Contractor{
			ID:            "contractor-1",
			Name:          "Sun Installers Co",
			BankName:      "Al Rajhi",
			IBAN:          "SA0380000000608010167519",
			AccountHolder: "Sun Installers Co",
		}},
		gateway: &mockGateway{},
		now:     time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.store, f.projects, f.ledger, f.contractors, f.gateway, logger)
	f.svc.now = func() time.Time { return f.now }
	return f
}

var (
	owner    = Actor{ID: "user-1", Role: middleware.RoleUser}
	stranger = Actor{ID: "user-9", Role: middleware.RoleUser}
	admin    = Actor{ID: "admin-1", Role: middleware.RoleAdmin}
)

func (f *fixture) selectBNPL(t *testing.T) *MethodSelection {
	t.Helper()
	total := sar("12000.00")
	result, err := f.svc.SelectMethod(context.Background(), owner, "proj-1", Selection{
		Method:       domain.MethodBNPL,
		TotalAmount:  &total,
		Downpayment:  sar("2000.00"),
		Installments: 5,
	})
	if err != nil {
		t.Fatalf("SelectMethod: %v", err)
	}
	return result
}

func (f *fixture) selectSinglePay(t *testing.T) *MethodSelection {
	t.Helper()
	total := sar("5000.00")
	result, err := f.svc.SelectMethod(context.Background(), owner, "proj-1", Selection{
		Method:      domain.MethodSinglePay,
		TotalAmount: &total,
	})
	if err != nil {
		t.Fatalf("SelectMethod: %v", err)
	}
	return result
}

func TestSelectMethodSinglePay(t *testing.T) {
	f := newFixture(t)
	result := f.selectSinglePay(t)

	p := result.Payment
	if p.Method != domain.MethodSinglePay || p.Status != domain.StatusPending {
		t.Errorf("payment = %s/%s, want single_pay/pending", p.Method, p.Status)
	}
	if !p.RemainingAmount.Equal(sar("5000.00")) || !p.PaidAmount.IsZero() {
		t.Errorf("paid=%s remaining=%s", p.PaidAmount.Decimal(), p.RemainingAmount.Decimal())
	}
	if len(result.Schedule) != 0 {
		t.Errorf("single pay produced a schedule of %d", len(result.Schedule))
	}

	statusCmds := f.store.commandsOfKind(domain.CommandProjectStatus)
	if len(statusCmds) != 1 {
		t.Fatalf("got %d project status commands, want 1", len(statusCmds))
	}
	var payload domain.ProjectStatusPayload
	if err := statusCmds[0].DecodePayload(&payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Status != domain.ProjectPaymentProcessing {
		t.Errorf("project status = %s, want %s", payload.Status, domain.ProjectPaymentProcessing)
	}
	if len(f.store.commandsOfKind(domain.CommandTimelineEvent)) != 1 {
		t.Error("expected a timeline command")
	}
	if len(f.store.commandsOfKind(domain.CommandPublishEvent)) != 1 {
		t.Error("expected an event command")
	}
}

func TestSelectMethodBNPL(t *testing.T) {
	f := newFixture(t)
	result := f.selectBNPL(t)

	p := result.Payment
	if p.Installments != 5 || !p.MonthlyEMI.Equal(sar("2000.00")) {
		t.Errorf("installments=%d emi=%s", p.Installments, p.MonthlyEMI.Decimal())
	}
	if len(result.Schedule) != 5 {
		t.Fatalf("schedule has %d installments, want 5", len(result.Schedule))
	}

	// the hold covers the financed amount, not the total
	if len(f.ledger.adjusts) != 1 {
		t.Fatalf("got %d credit adjustments, want 1", len(f.ledger.adjusts))
	}
	hold := f.ledger.adjusts[0]
	if hold.Direction != finledger.DirectionDeduct || !hold.Amount.Equal(sar("10000.00")) {
		t.Errorf("hold = %s %s, want deduct 10000.00", hold.Direction, hold.Amount.Decimal())
	}
}

func TestSelectMethodAccessAndEligibility(t *testing.T) {
	t.Run("stranger is rejected", func(t *testing.T) {
		f := newFixture(t)
		total := sar("5000.00")
		_, err := f.svc.SelectMethod(context.Background(), stranger, "proj-1", Selection{
			Method: domain.MethodSinglePay, TotalAmount: &total,
		})
		var ferr *domain.ForbiddenError
		if !errors.As(err, &ferr) {
			t.Errorf("expected ForbiddenError, got %v", err)
		}
	})

	t.Run("insufficient credit leaves nothing behind", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.profile.CreditBalance = sar("500.00")
		total := sar("12000.00")
		_, err := f.svc.SelectMethod(context.Background(), owner, "proj-1", Selection{
			Method: domain.MethodBNPL, TotalAmount: &total, Downpayment: sar("2000.00"), Installments: 5,
		})
		var rerr *domain.BusinessRuleError
		if !errors.As(err, &rerr) || rerr.Code != domain.RuleInsufficientCredit {
			t.Fatalf("expected INSUFFICIENT_CREDIT, got %v", err)
		}
		if len(f.store.payments) != 0 {
			t.Error("payment was created despite failed eligibility")
		}
		if len(f.ledger.adjusts) != 0 {
			t.Error("credit was adjusted despite failed eligibility")
		}
	})

	t.Run("flagged account is ineligible", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.profile.FlagStatus = finledger.FlagDefaulted
		total := sar("12000.00")
		_, err := f.svc.SelectMethod(context.Background(), owner, "proj-1", Selection{
			Method: domain.MethodBNPL, TotalAmount: &total, Downpayment: sar("2000.00"), Installments: 5,
		})
		var rerr *domain.BusinessRuleError
		if !errors.As(err, &rerr) || rerr.Code != domain.RuleIneligibleForBNPL {
			t.Errorf("expected INELIGIBLE_FOR_BNPL, got %v", err)
		}
	})

	t.Run("failed hold aborts selection", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.adjustErr = errors.New("ledger unavailable")
		total := sar("12000.00")
		_, err := f.svc.SelectMethod(context.Background(), owner, "proj-1", Selection{
			Method: domain.MethodBNPL, TotalAmount: &total, Downpayment: sar("2000.00"), Installments: 5,
		})
		var rerr *domain.BusinessRuleError
		if !errors.As(err, &rerr) || rerr.Code != domain.RuleCreditHoldFailed {
			t.Fatalf("expected CREDIT_HOLD_FAILED, got %v", err)
		}
		if len(f.store.payments) != 0 {
			t.Error("payment was created despite failed hold")
		}
	})
}

func TestSelectMethodIsOneShot(t *testing.T) {
	f := newFixture(t)
	f.selectSinglePay(t)

	total := sar("5000.00")
	_, err := f.svc.SelectMethod(context.Background(), owner, "proj-1", Selection{
		Method: domain.MethodSinglePay, TotalAmount: &total,
	})
	var cerr *domain.ConflictError
	if !errors.As(err, &cerr) {
		t.Errorf("expected ConflictError, got %v", err)
	}
	if len(f.store.payments) != 1 {
		t.Errorf("store holds %d payments, want 1", len(f.store.payments))
	}
}

func TestSelectMethodDuplicateLeavesLedgerAlone(t *testing.T) {
	f := newFixture(t)
	f.selectBNPL(t)

	total := sar("12000.00")
	_, err := f.svc.SelectMethod(context.Background(), owner, "proj-1", Selection{
		Method: domain.MethodBNPL, TotalAmount: &total, Downpayment: sar("2000.00"), Installments: 5,
	})
	var cerr *domain.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// the duplicate is rejected before any ledger money moves
	if len(f.ledger.adjusts) != 1 {
		t.Fatalf("got %d credit adjustments, want only the first hold", len(f.ledger.adjusts))
	}
}

func TestSelectMethodRaceReversesHold(t *testing.T) {
	// A concurrent selection that slips past the duplicate check loses
	// at the unique constraint; the hold it placed must be unwound.
	f := newFixture(t)
	f.store.createErr = &domain.ConflictError{Message: "payment method already selected for this project"}

	total := sar("12000.00")
	_, err := f.svc.SelectMethod(context.Background(), owner, "proj-1", Selection{
		Method: domain.MethodBNPL, TotalAmount: &total, Downpayment: sar("2000.00"), Installments: 5,
	})
	var cerr *domain.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	if len(f.ledger.adjusts) != 2 {
		t.Fatalf("got %d credit adjustments, want hold and reversal", len(f.ledger.adjusts))
	}
	reversal := f.ledger.adjusts[1]
	if reversal.Direction != finledger.DirectionAdd || !reversal.Amount.Equal(sar("10000.00")) {
		t.Errorf("reversal = %s %s, want add 10000.00", reversal.Direction, reversal.Amount.Decimal())
	}
	if reversal.Reference != f.ledger.adjusts[0].Reference+"-REV" {
		t.Errorf("reversal reference = %s, want hold reference with -REV suffix", reversal.Reference)
	}
}

func TestPayDownpayment(t *testing.T) {
	t.Run("exact amount moves payment to partially paid", func(t *testing.T) {
		f := newFixture(t)
		f.selectBNPL(t)

		p, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("2000.00"))
		if err != nil {
			t.Fatalf("PayDownpayment: %v", err)
		}
		if p.Status != domain.StatusPartiallyPaid {
			t.Errorf("status = %s, want partially_paid", p.Status)
		}
		if !p.PaidAmount.Equal(sar("2000.00")) || !p.RemainingAmount.Equal(sar("10000.00")) {
			t.Errorf("paid=%s remaining=%s", p.PaidAmount.Decimal(), p.RemainingAmount.Decimal())
		}
		if len(f.store.txns) != 1 || f.store.txns[0].Type != domain.TxnDownpayment {
			t.Errorf("expected one downpayment transaction, got %v", f.store.txns)
		}
	})

	t.Run("amount must match exactly", func(t *testing.T) {
		f := newFixture(t)
		f.selectBNPL(t)

		_, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("1999.99"))
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
		if f.gateway.charges != 0 {
			t.Error("gateway was charged for a rejected amount")
		}
	})

	t.Run("rejected for single pay", func(t *testing.T) {
		f := newFixture(t)
		f.selectSinglePay(t)

		_, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("1000.00"))
		var rerr *domain.BusinessRuleError
		if !errors.As(err, &rerr) || rerr.Code != domain.RuleWrongMethod {
			t.Errorf("expected WRONG_PAYMENT_METHOD, got %v", err)
		}
	})

	t.Run("cannot pay twice", func(t *testing.T) {
		f := newFixture(t)
		f.selectBNPL(t)

		if _, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("2000.00")); err != nil {
			t.Fatalf("first downpayment: %v", err)
		}
		_, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("2000.00"))
		var rerr *domain.BusinessRuleError
		if !errors.As(err, &rerr) || rerr.Code != domain.RuleAlreadyPaid {
			t.Errorf("expected ALREADY_PAID, got %v", err)
		}
		if len(f.store.txns) != 1 {
			t.Errorf("got %d transactions, want 1", len(f.store.txns))
		}
	})
}

func TestPayFull(t *testing.T) {
	t.Run("settles the payment", func(t *testing.T) {
		f := newFixture(t)
		f.selectSinglePay(t)

		p, err := f.svc.PayFull(context.Background(), owner, "proj-1", sarP("5000.00"))
		if err != nil {
			t.Fatalf("PayFull: %v", err)
		}
		if p.Status != domain.StatusCompleted || p.CompletedAt == nil {
			t.Errorf("status = %s, completed_at = %v", p.Status, p.CompletedAt)
		}
		if !p.RemainingAmount.IsZero() || !p.PaidAmount.Equal(sar("5000.00")) {
			t.Errorf("paid=%s remaining=%s", p.PaidAmount.Decimal(), p.RemainingAmount.Decimal())
		}

		statusCmds := f.store.commandsOfKind(domain.CommandProjectStatus)
		var last domain.ProjectStatusPayload
		if err := statusCmds[len(statusCmds)-1].DecodePayload(&last); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if last.Status != domain.ProjectPaymentCompleted {
			t.Errorf("project status = %s, want %s", last.Status, domain.ProjectPaymentCompleted)
		}
	})

	t.Run("overpayment keeps the books balanced", func(t *testing.T) {
		f := newFixture(t)
		f.selectSinglePay(t)

		p, err := f.svc.PayFull(context.Background(), owner, "proj-1", sarP("5100.00"))
		if err != nil {
			t.Fatalf("PayFull: %v", err)
		}
		if !p.PaidAmount.MustAdd(p.RemainingAmount).Equal(p.TotalAmount) {
			t.Errorf("paid %s + remaining %s != total %s",
				p.PaidAmount.Decimal(), p.RemainingAmount.Decimal(), p.TotalAmount.Decimal())
		}
		// the tendered amount is preserved on the record
		if !f.store.txns[0].Amount.Equal(sar("5100.00")) {
			t.Errorf("transaction amount = %s, want 5100.00", f.store.txns[0].Amount.Decimal())
		}
	})

	t.Run("underpayment is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.selectSinglePay(t)

		_, err := f.svc.PayFull(context.Background(), owner, "proj-1", sarP("4999.99"))
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("completed payment accepts no further charges", func(t *testing.T) {
		f := newFixture(t)
		f.selectSinglePay(t)

		if _, err := f.svc.PayFull(context.Background(), owner, "proj-1", sarP("5000.00")); err != nil {
			t.Fatalf("first payment: %v", err)
		}
		_, err := f.svc.PayFull(context.Background(), owner, "proj-1", sarP("5000.00"))
		var rerr *domain.BusinessRuleError
		if !errors.As(err, &rerr) || rerr.Code != domain.RulePaymentCompleted {
			t.Errorf("expected PAYMENT_COMPLETED, got %v", err)
		}
		if len(f.store.txns) != 1 {
			t.Errorf("got %d transactions, want 1", len(f.store.txns))
		}
	})

	t.Run("gateway decline leaves no trace", func(t *testing.T) {
		f := newFixture(t)
		f.selectSinglePay(t)
		f.gateway.err = errors.New("card declined")

		_, err := f.svc.PayFull(context.Background(), owner, "proj-1", sarP("5000.00"))
		var perr *domain.PaymentError
		if !errors.As(err, &perr) {
			t.Fatalf("expected PaymentError, got %v", err)
		}
		if len(f.store.txns) != 0 {
			t.Error("a failed charge was persisted")
		}
		if f.store.stored("proj-1").Status != domain.StatusPending {
			t.Error("payment state changed on a failed charge")
		}
	})
}

func TestPayInstallment(t *testing.T) {
	t.Run("on-time payment credits principal and replenishes financing", func(t *testing.T) {
		f := newFixture(t)
		sel := f.selectBNPL(t)
		if _, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("2000.00")); err != nil {
			t.Fatalf("downpayment: %v", err)
		}

		first := sel.Schedule[0]
		inst, err := f.svc.PayInstallment(context.Background(), owner, "proj-1", first.ID, sar("2000.00"))
		if err != nil {
			t.Fatalf("PayInstallment: %v", err)
		}
		if inst.Status != domain.InstallmentPaid || inst.OverdueDays != 0 || !inst.LateFee.IsZero() {
			t.Errorf("installment = %s overdue=%d fee=%s", inst.Status, inst.OverdueDays, inst.LateFee.Decimal())
		}

		p := f.store.stored("proj-1")
		if !p.PaidAmount.Equal(sar("4000.00")) || !p.RemainingAmount.Equal(sar("8000.00")) {
			t.Errorf("paid=%s remaining=%s", p.PaidAmount.Decimal(), p.RemainingAmount.Decimal())
		}

		credits := f.store.commandsOfKind(domain.CommandCreditAdjust)
		if len(credits) != 1 {
			t.Fatalf("got %d credit replenish commands, want 1", len(credits))
		}
		var payload domain.CreditAdjustPayload
		if err := credits[0].DecodePayload(&payload); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if payload.Direction != finledger.DirectionAdd || !payload.Amount.Equal(sar("2000.00")) {
			t.Errorf("replenish = %s %s, want add 2000.00", payload.Direction, payload.Amount.Decimal())
		}
	})

	t.Run("overdue installment requires the late fee", func(t *testing.T) {
		f := newFixture(t)
		sel := f.selectBNPL(t)
		if _, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("2000.00")); err != nil {
			t.Fatalf("downpayment: %v", err)
		}

		first := sel.Schedule[0]
		f.now = first.DueDate.AddDate(0, 0, 10)

		_, err := f.svc.PayInstallment(context.Background(), owner, "proj-1", first.ID, sar("2000.00"))
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for missing fee, got %v", err)
		}

		// 10 days at 10 bp/day on 2000.00 is 20.00
		inst, err := f.svc.PayInstallment(context.Background(), owner, "proj-1", first.ID, sar("2020.00"))
		if err != nil {
			t.Fatalf("PayInstallment with fee: %v", err)
		}
		if inst.OverdueDays != 10 || !inst.LateFee.Equal(sar("20.00")) {
			t.Errorf("overdue=%d fee=%s, want 10/20.00", inst.OverdueDays, inst.LateFee.Decimal())
		}

		// only principal moved the aggregate
		p := f.store.stored("proj-1")
		if !p.PaidAmount.MustAdd(p.RemainingAmount).Equal(p.TotalAmount) {
			t.Error("late fee leaked into the principal aggregate")
		}
	})

	t.Run("final installment completes the payment", func(t *testing.T) {
		f := newFixture(t)
		sel := f.selectBNPL(t)
		if _, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("2000.00")); err != nil {
			t.Fatalf("downpayment: %v", err)
		}

		for _, inst := range sel.Schedule {
			if _, err := f.svc.PayInstallment(context.Background(), owner, "proj-1", inst.ID, inst.Amount); err != nil {
				t.Fatalf("installment %d: %v", inst.Number, err)
			}
		}

		p := f.store.stored("proj-1")
		if p.Status != domain.StatusCompleted {
			t.Errorf("status = %s, want completed", p.Status)
		}
		if !p.RemainingAmount.IsZero() {
			t.Errorf("remaining = %s, want 0.00", p.RemainingAmount.Decimal())
		}

		statusCmds := f.store.commandsOfKind(domain.CommandProjectStatus)
		var last domain.ProjectStatusPayload
		if err := statusCmds[len(statusCmds)-1].DecodePayload(&last); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if last.Status != domain.ProjectPaymentCompleted {
			t.Errorf("project status = %s, want %s", last.Status, domain.ProjectPaymentCompleted)
		}
	})

	t.Run("paid installment is terminal", func(t *testing.T) {
		f := newFixture(t)
		sel := f.selectBNPL(t)
		if _, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("2000.00")); err != nil {
			t.Fatalf("downpayment: %v", err)
		}

		first := sel.Schedule[0]
		if _, err := f.svc.PayInstallment(context.Background(), owner, "proj-1", first.ID, sar("2000.00")); err != nil {
			t.Fatalf("first payment: %v", err)
		}
		_, err := f.svc.PayInstallment(context.Background(), owner, "proj-1", first.ID, sar("2000.00"))
		var rerr *domain.BusinessRuleError
		if !errors.As(err, &rerr) || rerr.Code != domain.RuleAlreadyPaid {
			t.Errorf("expected ALREADY_PAID, got %v", err)
		}
	})
}

func TestRelease(t *testing.T) {
	settle := func(t *testing.T, f *fixture) {
		t.Helper()
		f.selectSinglePay(t)
		if _, err := f.svc.PayFull(context.Background(), owner, "proj-1", sarP("5000.00")); err != nil {
			t.Fatalf("PayFull: %v", err)
		}
	}

	t.Run("credits the contractor once", func(t *testing.T) {
		f := newFixture(t)
		settle(t, f)

		p, err := f.svc.Release(context.Background(), admin, "proj-1", nil, "milestone complete", nil)
		if err != nil {
			t.Fatalf("Release: %v", err)
		}
		if !p.AdminPaidContractor || p.AdminPaidAt == nil {
			t.Error("release flag not set")
		}
		if !p.AdminPaymentAmount.Equal(sar("5000.00")) {
			t.Errorf("released %s, want 5000.00", p.AdminPaymentAmount.Decimal())
		}
		if p.Payout == nil || p.Payout.IBAN == "" {
			t.Error("payout destination not captured")
		}
		if len(f.contractors.credits) != 1 {
			t.Fatalf("contractor credited %d times, want 1", len(f.contractors.credits))
		}
		if !f.contractors.credits[0].Amount.Equal(sar("5000.00")) {
			t.Errorf("credited %s, want 5000.00", f.contractors.credits[0].Amount.Decimal())
		}
	})

	t.Run("only admins", func(t *testing.T) {
		f := newFixture(t)
		settle(t, f)

		_, err := f.svc.Release(context.Background(), owner, "proj-1", nil, "", nil)
		var ferr *domain.ForbiddenError
		if !errors.As(err, &ferr) {
			t.Errorf("expected ForbiddenError, got %v", err)
		}
	})

	t.Run("amount must be positive", func(t *testing.T) {
		f := newFixture(t)
		settle(t, f)

		_, err := f.svc.Release(context.Background(), admin, "proj-1", sarP("0.00"), "", nil)
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
		_, err = f.svc.Release(context.Background(), admin, "proj-1", sarP("-100.00"), "", nil)
		if !errors.As(err, &verr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
		if len(f.contractors.credits) != 0 {
			t.Error("contractor was credited for a rejected amount")
		}
	})

	t.Run("release flag is orthogonal to payment status", func(t *testing.T) {
		f := newFixture(t)
		f.selectSinglePay(t)

		// partial release before the payer has settled is an admin call
		p, err := f.svc.Release(context.Background(), admin, "proj-1", sarP("1000.00"), "advance", nil)
		if err != nil {
			t.Fatalf("Release on pending payment: %v", err)
		}
		if p.Status != domain.StatusPending || !p.AdminPaidContractor {
			t.Errorf("status=%s released=%v, want pending/true", p.Status, p.AdminPaidContractor)
		}
	})

	t.Run("payout overrides win over the directory record", func(t *testing.T) {
		f := newFixture(t)
		settle(t, f)

		p, err := f.svc.Release(context.Background(), admin, "proj-1", nil, "", &domain.ContractorPayout{
			IBAN: "SA9999999999999999999999",
		})
		if err != nil {
			t.Fatalf("Release: %v", err)
		}
		if p.Payout.IBAN != "SA9999999999999999999999" {
			t.Errorf("IBAN = %s, want the override", p.Payout.IBAN)
		}
		if p.Payout.BankName != "Al Rajhi" {
			t.Errorf("bank = %s, want the directory record", p.Payout.BankName)
		}
	})

	t.Run("single fire", func(t *testing.T) {
		f := newFixture(t)
		settle(t, f)

		if _, err := f.svc.Release(context.Background(), admin, "proj-1", nil, "", nil); err != nil {
			t.Fatalf("first release: %v", err)
		}
		_, err := f.svc.Release(context.Background(), admin, "proj-1", nil, "", nil)
		var cerr *domain.ConflictError
		if !errors.As(err, &cerr) {
			t.Errorf("expected ConflictError, got %v", err)
		}
		if len(f.contractors.credits) != 1 {
			t.Errorf("contractor credited %d times, want 1", len(f.contractors.credits))
		}
	})

	t.Run("failed credit surfaces unreconciled funds", func(t *testing.T) {
		f := newFixture(t)
		settle(t, f)
		f.contractors.creditErr = errors.New("directory unavailable")

		_, err := f.svc.Release(context.Background(), admin, "proj-1", nil, "", nil)
		var rerr *domain.BusinessRuleError
		if !errors.As(err, &rerr) || rerr.Code != domain.RuleUnreconciledFunds {
			t.Fatalf("expected UNRECONCILED_FUNDS, got %v", err)
		}
		// the local record stands: the money was collected, only the
		// remote credit is outstanding
		if !f.store.stored("proj-1").AdminPaidContractor {
			t.Error("release record was lost")
		}
	})
}

func TestReadAccess(t *testing.T) {
	f := newFixture(t)
	sel := f.selectBNPL(t)
	if _, err := f.svc.PayDownpayment(context.Background(), owner, "proj-1", sar("2000.00")); err != nil {
		t.Fatalf("downpayment: %v", err)
	}

	t.Run("payer sees details with summary", func(t *testing.T) {
		details, err := f.svc.Details(context.Background(), owner, "proj-1")
		if err != nil {
			t.Fatalf("Details: %v", err)
		}
		if details.Summary.TotalInstallments != 5 || details.Summary.PaidInstallments != 0 {
			t.Errorf("summary = %+v", details.Summary)
		}
		if details.Summary.NextDueDate == nil || !details.Summary.NextDueDate.Equal(sel.Schedule[0].DueDate) {
			t.Errorf("next due = %v, want %s", details.Summary.NextDueDate, sel.Schedule[0].DueDate)
		}
	})

	t.Run("contractor may read", func(t *testing.T) {
		contractorActor := Actor{ID: "contractor-1", Role: middleware.RoleContractor}
		if _, err := f.svc.Details(context.Background(), contractorActor, "proj-1"); err != nil {
			t.Errorf("Details as contractor: %v", err)
		}
	})

	t.Run("stranger may not", func(t *testing.T) {
		_, err := f.svc.Details(context.Background(), stranger, "proj-1")
		var ferr *domain.ForbiddenError
		if !errors.As(err, &ferr) {
			t.Errorf("expected ForbiddenError, got %v", err)
		}
	})

	t.Run("unpaid installments report overdue standing", func(t *testing.T) {
		f.now = sel.Schedule[0].DueDate.AddDate(0, 0, 3)
		schedule, err := f.svc.Installments(context.Background(), owner, "proj-1")
		if err != nil {
			t.Fatalf("Installments: %v", err)
		}
		first := schedule[0]
		if !first.IsOverdue || first.OverdueDays != 3 {
			t.Errorf("overdue = %v/%d, want true/3", first.IsOverdue, first.OverdueDays)
		}
		if !first.LateFee.Equal(sar("6.00")) {
			t.Errorf("projected fee = %s, want 6.00", first.LateFee.Decimal())
		}
		if schedule[1].IsOverdue {
			t.Error("second installment should not be overdue yet")
		}
	})

	t.Run("transactions are visible to the payer", func(t *testing.T) {
		txns, err := f.svc.Transactions(context.Background(), owner, "proj-1")
		if err != nil {
			t.Fatalf("Transactions: %v", err)
		}
		if len(txns) != 1 || txns[0].Type != domain.TxnDownpayment {
			t.Errorf("txns = %v", txns)
		}
	})
}
