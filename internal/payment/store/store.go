// Package store persists payments, installment schedules, the
// transaction ledger, and the outbox in PostgreSQL. Every use case is
// one atomic transaction; outbox commands ride in the same transaction
// as the state change they belong to.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"solarpay/internal/common/database"
	"solarpay/internal/common/money"
	"solarpay/internal/payment/domain"
)

// Store provides payment data access.
type Store struct {
	db *database.DB
}

// New creates a payment store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const paymentColumns = `
	id, project_id, payer_id, contractor_id, method, status, currency,
	total_minor, downpayment_minor, paid_minor, remaining_minor,
	installments, emi_minor, reference,
	admin_paid_contractor, admin_amount_minor, admin_reference, admin_notes,
	payout_bank, payout_iban, payout_holder, admin_paid_at,
	completed_at, created_at, updated_at`

// CreatePayment inserts the payment and, for BNPL, its full schedule,
// plus the selection's outbox commands, in one transaction. The unique
// constraint on project_id makes selection one-shot: the loser of a
// concurrent selection observes a conflict.
func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment, schedule []*domain.Installment, cmds []*domain.OutboxCommand) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payments (
				id, project_id, payer_id, contractor_id, method, status, currency,
				total_minor, downpayment_minor, paid_minor, remaining_minor,
				installments, emi_minor, reference, admin_paid_contractor,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`,
			p.ID, p.ProjectID, p.PayerID, p.ContractorID, p.Method, p.Status, p.TotalAmount.Currency,
			p.TotalAmount.AmountMinor, p.Downpayment.AmountMinor, p.PaidAmount.AmountMinor, p.RemainingAmount.AmountMinor,
			p.Installments, p.MonthlyEMI.AmountMinor, p.Reference, p.AdminPaidContractor,
			p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return err
		}

		for _, inst := range schedule {
			_, err := tx.Exec(ctx, `
				INSERT INTO installment_schedules (
					id, payment_id, number, amount_minor, currency, due_date,
					status, paid_minor, overdue_days, late_fee_minor,
					created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, $8, $9)
			`,
				inst.ID, inst.PaymentID, inst.Number, inst.Amount.AmountMinor, inst.Amount.Currency,
				inst.DueDate, inst.Status, inst.CreatedAt, inst.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("inserting installment %d: %w", inst.Number, err)
			}
		}

		return insertCommands(ctx, tx, cmds)
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return &domain.ConflictError{Message: "payment method already selected for this project"}
		}
		return fmt.Errorf("creating payment: %w", err)
	}
	return nil
}

// GetPaymentByProject retrieves the payment owned by a project.
func (s *Store) GetPaymentByProject(ctx context.Context, projectID string) (*domain.Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+paymentColumns+` FROM payments WHERE project_id = $1`, projectID)
	p, err := scanPayment(row)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, &domain.NotFoundError{Resource: "payment for project", ID: projectID}
		}
		return nil, err
	}
	return p, nil
}

// ListInstallments lists a payment's schedule ordered by number.
func (s *Store) ListInstallments(ctx context.Context, paymentID string) ([]*domain.Installment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, payment_id, number, amount_minor, currency, due_date, status,
			   paid_minor, paid_at, reference, overdue_days, late_fee_minor,
			   created_at, updated_at
		FROM installment_schedules
		WHERE payment_id = $1
		ORDER BY number
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("listing installments: %w", err)
	}
	defer rows.Close()

	var installments []*domain.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

// GetInstallment retrieves a single installment.
func (s *Store) GetInstallment(ctx context.Context, installmentID string) (*domain.Installment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, payment_id, number, amount_minor, currency, due_date, status,
			   paid_minor, paid_at, reference, overdue_days, late_fee_minor,
			   created_at, updated_at
		FROM installment_schedules
		WHERE id = $1
	`, installmentID)
	inst, err := scanInstallment(row)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, &domain.NotFoundError{Resource: "installment", ID: installmentID}
		}
		return nil, err
	}
	return inst, nil
}

// ListTransactions lists a payment's transaction ledger, oldest first.
func (s *Store) ListTransactions(ctx context.Context, paymentID string) ([]*domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, payment_id, type, amount_minor, currency, status, reference,
			   installment_id, metadata, created_at
		FROM payment_transactions
		WHERE payment_id = $1
		ORDER BY created_at
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var amountMinor int64
		var currency string
		var installmentID *string
		var metadata []byte
		err := rows.Scan(
			&t.ID, &t.PaymentID, &t.Type, &amountMinor, &currency, &t.Status, &t.Reference,
			&installmentID, &metadata, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		t.Amount = money.New(amountMinor, money.Currency(currency))
		if installmentID != nil {
			t.InstallmentID = *installmentID
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &t.Metadata)
		}
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

// RecordDownpayment applies a downpayment in one transaction: the
// transaction row is appended and the payment moves to partially_paid.
// The WHERE guard re-checks state so a concurrent duplicate attempt
// fails instead of double-counting.
func (s *Store) RecordDownpayment(ctx context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE payments
			SET paid_minor = paid_minor + $2,
				remaining_minor = remaining_minor - $2,
				status = $3,
				updated_at = $4
			WHERE id = $1 AND status = $5 AND paid_minor = 0
		`, p.ID, p.Downpayment.AmountMinor, domain.StatusPartiallyPaid, time.Now().UTC(), domain.StatusPending)
		if err != nil {
			return fmt.Errorf("updating payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.BusinessRuleError{Code: domain.RuleAlreadyPaid, Message: "downpayment already paid"}
		}

		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return insertCommands(ctx, tx, cmds)
	})
}

// RecordFullPayment settles a single-pay payment in one transaction.
func (s *Store) RecordFullPayment(ctx context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		tag, err := tx.Exec(ctx, `
			UPDATE payments
			SET paid_minor = paid_minor + remaining_minor,
				remaining_minor = 0,
				status = $2,
				completed_at = $3,
				updated_at = $3
			WHERE id = $1 AND status <> $2
		`, p.ID, domain.StatusCompleted, now)
		if err != nil {
			return fmt.Errorf("updating payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.BusinessRuleError{Code: domain.RulePaymentCompleted, Message: "payment already completed"}
		}

		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return insertCommands(ctx, tx, cmds)
	})
}

// RecordInstallmentPayment marks an installment paid, appends the
// transaction row, and credits principal against the payment, all in
// one transaction. The unpaid count is re-read inside this transaction
// so concurrent payments of the last two installments cannot both
// observe "one left" and double-fire the completed transition.
// completionCmds are only enqueued when the payment completes here.
func (s *Store) RecordInstallmentPayment(ctx context.Context, inst *domain.Installment, principal money.Money, txn *domain.Transaction, cmds, completionCmds []*domain.OutboxCommand) (bool, error) {
	var completed bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE installment_schedules
			SET status = $2, paid_minor = $3, paid_at = $4, reference = $5,
				overdue_days = $6, late_fee_minor = $7, updated_at = $8
			WHERE id = $1 AND status = $9
		`,
			inst.ID, domain.InstallmentPaid, inst.PaidAmount.AmountMinor, inst.PaidAt, inst.Reference,
			inst.OverdueDays, inst.LateFee.AmountMinor, inst.UpdatedAt, domain.InstallmentUpcoming,
		)
		if err != nil {
			return fmt.Errorf("updating installment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.BusinessRuleError{Code: domain.RuleAlreadyPaid, Message: "installment already paid"}
		}

		// Principal only: the late fee never reduces remaining. The
		// guard keeps remaining_minor from going negative under
		// concurrent writes.
		tag, err = tx.Exec(ctx, `
			UPDATE payments
			SET paid_minor = paid_minor + $2,
				remaining_minor = remaining_minor - $2,
				status = $3,
				updated_at = $4
			WHERE id = $1 AND remaining_minor >= $2
		`, inst.PaymentID, principal.AmountMinor, domain.StatusPartiallyPaid, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("updating payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.BusinessRuleError{Code: domain.RulePaymentCompleted, Message: "payment has no remaining principal"}
		}

		var unpaid int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM installment_schedules
			WHERE payment_id = $1 AND status = $2
		`, inst.PaymentID, domain.InstallmentUpcoming).Scan(&unpaid); err != nil {
			return fmt.Errorf("counting unpaid installments: %w", err)
		}

		if unpaid == 0 {
			completed = true
			now := time.Now().UTC()
			if _, err := tx.Exec(ctx, `
				UPDATE payments SET status = $2, completed_at = $3, updated_at = $3 WHERE id = $1
			`, inst.PaymentID, domain.StatusCompleted, now); err != nil {
				return fmt.Errorf("completing payment: %w", err)
			}
		}

		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := insertCommands(ctx, tx, cmds); err != nil {
			return err
		}
		if completed {
			return insertCommands(ctx, tx, completionCmds)
		}
		return nil
	})
	return completed, err
}

// MarkReleased sets the one-way contractor release flag. The guard on
// admin_paid_contractor makes release single-fire regardless of
// concurrent attempts.
func (s *Store) MarkReleased(ctx context.Context, p *domain.Payment, txn *domain.Transaction, cmds []*domain.OutboxCommand) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var bank, iban, holder string
		if p.Payout != nil {
			bank, iban, holder = p.Payout.BankName, p.Payout.IBAN, p.Payout.AccountHolder
		}
		tag, err := tx.Exec(ctx, `
			UPDATE payments
			SET admin_paid_contractor = TRUE,
				admin_amount_minor = $2, admin_reference = $3, admin_notes = $4,
				payout_bank = $5, payout_iban = $6, payout_holder = $7,
				admin_paid_at = $8, updated_at = $8
			WHERE id = $1 AND admin_paid_contractor = FALSE
		`,
			p.ID, p.AdminPaymentAmount.AmountMinor, p.AdminPaymentRef, p.AdminPaymentNotes,
			bank, iban, holder, p.AdminPaidAt,
		)
		if err != nil {
			return fmt.Errorf("marking release: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.ConflictError{Message: "payment already released to contractor"}
		}

		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return insertCommands(ctx, tx, cmds)
	})
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *domain.Transaction) error {
	if txn == nil {
		return nil
	}
	var installmentID *string
	if txn.InstallmentID != "" {
		installmentID = &txn.InstallmentID
	}
	metadata, _ := json.Marshal(txn.Metadata)
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_transactions (
			id, payment_id, type, amount_minor, currency, status, reference,
			installment_id, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		txn.ID, txn.PaymentID, txn.Type, txn.Amount.AmountMinor, txn.Amount.Currency,
		txn.Status, txn.Reference, installmentID, metadata, txn.CreatedAt,
	)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return &domain.NotFoundError{Resource: "payment", ID: txn.PaymentID}
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func insertCommands(ctx context.Context, tx pgx.Tx, cmds []*domain.OutboxCommand) error {
	for _, cmd := range cmds {
		_, err := tx.Exec(ctx, `
			INSERT INTO payment_outbox (
				id, kind, payment_id, project_id, reference, payload,
				status, attempts, next_attempt_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			cmd.ID, cmd.Kind, cmd.PaymentID, cmd.ProjectID, cmd.Reference, cmd.Payload,
			cmd.Status, cmd.Attempts, cmd.NextAttempt, cmd.CreatedAt, cmd.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting outbox command: %w", err)
		}
	}
	return nil
}

// DueCommands returns up to limit pending outbox commands whose next
// attempt is due. Delivery is at-least-once; every remote target
// deduplicates by the command reference, so a command picked up twice
// cannot double-apply.
func (s *Store) DueCommands(ctx context.Context, limit int) ([]*domain.OutboxCommand, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, payment_id, project_id, reference, payload,
			   status, attempts, next_attempt_at, COALESCE(last_error, ''),
			   created_at, updated_at
		FROM payment_outbox
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3
	`, domain.CommandPending, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due commands: %w", err)
	}
	defer rows.Close()

	var cmds []*domain.OutboxCommand
	for rows.Next() {
		var c domain.OutboxCommand
		err := rows.Scan(
			&c.ID, &c.Kind, &c.PaymentID, &c.ProjectID, &c.Reference, &c.Payload,
			&c.Status, &c.Attempts, &c.NextAttempt, &c.LastError,
			&c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, &c)
	}
	return cmds, rows.Err()
}

// MarkCommandDone records successful delivery.
func (s *Store) MarkCommandDone(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE payment_outbox SET status = $2, updated_at = $3 WHERE id = $1
	`, id, domain.CommandDone, time.Now().UTC())
	return err
}

// RescheduleCommand records a failed attempt: exponential backoff until
// maxAttempts, after which the command is parked for manual
// reconciliation with its last error retained.
func (s *Store) RescheduleCommand(ctx context.Context, cmd *domain.OutboxCommand, errMsg string, maxAttempts int, backoff time.Duration) error {
	attempts := cmd.Attempts + 1
	status := domain.CommandPending
	if attempts >= maxAttempts {
		status = domain.CommandParked
	}
	next := time.Now().UTC().Add(backoff * time.Duration(1<<uint(cmd.Attempts)))

	_, err := s.db.Exec(ctx, `
		UPDATE payment_outbox
		SET attempts = $2, status = $3, next_attempt_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1
	`, cmd.ID, attempts, status, next, errMsg, time.Now().UTC())
	return err
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var currency string
	var totalMinor, downMinor, paidMinor, remainingMinor, emiMinor, adminMinor int64
	var adminRef, adminNotes, payoutBank, payoutIBAN, payoutHolder *string
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.PayerID, &p.ContractorID, &p.Method, &p.Status, &currency,
		&totalMinor, &downMinor, &paidMinor, &remainingMinor,
		&p.Installments, &emiMinor, &p.Reference,
		&p.AdminPaidContractor, &adminMinor, &adminRef, &adminNotes,
		&payoutBank, &payoutIBAN, &payoutHolder, &p.AdminPaidAt,
		&p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	cur := money.Currency(currency)
	p.TotalAmount = money.New(totalMinor, cur)
	p.Downpayment = money.New(downMinor, cur)
	p.PaidAmount = money.New(paidMinor, cur)
	p.RemainingAmount = money.New(remainingMinor, cur)
	p.MonthlyEMI = money.New(emiMinor, cur)
	p.AdminPaymentAmount = money.New(adminMinor, cur)
	if adminRef != nil {
		p.AdminPaymentRef = *adminRef
	}
	if adminNotes != nil {
		p.AdminPaymentNotes = *adminNotes
	}
	if payoutBank != nil || payoutIBAN != nil || payoutHolder != nil {
		p.Payout = &domain.ContractorPayout{}
		if payoutBank != nil {
			p.Payout.BankName = *payoutBank
		}
		if payoutIBAN != nil {
			p.Payout.IBAN = *payoutIBAN
		}
		if payoutHolder != nil {
			p.Payout.AccountHolder = *payoutHolder
		}
	}
	return &p, nil
}

func scanInstallment(row pgx.Row) (*domain.Installment, error) {
	var i domain.Installment
	var currency string
	var amountMinor, paidMinor, lateFeeMinor int64
	var reference *string
	err := row.Scan(
		&i.ID, &i.PaymentID, &i.Number, &amountMinor, &currency, &i.DueDate, &i.Status,
		&paidMinor, &i.PaidAt, &reference, &i.OverdueDays, &lateFeeMinor,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning installment: %w", err)
	}

	cur := money.Currency(currency)
	i.Amount = money.New(amountMinor, cur)
	i.PaidAmount = money.New(paidMinor, cur)
	i.LateFee = money.New(lateFeeMinor, cur)
	i.IsOverdue = i.OverdueDays > 0
	if reference != nil {
		i.Reference = *reference
	}
	return &i, nil
}
