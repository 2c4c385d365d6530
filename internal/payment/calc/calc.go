// Package calc holds the pure payment arithmetic: installment schedule
// generation, overdue and late-fee computation, selection validation,
// and reference generation. Nothing in this package performs I/O.
package calc

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"solarpay/internal/common/money"
	"solarpay/internal/payment/domain"
)

// Reference prefixes identify the payment kind.
const (
	RefSinglePay    = "SP"
	RefBNPL         = "BNPL"
	RefDownpayment  = "DP"
	RefInstallment  = "INST"
	RefAdminRelease = "ADM"
)

// Late-fee policy: 10 basis points of the installment per overdue day,
// capped at 25% of the installment.
const (
	lateFeeDailyBP = 10
	lateFeeCapBP   = 2500
)

// ScheduleLine is one computed installment before persistence.
type ScheduleLine struct {
	Number  int
	Amount  money.Money
	DueDate time.Time
}

// BuildSchedule computes a BNPL installment schedule. The EMI is the
// floored share of principal over n; the final installment absorbs the
// rounding remainder so the lines plus the downpayment always sum to
// the total exactly. Due dates are successive monthly anchors starting
// one month after from.
func BuildSchedule(total, downpayment money.Money, n int, from time.Time) ([]ScheduleLine, error) {
	principal, err := total.Sub(downpayment)
	if err != nil {
		return nil, domain.Validationf("downpayment_amount", "currency mismatch")
	}
	if principal.IsNegative() {
		return nil, domain.Validationf("downpayment_amount", "downpayment exceeds total amount")
	}
	if n < domain.MinInstallments || n > domain.MaxInstallments {
		return nil, domain.Validationf("number_of_installments",
			"must be between %d and %d", domain.MinInstallments, domain.MaxInstallments)
	}
	// Every installment must carry at least one minor unit.
	if principal.AmountMinor < int64(n) {
		return nil, domain.Validationf("number_of_installments",
			"financed amount too small to spread over %d installments", n)
	}

	parts := principal.Split(n)
	lines := make([]ScheduleLine, n)
	for i, amount := range parts {
		lines[i] = ScheduleLine{
			Number:  i + 1,
			Amount:  amount,
			DueDate: from.UTC().AddDate(0, i+1, 0),
		}
	}
	return lines, nil
}

// MonthlyEMI returns the recurring installment amount for a schedule;
// by construction this is the amount of every installment but the last.
func MonthlyEMI(lines []ScheduleLine) money.Money {
	if len(lines) == 0 {
		return money.Money{}
	}
	return lines[0].Amount
}

// OverdueDays returns how many whole calendar days the due date has
// been exceeded, never negative.
func OverdueDays(dueDate, now time.Time) int {
	due := dateOnly(dueDate)
	today := dateOnly(now)
	days := int(today.Sub(due).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// LateFee computes the deterministic late fee for an installment paid
// overdueDays late. Zero when the installment is on time.
func LateFee(installmentAmount money.Money, overdueDays int) money.Money {
	if overdueDays <= 0 {
		return money.Zero(installmentAmount.Currency)
	}
	fee := installmentAmount.BasisPoints(int64(overdueDays) * lateFeeDailyBP)
	if cap := installmentAmount.BasisPoints(lateFeeCapBP); fee.GreaterThan(cap) {
		return cap
	}
	return fee
}

// ValidateSelection checks a proposed method/downpayment/installment
// combination and returns every violation, not just the first.
func ValidateSelection(method domain.Method, total, downpayment money.Money, installments int) error {
	var errs []domain.FieldError

	switch method {
	case domain.MethodSinglePay, domain.MethodBNPL:
	default:
		errs = append(errs, domain.FieldError{
			Field:   "payment_method",
			Message: fmt.Sprintf("must be %s or %s", domain.MethodSinglePay, domain.MethodBNPL),
		})
	}

	if !total.IsPositive() {
		errs = append(errs, domain.FieldError{Field: "total_amount", Message: "must be positive"})
	}
	if downpayment.IsNegative() {
		errs = append(errs, domain.FieldError{Field: "downpayment_amount", Message: "must not be negative"})
	}

	switch method {
	case domain.MethodSinglePay:
		if !downpayment.IsZero() {
			errs = append(errs, domain.FieldError{Field: "downpayment_amount", Message: "not applicable to single payment"})
		}
		if installments != 0 {
			errs = append(errs, domain.FieldError{Field: "number_of_installments", Message: "not applicable to single payment"})
		}
	case domain.MethodBNPL:
		if installments < domain.MinInstallments || installments > domain.MaxInstallments {
			errs = append(errs, domain.FieldError{
				Field:   "number_of_installments",
				Message: fmt.Sprintf("must be between %d and %d", domain.MinInstallments, domain.MaxInstallments),
			})
		}
		if !downpayment.LessThan(total) && total.IsPositive() {
			errs = append(errs, domain.FieldError{Field: "downpayment_amount", Message: "must be less than total amount"})
		}
	}

	if len(errs) > 0 {
		return domain.NewValidationError(errs...)
	}
	return nil
}

// NewReference generates a globally-unique, human-legible reference.
// The prefix identifies the payment kind.
func NewReference(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}
