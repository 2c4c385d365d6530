package domain

import (
	"fmt"
	"strings"
)

// Business-rule codes surfaced to callers.
const (
	RuleForbidden          = "FORBIDDEN"
	RuleIneligibleForBNPL  = "INELIGIBLE_FOR_BNPL"
	RuleInsufficientCredit = "INSUFFICIENT_CREDIT"
	RuleCreditHoldFailed   = "CREDIT_HOLD_FAILED"
	RuleWrongMethod        = "WRONG_PAYMENT_METHOD"
	RuleAlreadyPaid        = "ALREADY_PAID"
	RulePaymentCompleted   = "PAYMENT_COMPLETED"
	RuleUnreconciledFunds  = "UNRECONCILED_FUNDS"
)

// FieldError is a single validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every validation failure for a request, not
// just the first, so callers can present a complete error list.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError builds a ValidationError from field errors.
func NewValidationError(errs ...FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}

// Validationf builds a single-field ValidationError.
func Validationf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

// NotFoundError indicates a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ForbiddenError indicates the caller may not act on the resource.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }

// ConflictError indicates a one-shot operation was attempted twice.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// BusinessRuleError indicates a domain rule was violated.
type BusinessRuleError struct {
	Code    string
	Message string
}

func (e *BusinessRuleError) Error() string { return e.Message }

// PaymentError indicates the payment gateway declined or failed.
type PaymentError struct {
	Message string
}

func (e *PaymentError) Error() string { return e.Message }
