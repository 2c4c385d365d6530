package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"solarpay/internal/payment/domain"
)

// Response is the standard API response envelope
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Common error codes
const (
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodePaymentFailed  = "PAYMENT_FAILED"
	ErrCodeBusinessRule   = "BUSINESS_RULE_VIOLATION"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeServiceUnavail = "SERVICE_UNAVAILABLE"
)

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// WriteErrorWithDetails writes an error response with details
func WriteErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	WriteJSON(w, status, Response[any]{
		Error: &Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// BadRequest writes a 400 response
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized writes a 401 response
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden writes a 403 response
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// NotFound writes a 404 response
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict writes a 409 response
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, ErrCodeConflict, message)
}

// InternalError writes a 500 response
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// WriteDomainError maps a domain error to its HTTP shape. Unrecognized
// errors deliberately surface as opaque 500s.
func WriteDomainError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		notFoundErr   *domain.NotFoundError
		forbiddenErr  *domain.ForbiddenError
		conflictErr   *domain.ConflictError
		ruleErr       *domain.BusinessRuleError
		paymentErr    *domain.PaymentError
	)

	switch {
	case errors.As(err, &validationErr):
		details := make(map[string]string, len(validationErr.Errors))
		for _, fe := range validationErr.Errors {
			details[fe.Field] = fe.Message
		}
		WriteErrorWithDetails(w, http.StatusBadRequest, ErrCodeValidation, "validation failed", details)
	case errors.As(err, &notFoundErr):
		NotFound(w, notFoundErr.Error())
	case errors.As(err, &forbiddenErr):
		Forbidden(w, forbiddenErr.Error())
	case errors.As(err, &conflictErr):
		Conflict(w, conflictErr.Error())
	case errors.As(err, &ruleErr):
		status := http.StatusConflict
		if ruleErr.Code == domain.RuleForbidden {
			status = http.StatusForbidden
		}
		WriteErrorWithDetails(w, status, ErrCodeBusinessRule, ruleErr.Message, map[string]string{"rule": ruleErr.Code})
	case errors.As(err, &paymentErr):
		WriteError(w, http.StatusPaymentRequired, ErrCodePaymentFailed, paymentErr.Error())
	default:
		InternalError(w, "internal server error")
	}
}

// Validate is a shared validator instance
var Validate = validator.New()

// DecodeAndValidate decodes JSON and validates the result. A body that
// fails to decode is a validation failure, not a server fault.
func DecodeAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Validationf("body", "malformed request body: %v", err)
	}
	if err := Validate.Struct(v); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			domainErr := &domain.ValidationError{}
			for _, e := range validationErrors {
				domainErr.Errors = append(domainErr.Errors, domain.FieldError{
					Field:   e.Field(),
					Message: formatValidationError(e),
				})
			}
			return domainErr
		}
		return err
	}
	return nil
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Must be at least " + e.Param()
	case "max":
		return "Must be at most " + e.Param()
	case "oneof":
		return "Must be one of: " + e.Param()
	case "gte":
		return "Must be greater than or equal to " + e.Param()
	case "lte":
		return "Must be less than or equal to " + e.Param()
	case "gt":
		return "Must be greater than " + e.Param()
	case "lt":
		return "Must be less than " + e.Param()
	default:
		return "Invalid value"
	}
}
