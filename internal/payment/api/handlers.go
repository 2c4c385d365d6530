package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"solarpay/internal/common/api"
	"solarpay/internal/common/middleware"
	"solarpay/internal/common/money"
	"solarpay/internal/payment"
	"solarpay/internal/payment/domain"
)

// Handler handles payment HTTP requests
type Handler struct {
	service *payment.Service
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payment routes, mounted under a project.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/select-method", h.SelectMethod)
	r.Post("/pay-downpayment", h.PayDownpayment)
	r.Post("/pay-full", h.PayFull)
	r.Post("/installments/{installmentID}/pay", h.PayInstallment)

	r.Get("/", h.Details)
	r.Get("/installments", h.Installments)
	r.Get("/transactions", h.Transactions)

	r.Post("/release", h.Release)

	return r
}

func actor(r *http.Request) payment.Actor {
	return payment.Actor{
		ID:   middleware.GetUserID(r.Context()),
		Role: middleware.GetUserRole(r.Context()),
	}
}

// SelectMethodRequest is the API request for selecting a payment method
type SelectMethodRequest struct {
	Method       string `json:"payment_method" validate:"required,oneof=single_pay bnpl"`
	TotalAmount  string `json:"total_amount"`
	Downpayment  string `json:"downpayment_amount"`
	Installments int    `json:"number_of_installments" validate:"gte=0"`
	Currency     string `json:"currency" validate:"omitempty,len=3"`
}

// SelectMethod handles POST /select-method
func (h *Handler) SelectMethod(w http.ResponseWriter, r *http.Request) {
	var req SelectMethodRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDomainError(w, err)
		return
	}

	currency := money.SAR
	if req.Currency != "" {
		currency = money.Currency(req.Currency)
	}

	sel := payment.Selection{
		Method:       domain.Method(req.Method),
		Downpayment:  money.Zero(currency),
		Installments: req.Installments,
	}
	if req.TotalAmount != "" {
		total, err := money.Parse(req.TotalAmount, currency)
		if err != nil {
			api.WriteDomainError(w, domain.Validationf("total_amount", "%s", err.Error()))
			return
		}
		sel.TotalAmount = &total
	}
	if req.Downpayment != "" {
		down, err := money.Parse(req.Downpayment, currency)
		if err != nil {
			api.WriteDomainError(w, domain.Validationf("downpayment_amount", "%s", err.Error()))
			return
		}
		sel.Downpayment = down
	}

	result, err := h.service.SelectMethod(r.Context(), actor(r), chi.URLParam(r, "projectID"), sel)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, result)
}

// PayRequest is the API request for any money-tendering endpoint
type PayRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func (h *Handler) parsePayAmount(w http.ResponseWriter, r *http.Request) (money.Money, bool) {
	var req PayRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDomainError(w, err)
		return money.Money{}, false
	}
	amount, err := money.Parse(req.Amount, money.SAR)
	if err != nil {
		api.WriteDomainError(w, domain.Validationf("amount", "%s", err.Error()))
		return money.Money{}, false
	}
	return amount, true
}

// PayDownpayment handles POST /pay-downpayment
func (h *Handler) PayDownpayment(w http.ResponseWriter, r *http.Request) {
	amount, ok := h.parsePayAmount(w, r)
	if !ok {
		return
	}
	p, err := h.service.PayDownpayment(r.Context(), actor(r), chi.URLParam(r, "projectID"), amount)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// PayFullRequest is the API request for settling a single-pay payment.
// The amount is optional; omitting it tenders exactly what is due.
type PayFullRequest struct {
	Amount string `json:"amount"`
}

// PayFull handles POST /pay-full
func (h *Handler) PayFull(w http.ResponseWriter, r *http.Request) {
	var req PayFullRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDomainError(w, err)
		return
	}

	var amount *money.Money
	if req.Amount != "" {
		parsed, err := money.Parse(req.Amount, money.SAR)
		if err != nil {
			api.WriteDomainError(w, domain.Validationf("amount", "%s", err.Error()))
			return
		}
		amount = &parsed
	}

	p, err := h.service.PayFull(r.Context(), actor(r), chi.URLParam(r, "projectID"), amount)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// PayInstallment handles POST /installments/{installmentID}/pay
func (h *Handler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	amount, ok := h.parsePayAmount(w, r)
	if !ok {
		return
	}
	inst, err := h.service.PayInstallment(r.Context(), actor(r),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "installmentID"), amount)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, inst)
}

// ReleaseRequest is the API request for releasing funds to the
// contractor. Payout fields override the contractor directory record
// when present.
type ReleaseRequest struct {
	Amount        string `json:"amount"`
	Notes         string `json:"notes" validate:"max=1000"`
	BankName      string `json:"contractor_bank_name"`
	IBAN          string `json:"contractor_iban" validate:"omitempty,max=34"`
	AccountHolder string `json:"contractor_account_holder"`
}

// Release handles POST /release
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDomainError(w, err)
		return
	}

	var amount *money.Money
	if req.Amount != "" {
		parsed, err := money.Parse(req.Amount, money.SAR)
		if err != nil {
			api.WriteDomainError(w, domain.Validationf("amount", "%s", err.Error()))
			return
		}
		amount = &parsed
	}

	var payout *domain.ContractorPayout
	if req.BankName != "" || req.IBAN != "" || req.AccountHolder != "" {
		payout = &domain.ContractorPayout{
			BankName:      req.BankName,
			IBAN:          req.IBAN,
			AccountHolder: req.AccountHolder,
		}
	}

	p, err := h.service.Release(r.Context(), actor(r), chi.URLParam(r, "projectID"), amount, req.Notes, payout)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// Details handles GET /
func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.Details(r.Context(), actor(r), chi.URLParam(r, "projectID"))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, details)
}

// Installments handles GET /installments
func (h *Handler) Installments(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.service.Installments(r.Context(), actor(r), chi.URLParam(r, "projectID"))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, schedule)
}

// Transactions handles GET /transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.service.Transactions(r.Context(), actor(r), chi.URLParam(r, "projectID"))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, txns)
}
