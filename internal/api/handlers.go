/**
 * @description
 * HTTP handlers for the databundle-service. Handlers decode and validate requests,
 * call the application service and translate its error taxonomy into status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/go-playground/validator/v10: request DTO validation.
 * - go.uber.org/zap: structured logging.
 */
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/app"
	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/rabbitmq"
)

const maxBodyBytes = 1 << 20

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service       *app.Service
	consumer      *app.GatewayEventConsumer
	publisher     rabbitmq.Publisher
	webhookSecret string
	validate      *validator.Validate
	logger        *zap.Logger
}

// NewHandler creates a new Handler. publisher relays verified webhooks to the
// broker; when it is unavailable the consumer processes them inline.
func NewHandler(service *app.Service, consumer *app.GatewayEventConsumer, publisher rabbitmq.Publisher, webhookSecret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		service:       service,
		consumer:      consumer,
		publisher:     publisher,
		webhookSecret: webhookSecret,
		validate:      validate,
		logger:        logger,
	}
}

type addFundsRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type placeOrderRequest struct {
	PhoneNumber string          `json:"phoneNumber" validate:"required,max=20"`
	Network     string          `json:"network" validate:"required,max=32"`
	DataAmount  decimal.Decimal `json:"dataAmount"`
	Price       decimal.Decimal `json:"price"`
	Reference   string          `json:"reference" validate:"omitempty,max=64"`
}

type afaRegistrationRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,max=20"`
	FullName    string `json:"fullName" validate:"required,max=120"`
	IDType      string `json:"idType" validate:"required,max=40"`
	IDNumber    string `json:"idNumber" validate:"required,max=60"`
	DateOfBirth string `json:"dateOfBirth" validate:"required,datetime=2006-01-02"`
	Occupation  string `json:"occupation" validate:"required,max=80"`
	Location    string `json:"location" validate:"required,max=120"`
	Reference   string `json:"reference" validate:"omitempty,max=64"`
}

type networkAvailabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

type adjustWalletRequest struct {
	UserID    string          `json:"userId" validate:"required,uuid"`
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction" validate:"required,oneof=credit debit"`
	Note      string          `json:"note" validate:"max=255"`
}

type reverseOrderRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

type verifyAccountRequest struct {
	AccountNumber string `json:"accountNumber" validate:"required,numeric,min=6,max=20"`
	BankCode      string `json:"bankCode" validate:"required,max=20"`
}

type withdrawWeekRequest struct {
	WeeklyProfitID string `json:"weeklyProfitId" validate:"required,uuid"`
	AccountNumber  string `json:"accountNumber" validate:"required,numeric,min=6,max=20"`
	BankCode       string `json:"bankCode" validate:"required,max=20"`
	AccountName    string `json:"accountName" validate:"max=120"`
	Notes          string `json:"notes" validate:"max=255"`
}

// decode reads a JSON body into dst and validates its tags. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Request body is empty")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.StructCtx(r.Context(), dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = validationMessage(fe)
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": false, "error": "validation failed", "fields": fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a valid id"
	case "numeric":
		return "must contain digits only"
	case "oneof":
		return "must be one of " + fe.Param()
	case "datetime":
		return "must be formatted YYYY-MM-DD"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

// writeServiceError maps the application error taxonomy to an HTTP response.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *app.ValidationError
		notFound *app.NotFoundError
		conflict *app.ConflictError
		upstream *app.UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": false, "error": "validation failed", "fields": verr.Fields})
	case errors.Is(err, app.ErrInvalidReference):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "Insufficient wallet balance")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Reason)
	case errors.Is(err, app.ErrNotFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNotEligible), errors.Is(err, app.ErrNotVerified),
		errors.Is(err, app.ErrVerificationFailed), errors.Is(err, app.ErrNetworkUnavailable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "Too many requests, please slow down")
	case errors.Is(err, app.ErrTransactionFailed) && errors.As(err, &upstream):
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": false, "error": "transaction failed", "detail": upstream.Detail})
	case errors.Is(err, app.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": false, "error": "upstream service error", "detail": upstream.Detail})
	default:
		h.logger.Error("unhandled service error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) handleAddFunds(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req addFundsRequest
	if !h.decode(w, r, &req) {
		return
	}
	init, err := h.service.InitiateDeposit(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, init)
}

func (h *Handler) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	reference := strings.TrimSpace(r.URL.Query().Get("reference"))
	if reference == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": false, "error": "validation failed", "fields": map[string]string{"reference": "is required"}})
		return
	}
	result, err := h.service.VerifyDeposit(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"balance": balance})
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := h.service.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, txs)
}

func (h *Handler) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req placeOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.PlaceOrder(r.Context(), app.PlaceOrderInput{
		UserID:      userID,
		PhoneNumber: req.PhoneNumber,
		Network:     req.Network,
		DataAmount:  req.DataAmount,
		Price:       req.Price,
		Reference:   req.Reference,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeData(w, status, result)
}

func (h *Handler) handlePlaceAFARegistration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req afaRegistrationRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.PlaceAFARegistration(r.Context(), app.AFARegistrationInput{
		UserID:      userID,
		PhoneNumber: req.PhoneNumber,
		FullName:    req.FullName,
		IDType:      req.IDType,
		IDNumber:    req.IDNumber,
		DateOfBirth: req.DateOfBirth,
		Occupation:  req.Occupation,
		Location:    req.Location,
		Reference:   req.Reference,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeData(w, status, result)
}

func (h *Handler) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	reference := chi.URLParam(r, "reference")
	var (
		order *domain.DataOrder
		err   error
	)
	if IsAdmin(r.Context()) {
		order, err = h.service.CheckStatus(r.Context(), reference)
	} else {
		order, err = h.service.CheckStatusForUser(r.Context(), reference, userID)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, order)
}

func (h *Handler) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	target, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return
	}
	if target != callerID && !IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, "You can only view your own orders")
		return
	}
	orders, err := h.service.ListUserOrders(r.Context(), target)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, orders)
}

func (h *Handler) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := h.service.ListNetworks(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, networks)
}

func (h *Handler) handleSetNetworkAvailability(w http.ResponseWriter, r *http.Request) {
	adminID, _ := UserFromContext(r.Context())
	var req networkAvailabilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	row, err := h.service.SetNetworkAvailability(r.Context(), adminID.String(), chi.URLParam(r, "network"), *req.Available)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, row)
}

func (h *Handler) handleAdjustWallet(w http.ResponseWriter, r *http.Request) {
	adminID, _ := UserFromContext(r.Context())
	var req adjustWalletRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.AdjustWallet(r.Context(), adminID.String(), uuid.MustParse(req.UserID), req.Amount, req.Direction, req.Note)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, entry)
}

func (h *Handler) handleReverseOrder(w http.ResponseWriter, r *http.Request) {
	adminID, _ := UserFromContext(r.Context())
	var req reverseOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.ReverseOrder(r.Context(), adminID.String(), chi.URLParam(r, "reference"), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *Handler) handleWeeklyProfits(w http.ResponseWriter, r *http.Request) {
	weeks, err := h.service.ListWeeklyProfits(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, weeks)
}

func (h *Handler) handleVerifyAccount(w http.ResponseWriter, r *http.Request) {
	var req verifyAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	info, err := h.service.VerifyAccount(r.Context(), req.AccountNumber, req.BankCode)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, info)
}

func (h *Handler) handleWithdrawWeek(w http.ResponseWriter, r *http.Request) {
	adminID, _ := UserFromContext(r.Context())
	var req withdrawWeekRequest
	if !h.decode(w, r, &req) {
		return
	}
	withdrawal, err := h.service.WithdrawWeek(r.Context(), app.WithdrawInput{
		WeeklyProfitID: uuid.MustParse(req.WeeklyProfitID),
		AccountNumber:  req.AccountNumber,
		BankCode:       req.BankCode,
		AccountName:    req.AccountName,
		Notes:          req.Notes,
		AdminID:        adminID.String(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, withdrawal)
}

func (h *Handler) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid withdrawal ID format")
		return
	}
	withdrawal, err := h.service.CheckTransferStatus(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, withdrawal)
}

func (h *Handler) handleRetryTransfer(w http.ResponseWriter, r *http.Request) {
	adminID, _ := UserFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid withdrawal ID format")
		return
	}
	withdrawal, err := h.service.RetryTransfer(r.Context(), id, adminID.String())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, withdrawal)
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]any{"status": true, "data": data})
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": false, "error": message})
}
