// Package handler содержит HTTP-обработчики API сервиса рекламного кабинета.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jooyeonthemaster/admarket-system/internal/middleware"
	"github.com/jooyeonthemaster/admarket-system/internal/model"
	"github.com/jooyeonthemaster/admarket-system/internal/product"
	"github.com/jooyeonthemaster/admarket-system/internal/repository"
	"github.com/jooyeonthemaster/admarket-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterClient(ctx context.Context, login, password string) (int64, error)
	AuthenticateClient(ctx context.Context, login, password string) (int64, error)
	CreateOrder(ctx context.Context, clientID int64, productType model.ProductType, units product.UnitSpec, declaredCost int64) (*model.Order, error)
	ListOrders(ctx context.Context, clientID int64) ([]model.Order, error)
	GetOrder(ctx context.Context, clientID int64, productType model.ProductType, orderID int64) (*model.Order, error)
	ComputeProgress(ctx context.Context, productType model.ProductType, orderID int64) (float64, error)
	RequestCancellation(ctx context.Context, clientID int64, productType model.ProductType, orderID int64, reason string) (*model.CancellationRequest, error)
	DecideCancellation(ctx context.Context, requestID int64, approve bool, overrideRefund *int64) (*model.CancellationRequest, error)
	GetBalance(ctx context.Context, clientID int64) (int64, error)
	ListTransactions(ctx context.Context, clientID int64) ([]model.Transaction, error)
	TopUpPoints(ctx context.Context, clientID, amount int64, description string) (int64, error)
	AdvanceOrderStatus(ctx context.Context, productType model.ProductType, orderID int64, newStatus model.OrderStatus) error
	VerifyLedger(ctx context.Context, clientID int64) (*service.LedgerReport, error)
}

// Handler реализует HTTP-обработчики API сервиса рекламного кабинета.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
	}
}

// handleServiceError транслирует ошибки бизнес-логики в HTTP-статусы.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error, fields ...zap.Field) {
	var status int
	switch {
	case errors.Is(err, product.ErrUnknownProduct), errors.Is(err, product.ErrInvalidUnits):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, repository.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, repository.ErrClientInactive):
		status = http.StatusForbidden
	case errors.Is(err, repository.ErrClientNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrClientExists),
		errors.Is(err, service.ErrCostMismatch),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, service.ErrInvalidRefund),
		errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, repository.ErrCancellationPending),
		errors.Is(err, repository.ErrRequestDecided):
		status = http.StatusConflict
	case errors.Is(err, service.ErrPricingUnavailable):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		h.logger.Error("internal error", append(fields, zap.Error(err))...)
	}

	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// orderRef извлекает тип услуги и идентификатор заказа из параметров маршрута.
func orderRef(r *http.Request) (model.ProductType, int64, error) {
	productType := model.ProductType(chi.URLParam(r, "type"))
	if !model.IsValidProductType(productType) {
		return "", 0, product.ErrUnknownProduct
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, repository.ErrOrderNotFound
	}

	return productType, id, nil
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового клиента.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	clientID, err := h.service.RegisterClient(r.Context(), req.Login, req.Password)
	if err != nil {
		h.handleServiceError(w, err, zap.String("login", req.Login))
		return
	}

	h.authMiddleware.SetAuthCookie(w, clientID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию клиента и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	clientID, err := h.service.AuthenticateClient(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrClientNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.handleServiceError(w, err, zap.String("login", req.Login))
		return
	}

	h.authMiddleware.SetAuthCookie(w, clientID)
	w.WriteHeader(http.StatusOK)
}

type createOrderRequest struct {
	ProductType   string `json:"product_type"`
	DailyQuantity int    `json:"daily_quantity,omitempty"`
	Days          int    `json:"days,omitempty"`
	TotalQuantity int    `json:"total_quantity,omitempty"`
	TotalCost     int64  `json:"total_cost"`
}

type orderResponse struct {
	ID            int64  `json:"id"`
	ProductType   string `json:"product_type"`
	Number        string `json:"number"`
	Status        string `json:"status"`
	DailyQuantity int    `json:"daily_quantity,omitempty"`
	Days          int    `json:"days,omitempty"`
	TotalQuantity int    `json:"total_quantity,omitempty"`
	TotalCost     int64  `json:"total_cost"`
	StartDate     string `json:"start_date,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:            o.ID,
		ProductType:   string(o.ProductType),
		Number:        o.Number,
		Status:        string(o.Status),
		DailyQuantity: o.DailyQuantity,
		Days:          o.Days,
		TotalQuantity: o.TotalQuantity,
		TotalCost:     o.TotalCost,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
	if o.StartDate != nil {
		resp.StartDate = o.StartDate.Format(time.RFC3339)
	}
	return resp
}

// CreateOrder создаёт заказ услуги с оплатой баллами.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	clientID, ok := middleware.GetClientIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), clientID, model.ProductType(req.ProductType),
		product.UnitSpec{
			DailyQuantity: req.DailyQuantity,
			Days:          req.Days,
			TotalQuantity: req.TotalQuantity,
		}, req.TotalCost)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID), zap.String("productType", req.ProductType))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		h.logger.Error("encode order response", zap.Error(err))
	}
}

// ListOrders возвращает заказы текущего клиента по всем услугам.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	clientID, ok := middleware.GetClientIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListOrders(r.Context(), clientID)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	writeJSON(w, resp)
}

// GetOrder возвращает один заказ текущего клиента.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	clientID, ok := middleware.GetClientIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	productType, orderID, err := orderRef(r)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	order, err := h.service.GetOrder(r.Context(), clientID, productType, orderID)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID), zap.Int64("orderID", orderID))
		return
	}

	writeJSON(w, toOrderResponse(order))
}

type progressResponse struct {
	ProductType string  `json:"product_type"`
	OrderID     int64   `json:"order_id"`
	Progress    float64 `json:"progress"`
}

// GetOrderProgress возвращает долю выполнения заказа в диапазоне [0, 1].
func (h *Handler) GetOrderProgress(w http.ResponseWriter, r *http.Request) {
	clientID, ok := middleware.GetClientIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	productType, orderID, err := orderRef(r)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	// Проверка владения заказом до расчёта.
	if _, err := h.service.GetOrder(r.Context(), clientID, productType, orderID); err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID), zap.Int64("orderID", orderID))
		return
	}

	progress, err := h.service.ComputeProgress(r.Context(), productType, orderID)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("orderID", orderID))
		return
	}

	writeJSON(w, progressResponse{
		ProductType: string(productType),
		OrderID:     orderID,
		Progress:    progress,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancellationResponse struct {
	ID               int64   `json:"id"`
	ProductType      string  `json:"product_type"`
	OrderID          int64   `json:"order_id"`
	Status           string  `json:"status"`
	ProgressRatio    float64 `json:"progress_ratio"`
	CalculatedRefund int64   `json:"calculated_refund"`
	FinalRefund      *int64  `json:"final_refund,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	CreatedAt        string  `json:"created_at"`
	DecidedAt        string  `json:"decided_at,omitempty"`
}

func toCancellationResponse(req *model.CancellationRequest) cancellationResponse {
	resp := cancellationResponse{
		ID:               req.ID,
		ProductType:      string(req.ProductType),
		OrderID:          req.OrderID,
		Status:           string(req.Status),
		ProgressRatio:    req.ProgressRatio,
		CalculatedRefund: req.CalculatedRefund,
		FinalRefund:      req.FinalRefund,
		Reason:           req.Reason,
		CreatedAt:        req.CreatedAt.Format(time.RFC3339),
	}
	if req.DecidedAt != nil {
		resp.DecidedAt = req.DecidedAt.Format(time.RFC3339)
	}
	return resp
}

// CancelOrder создаёт заявку на отмену заказа текущего клиента.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	clientID, ok := middleware.GetClientIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	productType, orderID, err := orderRef(r)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	cancellation, err := h.service.RequestCancellation(r.Context(), clientID, productType, orderID, req.Reason)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID), zap.Int64("orderID", orderID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(toCancellationResponse(cancellation)); err != nil {
		h.logger.Error("encode cancellation response", zap.Error(err))
	}
}

type balanceResponse struct {
	Points int64 `json:"points"`
}

// GetBalance возвращает текущий баланс клиента в баллах.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	clientID, ok := middleware.GetClientIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), clientID)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID))
		return
	}

	writeJSON(w, balanceResponse{Points: balance})
}

type transactionResponse struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	BalanceAfter  int64  `json:"balance_after"`
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   int64  `json:"reference_id,omitempty"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// ListTransactions возвращает журнал движения баллов текущего клиента.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	clientID, ok := middleware.GetClientIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), clientID)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID))
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, transactionResponse{
			ID:            tx.ID,
			Type:          string(tx.Type),
			Amount:        tx.Amount,
			BalanceAfter:  tx.BalanceAfter,
			ReferenceType: string(tx.ReferenceType),
			ReferenceID:   tx.ReferenceID,
			Description:   tx.Description,
			CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}
