package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jooyeonthemaster/admarket-system/internal/model"
	"github.com/jooyeonthemaster/admarket-system/internal/repository"
)

type decisionRequest struct {
	Approve     bool   `json:"approve"`
	FinalRefund *int64 `json:"final_refund,omitempty"`
}

// DecideCancellation принимает решение администратора по заявке на отмену.
func (h *Handler) DecideCancellation(w http.ResponseWriter, r *http.Request) {
	requestID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || requestID <= 0 {
		h.handleServiceError(w, repository.ErrRequestNotFound)
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	decided, err := h.service.DecideCancellation(r.Context(), requestID, req.Approve, req.FinalRefund)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("requestID", requestID))
		return
	}

	writeJSON(w, toCancellationResponse(decided))
}

type statusRequest struct {
	Status string `json:"status"`
}

// AdvanceOrderStatus переводит заказ в следующий статус жизненного цикла.
func (h *Handler) AdvanceOrderStatus(w http.ResponseWriter, r *http.Request) {
	productType, orderID, err := orderRef(r)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.AdvanceOrderStatus(r.Context(), productType, orderID, model.OrderStatus(req.Status))
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("orderID", orderID), zap.String("status", req.Status))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type topUpRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

type topUpResponse struct {
	ClientID int64 `json:"client_id"`
	Balance  int64 `json:"balance"`
}

// TopUpClient зачисляет баллы на баланс клиента.
func (h *Handler) TopUpClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || clientID <= 0 {
		h.handleServiceError(w, repository.ErrClientNotFound)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.TopUpPoints(r.Context(), clientID, req.Amount, req.Description)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID))
		return
	}

	writeJSON(w, topUpResponse{ClientID: clientID, Balance: balance})
}

// GetClientLedger возвращает результат сверки журнала клиента с его балансом.
func (h *Handler) GetClientLedger(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || clientID <= 0 {
		h.handleServiceError(w, repository.ErrClientNotFound)
		return
	}

	report, err := h.service.VerifyLedger(r.Context(), clientID)
	if err != nil {
		h.handleServiceError(w, err, zap.Int64("clientID", clientID))
		return
	}

	writeJSON(w, report)
}
