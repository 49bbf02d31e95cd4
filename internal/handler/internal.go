package handler

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/model"
)

const (
	defaultUnmatchedLimit = 100
	maxUnmatchedLimit     = 1000
)

type sessionRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

type orderView struct {
	ID          string         `json:"id"`
	Reference   string         `json:"reference"`
	TradeID     string         `json:"trade_id,omitempty"`
	Provider    model.Provider `json:"provider"`
	UserID      int64          `json:"user_id,omitempty"`
	Status      string         `json:"status"`
	AmountMinor int64          `json:"amount_minor"`
	Metadata    model.Metadata `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// IssueSession выдаёт токен сессии пользователю. Вызывается сервисом учётных записей.
func (h *Handler) IssueSession(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req sessionRequest
	if !h.decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	token := h.authMiddleware.SetAuthCookie(w, req.UserID)
	h.writeJSON(w, http.StatusOK, sessionResponse{Token: token})
}

// RunRetry запускает повторное начисление по зависшим заказам.
func (h *Handler) RunRetry(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RunRetry(r.Context())
	if err != nil {
		h.logger.Error("recovery retry error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// RunExpire запускает истечение неоплаченных заказов.
func (h *Handler) RunExpire(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RunExpire(r.Context())
	if err != nil {
		h.logger.Error("recovery expire error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// Health возвращает сводку состояния сверки.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("store ping error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	report, err := h.service.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("health snapshot error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// ListUnmatched возвращает несопоставленные платежи для ручной сверки.
func (h *Handler) ListUnmatched(w http.ResponseWriter, r *http.Request) {
	limit := defaultUnmatchedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxUnmatchedLimit {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	orders, err := h.service.ListUnmatched(r.Context(), limit)
	if err != nil {
		h.logger.Error("list unmatched error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView{
			ID:          o.ID,
			Reference:   o.ExternalReference,
			TradeID:     o.ProviderTradeID,
			Provider:    o.Provider,
			UserID:      o.UserID,
			Status:      string(o.Status),
			AmountMinor: o.AmountMinor,
			Metadata:    o.Metadata,
			CreatedAt:   o.CreatedAt,
		})
	}

	h.writeJSON(w, http.StatusOK, views)
}
