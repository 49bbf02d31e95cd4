package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/middleware"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/service"
	"github.com/mmeshcher/creditledger/internal/validation"
)

type purchaseRequest struct {
	Provider string `json:"provider" validate:"required,oneof=wallet card sponsor"`
	Package  string `json:"package" validate:"required,max=64"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// CreatePurchase создаёт заказ на пакет кредитов для текущего пользователя.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()

	var req purchaseRequest
	if !h.decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.CreatePurchase(r.Context(), userID, model.Provider(req.Provider), req.Package)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPackage) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create purchase error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, p)
}

// GetPurchase возвращает статус заказа текущего пользователя.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ref := chi.URLParam(r, "reference")
	if !validation.IsValidReference(ref) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	p, err := h.service.PurchaseStatus(r.Context(), userID, ref)
	if err != nil {
		if service.IsNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get purchase error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

// CancelPurchase отменяет ожидающий оплаты заказ текущего пользователя.
func (h *Handler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ref := chi.URLParam(r, "reference")
	if !validation.IsValidReference(ref) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	err := h.service.CancelPurchase(r.Context(), userID, ref)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case service.IsNotFound(err):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrNotCancellable):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("cancel purchase error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GetBalance возвращает баланс кредитов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// ListPackages возвращает прайс-лист провайдера из параметра provider.
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	p := model.Provider(r.URL.Query().Get("provider"))
	if !p.IsValid() {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	packages := h.service.PriceTable(p)
	if packages == nil {
		packages = []model.PricePoint{}
	}

	h.writeJSON(w, http.StatusOK, packages)
}
