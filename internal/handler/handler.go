// Package handler содержит HTTP-обработчики сервиса начисления кредитов.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/middleware"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/provider"
	"github.com/mmeshcher/creditledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ProcessEvent(ctx context.Context, e *model.PaymentEvent) (*service.ProcessResult, error)

	CreatePurchase(ctx context.Context, userID int64, p model.Provider, packageID string) (*service.Purchase, error)
	PurchaseStatus(ctx context.Context, userID int64, ref string) (*service.Purchase, error)
	CancelPurchase(ctx context.Context, userID int64, ref string) error
	Balance(ctx context.Context, userID int64) (int64, error)
	PriceTable(p model.Provider) []model.PricePoint

	RunRetry(ctx context.Context) (*service.RetryReport, error)
	RunExpire(ctx context.Context) (*service.ExpireReport, error)
	Snapshot(ctx context.Context) (*service.HealthReport, error)
	ListUnmatched(ctx context.Context, limit int) ([]model.Order, error)
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики сервиса начисления кредитов.
type Handler struct {
	service        Service
	adapters       *provider.Registry
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	internalSecret string
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, adapters *provider.Registry, logger *zap.Logger, auth *middleware.AuthMiddleware, internalSecret string) *Handler {
	return &Handler{
		service:        s,
		adapters:       adapters,
		logger:         logger,
		authMiddleware: auth,
		internalSecret: internalSecret,
		validate:       validator.New(),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) decodeJSON(r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return false
	}
	return h.validate.Struct(v) == nil
}
