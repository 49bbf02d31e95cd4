package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/provider"
	"github.com/mmeshcher/creditledger/internal/service"
)

const maxWebhookBody = 1 << 20

// Webhook принимает уведомление провайдера, проверяет его и начисляет кредиты.
// Ответ пишется в формате провайдера: успех означает, что повторять доставку не нужно.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	name := model.Provider(chi.URLParam(r, "provider"))

	adapter, ok := h.adapters.Get(name)
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		adapter.WriteFailure(w, http.StatusBadRequest)
		return
	}

	event, err := adapter.Verify(r.Context(), provider.Request{
		Header:     r.Header,
		Body:       body,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		h.writeVerifyError(w, adapter, name, err)
		return
	}

	res, err := h.service.ProcessEvent(r.Context(), event)
	switch {
	case errors.Is(err, service.ErrAmountMismatch), errors.Is(err, service.ErrUnmatchedEvent):
		h.logger.Warn("payment needs reconciliation",
			zap.String("provider", string(name)),
			zap.String("trade_id", event.ProviderTradeID),
			zap.Error(err),
		)
		adapter.WriteSuccess(w)
	case err != nil:
		h.logger.Error("process payment event error",
			zap.String("provider", string(name)),
			zap.String("trade_id", event.ProviderTradeID),
			zap.Error(err),
		)
		adapter.WriteFailure(w, http.StatusInternalServerError)
	default:
		h.logger.Info("payment event processed",
			zap.String("provider", string(name)),
			zap.String("trade_id", event.ProviderTradeID),
			zap.String("order_id", res.Order.ID),
			zap.String("method", res.Method),
			zap.String("outcome", string(res.Outcome)),
		)
		adapter.WriteSuccess(w)
	}
}

func (h *Handler) writeVerifyError(w http.ResponseWriter, adapter provider.Adapter, name model.Provider, err error) {
	switch {
	case errors.Is(err, provider.ErrEventIgnored):
		h.logger.Debug("webhook ignored", zap.String("provider", string(name)), zap.Error(err))
		adapter.WriteSuccess(w)
	case errors.Is(err, provider.ErrSignatureInvalid):
		h.logger.Warn("webhook rejected", zap.String("provider", string(name)), zap.Error(err))
		adapter.WriteFailure(w, http.StatusUnauthorized)
	case errors.Is(err, provider.ErrMalformedEvent):
		h.logger.Warn("webhook malformed", zap.String("provider", string(name)), zap.Error(err))
		adapter.WriteFailure(w, http.StatusBadRequest)
	case errors.Is(err, provider.ErrConfirmUnavailable):
		h.logger.Warn("webhook confirmation unavailable", zap.String("provider", string(name)), zap.Error(err))
		adapter.WriteFailure(w, http.StatusServiceUnavailable)
	default:
		h.logger.Error("webhook verify error", zap.String("provider", string(name)), zap.Error(err))
		adapter.WriteFailure(w, http.StatusInternalServerError)
	}
}
