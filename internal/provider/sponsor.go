package provider

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/sponsorapi"
)

const (
	sponsorEventOrder = "order"
	sponsorStatusPaid = 2
)

// OrderConfirmer запрашивает заказ в закрытом API провайдера.
type OrderConfirmer interface {
	GetOrder(ctx context.Context, outTradeNo string) (*sponsorapi.Order, int, time.Duration, error)
}

// Sponsor проверяет JSON-уведомления по секрету в заголовке Authorization и,
// если задан confirmer, сверяет заказ с API провайдера.
type Sponsor struct {
	token     []byte
	confirmer OrderConfirmer
}

type sponsorEvent struct {
	EC   int `json:"ec"`
	Data struct {
		Type  string `json:"type"`
		Order struct {
			OutTradeNo    string `json:"out_trade_no"`
			CustomOrderID string `json:"custom_order_id"`
			TotalAmount   string `json:"total_amount"`
			Remark        string `json:"remark"`
			Status        int    `json:"status"`
		} `json:"order"`
	} `json:"data"`
}

type sponsorAck struct {
	EC int    `json:"ec"`
	EM string `json:"em"`
}

// NewSponsor создаёт адаптер. confirmer может быть nil.
func NewSponsor(token string, confirmer OrderConfirmer) *Sponsor {
	return &Sponsor{token: []byte(token), confirmer: confirmer}
}

// Provider возвращает имя провайдера.
func (s *Sponsor) Provider() model.Provider { return model.ProviderSponsor }

// Verify проверяет секрет уведомления и возвращает платёжное событие.
func (s *Sponsor) Verify(ctx context.Context, req Request) (*model.PaymentEvent, error) {
	if err := s.verifyToken(req.Header.Get("Authorization")); err != nil {
		return nil, err
	}

	var evt sponsorEvent
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if evt.Data.Type != sponsorEventOrder {
		return nil, fmt.Errorf("%w: type %q", ErrEventIgnored, evt.Data.Type)
	}

	order := evt.Data.Order
	if order.Status != sponsorStatusPaid {
		return nil, fmt.Errorf("%w: order status %d", ErrEventIgnored, order.Status)
	}

	amount, err := ToMinor(order.TotalAmount)
	if err != nil {
		return nil, err
	}

	event := &model.PaymentEvent{
		Provider:          model.ProviderSponsor,
		ExternalReference: order.CustomOrderID,
		ProviderTradeID:   order.OutTradeNo,
		PaidAmountMinor:   amount,
		Remark:            order.Remark,
		RawPayload:        req.Body,
		ReceivedAt:        req.ReceivedAt,
	}

	if err := validateEvent(event); err != nil {
		return nil, err
	}

	if err := s.confirm(ctx, event); err != nil {
		return nil, err
	}

	return event, nil
}

func (s *Sponsor) verifyToken(header string) error {
	if len(s.token) == 0 {
		return fmt.Errorf("%w: token not configured", ErrSignatureInvalid)
	}

	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return fmt.Errorf("%w: missing bearer token", ErrSignatureInvalid)
	}

	if subtle.ConstantTimeCompare([]byte(got), s.token) != 1 {
		return fmt.Errorf("%w: token mismatch", ErrSignatureInvalid)
	}

	return nil
}

// confirm сверяет событие с заказом в API провайдера. Любое расхождение
// считается поддельным уведомлением.
func (s *Sponsor) confirm(ctx context.Context, event *model.PaymentEvent) error {
	if s.confirmer == nil {
		return nil
	}

	remote, code, retryAfter, err := s.confirmer.GetOrder(ctx, event.ProviderTradeID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfirmUnavailable, err)
	}

	switch code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited, retry after %s", ErrConfirmUnavailable, retryAfter)
	case http.StatusNotFound:
		return fmt.Errorf("%w: order %s unknown to provider", ErrSignatureInvalid, event.ProviderTradeID)
	}

	if remote == nil || remote.Status != sponsorapi.StatusPaid {
		return fmt.Errorf("%w: order %s not paid at provider", ErrSignatureInvalid, event.ProviderTradeID)
	}

	remoteAmount, err := ToMinor(remote.TotalAmount)
	if err != nil || remoteAmount != event.PaidAmountMinor {
		return fmt.Errorf("%w: amount disagrees with provider", ErrSignatureInvalid)
	}

	return nil
}

// WriteSuccess отвечает {"ec":200,"em":""}.
func (s *Sponsor) WriteSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, sponsorAck{EC: http.StatusOK})
}

// WriteFailure отвечает конвертом с кодом ошибки.
func (s *Sponsor) WriteFailure(w http.ResponseWriter, status int) {
	writeJSON(w, status, sponsorAck{EC: status, EM: http.StatusText(status)})
}
