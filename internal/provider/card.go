package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/creditledger/internal/model"
)

// CardSignatureHeader содержит "<unix-время>;<hex hmac-sha256>".
const CardSignatureHeader = "X-Signature"

const cardPaymentSucceeded = "payment.succeeded"

// Card проверяет JSON-уведомления с HMAC-подписью тела и метки времени.
type Card struct {
	secret    []byte
	tolerance time.Duration
	currency  string
	now       func() time.Time
}

type cardEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID        string `json:"id"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Remark    string `json:"remark"`
	} `json:"data"`
}

// NewCard создаёт адаптер. Уведомления с меткой времени дальше tolerance от текущего
// момента отклоняются; currency задаёт единственную принимаемую валюту.
func NewCard(secret string, tolerance time.Duration, currency string) *Card {
	return &Card{
		secret:    []byte(secret),
		tolerance: tolerance,
		currency:  strings.ToLower(currency),
		now:       time.Now,
	}
}

// Provider возвращает имя провайдера.
func (c *Card) Provider() model.Provider { return model.ProviderCard }

// Verify проверяет подпись уведомления и возвращает платёжное событие.
func (c *Card) Verify(_ context.Context, req Request) (*model.PaymentEvent, error) {
	if err := c.verifySignature(req.Header.Get(CardSignatureHeader), req.Body); err != nil {
		return nil, err
	}

	var evt cardEvent
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if evt.Type != cardPaymentSucceeded {
		return nil, fmt.Errorf("%w: type %q", ErrEventIgnored, evt.Type)
	}

	if c.currency != "" && strings.ToLower(evt.Data.Currency) != c.currency {
		return nil, fmt.Errorf("%w: currency %q", ErrMalformedEvent, evt.Data.Currency)
	}

	event := &model.PaymentEvent{
		Provider:          model.ProviderCard,
		ExternalReference: evt.Data.Reference,
		ProviderTradeID:   evt.Data.ID,
		PaidAmountMinor:   evt.Data.Amount,
		Remark:            evt.Data.Remark,
		RawPayload:        req.Body,
		ReceivedAt:        req.ReceivedAt,
	}

	if err := validateEvent(event); err != nil {
		return nil, err
	}

	return event, nil
}

func (c *Card) verifySignature(header string, body []byte) error {
	if len(c.secret) == 0 {
		return fmt.Errorf("%w: secret not configured", ErrSignatureInvalid)
	}

	ts, sig, ok := strings.Cut(header, ";")
	if !ok || ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed %s header", ErrSignatureInvalid, CardSignatureHeader)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}

	skew := c.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(CardSignature(c.secret, ts, body))) {
		return fmt.Errorf("%w: signature mismatch", ErrSignatureInvalid)
	}

	return nil
}

// CardSignature вычисляет hex(HMAC-SHA256(secret, ts + "." + body)).
func CardSignature(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type cardAck struct {
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

// WriteSuccess подтверждает приём уведомления.
func (c *Card) WriteSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, cardAck{Received: true})
}

// WriteFailure отвечает ошибкой; провайдер повторит доставку.
func (c *Card) WriteFailure(w http.ResponseWriter, status int) {
	writeJSON(w, status, cardAck{Received: false, Error: http.StatusText(status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
