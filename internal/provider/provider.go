// Package provider содержит адаптеры платёжных провайдеров: проверку подлинности
// уведомлений и их приведение к model.PaymentEvent.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/creditledger/internal/model"
)

var (
	// ErrSignatureInvalid возвращается, если подпись или секрет уведомления не прошли проверку.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrMalformedEvent возвращается для уведомлений, которые нельзя разобрать.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrEventIgnored возвращается для подлинных уведомлений, не означающих поступление денег.
	ErrEventIgnored = errors.New("event ignored")
	// ErrConfirmUnavailable возвращается, если API провайдера временно не может подтвердить заказ.
	ErrConfirmUnavailable = errors.New("provider confirmation unavailable")
)

// Request - входящее уведомление в сыром виде.
type Request struct {
	Header     http.Header
	Body       []byte
	ReceivedAt time.Time
}

// Adapter проверяет уведомления одного провайдера и отвечает в его формате.
type Adapter interface {
	Provider() model.Provider
	Verify(ctx context.Context, req Request) (*model.PaymentEvent, error)
	WriteSuccess(w http.ResponseWriter)
	WriteFailure(w http.ResponseWriter, status int)
}

// Registry хранит адаптеры по имени провайдера.
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry создаёт реестр из переданных адаптеров.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get возвращает адаптер провайдера.
func (r *Registry) Get(p model.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// ToMinor переводит десятичную сумму ("49.90") в минимальные единицы валюты.
// Суммы с точностью больше двух знаков и не помещающиеся в int64 отклоняются.
func ToMinor(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", ErrMalformedEvent, amount)
	}

	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: amount %q has sub-minor precision", ErrMalformedEvent, amount)
	}

	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrMalformedEvent, amount)
	}

	return minor.IntPart(), nil
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

func validateEvent(e *model.PaymentEvent) error {
	if e.ProviderTradeID == "" {
		return fmt.Errorf("%w: missing provider trade id", ErrMalformedEvent)
	}
	if e.PaidAmountMinor <= 0 {
		return fmt.Errorf("%w: paid amount must be positive, got %d", ErrMalformedEvent, e.PaidAmountMinor)
	}
	return nil
}
