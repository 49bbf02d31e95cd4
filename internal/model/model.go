// Package model содержит доменные сущности сервиса начисления кредитов.
package model

import "time"

// Provider определяет поддерживаемого платёжного провайдера.
type Provider string

const (
	ProviderWallet  Provider = "wallet"
	ProviderCard    Provider = "card"
	ProviderSponsor Provider = "sponsor"
)

// Providers перечисляет всех поддерживаемых провайдеров.
var Providers = []Provider{ProviderWallet, ProviderCard, ProviderSponsor}

// IsValid сообщает, поддерживается ли провайдер.
func (p Provider) IsValid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// OrderStatus описывает состояние заказа в жизненном цикле оплаты.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusPendingCredits OrderStatus = "pending_credits"
	OrderStatusCredited       OrderStatus = "credited"
	OrderStatusFailed         OrderStatus = "failed"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusExpired        OrderStatus = "expired"
)

// IsTerminal сообщает, что заказ больше не меняет статус.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCredited, OrderStatusCancelled, OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// Ключи и значения метаданных заказа.
const (
	MetaMatchMethod   = "matchMethod"
	MetaPackageID     = "packageId"
	MetaReason        = "reason"
	MetaPaidAmount    = "paidAmountMinor"
	MetaLinkedOrderID = "linkedOrderId"
	MetaCandidates    = "candidates"
	MetaRemark        = "remark"

	MatchMethodTradeID  = "trade_id"
	MatchMethodRef      = "reference"
	MatchMethodRemark   = "remark"
	MatchMethodFallback = "amount_time_fallback"
	MatchMethodNone     = "unmatched"

	ReasonAmountMismatch    = "amount_mismatch"
	ReasonNoMatch           = "no_match"
	ReasonAmbiguousFallback = "ambiguous_fallback"
	ReasonOrderExpired      = "order_expired"
	ReasonOrderCancelled    = "order_cancelled"
	ReasonDuplicatePayment  = "duplicate_payment"
)

// UnmatchedPrefix помечает записи о платежах, не сопоставленных с заказом.
const UnmatchedPrefix = "unmatched_"

// Metadata хранит произвольные аудиторские атрибуты заказа.
type Metadata map[string]string

// Order описывает намерение покупки и его состояние.
type Order struct {
	ID                 string
	ExternalReference  string
	ProviderTradeID    string
	Provider           Provider
	UserID             int64
	AmountMinor        int64
	CreditsRequested   int64
	Status             OrderStatus
	CreditAttempts     int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CreditedAt         *time.Time
	RawProviderPayload []byte
	Metadata           Metadata
}

// IsUnmatched сообщает, что запись хранит несопоставленный платёж.
func (o *Order) IsUnmatched() bool {
	return o.Metadata[MetaMatchMethod] == MatchMethodNone
}

// PaymentEvent - нормализованное уведомление провайдера о поступлении денег.
type PaymentEvent struct {
	Provider          Provider
	ExternalReference string
	ProviderTradeID   string
	PaidAmountMinor   int64
	Remark            string
	RawPayload        []byte
	ReceivedAt        time.Time
}

// PricePoint связывает цену пакета у провайдера с количеством кредитов.
type PricePoint struct {
	Provider    Provider `json:"provider"`
	PackageID   string   `json:"package"`
	AmountMinor int64    `json:"amount_minor"`
	Credits     int64    `json:"credits"`
}

// HealthStats содержит агрегаты по хранилищу заказов.
type HealthStats struct {
	StalePending     int64
	PendingCredits   int64
	Failed           int64
	Unmatched        int64
	FallbackMatched  int64
	CreditedInWindow int64
	TerminalInWindow int64
}
