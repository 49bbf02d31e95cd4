package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/validation"
)

const createPurchaseAttempts = 3

// Статусы заказа, видимые клиенту.
const (
	ClientStatusPending  = "pending"
	ClientStatusPaid     = "paid"
	ClientStatusCredited = "credited"
	ClientStatusFailed   = "failed"
)

// Purchase - представление заказа для клиента.
type Purchase struct {
	Reference   string         `json:"reference"`
	Provider    model.Provider `json:"provider"`
	PackageID   string         `json:"package,omitempty"`
	AmountMinor int64          `json:"amount_minor"`
	Credits     int64          `json:"credits"`
	Remark      string         `json:"remark,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CreditedAt  *time.Time     `json:"credited_at,omitempty"`
}

// ClientStatus сворачивает внутренний статус заказа в статус для клиента.
func ClientStatus(s model.OrderStatus) string {
	switch s {
	case model.OrderStatusPending:
		return ClientStatusPending
	case model.OrderStatusPaid, model.OrderStatusPendingCredits:
		return ClientStatusPaid
	case model.OrderStatusCredited:
		return ClientStatusCredited
	default:
		return ClientStatusFailed
	}
}

func toPurchase(o *model.Order) *Purchase {
	return &Purchase{
		Reference:   o.ExternalReference,
		Provider:    o.Provider,
		PackageID:   o.Metadata[model.MetaPackageID],
		AmountMinor: o.AmountMinor,
		Credits:     o.CreditsRequested,
		Status:      ClientStatus(o.Status),
		CreatedAt:   o.CreatedAt,
		CreditedAt:  o.CreditedAt,
	}
}

// CreatePurchase создаёт ожидающий оплаты заказ на пакет кредитов.
func (s *Service) CreatePurchase(ctx context.Context, userID int64, provider model.Provider, packageID string) (*Purchase, error) {
	point, ok := s.pricePoint(provider, packageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPackage, provider, packageID)
	}

	if err := s.repo.EnsureAccount(ctx, userID); err != nil {
		return nil, storeErr("ensure account", err)
	}

	for attempt := 0; attempt < createPurchaseAttempts; attempt++ {
		now := s.now()

		ref, err := validation.NewReference(now)
		if err != nil {
			return nil, fmt.Errorf("generate reference: %w", err)
		}

		order := &model.Order{
			ID:                uuid.NewString(),
			ExternalReference: ref,
			Provider:          provider,
			UserID:            userID,
			AmountMinor:       point.AmountMinor,
			CreditsRequested:  point.Credits,
			Status:            model.OrderStatusPending,
			CreatedAt:         now,
			Metadata:          model.Metadata{model.MetaPackageID: point.PackageID},
		}

		stored, inserted, err := s.repo.CreateOrder(ctx, order)
		if err != nil {
			return nil, storeErr("create order", err)
		}
		if !inserted {
			continue
		}

		s.logger.Info("purchase created",
			zap.String("order_id", stored.ID),
			zap.String("reference", stored.ExternalReference),
			zap.Int64("user_id", userID),
			zap.String("provider", string(provider)),
		)

		p := toPurchase(stored)
		if s.remarks != nil {
			p.Remark = s.remarks.Encode(userID)
		}
		return p, nil
	}

	return nil, fmt.Errorf("create order: %w", repository.ErrDuplicateOrder)
}

// PurchaseStatus возвращает заказ пользователя по ссылке.
func (s *Service) PurchaseStatus(ctx context.Context, userID int64, ref string) (*Purchase, error) {
	o, err := s.repo.GetUserOrder(ctx, userID, ref)
	if err != nil {
		return nil, storeErr("get purchase", err)
	}
	return toPurchase(o), nil
}

// CancelPurchase отменяет ожидающий оплаты заказ пользователя.
func (s *Service) CancelPurchase(ctx context.Context, userID int64, ref string) error {
	ok, err := s.repo.CancelOrder(ctx, userID, ref)
	if err != nil {
		return storeErr("cancel order", err)
	}
	if ok {
		s.logger.Info("purchase cancelled", zap.String("reference", ref), zap.Int64("user_id", userID))
		return nil
	}

	o, err := s.repo.GetUserOrder(ctx, userID, ref)
	if err != nil {
		return storeErr("get purchase", err)
	}
	return fmt.Errorf("%w: order is %s", ErrNotCancellable, o.Status)
}

// Balance возвращает баланс кредитов пользователя.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return 0, storeErr("get balance", err)
	}
	return balance, nil
}

// ListUnmatched возвращает несопоставленные платежи для ручной сверки.
func (s *Service) ListUnmatched(ctx context.Context, limit int) ([]model.Order, error) {
	orders, err := s.repo.ListUnmatched(ctx, limit)
	if err != nil {
		return nil, storeErr("list unmatched orders", err)
	}
	return orders, nil
}

// IsNotFound сообщает, что заказ не найден.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrOrderNotFound)
}
