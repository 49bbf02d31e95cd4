package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
)

// Outcome описывает итог обработки платёжного события.
type Outcome string

const (
	OutcomeCredited         Outcome = "credited"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeAmountMismatch   Outcome = "amount_mismatch"
	OutcomeUnmatched        Outcome = "unmatched"
)

// ProcessResult - итог обработки уведомления провайдера.
type ProcessResult struct {
	Order   *model.Order
	Method  string
	Outcome Outcome
}

// ProcessEvent сопоставляет событие с заказом и начисляет кредиты.
// ErrAmountMismatch и ErrUnmatchedEvent возвращаются вместе с результатом:
// платёж сохранён, повторная доставка ничего не изменит.
func (s *Service) ProcessEvent(ctx context.Context, e *model.PaymentEvent) (*ProcessResult, error) {
	match, err := s.Match(ctx, e)
	switch {
	case errors.Is(err, ErrAmountMismatch):
		return &ProcessResult{Order: match.Order, Method: match.Method, Outcome: OutcomeAmountMismatch}, err
	case errors.Is(err, ErrUnmatchedEvent):
		return &ProcessResult{Order: match.Order, Method: match.Method, Outcome: OutcomeUnmatched}, err
	case err != nil:
		return nil, err
	}

	res := &ProcessResult{Order: match.Order, Method: match.Method, Outcome: OutcomeAlreadyProcessed}

	switch match.Order.Status {
	case model.OrderStatusPaid, model.OrderStatusPendingCredits:
	default:
		if match.Order.IsUnmatched() {
			res.Outcome = OutcomeUnmatched
		}
		return res, nil
	}

	applied, err := s.applyCredit(ctx, match.Order.ID)
	if err != nil {
		return nil, err
	}

	if applied {
		res.Outcome = OutcomeCredited
	}

	if current, err := s.repo.GetOrderByID(ctx, match.Order.ID); err == nil {
		res.Order = current
	}

	return res, nil
}

// Apply начисляет кредиты по оплаченному заказу. Повторный вызов для уже
// начисленного заказа ничего не меняет и возвращает nil.
func (s *Service) Apply(ctx context.Context, orderID string) error {
	_, err := s.applyCredit(ctx, orderID)
	return err
}

func (s *Service) applyCredit(ctx context.Context, orderID string) (bool, error) {
	attempts, ok, err := s.repo.BeginCredit(ctx, orderID)
	if err != nil {
		return false, storeErr("begin credit", err)
	}

	if !ok {
		o, err := s.repo.GetOrderByID(ctx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return false, fmt.Errorf("%w: order %s not found", ErrNotCreditable, orderID)
		}
		if err != nil {
			return false, storeErr("reload order", err)
		}
		if o.Status == model.OrderStatusCredited {
			return false, nil
		}
		return false, fmt.Errorf("%w: order %s is %s", ErrNotCreditable, orderID, o.Status)
	}

	balance, applied, err := s.repo.ApplyCredit(ctx, orderID)
	if err != nil {
		s.logger.Warn("credit attempt failed",
			zap.String("order_id", orderID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return false, storeErr("apply credit", err)
	}

	if !applied {
		s.logger.Debug("credit already applied", zap.String("order_id", orderID))
		return false, nil
	}

	s.logger.Info("credits applied",
		zap.String("order_id", orderID),
		zap.Int("attempt", attempts),
		zap.Int64("balance", balance),
	)

	return true, nil
}
