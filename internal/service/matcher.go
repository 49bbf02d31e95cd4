package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
)

const fallbackCandidateLimit = 10

// MatchResult описывает результат сопоставления платежа с заказом.
type MatchResult struct {
	Order   *model.Order
	Method  string
	Changed bool
}

// Match сопоставляет платёжное событие с заказом и фиксирует оплату.
//
// Стратегии применяются по порядку: повторная доставка по идентификатору
// транзакции, ссылка мерчанта, подписанное примечание с пакетом из прайс-листа,
// единственный ожидающий заказ с близкой суммой в окне времени. Платёж, для
// которого заказ не найден, сохраняется как несопоставленный и возвращается
// вместе с ErrUnmatchedEvent.
func (s *Service) Match(ctx context.Context, e *model.PaymentEvent) (*MatchResult, error) {
	if e.ProviderTradeID != "" {
		o, err := s.repo.GetOrderByTradeID(ctx, e.Provider, e.ProviderTradeID)
		switch {
		case err == nil:
			return &MatchResult{Order: o, Method: model.MatchMethodTradeID}, nil
		case !errors.Is(err, repository.ErrOrderNotFound):
			return nil, storeErr("find order by trade id", err)
		}
	}

	if e.ExternalReference != "" {
		o, err := s.repo.GetOrderByReference(ctx, e.Provider, e.ExternalReference)
		switch {
		case err == nil:
			return s.resolve(ctx, e, o, model.MatchMethodRef)
		case !errors.Is(err, repository.ErrOrderNotFound):
			return nil, storeErr("find order by reference", err)
		}
	}

	res, err := s.matchRemark(ctx, e)
	if res != nil || err != nil {
		return res, err
	}

	return s.matchFallback(ctx, e)
}

func (s *Service) matchRemark(ctx context.Context, e *model.PaymentEvent) (*MatchResult, error) {
	if s.remarks == nil || e.Remark == "" {
		return nil, nil
	}

	userID, err := s.remarks.Decode(e.Remark)
	if err != nil {
		s.logger.Debug("remark rejected", zap.String("trade_id", e.ProviderTradeID), zap.Error(err))
		return nil, nil
	}

	exists, err := s.repo.AccountExists(ctx, userID)
	if err != nil {
		return nil, storeErr("check account", err)
	}
	if !exists {
		return nil, nil
	}

	point, ok := s.priceByAmount(e.Provider, e.PaidAmountMinor)
	if !ok {
		return nil, nil
	}

	ref := e.ExternalReference
	if ref == "" {
		ref = "trade_" + e.ProviderTradeID
	}

	order := &model.Order{
		ID:                 uuid.NewString(),
		ExternalReference:  ref,
		ProviderTradeID:    e.ProviderTradeID,
		Provider:           e.Provider,
		UserID:             userID,
		AmountMinor:        e.PaidAmountMinor,
		CreditsRequested:   point.Credits,
		Status:             model.OrderStatusPaid,
		CreatedAt:          s.now(),
		RawProviderPayload: e.RawPayload,
		Metadata: model.Metadata{
			model.MetaMatchMethod: model.MatchMethodRemark,
			model.MetaPackageID:   point.PackageID,
			model.MetaPaidAmount:  strconv.FormatInt(e.PaidAmountMinor, 10),
			model.MetaRemark:      e.Remark,
		},
	}

	stored, inserted, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, storeErr("create order from remark", err)
	}

	if inserted {
		s.logger.Info("order synthesized from remark",
			zap.String("order_id", stored.ID),
			zap.Int64("user_id", userID),
			zap.String("package", point.PackageID),
		)
	}

	return &MatchResult{Order: stored, Method: model.MatchMethodRemark, Changed: inserted}, nil
}

func (s *Service) matchFallback(ctx context.Context, e *model.PaymentEvent) (*MatchResult, error) {
	since := s.now().Add(-s.opts.FallbackWindow)
	candidates, err := s.repo.FindFallbackCandidates(ctx, e.Provider, e.PaidAmountMinor, s.opts.AmountEpsilonMinor, since, fallbackCandidateLimit)
	if err != nil {
		return nil, storeErr("find fallback candidates", err)
	}

	switch len(candidates) {
	case 0:
		return s.recordUnmatched(ctx, e, model.Metadata{model.MetaReason: model.ReasonNoMatch})
	case 1:
		o := candidates[0]
		s.logger.Warn("payment matched by amount and time",
			zap.String("order_id", o.ID),
			zap.String("trade_id", e.ProviderTradeID),
			zap.Int64("paid", e.PaidAmountMinor),
		)
		return s.resolve(ctx, e, &o, model.MatchMethodFallback)
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}

	return s.recordUnmatched(ctx, e, model.Metadata{
		model.MetaReason:     model.ReasonAmbiguousFallback,
		model.MetaCandidates: strings.Join(ids, ","),
	})
}

// resolve фиксирует оплату найденного заказа с учётом его текущего статуса.
func (s *Service) resolve(ctx context.Context, e *model.PaymentEvent, o *model.Order, method string) (*MatchResult, error) {
	switch o.Status {
	case model.OrderStatusPending:
	case model.OrderStatusExpired:
		return s.recordUnmatched(ctx, e, model.Metadata{
			model.MetaReason:        model.ReasonOrderExpired,
			model.MetaLinkedOrderID: o.ID,
		})
	case model.OrderStatusCancelled:
		return s.recordUnmatched(ctx, e, model.Metadata{
			model.MetaReason:        model.ReasonOrderCancelled,
			model.MetaLinkedOrderID: o.ID,
		})
	default:
		if o.ProviderTradeID != "" && o.ProviderTradeID != e.ProviderTradeID {
			// заказ уже закрыт другой транзакцией, второй платёж сохраняется отдельно
			return s.recordUnmatched(ctx, e, model.Metadata{
				model.MetaReason:        model.ReasonDuplicatePayment,
				model.MetaLinkedOrderID: o.ID,
			})
		}
		return &MatchResult{Order: o, Method: method}, nil
	}

	meta := model.Metadata{
		model.MetaMatchMethod: method,
		model.MetaPaidAmount:  strconv.FormatInt(e.PaidAmountMinor, 10),
	}

	mismatch := o.AmountMinor != e.PaidAmountMinor
	mark := s.repo.MarkPaid
	if mismatch {
		meta[model.MetaReason] = model.ReasonAmountMismatch
		mark = s.repo.MarkFailed
	}

	ok, err := mark(ctx, o.ID, e.ProviderTradeID, e.RawPayload, meta)
	if errors.Is(err, repository.ErrDuplicateOrder) {
		// транзакция уже закреплена за другим заказом параллельной доставкой
		existing, gerr := s.repo.GetOrderByTradeID(ctx, e.Provider, e.ProviderTradeID)
		if gerr != nil {
			return nil, storeErr("find order by trade id", gerr)
		}
		return &MatchResult{Order: existing, Method: model.MatchMethodTradeID}, nil
	}
	if err != nil {
		return nil, storeErr("resolve pending order", err)
	}

	current, err := s.repo.GetOrderByID(ctx, o.ID)
	if err != nil {
		return nil, storeErr("reload order", err)
	}

	if !ok {
		if current.Status == model.OrderStatusPending {
			return nil, fmt.Errorf("%w: order %s stayed pending", ErrTransientStore, o.ID)
		}
		return s.resolve(ctx, e, current, method)
	}

	res := &MatchResult{Order: current, Method: method, Changed: true}
	if mismatch {
		s.logger.Warn("payment amount mismatch",
			zap.String("order_id", o.ID),
			zap.Int64("expected", o.AmountMinor),
			zap.Int64("paid", e.PaidAmountMinor),
		)
		return res, fmt.Errorf("%w: order %s expected %d, paid %d", ErrAmountMismatch, o.ID, o.AmountMinor, e.PaidAmountMinor)
	}

	return res, nil
}

// recordUnmatched сохраняет платёж без заказа, чтобы его можно было сверить вручную.
func (s *Service) recordUnmatched(ctx context.Context, e *model.PaymentEvent, meta model.Metadata) (*MatchResult, error) {
	meta[model.MetaMatchMethod] = model.MatchMethodNone
	meta[model.MetaPaidAmount] = strconv.FormatInt(e.PaidAmountMinor, 10)
	if e.Remark != "" {
		meta[model.MetaRemark] = e.Remark
	}

	record := &model.Order{
		ID:                 uuid.NewString(),
		ExternalReference:  model.UnmatchedPrefix + e.ProviderTradeID,
		ProviderTradeID:    e.ProviderTradeID,
		Provider:           e.Provider,
		AmountMinor:        e.PaidAmountMinor,
		Status:             model.OrderStatusFailed,
		CreatedAt:          s.now(),
		RawProviderPayload: e.RawPayload,
		Metadata:           meta,
	}

	stored, inserted, err := s.repo.CreateOrder(ctx, record)
	if err != nil {
		return nil, storeErr("record unmatched payment", err)
	}

	if inserted {
		s.logger.Warn("unmatched payment recorded",
			zap.String("provider", string(e.Provider)),
			zap.String("trade_id", e.ProviderTradeID),
			zap.String("reference", e.ExternalReference),
			zap.Int64("paid", e.PaidAmountMinor),
			zap.String("reason", meta[model.MetaReason]),
		)
	}

	return &MatchResult{Order: stored, Method: model.MatchMethodNone, Changed: inserted},
		fmt.Errorf("%w: trade %s (%s)", ErrUnmatchedEvent, e.ProviderTradeID, meta[model.MetaReason])
}
