package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/creditledger/internal/model"
)

// RetryReport - итог повторного начисления по зависшим заказам.
type RetryReport struct {
	Scanned  int `json:"scanned"`
	Credited int `json:"credited"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// ExpireReport - итог истечения неоплаченных заказов.
type ExpireReport struct {
	Expired int      `json:"expired"`
	IDs     []string `json:"ids,omitempty"`
}

// RunRetry повторно начисляет кредиты по заказам в pending_credits и по заказам
// в paid, которые не дошли до начисления за PaidGrace.
func (s *Service) RunRetry(ctx context.Context) (*RetryReport, error) {
	now := s.now()

	stuck, err := s.repo.ListOrdersByStatus(ctx, model.OrderStatusPendingCredits, now, s.opts.RecoveryBatch)
	if err != nil {
		return nil, storeErr("list pending credits", err)
	}

	paid, err := s.repo.ListOrdersByStatus(ctx, model.OrderStatusPaid, now.Add(-s.opts.PaidGrace), s.opts.RecoveryBatch)
	if err != nil {
		return nil, storeErr("list paid orders", err)
	}

	orders := append(stuck, paid...)

	var credited, skipped, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.opts.RecoveryConcurrency)

	for _, o := range orders {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			applied, err := s.applyCredit(ctx, o.ID)
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Error("recovery credit failed",
					zap.String("order_id", o.ID),
					zap.Int("attempts", o.CreditAttempts+1),
					zap.Error(err),
				)
			case applied:
				credited.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()

	report := &RetryReport{
		Scanned:  len(orders),
		Credited: int(credited.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}

	s.logger.Info("recovery retry finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("credited", report.Credited),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)

	return report, err
}

// RunExpire переводит в expired заказы, не оплаченные за PendingExpiry.
func (s *Service) RunExpire(ctx context.Context) (*ExpireReport, error) {
	olderThan := s.now().Add(-s.opts.PendingExpiry)
	report := &ExpireReport{}

	for {
		ids, err := s.repo.ExpirePending(ctx, olderThan, s.opts.RecoveryBatch)
		if err != nil {
			return report, storeErr("expire pending orders", err)
		}

		report.IDs = append(report.IDs, ids...)
		if len(ids) < s.opts.RecoveryBatch {
			break
		}
	}

	report.Expired = len(report.IDs)
	if report.Expired > 0 {
		s.logger.Info("pending orders expired", zap.Int("count", report.Expired))
	}

	return report, nil
}

// Start запускает фоновое восстановление: повтор начислений и истечение заказов
// по расписанию. Завершается вместе с ctx.
func (s *Service) Start(ctx context.Context) {
	go func() {
		retry := time.NewTicker(s.opts.RetryInterval)
		defer retry.Stop()
		expire := time.NewTicker(s.opts.ExpireInterval)
		defer expire.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-retry.C:
				if _, err := s.RunRetry(ctx); err != nil {
					s.logger.Error("scheduled retry failed", zap.Error(err))
				}
			case <-expire.C:
				if _, err := s.RunExpire(ctx); err != nil {
					s.logger.Error("scheduled expiry failed", zap.Error(err))
				}
			}
		}
	}()
}
