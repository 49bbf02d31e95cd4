// Package service реализует сверку платежей и начисление кредитов.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/remark"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error

	EnsureAccount(ctx context.Context, userID int64) error
	AccountExists(ctx context.Context, userID int64) (bool, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)

	CreateOrder(ctx context.Context, o *model.Order) (*model.Order, bool, error)
	GetOrderByID(ctx context.Context, id string) (*model.Order, error)
	GetOrderByReference(ctx context.Context, provider model.Provider, ref string) (*model.Order, error)
	GetOrderByTradeID(ctx context.Context, provider model.Provider, tradeID string) (*model.Order, error)
	GetUserOrder(ctx context.Context, userID int64, ref string) (*model.Order, error)
	FindFallbackCandidates(ctx context.Context, provider model.Provider, amountMinor, epsilon int64, since time.Time, limit int) ([]model.Order, error)

	MarkPaid(ctx context.Context, id, tradeID string, payload []byte, meta model.Metadata) (bool, error)
	MarkFailed(ctx context.Context, id, tradeID string, payload []byte, meta model.Metadata) (bool, error)
	BeginCredit(ctx context.Context, id string) (int, bool, error)
	ApplyCredit(ctx context.Context, id string) (int64, bool, error)

	ListOrdersByStatus(ctx context.Context, status model.OrderStatus, updatedBefore time.Time, limit int) ([]model.Order, error)
	ListUnmatched(ctx context.Context, limit int) ([]model.Order, error)
	ExpirePending(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
	CancelOrder(ctx context.Context, userID int64, ref string) (bool, error)
	HealthStats(ctx context.Context, staleBefore, windowStart time.Time) (*model.HealthStats, error)
}

// Options задаёт параметры сверки и восстановления.
type Options struct {
	PriceTable         []model.PricePoint
	AmountEpsilonMinor int64
	FallbackWindow     time.Duration
	PendingExpiry      time.Duration
	PaidGrace          time.Duration

	RetryInterval       time.Duration
	ExpireInterval      time.Duration
	RecoveryBatch       int
	RecoveryConcurrency int

	StalePendingAfter time.Duration
	HealthWindow      time.Duration
}

func (o Options) withDefaults() Options {
	if o.FallbackWindow <= 0 {
		o.FallbackWindow = 30 * time.Minute
	}
	if o.PendingExpiry <= 0 {
		o.PendingExpiry = 24 * time.Hour
	}
	if o.PaidGrace <= 0 {
		o.PaidGrace = 5 * time.Minute
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Hour
	}
	if o.ExpireInterval <= 0 {
		o.ExpireInterval = 24 * time.Hour
	}
	if o.RecoveryBatch <= 0 {
		o.RecoveryBatch = 100
	}
	if o.RecoveryConcurrency <= 0 {
		o.RecoveryConcurrency = 4
	}
	if o.StalePendingAfter <= 0 {
		o.StalePendingAfter = time.Hour
	}
	if o.HealthWindow <= 0 {
		o.HealthWindow = 24 * time.Hour
	}
	return o
}

// Service содержит бизнес-логику сверки платежей и начисления кредитов.
type Service struct {
	repo    Repository
	remarks *remark.Codec
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
}

// NewService создаёт новый сервис. remarks может быть nil, тогда сопоставление
// по примечанию отключено.
func NewService(repo Repository, remarks *remark.Codec, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		remarks: remarks,
		logger:  logger,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// PriceTable возвращает прайс-лист провайдера.
func (s *Service) PriceTable(provider model.Provider) []model.PricePoint {
	var res []model.PricePoint
	for _, p := range s.opts.PriceTable {
		if p.Provider == provider {
			res = append(res, p)
		}
	}
	return res
}

func (s *Service) pricePoint(provider model.Provider, packageID string) (model.PricePoint, bool) {
	for _, p := range s.opts.PriceTable {
		if p.Provider == provider && p.PackageID == packageID {
			return p, true
		}
	}
	return model.PricePoint{}, false
}

// priceByAmount ищет пакет провайдера, цена которого отличается от amount не больше чем на epsilon.
func (s *Service) priceByAmount(provider model.Provider, amount int64) (model.PricePoint, bool) {
	best, found := model.PricePoint{}, false
	for _, p := range s.opts.PriceTable {
		if p.Provider != provider {
			continue
		}
		diff := abs(p.AmountMinor - amount)
		if diff > s.opts.AmountEpsilonMinor {
			continue
		}
		if !found || diff < abs(best.AmountMinor-amount) {
			best, found = p, true
		}
	}
	return best, found
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
