package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/creditledger/internal/model"
)

// MemoryRepository хранит заказы и балансы в памяти процесса.
// Условные переходы статусов выполняются под одной блокировкой, поэтому
// семантика совпадает с PostgresRepository в пределах одного процесса.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	orders   map[string]*model.Order
	accounts map[int64]int64
}

// NewMemoryRepository создаёт пустое хранилище. Если now равен nil, используется time.Now.
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		now:      now,
		orders:   make(map[string]*model.Order),
		accounts: make(map[int64]int64),
	}
}

func cloneOrder(o *model.Order) *model.Order {
	c := *o
	c.Metadata = maps.Clone(o.Metadata)
	if c.Metadata == nil {
		c.Metadata = model.Metadata{}
	}
	if o.RawProviderPayload != nil {
		c.RawProviderPayload = append([]byte(nil), o.RawProviderPayload...)
	}
	if o.CreditedAt != nil {
		t := *o.CreditedAt
		c.CreditedAt = &t
	}
	return &c
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

// Ping всегда успешен.
func (m *MemoryRepository) Ping(context.Context) error { return nil }

// EnsureAccount создаёт счёт пользователя с нулевым балансом.
func (m *MemoryRepository) EnsureAccount(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[userID]; !ok {
		m.accounts[userID] = 0
	}
	return nil
}

// AccountExists сообщает, заведён ли счёт пользователя.
func (m *MemoryRepository) AccountExists(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.accounts[userID]
	return ok, nil
}

// GetBalance возвращает баланс кредитов пользователя.
func (m *MemoryRepository) GetBalance(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.accounts[userID], nil
}

func (m *MemoryRepository) findLocked(match func(o *model.Order) bool) *model.Order {
	for _, o := range m.orders {
		if match(o) {
			return o
		}
	}
	return nil
}

// CreateOrder сохраняет заказ с проверкой уникальности ссылки и транзакции провайдера.
func (m *MemoryRepository) CreateOrder(_ context.Context, o *model.Order) (*model.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.findLocked(func(e *model.Order) bool {
		if e.Provider != o.Provider {
			return false
		}
		return e.ExternalReference == o.ExternalReference ||
			(o.ProviderTradeID != "" && e.ProviderTradeID == o.ProviderTradeID)
	})
	if existing != nil {
		return cloneOrder(existing), false, nil
	}
	if _, ok := m.orders[o.ID]; ok {
		return nil, false, fmt.Errorf("%w: id %s", ErrDuplicateOrder, o.ID)
	}

	stored := cloneOrder(o)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.orders[o.ID] = stored

	return cloneOrder(stored), true, nil
}

func (m *MemoryRepository) getOrder(match func(o *model.Order) bool) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.findLocked(match)
	if o == nil {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// GetOrderByID возвращает заказ по внутреннему идентификатору.
func (m *MemoryRepository) GetOrderByID(_ context.Context, id string) (*model.Order, error) {
	return m.getOrder(func(o *model.Order) bool { return o.ID == id })
}

// GetOrderByReference возвращает заказ по ссылке мерчанта.
func (m *MemoryRepository) GetOrderByReference(_ context.Context, provider model.Provider, ref string) (*model.Order, error) {
	return m.getOrder(func(o *model.Order) bool {
		return o.Provider == provider && o.ExternalReference == ref
	})
}

// GetOrderByTradeID возвращает заказ по идентификатору транзакции провайдера.
func (m *MemoryRepository) GetOrderByTradeID(_ context.Context, provider model.Provider, tradeID string) (*model.Order, error) {
	return m.getOrder(func(o *model.Order) bool {
		return o.Provider == provider && tradeID != "" && o.ProviderTradeID == tradeID
	})
}

// GetUserOrder возвращает заказ пользователя по ссылке мерчанта.
func (m *MemoryRepository) GetUserOrder(_ context.Context, userID int64, ref string) (*model.Order, error) {
	return m.getOrder(func(o *model.Order) bool {
		return o.UserID == userID && o.ExternalReference == ref
	})
}

func (m *MemoryRepository) selectLocked(match func(o *model.Order) bool, less func(a, b *model.Order) bool, limit int) []model.Order {
	var found []*model.Order
	for _, o := range m.orders {
		if match(o) {
			found = append(found, o)
		}
	}
	sort.Slice(found, func(i, j int) bool { return less(found[i], found[j]) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	res := make([]model.Order, 0, len(found))
	for _, o := range found {
		res = append(res, *cloneOrder(o))
	}
	return res
}

// FindFallbackCandidates возвращает ожидающие оплаты заказы провайдера с близкой суммой.
func (m *MemoryRepository) FindFallbackCandidates(_ context.Context, provider model.Provider, amountMinor, epsilon int64, since time.Time, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.selectLocked(func(o *model.Order) bool {
		return o.Provider == provider &&
			o.Status == model.OrderStatusPending &&
			o.AmountMinor >= amountMinor-epsilon && o.AmountMinor <= amountMinor+epsilon &&
			!o.CreatedAt.Before(since)
	}, func(a, b *model.Order) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit), nil
}

// MarkPaid переводит заказ из pending в paid.
func (m *MemoryRepository) MarkPaid(_ context.Context, id, tradeID string, payload []byte, meta model.Metadata) (bool, error) {
	return m.resolvePending(model.OrderStatusPaid, id, tradeID, payload, meta)
}

// MarkFailed переводит заказ из pending в failed.
func (m *MemoryRepository) MarkFailed(_ context.Context, id, tradeID string, payload []byte, meta model.Metadata) (bool, error) {
	return m.resolvePending(model.OrderStatusFailed, id, tradeID, payload, meta)
}

func (m *MemoryRepository) resolvePending(to model.OrderStatus, id, tradeID string, payload []byte, meta model.Metadata) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.Status != model.OrderStatusPending {
		return false, nil
	}

	if tradeID != "" {
		dup := m.findLocked(func(e *model.Order) bool {
			return e.ID != id && e.Provider == o.Provider && e.ProviderTradeID == tradeID
		})
		if dup != nil {
			return false, fmt.Errorf("%w: trade %s", ErrDuplicateOrder, tradeID)
		}
	}

	o.Status = to
	o.ProviderTradeID = tradeID
	o.RawProviderPayload = append([]byte(nil), payload...)
	if o.Metadata == nil {
		o.Metadata = model.Metadata{}
	}
	maps.Copy(o.Metadata, meta)
	o.UpdatedAt = m.now()

	return true, nil
}

// BeginCredit фиксирует попытку начисления: paid|pending_credits -> pending_credits.
func (m *MemoryRepository) BeginCredit(_ context.Context, id string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || (o.Status != model.OrderStatusPaid && o.Status != model.OrderStatusPendingCredits) {
		return 0, false, nil
	}

	o.Status = model.OrderStatusPendingCredits
	o.CreditAttempts++
	o.UpdatedAt = m.now()

	return o.CreditAttempts, true, nil
}

// ApplyCredit атомарно переводит заказ в credited и увеличивает баланс пользователя.
func (m *MemoryRepository) ApplyCredit(_ context.Context, id string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || (o.Status != model.OrderStatusPaid && o.Status != model.OrderStatusPendingCredits) {
		return 0, false, nil
	}

	now := m.now()
	o.Status = model.OrderStatusCredited
	o.CreditedAt = &now
	o.UpdatedAt = now
	m.accounts[o.UserID] += o.CreditsRequested

	return m.accounts[o.UserID], true, nil
}

// ListOrdersByStatus возвращает заказы в статусе status, не обновлявшиеся после updatedBefore.
func (m *MemoryRepository) ListOrdersByStatus(_ context.Context, status model.OrderStatus, updatedBefore time.Time, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.selectLocked(func(o *model.Order) bool {
		return o.Status == status && !o.UpdatedAt.After(updatedBefore)
	}, func(a, b *model.Order) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

// ListUnmatched возвращает несопоставленные платежи, новые первыми.
func (m *MemoryRepository) ListUnmatched(_ context.Context, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.selectLocked(func(o *model.Order) bool {
		return o.Status == model.OrderStatusFailed && o.IsUnmatched()
	}, func(a, b *model.Order) bool { return a.CreatedAt.After(b.CreatedAt) }, limit), nil
}

// ExpirePending переводит в expired ожидающие заказы, созданные раньше olderThan.
func (m *MemoryRepository) ExpirePending(_ context.Context, olderThan time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := m.selectLocked(func(o *model.Order) bool {
		return o.Status == model.OrderStatusPending && o.CreatedAt.Before(olderThan)
	}, func(a, b *model.Order) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit)

	now := m.now()
	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		o := m.orders[s.ID]
		o.Status = model.OrderStatusExpired
		o.UpdatedAt = now
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// CancelOrder отменяет ожидающий оплаты заказ пользователя.
func (m *MemoryRepository) CancelOrder(_ context.Context, userID int64, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.findLocked(func(o *model.Order) bool {
		return o.UserID == userID && o.ExternalReference == ref && o.Status == model.OrderStatusPending
	})
	if o == nil {
		return false, nil
	}
	o.Status = model.OrderStatusCancelled
	o.UpdatedAt = m.now()
	return true, nil
}

// HealthStats считает агрегаты по заказам для мониторинга.
func (m *MemoryRepository) HealthStats(_ context.Context, staleBefore, windowStart time.Time) (*model.HealthStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s model.HealthStats
	for _, o := range m.orders {
		switch o.Status {
		case model.OrderStatusPending:
			if o.CreatedAt.Before(staleBefore) {
				s.StalePending++
			}
		case model.OrderStatusPendingCredits:
			s.PendingCredits++
		case model.OrderStatusFailed:
			s.Failed++
			if o.IsUnmatched() {
				s.Unmatched++
			}
		}
		if o.Metadata[model.MetaMatchMethod] == model.MatchMethodFallback {
			s.FallbackMatched++
		}
		if o.Status.IsTerminal() && !o.UpdatedAt.Before(windowStart) {
			s.TerminalInWindow++
			if o.Status == model.OrderStatusCredited {
				s.CreditedInWindow++
			}
		}
	}
	return &s, nil
}
