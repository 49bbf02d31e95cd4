package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/creditledger/internal/model"
)

func TestMemoryCreateOrder_Uniqueness(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()

	first := sampleOrder()
	_, inserted, err := repo.CreateOrder(ctx, &first)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := sampleOrder()
	dup.ID = "other-id"
	got, inserted, err := repo.CreateOrder(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, got.ID)

	otherProvider := sampleOrder()
	otherProvider.ID = "card-id"
	otherProvider.Provider = model.ProviderCard
	_, inserted, err = repo.CreateOrder(ctx, &otherProvider)
	require.NoError(t, err)
	assert.True(t, inserted, "reference is unique per provider only")
}

func TestMemoryApplyCredit_ExactlyOnceUnderRace(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()

	o := sampleOrder()
	o.Status = model.OrderStatusPaid
	_, _, err := repo.CreateOrder(ctx, &o)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := repo.ApplyCredit(ctx, o.ID); err == nil && ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	balance, err := repo.GetBalance(ctx, o.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), balance)

	got, err := repo.GetOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCredited, got.Status)
	assert.NotNil(t, got.CreditedAt)
}

func TestMemoryExpirePending_SkipsNonPending(t *testing.T) {
	now := time.Date(2026, 10, 2, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository(func() time.Time { return now })
	ctx := context.Background()

	statuses := []model.OrderStatus{
		model.OrderStatusPending,
		model.OrderStatusPaid,
		model.OrderStatusPendingCredits,
		model.OrderStatusCredited,
	}
	for i, st := range statuses {
		o := sampleOrder()
		o.ID = string(st)
		o.ExternalReference = string(st)
		o.Status = st
		o.CreatedAt = now.Add(-48 * time.Hour).Add(time.Duration(i) * time.Minute)
		_, _, err := repo.CreateOrder(ctx, &o)
		require.NoError(t, err)
	}

	ids, err := repo.ExpirePending(ctx, now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{string(model.OrderStatusPending)}, ids)

	for _, st := range statuses[1:] {
		got, err := repo.GetOrderByID(ctx, string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got.Status)
	}
}

func TestMemoryMarkPaid_OnlyFromPending(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()

	o := sampleOrder()
	_, _, err := repo.CreateOrder(ctx, &o)
	require.NoError(t, err)

	ok, err := repo.MarkPaid(ctx, o.ID, "T-1", []byte("{}"), model.Metadata{model.MetaMatchMethod: model.MatchMethodRef})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkFailed(ctx, o.ID, "T-1", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetOrderByTradeID(ctx, o.Provider, "T-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, got.Status)
	assert.Equal(t, model.MatchMethodRef, got.Metadata[model.MetaMatchMethod])
}
