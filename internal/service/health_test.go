package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/creditledger/internal/model"
)

func TestSnapshot_Empty(t *testing.T) {
	svc, _, _ := newTestService(t)

	report, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Healthy())
	assert.Equal(t, 1.0, report.SuccessRate)
	assert.Equal(t, "24h0m0s", report.Window)
}

func TestSnapshot_Counts(t *testing.T) {
	svc, repo, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePurchase(ctx, testUserID, model.ProviderWallet, "pack_120")
	require.NoError(t, err)

	credited, err := svc.CreatePurchase(ctx, testUserID, model.ProviderWallet, "pack_350")
	require.NoError(t, err)
	_, err = svc.ProcessEvent(ctx, walletEvent(credited.Reference, "T-1", 4990))
	require.NoError(t, err)

	stuck := paidOrder(t, svc, testUserID, "pack_800", 9990, "T-2")
	_, _, err = repo.BeginCredit(ctx, stuck.ID)
	require.NoError(t, err)

	_, err = svc.ProcessEvent(ctx, walletEvent("", "T-3", 31337))
	require.ErrorIs(t, err, ErrUnmatchedEvent)

	clock.Advance(2 * time.Hour)

	report, err := svc.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.StalePending)
	assert.Equal(t, int64(1), report.PendingCredits)
	assert.Equal(t, int64(1), report.Failed)
	assert.Equal(t, int64(1), report.Unmatched)
	assert.Equal(t, int64(1), report.CreditedInWindow)
	assert.Equal(t, int64(2), report.TerminalInWindow)
	assert.InDelta(t, 0.5, report.SuccessRate, 1e-9)
	assert.Len(t, report.Alerts, 4)
	assert.False(t, report.Healthy())
}

func TestSnapshot_FallbackMatched(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePurchase(ctx, testUserID, model.ProviderWallet, "pack_350")
	require.NoError(t, err)

	res, err := svc.ProcessEvent(ctx, walletEvent("", "T-9", 4990))
	require.NoError(t, err)
	require.Equal(t, model.MatchMethodFallback, res.Method)

	report, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.FallbackMatched)
	assert.Equal(t, 1.0, report.SuccessRate)
}
