package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEarnCoinsDailyCap(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T08:00:00Z"))
	ctx := context.Background()
	w := env.engine.Wallet

	res, err := w.EarnCoins(ctx, "u1", 60, "battle_won")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(60), res.Balance)

	// the whole amount is rejected when it would cross the cap
	res, err = w.EarnCoins(ctx, "u1", 50, "battle_won")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCapReached, res.Reason)
	assert.Equal(t, int64(60), res.Balance)
	assert.Equal(t, int64(60), env.balance(t, "u1"))

	res, err = w.EarnCoins(ctx, "u1", 40, "battle_won")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(100), res.DailyEarned)

	env.clock.Set(utcTime(t, "2026-03-11T08:00:00Z"))
	res, err = w.EarnCoins(ctx, "u1", 50, "battle_won")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(50), res.DailyEarned)
	assert.Equal(t, int64(150), res.Balance)
}

func TestSpendCoinsInsufficientBalance(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T08:00:00Z"))
	ctx := context.Background()
	w := env.engine.Wallet

	_, err := w.EarnCoins(ctx, "u1", 100, "daily_login")
	require.NoError(t, err)
	before, err := w.GetHistory(ctx, "u1", 1, 20)
	require.NoError(t, err)

	_, err = w.SpendCoins(ctx, "u1", 150, "premium_style")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	after, err := w.GetHistory(ctx, "u1", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, before.TotalItems, after.TotalItems)
	assert.Equal(t, int64(100), env.balance(t, "u1"))

	res, err := w.SpendCoins(ctx, "u1", 30, "premium_style")
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Balance)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, int64(-30), res.Transaction.Amount)
	assert.Equal(t, int64(100), res.Transaction.BalanceBefore)
	assert.Equal(t, int64(70), res.Transaction.BalanceAfter)
}

func TestPurchaseCoinsOncePerPayment(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T08:00:00Z"))
	ctx := context.Background()
	w := env.engine.Wallet

	res, err := w.PurchaseCoins(ctx, "u1", "popular", "pay_123")
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Balance)
	require.NotNil(t, res.Transaction.Price)
	assert.Equal(t, "3.99", res.Transaction.Price.StringFixed(2))

	_, err = w.PurchaseCoins(ctx, "u1", "popular", "pay_123")
	assert.ErrorIs(t, err, ErrDuplicatePayment)
	assert.Equal(t, int64(500), env.balance(t, "u1"))

	_, err = w.PurchaseCoins(ctx, "u1", "gigantic", "pay_456")
	assert.ErrorIs(t, err, ErrValidation)

	// purchases are not subject to the earn cap
	earn, err := w.EarnCoins(ctx, "u1", 100, "daily_login")
	require.NoError(t, err)
	assert.True(t, earn.Success)
}

func TestVerifyLedger(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T08:00:00Z"))
	ctx := context.Background()
	w := env.engine.Wallet

	_, err := w.EarnCoins(ctx, "u1", 80, "daily_login")
	require.NoError(t, err)
	_, err = w.PurchaseCoins(ctx, "u1", "starter", "pay_1")
	require.NoError(t, err)
	_, err = w.SpendCoins(ctx, "u1", 50, "extra_battle")
	require.NoError(t, err)
	_, err = w.RefundCoins(ctx, "u1", 10, "extra_battle")
	require.NoError(t, err)

	sum, balance, ok, err := w.VerifyLedger(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(140), balance)
	assert.Equal(t, balance, sum)

	history, err := w.GetHistory(ctx, "u1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), history.TotalItems)
	assert.Equal(t, 2, history.TotalPages)
	assert.Len(t, history.Transactions, 2)
}
