package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
)

// newTestPool connects to TEST_DATABASE_URL and applies migrations.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func newTestUser(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	ctx := context.Background()
	u := &model.Account{UserID: uuid.New().String(), Name: "Test", Email: "test@example.com"}
	require.NoError(t, NewUserRepo(pool).CreateUser(ctx, u))
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM user_profiles WHERE user_id = $1`, u.UserID)
	})
	return u.UserID
}

func TestQuotaRepoDeductOrder(t *testing.T) {
	pool := newTestPool(t)
	repo := NewQuotaRepo(pool)
	ctx := context.Background()
	user := newTestUser(t, pool)

	now := time.Now()
	require.NoError(t, repo.GrantSubscription(ctx, model.Subscription{
		UserID: user, PlanID: "price_pro", QuotaTotal: 2,
		StartsAt: now.Add(-time.Hour), EndDate: now.Add(24 * time.Hour), Status: "active",
	}))
	require.NoError(t, repo.GrantPackage(ctx, model.QuotaPackage{UserID: user, QuotaAmount: 5, ExpiresAt: now.Add(48 * time.Hour), StripeSessionID: "cs_late_" + user}))
	require.NoError(t, repo.GrantPackage(ctx, model.QuotaPackage{UserID: user, QuotaAmount: 5, ExpiresAt: now.Add(24 * time.Hour), StripeSessionID: "cs_early_" + user}))
	// Replayed webhook.
	require.NoError(t, repo.GrantPackage(ctx, model.QuotaPackage{UserID: user, QuotaAmount: 5, ExpiresAt: now.Add(24 * time.Hour), StripeSessionID: "cs_early_" + user}))

	bal, err := repo.CheckBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 12, bal.TotalRemaining)

	d, err := repo.Deduct(ctx, user, 6, model.OutlineMetadata{Topic: "cells", Pricing: model.Pricing{BaseCost: 1, Multiplier: 1}})
	require.NoError(t, err)
	assert.Equal(t, 6, d.Remaining)

	var early int
	require.NoError(t, pool.QueryRow(ctx, `SELECT quota_remaining FROM quota_packages WHERE stripe_session_id = $1`, "cs_early_"+user).Scan(&early))
	assert.Equal(t, 1, early)

	_, err = repo.Deduct(ctx, user, 7, model.OutlineMetadata{Topic: "cells"})
	require.ErrorIs(t, err, quota.ErrInsufficientQuota)

	txs, err := repo.ListTransactions(ctx, user, 20, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.ActionGenerateOutline, txs[0].Action)
	meta, ok := txs[0].Metadata.(*model.OutlineMetadata)
	require.True(t, ok)
	assert.Equal(t, "cells", meta.Topic)
}

func TestQuotaRepoConcurrentFullBalance(t *testing.T) {
	pool := newTestPool(t)
	repo := NewQuotaRepo(pool)
	ctx := context.Background()
	user := newTestUser(t, pool)
	require.NoError(t, repo.GrantPackage(ctx, model.QuotaPackage{UserID: user, QuotaAmount: 4, ExpiresAt: time.Now().Add(time.Hour), StripeSessionID: "cs_" + user}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = repo.Deduct(ctx, user, 4, model.GenerateImageMetadata{Prompt: "p"})
		}()
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else {
			assert.ErrorIs(t, err, quota.ErrInsufficientQuota)
		}
	}
	assert.Equal(t, 1, okCount)

	bal, err := repo.CheckBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.TotalRemaining)
}

func TestQuotaRepoUnknownUser(t *testing.T) {
	pool := newTestPool(t)
	repo := NewQuotaRepo(pool)
	_, err := repo.Deduct(context.Background(), uuid.New().String(), 1, model.GenerateImageMetadata{})
	require.ErrorIs(t, err, quota.ErrAccountNotFound)

	_, err = NewUserRepo(pool).GetAccount(context.Background(), uuid.New().String())
	require.ErrorIs(t, err, quota.ErrAccountNotFound)
}
