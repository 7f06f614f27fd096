package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
)

// QuotaRepository is the Postgres ledger. Balance reads and deductions go
// through the check_user_quota and deduct_user_quota functions so the
// check and the write happen in one server-side call.
type QuotaRepository struct {
	pool *pgxpool.Pool
}

var _ quota.Store = (*QuotaRepository)(nil)

func NewQuotaRepo(pool *pgxpool.Pool) *QuotaRepository {
	return &QuotaRepository{pool: pool}
}

func (r *QuotaRepository) CheckBalance(ctx context.Context, userID string) (model.QuotaBalance, error) {
	var sub, pkg int
	const q = `SELECT subscription_remaining, extra_package_remaining FROM check_user_quota($1)`
	if err := r.pool.QueryRow(ctx, q, userID).Scan(&sub, &pkg); err != nil {
		return model.QuotaBalance{}, fmt.Errorf("checking quota for user %s: %w", userID, err)
	}
	return model.NewQuotaBalance(sub, pkg), nil
}

func (r *QuotaRepository) Deduct(ctx context.Context, userID string, amount int, meta model.TransactionMetadata) (quota.Deduction, error) {
	if amount <= 0 {
		return quota.Deduction{}, fmt.Errorf("%w: %d", quota.ErrInvalidAmount, amount)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return quota.Deduction{}, fmt.Errorf("marshal %s metadata: %w", meta.Action(), err)
	}

	var (
		ok        bool
		txID      *string
		remaining int
	)
	const q = `SELECT ok, transaction_id, remaining FROM deduct_user_quota($1, $2, $3, $4)`
	err = r.pool.QueryRow(ctx, q, userID, amount, string(meta.Action()), raw).Scan(&ok, &txID, &remaining)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "P0002" {
			return quota.Deduction{}, quota.ErrAccountNotFound
		}
		return quota.Deduction{}, fmt.Errorf("deducting %d quota for user %s: %w", amount, userID, err)
	}
	if !ok {
		return quota.Deduction{}, quota.ErrInsufficientQuota
	}
	d := quota.Deduction{Deducted: amount, Remaining: remaining}
	if txID != nil {
		d.TransactionID = *txID
	}
	return d, nil
}

// GrantSubscription keeps quota_used when the same period is replayed and
// resets it when the period or the Stripe subscription changes.
func (r *QuotaRepository) GrantSubscription(ctx context.Context, sub model.Subscription) error {
	const q = `
		INSERT INTO user_subscriptions (user_id, plan_id, stripe_subscription_id, quota_total, quota_used, starts_at, end_date, status)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			quota_used = CASE
				WHEN user_subscriptions.starts_at = EXCLUDED.starts_at
				 AND user_subscriptions.end_date = EXCLUDED.end_date
				 AND user_subscriptions.stripe_subscription_id IS NOT DISTINCT FROM EXCLUDED.stripe_subscription_id
				THEN user_subscriptions.quota_used
				ELSE 0
			END,
			plan_id = EXCLUDED.plan_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			quota_total = EXCLUDED.quota_total,
			starts_at = EXCLUDED.starts_at,
			end_date = EXCLUDED.end_date,
			status = EXCLUDED.status,
			updated_at = now()
	`
	_, err := r.pool.Exec(ctx, q, sub.UserID, sub.PlanID, sub.StripeSubscriptionID, sub.QuotaTotal, sub.StartsAt, sub.EndDate, sub.Status)
	if err != nil {
		return fmt.Errorf("granting subscription %s to user %s: %w", sub.PlanID, sub.UserID, err)
	}
	return nil
}

func (r *QuotaRepository) CancelSubscription(ctx context.Context, stripeSubscriptionID string) error {
	const q = `UPDATE user_subscriptions SET status = 'canceled', updated_at = now() WHERE stripe_subscription_id = $1`
	if _, err := r.pool.Exec(ctx, q, stripeSubscriptionID); err != nil {
		return fmt.Errorf("canceling subscription %s: %w", stripeSubscriptionID, err)
	}
	return nil
}

func (r *QuotaRepository) GrantPackage(ctx context.Context, pkg model.QuotaPackage) error {
	if pkg.QuotaAmount <= 0 {
		return fmt.Errorf("%w: %d", quota.ErrInvalidAmount, pkg.QuotaAmount)
	}
	const q = `
		INSERT INTO quota_packages (user_id, quota_amount, quota_remaining, expires_at, stripe_session_id)
		VALUES ($1, $2, $2, $3, $4)
		ON CONFLICT (stripe_session_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, q, pkg.UserID, pkg.QuotaAmount, pkg.ExpiresAt, pkg.StripeSessionID); err != nil {
		return fmt.Errorf("granting package %s to user %s: %w", pkg.StripeSessionID, pkg.UserID, err)
	}
	return nil
}

func (r *QuotaRepository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]model.QuotaTransaction, error) {
	const q = `
		SELECT id, user_id, amount, action, metadata, created_at
		FROM quota_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing quota transactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	txs := []model.QuotaTransaction{}
	for rows.Next() {
		var (
			t      model.QuotaTransaction
			action string
			raw    []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &action, &raw, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning quota transaction: %w", err)
		}
		t.Action = model.ActionType(action)
		meta, err := model.DecodeTransactionMetadata(t.Action, raw)
		if err != nil {
			return nil, fmt.Errorf("decoding transaction %s: %w", t.ID, err)
		}
		t.Metadata = meta
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating quota transactions: %w", err)
	}
	return txs, nil
}
