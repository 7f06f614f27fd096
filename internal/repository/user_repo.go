package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
)

type UserRepository interface {
	CreateUser(ctx context.Context, u *model.Account) error
	// GetAccount returns quota.ErrAccountNotFound for unknown users.
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (*model.Account, error)
	UpdateStripeCustomerID(ctx context.Context, userID, customerID string) error
}

type userRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

const accountColumns = `user_id, name, email, avatar_url, stripe_customer_id, disabled, disabled_reason, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var u model.Account
	err := row.Scan(&u.UserID, &u.Name, &u.Email, &u.AvatarURL, &u.StripeCustomerID, &u.Disabled, &u.DisabledReason, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) CreateUser(ctx context.Context, u *model.Account) error {
	query := `INSERT INTO user_profiles (user_id, name, email, avatar_url)
              VALUES ($1, $2, $3, $4) RETURNING ` + accountColumns
	created, err := scanAccount(r.pool.QueryRow(ctx, query, u.UserID, u.Name, u.Email, u.AvatarURL))
	if err != nil {
		return fmt.Errorf("creating user %s: %w", u.UserID, err)
	}
	*u = *created
	return nil
}

func (r *userRepo) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM user_profiles WHERE user_id = $1`
	u, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, quota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("fetch user %s: %w", id, err)
	}
	return u, nil
}

func (r *userRepo) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM user_profiles WHERE stripe_customer_id = $1`
	u, err := scanAccount(r.pool.QueryRow(ctx, query, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, quota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("fetch user by stripe customer %s: %w", customerID, err)
	}
	return u, nil
}

func (r *userRepo) UpdateStripeCustomerID(ctx context.Context, userID, customerID string) error {
	const q = `UPDATE user_profiles SET stripe_customer_id = $2, updated_at = now() WHERE user_id = $1`
	tag, err := r.pool.Exec(ctx, q, userID, customerID)
	if err != nil {
		return fmt.Errorf("updating stripe customer for user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return quota.ErrAccountNotFound
	}
	return nil
}
