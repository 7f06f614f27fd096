package quota

import (
	"context"
	"time"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
)

// Ledger owns the authoritative balance of every account.
type Ledger interface {
	// CheckBalance may undercount a just-granted package but never reports
	// quota that has already been consumed.
	CheckBalance(ctx context.Context, accountID string) (model.QuotaBalance, error)
	// Deduct atomically removes amount from the account and records one
	// transaction. Returns ErrInsufficientQuota when the balance is too low.
	Deduct(ctx context.Context, accountID string, amount int, meta model.TransactionMetadata) (Deduction, error)
}

// Deduction is the outcome of a committed Deduct.
type Deduction struct {
	TransactionID string
	Deducted      int
	Remaining     int
}

// Granter adds quota as a result of payments.
type Granter interface {
	// GrantSubscription installs the allowance for a billing period. Granting
	// the same period twice keeps the usage already recorded.
	GrantSubscription(ctx context.Context, sub model.Subscription) error
	CancelSubscription(ctx context.Context, stripeSubscriptionID string) error
	// GrantPackage is idempotent on the package's Stripe session id.
	GrantPackage(ctx context.Context, pkg model.QuotaPackage) error
}

// TransactionLister reads the usage log, newest first.
type TransactionLister interface {
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]model.QuotaTransaction, error)
}

// Store is a full ledger backend.
type Store interface {
	Ledger
	Granter
	TransactionLister
}

// AccountLoader loads account flags for the gate.
type AccountLoader interface {
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
}

// Clock is swapped in tests.
var Clock = time.Now
