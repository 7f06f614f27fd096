package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
)

// MemoryLedger is a single-process Store. One mutex serializes every
// deduction, which is enough for local development and tests.
type MemoryLedger struct {
	mu           sync.Mutex
	subs         map[string]*model.Subscription
	packages     map[string][]*model.QuotaPackage
	sessions     map[string]bool
	transactions map[string][]model.QuotaTransaction
}

var _ Store = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		subs:         make(map[string]*model.Subscription),
		packages:     make(map[string][]*model.QuotaPackage),
		sessions:     make(map[string]bool),
		transactions: make(map[string][]model.QuotaTransaction),
	}
}

func (l *MemoryLedger) CheckBalance(_ context.Context, accountID string) (model.QuotaBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(accountID), nil
}

func (l *MemoryLedger) balance(accountID string) model.QuotaBalance {
	now := Clock()
	sub := 0
	if s, ok := l.subs[accountID]; ok {
		sub = s.Remaining(now)
	}
	pkg := 0
	for _, p := range l.packages[accountID] {
		if now.Before(p.ExpiresAt) && p.QuotaRemaining > 0 {
			pkg += p.QuotaRemaining
		}
	}
	return model.NewQuotaBalance(sub, pkg)
}

func (l *MemoryLedger) Deduct(_ context.Context, accountID string, amount int, meta model.TransactionMetadata) (Deduction, error) {
	if amount <= 0 {
		return Deduction{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if meta == nil {
		return Deduction{}, fmt.Errorf("deduct for user %s: missing metadata", accountID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(accountID)
	if bal.TotalRemaining < amount {
		return Deduction{}, ErrInsufficientQuota
	}

	now := Clock()
	left := amount
	if s, ok := l.subs[accountID]; ok {
		take := min(s.Remaining(now), left)
		s.QuotaUsed += take
		left -= take
	}
	// Earliest expiry first.
	pkgs := l.packages[accountID]
	sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i].ExpiresAt.Before(pkgs[j].ExpiresAt) })
	for _, p := range pkgs {
		if left == 0 {
			break
		}
		if !now.Before(p.ExpiresAt) || p.QuotaRemaining <= 0 {
			continue
		}
		take := min(p.QuotaRemaining, left)
		p.QuotaRemaining -= take
		left -= take
	}

	tx := model.QuotaTransaction{
		ID:        uuid.New().String(),
		UserID:    accountID,
		Amount:    amount,
		Action:    meta.Action(),
		Metadata:  meta,
		CreatedAt: now,
	}
	l.transactions[accountID] = append(l.transactions[accountID], tx)

	return Deduction{
		TransactionID: tx.ID,
		Deducted:      amount,
		Remaining:     bal.TotalRemaining - amount,
	}, nil
}

func (l *MemoryLedger) GrantSubscription(_ context.Context, sub model.Subscription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.subs[sub.UserID]; ok && samePeriod(cur, &sub) {
		cur.QuotaTotal = sub.QuotaTotal
		cur.Status = sub.Status
		return nil
	}
	s := sub
	s.QuotaUsed = 0
	l.subs[sub.UserID] = &s
	return nil
}

func samePeriod(a, b *model.Subscription) bool {
	if !a.StartsAt.Equal(b.StartsAt) || !a.EndDate.Equal(b.EndDate) {
		return false
	}
	if a.StripeSubscriptionID == nil || b.StripeSubscriptionID == nil {
		return a.StripeSubscriptionID == b.StripeSubscriptionID
	}
	return *a.StripeSubscriptionID == *b.StripeSubscriptionID
}

func (l *MemoryLedger) CancelSubscription(_ context.Context, stripeSubscriptionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range l.subs {
		if s.StripeSubscriptionID != nil && *s.StripeSubscriptionID == stripeSubscriptionID {
			s.Status = "canceled"
		}
	}
	return nil
}

func (l *MemoryLedger) GrantPackage(_ context.Context, pkg model.QuotaPackage) error {
	if pkg.QuotaAmount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, pkg.QuotaAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if pkg.StripeSessionID != "" {
		if l.sessions[pkg.StripeSessionID] {
			return nil
		}
		l.sessions[pkg.StripeSessionID] = true
	}
	p := pkg
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = Clock()
	}
	p.QuotaRemaining = p.QuotaAmount
	l.packages[pkg.UserID] = append(l.packages[pkg.UserID], &p)
	return nil
}

func (l *MemoryLedger) ListTransactions(_ context.Context, accountID string, limit, offset int) ([]model.QuotaTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || offset < 0 {
		return []model.QuotaTransaction{}, nil
	}
	all := l.transactions[accountID]
	out := make([]model.QuotaTransaction, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
