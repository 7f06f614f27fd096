package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
)

// SettlementPolicy decides whether quota is taken before or after the paid call.
type SettlementPolicy int

const (
	// SettleAfter charges only once the capability has succeeded.
	SettleAfter SettlementPolicy = iota
	// SettleBefore charges first and does not refund a failed call.
	SettleBefore
)

func (p SettlementPolicy) String() string {
	if p == SettleBefore {
		return "before"
	}
	return "after"
}

const DefaultBatchConcurrency = 3

// Cost is the priced form of an operation, handed to Operation.Describe.
type Cost struct {
	Model      string
	BaseCost   int
	Multiplier int
	Units      int
	Total      int
	// Unit is the zero-based unit index for batch transactions.
	Unit int
}

func (c Cost) Pricing() model.Pricing {
	return model.Pricing{Model: c.Model, BaseCost: c.BaseCost, Multiplier: c.Multiplier}
}

// Operation describes one paid action.
type Operation struct {
	Action   model.ActionType
	BaseCost int
	Model    string
	// Units defaults to 1.
	Units                       int
	Policy                      SettlementPolicy
	KeepArtifactOnSettleFailure bool
	// Timeout bounds each capability call. Zero means no extra bound.
	Timeout  time.Duration
	Describe func(Cost) model.TransactionMetadata
}

func (op Operation) units() int {
	if op.Units <= 0 {
		return 1
	}
	return op.Units
}

// Price computes the cost of the given number of units.
func (op Operation) Price(units int) Cost {
	mult := GetQuotaMultiplier(op.Model)
	return Cost{
		Model:      op.Model,
		BaseCost:   op.BaseCost,
		Multiplier: mult,
		Units:      units,
		Total:      CalculateQuotaCost(op.BaseCost, op.Model) * units,
	}
}

// Capability is the paid call guarded by the gate.
type Capability func(ctx context.Context) (*model.Artifact, error)

// BatchCapability produces one unit of a batch.
type BatchCapability func(ctx context.Context, unit int) (*model.Artifact, error)

type Receipt struct {
	Artifact      *model.Artifact
	Cost          int
	Remaining     int
	TransactionID string
}

type UnitResult struct {
	Index         int
	Artifact      *model.Artifact
	Cost          int
	TransactionID string
	// Err is the capability failure of this unit; it was not charged.
	Err error
	// SettleErr is set when the unit succeeded but could not be charged.
	SettleErr error
}

type BatchReceipt struct {
	Units        []UnitResult
	TotalCharged int
	Remaining    int
}

// Succeeded counts units that produced an artifact.
func (b *BatchReceipt) Succeeded() int {
	n := 0
	for _, u := range b.Units {
		if u.Artifact != nil {
			n++
		}
	}
	return n
}

// Gate enforces eligibility, pricing, balance and settlement around paid calls.
type Gate struct {
	ledger   Ledger
	accounts AccountLoader
	logger   zerolog.Logger
}

func NewGate(ledger Ledger, accounts AccountLoader, logger zerolog.Logger) *Gate {
	return &Gate{
		ledger:   ledger,
		accounts: accounts,
		logger:   logger.With().Str("component", "quota_gate").Logger(),
	}
}

// authorize runs the eligibility and balance steps. Nothing is priced for a
// disabled account and no balance is read for it.
func (g *Gate) authorize(ctx context.Context, accountID string, op Operation, units int) (Cost, error) {
	if accountID == "" {
		return Cost{}, ErrAuthRequired
	}
	if op.Describe == nil {
		return Cost{}, fmt.Errorf("operation %s has no metadata builder", op.Action)
	}

	account, err := g.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Cost{}, ErrAuthRequired
		}
		return Cost{}, fmt.Errorf("loading account %s: %w", accountID, err)
	}
	if account == nil {
		return Cost{}, ErrAuthRequired
	}
	if account.Disabled {
		reason := ""
		if account.DisabledReason != nil {
			reason = *account.DisabledReason
		}
		return Cost{}, &AccountDisabledError{Reason: reason}
	}

	cost := op.Price(units)
	if cost.Total <= 0 {
		return Cost{}, fmt.Errorf("%w: %s costs %d", ErrInvalidAmount, op.Action, cost.Total)
	}

	bal, err := g.ledger.CheckBalance(ctx, accountID)
	if err != nil {
		return Cost{}, fmt.Errorf("checking balance for user %s: %w", accountID, err)
	}
	if bal.TotalRemaining < cost.Total {
		return Cost{}, &QuotaExhaustedError{Required: cost.Total, Remaining: bal.TotalRemaining}
	}
	return cost, nil
}

// Run executes a single paid operation.
func (g *Gate) Run(ctx context.Context, accountID string, op Operation, capability Capability) (*Receipt, error) {
	cost, err := g.authorize(ctx, accountID, op, op.units())
	if err != nil {
		return nil, err
	}
	meta := op.Describe(cost)

	if op.Policy == SettleBefore {
		d, err := g.ledger.Deduct(ctx, accountID, cost.Total, meta)
		if err != nil {
			g.logger.Error().Err(err).Str("user_id", accountID).Str("action", string(op.Action)).Int("cost", cost.Total).Msg("pre-charge failed")
			return nil, &SettlementError{Err: err, Cost: cost.Total}
		}
		artifact, err := call(ctx, op.Timeout, capability)
		if err != nil {
			g.logger.Warn().Err(err).Str("user_id", accountID).Str("action", string(op.Action)).Int("cost", cost.Total).Msg("capability failed after pre-charge")
			return nil, &CapabilityError{Err: err, Charged: true}
		}
		return &Receipt{Artifact: artifact, Cost: cost.Total, Remaining: d.Remaining, TransactionID: d.TransactionID}, nil
	}

	artifact, err := call(ctx, op.Timeout, capability)
	if err != nil {
		return nil, &CapabilityError{Err: err}
	}
	// The work is done; a caller that went away still pays for it.
	d, err := g.ledger.Deduct(context.WithoutCancel(ctx), accountID, cost.Total, meta)
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", accountID).Str("action", string(op.Action)).Int("cost", cost.Total).Msg("settlement failed")
		se := &SettlementError{Err: err, Cost: cost.Total}
		if op.KeepArtifactOnSettleFailure {
			se.Artifact = artifact
		}
		return nil, se
	}
	return &Receipt{Artifact: artifact, Cost: cost.Total, Remaining: d.Remaining, TransactionID: d.TransactionID}, nil
}

// RunBatch checks eligibility and balance for the whole batch, then runs
// units with at most concurrency in flight and charges each success once.
func (g *Gate) RunBatch(ctx context.Context, accountID string, op Operation, units, concurrency int, capability BatchCapability) (*BatchReceipt, error) {
	if units <= 0 {
		return nil, fmt.Errorf("%w: batch of %d units", ErrInvalidAmount, units)
	}
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	total, err := g.authorize(ctx, accountID, op, units)
	if err != nil {
		return nil, err
	}
	unitCost := op.Price(1)

	receipt := &BatchReceipt{Units: make([]UnitResult, units), Remaining: -1}
	var mu sync.Mutex

	var eg errgroup.Group
	eg.SetLimit(concurrency)
	for i := range units {
		eg.Go(func() error {
			res := UnitResult{Index: i}
			artifact, err := call(ctx, op.Timeout, func(ctx context.Context) (*model.Artifact, error) {
				return capability(ctx, i)
			})
			if err != nil {
				res.Err = err
				receipt.Units[i] = res
				return nil
			}
			res.Artifact = artifact

			c := unitCost
			c.Unit = i
			d, err := g.ledger.Deduct(context.WithoutCancel(ctx), accountID, c.Total, op.Describe(c))
			if err != nil {
				g.logger.Error().Err(err).Str("user_id", accountID).Int("unit", i).Int("cost", c.Total).Msg("batch unit settlement failed")
				res.SettleErr = &SettlementError{Err: err, Cost: c.Total, Artifact: artifact}
				receipt.Units[i] = res
				return nil
			}
			res.Cost = c.Total
			res.TransactionID = d.TransactionID
			receipt.Units[i] = res

			mu.Lock()
			receipt.TotalCharged += c.Total
			if receipt.Remaining < 0 || d.Remaining < receipt.Remaining {
				receipt.Remaining = d.Remaining
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	if receipt.Succeeded() == 0 {
		return nil, &CapabilityError{Err: firstUnitError(receipt.Units)}
	}
	if receipt.Remaining < 0 {
		// Nothing was charged; report the balance as it stands now.
		bal, err := g.ledger.CheckBalance(context.WithoutCancel(ctx), accountID)
		if err != nil {
			receipt.Remaining = 0
		} else {
			receipt.Remaining = bal.TotalRemaining
		}
	}
	if receipt.TotalCharged == 0 {
		return nil, unchargedBatch(receipt, op.KeepArtifactOnSettleFailure)
	}
	g.logger.Info().Str("user_id", accountID).Int("units", units).Int("succeeded", receipt.Succeeded()).
		Int("charged", receipt.TotalCharged).Int("planned", total.Total).Msg("batch settled")
	return receipt, nil
}

// unchargedBatch reports a batch whose every successful unit failed to settle.
func unchargedBatch(receipt *BatchReceipt, keep bool) *SettlementError {
	settle := &SettlementError{}
	for _, u := range receipt.Units {
		var se *SettlementError
		if !errors.As(u.SettleErr, &se) {
			continue
		}
		settle.Cost += se.Cost
		if settle.Err == nil {
			settle.Err = se.Err
		}
		if keep && settle.Artifact == nil {
			settle.Artifact = u.Artifact
		}
	}
	if keep {
		settle.Batch = receipt
	}
	return settle
}

func firstUnitError(units []UnitResult) error {
	for _, u := range units {
		if u.Err != nil {
			return u.Err
		}
	}
	return errors.New("no unit produced an artifact")
}

func call(ctx context.Context, timeout time.Duration, capability Capability) (*model.Artifact, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	artifact, err := capability(ctx)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, errors.New("capability returned no artifact")
	}
	return artifact, nil
}
