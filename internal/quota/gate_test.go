package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
)

type accountsStub map[string]*model.Account

func (a accountsStub) GetAccount(_ context.Context, id string) (*model.Account, error) {
	if acc, ok := a[id]; ok {
		return acc, nil
	}
	return nil, ErrAccountNotFound
}

// spyLedger wraps a MemoryLedger and records the order of calls.
type spyLedger struct {
	*MemoryLedger
	mu        sync.Mutex
	calls     []string
	deductErr error
}

func (s *spyLedger) record(c string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *spyLedger) CheckBalance(ctx context.Context, id string) (model.QuotaBalance, error) {
	s.record("balance")
	return s.MemoryLedger.CheckBalance(ctx, id)
}

func (s *spyLedger) Deduct(ctx context.Context, id string, amount int, meta model.TransactionMetadata) (Deduction, error) {
	s.record("deduct")
	if s.deductErr != nil {
		return Deduction{}, s.deductErr
	}
	return s.MemoryLedger.Deduct(ctx, id, amount, meta)
}

func newGateFixture(t *testing.T, sub, pkg int) (*Gate, *spyLedger) {
	t.Helper()
	spy := &spyLedger{MemoryLedger: seedLedger(t, "u1", sub, pkg)}
	accounts := accountsStub{
		"u1":  {UserID: "u1"},
		"bad": {UserID: "bad", Disabled: true, DisabledReason: strPtr("chargeback")},
	}
	return NewGate(spy, accounts, zerolog.Nop()), spy
}

func generateOp(modelID string) Operation {
	return Operation{
		Action:                      model.ActionGenerateImage,
		BaseCost:                    GenerateImageBaseCost,
		Model:                       modelID,
		Policy:                      SettleAfter,
		KeepArtifactOnSettleFailure: true,
		Describe: func(c Cost) model.TransactionMetadata {
			return model.GenerateImageMetadata{Prompt: "cat", Pricing: c.Pricing()}
		},
	}
}

func TestGateRunSettleAfterChargesOnSuccess(t *testing.T) {
	t.Parallel()

	g, spy := newGateFixture(t, 10, 0)
	rec, err := g.Run(context.Background(), "u1", generateOp("gemini-3-pro-image-preview-4k"), func(context.Context) (*model.Artifact, error) {
		spy.record("capability")
		return &model.Artifact{ImageURL: "https://img/1.png"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Cost)
	assert.Equal(t, 6, rec.Remaining)
	assert.Equal(t, "https://img/1.png", rec.Artifact.ImageURL)
	assert.Equal(t, []string{"balance", "capability", "deduct"}, spy.calls)

	txs, err := spy.ListTransactions(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	meta, ok := txs[0].Metadata.(model.GenerateImageMetadata)
	require.True(t, ok)
	assert.Equal(t, 4, meta.Multiplier)
	assert.Equal(t, "gemini-3-pro-image-preview-4k", meta.Model)
}

func TestGateRunSettleAfterCapabilityFailureNotCharged(t *testing.T) {
	t.Parallel()

	g, spy := newGateFixture(t, 10, 0)
	upstream := errors.New("upstream 502")
	_, err := g.Run(context.Background(), "u1", generateOp(""), func(context.Context) (*model.Artifact, error) {
		return nil, upstream
	})
	require.ErrorIs(t, err, ErrCapabilityFailed)
	require.ErrorIs(t, err, upstream)
	assert.Equal(t, CodeCapabilityFailed, Code(err))
	assert.NotContains(t, spy.calls, "deduct")

	bal, _ := spy.MemoryLedger.CheckBalance(context.Background(), "u1")
	assert.Equal(t, 10, bal.TotalRemaining)
}

func TestGateRunNilArtifactIsFailure(t *testing.T) {
	t.Parallel()

	g, spy := newGateFixture(t, 10, 0)
	_, err := g.Run(context.Background(), "u1", generateOp(""), func(context.Context) (*model.Artifact, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrCapabilityFailed)
	assert.NotContains(t, spy.calls, "deduct")
}

func TestGateRunSettlementFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		keep         bool
		wantArtifact bool
	}{
		{name: "lenient", keep: true, wantArtifact: true},
		{name: "strict", keep: false, wantArtifact: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g, spy := newGateFixture(t, 10, 0)
			spy.deductErr = errors.New("connection reset")
			op := generateOp("")
			op.KeepArtifactOnSettleFailure = tc.keep

			_, err := g.Run(context.Background(), "u1", op, func(context.Context) (*model.Artifact, error) {
				return &model.Artifact{ImageURL: "https://img/x.png"}, nil
			})
			var se *SettlementError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, CodeQuotaDeductionFailed, Code(err))
			assert.Equal(t, 1, se.Cost)
			if tc.wantArtifact {
				require.NotNil(t, se.Artifact)
				assert.Equal(t, "https://img/x.png", se.Artifact.ImageURL)
			} else {
				assert.Nil(t, se.Artifact)
			}
		})
	}
}

func TestGateRunSettleBefore(t *testing.T) {
	t.Parallel()

	editOp := func() Operation {
		return Operation{
			Action:   model.ActionEditImage,
			BaseCost: 2,
			Policy:   SettleBefore,
			Describe: func(c Cost) model.TransactionMetadata {
				return model.EditImageMetadata{Tool: "upscale", Pricing: c.Pricing()}
			},
		}
	}

	t.Run("charged_then_called", func(t *testing.T) {
		t.Parallel()
		g, spy := newGateFixture(t, 5, 0)
		rec, err := g.Run(context.Background(), "u1", editOp(), func(context.Context) (*model.Artifact, error) {
			spy.record("capability")
			return &model.Artifact{ImageURL: "https://img/e.png"}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, rec.Remaining)
		assert.Equal(t, []string{"balance", "deduct", "capability"}, spy.calls)
	})

	t.Run("no_refund_on_failure", func(t *testing.T) {
		t.Parallel()
		g, spy := newGateFixture(t, 5, 0)
		_, err := g.Run(context.Background(), "u1", editOp(), func(context.Context) (*model.Artifact, error) {
			return nil, errors.New("boom")
		})
		var ce *CapabilityError
		require.ErrorAs(t, err, &ce)
		assert.True(t, ce.Charged)
		bal, _ := spy.MemoryLedger.CheckBalance(context.Background(), "u1")
		assert.Equal(t, 3, bal.TotalRemaining)
	})

	t.Run("deduct_failure_skips_capability", func(t *testing.T) {
		t.Parallel()
		g, spy := newGateFixture(t, 5, 0)
		spy.deductErr = errors.New("db down")
		called := false
		_, err := g.Run(context.Background(), "u1", editOp(), func(context.Context) (*model.Artifact, error) {
			called = true
			return &model.Artifact{}, nil
		})
		require.ErrorIs(t, err, ErrSettlementFailed)
		assert.False(t, called)
	})
}

func TestGateRunEligibility(t *testing.T) {
	t.Parallel()

	t.Run("anonymous", func(t *testing.T) {
		t.Parallel()
		g, spy := newGateFixture(t, 5, 0)
		_, err := g.Run(context.Background(), "", generateOp(""), failIfCalled(t))
		require.ErrorIs(t, err, ErrAuthRequired)
		assert.Equal(t, CodeAuthRequired, Code(err))
		assert.Empty(t, spy.calls)
	})

	t.Run("unknown_account", func(t *testing.T) {
		t.Parallel()
		g, _ := newGateFixture(t, 5, 0)
		_, err := g.Run(context.Background(), "ghost", generateOp(""), failIfCalled(t))
		require.ErrorIs(t, err, ErrAuthRequired)
	})

	t.Run("disabled_account_never_priced", func(t *testing.T) {
		t.Parallel()
		g, spy := newGateFixture(t, 5, 0)
		priced := false
		op := generateOp("gemini-3")
		op.Describe = func(c Cost) model.TransactionMetadata {
			priced = true
			return model.GenerateImageMetadata{Pricing: c.Pricing()}
		}
		_, err := g.Run(context.Background(), "bad", op, failIfCalled(t))
		var de *AccountDisabledError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "chargeback", de.Reason)
		assert.Equal(t, CodeAccountDisabled, Code(err))
		assert.Empty(t, spy.calls)
		assert.False(t, priced)
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		g, spy := newGateFixture(t, 3, 0)
		_, err := g.Run(context.Background(), "u1", generateOp("gemini-3-pro-4k"), failIfCalled(t))
		var qe *QuotaExhaustedError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, 4, qe.Required)
		assert.Equal(t, 3, qe.Remaining)
		assert.Equal(t, []string{"balance"}, spy.calls)
	})
}

func TestGateRunAppliesTimeout(t *testing.T) {
	t.Parallel()

	g, _ := newGateFixture(t, 5, 0)
	op := generateOp("")
	op.Timeout = 20 * time.Millisecond
	_, err := g.Run(context.Background(), "u1", op, func(ctx context.Context) (*model.Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func batchOp() Operation {
	return Operation{
		Action:                      model.ActionBatchGenerateImage,
		BaseCost:                    BatchUnitBaseCost,
		Model:                       "gemini-3-pro-image-preview",
		Policy:                      SettleAfter,
		KeepArtifactOnSettleFailure: true,
		Describe: func(c Cost) model.TransactionMetadata {
			return model.BatchGenerateMetadata{UnitIndex: c.Unit, BatchSize: 4, Pricing: c.Pricing()}
		},
	}
}

func TestGateRunBatchChargesSuccessfulUnits(t *testing.T) {
	t.Parallel()

	g, spy := newGateFixture(t, 10, 0)
	var inFlight, peak int32
	rec, err := g.RunBatch(context.Background(), "u1", batchOp(), 4, 2, func(ctx context.Context, unit int) (*model.Artifact, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if unit == 2 {
			return nil, errors.New("safety filter")
		}
		return &model.Artifact{ImageURL: "https://img/b.png"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Succeeded())
	assert.Equal(t, 6, rec.TotalCharged)
	assert.Equal(t, 4, rec.Remaining)
	assert.Error(t, rec.Units[2].Err)
	assert.Zero(t, rec.Units[2].Cost)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	txs, err := spy.ListTransactions(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
	for _, tx := range txs {
		assert.Equal(t, 2, tx.Amount)
		assert.Equal(t, model.ActionBatchGenerateImage, tx.Action)
	}
}

func TestGateRunBatchChecksWholeCost(t *testing.T) {
	t.Parallel()

	g, _ := newGateFixture(t, 5, 0)
	_, err := g.RunBatch(context.Background(), "u1", batchOp(), 3, 3, func(context.Context, int) (*model.Artifact, error) {
		t.Fatal("unit must not run")
		return nil, nil
	})
	var qe *QuotaExhaustedError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 6, qe.Required)
}

func TestGateRunBatchAllFailed(t *testing.T) {
	t.Parallel()

	g, spy := newGateFixture(t, 10, 0)
	_, err := g.RunBatch(context.Background(), "u1", batchOp(), 2, 0, func(context.Context, int) (*model.Artifact, error) {
		return nil, errors.New("rate limited")
	})
	require.ErrorIs(t, err, ErrCapabilityFailed)
	assert.NotContains(t, spy.calls, "deduct")
}

func TestGateRunBatchNothingChargedIsSettlementFailure(t *testing.T) {
	t.Parallel()

	g, spy := newGateFixture(t, 10, 0)
	spy.deductErr = errors.New("db down")
	_, err := g.RunBatch(context.Background(), "u1", batchOp(), 2, 2, func(context.Context, int) (*model.Artifact, error) {
		return &model.Artifact{ImageURL: "https://img/k.png"}, nil
	})
	var se *SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 4, se.Cost)
	require.NotNil(t, se.Artifact)
	assert.Equal(t, "https://img/k.png", se.Artifact.ImageURL)
	require.NotNil(t, se.Batch)
	assert.Equal(t, 2, se.Batch.Succeeded())
	assert.Zero(t, se.Batch.TotalCharged)
	assert.Equal(t, 10, se.Batch.Remaining)
	for _, u := range se.Batch.Units {
		require.ErrorIs(t, u.SettleErr, ErrSettlementFailed)
	}
}

func TestGateRunBatchPartialSettlementKeepsReceipt(t *testing.T) {
	t.Parallel()

	g, spy := newGateFixture(t, 4, 0)
	rec, err := g.RunBatch(context.Background(), "u1", batchOp(), 2, 1, func(ctx context.Context, unit int) (*model.Artifact, error) {
		if unit == 0 {
			// A concurrent request spends half the balance mid-batch.
			_, err := spy.MemoryLedger.Deduct(ctx, "u1", 2, model.GenerateImageMetadata{Prompt: "other"})
			require.NoError(t, err)
		}
		return &model.Artifact{ImageURL: "https://img/p.png"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Succeeded())
	assert.Equal(t, 2, rec.TotalCharged)
	assert.Zero(t, rec.Remaining)
	assert.NoError(t, rec.Units[0].SettleErr)
	assert.ErrorIs(t, rec.Units[1].SettleErr, ErrSettlementFailed)
}

func failIfCalled(t *testing.T) Capability {
	return func(context.Context) (*model.Artifact, error) {
		t.Error("capability must not be called")
		return nil, errors.New("unexpected")
	}
}
