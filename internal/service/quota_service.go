package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
)

const (
	DefaultTransactionLimit = 20
	MaxTransactionLimit     = 100
)

// QuotaService serves the read side of the ledger.
type QuotaService interface {
	GetBalance(ctx context.Context, userID string) (model.QuotaBalance, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]model.QuotaTransaction, error)
}

type quotaService struct {
	ledger quota.Ledger
	txs    quota.TransactionLister
	logger zerolog.Logger
}

func NewQuotaService(store quota.Store, logger zerolog.Logger) QuotaService {
	return &quotaService{
		ledger: store,
		txs:    store,
		logger: logger.With().Str("service", "QuotaService").Logger(),
	}
}

func (s *quotaService) GetBalance(ctx context.Context, userID string) (model.QuotaBalance, error) {
	bal, err := s.ledger.CheckBalance(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to read quota balance")
		return model.QuotaBalance{}, err
	}
	return bal, nil
}

// ListTransactions clamps limit to [1, 100], defaulting to 20.
func (s *quotaService) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]model.QuotaTransaction, error) {
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	limit = min(limit, MaxTransactionLimit)
	offset = max(offset, 0)

	txs, err := s.txs.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list quota transactions")
		return nil, err
	}
	if txs == nil {
		txs = []model.QuotaTransaction{}
	}
	return txs, nil
}
