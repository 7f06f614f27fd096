package dto

import (
	"time"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
)

type QuotaBalanceResponse struct {
	SubscriptionRemaining int `json:"subscription_remaining"`
	ExtraPackageRemaining int `json:"extra_package_remaining"`
	TotalRemaining        int `json:"total_remaining"`
}

type QuotaTransactionResponse struct {
	ID        string                    `json:"id"`
	Amount    int                       `json:"amount"`
	Action    model.ActionType          `json:"action"`
	Metadata  model.TransactionMetadata `json:"metadata"`
	CreatedAt time.Time                 `json:"created_at"`
}

type QuotaTransactionsResponse struct {
	Transactions []QuotaTransactionResponse `json:"transactions"`
	Limit        int                        `json:"limit"`
	Offset       int                        `json:"offset"`
}
