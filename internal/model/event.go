package model

import "time"

// QuotaTransactionEvent is published after a deduction commits.
type QuotaTransactionEvent struct {
	TransactionID string              `json:"transaction_id"`
	UserID        string              `json:"user_id"`
	Action        ActionType          `json:"action"`
	Amount        int                 `json:"amount"`
	Remaining     int                 `json:"remaining"`
	Metadata      TransactionMetadata `json:"metadata"`
	OccurredAt    time.Time           `json:"occurred_at"`
}
