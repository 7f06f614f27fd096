package quota

import (
	"errors"
	"fmt"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
)

// Error codes surfaced to API clients.
const (
	CodeAuthRequired         = "AUTHENTICATION_REQUIRED"
	CodeAccountDisabled      = "ACCOUNT_DISABLED"
	CodeQuotaExhausted       = "QUOTA_EXHAUSTED"
	CodeQuotaDeductionFailed = "QUOTA_DEDUCTION_FAILED"
	CodeCapabilityFailed     = "CAPABILITY_FAILED"
)

var (
	ErrAuthRequired      = errors.New("authentication_required")
	ErrAccountDisabled   = errors.New("account_disabled")
	ErrQuotaExhausted    = errors.New("quota_exhausted")
	ErrInsufficientQuota = errors.New("insufficient_quota")
	ErrSettlementFailed  = errors.New("quota_deduction_failed")
	ErrCapabilityFailed  = errors.New("capability_failed")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrAccountNotFound   = errors.New("account_not_found")
)

// AccountDisabledError rejects every paid operation of a disabled account.
type AccountDisabledError struct {
	Reason string
}

func (e *AccountDisabledError) Error() string {
	if e.Reason == "" {
		return "account disabled"
	}
	return "account disabled: " + e.Reason
}

func (e *AccountDisabledError) Is(target error) bool { return target == ErrAccountDisabled }

// QuotaExhaustedError reports the cost against the balance read before the call.
type QuotaExhaustedError struct {
	Required  int
	Remaining int
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted: required %d, remaining %d", e.Required, e.Remaining)
}

func (e *QuotaExhaustedError) Is(target error) bool { return target == ErrQuotaExhausted }

// SettlementError means the ledger could not commit the deduction. Artifact
// is set only for operations that keep their output on settlement failure.
// Batch is set the same way when a batch produced output but charged nothing.
type SettlementError struct {
	Err      error
	Cost     int
	Artifact *model.Artifact
	Batch    *BatchReceipt
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("quota deduction of %d failed: %v", e.Cost, e.Err)
}

func (e *SettlementError) Is(target error) bool { return target == ErrSettlementFailed }

func (e *SettlementError) Unwrap() error { return e.Err }

// CapabilityError wraps a failure of the paid call itself.
type CapabilityError struct {
	Err error
	// Charged is true when the quota was taken before the call.
	Charged bool
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability failed: %v", e.Err)
}

func (e *CapabilityError) Is(target error) bool { return target == ErrCapabilityFailed }

func (e *CapabilityError) Unwrap() error { return e.Err }

// Code maps a gate error to its API error code. Unknown errors map to "".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ErrAccountDisabled):
		return CodeAccountDisabled
	case errors.Is(err, ErrQuotaExhausted):
		return CodeQuotaExhausted
	case errors.Is(err, ErrSettlementFailed):
		return CodeQuotaDeductionFailed
	case errors.Is(err, ErrCapabilityFailed):
		return CodeCapabilityFailed
	default:
		return ""
	}
}
