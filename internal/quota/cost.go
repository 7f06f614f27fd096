// Package quota prices paid operations and settles them against a ledger.
package quota

import "strings"

const (
	premiumModelMarker = "gemini-3"
	highResMarker      = "4k"
)

// GetQuotaMultiplier maps a model identifier to its quota multiplier.
// Matching is a case-insensitive substring test, so any identifier that
// contains both markers is priced as 4k even when "4k" sits inside another
// token. An empty identifier means the default model and costs 1.
func GetQuotaMultiplier(modelID string) int {
	id := strings.ToLower(modelID)
	if !strings.Contains(id, premiumModelMarker) {
		return 1
	}
	if strings.Contains(id, highResMarker) {
		return 4
	}
	return 2
}

// CalculateQuotaCost returns baseAmount scaled by the model multiplier.
// baseAmount is not validated here.
func CalculateQuotaCost(baseAmount int, modelID string) int {
	return baseAmount * GetQuotaMultiplier(modelID)
}
