package model

import "time"

// Subscription is a user's recurring quota allowance.
type Subscription struct {
	UserID               string    `db:"user_id" json:"user_id"`
	PlanID               string    `db:"plan_id" json:"plan_id"`
	StripeSubscriptionID *string   `db:"stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	QuotaTotal           int       `db:"quota_total" json:"quota_total"`
	QuotaUsed            int       `db:"quota_used" json:"quota_used"`
	StartsAt             time.Time `db:"starts_at" json:"starts_at"`
	EndDate              time.Time `db:"end_date" json:"end_date"`
	Status               string    `db:"status" json:"status"`
}

// Remaining is the unspent allowance; expired or inactive subscriptions have none.
func (s Subscription) Remaining(now time.Time) int {
	if s.Status != "active" || !now.Before(s.EndDate) {
		return 0
	}
	if r := s.QuotaTotal - s.QuotaUsed; r > 0 {
		return r
	}
	return 0
}

// QuotaPackage is a one-off quota purchase with its own expiry.
type QuotaPackage struct {
	ID              string    `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	QuotaAmount     int       `db:"quota_amount" json:"quota_amount"`
	QuotaRemaining  int       `db:"quota_remaining" json:"quota_remaining"`
	ExpiresAt       time.Time `db:"expires_at" json:"expires_at"`
	StripeSessionID string    `db:"stripe_session_id" json:"stripe_session_id"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Artifact is what a paid capability produced.
type Artifact struct {
	ImageURL    string `json:"image_url,omitempty"`
	Text        string `json:"text,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}
