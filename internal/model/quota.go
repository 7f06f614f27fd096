package model

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// QuotaBalance is the spendable quota of an account at read time.
type QuotaBalance struct {
	SubscriptionRemaining int `json:"subscription_remaining"`
	ExtraPackageRemaining int `json:"extra_package_remaining"`
	TotalRemaining        int `json:"total_remaining"`
}

// NewQuotaBalance builds a balance, treating negative parts as zero.
func NewQuotaBalance(subscription, packages int) QuotaBalance {
	if subscription < 0 {
		subscription = 0
	}
	if packages < 0 {
		packages = 0
	}
	return QuotaBalance{
		SubscriptionRemaining: subscription,
		ExtraPackageRemaining: packages,
		TotalRemaining:        subscription + packages,
	}
}

// ActionType tags what a quota transaction paid for.
type ActionType string

const (
	ActionGenerateImage      ActionType = "generate_image"
	ActionEditImage          ActionType = "edit_image"
	ActionScientificDrawing  ActionType = "scientific_drawing"
	ActionGenerateOutline    ActionType = "generate_outline"
	ActionBatchGenerateImage ActionType = "batch_generate_image"
)

// QuotaTransaction is an immutable record of one deduction.
type QuotaTransaction struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Amount    int                 `json:"amount"`
	Action    ActionType          `json:"action"`
	Metadata  TransactionMetadata `json:"metadata"`
	CreatedAt time.Time           `json:"created_at"`
}

// TransactionMetadata is implemented by one struct per action type.
type TransactionMetadata interface {
	Action() ActionType
}

// Pricing is embedded in every metadata variant.
type Pricing struct {
	Model      string `json:"model,omitempty"`
	BaseCost   int    `json:"base_cost"`
	Multiplier int    `json:"multiplier"`
}

type GenerateImageMetadata struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Pricing
}

func (GenerateImageMetadata) Action() ActionType { return ActionGenerateImage }

type EditImageMetadata struct {
	Tool   string `json:"tool"`
	Prompt string `json:"prompt"`
	Pricing
}

func (EditImageMetadata) Action() ActionType { return ActionEditImage }

type ScientificDrawingMetadata struct {
	Subject string `json:"subject,omitempty"`
	Prompt  string `json:"prompt"`
	Pricing
}

func (ScientificDrawingMetadata) Action() ActionType { return ActionScientificDrawing }

type OutlineMetadata struct {
	Topic string `json:"topic"`
	Pricing
}

func (OutlineMetadata) Action() ActionType { return ActionGenerateOutline }

type BatchGenerateMetadata struct {
	Prompt    string `json:"prompt"`
	UnitIndex int    `json:"unit_index"`
	BatchSize int    `json:"batch_size"`
	Pricing
}

func (BatchGenerateMetadata) Action() ActionType { return ActionBatchGenerateImage }

// DecodeTransactionMetadata restores the metadata variant stored for an action.
func DecodeTransactionMetadata(action ActionType, raw []byte) (TransactionMetadata, error) {
	var meta TransactionMetadata
	switch action {
	case ActionGenerateImage:
		meta = &GenerateImageMetadata{}
	case ActionEditImage:
		meta = &EditImageMetadata{}
	case ActionScientificDrawing:
		meta = &ScientificDrawingMetadata{}
	case ActionGenerateOutline:
		meta = &OutlineMetadata{}
	case ActionBatchGenerateImage:
		meta = &BatchGenerateMetadata{}
	default:
		return nil, fmt.Errorf("unknown action type %q", action)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, meta); err != nil {
			return nil, fmt.Errorf("unmarshal %s metadata: %w", action, err)
		}
	}
	return meta, nil
}

const promptExcerptRunes = 200

// Excerpt shortens s to at most 200 runes.
func Excerpt(s string) string {
	if utf8.RuneCountInString(s) <= promptExcerptRunes {
		return s
	}
	r := []rune(s)
	return string(r[:promptExcerptRunes])
}
