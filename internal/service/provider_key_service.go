package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"

	geminiBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	anthropicBaseURL = "https://api.anthropic.com/v1"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported_provider")
	ErrInvalidProviderKey  = errors.New("invalid_provider_key")
	ErrKeyStorageDisabled  = errors.New("key_storage_disabled")
)

// KeyValidator checks an API key against its provider.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) error
}

type geminiValidator struct {
	client  *http.Client
	baseURL string
}

// NewGeminiValidator lists models with the key.
func NewGeminiValidator(client *http.Client, baseURL string) KeyValidator {
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	return &geminiValidator{client: client, baseURL: baseURL}
}

func (v *geminiValidator) ValidateAPIKey(ctx context.Context, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/models?pageSize=1", nil)
	if err != nil {
		return fmt.Errorf("failed to create validation request: %w", err)
	}
	req.Header.Set("x-goog-api-key", apiKey)
	return doValidation(v.client, req)
}

type anthropicValidator struct {
	client  *http.Client
	baseURL string
}

// NewAnthropicValidator sends a one-token message with the key.
func NewAnthropicValidator(client *http.Client, baseURL string) KeyValidator {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &anthropicValidator{client: client, baseURL: baseURL}
}

func (v *anthropicValidator) ValidateAPIKey(ctx context.Context, apiKey string) error {
	body := []byte(`{"model":"claude-haiku-4-5","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create validation request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")
	return doValidation(v.client, req)
}

func doValidation(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to validate API key: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read validation response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInvalidProviderKey, msg)
	default:
		return fmt.Errorf("API key validation failed: %s", msg)
	}
}

// ProviderForModel names the provider whose stored key serves modelID.
func ProviderForModel(modelID string) string {
	if strings.Contains(strings.ToLower(modelID), "claude") {
		return ProviderAnthropic
	}
	return ProviderGemini
}

// ProviderKeyService validates and stores per-user upstream keys.
type ProviderKeyService interface {
	Store(ctx context.Context, userID, provider, apiKey string) error
	Delete(ctx context.Context, userID, provider string) error
	// Resolve returns "" when the user has no stored key.
	Resolve(ctx context.Context, userID, provider string) (string, error)
}

type providerKeyService struct {
	secrets    SecretManagerService
	validators map[string]KeyValidator
	logger     zerolog.Logger
}

// NewProviderKeyService accepts a nil secrets store; every call then
// reports ErrKeyStorageDisabled and Resolve finds nothing.
func NewProviderKeyService(secrets SecretManagerService, validators map[string]KeyValidator, logger zerolog.Logger) ProviderKeyService {
	return &providerKeyService{
		secrets:    secrets,
		validators: validators,
		logger:     logger.With().Str("service", "ProviderKeyService").Logger(),
	}
}

// DefaultKeyValidators returns validators for every supported provider.
func DefaultKeyValidators() map[string]KeyValidator {
	client := &http.Client{Timeout: 10 * time.Second}
	return map[string]KeyValidator{
		ProviderGemini:    NewGeminiValidator(client, ""),
		ProviderAnthropic: NewAnthropicValidator(client, ""),
	}
}

func (s *providerKeyService) Store(ctx context.Context, userID, provider, apiKey string) error {
	v, ok := s.validators[provider]
	if !ok {
		return ErrUnsupportedProvider
	}
	if s.secrets == nil {
		return ErrKeyStorageDisabled
	}
	if err := v.ValidateAPIKey(ctx, apiKey); err != nil {
		s.logger.Info().Err(err).Str("user_id", userID).Str("provider", provider).Msg("provider key rejected")
		return err
	}
	return s.secrets.StoreUserAPIKey(ctx, userID, provider, apiKey)
}

func (s *providerKeyService) Delete(ctx context.Context, userID, provider string) error {
	if _, ok := s.validators[provider]; !ok {
		return ErrUnsupportedProvider
	}
	if s.secrets == nil {
		return ErrKeyStorageDisabled
	}
	return s.secrets.DeleteUserAPIKey(ctx, userID, provider)
}

func (s *providerKeyService) Resolve(ctx context.Context, userID, provider string) (string, error) {
	if s.secrets == nil {
		return "", nil
	}
	return s.secrets.GetUserAPIKey(ctx, userID, provider)
}
