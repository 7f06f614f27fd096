package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
)

const premiumModel = "gemini-3-pro-image-preview"

type accountsMap map[string]*model.Account

func (a accountsMap) GetAccount(_ context.Context, id string) (*model.Account, error) {
	if acc, ok := a[id]; ok {
		return acc, nil
	}
	return nil, quota.ErrAccountNotFound
}

type fakeImages struct {
	calls   atomic.Int32
	succeed int32
	mu      sync.Mutex
	reqs    []UpstreamRequest
}

func (f *fakeImages) record(req UpstreamRequest) int32 {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.calls.Add(1)
}

func (f *fakeImages) GenerateImage(_ context.Context, userID string, req UpstreamRequest) (*model.Artifact, error) {
	if n := f.record(req); f.succeed >= 0 && n > f.succeed {
		return nil, &UpstreamError{StatusCode: 502, Message: "bad gateway"}
	}
	return &model.Artifact{ImageURL: "https://storage.example/generated/" + userID + "/a.png"}, nil
}

func (f *fakeImages) GenerateText(_ context.Context, req UpstreamRequest) (*model.Artifact, error) {
	if n := f.record(req); f.succeed >= 0 && n > f.succeed {
		return nil, ErrNoText
	}
	return &model.Artifact{Text: "1. Intro"}, nil
}

type capturePub struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *capturePub) Publish(_ context.Context, _ string, payload []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return "msg", nil
}

type staticKeys struct{ key string }

func (staticKeys) Store(context.Context, string, string, string) error { return nil }
func (staticKeys) Delete(context.Context, string, string) error        { return nil }
func (k staticKeys) Resolve(context.Context, string, string) (string, error) {
	return k.key, nil
}

// providerKeys resolves a stored key per provider.
type providerKeys map[string]string

func (providerKeys) Store(context.Context, string, string, string) error { return nil }
func (providerKeys) Delete(context.Context, string, string) error        { return nil }
func (k providerKeys) Resolve(_ context.Context, _ string, provider string) (string, error) {
	return k[provider], nil
}

type studioFixture struct {
	svc    StudioService
	ledger *quota.MemoryLedger
	images *fakeImages
	pub    *capturePub
}

// newStudio seeds u1 with a package of balance units. succeed < 0 makes every call succeed.
func newStudio(t *testing.T, balance int, succeed int32, keys ProviderKeyService) *studioFixture {
	t.Helper()
	ledger := quota.NewMemoryLedger()
	if balance > 0 {
		require.NoError(t, ledger.GrantPackage(context.Background(), model.QuotaPackage{
			UserID:          "u1",
			QuotaAmount:     balance,
			ExpiresAt:       time.Now().Add(24 * time.Hour),
			StripeSessionID: "cs_seed",
		}))
	}
	accounts := accountsMap{
		"u1":       {UserID: "u1"},
		"disabled": {UserID: "disabled", Disabled: true},
	}
	images := &fakeImages{succeed: succeed}
	pub := &capturePub{}
	gate := quota.NewGate(ledger, accounts, zerolog.Nop())
	svc := NewStudioService(gate, images, keys, pub, StudioConfig{
		DefaultImageModel: "gemini-2.5-flash-image-preview",
		DefaultTextModel:  "gemini-2.5-flash",
		GenerationTimeout: time.Second,
		BatchUnitTimeout:  time.Second,
		BatchConcurrency:  2,
		BatchMaxCount:     10,
		QuotaTopic:        "quota-events",
	}, zerolog.Nop())
	return &studioFixture{svc: svc, ledger: ledger, images: images, pub: pub}
}

func remaining(t *testing.T, l *quota.MemoryLedger) int {
	t.Helper()
	bal, err := l.CheckBalance(context.Background(), "u1")
	require.NoError(t, err)
	return bal.TotalRemaining
}

func TestStudioEditPreChargesByToolAndModel(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 5, -1, nil)
	receipt, err := f.svc.EditImage(context.Background(), "u1", EditImageInput{
		Upstream: Upstream{Model: premiumModel},
		Tool:     "upscale",
		Images:   []string{"https://cdn.example/in.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, receipt.Cost)
	assert.Equal(t, 1, receipt.Remaining)
	assert.Equal(t, 1, remaining(t, f.ledger))
}

func TestStudioEditFailureIsNotRefunded(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 5, 0, nil)
	_, err := f.svc.EditImage(context.Background(), "u1", EditImageInput{
		Tool:   "edit",
		Prompt: "make it blue",
		Images: []string{"https://cdn.example/in.png"},
	})
	var ce *quota.CapabilityError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Charged)
	assert.Equal(t, 4, remaining(t, f.ledger))
}

func TestStudioGenerateChargesOnlyOnSuccess(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		f := newStudio(t, 3, -1, nil)
		receipt, err := f.svc.GenerateImage(context.Background(), "u1", GenerateImageInput{Prompt: "a red fox"})
		require.NoError(t, err)
		assert.Equal(t, 1, receipt.Cost)
		assert.Equal(t, 2, receipt.Remaining)
		assert.Equal(t, 2, remaining(t, f.ledger))
	})

	t.Run("capability failure", func(t *testing.T) {
		t.Parallel()
		f := newStudio(t, 3, 0, nil)
		_, err := f.svc.GenerateImage(context.Background(), "u1", GenerateImageInput{Prompt: "a red fox"})
		require.ErrorIs(t, err, quota.ErrCapabilityFailed)
		assert.Equal(t, quota.CodeCapabilityFailed, quota.Code(err))
		assert.Equal(t, 3, remaining(t, f.ledger))
	})
}

func TestStudioBatchChargesSucceededUnits(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 10, 3, nil)
	receipt, err := f.svc.BatchGenerate(context.Background(), "u1", BatchGenerateInput{
		Upstream: Upstream{Model: premiumModel},
		Prompt:   "icons",
		Count:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, receipt.Succeeded())
	assert.Equal(t, 6, receipt.TotalCharged)
	assert.Equal(t, 4, receipt.Remaining)
	assert.Equal(t, 4, remaining(t, f.ledger))

	txs, err := f.ledger.ListTransactions(context.Background(), "u1", 20, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for _, tx := range txs {
		assert.Equal(t, 2, tx.Amount)
		assert.Equal(t, model.ActionBatchGenerateImage, tx.Action)
	}

	f.svc.Wait()
	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	assert.Len(t, f.pub.payloads, 3)
}

func TestStudioRejectsBeforeTheGate(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 10, -1, nil)
	ctx := context.Background()

	_, err := f.svc.EditImage(ctx, "u1", EditImageInput{Tool: "sharpen", Images: []string{"https://x/y.png"}})
	assert.ErrorIs(t, err, ErrUnknownEditTool)

	_, err = f.svc.BatchGenerate(ctx, "u1", BatchGenerateInput{Prompt: "p", Count: 11})
	assert.ErrorIs(t, err, ErrInvalidBatchSize)

	_, err = f.svc.GenerateImage(ctx, "disabled", GenerateImageInput{Prompt: "p"})
	assert.ErrorIs(t, err, quota.ErrAccountDisabled)

	assert.Zero(t, f.images.calls.Load())
	assert.Equal(t, 10, remaining(t, f.ledger))
}

func TestStudioPublishesTransactionEvent(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 5, -1, nil)
	receipt, err := f.svc.ScientificDrawing(context.Background(), "u1", ScientificDrawingInput{Prompt: "mitosis", Subject: "biology"})
	require.NoError(t, err)
	f.svc.Wait()

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	require.Len(t, f.pub.payloads, 1)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(f.pub.payloads[0], &ev))
	assert.Equal(t, receipt.TransactionID, ev["transaction_id"])
	assert.Equal(t, string(model.ActionScientificDrawing), ev["action"])
	assert.EqualValues(t, 2, ev["amount"])
	assert.EqualValues(t, 3, ev["remaining"])
}

func TestStudioResolvesAPIKey(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 5, -1, staticKeys{key: "stored-key"})
	ctx := context.Background()

	_, err := f.svc.GenerateOutline(ctx, "u1", OutlineInput{Topic: "photosynthesis"})
	require.NoError(t, err)
	_, err = f.svc.GenerateOutline(ctx, "u1", OutlineInput{Topic: "photosynthesis", Upstream: Upstream{APIKey: "request-key"}})
	require.NoError(t, err)

	f.images.mu.Lock()
	defer f.images.mu.Unlock()
	require.Len(t, f.images.reqs, 2)
	assert.Equal(t, "stored-key", f.images.reqs[0].APIKey)
	assert.Equal(t, "gemini-2.5-flash", f.images.reqs[0].Model)
	assert.Equal(t, "request-key", f.images.reqs[1].APIKey)
}

func TestStudioResolvesKeyByModelProvider(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 5, -1, providerKeys{ProviderGemini: "gemini-key", ProviderAnthropic: "anthropic-key"})
	ctx := context.Background()

	_, err := f.svc.GenerateOutline(ctx, "u1", OutlineInput{Topic: "tides", Upstream: Upstream{Model: "claude-sonnet-4-5"}})
	require.NoError(t, err)
	_, err = f.svc.GenerateOutline(ctx, "u1", OutlineInput{Topic: "tides"})
	require.NoError(t, err)

	f.images.mu.Lock()
	defer f.images.mu.Unlock()
	require.Len(t, f.images.reqs, 2)
	assert.Equal(t, "anthropic-key", f.images.reqs[0].APIKey)
	assert.Equal(t, anthropicBaseURL, f.images.reqs[0].BaseURL)
	assert.Equal(t, "gemini-key", f.images.reqs[1].APIKey)
	assert.Empty(t, f.images.reqs[1].BaseURL)
}

func TestStudioCustomBaseURLNeedsUserKey(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 10, -1, nil)
	ctx := context.Background()
	custom := Upstream{BaseURL: "http://169.254.169.254/latest"}

	_, err := f.svc.GenerateImage(ctx, "u1", GenerateImageInput{Prompt: "p", Upstream: custom})
	assert.ErrorIs(t, err, ErrBaseURLNeedsKey)
	_, err = f.svc.EditImage(ctx, "u1", EditImageInput{Tool: "upscale", Images: []string{"https://x/y.png"}, Upstream: custom})
	assert.ErrorIs(t, err, ErrBaseURLNeedsKey)
	_, err = f.svc.BatchGenerate(ctx, "u1", BatchGenerateInput{Prompt: "p", Count: 2, Upstream: custom})
	assert.ErrorIs(t, err, ErrBaseURLNeedsKey)

	assert.Zero(t, f.images.calls.Load())
	assert.Equal(t, 10, remaining(t, f.ledger))

	custom.APIKey = "own-key"
	_, err = f.svc.GenerateImage(ctx, "u1", GenerateImageInput{Prompt: "p", Upstream: custom})
	require.NoError(t, err)
}

func TestProviderForModel(t *testing.T) {
	assert.Equal(t, ProviderAnthropic, ProviderForModel("Claude-Opus-4"))
	assert.Equal(t, ProviderGemini, ProviderForModel("gemini-2.5-flash"))
	assert.Equal(t, ProviderGemini, ProviderForModel(""))
}

func TestStudioQuotaExhausted(t *testing.T) {
	t.Parallel()

	f := newStudio(t, 1, -1, nil)
	_, err := f.svc.ScientificDrawing(context.Background(), "u1", ScientificDrawingInput{Prompt: "cell"})

	var qe *quota.QuotaExhaustedError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 2, qe.Required)
	assert.Equal(t, 1, qe.Remaining)
	assert.Zero(t, f.images.calls.Load())
}
