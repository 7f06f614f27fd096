package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/pubsub"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
)

var (
	ErrUnknownEditTool  = errors.New("unknown_edit_tool")
	ErrInvalidBatchSize = errors.New("invalid_batch_size")
	// ErrBaseURLNeedsKey rejects a custom base_url that has no user key to go with it.
	ErrBaseURLNeedsKey = errors.New("base_url_requires_api_key")
)

const (
	scientificDrawingSystem = "You are a scientific illustrator. Produce one accurate, clearly labelled " +
		"diagram on a plain background. Prefer textbook conventions over artistic effect."
	outlineSystem     = "You write concise, well-structured outlines in Markdown. Use numbered top-level sections with short bullet points."
	defaultOutlineLen = 5
	publishTimeout    = 5 * time.Second
)

// Upstream carries the optional per-request overrides of the generation call.
type Upstream struct {
	Model   string
	APIKey  string
	BaseURL string
}

type GenerateImageInput struct {
	Upstream
	Prompt      string
	AspectRatio string
}

type EditImageInput struct {
	Upstream
	Prompt string
	Tool   string
	Images []string
}

type ScientificDrawingInput struct {
	Upstream
	Prompt  string
	Subject string
}

type OutlineInput struct {
	Upstream
	Topic    string
	Sections int
}

type BatchGenerateInput struct {
	Upstream
	Prompt      string
	AspectRatio string
	Count       int
}

// StudioConfig holds the defaults and limits of the paid endpoints.
type StudioConfig struct {
	DefaultImageModel string
	DefaultTextModel  string
	GenerationTimeout time.Duration
	BatchUnitTimeout  time.Duration
	BatchConcurrency  int
	BatchMaxCount     int
	QuotaTopic        string
}

// StudioService runs every paid operation through the quota gate.
type StudioService interface {
	GenerateImage(ctx context.Context, userID string, in GenerateImageInput) (*quota.Receipt, error)
	EditImage(ctx context.Context, userID string, in EditImageInput) (*quota.Receipt, error)
	ScientificDrawing(ctx context.Context, userID string, in ScientificDrawingInput) (*quota.Receipt, error)
	GenerateOutline(ctx context.Context, userID string, in OutlineInput) (*quota.Receipt, error)
	BatchGenerate(ctx context.Context, userID string, in BatchGenerateInput) (*quota.BatchReceipt, error)
	// Wait blocks until pending transaction events are published.
	Wait()
}

type studioService struct {
	gate      *quota.Gate
	images    ImageClient
	keys      ProviderKeyService
	publisher pubsub.Publisher
	cfg       StudioConfig
	logger    zerolog.Logger
	inflight  sync.WaitGroup
}

// NewStudioService accepts nil keys and publisher.
func NewStudioService(gate *quota.Gate, images ImageClient, keys ProviderKeyService, publisher pubsub.Publisher, cfg StudioConfig, logger zerolog.Logger) StudioService {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = quota.DefaultBatchConcurrency
	}
	return &studioService{
		gate:      gate,
		images:    images,
		keys:      keys,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("service", "StudioService").Logger(),
	}
}

// upstream fills the model and the key. A request key wins over the stored
// key of the model's provider. Anthropic keys go to the Anthropic endpoint.
func (s *studioService) upstream(ctx context.Context, userID string, in Upstream, defaultModel string) (UpstreamRequest, error) {
	req := UpstreamRequest{Model: in.Model, APIKey: in.APIKey, BaseURL: in.BaseURL}
	if req.Model == "" {
		req.Model = defaultModel
	}
	provider := ProviderForModel(req.Model)
	if req.APIKey == "" && s.keys != nil {
		key, err := s.keys.Resolve(ctx, userID, provider)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Str("provider", provider).Msg("Failed to resolve stored provider key, using default")
		}
		req.APIKey = key
	}
	if provider == ProviderAnthropic && req.BaseURL == "" && req.APIKey != "" {
		req.BaseURL = anthropicBaseURL
	}
	if req.BaseURL != "" && req.APIKey == "" {
		return req, ErrBaseURLNeedsKey
	}
	return req, nil
}

func (s *studioService) GenerateImage(ctx context.Context, userID string, in GenerateImageInput) (*quota.Receipt, error) {
	req, err := s.upstream(ctx, userID, in.Upstream, s.cfg.DefaultImageModel)
	if err != nil {
		return nil, err
	}
	req.Prompt = in.Prompt
	req.AspectRatio = in.AspectRatio

	op := quota.Operation{
		Action:                      model.ActionGenerateImage,
		BaseCost:                    quota.GenerateImageBaseCost,
		Model:                       req.Model,
		Policy:                      quota.SettleAfter,
		KeepArtifactOnSettleFailure: true,
		Timeout:                     s.cfg.GenerationTimeout,
		Describe: func(c quota.Cost) model.TransactionMetadata {
			return model.GenerateImageMetadata{Prompt: model.Excerpt(in.Prompt), AspectRatio: in.AspectRatio, Pricing: c.Pricing()}
		},
	}
	return s.run(ctx, userID, op, func(ctx context.Context) (*model.Artifact, error) {
		return s.images.GenerateImage(ctx, userID, req)
	})
}

func (s *studioService) EditImage(ctx context.Context, userID string, in EditImageInput) (*quota.Receipt, error) {
	base, ok := quota.EditToolCost(in.Tool)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEditTool, in.Tool)
	}
	req, err := s.upstream(ctx, userID, in.Upstream, s.cfg.DefaultImageModel)
	if err != nil {
		return nil, err
	}
	req.Prompt = editPrompt(in.Tool, in.Prompt)
	req.Images = in.Images

	op := quota.Operation{
		Action:   model.ActionEditImage,
		BaseCost: base,
		Model:    req.Model,
		Policy:   quota.SettleBefore,
		Timeout:  s.cfg.GenerationTimeout,
		Describe: func(c quota.Cost) model.TransactionMetadata {
			return model.EditImageMetadata{Tool: in.Tool, Prompt: model.Excerpt(in.Prompt), Pricing: c.Pricing()}
		},
	}
	return s.run(ctx, userID, op, func(ctx context.Context) (*model.Artifact, error) {
		return s.images.GenerateImage(ctx, userID, req)
	})
}

func editPrompt(tool, prompt string) string {
	instruction := strings.ReplaceAll(tool, "_", " ")
	if prompt == "" {
		return "Apply this edit to the image: " + instruction + "."
	}
	return fmt.Sprintf("Apply this edit to the image: %s. %s", instruction, prompt)
}

func (s *studioService) ScientificDrawing(ctx context.Context, userID string, in ScientificDrawingInput) (*quota.Receipt, error) {
	req, err := s.upstream(ctx, userID, in.Upstream, s.cfg.DefaultImageModel)
	if err != nil {
		return nil, err
	}
	req.System = scientificDrawingSystem
	req.Prompt = in.Prompt
	if in.Subject != "" {
		req.Prompt = fmt.Sprintf("Subject: %s.\n%s", in.Subject, in.Prompt)
	}

	op := quota.Operation{
		Action:   model.ActionScientificDrawing,
		BaseCost: quota.ScientificDrawingBaseCost,
		Model:    req.Model,
		Policy:   quota.SettleAfter,
		Timeout:  s.cfg.GenerationTimeout,
		Describe: func(c quota.Cost) model.TransactionMetadata {
			return model.ScientificDrawingMetadata{Subject: in.Subject, Prompt: model.Excerpt(in.Prompt), Pricing: c.Pricing()}
		},
	}
	return s.run(ctx, userID, op, func(ctx context.Context) (*model.Artifact, error) {
		return s.images.GenerateImage(ctx, userID, req)
	})
}

func (s *studioService) GenerateOutline(ctx context.Context, userID string, in OutlineInput) (*quota.Receipt, error) {
	sections := in.Sections
	if sections <= 0 {
		sections = defaultOutlineLen
	}
	req, err := s.upstream(ctx, userID, in.Upstream, s.cfg.DefaultTextModel)
	if err != nil {
		return nil, err
	}
	req.System = outlineSystem
	req.Prompt = fmt.Sprintf("Write an outline with %d sections about: %s", sections, in.Topic)

	op := quota.Operation{
		Action:   model.ActionGenerateOutline,
		BaseCost: quota.OutlineBaseCost,
		Model:    req.Model,
		Policy:   quota.SettleAfter,
		Timeout:  s.cfg.GenerationTimeout,
		Describe: func(c quota.Cost) model.TransactionMetadata {
			return model.OutlineMetadata{Topic: model.Excerpt(in.Topic), Pricing: c.Pricing()}
		},
	}
	return s.run(ctx, userID, op, func(ctx context.Context) (*model.Artifact, error) {
		return s.images.GenerateText(ctx, req)
	})
}

func (s *studioService) BatchGenerate(ctx context.Context, userID string, in BatchGenerateInput) (*quota.BatchReceipt, error) {
	if in.Count < 1 || (s.cfg.BatchMaxCount > 0 && in.Count > s.cfg.BatchMaxCount) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, in.Count)
	}
	req, err := s.upstream(ctx, userID, in.Upstream, s.cfg.DefaultImageModel)
	if err != nil {
		return nil, err
	}
	req.Prompt = in.Prompt
	req.AspectRatio = in.AspectRatio

	op := quota.Operation{
		Action:                      model.ActionBatchGenerateImage,
		BaseCost:                    quota.BatchUnitBaseCost,
		Model:                       req.Model,
		Policy:                      quota.SettleAfter,
		KeepArtifactOnSettleFailure: true,
		Timeout:                     s.cfg.BatchUnitTimeout,
		Describe: func(c quota.Cost) model.TransactionMetadata {
			return model.BatchGenerateMetadata{Prompt: model.Excerpt(in.Prompt), UnitIndex: c.Unit, BatchSize: in.Count, Pricing: c.Pricing()}
		},
	}
	receipt, err := s.gate.RunBatch(ctx, userID, op, in.Count, s.cfg.BatchConcurrency, func(ctx context.Context, _ int) (*model.Artifact, error) {
		return s.images.GenerateImage(ctx, userID, req)
	})
	if err != nil {
		return nil, err
	}
	for _, u := range receipt.Units {
		if u.TransactionID == "" {
			continue
		}
		c := op.Price(1)
		c.Unit = u.Index
		s.publish(ctx, model.QuotaTransactionEvent{
			TransactionID: u.TransactionID,
			UserID:        userID,
			Action:        op.Action,
			Amount:        u.Cost,
			Remaining:     receipt.Remaining,
			Metadata:      op.Describe(c),
			OccurredAt:    quota.Clock().UTC(),
		})
	}
	return receipt, nil
}

func (s *studioService) run(ctx context.Context, userID string, op quota.Operation, capability quota.Capability) (*quota.Receipt, error) {
	receipt, err := s.gate.Run(ctx, userID, op, capability)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.QuotaTransactionEvent{
		TransactionID: receipt.TransactionID,
		UserID:        userID,
		Action:        op.Action,
		Amount:        receipt.Cost,
		Remaining:     receipt.Remaining,
		Metadata:      op.Describe(op.Price(1)),
		OccurredAt:    quota.Clock().UTC(),
	})
	return receipt, nil
}

// publish sends the event in the background. Failures are only logged.
func (s *studioService) publish(ctx context.Context, ev model.QuotaTransactionEvent) {
	if s.publisher == nil || s.cfg.QuotaTopic == "" {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if _, err := pubsub.PublishJSON(pctx, s.publisher, s.cfg.QuotaTopic, ev); err != nil {
			s.logger.Warn().Err(err).Str("user_id", ev.UserID).Str("transaction_id", ev.TransactionID).Msg("Failed to publish quota transaction event")
		}
	}()
}

func (s *studioService) Wait() {
	s.inflight.Wait()
}
