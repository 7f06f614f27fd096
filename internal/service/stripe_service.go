package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	customerpkg "github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/config"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/pgmq"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/repository"
)

const (
	CheckoutKindPackage      = "package"
	CheckoutKindSubscription = "subscription"
)

var (
	ErrUnknownPrice         = errors.New("unknown_price")
	ErrInvalidCheckoutKind  = errors.New("invalid_checkout_kind")
	ErrInvalidWebhookSignal = errors.New("invalid_webhook_signature")
)

// CheckoutService is the request-path side of billing.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, userID, kind, priceID string) (string, error)
	ReceiveWebhook(ctx context.Context, payload []byte, signature string) error
}

var _ CheckoutService = (*StripeService)(nil)

// StripeService creates checkout sessions and queues verified webhooks.
type StripeService struct {
	cfg      *config.Config
	userRepo repository.UserRepository
	queue    pgmq.Queue
	logger   zerolog.Logger
}

// NewStripeService initializes Stripe key and returns service with a scoped logger
func NewStripeService(cfg *config.Config, userRepo repository.UserRepository, queue pgmq.Queue, logger zerolog.Logger) *StripeService {
	stripe.Key = cfg.StripeSecretKey
	lg := logger.With().Str("service", "StripeService").Logger()
	return &StripeService{cfg: cfg, userRepo: userRepo, queue: queue, logger: lg}
}

// GetOrCreateCustomer ensures a Stripe Customer exists for a user
func (s *StripeService) GetOrCreateCustomer(ctx context.Context, user *model.Account) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}
	return s.CreateCustomer(ctx, user)
}

// CreateCustomer creates a new Stripe customer for a user
func (s *StripeService) CreateCustomer(ctx context.Context, user *model.Account) (string, error) {
	params := &stripe.CustomerParams{
		Email:    stripe.String(user.Email),
		Name:     stripe.String(user.Name),
		Metadata: map[string]string{"user_id": user.UserID},
	}
	params.Context = ctx
	cust, err := customerpkg.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Failed to create Stripe customer")
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	if err := s.userRepo.UpdateStripeCustomerID(ctx, user.UserID, cust.ID); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Failed to store stripe customer id in user_profiles")
		return "", fmt.Errorf("store stripe customer id: %w", err)
	}
	return cust.ID, nil
}

// checkoutMode validates the price against the configured quota maps.
func (s *StripeService) checkoutMode(kind, priceID string) (string, error) {
	switch kind {
	case CheckoutKindPackage:
		if _, ok := s.cfg.StripePackageQuotas[priceID]; !ok {
			return "", ErrUnknownPrice
		}
		return string(stripe.CheckoutSessionModePayment), nil
	case CheckoutKindSubscription:
		if _, ok := s.cfg.StripePlanQuotas[priceID]; !ok {
			return "", ErrUnknownPrice
		}
		return string(stripe.CheckoutSessionModeSubscription), nil
	default:
		return "", ErrInvalidCheckoutKind
	}
}

// CreateCheckoutSession creates a Stripe Checkout session and returns its URL.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, userID, kind, priceID string) (string, error) {
	mode, err := s.checkoutMode(kind, priceID)
	if err != nil {
		return "", err
	}
	user, err := s.userRepo.GetAccount(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch user for checkout session")
		return "", fmt.Errorf("fetch user: %w", err)
	}
	customerID, err := s.GetOrCreateCustomer(ctx, user)
	if err != nil {
		return "", err
	}

	metadata := map[string]string{"user_id": userID, "price_id": priceID, "kind": kind}
	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(userID),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(priceID), Quantity: stripe.Int64(1)}},
		Mode:              stripe.String(mode),
		SuccessURL:        stripe.String(s.cfg.StripeReturnURL + "?status=success"),
		CancelURL:         stripe.String(s.cfg.StripeReturnURL + "?status=cancel"),
		Metadata:          metadata,
	}
	if kind == CheckoutKindSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	}
	params.Context = ctx

	sess, err := checkoutsession.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("price_id", priceID).Msg("Failed to create Stripe checkout session")
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// ReceiveWebhook verifies the Stripe signature and queues the raw event for
// the billing worker. Fulfillment never runs on the request path.
func (s *StripeService) ReceiveWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Signature verification failed for Stripe webhook")
		return fmt.Errorf("%w: %v", ErrInvalidWebhookSignal, err)
	}

	msgID, err := s.queue.Send(ctx, s.cfg.BillingQueueName, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to enqueue Stripe event")
		return fmt.Errorf("enqueue stripe event %s: %w", event.ID, err)
	}
	s.logger.Info().Str("event_id", event.ID).Str("event_type", string(event.Type)).Int64("msg_id", msgID).Msg("Stripe webhook queued")
	return nil
}
