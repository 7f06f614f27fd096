package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/config"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
)

// ErrPermanent marks events that will never succeed on retry.
var ErrPermanent = errors.New("permanent_billing_failure")

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// StripeGateway is the read side of the Stripe API that fulfillment needs.
type StripeGateway interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	// CheckoutPriceID returns the price of the session's first line item.
	CheckoutPriceID(ctx context.Context, sessionID string) (string, error)
}

type stripeGateway struct{}

// NewStripeGateway sets the package-level stripe.Key.
func NewStripeGateway(secretKey string) StripeGateway {
	stripe.Key = secretKey
	return stripeGateway{}
}

func (stripeGateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return subscriptionpkg.Get(id, params)
}

func (stripeGateway) CheckoutPriceID(ctx context.Context, sessionID string) (string, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Context = ctx
	iter := checkoutsession.ListLineItems(params)
	for iter.Next() {
		if li := iter.LineItem(); li.Price != nil {
			return li.Price.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", err
	}
	return "", nil
}

// CustomerResolver finds the account behind a Stripe customer.
type CustomerResolver interface {
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (*model.Account, error)
}

// BillingService turns queued Stripe events into quota grants.
type BillingService interface {
	Fulfill(ctx context.Context, payload []byte) error
}

type billingService struct {
	granter       quota.Granter
	customers     CustomerResolver
	stripe        StripeGateway
	packageQuotas map[string]int
	planQuotas    map[string]int
	packageTTL    time.Duration
	logger        zerolog.Logger
}

func NewBillingService(cfg *config.Config, granter quota.Granter, customers CustomerResolver, gateway StripeGateway, logger zerolog.Logger) BillingService {
	return &billingService{
		granter:       granter,
		customers:     customers,
		stripe:        gateway,
		packageQuotas: cfg.StripePackageQuotas,
		planQuotas:    cfg.StripePlanQuotas,
		packageTTL:    time.Duration(cfg.PackageValidDays) * 24 * time.Hour,
		logger:        logger.With().Str("service", "BillingService").Logger(),
	}
}

func (s *billingService) Fulfill(ctx context.Context, payload []byte) error {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return permanent("decode stripe event: %v", err)
	}
	if event.Data == nil {
		return permanent("stripe event %s has no data", event.ID)
	}
	log := s.logger.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()

	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return permanent("invalid checkout.session data: %v", err)
		}
		if cs.Mode == stripe.CheckoutSessionModeSubscription {
			if cs.Subscription == nil || cs.Subscription.ID == "" {
				return permanent("checkout session %s has no subscription", cs.ID)
			}
			return s.grantSubscription(ctx, log, cs.Subscription.ID, cs.Metadata)
		}
		return s.grantPackage(ctx, log, &cs)

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return permanent("invalid invoice data: %v", err)
		}
		var subID string
		if invoice.Lines != nil {
			for _, line := range invoice.Lines.Data {
				if line.Subscription != nil && line.Subscription.ID != "" {
					subID = line.Subscription.ID
					break
				}
			}
		}
		if subID == "" {
			log.Info().Str("invoice_id", invoice.ID).Msg("Invoice has no subscription, skipping")
			return nil
		}
		return s.grantSubscription(ctx, log, subID, invoice.Metadata)

	case "customer.subscription.deleted":
		var ss stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
			return permanent("invalid subscription data: %v", err)
		}
		if err := s.granter.CancelSubscription(ctx, ss.ID); err != nil {
			return fmt.Errorf("cancel subscription %s: %w", ss.ID, err)
		}
		log.Info().Str("subscription_id", ss.ID).Msg("Subscription canceled")
		return nil

	default:
		log.Debug().Msg("Ignoring Stripe event")
		return nil
	}
}

func (s *billingService) grantPackage(ctx context.Context, log zerolog.Logger, cs *stripe.CheckoutSession) error {
	if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		log.Info().Str("session_id", cs.ID).Msg("Checkout session unpaid, skipping package grant")
		return nil
	}
	customerID := ""
	if cs.Customer != nil {
		customerID = cs.Customer.ID
	}
	userID, err := s.resolveUser(ctx, cs.Metadata, customerID)
	if err != nil {
		return err
	}

	priceID := cs.Metadata["price_id"]
	if priceID == "" {
		priceID, err = s.stripe.CheckoutPriceID(ctx, cs.ID)
		if err != nil {
			return fmt.Errorf("list line items for session %s: %w", cs.ID, err)
		}
	}
	amount, ok := s.packageQuotas[priceID]
	if !ok || amount <= 0 {
		return permanent("no package quota configured for price %q", priceID)
	}

	now := quota.Clock()
	pkg := model.QuotaPackage{
		UserID:          userID,
		QuotaAmount:     amount,
		QuotaRemaining:  amount,
		ExpiresAt:       now.Add(s.packageTTL),
		StripeSessionID: cs.ID,
		CreatedAt:       now,
	}
	if err := s.granter.GrantPackage(ctx, pkg); err != nil {
		return fmt.Errorf("grant package for session %s: %w", cs.ID, err)
	}
	log.Info().Str("user_id", userID).Str("price_id", priceID).Int("quota", amount).Msg("Quota package granted")
	return nil
}

func (s *billingService) grantSubscription(ctx context.Context, log zerolog.Logger, subID string, metadata map[string]string) error {
	sub, err := s.stripe.GetSubscription(ctx, subID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", subID, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return permanent("subscription %s has no items", subID)
	}
	item := sub.Items.Data[0]
	if item.Price == nil || item.Price.ID == "" {
		return permanent("subscription %s has no price", subID)
	}
	planID := item.Price.ID
	total, ok := s.planQuotas[planID]
	if !ok || total <= 0 {
		return permanent("no plan quota configured for price %q", planID)
	}

	md := metadata
	if md["user_id"] == "" {
		md = sub.Metadata
	}
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	userID, err := s.resolveUser(ctx, md, customerID)
	if err != nil {
		return err
	}

	stripeSubID := sub.ID
	grant := model.Subscription{
		UserID:               userID,
		PlanID:               planID,
		StripeSubscriptionID: &stripeSubID,
		QuotaTotal:           total,
		StartsAt:             time.Unix(item.CurrentPeriodStart, 0).UTC(),
		EndDate:              time.Unix(item.CurrentPeriodEnd, 0).UTC(),
		Status:               "active",
	}
	if err := s.granter.GrantSubscription(ctx, grant); err != nil {
		return fmt.Errorf("grant subscription %s: %w", subID, err)
	}
	log.Info().Str("user_id", userID).Str("plan_id", planID).Str("subscription_id", subID).
		Time("ends_at", grant.EndDate).Msg("Subscription period granted")
	return nil
}

// resolveUser prefers the user_id we stamp into checkout metadata and falls
// back to the customer mapping.
func (s *billingService) resolveUser(ctx context.Context, metadata map[string]string, customerID string) (string, error) {
	if userID := metadata["user_id"]; userID != "" {
		return userID, nil
	}
	if customerID == "" {
		return "", permanent("cannot determine user: missing metadata and customer id")
	}
	s.logger.Warn().Str("stripe_customer_id", customerID).Msg("Missing user_id metadata; looking up user by customer ID")
	u, err := s.customers.GetUserByStripeCustomerID(ctx, customerID)
	if errors.Is(err, quota.ErrAccountNotFound) {
		return "", permanent("no user found for customer %s", customerID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup user by customer %s: %w", customerID, err)
	}
	return u.UserID, nil
}
