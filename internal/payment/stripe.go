package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	stripeCharge "github.com/stripe/stripe-go/v76/charge"
	stripeCustomer "github.com/stripe/stripe-go/v76/customer"
	stripePrice "github.com/stripe/stripe-go/v76/price"
	stripeRefund "github.com/stripe/stripe-go/v76/refund"
	stripeSubscription "github.com/stripe/stripe-go/v76/subscription"
)

var priceIDs = map[ProductID]string{
	ProductMonthly: "price_1PcZm2JxJQkV0carMonthly",
	ProductYearly:  "price_1PcZm2JxJQkV0carYearly0",
}

type StripeProvider struct {
	logger *slog.Logger
	APIKey string
}

func NewStripeProvider(logger *slog.Logger, apiKey string) StripeProvider {
	return StripeProvider{
		logger: logger,
		APIKey: apiKey,
	}
}

func (c *StripeProvider) ListProducts(ctx context.Context) ([]Product, error) {
	stripe.Key = c.APIKey

	var products []Product
	for productID, priceID := range priceIDs {
		p, err := stripePrice.Get(priceID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get Stripe price %s: %w", priceID, err)
		}

		product := Product{
			ID:         productID,
			PriceCents: p.UnitAmount,
			Currency:   string(p.Currency),
		}
		if p.Product != nil {
			product.Name = p.Product.Name
		}
		if p.Recurring != nil {
			product.Interval = string(p.Recurring.Interval)
		}
		products = append(products, product)
	}

	return products, nil
}

func (c *StripeProvider) Purchase(ctx context.Context, principalID uuid.UUID, productID ProductID) (Entitlement, error) {
	stripe.Key = c.APIKey

	priceID, ok := priceIDs[productID]
	if !ok {
		return Entitlement{}, ErrProductNotFound
	}

	customerID, err := c.ensureCustomer(ctx, principalID)
	if err != nil {
		return Entitlement{}, err
	}

	subscription, err := stripeSubscription.New(&stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(priceID),
			},
		},
	})
	if err != nil {
		return Entitlement{}, fmt.Errorf("%w: %v", ErrPurchaseFailed, err)
	}

	c.logger.InfoContext(ctx, "Created Stripe subscription",
		"principal_id", principalID, "subscription_id", subscription.ID)

	return entitlementFromSubscription(subscription), nil
}

func (c *StripeProvider) CurrentEntitlements(ctx context.Context, principalID uuid.UUID) ([]Entitlement, error) {
	stripe.Key = c.APIKey

	customerID, err := c.findCustomer(ctx, principalID)
	if err != nil {
		if err == ErrCustomerNotFound {
			return []Entitlement{}, nil
		}
		return nil, err
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}

	entitlements := []Entitlement{}
	i := stripeSubscription.List(params)
	for i.Next() {
		entitlements = append(entitlements, entitlementFromSubscription(i.Subscription()))
	}
	if err := i.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return entitlements, nil
}

func (c *StripeProvider) Restore(ctx context.Context, principalID uuid.UUID) ([]Entitlement, error) {
	return c.CurrentEntitlements(ctx, principalID)
}

func (c *StripeProvider) CancelAtPeriodEnd(ctx context.Context, principalID uuid.UUID) error {
	stripe.Key = c.APIKey

	subscriptionID, err := c.activeSubscriptionID(ctx, principalID)
	if err != nil {
		return err
	}

	if _, err := stripeSubscription.Update(subscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}); err != nil {
		return fmt.Errorf("failed to schedule Stripe cancellation: %w", err)
	}
	return nil
}

func (c *StripeProvider) CancelNow(ctx context.Context, principalID uuid.UUID) error {
	stripe.Key = c.APIKey

	subscriptionID, err := c.activeSubscriptionID(ctx, principalID)
	if err != nil {
		return err
	}

	if _, err := stripeSubscription.Cancel(subscriptionID, nil); err != nil {
		return fmt.Errorf("failed to cancel Stripe subscription: %w", err)
	}
	return nil
}

func (c *StripeProvider) IssueRefund(ctx context.Context, principalID uuid.UUID, amountCents int64) error {
	stripe.Key = c.APIKey

	if amountCents <= 0 {
		return nil
	}

	customerID, err := c.findCustomer(ctx, principalID)
	if err != nil {
		return err
	}

	chargeParams := &stripe.ChargeListParams{
		Customer: stripe.String(customerID),
	}
	chargeParams.Limit = stripe.Int64(1)

	i := stripeCharge.List(chargeParams)
	if !i.Next() {
		if err := i.Err(); err != nil {
			return fmt.Errorf("failed to list charges: %w", err)
		}
		return fmt.Errorf("no charge found for customer %s", customerID)
	}

	if _, err := stripeRefund.New(&stripe.RefundParams{
		Charge: stripe.String(i.Charge().ID),
		Amount: stripe.Int64(amountCents),
	}); err != nil {
		return fmt.Errorf("failed to create Stripe refund: %w", err)
	}

	c.logger.InfoContext(ctx, "Issued Stripe refund",
		"principal_id", principalID, "amount_cents", amountCents)
	return nil
}

// Customers are keyed by principal id; there is no email to key on.
func (c *StripeProvider) ensureCustomer(ctx context.Context, principalID uuid.UUID) (string, error) {
	customerID, err := c.findCustomer(ctx, principalID)
	if err == nil {
		return customerID, nil
	}
	if err != ErrCustomerNotFound {
		return "", err
	}

	customer, err := stripeCustomer.New(&stripe.CustomerParams{
		Params: stripe.Params{
			Metadata: map[string]string{"principal_id": principalID.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create Stripe customer: %w", err)
	}
	return customer.ID, nil
}

func (c *StripeProvider) findCustomer(ctx context.Context, principalID uuid.UUID) (string, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("metadata['principal_id']:'%s'", principalID),
		},
	}

	i := stripeCustomer.Search(params)
	if i.Next() {
		return i.Customer().ID, nil
	}
	if err := i.Err(); err != nil {
		return "", fmt.Errorf("failed to search Stripe customers: %w", err)
	}
	return "", ErrCustomerNotFound
}

func (c *StripeProvider) activeSubscriptionID(ctx context.Context, principalID uuid.UUID) (string, error) {
	customerID, err := c.findCustomer(ctx, principalID)
	if err != nil {
		return "", err
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Limit = stripe.Int64(1)

	i := stripeSubscription.List(params)
	if i.Next() {
		return i.Subscription().ID, nil
	}
	if err := i.Err(); err != nil {
		return "", fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return "", fmt.Errorf("no active subscription for customer %s", customerID)
}

func entitlementFromSubscription(sub *stripe.Subscription) Entitlement {
	ent := Entitlement{
		PurchasedAt: time.Unix(sub.Created, 0).UTC(),
		WillRenew:   !sub.CancelAtPeriodEnd,
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ent.ExpiresAt = &end
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		for productID, priceID := range priceIDs {
			if priceID == sub.Items.Data[0].Price.ID {
				ent.ProductID = productID
			}
		}
	}
	return ent
}
