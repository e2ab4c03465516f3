// Package payment abstracts the billing backend. The subscription state
// machine only ever sees entitlements; Stripe specifics stay behind the
// Provider interface.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound  = errors.New("product not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrPurchaseFailed   = errors.New("purchase failed")
)

type ProductID string

const (
	ProductMonthly ProductID = "carecircle_monthly"
	ProductYearly  ProductID = "carecircle_yearly"
)

type Product struct {
	ID         ProductID
	Name       string
	PriceCents int64
	Currency   string
	Interval   string
}

// Entitlement is an active purchase as reported by the billing backend.
type Entitlement struct {
	ProductID   ProductID
	PurchasedAt time.Time
	ExpiresAt   *time.Time
	WillRenew   bool
}

func (e Entitlement) IsActive(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

type Provider interface {
	ListProducts(ctx context.Context) ([]Product, error)
	Purchase(ctx context.Context, principalID uuid.UUID, productID ProductID) (Entitlement, error)
	// CurrentEntitlements returns the active entitlements for the principal.
	// An empty slice with a nil error means "verified: none".
	CurrentEntitlements(ctx context.Context, principalID uuid.UUID) ([]Entitlement, error)
	// Restore re-queries the backend for purchases tied to the principal,
	// for reinstalls and device migrations.
	Restore(ctx context.Context, principalID uuid.UUID) ([]Entitlement, error)
	// CancelAtPeriodEnd keeps access until the current period lapses.
	CancelAtPeriodEnd(ctx context.Context, principalID uuid.UUID) error
	// CancelNow revokes the entitlement immediately.
	CancelNow(ctx context.Context, principalID uuid.UUID) error
	// IssueRefund refunds amountCents against the latest charge.
	IssueRefund(ctx context.Context, principalID uuid.UUID, amountCents int64) error
}
