package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory Provider for tests and offline development.
type Fake struct {
	mu           sync.Mutex
	now          func() time.Time
	entitlements map[uuid.UUID][]Entitlement
	refunds      map[uuid.UUID]int64

	// PurchaseErr, when set, makes Purchase fail.
	PurchaseErr error
}

func NewFake() *Fake {
	return &Fake{
		now:          time.Now,
		entitlements: make(map[uuid.UUID][]Entitlement),
		refunds:      make(map[uuid.UUID]int64),
	}
}

func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *Fake) ListProducts(ctx context.Context) ([]Product, error) {
	return []Product{
		{ID: ProductMonthly, Name: "Monthly", PriceCents: 999, Currency: "usd", Interval: "month"},
		{ID: ProductYearly, Name: "Yearly", PriceCents: 7999, Currency: "usd", Interval: "year"},
	}, nil
}

func (f *Fake) Purchase(ctx context.Context, principalID uuid.UUID, productID ProductID) (Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PurchaseErr != nil {
		return Entitlement{}, f.PurchaseErr
	}
	if productID != ProductMonthly && productID != ProductYearly {
		return Entitlement{}, ErrProductNotFound
	}

	now := f.now().UTC()
	period := 30 * 24 * time.Hour
	if productID == ProductYearly {
		period = 365 * 24 * time.Hour
	}
	expires := now.Add(period)
	ent := Entitlement{
		ProductID:   productID,
		PurchasedAt: now,
		ExpiresAt:   &expires,
		WillRenew:   true,
	}
	f.entitlements[principalID] = append(f.entitlements[principalID], ent)
	return ent, nil
}

func (f *Fake) CurrentEntitlements(ctx context.Context, principalID uuid.UUID) ([]Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now().UTC()
	active := []Entitlement{}
	for _, ent := range f.entitlements[principalID] {
		if ent.IsActive(now) {
			active = append(active, ent)
		}
	}
	return active, nil
}

func (f *Fake) Restore(ctx context.Context, principalID uuid.UUID) ([]Entitlement, error) {
	return f.CurrentEntitlements(ctx, principalID)
}

func (f *Fake) CancelAtPeriodEnd(ctx context.Context, principalID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.entitlements[principalID] {
		f.entitlements[principalID][i].WillRenew = false
	}
	return nil
}

func (f *Fake) CancelNow(ctx context.Context, principalID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now().UTC()
	for i, ent := range f.entitlements[principalID] {
		if ent.IsActive(now) {
			expired := now
			f.entitlements[principalID][i].ExpiresAt = &expired
			f.entitlements[principalID][i].WillRenew = false
		}
	}
	return nil
}

func (f *Fake) IssueRefund(ctx context.Context, principalID uuid.UUID, amountCents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refunds[principalID] += amountCents
	return nil
}

// RefundedCents reports the total refunded to the principal.
func (f *Fake) RefundedCents(principalID uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[principalID]
}
