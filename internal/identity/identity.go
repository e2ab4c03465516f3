// Package identity provisions and caches the anonymous device principal.
// There are no accounts and no credentials: the first call mints a random
// principal id, persists it in the local store, and every later call returns
// the same id for the lifetime of the install.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carecircle/internal/localstore"
	"carecircle/internal/model"

	"github.com/google/uuid"
)

var ErrNotAuthenticated = errors.New("not authenticated")

type Provider struct {
	logger *slog.Logger
	store  localstore.Store

	mu        sync.RWMutex
	principal uuid.UUID
}

func NewProvider(logger *slog.Logger, store localstore.Store) *Provider {
	return &Provider{
		logger: logger,
		store:  store,
	}
}

// CurrentPrincipal returns the device principal, provisioning one on first
// use. Concurrent first calls agree on a single id.
func (p *Provider) CurrentPrincipal(ctx context.Context) (uuid.UUID, error) {
	p.mu.RLock()
	cached := p.principal
	p.mu.RUnlock()
	if cached != uuid.Nil {
		return cached, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.principal != uuid.Nil {
		return p.principal, nil
	}

	state, err := p.store.DeviceState(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load device state: %w", err)
	}
	if state.PrincipalID != uuid.Nil {
		p.principal = state.PrincipalID
		return p.principal, nil
	}

	id := uuid.New()
	if err := p.store.SetDevicePrincipal(ctx, id); err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist principal: %w", err)
	}

	now := time.Now().UTC()
	rec := model.PrincipalRecord{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.SavePrincipalRecord(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist principal record: %w", err)
	}

	p.logger.InfoContext(ctx, "Provisioned device principal", "principal_id", id)
	p.principal = id
	return id, nil
}

// RequirePrincipal is CurrentPrincipal with the unauthenticated case mapped
// to ErrNotAuthenticated for callers that must not provision.
func (p *Provider) RequirePrincipal(ctx context.Context) (uuid.UUID, error) {
	p.mu.RLock()
	cached := p.principal
	p.mu.RUnlock()
	if cached != uuid.Nil {
		return cached, nil
	}

	state, err := p.store.DeviceState(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load device state: %w", err)
	}
	if state.PrincipalID == uuid.Nil {
		return uuid.Nil, ErrNotAuthenticated
	}

	p.mu.Lock()
	p.principal = state.PrincipalID
	p.mu.Unlock()
	return state.PrincipalID, nil
}
