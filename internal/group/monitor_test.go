package group

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"carecircle/internal/config"
	"carecircle/internal/events"
	"carecircle/internal/identity"
	"carecircle/internal/localstore"
	"carecircle/internal/model"
	"carecircle/internal/monitoring"
	"carecircle/internal/payment"
	"carecircle/internal/remote"
	"carecircle/internal/subscription"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu      sync.Mutex
	revoked []events.Revoked
	changed []events.GroupChanged
}

func (r *eventRecorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev := e.(type) {
	case events.Revoked:
		r.revoked = append(r.revoked, ev)
	case events.GroupChanged:
		r.changed = append(r.changed, ev)
	}
}

func (r *eventRecorder) revokedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.revoked)
}

type monitorFixture struct {
	monitor   *Monitor
	remote    *remote.MemoryStore
	local     *localstore.Memory
	recorder  *eventRecorder
	group     model.Group
	principal uuid.UUID
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()

	telemetry, err := monitoring.NewTelemetry(config.TelemetryConfig{}, config.ServiceConfig{})
	require.NoError(t, err)

	f := &monitorFixture{
		remote:    remote.NewMemoryStore(),
		local:     localstore.NewMemory(),
		recorder:  &eventRecorder{},
		principal: uuid.New(),
	}

	admin := uuid.New().String()
	uid := f.principal.String()
	f.group = model.Group{
		ID:                 uuid.New(),
		Name:               "Family",
		CreatedBy:          admin,
		AdminIDs:           []string{admin},
		MemberIDs:          []string{admin, uid},
		WritePermissionIDs: []string{admin},
	}

	ctx := context.Background()
	require.NoError(t, f.remote.Set(ctx, groupPath(f.group.ID), f.group.ToDoc(), remote.SetOptions{}))
	require.NoError(t, f.local.SetCurrentGroup(ctx, &f.group.ID))

	bus := events.NewBus()
	bus.Subscribe(f.recorder.record)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idp := identity.NewProvider(logger, f.local)
	subs := subscription.NewManager(logger, testSubscriptionConfig(), config.StripeConfig{PriceCents: 499}, f.local, f.remote, payment.NewFake())
	registry := NewRegistry(logger, testSubscriptionConfig(), f.remote, f.local, idp, subs, bus, telemetry)
	f.monitor = NewMonitor(logger, f.remote, registry, bus, telemetry, 10*time.Millisecond)
	return f
}

func (f *monitorFixture) removeSelf(t *testing.T) {
	t.Helper()
	require.NoError(t, f.remote.Set(context.Background(), groupPath(f.group.ID), map[string]any{
		"memberIds": []any{f.group.CreatedBy},
	}, remote.SetOptions{Merge: true}))
}

func (f *monitorFixture) awaitRevocation(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.recorder.revokedCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitorRevocation(t *testing.T) {
	ctx := context.Background()

	t.Run("membership_removal_revokes_exactly_once", func(t *testing.T) {
		f := newMonitorFixture(t)
		require.NoError(t, f.monitor.Start(ctx, f.group.ID, f.principal))
		defer f.monitor.Stop()

		// Removal reaches the monitor through both the listener and the
		// poll; only one revocation may come out.
		f.removeSelf(t)
		f.awaitRevocation(t)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, f.recorder.revokedCount())

		state, err := f.local.DeviceState(ctx)
		require.NoError(t, err)
		assert.Nil(t, state.CurrentGroupID)
	})

	t.Run("group_deletion_revokes", func(t *testing.T) {
		f := newMonitorFixture(t)
		require.NoError(t, f.monitor.Start(ctx, f.group.ID, f.principal))
		defer f.monitor.Stop()

		require.NoError(t, f.remote.Delete(ctx, groupPath(f.group.ID)))
		f.awaitRevocation(t)
	})

	t.Run("listener_permission_denied_revokes", func(t *testing.T) {
		f := newMonitorFixture(t)
		require.NoError(t, f.monitor.Start(ctx, f.group.ID, f.principal))
		defer f.monitor.Stop()

		f.remote.InjectListenerError("groups", remote.ErrPermissionDenied)
		f.awaitRevocation(t)
	})

	t.Run("reported_permission_denial_revokes", func(t *testing.T) {
		f := newMonitorFixture(t)
		require.NoError(t, f.monitor.Start(ctx, f.group.ID, f.principal))
		defer f.monitor.Stop()

		f.monitor.ReportPermissionDenied(ctx)
		f.awaitRevocation(t)

		f.monitor.ReportPermissionDenied(ctx)
		assert.Equal(t, 1, f.recorder.revokedCount())
	})

	t.Run("transient_listener_error_leaves_poll_covering", func(t *testing.T) {
		f := newMonitorFixture(t)
		require.NoError(t, f.monitor.Start(ctx, f.group.ID, f.principal))
		defer f.monitor.Stop()

		f.remote.InjectListenerError("groups", errors.New("stream reset"))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, f.recorder.revokedCount())

		// The poll still detects removal on its own.
		f.removeSelf(t)
		f.awaitRevocation(t)
	})

	t.Run("stop_is_not_a_revocation", func(t *testing.T) {
		f := newMonitorFixture(t)
		require.NoError(t, f.monitor.Start(ctx, f.group.ID, f.principal))

		f.monitor.Stop()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, f.recorder.revokedCount())

		state, err := f.local.DeviceState(ctx)
		require.NoError(t, err)
		assert.NotNil(t, state.CurrentGroupID)
	})

	t.Run("restart_after_revocation_watches_again", func(t *testing.T) {
		f := newMonitorFixture(t)
		require.NoError(t, f.monitor.Start(ctx, f.group.ID, f.principal))

		f.removeSelf(t)
		f.awaitRevocation(t)

		// Rejoin and start a fresh watch; the revoked latch must reset.
		require.NoError(t, f.remote.Set(ctx, groupPath(f.group.ID), f.group.ToDoc(), remote.SetOptions{}))
		require.NoError(t, f.monitor.Start(ctx, f.group.ID, f.principal))
		defer f.monitor.Stop()

		f.removeSelf(t)
		require.Eventually(t, func() bool {
			return f.recorder.revokedCount() == 2
		}, 2*time.Second, 5*time.Millisecond)
	})
}
