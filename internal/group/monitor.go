package group

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"carecircle/internal/events"
	"carecircle/internal/model"
	"carecircle/internal/monitoring"
	"carecircle/internal/remote"

	"github.com/google/uuid"
)

// Monitor watches the group document for loss of membership through two
// independent signals: the live subscription and a periodic poll that covers
// a silently stalled subscription. Either one, or a permission-denied error
// reported by the data layer, triggers exactly-once revocation.
type Monitor struct {
	logger    *slog.Logger
	remote    remote.DocumentStore
	registry  *Registry
	bus       *events.Bus
	telemetry *monitoring.Telemetry

	pollInterval time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	groupID   uuid.UUID
	principal uuid.UUID
	revoked   atomic.Bool
}

func NewMonitor(logger *slog.Logger, remoteStore remote.DocumentStore, registry *Registry, bus *events.Bus, telemetry *monitoring.Telemetry, pollInterval time.Duration) *Monitor {
	return &Monitor{
		logger:       logger,
		remote:       remoteStore,
		registry:     registry,
		bus:          bus,
		telemetry:    telemetry,
		pollInterval: pollInterval,
	}
}

// Start begins watching the group for the given principal. A second Start
// without a Stop replaces the previous watch.
func (m *Monitor) Start(ctx context.Context, groupID, principalID uuid.UUID) error {
	m.Stop()

	listener, err := m.remote.Listen(ctx, "groups")
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.cancel = cancel
	m.groupID = groupID
	m.principal = principalID
	m.revoked.Store(false)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.watchListener(watchCtx, listener, groupID, principalID)
	go m.poll(watchCtx, groupID, principalID)
	return nil
}

// Stop halts watching without treating it as a revocation.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// ReportPermissionDenied routes a data-layer permission failure into the
// revocation path. The data layer calling this is a deliberate redundancy:
// the server rejecting a write is as strong a signal as the membership
// arrays changing.
func (m *Monitor) ReportPermissionDenied(ctx context.Context) {
	m.revoke(ctx, "permission_denied")
}

func (m *Monitor) watchListener(ctx context.Context, listener remote.Listener, groupID, principalID uuid.UUID) {
	defer m.wg.Done()
	defer listener.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case docs, ok := <-listener.Updates():
			if !ok {
				return
			}
			if m.checkSnapshot(docs, groupID, principalID) {
				m.revoke(ctx, "listener")
				return
			}
		case err, ok := <-listener.Errors():
			if !ok {
				return
			}
			if errors.Is(err, remote.ErrPermissionDenied) {
				m.revoke(ctx, "listener_permission_denied")
				return
			}
			// Transient listener failure; the poll keeps covering until
			// the lifecycle manager resubscribes.
			m.logger.WarnContext(ctx, "Group listener error", "error", err)
			m.telemetry.RecordSyncFailure(ctx, "membership_monitor")
			return
		}
	}
}

func (m *Monitor) poll(ctx context.Context, groupID, principalID uuid.UUID) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			doc, err := m.remote.Get(ctx, groupPath(groupID))
			if err != nil {
				if errors.Is(err, remote.ErrDocumentNotFound) || errors.Is(err, remote.ErrPermissionDenied) {
					m.revoke(ctx, "poll")
					return
				}
				m.logger.WarnContext(ctx, "Membership poll failed", "error", err)
				m.telemetry.RecordSyncFailure(ctx, "membership_monitor")
				continue
			}
			g := model.GroupFromDoc(doc.Data)
			if !g.IsMember(principalID.String()) {
				m.revoke(ctx, "poll")
				return
			}
		}
	}
}

// checkSnapshot reports whether the snapshot shows the principal out of the
// group. The group document vanishing from the snapshot counts as removal.
func (m *Monitor) checkSnapshot(docs []remote.Document, groupID, principalID uuid.UUID) bool {
	path := groupPath(groupID)
	for _, doc := range docs {
		if doc.Path != path {
			continue
		}
		g := model.GroupFromDoc(doc.Data)
		return !g.IsMember(principalID.String())
	}
	return true
}

// revoke runs the exactly-once revocation: clear the current-group pointer,
// stop watching, and emit a single Revoked event. A concurrent second
// trigger is a no-op.
func (m *Monitor) revoke(ctx context.Context, source string) {
	if !m.revoked.CompareAndSwap(false, true) {
		return
	}

	// The watch context dies with cancel below; the cleanup writes must
	// survive it.
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	groupID := m.groupID
	principalID := m.principal
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// The registry owns the pointer; clearing through it also announces
	// the group change.
	if err := m.registry.ClearCurrentGroup(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Failed to clear current group on revocation", "error", err)
	}

	m.logger.InfoContext(ctx, "Group access revoked",
		"group_id", groupID, "principal_id", principalID, "source", source)
	m.telemetry.RecordRevocation(ctx, source)
	m.bus.Publish(events.Revoked{UserID: principalID, GroupID: groupID})
}
