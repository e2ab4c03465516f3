// Package lifecycle orchestrates the listening machinery around the current
// group: it starts the collection listeners and membership monitor when a
// group becomes active, tears everything down as one unit when it goes away,
// and runs the periodic full resync that backstops the listeners.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carecircle/internal/config"
	"carecircle/internal/events"
	"carecircle/internal/group"
	"carecircle/internal/groupdata"
	"carecircle/internal/identity"
	"carecircle/internal/localstore"

	"github.com/google/uuid"
)

var (
	ErrDuplicateRequest = errors.New("request already in flight")
	ErrRequestTimeout   = errors.New("request timed out")
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateListening     State = "listening"
	StateStopped       State = "stopped"
)

type Manager struct {
	logger   *slog.Logger
	cfg      config.SyncConfig
	data     *groupdata.Store
	monitor  *group.Monitor
	store    localstore.Store
	identity *identity.Provider
	bus      *events.Bus

	// onGroupChange, when set, runs after every settled group transition.
	// The aggregator hooks its cache invalidation here.
	onGroupChange func()

	mu           sync.Mutex
	state        State
	activeGroup  *uuid.UUID
	debounce     *time.Timer
	resyncCancel context.CancelFunc
	resyncWG     sync.WaitGroup
	unsubscribe  func()
	inflight     map[string]time.Time
}

func NewManager(
	logger *slog.Logger,
	cfg config.SyncConfig,
	data *groupdata.Store,
	monitor *group.Monitor,
	store localstore.Store,
	idp *identity.Provider,
	bus *events.Bus,
) *Manager {
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		data:     data,
		monitor:  monitor,
		store:    store,
		identity: idp,
		bus:      bus,
		state:    StateUninitialized,
		inflight: make(map[string]time.Time),
	}
}

// OnGroupChange registers a callback for settled group transitions. Must be
// called before Start.
func (m *Manager) OnGroupChange(fn func()) {
	m.onGroupChange = fn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start wires the manager to the event bus and brings the persisted current
// group (if any) into the listening state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return nil
	}
	m.unsubscribe = m.bus.Subscribe(func(event events.Event) {
		switch e := event.(type) {
		case events.GroupChanged:
			m.scheduleTransition(e.GroupID)
		case events.Revoked:
			// Revocation does not wait for the debounce window.
			go m.applyTransition(nil)
		}
	})
	m.mu.Unlock()

	state, err := m.store.DeviceState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read device state: %w", err)
	}
	m.applyTransition(state.CurrentGroupID)
	return nil
}

// Stop tears everything down and detaches from the bus.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	m.applyTransition(nil)

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
}

// scheduleTransition debounces group-change bursts: rapid successive
// changes collapse into one transition to the last-seen target.
func (m *Manager) scheduleTransition(groupID *uuid.UUID) {
	var target *uuid.UUID
	if groupID != nil {
		id := *groupID
		target = &id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return
	}
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(m.cfg.DebounceWindow, func() {
		m.applyTransition(target)
	})
}

// applyTransition moves the manager to the given group. Teardown of the old
// group's listeners, monitor and resync happens as one unit before anything
// new starts.
func (m *Manager) applyTransition(groupID *uuid.UUID) {
	m.mu.Lock()
	if m.state == StateStopped && groupID != nil {
		m.mu.Unlock()
		return
	}
	if sameGroup(m.activeGroup, groupID) && (m.state == StateListening || groupID == nil) {
		m.mu.Unlock()
		return
	}
	resyncCancel := m.resyncCancel
	m.resyncCancel = nil
	m.mu.Unlock()

	// Atomic teardown: listeners, monitor and resync go down together.
	if resyncCancel != nil {
		resyncCancel()
		m.resyncWG.Wait()
	}
	m.data.StopListeners()
	m.monitor.Stop()

	m.mu.Lock()
	m.activeGroup = nil
	if m.state != StateStopped {
		m.state = StateUninitialized
	}
	m.mu.Unlock()

	if groupID == nil {
		m.notifyGroupChange()
		return
	}

	ctx := context.Background()
	principalID, err := m.identity.CurrentPrincipal(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Cannot start listeners without a principal", "error", err)
		return
	}

	if err := m.data.StartListeners(ctx, *groupID); err != nil {
		m.logger.ErrorContext(ctx, "Failed to start collection listeners", "group_id", *groupID, "error", err)
		return
	}
	if err := m.monitor.Start(ctx, *groupID, principalID); err != nil {
		m.data.StopListeners()
		m.logger.ErrorContext(ctx, "Failed to start membership monitor", "group_id", *groupID, "error", err)
		return
	}

	resyncCtx, cancel := context.WithCancel(ctx)
	m.resyncWG.Add(1)
	go m.resyncLoop(resyncCtx, *groupID)

	m.mu.Lock()
	id := *groupID
	m.activeGroup = &id
	m.resyncCancel = cancel
	m.state = StateListening
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Listening on group", "group_id", *groupID)
	m.notifyGroupChange()
}

// resyncLoop re-fetches every collection on a fixed period regardless of
// listener health.
func (m *Manager) resyncLoop(ctx context.Context, groupID uuid.UUID) {
	defer m.resyncWG.Done()

	ticker := time.NewTicker(m.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.data.Resync(ctx, groupID); err != nil {
				m.logger.WarnContext(ctx, "Periodic resync failed", "group_id", groupID, "error", err)
			}
		}
	}
}

func (m *Manager) notifyGroupChange() {
	if m.onGroupChange != nil {
		m.onGroupChange()
	}
}

// Begin claims the in-flight slot for a (service, operation) pair. A second
// claim while one is outstanding fails with ErrDuplicateRequest instead of
// queueing. A slot older than the dedup timeout counts as stuck and is
// force-cleared by the next claimant.
func (m *Manager) Begin(service, operation string) (end func(), err error) {
	key := service + ":" + operation
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if started, ok := m.inflight[key]; ok {
		if now.Sub(started) < m.cfg.DedupTimeout {
			return nil, ErrDuplicateRequest
		}
		m.logger.Warn("Force-clearing stuck request", "key", key, "age", now.Sub(started))
	}
	m.inflight[key] = now

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.inflight, key)
		})
	}, nil
}

// Do runs fn under the dedup slot with the dedup timeout as a hard bound.
func (m *Manager) Do(ctx context.Context, service, operation string, fn func(ctx context.Context) error) error {
	end, err := m.Begin(service, operation)
	if err != nil {
		return err
	}
	defer end()

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.DedupTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(runCtx) }()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return ErrRequestTimeout
		}
		return runCtx.Err()
	}
}

func sameGroup(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
