package groupdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"carecircle/internal/monitoring"
	"carecircle/internal/remote"

	"github.com/google/uuid"
)

// listenedCollections are the per-group collections kept live while a group
// is active.
var listenedCollections = []string{
	"medications", "supplements", "diets", "doses",
	"contacts", "memos", "documents",
}

// listenerSet runs one live subscription per collection and keeps the latest
// snapshot of each. All subscriptions start and stop as one unit; a
// half-listening state never outlives the call that changes it.
type listenerSet struct {
	logger    *slog.Logger
	remote    remote.DocumentStore
	telemetry *monitoring.Telemetry

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	snapshots map[string][]remote.Document
	onDenied  func(ctx context.Context)
}

func newListenerSet(logger *slog.Logger, remoteStore remote.DocumentStore, telemetry *monitoring.Telemetry) *listenerSet {
	return &listenerSet{
		logger:    logger,
		remote:    remoteStore,
		telemetry: telemetry,
		snapshots: make(map[string][]remote.Document),
	}
}

// StartListeners subscribes to every collection of the group. It is
// idempotent per group activation: a second start tears the first down.
func (s *Store) StartListeners(ctx context.Context, groupID uuid.UUID) error {
	return s.listeners.start(ctx, groupID, func(ctx context.Context) {
		s.monitor.ReportPermissionDenied(ctx)
	})
}

// StopListeners tears every subscription down as one unit.
func (s *Store) StopListeners() {
	s.listeners.stop()
}

// Resync re-fetches every collection regardless of listener health. It is
// the correctness backstop against dropped real-time events.
func (s *Store) Resync(ctx context.Context, groupID uuid.UUID) error {
	return s.listeners.resync(ctx, groupID)
}

// Snapshot returns the latest documents seen for the collection.
func (s *Store) Snapshot(collection string) []remote.Document {
	return s.listeners.snapshot(collection)
}

func (ls *listenerSet) start(ctx context.Context, groupID uuid.UUID, onDenied func(ctx context.Context)) error {
	ls.stop()

	// Subscribe everything before going live so a failure leaves nothing
	// half-started.
	subs := make(map[string]remote.Listener, len(listenedCollections))
	for _, name := range listenedCollections {
		listener, err := ls.remote.Listen(ctx, collectionPath(groupID, name))
		if err != nil {
			for _, l := range subs {
				l.Stop()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", name, err)
		}
		subs[name] = listener
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ls.mu.Lock()
	ls.cancel = cancel
	ls.snapshots = make(map[string][]remote.Document)
	ls.onDenied = onDenied
	ls.mu.Unlock()

	for name, listener := range subs {
		ls.wg.Add(1)
		go ls.run(runCtx, name, listener)
	}
	return nil
}

func (ls *listenerSet) stop() {
	ls.mu.Lock()
	cancel := ls.cancel
	ls.cancel = nil
	ls.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ls.wg.Wait()

	ls.mu.Lock()
	ls.snapshots = make(map[string][]remote.Document)
	ls.mu.Unlock()
}

func (ls *listenerSet) run(ctx context.Context, collection string, listener remote.Listener) {
	defer ls.wg.Done()
	defer listener.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case docs, ok := <-listener.Updates():
			if !ok {
				return
			}
			ls.mu.Lock()
			ls.snapshots[collection] = docs
			ls.mu.Unlock()
		case err, ok := <-listener.Errors():
			if !ok {
				return
			}
			if errors.Is(err, remote.ErrPermissionDenied) {
				ls.mu.Lock()
				onDenied := ls.onDenied
				ls.mu.Unlock()
				if onDenied != nil {
					onDenied(ctx)
				}
				return
			}
			// Degraded mode: the snapshot goes stale until the periodic
			// resync catches it up.
			ls.logger.WarnContext(ctx, "Collection listener error", "collection", collection, "error", err)
			ls.telemetry.RecordSyncFailure(ctx, "listener_"+collection)
			return
		}
	}
}

func (ls *listenerSet) resync(ctx context.Context, groupID uuid.UUID) error {
	fresh := make(map[string][]remote.Document, len(listenedCollections))
	for _, name := range listenedCollections {
		docs, err := ls.remote.List(ctx, collectionPath(groupID, name))
		if err != nil {
			ls.telemetry.RecordSyncFailure(ctx, "resync")
			return fmt.Errorf("failed to resync %s: %w", name, err)
		}
		fresh[name] = docs
	}

	ls.mu.Lock()
	for name, docs := range fresh {
		ls.snapshots[name] = docs
	}
	ls.mu.Unlock()
	return nil
}

func (ls *listenerSet) snapshot(collection string) []remote.Document {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return append([]remote.Document(nil), ls.snapshots[collection]...)
}
