package remote

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory DocumentStore. It backs tests and the
// local-only mode where no group exists. Reads return cloned data so callers
// can never alias internal state.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]map[string]any
	listeners map[int]*memoryListener
	nextID    int

	// writeRule, when set, vets every mutation; tests use it to simulate
	// server-side security rules rejecting stale writers.
	writeRule func(path string, data map[string]any) error

	// readRule, when set, vets every Get; tests use it to simulate
	// transient remote failures. Runs outside the store lock so it may
	// block.
	readRule func(path string) error

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]map[string]any),
		listeners: make(map[int]*memoryListener),
		now:       time.Now,
	}
}

// SetWriteRule installs a mutation gate. Passing nil removes it.
func (s *MemoryStore) SetWriteRule(rule func(path string, data map[string]any) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRule = rule
}

// SetReadRule installs a read gate. Passing nil removes it.
func (s *MemoryStore) SetReadRule(rule func(path string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readRule = rule
}

// SetClock overrides the commit clock, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	s.mu.RLock()
	rule := s.readRule
	s.mu.RUnlock()
	if rule != nil {
		if err := rule(path); err != nil {
			return Document{}, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.docs[path]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return Document{Path: path, Data: cloneData(data)}, nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, data map[string]any, opts SetOptions) error {
	s.mu.Lock()

	if s.writeRule != nil {
		if err := s.writeRule(path, data); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	var existing map[string]any
	if opts.Merge {
		existing = s.docs[path]
	}
	s.docs[path] = applyUpdates(existing, data, s.now())

	snapshots := s.snapshotsForLocked(CollectionOf(path))
	s.mu.Unlock()

	deliver(snapshots)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()

	if s.writeRule != nil {
		if err := s.writeRule(path, nil); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	delete(s.docs, path)

	snapshots := s.snapshotsForLocked(CollectionOf(path))
	s.mu.Unlock()

	deliver(snapshots)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(collection), nil
}

func (s *MemoryStore) QueryEq(ctx context.Context, collection, field string, value any) ([]Document, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if fieldEquals(d.Data[field], value) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryArrayContains(ctx context.Context, collection, field string, value any) ([]Document, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if containsValue(toAnySlice(d.Data[field]), value) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) Listen(ctx context.Context, collection string) (Listener, error) {
	s.mu.Lock()

	l := &memoryListener{
		store:      s,
		collection: collection,
		updates:    make(chan []Document, 16),
		errs:       make(chan error, 1),
	}
	l.id = s.nextID
	s.nextID++
	s.listeners[l.id] = l

	initial := s.listLocked(collection)
	s.mu.Unlock()

	l.push(initial)
	return l, nil
}

// InjectListenerError delivers an error to every listener on the collection,
// for tests that simulate a subscription losing permission.
func (s *MemoryStore) InjectListenerError(collection string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		if l.collection == collection {
			select {
			case l.errs <- err:
			default:
			}
		}
	}
}

func (s *MemoryStore) listLocked(collection string) []Document {
	var out []Document
	for path, data := range s.docs {
		if inCollection(path, collection) {
			out = append(out, Document{Path: path, Data: cloneData(data)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

type pendingSnapshot struct {
	listener *memoryListener
	docs     []Document
}

// snapshotsForLocked gathers the post-commit snapshots owed to listeners on
// the mutated collection. Delivery happens after the lock is released.
func (s *MemoryStore) snapshotsForLocked(collection string) []pendingSnapshot {
	var out []pendingSnapshot
	for _, l := range s.listeners {
		if l.collection == collection {
			out = append(out, pendingSnapshot{listener: l, docs: s.listLocked(collection)})
		}
	}
	return out
}

func deliver(snapshots []pendingSnapshot) {
	for _, snap := range snapshots {
		snap.listener.push(snap.docs)
	}
}

type memoryListener struct {
	store      *MemoryStore
	collection string
	id         int
	updates    chan []Document
	errs       chan error
	stopOnce   sync.Once
}

func (l *memoryListener) Updates() <-chan []Document { return l.updates }
func (l *memoryListener) Errors() <-chan error       { return l.errs }

func (l *memoryListener) Stop() {
	l.stopOnce.Do(func() {
		l.store.mu.Lock()
		delete(l.store.listeners, l.id)
		l.store.mu.Unlock()
		close(l.updates)
	})
}

// push coalesces under backpressure: when the buffer is full the oldest
// snapshot is dropped, since each snapshot supersedes the previous one.
func (l *memoryListener) push(docs []Document) {
	defer func() {
		// Sending on a stopped listener's closed channel is a benign race
		// in tests; swallow it.
		recover()
	}()
	for {
		select {
		case l.updates <- docs:
			return
		default:
			select {
			case <-l.updates:
			default:
			}
		}
	}
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch sv := v.(type) {
		case []any:
			out[k] = append([]any(nil), sv...)
		case map[string]any:
			out[k] = cloneData(sv)
		default:
			out[k] = v
		}
	}
	return out
}
