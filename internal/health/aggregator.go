// Package health assembles the "today" view: every active item paired with
// its materialized doses, ordered by schedule, with per-period tallies.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"carecircle/internal/dose"
	"carecircle/internal/group"
	"carecircle/internal/groupdata"
	"carecircle/internal/localstore"
	"carecircle/internal/model"
)

var ErrFetchTimeout = errors.New("health data fetch timed out")

// Entry pairs an item with one of its doses for today, or with nil when the
// item has no materialized dose yet.
type Entry struct {
	Item model.HealthItem
	Dose *model.Dose
}

type ProcessedHealthData struct {
	Entries      []Entry
	PeriodCounts map[model.Period]int
	LastUpdated  time.Time
}

// Aggregator caches the assembled view for a wall-clock TTL and collapses
// concurrent fetches into one: a caller arriving mid-fetch waits for that
// fetch's result, bounded by waitTimeout.
type Aggregator struct {
	logger   *slog.Logger
	data     *groupdata.Store
	local    localstore.Store
	registry *group.Registry
	doses    *dose.Materializer

	cacheTTL    time.Duration
	waitTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	cached   *ProcessedHealthData
	cachedAt time.Time
	inflight *fetchCall
}

type fetchCall struct {
	done chan struct{}
	data ProcessedHealthData
	err  error
}

func NewAggregator(logger *slog.Logger, data *groupdata.Store, local localstore.Store, registry *group.Registry, doses *dose.Materializer, cacheTTL, waitTimeout time.Duration) *Aggregator {
	return &Aggregator{
		logger:      logger,
		data:        data,
		local:       local,
		registry:    registry,
		doses:       doses,
		cacheTTL:    cacheTTL,
		waitTimeout: waitTimeout,
		now:         time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Invalidate drops the cached view; the next call fetches fresh.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cached = nil
}

// Today returns the current day's view. A cache hit within the TTL is
// returned verbatim unless forceRefresh bypasses it. At most one fetch runs
// at a time; joiners share its result or fail with ErrFetchTimeout.
func (a *Aggregator) Today(ctx context.Context, forceRefresh bool) (ProcessedHealthData, error) {
	a.mu.Lock()
	if !forceRefresh && a.cached != nil && a.now().Sub(a.cachedAt) < a.cacheTTL {
		cached := *a.cached
		a.mu.Unlock()
		return cached, nil
	}

	if call := a.inflight; call != nil {
		a.mu.Unlock()
		return a.await(ctx, call)
	}

	call := &fetchCall{done: make(chan struct{})}
	a.inflight = call
	a.mu.Unlock()

	call.data, call.err = a.fetch(ctx)

	a.mu.Lock()
	if call.err == nil {
		cached := call.data
		a.cached = &cached
		a.cachedAt = a.now()
	}
	a.inflight = nil
	a.mu.Unlock()

	close(call.done)
	return call.data, call.err
}

// await joins an in-flight fetch without ever hanging forever.
func (a *Aggregator) await(ctx context.Context, call *fetchCall) (ProcessedHealthData, error) {
	timer := time.NewTimer(a.waitTimeout)
	defer timer.Stop()

	select {
	case <-call.done:
		return call.data, call.err
	case <-timer.C:
		return ProcessedHealthData{}, ErrFetchTimeout
	case <-ctx.Done():
		return ProcessedHealthData{}, ctx.Err()
	}
}

func (a *Aggregator) fetch(ctx context.Context) (ProcessedHealthData, error) {
	now := a.now()

	items, err := a.activeItems(ctx)
	if err != nil {
		return ProcessedHealthData{}, err
	}
	doses, err := a.doses.DosesForDay(ctx, now)
	if err != nil {
		return ProcessedHealthData{}, err
	}

	return assemble(items, doses, now), nil
}

// activeItems reads from the shared store when a group is active, from the
// local store otherwise, never both for one assembly.
func (a *Aggregator) activeItems(ctx context.Context) ([]model.HealthItem, error) {
	_, err := a.registry.CurrentGroup(ctx)
	switch {
	case err == nil:
		var items []model.HealthItem
		for _, itemType := range []model.ItemType{model.ItemTypeMedication, model.ItemTypeSupplement, model.ItemTypeDiet} {
			typed, listErr := a.data.ListHealthItems(ctx, itemType)
			if listErr != nil {
				return nil, listErr
			}
			for _, item := range typed {
				if item.IsActive {
					items = append(items, item)
				}
			}
		}
		return items, nil
	case errors.Is(err, group.ErrNoGroupSet), errors.Is(err, group.ErrGroupNotFound):
		items, listErr := a.local.ListHealthItems(ctx, true)
		if listErr != nil {
			return nil, fmt.Errorf("failed to list local items: %w", listErr)
		}
		return items, nil
	default:
		return nil, err
	}
}

// assemble pairs items with today's doses. An item with doses contributes
// one entry per dose; an item with none contributes a single nil-dose
// placeholder, never both. Entries sort by dose time with undosed items
// last.
func assemble(items []model.HealthItem, doses []model.Dose, now time.Time) ProcessedHealthData {
	byItem := make(map[string][]model.Dose, len(doses))
	for _, d := range doses {
		key := d.ItemID.String()
		byItem[key] = append(byItem[key], d)
	}

	var entries []Entry
	for _, item := range items {
		itemDoses := byItem[item.ID.String()]
		if len(itemDoses) == 0 {
			entries = append(entries, Entry{Item: item})
			continue
		}
		for i := range itemDoses {
			d := itemDoses[i]
			entries = append(entries, Entry{Item: item, Dose: &d})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Dose, entries[j].Dose
		switch {
		case di == nil && dj == nil:
			return entries[i].Item.Name < entries[j].Item.Name
		case di == nil:
			return false // missing time sorts as infinitely late
		case dj == nil:
			return true
		default:
			return di.ScheduledTime.Before(dj.ScheduledTime)
		}
	})

	counts := make(map[model.Period]int)
	for _, e := range entries {
		if e.Dose != nil {
			counts[e.Dose.Period]++
		}
	}

	return ProcessedHealthData{
		Entries:      entries,
		PeriodCounts: counts,
		LastUpdated:  now,
	}
}
