package groupdata

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"carecircle/internal/blob"
	"carecircle/internal/config"
	"carecircle/internal/events"
	"carecircle/internal/group"
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

// testDevice wires one installation end to end over the shared remote
// store: identity, registry, monitor, blobs, and the data store itself.
type testDevice struct {
	data      *Store
	registry  *group.Registry
	monitor   *group.Monitor
	local     *localstore.Memory
	principal uuid.UUID
}

type harness struct {
	t         *testing.T
	remote    *remote.MemoryStore
	telemetry *monitoring.Telemetry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	telemetry, err := monitoring.NewTelemetry(config.TelemetryConfig{}, config.ServiceConfig{})
	require.NoError(t, err)
	return &harness{t: t, remote: remote.NewMemoryStore(), telemetry: telemetry}
}

func (h *harness) newDevice() *testDevice {
	h.t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	local := localstore.NewMemory()
	idp := identity.NewProvider(logger, local)
	bus := events.NewBus()

	cfg := config.SubscriptionConfig{
		TrialDays:        7,
		GroupTrialDays:   14,
		RefundWindowFrom: 8,
		RefundWindowTo:   14,
		ResubscribeBlock: 60 * 24 * time.Hour,
		CooldownBaseDays: 30,
	}
	subs := subscription.NewManager(logger, cfg, config.StripeConfig{PriceCents: 499}, local, h.remote, payment.NewFake())
	registry := group.NewRegistry(logger, cfg, h.remote, local, idp, subs, bus, h.telemetry)
	monitor := group.NewMonitor(logger, h.remote, registry, bus, h.telemetry, 50*time.Millisecond)

	blobs, err := blob.NewLocal(h.t.TempDir())
	require.NoError(h.t, err)

	data := NewStore(logger, h.remote, registry, idp, monitor, blobs, h.telemetry)

	principal, err := idp.CurrentPrincipal(ctx)
	require.NoError(h.t, err)

	return &testDevice{data: data, registry: registry, monitor: monitor, local: local, principal: principal}
}

// grouped returns an admin device with a group, plus a read-only member
// device attached to the same group.
func (h *harness) grouped() (*testDevice, *testDevice, model.Group) {
	h.t.Helper()
	ctx := context.Background()

	admin := h.newDevice()
	g, err := admin.registry.CreateGroup(ctx, "Family")
	require.NoError(h.t, err)

	member := h.newDevice()
	req, err := member.registry.JoinByInviteCode(ctx, g.InviteCode, "Alice")
	require.NoError(h.t, err)
	require.NoError(h.t, admin.registry.ApproveJoinRequest(ctx, req.ID))
	require.NoError(h.t, member.local.SetCurrentGroup(ctx, &g.ID))

	return admin, member, g
}

func newMedication(name string) model.HealthItem {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return model.HealthItem{
		ID:       uuid.New(),
		Type:     model.ItemTypeMedication,
		Name:     name,
		Dosage:   "200mg",
		IsActive: true,
		Schedule: model.Schedule{
			ID:          uuid.New(),
			Frequency:   model.FrequencyOnce,
			TimePeriods: []model.Period{model.PeriodBreakfast},
			StartDate:   now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAccessGates(t *testing.T) {
	ctx := context.Background()

	t.Run("no_group_set", func(t *testing.T) {
		h := newHarness(t)
		device := h.newDevice()

		_, err := device.data.ListHealthItems(ctx, model.ItemTypeMedication)
		assert.ErrorIs(t, err, group.ErrNoGroupSet)
	})

	t.Run("read_only_member_cannot_write", func(t *testing.T) {
		h := newHarness(t)
		_, member, _ := h.grouped()

		err := member.data.SaveHealthItem(ctx, newMedication("ibuprofen"))
		assert.ErrorIs(t, err, group.ErrNoWritePermission)
	})

	t.Run("read_only_member_can_read", func(t *testing.T) {
		h := newHarness(t)
		admin, member, _ := h.grouped()

		item := newMedication("ibuprofen")
		require.NoError(t, admin.data.SaveHealthItem(ctx, item))

		items, err := member.data.ListHealthItems(ctx, model.ItemTypeMedication)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "ibuprofen", items[0].Name)
	})

	t.Run("removed_member_is_revoked", func(t *testing.T) {
		h := newHarness(t)
		admin, member, g := h.grouped()

		require.NoError(t, admin.registry.RemoveMember(ctx, g.ID, member.principal.String()))

		_, err := member.data.ListHealthItems(ctx, model.ItemTypeMedication)
		assert.ErrorIs(t, err, group.ErrAccessRevoked)
	})
}

func TestHealthItems(t *testing.T) {
	ctx := context.Background()

	t.Run("save_stamps_provenance", func(t *testing.T) {
		h := newHarness(t)
		admin, _, g := h.grouped()

		item := newMedication("ibuprofen")
		require.NoError(t, admin.data.SaveHealthItem(ctx, item))

		doc, err := h.remote.Get(ctx, itemPath(g.ID, item.Type, item.ID))
		require.NoError(t, err)
		assert.Equal(t, admin.principal.String(), doc.Data["lastUpdatedBy"])
		assert.NotEmpty(t, doc.Data["lastUpdatedAt"])
	})

	t.Run("invalid_item_type_rejected", func(t *testing.T) {
		h := newHarness(t)
		admin, _, _ := h.grouped()

		item := newMedication("x")
		item.Type = "potion"
		err := admin.data.SaveHealthItem(ctx, item)
		assert.ErrorIs(t, err, ErrInvalidItemType)
	})

	t.Run("delete_cascades_doses", func(t *testing.T) {
		h := newHarness(t)
		admin, _, _ := h.grouped()

		item := newMedication("ibuprofen")
		require.NoError(t, admin.data.SaveHealthItem(ctx, item))

		dose := model.Dose{
			ID:            model.DoseID(item.ID, "2026-05-01", model.PeriodBreakfast, ""),
			ItemID:        item.ID,
			ItemType:      item.Type,
			ItemName:      item.Name,
			Period:        model.PeriodBreakfast,
			ScheduledTime: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		}
		created, err := admin.data.SaveDoseIfAbsent(ctx, dose)
		require.NoError(t, err)
		require.True(t, created)

		require.NoError(t, admin.data.DeleteHealthItem(ctx, item.Type, item.ID))

		doses, err := admin.data.ListDoses(ctx)
		require.NoError(t, err)
		assert.Empty(t, doses)
	})
}

func TestDoses(t *testing.T) {
	ctx := context.Background()

	t.Run("save_if_absent_is_idempotent", func(t *testing.T) {
		h := newHarness(t)
		admin, _, _ := h.grouped()

		dose := model.Dose{
			ID:            model.DoseID(uuid.New(), "2026-05-01", model.PeriodBreakfast, ""),
			ScheduledTime: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		}
		created, err := admin.data.SaveDoseIfAbsent(ctx, dose)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = admin.data.SaveDoseIfAbsent(ctx, dose)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("update_requires_existing_dose", func(t *testing.T) {
		h := newHarness(t)
		admin, _, _ := h.grouped()

		err := admin.data.UpdateDose(ctx, uuid.New(), map[string]any{"isTaken": true})
		assert.ErrorIs(t, err, remote.ErrDocumentNotFound)
	})

	t.Run("update_merges_taken_state", func(t *testing.T) {
		h := newHarness(t)
		admin, _, _ := h.grouped()

		dose := model.Dose{
			ID:            model.DoseID(uuid.New(), "2026-05-01", model.PeriodBreakfast, ""),
			ScheduledTime: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		}
		_, err := admin.data.SaveDoseIfAbsent(ctx, dose)
		require.NoError(t, err)

		require.NoError(t, admin.data.UpdateDose(ctx, dose.ID, map[string]any{
			"isTaken":     true,
			"takenByName": "Alice",
		}))

		got, err := admin.data.GetDose(ctx, dose.ID)
		require.NoError(t, err)
		assert.True(t, got.IsTaken)
		assert.Equal(t, "Alice", got.TakenByName)
	})
}

func TestMemos(t *testing.T) {
	ctx := context.Background()

	t.Run("create_stores_blob_and_doc", func(t *testing.T) {
		h := newHarness(t)
		admin, _, _ := h.grouped()

		memo := model.Memo{
			ID:            uuid.New(),
			Title:         "voice note",
			FileExtension: "m4a",
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, admin.data.CreateMemo(ctx, memo, strings.NewReader("audio-bytes"), "audio/mp4"))

		memos, err := admin.data.ListMemos(ctx)
		require.NoError(t, err)
		require.Len(t, memos, 1)
		assert.Equal(t, "voice note", memos[0].Title)

		url, err := admin.data.MemoURL(ctx, memo.ID, time.Hour)
		require.NoError(t, err)
		assert.NotEmpty(t, url)
	})

	t.Run("delete_removes_doc_and_blob", func(t *testing.T) {
		h := newHarness(t)
		admin, _, _ := h.grouped()

		memo := model.Memo{ID: uuid.New(), Title: "note", FileExtension: "m4a", CreatedAt: time.Now().UTC()}
		require.NoError(t, admin.data.CreateMemo(ctx, memo, strings.NewReader("x"), "audio/mp4"))
		require.NoError(t, admin.data.DeleteMemo(ctx, memo.ID))

		memos, err := admin.data.ListMemos(ctx)
		require.NoError(t, err)
		assert.Empty(t, memos)

		_, err = admin.data.MemoURL(ctx, memo.ID, time.Hour)
		assert.Error(t, err)
	})
}

func TestListeners(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshots_track_writes", func(t *testing.T) {
		h := newHarness(t)
		admin, _, g := h.grouped()

		require.NoError(t, admin.data.StartListeners(ctx, g.ID))
		defer admin.data.StopListeners()

		item := newMedication("ibuprofen")
		require.NoError(t, admin.data.SaveHealthItem(ctx, item))

		require.Eventually(t, func() bool {
			return len(admin.data.Snapshot("medications")) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("stop_clears_snapshots", func(t *testing.T) {
		h := newHarness(t)
		admin, _, g := h.grouped()

		item := newMedication("ibuprofen")
		require.NoError(t, admin.data.SaveHealthItem(ctx, item))
		require.NoError(t, admin.data.StartListeners(ctx, g.ID))

		require.Eventually(t, func() bool {
			return len(admin.data.Snapshot("medications")) == 1
		}, 2*time.Second, 10*time.Millisecond)

		admin.data.StopListeners()
		assert.Empty(t, admin.data.Snapshot("medications"))
	})

	t.Run("resync_repopulates", func(t *testing.T) {
		h := newHarness(t)
		admin, _, g := h.grouped()

		item := newMedication("ibuprofen")
		require.NoError(t, admin.data.SaveHealthItem(ctx, item))
		require.NoError(t, admin.data.StartListeners(ctx, g.ID))
		defer admin.data.StopListeners()

		require.NoError(t, admin.data.Resync(ctx, g.ID))
		assert.Len(t, admin.data.Snapshot("medications"), 1)
	})
}
