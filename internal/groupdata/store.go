// Package groupdata is the CRUD and live-subscription facade over the
// current group's collections. Every mutation resolves the server copy of
// the group and re-checks write permission immediately before the write; a
// cached permission check is never trusted.
package groupdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"carecircle/internal/blob"
	"carecircle/internal/group"
	"carecircle/internal/identity"
	"carecircle/internal/model"
	"carecircle/internal/monitoring"
	"carecircle/internal/remote"

	"github.com/google/uuid"
)

var ErrInvalidItemType = errors.New("invalid item type")

// Store scopes all data access to the device's current group.
type Store struct {
	logger    *slog.Logger
	remote    remote.DocumentStore
	registry  *group.Registry
	identity  *identity.Provider
	monitor   *group.Monitor
	blobs     blob.Store
	telemetry *monitoring.Telemetry

	listeners *listenerSet
}

func NewStore(
	logger *slog.Logger,
	remoteStore remote.DocumentStore,
	registry *group.Registry,
	idp *identity.Provider,
	monitor *group.Monitor,
	blobs blob.Store,
	telemetry *monitoring.Telemetry,
) *Store {
	return &Store{
		logger:    logger,
		remote:    remoteStore,
		registry:  registry,
		identity:  idp,
		monitor:   monitor,
		blobs:     blobs,
		telemetry: telemetry,
		listeners: newListenerSet(logger, remoteStore, telemetry),
	}
}

// resolveRead is the gate for reads: a current group must exist, the caller
// must be authenticated, and the caller must still be in memberIds on the
// server copy. Losing membership here doubles as a revocation signal.
func (s *Store) resolveRead(ctx context.Context) (model.Group, uuid.UUID, error) {
	g, err := s.registry.CurrentGroup(ctx)
	if err != nil {
		return model.Group{}, uuid.Nil, err
	}
	principalID, err := s.identity.RequirePrincipal(ctx)
	if err != nil {
		return model.Group{}, uuid.Nil, err
	}
	if !g.IsMember(principalID.String()) {
		s.monitor.ReportPermissionDenied(ctx)
		return model.Group{}, uuid.Nil, group.ErrAccessRevoked
	}
	return g, principalID, nil
}

// resolveWrite additionally requires the caller in writePermissionIds.
func (s *Store) resolveWrite(ctx context.Context) (model.Group, uuid.UUID, error) {
	g, principalID, err := s.resolveRead(ctx)
	if err != nil {
		return model.Group{}, uuid.Nil, err
	}
	if !g.CanWrite(principalID.String()) {
		return model.Group{}, uuid.Nil, group.ErrNoWritePermission
	}
	return g, principalID, nil
}

// write performs the gated mutation, stamping lastUpdatedBy and the server
// timestamp into the payload. A server-side permission rejection is routed
// into the revocation path and surfaced as ErrAccessRevoked, never retried.
func (s *Store) write(ctx context.Context, path string, data map[string]any, principalID uuid.UUID) error {
	data["lastUpdatedBy"] = principalID.String()
	data["lastUpdatedAt"] = remote.ServerTimestamp()

	if err := s.remote.Set(ctx, path, data, remote.SetOptions{Merge: true}); err != nil {
		if errors.Is(err, remote.ErrPermissionDenied) {
			s.monitor.ReportPermissionDenied(ctx)
			return group.ErrAccessRevoked
		}
		s.telemetry.RecordSyncFailure(ctx, "groupdata")
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, path string) error {
	if err := s.remote.Delete(ctx, path); err != nil {
		if errors.Is(err, remote.ErrPermissionDenied) {
			s.monitor.ReportPermissionDenied(ctx)
			return group.ErrAccessRevoked
		}
		if errors.Is(err, remote.ErrDocumentNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// SaveHealthItem creates or updates a medication, supplement or diet entry.
func (s *Store) SaveHealthItem(ctx context.Context, item model.HealthItem) error {
	if !item.Type.IsValid() {
		return ErrInvalidItemType
	}
	g, principalID, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}
	return s.write(ctx, itemPath(g.ID, item.Type, item.ID), item.ToDoc(), principalID)
}

func (s *Store) GetHealthItem(ctx context.Context, itemType model.ItemType, itemID uuid.UUID) (model.HealthItem, error) {
	if !itemType.IsValid() {
		return model.HealthItem{}, ErrInvalidItemType
	}
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return model.HealthItem{}, err
	}
	doc, err := s.remote.Get(ctx, itemPath(g.ID, itemType, itemID))
	if err != nil {
		return model.HealthItem{}, err
	}
	return model.HealthItemFromDoc(doc.Data), nil
}

func (s *Store) ListHealthItems(ctx context.Context, itemType model.ItemType) ([]model.HealthItem, error) {
	if !itemType.IsValid() {
		return nil, ErrInvalidItemType
	}
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.remote.List(ctx, collectionPath(g.ID, itemType.Collection()))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", itemType.Collection(), err)
	}
	items := make([]model.HealthItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, model.HealthItemFromDoc(doc.Data))
	}
	return items, nil
}

// DeleteHealthItem cascades into the item's doses.
func (s *Store) DeleteHealthItem(ctx context.Context, itemType model.ItemType, itemID uuid.UUID) error {
	if !itemType.IsValid() {
		return ErrInvalidItemType
	}
	g, _, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}

	doses, err := s.remote.QueryEq(ctx, collectionPath(g.ID, "doses"), "itemId", itemID.String())
	if err != nil {
		return fmt.Errorf("failed to query doses for cascade: %w", err)
	}
	for _, doc := range doses {
		if err := s.delete(ctx, doc.Path); err != nil {
			return err
		}
	}
	return s.delete(ctx, itemPath(g.ID, itemType, itemID))
}

// SaveDoseIfAbsent persists the dose only when no document with its
// deterministic id exists yet, so racing materializers cannot clobber a
// taken dose.
func (s *Store) SaveDoseIfAbsent(ctx context.Context, dose model.Dose) (created bool, err error) {
	g, principalID, err := s.resolveWrite(ctx)
	if err != nil {
		return false, err
	}

	path := dosePath(g.ID, dose.ID)
	if _, err := s.remote.Get(ctx, path); err == nil {
		return false, nil
	} else if !errors.Is(err, remote.ErrDocumentNotFound) {
		return false, fmt.Errorf("failed to check dose existence: %w", err)
	}

	if err := s.write(ctx, path, dose.ToDoc(), principalID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetDose(ctx context.Context, doseID uuid.UUID) (model.Dose, error) {
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return model.Dose{}, err
	}
	doc, err := s.remote.Get(ctx, dosePath(g.ID, doseID))
	if err != nil {
		return model.Dose{}, err
	}
	return model.DoseFromDoc(doc.Data), nil
}

func (s *Store) ListDoses(ctx context.Context) ([]model.Dose, error) {
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.remote.List(ctx, collectionPath(g.ID, "doses"))
	if err != nil {
		return nil, fmt.Errorf("failed to list doses: %w", err)
	}
	doses := make([]model.Dose, 0, len(docs))
	for _, doc := range docs {
		doses = append(doses, model.DoseFromDoc(doc.Data))
	}
	return doses, nil
}

// UpdateDose merges the given fields into an existing dose. The dose must
// already exist; marking can never create one.
func (s *Store) UpdateDose(ctx context.Context, doseID uuid.UUID, updates map[string]any) error {
	g, principalID, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}
	path := dosePath(g.ID, doseID)
	if _, err := s.remote.Get(ctx, path); err != nil {
		return err
	}
	return s.write(ctx, path, updates, principalID)
}

func (s *Store) SaveContact(ctx context.Context, contact model.Contact) error {
	g, principalID, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}
	return s.write(ctx, contactPath(g.ID, contact.ID), contact.ToDoc(), principalID)
}

func (s *Store) ListContacts(ctx context.Context) ([]model.Contact, error) {
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.remote.List(ctx, collectionPath(g.ID, "contacts"))
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	contacts := make([]model.Contact, 0, len(docs))
	for _, doc := range docs {
		contacts = append(contacts, model.ContactFromDoc(doc.Data))
	}
	return contacts, nil
}

func (s *Store) DeleteContact(ctx context.Context, contactID uuid.UUID) error {
	g, _, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}
	return s.delete(ctx, contactPath(g.ID, contactID))
}

// CreateMemo stores the audio blob first, then the metadata document, so a
// listed memo always has its payload.
func (s *Store) CreateMemo(ctx context.Context, memo model.Memo, content io.Reader, contentType string) error {
	g, principalID, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}

	key := blob.MemoKey(g.ID, memo.ID, memo.FileExtension)
	if err := s.blobs.Put(ctx, key, content, contentType); err != nil {
		return fmt.Errorf("failed to store memo blob: %w", err)
	}
	memo.BlobPath = key
	memo.CreatedBy = principalID.String()

	if err := s.write(ctx, memoPath(g.ID, memo.ID), memo.ToDoc(), principalID); err != nil {
		// Orphaned blob; drop it best-effort.
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.logger.WarnContext(ctx, "Failed to clean up orphaned memo blob", "key", key, "error", derr)
		}
		return err
	}
	return nil
}

func (s *Store) ListMemos(ctx context.Context) ([]model.Memo, error) {
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.remote.List(ctx, collectionPath(g.ID, "memos"))
	if err != nil {
		return nil, fmt.Errorf("failed to list memos: %w", err)
	}
	memos := make([]model.Memo, 0, len(docs))
	for _, doc := range docs {
		memos = append(memos, model.MemoFromDoc(doc.Data))
	}
	return memos, nil
}

// MemoURL returns a time-limited URL for the memo's audio.
func (s *Store) MemoURL(ctx context.Context, memoID uuid.UUID, expiration time.Duration) (string, error) {
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return "", err
	}
	doc, err := s.remote.Get(ctx, memoPath(g.ID, memoID))
	if err != nil {
		return "", err
	}
	memo := model.MemoFromDoc(doc.Data)
	return s.blobs.SignedURL(ctx, memo.BlobPath, expiration)
}

// DeleteMemo removes the document, then the blob best-effort: a dangling
// blob is invisible garbage, a dangling document is a broken entry.
func (s *Store) DeleteMemo(ctx context.Context, memoID uuid.UUID) error {
	g, _, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}

	doc, err := s.remote.Get(ctx, memoPath(g.ID, memoID))
	if err != nil {
		if errors.Is(err, remote.ErrDocumentNotFound) {
			return nil
		}
		return err
	}
	memo := model.MemoFromDoc(doc.Data)

	if err := s.delete(ctx, memoPath(g.ID, memoID)); err != nil {
		return err
	}
	if memo.BlobPath != "" {
		if err := s.blobs.Delete(ctx, memo.BlobPath); err != nil {
			s.logger.WarnContext(ctx, "Failed to delete memo blob", "key", memo.BlobPath, "error", err)
		}
	}
	return nil
}

func (s *Store) CreateDocument(ctx context.Context, file model.DocumentFile, content io.Reader) error {
	g, principalID, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}

	key := blob.DocumentKey(g.ID, file.ID, file.Filename)
	if err := s.blobs.Put(ctx, key, content, file.ContentType); err != nil {
		return fmt.Errorf("failed to store document blob: %w", err)
	}
	file.BlobPath = key
	file.CreatedBy = principalID.String()

	if err := s.write(ctx, documentPath(g.ID, file.ID), file.ToDoc(), principalID); err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.logger.WarnContext(ctx, "Failed to clean up orphaned document blob", "key", key, "error", derr)
		}
		return err
	}
	return nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]model.DocumentFile, error) {
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.remote.List(ctx, collectionPath(g.ID, "documents"))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	files := make([]model.DocumentFile, 0, len(docs))
	for _, doc := range docs {
		files = append(files, model.DocumentFileFromDoc(doc.Data))
	}
	return files, nil
}

func (s *Store) DocumentURL(ctx context.Context, documentID uuid.UUID, expiration time.Duration) (string, error) {
	g, _, err := s.resolveRead(ctx)
	if err != nil {
		return "", err
	}
	doc, err := s.remote.Get(ctx, documentPath(g.ID, documentID))
	if err != nil {
		return "", err
	}
	file := model.DocumentFileFromDoc(doc.Data)
	return s.blobs.SignedURL(ctx, file.BlobPath, expiration)
}

func (s *Store) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	g, _, err := s.resolveWrite(ctx)
	if err != nil {
		return err
	}

	doc, err := s.remote.Get(ctx, documentPath(g.ID, documentID))
	if err != nil {
		if errors.Is(err, remote.ErrDocumentNotFound) {
			return nil
		}
		return err
	}
	file := model.DocumentFileFromDoc(doc.Data)

	if err := s.delete(ctx, documentPath(g.ID, documentID)); err != nil {
		return err
	}
	if file.BlobPath != "" {
		if err := s.blobs.Delete(ctx, file.BlobPath); err != nil {
			s.logger.WarnContext(ctx, "Failed to delete document blob", "key", file.BlobPath, "error", err)
		}
	}
	return nil
}

func collectionPath(groupID uuid.UUID, name string) string {
	return "groups/" + groupID.String() + "/" + name
}

func itemPath(groupID uuid.UUID, itemType model.ItemType, itemID uuid.UUID) string {
	return collectionPath(groupID, itemType.Collection()) + "/" + itemID.String()
}

func dosePath(groupID, doseID uuid.UUID) string {
	return collectionPath(groupID, "doses") + "/" + doseID.String()
}

func contactPath(groupID, contactID uuid.UUID) string {
	return collectionPath(groupID, "contacts") + "/" + contactID.String()
}

func memoPath(groupID, memoID uuid.UUID) string {
	return collectionPath(groupID, "memos") + "/" + memoID.String()
}

func documentPath(groupID, documentID uuid.UUID) string {
	return collectionPath(groupID, "documents") + "/" + documentID.String()
}
