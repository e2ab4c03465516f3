package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carecircle/internal/config"
	"carecircle/internal/events"
	"carecircle/internal/identity"
	"carecircle/internal/localstore"
	"carecircle/internal/model"
	"carecircle/internal/monitoring"
	"carecircle/internal/remote"
	"carecircle/internal/subscription"
	"carecircle/internal/validator"

	"github.com/google/uuid"
)

// inviteCodeAttempts bounds the re-roll loop on index collisions.
const inviteCodeAttempts = 10

// dataCollections are the per-group subcollections a group deletion cascades
// into.
var dataCollections = []string{
	"medications", "supplements", "diets", "doses",
	"contacts", "memos", "documents", "members", "joinRequests",
}

type joinInput struct {
	Code        string `validate:"required,invite_code"`
	DisplayName string `validate:"required,display_name"`
}

type groupNameInput struct {
	Name string `validate:"required,min=1,max=80"`
}

type displayNameInput struct {
	DisplayName string `validate:"required,display_name"`
}

// Registry owns Group, Member and JoinRequest records and is the only
// component allowed to assign the device's current-group pointer.
type Registry struct {
	logger    *slog.Logger
	cfg       config.SubscriptionConfig
	remote    remote.DocumentStore
	store     localstore.Store
	identity  *identity.Provider
	subs      *subscription.Manager
	bus       *events.Bus
	telemetry *monitoring.Telemetry
	validate  *validator.Validator
	now       func() time.Time
}

func NewRegistry(
	logger *slog.Logger,
	cfg config.SubscriptionConfig,
	remoteStore remote.DocumentStore,
	store localstore.Store,
	idp *identity.Provider,
	subs *subscription.Manager,
	bus *events.Bus,
	telemetry *monitoring.Telemetry,
) *Registry {
	return &Registry{
		logger:    logger,
		cfg:       cfg,
		remote:    remoteStore,
		store:     store,
		identity:  idp,
		subs:      subs,
		bus:       bus,
		telemetry: telemetry,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// CurrentGroup resolves the device's current group from the server copy.
func (r *Registry) CurrentGroup(ctx context.Context) (model.Group, error) {
	state, err := r.store.DeviceState(ctx)
	if err != nil {
		return model.Group{}, fmt.Errorf("failed to read device state: %w", err)
	}
	if state.CurrentGroupID == nil {
		return model.Group{}, ErrNoGroupSet
	}
	return r.fetchGroup(ctx, *state.CurrentGroupID)
}

// CreateGroup creates a group with the caller as primary admin and makes it
// the device's current group. A caller that owns another group loses it
// (cascading delete); a caller that is a plain member elsewhere just
// detaches.
func (r *Registry) CreateGroup(ctx context.Context, name string) (model.Group, error) {
	return r.createGroup(ctx, name, false)
}

// EnsurePersonalGroup provisions the single-member group used when the
// device has never joined anyone. It is a no-op when a current group exists,
// and it is exempt from the transition cooldown since nothing is shared yet.
func (r *Registry) EnsurePersonalGroup(ctx context.Context) (model.Group, error) {
	current, err := r.CurrentGroup(ctx)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, ErrNoGroupSet) && !errors.Is(err, ErrGroupNotFound) {
		return model.Group{}, err
	}
	return r.createGroup(ctx, "Personal", true)
}

func (r *Registry) createGroup(ctx context.Context, name string, skipCooldown bool) (model.Group, error) {
	if err := r.validate.Validate(groupNameInput{Name: name}); err != nil {
		return model.Group{}, fmt.Errorf("invalid group name: %w", err)
	}

	principalID, err := r.identity.CurrentPrincipal(ctx)
	if err != nil {
		return model.Group{}, err
	}
	if !skipCooldown {
		if err := r.subs.CheckCooldown(ctx, principalID); err != nil {
			return model.Group{}, err
		}
	}

	if err := r.leaveOrDeleteCurrent(ctx, principalID); err != nil {
		return model.Group{}, err
	}

	code, err := r.allocateInviteCode(ctx)
	if err != nil {
		return model.Group{}, err
	}

	now := r.now().UTC()
	trialStart, trialEnd, err := r.subs.TrialWindow(ctx, principalID)
	if err != nil {
		return model.Group{}, err
	}
	if trialStart == nil {
		end := now.AddDate(0, 0, r.cfg.GroupTrialDays)
		trialStart, trialEnd = &now, &end
	}

	uid := principalID.String()
	g := model.Group{
		ID:                 uuid.New(),
		Name:               name,
		InviteCode:         code,
		CreatedBy:          uid,
		AdminIDs:           []string{uid},
		MemberIDs:          []string{uid},
		WritePermissionIDs: []string{uid},
		TrialStartDate:     trialStart,
		TrialEndDate:       trialEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := r.remote.Set(ctx, groupPath(g.ID), g.ToDoc(), remote.SetOptions{}); err != nil {
		return model.Group{}, fmt.Errorf("failed to create group: %w", err)
	}
	if err := r.remote.Set(ctx, inviteCodePath(code), map[string]any{
		"groupId":   g.ID.String(),
		"createdAt": remote.ServerTimestamp(),
	}, remote.SetOptions{}); err != nil {
		return model.Group{}, fmt.Errorf("failed to index invite code: %w", err)
	}

	member := model.Member{
		UserID:          uid,
		GroupID:         g.ID,
		Role:            model.MemberRoleAdmin,
		Permissions:     model.MemberPermissionWrite,
		IsAccessEnabled: true,
		JoinedAt:        now,
	}
	if err := r.remote.Set(ctx, memberPath(g.ID, uid), member.ToDoc(), remote.SetOptions{}); err != nil {
		return model.Group{}, fmt.Errorf("failed to create member record: %w", err)
	}

	if err := r.setCurrentGroup(ctx, &g.ID); err != nil {
		return model.Group{}, err
	}

	r.logger.InfoContext(ctx, "Created group", "group_id", g.ID, "name", name)
	return g, nil
}

// JoinByInviteCode records a pending join request. Membership is granted
// only when an admin approves. A second call while a request is still
// pending returns the existing request instead of creating a duplicate.
func (r *Registry) JoinByInviteCode(ctx context.Context, code, displayName string) (model.JoinRequest, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := r.validate.Validate(joinInput{Code: code, DisplayName: displayName}); err != nil {
		return model.JoinRequest{}, fmt.Errorf("%w: %v", ErrInvalidInviteCode, err)
	}

	principalID, err := r.identity.CurrentPrincipal(ctx)
	if err != nil {
		return model.JoinRequest{}, err
	}
	uid := principalID.String()

	indexDoc, err := r.remote.Get(ctx, inviteCodePath(code))
	if err != nil {
		if errors.Is(err, remote.ErrDocumentNotFound) {
			return model.JoinRequest{}, ErrInvalidInviteCode
		}
		return model.JoinRequest{}, fmt.Errorf("failed to look up invite code: %w", err)
	}
	groupID, err := uuid.Parse(fmt.Sprint(indexDoc.Data["groupId"]))
	if err != nil {
		return model.JoinRequest{}, ErrInvalidInviteCode
	}

	g, err := r.fetchGroup(ctx, groupID)
	if err != nil {
		return model.JoinRequest{}, err
	}
	if g.IsMember(uid) {
		return model.JoinRequest{}, ErrAlreadyMember
	}
	if g.NonAdminMemberCount() >= model.MaxNonAdminMembers {
		return model.JoinRequest{}, ErrGroupFull
	}

	existing, err := r.remote.QueryEq(ctx, groupCollection(groupID, "joinRequests"), "userId", uid)
	if err != nil {
		return model.JoinRequest{}, fmt.Errorf("failed to query join requests: %w", err)
	}
	for _, doc := range existing {
		req := model.JoinRequestFromDoc(doc.Data)
		if req.Status == model.JoinRequestPending {
			return req, nil
		}
	}

	req := model.JoinRequest{
		ID:          uuid.New(),
		UserID:      uid,
		UserName:    displayName,
		GroupID:     groupID,
		GroupName:   g.Name,
		AdminID:     g.CreatedBy,
		Status:      model.JoinRequestPending,
		RequestedAt: r.now().UTC(),
	}
	if err := r.writeJoinRequest(ctx, req); err != nil {
		return model.JoinRequest{}, err
	}

	r.telemetry.RecordJoinRequest(ctx, "requested")
	r.logger.InfoContext(ctx, "Created join request", "request_id", req.ID, "group_id", groupID)
	return req, nil
}

// PendingJoinRequests lists the pending requests for a group the caller
// administers, from the cross-group mirror.
func (r *Registry) PendingJoinRequests(ctx context.Context, groupID uuid.UUID) ([]model.JoinRequest, error) {
	if _, _, err := r.requireAdmin(ctx, groupID); err != nil {
		return nil, err
	}

	docs, err := r.remote.QueryEq(ctx, "joinRequests", "groupId", groupID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query join requests: %w", err)
	}

	var pending []model.JoinRequest
	for _, doc := range docs {
		req := model.JoinRequestFromDoc(doc.Data)
		if req.Status == model.JoinRequestPending {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

// ApproveJoinRequest grants the requester read-only membership and stamps
// their transition cooldown. Approving a request that is no longer pending
// fails with ErrRequestNotPending so access is never granted twice.
func (r *Registry) ApproveJoinRequest(ctx context.Context, requestID uuid.UUID) error {
	req, err := r.fetchJoinRequest(ctx, requestID)
	if err != nil {
		return err
	}

	g, _, err := r.requireAdmin(ctx, req.GroupID)
	if err != nil {
		return err
	}
	if req.Status != model.JoinRequestPending {
		return ErrRequestNotPending
	}
	if g.IsMember(req.UserID) {
		return ErrAlreadyMember
	}
	if g.NonAdminMemberCount() >= model.MaxNonAdminMembers {
		return ErrGroupFull
	}

	now := r.now().UTC()

	// New members default to read-only; write permission is a separate,
	// explicit grant.
	memberIDs := appendUnique(g.MemberIDs, req.UserID)
	if err := r.remote.Set(ctx, groupPath(g.ID), map[string]any{
		"memberIds": memberIDs,
		"updatedAt": remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	member := model.Member{
		UserID:          req.UserID,
		GroupID:         g.ID,
		DisplayName:     req.UserName,
		Role:            model.MemberRoleMember,
		Permissions:     model.MemberPermissionRead,
		IsAccessEnabled: true,
		JoinedAt:        now,
	}
	if err := r.remote.Set(ctx, memberPath(g.ID, req.UserID), member.ToDoc(), remote.SetOptions{}); err != nil {
		return fmt.Errorf("failed to create member record: %w", err)
	}

	req.Status = model.JoinRequestApproved
	if err := r.writeJoinRequest(ctx, req); err != nil {
		return err
	}

	requesterID, err := uuid.Parse(req.UserID)
	if err != nil {
		return fmt.Errorf("join request %s has malformed user id: %w", req.ID, err)
	}
	if err := r.subs.WriteCooldown(ctx, requesterID, trialDaysRemaining(g, now)); err != nil {
		return fmt.Errorf("failed to write join cooldown: %w", err)
	}

	r.telemetry.RecordJoinRequest(ctx, "approved")
	r.logger.InfoContext(ctx, "Approved join request", "request_id", req.ID, "group_id", g.ID, "user_id", req.UserID)
	return nil
}

// DenyJoinRequest marks the request denied and grants nothing.
func (r *Registry) DenyJoinRequest(ctx context.Context, requestID uuid.UUID) error {
	req, err := r.fetchJoinRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if _, _, err := r.requireAdmin(ctx, req.GroupID); err != nil {
		return err
	}
	if req.Status != model.JoinRequestPending {
		return ErrRequestNotPending
	}

	req.Status = model.JoinRequestDenied
	if err := r.writeJoinRequest(ctx, req); err != nil {
		return err
	}

	r.telemetry.RecordJoinRequest(ctx, "denied")
	r.logger.InfoContext(ctx, "Denied join request", "request_id", req.ID, "group_id", req.GroupID)
	return nil
}

// ToggleMemberAccess disables or re-enables a member without removing their
// Member record. Disabling strips membership and write permission; enabling
// restores membership only, so re-enabled members come back read-only.
// Both directions write the full arrays read-modify-write so a concurrent
// union cannot resurrect a just-removed id.
func (r *Registry) ToggleMemberAccess(ctx context.Context, groupID uuid.UUID, memberID string, enabled bool) error {
	g, _, err := r.requireAdmin(ctx, groupID)
	if err != nil {
		return err
	}
	if memberID == g.CreatedBy {
		return ErrCannotRemovePrimaryAdmin
	}
	// Only ids with an existing member record can be toggled; the record
	// survives a disable, which is what distinguishes a disabled member
	// from an arbitrary id.
	if _, err := r.remote.Get(ctx, memberPath(groupID, memberID)); err != nil {
		if errors.Is(err, remote.ErrDocumentNotFound) {
			return ErrMemberNotFound
		}
		return fmt.Errorf("failed to fetch member record: %w", err)
	}

	adminIDs := g.AdminIDs
	var memberIDs, writeIDs []string
	if enabled {
		if !g.IsMember(memberID) && g.NonAdminMemberCount() >= model.MaxNonAdminMembers {
			return ErrGroupFull
		}
		memberIDs = appendUnique(g.MemberIDs, memberID)
		writeIDs = g.WritePermissionIDs
	} else {
		// A disabled member loses admin standing too; re-enabling
		// restores read-only membership.
		adminIDs = removeID(g.AdminIDs, memberID)
		memberIDs = removeID(g.MemberIDs, memberID)
		writeIDs = removeID(g.WritePermissionIDs, memberID)
	}

	if err := r.remote.Set(ctx, groupPath(groupID), map[string]any{
		"adminIds":           adminIDs,
		"memberIds":          memberIDs,
		"writePermissionIds": writeIDs,
		"updatedAt":          remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to toggle member access: %w", err)
	}

	permissions := model.MemberPermissionRead
	if err := r.remote.Set(ctx, memberPath(groupID, memberID), map[string]any{
		"isAccessEnabled": enabled,
		"permissions":     string(permissions),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to update member record: %w", err)
	}

	r.logger.InfoContext(ctx, "Toggled member access",
		"group_id", groupID, "member_id", memberID, "enabled", enabled)
	return nil
}

// GrantWritePermission adds the member to writePermissionIds. The member
// must currently be in memberIds.
func (r *Registry) GrantWritePermission(ctx context.Context, groupID uuid.UUID, memberID string) error {
	g, _, err := r.requireAdmin(ctx, groupID)
	if err != nil {
		return err
	}
	if !g.IsMember(memberID) {
		return ErrGroupNotFound
	}

	if err := r.remote.Set(ctx, groupPath(groupID), map[string]any{
		"writePermissionIds": remote.ArrayUnion(memberID),
		"updatedAt":          remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to grant write permission: %w", err)
	}
	if err := r.remote.Set(ctx, memberPath(groupID, memberID), map[string]any{
		"permissions": string(model.MemberPermissionWrite),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to update member record: %w", err)
	}
	return nil
}

// RemoveMember removes the member from every id array, deletes their Member
// record, and stamps their cooldown. The primary admin cannot be removed.
func (r *Registry) RemoveMember(ctx context.Context, groupID uuid.UUID, memberID string) error {
	g, _, err := r.requireAdmin(ctx, groupID)
	if err != nil {
		return err
	}
	if memberID == g.CreatedBy {
		return ErrCannotRemovePrimaryAdmin
	}

	if err := r.remote.Set(ctx, groupPath(groupID), map[string]any{
		"adminIds":           removeID(g.AdminIDs, memberID),
		"memberIds":          removeID(g.MemberIDs, memberID),
		"writePermissionIds": removeID(g.WritePermissionIDs, memberID),
		"updatedAt":          remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	if err := r.remote.Delete(ctx, memberPath(groupID, memberID)); err != nil && !errors.Is(err, remote.ErrDocumentNotFound) {
		return fmt.Errorf("failed to delete member record: %w", err)
	}

	if removedID, err := uuid.Parse(memberID); err == nil {
		if err := r.subs.WriteCooldown(ctx, removedID, trialDaysRemaining(g, r.now().UTC())); err != nil {
			return fmt.Errorf("failed to write removal cooldown: %w", err)
		}
	}

	r.logger.InfoContext(ctx, "Removed member", "group_id", groupID, "member_id", memberID)
	return nil
}

// PromoteMemberToAdmin raises a member to admin; admins always carry write
// permission.
func (r *Registry) PromoteMemberToAdmin(ctx context.Context, groupID uuid.UUID, memberID string) error {
	g, _, err := r.requireAdmin(ctx, groupID)
	if err != nil {
		return err
	}
	if !g.IsMember(memberID) {
		return ErrGroupNotFound
	}

	if err := r.remote.Set(ctx, groupPath(groupID), map[string]any{
		"adminIds":           remote.ArrayUnion(memberID),
		"writePermissionIds": remote.ArrayUnion(memberID),
		"updatedAt":          remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to promote member: %w", err)
	}
	if err := r.remote.Set(ctx, memberPath(groupID, memberID), map[string]any{
		"role":        string(model.MemberRoleAdmin),
		"permissions": string(model.MemberPermissionWrite),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to update member record: %w", err)
	}

	r.logger.InfoContext(ctx, "Promoted member to admin", "group_id", groupID, "member_id", memberID)
	return nil
}

// UpdateMemberDisplayName changes the display name on a member's record.
func (r *Registry) UpdateMemberDisplayName(ctx context.Context, groupID uuid.UUID, memberID, displayName string) error {
	if err := r.validate.Validate(displayNameInput{DisplayName: displayName}); err != nil {
		return fmt.Errorf("invalid display name: %w", err)
	}
	if _, _, err := r.requireAdmin(ctx, groupID); err != nil {
		return err
	}

	if err := r.remote.Set(ctx, memberPath(groupID, memberID), map[string]any{
		"displayName": displayName,
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to update display name: %w", err)
	}
	return nil
}

// UpdateGroupName renames the group.
func (r *Registry) UpdateGroupName(ctx context.Context, groupID uuid.UUID, name string) error {
	if err := r.validate.Validate(groupNameInput{Name: name}); err != nil {
		return fmt.Errorf("invalid group name: %w", err)
	}
	if _, _, err := r.requireAdmin(ctx, groupID); err != nil {
		return err
	}

	if err := r.remote.Set(ctx, groupPath(groupID), map[string]any{
		"name":      name,
		"updatedAt": remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to rename group: %w", err)
	}
	return nil
}

// ListMembers returns the member records of the caller's group.
func (r *Registry) ListMembers(ctx context.Context, groupID uuid.UUID) ([]model.Member, error) {
	g, err := r.fetchGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	principalID, err := r.identity.CurrentPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if !g.IsMember(principalID.String()) {
		return nil, ErrAccessRevoked
	}

	docs, err := r.remote.List(ctx, groupCollection(groupID, "members"))
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	members := make([]model.Member, 0, len(docs))
	for _, doc := range docs {
		members = append(members, model.MemberFromDoc(doc.Data))
	}
	return members, nil
}

// LeaveGroup detaches the caller from their current group. The primary
// admin cannot leave; they delete the group instead.
func (r *Registry) LeaveGroup(ctx context.Context) error {
	principalID, err := r.identity.CurrentPrincipal(ctx)
	if err != nil {
		return err
	}
	g, err := r.CurrentGroup(ctx)
	if err != nil {
		return err
	}
	uid := principalID.String()
	if uid == g.CreatedBy {
		return ErrCannotRemovePrimaryAdmin
	}

	if err := r.remote.Set(ctx, groupPath(g.ID), map[string]any{
		"adminIds":           removeID(g.AdminIDs, uid),
		"memberIds":          removeID(g.MemberIDs, uid),
		"writePermissionIds": removeID(g.WritePermissionIDs, uid),
		"updatedAt":          remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to leave group: %w", err)
	}
	if err := r.remote.Delete(ctx, memberPath(g.ID, uid)); err != nil && !errors.Is(err, remote.ErrDocumentNotFound) {
		return fmt.Errorf("failed to delete own member record: %w", err)
	}

	if err := r.subs.WriteCooldown(ctx, principalID, trialDaysRemaining(g, r.now().UTC())); err != nil {
		return fmt.Errorf("failed to write leave cooldown: %w", err)
	}

	if err := r.setCurrentGroup(ctx, nil); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Left group", "group_id", g.ID)
	return nil
}

// DeleteGroup destroys a group the caller created, cascading into every
// subcollection, the invite-code index and the join-request mirror.
func (r *Registry) DeleteGroup(ctx context.Context, groupID uuid.UUID) error {
	g, principalID, err := r.requireAdmin(ctx, groupID)
	if err != nil {
		return err
	}
	if principalID.String() != g.CreatedBy {
		return ErrNotAdmin
	}
	return r.deleteGroupCascade(ctx, g)
}

func (r *Registry) deleteGroupCascade(ctx context.Context, g model.Group) error {
	for _, collection := range dataCollections {
		docs, err := r.remote.List(ctx, groupCollection(g.ID, collection))
		if err != nil {
			return fmt.Errorf("failed to list %s for cascade: %w", collection, err)
		}
		for _, doc := range docs {
			if err := r.remote.Delete(ctx, doc.Path); err != nil && !errors.Is(err, remote.ErrDocumentNotFound) {
				return fmt.Errorf("failed to cascade delete %s: %w", doc.Path, err)
			}
		}
	}

	mirrors, err := r.remote.QueryEq(ctx, "joinRequests", "groupId", g.ID.String())
	if err != nil {
		return fmt.Errorf("failed to query join-request mirror: %w", err)
	}
	for _, doc := range mirrors {
		if err := r.remote.Delete(ctx, doc.Path); err != nil && !errors.Is(err, remote.ErrDocumentNotFound) {
			return fmt.Errorf("failed to delete join-request mirror: %w", err)
		}
	}

	if g.InviteCode != "" {
		if err := r.remote.Delete(ctx, inviteCodePath(g.InviteCode)); err != nil && !errors.Is(err, remote.ErrDocumentNotFound) {
			return fmt.Errorf("failed to delete invite-code index: %w", err)
		}
	}
	if err := r.remote.Delete(ctx, groupPath(g.ID)); err != nil && !errors.Is(err, remote.ErrDocumentNotFound) {
		return fmt.Errorf("failed to delete group: %w", err)
	}

	state, err := r.store.DeviceState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read device state: %w", err)
	}
	if state.CurrentGroupID != nil && *state.CurrentGroupID == g.ID {
		if err := r.setCurrentGroup(ctx, nil); err != nil {
			return err
		}
	}

	r.logger.InfoContext(ctx, "Deleted group", "group_id", g.ID)
	return nil
}

// fetchGroup always reads the server copy; authorization decisions are never
// made against a cached group.
func (r *Registry) fetchGroup(ctx context.Context, groupID uuid.UUID) (model.Group, error) {
	doc, err := r.remote.Get(ctx, groupPath(groupID))
	if err != nil {
		if errors.Is(err, remote.ErrDocumentNotFound) {
			return model.Group{}, ErrGroupNotFound
		}
		return model.Group{}, fmt.Errorf("failed to fetch group: %w", err)
	}
	return model.GroupFromDoc(doc.Data), nil
}

func (r *Registry) requireAdmin(ctx context.Context, groupID uuid.UUID) (model.Group, uuid.UUID, error) {
	principalID, err := r.identity.CurrentPrincipal(ctx)
	if err != nil {
		return model.Group{}, uuid.Nil, err
	}
	g, err := r.fetchGroup(ctx, groupID)
	if err != nil {
		return model.Group{}, uuid.Nil, err
	}
	if !g.IsAdmin(principalID.String()) {
		return model.Group{}, uuid.Nil, ErrNotAdmin
	}
	return g, principalID, nil
}

func (r *Registry) leaveOrDeleteCurrent(ctx context.Context, principalID uuid.UUID) error {
	state, err := r.store.DeviceState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read device state: %w", err)
	}
	if state.CurrentGroupID == nil {
		return nil
	}

	g, err := r.fetchGroup(ctx, *state.CurrentGroupID)
	if err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			// Dangling pointer; just clear it.
			return r.setCurrentGroup(ctx, nil)
		}
		return err
	}

	uid := principalID.String()
	if uid == g.CreatedBy {
		return r.deleteGroupCascade(ctx, g)
	}

	// Non-owner: detach without cascading.
	if err := r.remote.Set(ctx, groupPath(g.ID), map[string]any{
		"adminIds":           removeID(g.AdminIDs, uid),
		"memberIds":          removeID(g.MemberIDs, uid),
		"writePermissionIds": removeID(g.WritePermissionIDs, uid),
		"updatedAt":          remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to detach from group: %w", err)
	}
	if err := r.remote.Delete(ctx, memberPath(g.ID, uid)); err != nil && !errors.Is(err, remote.ErrDocumentNotFound) {
		return fmt.Errorf("failed to delete own member record: %w", err)
	}
	return r.setCurrentGroup(ctx, nil)
}

func (r *Registry) allocateInviteCode(ctx context.Context) (string, error) {
	for range inviteCodeAttempts {
		code, err := newInviteCode()
		if err != nil {
			return "", err
		}
		_, err = r.remote.Get(ctx, inviteCodePath(code))
		if errors.Is(err, remote.ErrDocumentNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check invite code: %w", err)
		}
	}
	return "", fmt.Errorf("failed to allocate a unique invite code after %d attempts", inviteCodeAttempts)
}

// writeJoinRequest keeps the subcollection copy and the cross-group mirror
// in step.
func (r *Registry) writeJoinRequest(ctx context.Context, req model.JoinRequest) error {
	doc := req.ToDoc()
	if err := r.remote.Set(ctx, joinRequestPath(req.GroupID, req.ID), doc, remote.SetOptions{}); err != nil {
		return fmt.Errorf("failed to write join request: %w", err)
	}
	if err := r.remote.Set(ctx, joinRequestMirrorPath(req.ID), doc, remote.SetOptions{}); err != nil {
		return fmt.Errorf("failed to mirror join request: %w", err)
	}
	return nil
}

func (r *Registry) fetchJoinRequest(ctx context.Context, requestID uuid.UUID) (model.JoinRequest, error) {
	doc, err := r.remote.Get(ctx, joinRequestMirrorPath(requestID))
	if err != nil {
		if errors.Is(err, remote.ErrDocumentNotFound) {
			return model.JoinRequest{}, ErrRequestNotPending
		}
		return model.JoinRequest{}, fmt.Errorf("failed to fetch join request: %w", err)
	}
	return model.JoinRequestFromDoc(doc.Data), nil
}

// ClearCurrentGroup drops the device's group pointer and announces the
// change. The membership monitor routes revocation cleanup through here so
// the registry stays the pointer's only writer.
func (r *Registry) ClearCurrentGroup(ctx context.Context) error {
	return r.setCurrentGroup(ctx, nil)
}

// setCurrentGroup is the single assignment point for the current-group
// pointer; everyone else observes it through GroupChanged events.
func (r *Registry) setCurrentGroup(ctx context.Context, id *uuid.UUID) error {
	if err := r.store.SetCurrentGroup(ctx, id); err != nil {
		return fmt.Errorf("failed to set current group: %w", err)
	}
	r.bus.Publish(events.GroupChanged{GroupID: id})
	return nil
}

// trialDaysRemaining feeds the cooldown formula: the days left on the
// group's trial at the moment of a membership transition.
func trialDaysRemaining(g model.Group, now time.Time) int {
	if g.TrialEndDate == nil || !g.TrialEndDate.After(now) {
		return 0
	}
	return int(g.TrialEndDate.Sub(now).Hours() / 24)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids...)
	return append(out, id)
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
