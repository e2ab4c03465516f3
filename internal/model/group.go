package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Group is the unit of sharing: one immutable primary admin plus up to two
// additional members. The three id arrays are the single source of truth for
// authorization decisions; Member records only mirror them for display.
type Group struct {
	ID                    uuid.UUID
	Name                  string
	InviteCode            string
	CreatedBy             string
	AdminIDs              []string
	MemberIDs             []string
	WritePermissionIDs    []string
	TrialStartDate        *time.Time
	TrialEndDate          *time.Time
	HasActiveSubscription bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// MaxNonAdminMembers bounds the group size: at most two members beyond the
// admins.
const MaxNonAdminMembers = 2

func (g *Group) IsAdmin(userID string) bool {
	return slices.Contains(g.AdminIDs, userID)
}

func (g *Group) IsMember(userID string) bool {
	return slices.Contains(g.MemberIDs, userID)
}

func (g *Group) CanWrite(userID string) bool {
	return slices.Contains(g.WritePermissionIDs, userID)
}

// NonAdminMemberCount counts members that are not admins.
func (g *Group) NonAdminMemberCount() int {
	n := 0
	for _, id := range g.MemberIDs {
		if !slices.Contains(g.AdminIDs, id) {
			n++
		}
	}
	return n
}

// CheckInvariants verifies the structural membership invariants:
// createdBy ∈ adminIds ⊆ memberIds, writePermissionIds ⊆ memberIds, and the
// non-admin member bound.
func (g *Group) CheckInvariants() error {
	if !slices.Contains(g.AdminIDs, g.CreatedBy) {
		return fmt.Errorf("group %s: creator %s not in adminIds", g.ID, g.CreatedBy)
	}
	for _, id := range g.AdminIDs {
		if !slices.Contains(g.MemberIDs, id) {
			return fmt.Errorf("group %s: admin %s not in memberIds", g.ID, id)
		}
	}
	for _, id := range g.WritePermissionIDs {
		if !slices.Contains(g.MemberIDs, id) {
			return fmt.Errorf("group %s: write-permitted %s not in memberIds", g.ID, id)
		}
	}
	if n := g.NonAdminMemberCount(); n > MaxNonAdminMembers {
		return fmt.Errorf("group %s: %d non-admin members exceeds limit", g.ID, n)
	}
	return nil
}

func (g *Group) ToDoc() map[string]any {
	return map[string]any{
		"id":                    g.ID.String(),
		"name":                  g.Name,
		"inviteCode":            g.InviteCode,
		"createdBy":             g.CreatedBy,
		"adminIds":              anySlice(g.AdminIDs),
		"memberIds":             anySlice(g.MemberIDs),
		"writePermissionIds":    anySlice(g.WritePermissionIDs),
		"trialStartDate":        timePtrValue(g.TrialStartDate),
		"trialEndDate":          timePtrValue(g.TrialEndDate),
		"hasActiveSubscription": g.HasActiveSubscription,
		"createdAt":             timeValue(g.CreatedAt),
		"updatedAt":             timeValue(g.UpdatedAt),
	}
}

func GroupFromDoc(data map[string]any) Group {
	return Group{
		ID:                    docUUID(data, "id"),
		Name:                  docString(data, "name"),
		InviteCode:            docString(data, "inviteCode"),
		CreatedBy:             docString(data, "createdBy"),
		AdminIDs:              docStrings(data, "adminIds"),
		MemberIDs:             docStrings(data, "memberIds"),
		WritePermissionIDs:    docStrings(data, "writePermissionIds"),
		TrialStartDate:        docTimePtr(data, "trialStartDate"),
		TrialEndDate:          docTimePtr(data, "trialEndDate"),
		HasActiveSubscription: docBool(data, "hasActiveSubscription"),
		CreatedAt:             docTime(data, "createdAt"),
		UpdatedAt:             docTime(data, "updatedAt"),
	}
}

type MemberRole string

const (
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

type MemberPermission string

const (
	MemberPermissionRead  MemberPermission = "read"
	MemberPermissionWrite MemberPermission = "write"
)

// Member is the denormalized per-group profile for one principal. Role and
// permission here are a display read-model refreshed from the Group arrays,
// never consulted for authorization.
type Member struct {
	UserID          string
	GroupID         uuid.UUID
	DisplayName     string
	Role            MemberRole
	Permissions     MemberPermission
	IsAccessEnabled bool
	JoinedAt        time.Time
}

func (m *Member) ToDoc() map[string]any {
	return map[string]any{
		"userId":          m.UserID,
		"groupId":         m.GroupID.String(),
		"displayName":     m.DisplayName,
		"role":            string(m.Role),
		"permissions":     string(m.Permissions),
		"isAccessEnabled": m.IsAccessEnabled,
		"joinedAt":        timeValue(m.JoinedAt),
	}
}

func MemberFromDoc(data map[string]any) Member {
	return Member{
		UserID:          docString(data, "userId"),
		GroupID:         docUUID(data, "groupId"),
		DisplayName:     docString(data, "displayName"),
		Role:            MemberRole(docString(data, "role")),
		Permissions:     MemberPermission(docString(data, "permissions")),
		IsAccessEnabled: docBool(data, "isAccessEnabled"),
		JoinedAt:        docTime(data, "joinedAt"),
	}
}

type JoinRequestStatus string

const (
	JoinRequestPending  JoinRequestStatus = "pending"
	JoinRequestApproved JoinRequestStatus = "approved"
	JoinRequestDenied   JoinRequestStatus = "denied"
)

// JoinRequest records a join attempt via invite code, resolved by an admin.
type JoinRequest struct {
	ID          uuid.UUID
	UserID      string
	UserName    string
	GroupID     uuid.UUID
	GroupName   string
	AdminID     string
	Status      JoinRequestStatus
	RequestedAt time.Time
}

func (r *JoinRequest) ToDoc() map[string]any {
	return map[string]any{
		"id":          r.ID.String(),
		"userId":      r.UserID,
		"userName":    r.UserName,
		"groupId":     r.GroupID.String(),
		"groupName":   r.GroupName,
		"adminId":     r.AdminID,
		"status":      string(r.Status),
		"requestedAt": timeValue(r.RequestedAt),
	}
}

func JoinRequestFromDoc(data map[string]any) JoinRequest {
	return JoinRequest{
		ID:          docUUID(data, "id"),
		UserID:      docString(data, "userId"),
		UserName:    docString(data, "userName"),
		GroupID:     docUUID(data, "groupId"),
		GroupName:   docString(data, "groupName"),
		AdminID:     docString(data, "adminId"),
		Status:      JoinRequestStatus(docString(data, "status")),
		RequestedAt: docTime(data, "requestedAt"),
	}
}
