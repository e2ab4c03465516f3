// Package group is the registry for group records, membership, invite codes
// and join requests, plus the monitor that detects access revocation. The
// Group document's id arrays are the single authorization source; every
// mutation re-validates against the server copy, never a cached one.
package group

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNoGroupSet               = errors.New("no group set")
	ErrNotAdmin                 = errors.New("not an admin of this group")
	ErrNoWritePermission        = errors.New("no write permission")
	ErrInvalidInviteCode        = errors.New("invalid invite code")
	ErrGroupNotFound            = errors.New("group not found")
	ErrAlreadyMember            = errors.New("already a member")
	ErrGroupFull                = errors.New("group is full")
	ErrCannotRemovePrimaryAdmin = errors.New("cannot remove the primary admin")
	ErrRequestNotPending        = errors.New("join request is not pending")
	ErrMemberNotFound           = errors.New("member not found")
	ErrAccessRevoked            = errors.New("group access revoked")
)

const inviteCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newInviteCode generates a six-character uppercase alphanumeric code.
// Uniqueness is enforced against the invite-code index, not here.
func newInviteCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate invite code: %w", err)
	}
	for i := range b {
		b[i] = inviteCodeAlphabet[int(b[i])%len(inviteCodeAlphabet)]
	}
	return string(b), nil
}

func groupPath(id uuid.UUID) string {
	return "groups/" + id.String()
}

func memberPath(groupID uuid.UUID, userID string) string {
	return "groups/" + groupID.String() + "/members/" + userID
}

func inviteCodePath(code string) string {
	return "inviteCodes/" + code
}

func joinRequestPath(groupID, requestID uuid.UUID) string {
	return "groups/" + groupID.String() + "/joinRequests/" + requestID.String()
}

// joinRequestMirrorPath is the top-level copy admins query across groups.
func joinRequestMirrorPath(requestID uuid.UUID) string {
	return "joinRequests/" + requestID.String()
}

func groupCollection(groupID uuid.UUID, name string) string {
	return "groups/" + groupID.String() + "/" + name
}
