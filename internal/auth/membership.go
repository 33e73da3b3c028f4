package auth

import (
	"context"
	"fmt"

	"github.com/Tyrowin/gochat-relay/internal/store"
)

// MembershipChecker reports whether a user may join a project's room.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, projectID string) (bool, error)
}

// Authorize returns ErrNotMember when userID is not in projectID, and the
// checker's own error when it could not decide.
func Authorize(ctx context.Context, m MembershipChecker, userID, projectID string) error {
	ok, err := m.IsMember(ctx, userID, projectID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

// StoreMembership reads project member sets kept in the shared store under
// "<prefix>project:{id}:members" by the service that owns projects.
type StoreMembership struct {
	store  store.Store
	prefix string
}

func NewStoreMembership(s store.Store, prefix string) *StoreMembership {
	return &StoreMembership{store: s, prefix: prefix}
}

func (m *StoreMembership) key(projectID string) string {
	return m.prefix + "project:" + projectID + ":members"
}

func (m *StoreMembership) IsMember(ctx context.Context, userID, projectID string) (bool, error) {
	return m.store.SIsMember(ctx, m.key(projectID), userID)
}

// AddMember and RemoveMember let tooling and tests seed the member sets.
func (m *StoreMembership) AddMember(ctx context.Context, userID, projectID string) error {
	return m.store.SAdd(ctx, m.key(projectID), userID)
}

func (m *StoreMembership) RemoveMember(ctx context.Context, userID, projectID string) error {
	return m.store.SRem(ctx, m.key(projectID), userID)
}

// AllowAll admits every authenticated user to every project.
type AllowAll struct{}

func (AllowAll) IsMember(context.Context, string, string) (bool, error) { return true, nil }
