// Package users exposes the admin-side account management endpoints:
// membership review (approve/reject), role assignment, and removal.
package users

import (
	"context"
	"fmt"

	"github.com/openshelf/openshelf/internal/identity"
	"github.com/openshelf/openshelf/internal/session"
)

// SessionRevoker terminates every session for a user, used when an account is
// rejected or removed.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, userID string) error
}

// Service handles admin account management.
type Service struct {
	store    identity.Store
	sessions SessionRevoker
}

// NewService builds a Service instance.
func NewService(store identity.Store, sessions SessionRevoker) *Service {
	return &Service{store: store, sessions: sessions}
}

// ListUsers returns all accounts, newest first.
func (s *Service) ListUsers(ctx context.Context) ([]identity.User, error) {
	return s.store.ListUsers(ctx)
}

// SetStatus updates the membership review status. Rejection also terminates
// the member's sessions.
func (s *Service) SetStatus(ctx context.Context, userID string, status identity.Status) error {
	if err := s.store.SetStatus(ctx, userID, status); err != nil {
		return err
	}
	if status == identity.StatusRejected {
		if err := s.sessions.RevokeAll(ctx, userID); err != nil {
			return fmt.Errorf("users: revoke sessions: %w", err)
		}
	}
	return nil
}

// SetRole updates the account role.
func (s *Service) SetRole(ctx context.Context, userID string, role identity.Role) error {
	return s.store.SetRole(ctx, userID, role)
}

// DeleteUser removes the account; session rows cascade but their cache
// entries are dropped explicitly beforehand.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	if err := s.sessions.RevokeAll(ctx, userID); err != nil {
		return fmt.Errorf("users: revoke sessions: %w", err)
	}
	return s.store.DeleteUser(ctx, userID)
}

var _ SessionRevoker = (*session.Manager)(nil)
