// Package session issues, validates, lists, and revokes bearer-token
// sessions. Callers pass the token explicitly into every operation; there is
// no cookie or ambient request state at this layer.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Config holds session lifetime policy.
type Config struct {
	// TTL is the session lifetime from creation. Expiry is fixed at
	// creation; activity does not slide it.
	TTL time.Duration
	// CacheTTL bounds how long a read-cache entry may live.
	CacheTTL time.Duration
	// UpdateAge is the minimum interval between activity writes on a
	// session's updated_at.
	UpdateAge time.Duration
}

// Manager coordinates the persistent store and the read cache.
type Manager struct {
	store  Store
	cache  *Cache
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewManager constructs a Manager. The cache may be nil.
func NewManager(store Store, cache *Cache, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{store: store, cache: cache, cfg: cfg, logger: logger, now: time.Now}
}

// Create issues a new session for the user. The token carries 256 bits of
// entropy.
func (m *Manager) Create(ctx context.Context, userID, ip, userAgent string) (*Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("session: token entropy: %w", err)
	}
	now := m.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return sess, nil
}

// Get resolves a token to its session, checking expiry lazily. Concurrent
// cache misses for the same token collapse into one store read.
func (m *Manager) Get(ctx context.Context, token string) (*Session, error) {
	now := m.now()
	if sess := m.cache.Get(ctx, token); sess != nil {
		if !sess.Active(now) {
			return nil, ErrNotFound
		}
		return sess, nil
	}

	value, err, _ := m.group.Do(token, func() (any, error) {
		return m.store.GetByToken(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	sess := value.(*Session)
	if !sess.Active(now) {
		return nil, ErrNotFound
	}
	m.cache.Set(ctx, sess)
	return sess, nil
}

// Renew records activity on the session. It bumps updated_at at most once per
// UpdateAge and never extends expires_at.
func (m *Manager) Renew(ctx context.Context, sess *Session) error {
	now := m.now().UTC()
	if now.Sub(sess.UpdatedAt) < m.cfg.UpdateAge {
		return nil
	}
	if err := m.store.Touch(ctx, sess.Token, now); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	sess.UpdatedAt = now
	m.cache.Set(ctx, sess)
	return nil
}

// List returns the user's active sessions ordered by recency.
func (m *Manager) List(ctx context.Context, userID string) ([]Session, error) {
	return m.store.ListByUser(ctx, userID, m.now())
}

// Revoke terminates the session for token. Revocation is terminal.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if err := m.store.DeleteByToken(ctx, token); err != nil {
		return err
	}
	m.invalidate(ctx, token)
	return nil
}

// RevokeByID terminates one of the user's sessions selected from the active
// sessions list.
func (m *Manager) RevokeByID(ctx context.Context, userID, sessionID string) error {
	token, err := m.store.DeleteByID(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	m.invalidate(ctx, token)
	return nil
}

// RevokeOthers terminates every session for the user except the current one.
// The store removes them in a single statement.
func (m *Manager) RevokeOthers(ctx context.Context, userID, currentToken string) error {
	tokens, err := m.store.DeleteOthers(ctx, userID, currentToken)
	if err != nil {
		return fmt.Errorf("session: revoke others: %w", err)
	}
	m.invalidate(ctx, tokens...)
	return nil
}

// RevokeAll terminates every session for the user.
func (m *Manager) RevokeAll(ctx context.Context, userID string) error {
	tokens, err := m.store.DeleteAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("session: revoke all: %w", err)
	}
	m.invalidate(ctx, tokens...)
	return nil
}

func (m *Manager) invalidate(ctx context.Context, tokens ...string) {
	if err := m.cache.Invalidate(ctx, tokens...); err != nil && m.logger != nil {
		m.logger.Warn("session cache invalidate", slog.Any("error", err))
	}
}
