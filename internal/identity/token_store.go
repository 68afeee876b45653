package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openshelf/openshelf/internal/platform/db"
)

var (
	// ErrTokenNotFound indicates the secret was never issued for this purpose.
	ErrTokenNotFound = errors.New("identity: token not found")
	// ErrTokenExpired indicates the secret is past its expiry.
	ErrTokenExpired = errors.New("identity: token expired")
	// ErrTokenUsed indicates the secret was consumed before.
	ErrTokenUsed = errors.New("identity: token already used")
)

// TokenStore defines single-use verification token persistence. Check
// validates without burning, so multi-step flows can defer the burn until
// their own writes succeeded.
type TokenStore interface {
	Issue(ctx context.Context, identifier string, purpose TokenPurpose, ttl time.Duration) (*Token, error)
	Check(ctx context.Context, value string, purpose TokenPurpose) (identifier string, err error)
	Consume(ctx context.Context, value string, purpose TokenPurpose) (identifier string, err error)
	PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PGTokenStore implements TokenStore using PostgreSQL. Only the SHA-256 of
// the secret is persisted; a leaked table never yields usable tokens.
type PGTokenStore struct {
	pool *pgxpool.Pool
}

// NewPGTokenStore constructs a PostgreSQL token store.
func NewPGTokenStore(pool *pgxpool.Pool) *PGTokenStore {
	return &PGTokenStore{pool: pool}
}

// Issue creates a fresh token for the identifier and purpose. Outstanding
// unconsumed tokens for the same identifier and purpose are superseded so a
// re-request invalidates earlier emails.
func (s *PGTokenStore) Issue(ctx context.Context, identifier string, purpose TokenPurpose, ttl time.Duration) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("identity: token entropy: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)
	expiresAt := time.Now().UTC().Add(ttl)

	// Supersede and insert together, so a crash in between cannot leave the
	// identifier without a live token.
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE verification_tokens SET used_at = now()
			WHERE identifier = $1 AND purpose = $2 AND used_at IS NULL`,
			identifier, purpose)
		if err != nil {
			return fmt.Errorf("identity: supersede tokens: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO verification_tokens (identifier, value_hash, purpose, expires_at)
			VALUES ($1, $2, $3, $4)`,
			identifier, hashToken(value), purpose, expiresAt)
		if err != nil {
			return fmt.Errorf("identity: insert token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Token{Identifier: identifier, Value: value, Purpose: purpose, ExpiresAt: expiresAt}, nil
}

// Check validates a token without burning it.
func (s *PGTokenStore) Check(ctx context.Context, value string, purpose TokenPurpose) (string, error) {
	identifier, _, err := s.lookup(ctx, value, purpose)
	return identifier, err
}

// Consume validates and burns a token. A second consumption attempt reports
// ErrTokenUsed, distinguishable from a secret that was never issued.
func (s *PGTokenStore) Consume(ctx context.Context, value string, purpose TokenPurpose) (string, error) {
	identifier, _, err := s.lookup(ctx, value, purpose)
	if err != nil {
		return "", err
	}
	// The used_at predicate makes the burn atomic; a concurrent consumer
	// loses the race and sees zero rows.
	tag, err := s.pool.Exec(ctx, `
		UPDATE verification_tokens SET used_at = now()
		WHERE value_hash = $1 AND used_at IS NULL`,
		hashToken(value))
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", ErrTokenUsed
	}
	return identifier, nil
}

func (s *PGTokenStore) lookup(ctx context.Context, value string, purpose TokenPurpose) (string, time.Time, error) {
	var (
		identifier string
		expiresAt  time.Time
		usedAt     *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT identifier, expires_at, used_at FROM verification_tokens
		WHERE value_hash = $1 AND purpose = $2`,
		hashToken(value), purpose).Scan(&identifier, &expiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", time.Time{}, ErrTokenNotFound
		}
		return "", time.Time{}, err
	}
	if usedAt != nil {
		return "", time.Time{}, ErrTokenUsed
	}
	if time.Now().After(expiresAt) {
		return "", time.Time{}, ErrTokenExpired
	}
	return identifier, expiresAt, nil
}

// PurgeExpired removes consumed and expired tokens past the retention window.
func (s *PGTokenStore) PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM verification_tokens
		WHERE expires_at < $1 OR (used_at IS NOT NULL AND used_at < $1)`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func hashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

var _ TokenStore = (*PGTokenStore)(nil)
