package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store defines session persistence. Delete operations return the tokens of
// the removed rows so the read cache can be invalidated.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	Touch(ctx context.Context, token string, at time.Time) error
	ListByUser(ctx context.Context, userID string, now time.Time) ([]Session, error)
	DeleteByToken(ctx context.Context, token string) error
	DeleteByID(ctx context.Context, userID, id string) (string, error)
	DeleteOthers(ctx context.Context, userID, keepToken string) ([]string, error)
	DeleteAllForUser(ctx context.Context, userID string) ([]string, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL session store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const sessionColumns = `id, user_id, token, created_at, updated_at, expires_at, ip_address, user_agent`

// Create persists a new session row.
func (s *PGStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token, created_at, updated_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.UserID, sess.Token, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt, sess.IPAddress, sess.UserAgent)
	return err
}

// GetByToken fetches a session by its bearer token.
func (s *PGStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token = $1`, token).Scan(
		&sess.ID, &sess.UserID, &sess.Token, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// Touch records recent activity on the session.
func (s *PGStore) Touch(ctx context.Context, token string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET updated_at = $2 WHERE token = $1`, token, at)
	return err
}

// ListByUser returns the user's unexpired sessions, most recent first.
func (s *PGStore) ListByUser(ctx context.Context, userID string, now time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY updated_at DESC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.ID, &sess.UserID, &sess.Token, &sess.CreatedAt, &sess.UpdatedAt,
			&sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteByToken removes one session.
func (s *PGStore) DeleteByToken(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByID removes a session by id, scoped to the owning user so one user
// cannot revoke another's session.
func (s *PGStore) DeleteByID(ctx context.Context, userID, id string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM sessions WHERE id = $1 AND user_id = $2 RETURNING token`,
		id, userID).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return token, nil
}

// DeleteOthers removes every session for the user except the given token in a
// single statement, so a crash cannot leave a partial revocation.
func (s *PGStore) DeleteOthers(ctx context.Context, userID, keepToken string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND token <> $2 RETURNING token`,
		userID, keepToken)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTokens(rows)
}

// DeleteAllForUser removes every session for the user.
func (s *PGStore) DeleteAllForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM sessions WHERE user_id = $1 RETURNING token`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTokens(rows)
}

// PurgeExpired reclaims rows past their expiry.
func (s *PGStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectTokens(rows pgx.Rows) ([]string, error) {
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

var _ Store = (*PGStore)(nil)
