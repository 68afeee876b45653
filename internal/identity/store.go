package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store-level sentinels. The auth service translates these into its
// caller-facing taxonomy.
var (
	// ErrNotFound indicates no user matched the lookup.
	ErrNotFound = errors.New("identity: user not found")
	// ErrDuplicateEmail indicates the email unique constraint fired.
	ErrDuplicateEmail = errors.New("identity: duplicate email")
	// ErrDuplicateCredentialID indicates the credential id unique constraint fired.
	ErrDuplicateCredentialID = errors.New("identity: duplicate credential id")
)

// NewUser carries the fields required to create an account.
type NewUser struct {
	Name              string
	Email             string
	PasswordHash      string
	CredentialID      string
	CredentialCardRef string
}

// Store defines persistence for user accounts.
type Store interface {
	CreateUser(ctx context.Context, in NewUser) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	UpdatePassword(ctx context.Context, userID, hash string) error
	MarkEmailVerified(ctx context.Context, userID string) error
	TouchLastActivity(ctx context.Context, userID string, day time.Time) error
	ListUsers(ctx context.Context) ([]User, error)
	SetStatus(ctx context.Context, userID string, status Status) error
	SetRole(ctx context.Context, userID string, role Role) error
	DeleteUser(ctx context.Context, userID string) error
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL user store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const userColumns = `id, name, email, email_verified, password_hash, credential_id, credential_card_ref, role, status, last_activity_date, created_at, updated_at`

// CreateUser inserts a new account. Uniqueness is enforced by the database
// constraints, not by a pre-check, so concurrent sign-ups with the same email
// cannot race past each other.
func (s *PGStore) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	user := &User{
		ID:                uuid.NewString(),
		Name:              in.Name,
		Email:             strings.ToLower(strings.TrimSpace(in.Email)),
		PasswordHash:      in.PasswordHash,
		CredentialID:      in.CredentialID,
		CredentialCardRef: in.CredentialCardRef,
		Role:              RoleUser,
		Status:            StatusPending,
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password_hash, credential_id, credential_card_ref, role, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING last_activity_date, created_at, updated_at`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.CredentialID, user.CredentialCardRef, user.Role, user.Status)
	if err := row.Scan(&user.LastActivityDate, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, mapUniqueViolation(err)
	}
	return user, nil
}

// FindByEmail fetches a user by email, case-insensitively.
func (s *PGStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email))))
}

// GetUser fetches a user by id.
func (s *PGStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// UpdatePassword replaces the stored password hash.
func (s *PGStore) UpdatePassword(ctx context.Context, userID, hash string) error {
	return s.execOne(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		userID, hash)
}

// MarkEmailVerified flips the email_verified flag.
func (s *PGStore) MarkEmailVerified(ctx context.Context, userID string) error {
	return s.execOne(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = now() WHERE id = $1`,
		userID)
}

// TouchLastActivity records activity at date granularity. The predicate makes
// repeated calls within the same day a no-op, so hot request paths do not
// issue redundant writes.
func (s *PGStore) TouchLastActivity(ctx context.Context, userID string, day time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET last_activity_date = $2
		WHERE id = $1 AND last_activity_date IS DISTINCT FROM $2`,
		userID, day.Format("2006-01-02"))
	return err
}

// ListUsers returns all accounts ordered by creation time, newest first.
func (s *PGStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// SetStatus updates the membership review status.
func (s *PGStore) SetStatus(ctx context.Context, userID string, status Status) error {
	return s.execOne(ctx,
		`UPDATE users SET status = $2, updated_at = now() WHERE id = $1`,
		userID, status)
}

// SetRole updates the account role.
func (s *PGStore) SetRole(ctx context.Context, userID string, role Role) error {
	return s.execOne(ctx,
		`UPDATE users SET role = $2, updated_at = now() WHERE id = $1`,
		userID, role)
}

// DeleteUser removes the account. Sessions cascade via the foreign key.
func (s *PGStore) DeleteUser(ctx context.Context, userID string) error {
	return s.execOne(ctx, `DELETE FROM users WHERE id = $1`, userID)
}

func (s *PGStore) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PGStore) scanUser(row rowScanner) (*User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.Name, &user.Email, &user.EmailVerified,
		&user.PasswordHash, &user.CredentialID, &user.CredentialCardRef,
		&user.Role, &user.Status, &user.LastActivityDate,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// mapUniqueViolation distinguishes which unique constraint fired on insert so
// the caller can report a field-level error instead of a generic failure.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "users_email_key":
			return ErrDuplicateEmail
		case "users_credential_id_key":
			return ErrDuplicateCredentialID
		}
	}
	return err
}

var _ Store = (*PGStore)(nil)
