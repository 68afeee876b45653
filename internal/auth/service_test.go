package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/openshelf/openshelf/internal/identity"
	"github.com/openshelf/openshelf/internal/mail"
	"github.com/openshelf/openshelf/internal/ratelimit"
	"github.com/openshelf/openshelf/internal/session"
)

// ---------------------------------------------------------------------------
// in-memory collaborators

type memUsers struct {
	mu      sync.Mutex
	byID    map[string]*identity.User
	nextID  int
	touches int

	findErr   error
	updateErr error
}

func newMemUsers() *memUsers {
	return &memUsers{byID: make(map[string]*identity.User)}
}

func (m *memUsers) CreateUser(ctx context.Context, in identity.NewUser) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(in.Email))
	for _, u := range m.byID {
		if u.Email == email {
			return nil, identity.ErrDuplicateEmail
		}
		if u.CredentialID == in.CredentialID {
			return nil, identity.ErrDuplicateCredentialID
		}
	}
	m.nextID++
	now := time.Now().UTC()
	user := &identity.User{
		ID:                fmt.Sprintf("user-%d", m.nextID),
		Name:              in.Name,
		Email:             email,
		PasswordHash:      in.PasswordHash,
		CredentialID:      in.CredentialID,
		CredentialCardRef: in.CredentialCardRef,
		Role:              identity.RoleUser,
		Status:            identity.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.byID[user.ID] = user
	copied := *user
	return &copied, nil
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.byID {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memUsers) GetUser(ctx context.Context, id string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, userID, hash string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memUsers) MarkEmailVerified(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.EmailVerified = true
	return nil
}

func (m *memUsers) TouchLastActivity(ctx context.Context, userID string, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return identity.ErrNotFound
	}
	m.touches++
	u.LastActivityDate = day
	return nil
}

func (m *memUsers) ListUsers(ctx context.Context) ([]identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.User
	for _, u := range m.byID {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memUsers) SetStatus(ctx context.Context, userID string, status identity.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.Status = status
	return nil
}

func (m *memUsers) SetRole(ctx context.Context, userID string, role identity.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.Role = role
	return nil
}

func (m *memUsers) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[userID]; !ok {
		return identity.ErrNotFound
	}
	delete(m.byID, userID)
	return nil
}

var _ identity.Store = (*memUsers)(nil)

type memToken struct {
	identifier string
	purpose    identity.TokenPurpose
	expiresAt  time.Time
	used       bool
}

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]*memToken
	seq    int
	now    func() time.Time
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]*memToken), now: time.Now}
}

func (m *memTokens) Issue(ctx context.Context, identifier string, purpose identity.TokenPurpose, ttl time.Duration) (*identity.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.identifier == identifier && tok.purpose == purpose && !tok.used {
			tok.used = true
		}
	}
	m.seq++
	value := fmt.Sprintf("token-%d", m.seq)
	expiresAt := m.now().Add(ttl)
	m.tokens[value] = &memToken{identifier: identifier, purpose: purpose, expiresAt: expiresAt}
	return &identity.Token{Identifier: identifier, Value: value, Purpose: purpose, ExpiresAt: expiresAt}, nil
}

func (m *memTokens) Check(ctx context.Context, value string, purpose identity.TokenPurpose) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, err := m.validate(value, purpose)
	if err != nil {
		return "", err
	}
	return tok.identifier, nil
}

func (m *memTokens) Consume(ctx context.Context, value string, purpose identity.TokenPurpose) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, err := m.validate(value, purpose)
	if err != nil {
		return "", err
	}
	tok.used = true
	return tok.identifier, nil
}

func (m *memTokens) validate(value string, purpose identity.TokenPurpose) (*memToken, error) {
	tok, ok := m.tokens[value]
	if !ok || tok.purpose != purpose {
		return nil, identity.ErrTokenNotFound
	}
	if tok.used {
		return nil, identity.ErrTokenUsed
	}
	if m.now().After(tok.expiresAt) {
		return nil, identity.ErrTokenExpired
	}
	return tok, nil
}

func (m *memTokens) PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

var _ identity.TokenStore = (*memTokens)(nil)

type stubLimiter struct {
	mu    sync.Mutex
	calls int
	deny  bool
	err   error
}

func (l *stubLimiter) Limit(ctx context.Context, key string) (ratelimit.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return ratelimit.Result{}, l.err
	}
	if l.deny {
		return ratelimit.Result{Allowed: false, ResetAt: time.Now().Add(time.Minute)}, nil
	}
	return ratelimit.Result{Allowed: true, Remaining: 1, ResetAt: time.Now().Add(time.Minute)}, nil
}

var _ ratelimit.Limiter = (*stubLimiter)(nil)

type recordMailer struct {
	mu       sync.Mutex
	messages []mail.Message
	err      error
}

func (m *recordMailer) Send(ctx context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *recordMailer) byKind(kind mail.Kind) []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mail.Message
	for _, msg := range m.messages {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

var _ mail.Mailer = (*recordMailer)(nil)

// memSessionStore backs the session manager without PostgreSQL.
type memSessionStore struct {
	mu      sync.Mutex
	byToken map[string]*session.Session

	createErr error
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{byToken: make(map[string]*session.Session)}
}

func (m *memSessionStore) Create(ctx context.Context, sess *session.Session) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *sess
	m.byToken[sess.Token] = &copied
	return nil
}

func (m *memSessionStore) GetByToken(ctx context.Context, token string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byToken[token]
	if !ok {
		return nil, session.ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (m *memSessionStore) Touch(ctx context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.byToken[token]; ok {
		sess.UpdatedAt = at
	}
	return nil
}

func (m *memSessionStore) ListByUser(ctx context.Context, userID string, now time.Time) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, sess := range m.byToken {
		if sess.UserID == userID && sess.ExpiresAt.After(now) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memSessionStore) DeleteByToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byToken[token]; !ok {
		return session.ErrNotFound
	}
	delete(m.byToken, token)
	return nil
}

func (m *memSessionStore) DeleteByID(ctx context.Context, userID, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, sess := range m.byToken {
		if sess.ID == id && sess.UserID == userID {
			delete(m.byToken, token)
			return token, nil
		}
	}
	return "", session.ErrNotFound
}

func (m *memSessionStore) DeleteOthers(ctx context.Context, userID, keepToken string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for token, sess := range m.byToken {
		if sess.UserID == userID && token != keepToken {
			delete(m.byToken, token)
			removed = append(removed, token)
		}
	}
	return removed, nil
}

func (m *memSessionStore) DeleteAllForUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for token, sess := range m.byToken {
		if sess.UserID == userID {
			delete(m.byToken, token)
			removed = append(removed, token)
		}
	}
	return removed, nil
}

func (m *memSessionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

var _ session.Store = (*memSessionStore)(nil)

// ---------------------------------------------------------------------------
// fixture

type fixture struct {
	service  *Service
	users    *memUsers
	tokens   *memTokens
	sessions *memSessionStore
	limiter  *stubLimiter
	mailer   *recordMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := newMemUsers()
	tokens := newMemTokens()
	sessions := newMemSessionStore()
	limiter := &stubLimiter{}
	mailer := &recordMailer{}
	manager := session.NewManager(sessions, nil, session.Config{
		TTL:       168 * time.Hour,
		UpdateAge: 24 * time.Hour,
	}, slog.Default())
	svc, err := NewService(users, tokens, manager, limiter, mailer, Config{
		VerifyTokenTTL: time.Hour,
		ResetTokenTTL:  time.Hour,
		BcryptCost:     bcrypt.MinCost,
		RateWindow:     time.Minute,
		MailTimeout:    time.Second,
		BaseURL:        "http://localhost:8080",
	}, slog.Default())
	require.NoError(t, err)
	return &fixture{service: svc, users: users, tokens: tokens, sessions: sessions, limiter: limiter, mailer: mailer}
}

func anaInput() SignUpInput {
	return SignUpInput{
		Name:              "Ana Torres",
		Email:             "ana@example.com",
		Password:          "correct horse battery",
		CredentialID:      "12345678",
		CredentialCardRef: "uploads/cards/ana.png",
		ClientIP:          "10.0.0.1",
		UserAgent:         "test-agent",
	}
}

func signUpAna(t *testing.T, fx *fixture) *Ticket {
	t.Helper()
	ticket, err := fx.service.SignUp(context.Background(), anaInput())
	require.NoError(t, err)
	return ticket
}

// tokenFromLink pulls the secret out of the link embedded in an email.
func tokenFromLink(t *testing.T, msg mail.Message) string {
	t.Helper()
	parsed, err := url.Parse(msg.Params["link"])
	require.NoError(t, err)
	token := parsed.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

// ---------------------------------------------------------------------------
// sign-up

func TestSignUp(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)

	assert.Equal(t, "Ana Torres", ticket.User.Name)
	assert.Equal(t, "ana@example.com", ticket.User.Email)
	assert.Equal(t, identity.RoleUser, ticket.User.Role)
	assert.Equal(t, identity.StatusPending, ticket.User.Status)
	assert.False(t, ticket.User.EmailVerified)
	require.NotNil(t, ticket.Session, "sign-up opens a session")
	assert.Equal(t, ticket.User.ID, ticket.Session.UserID)

	sent := fx.mailer.byKind(mail.KindVerification)
	require.Len(t, sent, 1)
	assert.Equal(t, "ana@example.com", sent[0].To)
	assert.Contains(t, sent[0].Params["link"], "http://localhost:8080/auth/verify-email?token=")
}

func TestSignUpDuplicateEmail(t *testing.T) {
	fx := newFixture(t)
	signUpAna(t, fx)

	in := anaInput()
	in.CredentialID = "87654321"
	_, err := fx.service.SignUp(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestSignUpDuplicateCredentialID(t *testing.T) {
	fx := newFixture(t)
	signUpAna(t, fx)

	in := anaInput()
	in.Email = "other@example.com"
	_, err := fx.service.SignUp(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicateCredentialID)
}

func TestSignUpSurvivesSessionFailure(t *testing.T) {
	fx := newFixture(t)
	fx.sessions.createErr = errors.New("sessions table unavailable")

	ticket, err := fx.service.SignUp(context.Background(), anaInput())
	require.NoError(t, err, "a failed session issue must not fail sign-up")
	assert.Nil(t, ticket.Session)
	require.NotNil(t, ticket.User)

	// The account is real: signing in works once sessions recover.
	fx.sessions.createErr = nil
	signed, err := fx.service.SignIn(context.Background(), "ana@example.com", "correct horse battery", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.NotNil(t, signed.Session)

	// Verification mail went out regardless.
	assert.Len(t, fx.mailer.byKind(mail.KindVerification), 1)
}

func TestSignUpRateLimited(t *testing.T) {
	fx := newFixture(t)
	fx.limiter.deny = true

	_, err := fx.service.SignUp(context.Background(), anaInput())
	var limited *RateLimited
	require.ErrorAs(t, err, &limited)
	assert.True(t, limited.ResetAt.After(time.Now()))

	// Rejected before any store access.
	assert.Empty(t, fx.users.byID)
	assert.Empty(t, fx.mailer.messages)
}

func TestRateLimiterOutageFailsClosed(t *testing.T) {
	fx := newFixture(t)
	fx.limiter.err = errors.New("redis: connection refused")

	_, err := fx.service.SignIn(context.Background(), "ana@example.com", "whatever-password", "10.0.0.1", "test-agent")
	var limited *RateLimited
	require.ErrorAs(t, err, &limited)
	assert.WithinDuration(t, time.Now().Add(time.Minute), limited.ResetAt, 5*time.Second)
}

// ---------------------------------------------------------------------------
// sign-in

func TestSignIn(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)

	signed, err := fx.service.SignIn(context.Background(), "ana@example.com", "correct horse battery", "10.0.0.2", "other-agent")
	require.NoError(t, err)
	assert.Equal(t, ticket.User.ID, signed.User.ID)
	require.NotNil(t, signed.Session)
	assert.NotEqual(t, ticket.Session.Token, signed.Session.Token)
	assert.Equal(t, "10.0.0.2", signed.Session.IPAddress)
	assert.Equal(t, 1, fx.users.touches)

	// Both devices are live concurrently.
	sessions, err := fx.service.ListSessions(context.Background(), ticket.User.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestSignInWrongPassword(t *testing.T) {
	fx := newFixture(t)
	signUpAna(t, fx)

	_, err := fx.service.SignIn(context.Background(), "ana@example.com", "not her password", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignInUnknownEmail(t *testing.T) {
	fx := newFixture(t)
	signUpAna(t, fx)

	// Indistinguishable from a wrong password.
	_, err := fx.service.SignIn(context.Background(), "nobody@example.com", "correct horse battery", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// ---------------------------------------------------------------------------
// sessions

func TestSignOut(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)

	require.NoError(t, fx.service.SignOut(context.Background(), ticket.Session.Token))
	_, err := fx.service.GetSession(context.Background(), ticket.Session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Revocation is terminal; a second sign-out finds nothing.
	err = fx.service.SignOut(context.Background(), ticket.Session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRevokeSessionByID(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)
	other, err := fx.service.SignIn(context.Background(), "ana@example.com", "correct horse battery", "10.0.0.2", "phone")
	require.NoError(t, err)

	require.NoError(t, fx.service.RevokeSession(context.Background(), ticket.User.ID, other.Session.ID))
	_, err = fx.service.GetSession(context.Background(), other.Session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The remaining session is untouched.
	_, err = fx.service.GetSession(context.Background(), ticket.Session.Token)
	assert.NoError(t, err)

	// A session id belonging to someone else is not found.
	err = fx.service.RevokeSession(context.Background(), "another-user", ticket.Session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// ---------------------------------------------------------------------------
// change password

func TestChangePasswordWrongCurrent(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)

	err := fx.service.ChangePassword(context.Background(), ticket.User.ID, ticket.Session.Token, "wrong current", "a new password", false)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)
	other, err := fx.service.SignIn(context.Background(), "ana@example.com", "correct horse battery", "10.0.0.2", "phone")
	require.NoError(t, err)

	err = fx.service.ChangePassword(context.Background(), ticket.User.ID, ticket.Session.Token, "correct horse battery", "a new password", true)
	require.NoError(t, err)

	// The current session survives, the other one is gone.
	_, err = fx.service.GetSession(context.Background(), ticket.Session.Token)
	assert.NoError(t, err)
	_, err = fx.service.GetSession(context.Background(), other.Session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Old password is dead, the new one works.
	_, err = fx.service.SignIn(context.Background(), "ana@example.com", "correct horse battery", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = fx.service.SignIn(context.Background(), "ana@example.com", "a new password", "10.0.0.1", "test-agent")
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// email verification

func TestVerifyEmail(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)
	token := tokenFromLink(t, fx.mailer.byKind(mail.KindVerification)[0])

	require.NoError(t, fx.service.VerifyEmail(context.Background(), token))

	user, err := fx.service.GetUser(context.Background(), ticket.User.ID)
	require.NoError(t, err)
	assert.True(t, user.EmailVerified)
	assert.Len(t, fx.mailer.byKind(mail.KindWelcome), 1)

	// Single use.
	err = fx.service.VerifyEmail(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
}

func TestVerifyEmailBogusToken(t *testing.T) {
	fx := newFixture(t)
	signUpAna(t, fx)

	err := fx.service.VerifyEmail(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyEmailExpiredToken(t *testing.T) {
	fx := newFixture(t)
	signUpAna(t, fx)
	token := tokenFromLink(t, fx.mailer.byKind(mail.KindVerification)[0])

	fx.tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	err := fx.service.VerifyEmail(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSendVerificationEmailSupersedes(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)
	first := tokenFromLink(t, fx.mailer.byKind(mail.KindVerification)[0])

	require.NoError(t, fx.service.SendVerificationEmail(context.Background(), ticket.User.ID))
	sent := fx.mailer.byKind(mail.KindVerification)
	require.Len(t, sent, 2)
	second := tokenFromLink(t, sent[1])

	// Re-requesting invalidates the earlier email's token.
	err := fx.service.VerifyEmail(context.Background(), first)
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.NoError(t, fx.service.VerifyEmail(context.Background(), second))
}

func TestSendVerificationEmailNoopWhenVerified(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)
	token := tokenFromLink(t, fx.mailer.byKind(mail.KindVerification)[0])
	require.NoError(t, fx.service.VerifyEmail(context.Background(), token))

	require.NoError(t, fx.service.SendVerificationEmail(context.Background(), ticket.User.ID))
	assert.Len(t, fx.mailer.byKind(mail.KindVerification), 1)
}

// ---------------------------------------------------------------------------
// password reset

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	fx := newFixture(t)
	signUpAna(t, fx)

	// Silent success: the endpoint must not reveal whether an account exists.
	err := fx.service.RequestPasswordReset(context.Background(), "nobody@example.com", "10.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, fx.mailer.byKind(mail.KindPasswordReset))
}

func TestResetPassword(t *testing.T) {
	fx := newFixture(t)
	ticket := signUpAna(t, fx)

	require.NoError(t, fx.service.RequestPasswordReset(context.Background(), "ana@example.com", "10.0.0.1"))
	sent := fx.mailer.byKind(mail.KindPasswordReset)
	require.Len(t, sent, 1)
	token := tokenFromLink(t, sent[0])

	require.NoError(t, fx.service.ResetPassword(context.Background(), token, "a brand new password"))

	// Every session for the account is revoked.
	_, err := fx.service.GetSession(context.Background(), ticket.Session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = fx.service.SignIn(context.Background(), "ana@example.com", "correct horse battery", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = fx.service.SignIn(context.Background(), "ana@example.com", "a brand new password", "10.0.0.1", "test-agent")
	assert.NoError(t, err)

	// The reset token is single use.
	err = fx.service.ResetPassword(context.Background(), token, "yet another password")
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
}

func TestResetPasswordKeepsTokenOnBackendFailure(t *testing.T) {
	fx := newFixture(t)
	signUpAna(t, fx)

	require.NoError(t, fx.service.RequestPasswordReset(context.Background(), "ana@example.com", "10.0.0.1"))
	token := tokenFromLink(t, fx.mailer.byKind(mail.KindPasswordReset)[0])

	// The password write fails; the token must not be burned by the attempt.
	fx.users.updateErr = errors.New("pg: connection refused")
	err := fx.service.ResetPassword(context.Background(), token, "a brand new password")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenAlreadyUsed)

	// Old password still works in the meantime.
	_, err = fx.service.SignIn(context.Background(), "ana@example.com", "correct horse battery", "10.0.0.1", "test-agent")
	require.NoError(t, err)

	// Once the backend recovers the same token completes the flow.
	fx.users.updateErr = nil
	require.NoError(t, fx.service.ResetPassword(context.Background(), token, "a brand new password"))
	_, err = fx.service.SignIn(context.Background(), "ana@example.com", "a brand new password", "10.0.0.1", "test-agent")
	assert.NoError(t, err)
}
