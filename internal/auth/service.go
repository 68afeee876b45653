// Package auth coordinates sign-up, sign-in, password and email-verification
// flows across the credential store, the session manager, the rate limiter,
// and the email dispatcher. It translates store-level outcomes into the
// stable error taxonomy handlers render to callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openshelf/openshelf/internal/identity"
	"github.com/openshelf/openshelf/internal/mail"
	"github.com/openshelf/openshelf/internal/ratelimit"
	"github.com/openshelf/openshelf/internal/session"
)

// Config holds flow policy for the orchestrator.
type Config struct {
	// VerifyTokenTTL bounds email-verification token validity.
	VerifyTokenTTL time.Duration
	// ResetTokenTTL bounds password-reset token validity.
	ResetTokenTTL time.Duration
	// BcryptCost is the password hashing work factor.
	BcryptCost int
	// RateWindow is used to estimate a retry time when the limiter backend
	// is unavailable and the service fails closed.
	RateWindow time.Duration
	// MailTimeout bounds the fire-and-forget email enqueue.
	MailTimeout time.Duration
	// BaseURL is the public origin used to build links in emails.
	BaseURL string
}

// Service orchestrates the authentication flows. All collaborators are
// injected; the service holds no ambient state.
type Service struct {
	users     identity.Store
	tokens    identity.TokenStore
	sessions  *session.Manager
	limiter   ratelimit.Limiter
	mailer    mail.Mailer
	cfg       Config
	logger    *slog.Logger
	dummyHash []byte
}

// NewService constructs the orchestrator. The dummy hash is computed at the
// configured cost so a sign-in against an unknown email burns the same work
// as a real password comparison.
func NewService(users identity.Store, tokens identity.TokenStore, sessions *session.Manager, limiter ratelimit.Limiter, mailer mail.Mailer, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("openshelf-timing-pad"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: dummy hash: %w", err)
	}
	return &Service{
		users:     users,
		tokens:    tokens,
		sessions:  sessions,
		limiter:   limiter,
		mailer:    mailer,
		cfg:       cfg,
		logger:    logger,
		dummyHash: dummy,
	}, nil
}

// SignUpInput carries validated sign-up fields.
type SignUpInput struct {
	Name              string
	Email             string
	Password          string
	CredentialID      string
	CredentialCardRef string
	ClientIP          string
	UserAgent         string
}

// Ticket is the outcome of a successful sign-up or sign-in. Session may be
// nil after sign-up when session issuance failed; the account is still
// usable and the caller should direct the user to sign in.
type Ticket struct {
	User    *identity.User
	Session *session.Session
}

// SignUp registers a new account, opens a session, and sends the
// verification email. The rate check runs before any store access.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*Ticket, error) {
	if err := s.checkRate(ctx, "signup:"+in.ClientIP); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	user, err := s.users.CreateUser(ctx, identity.NewUser{
		Name:              strings.TrimSpace(in.Name),
		Email:             in.Email,
		PasswordHash:      string(hash),
		CredentialID:      in.CredentialID,
		CredentialCardRef: in.CredentialCardRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrDuplicateEmail):
			return nil, ErrDuplicateEmail
		case errors.Is(err, identity.ErrDuplicateCredentialID):
			return nil, ErrDuplicateCredentialID
		}
		return nil, fmt.Errorf("auth: create user: %w", err)
	}

	ticket := &Ticket{User: user}
	sess, err := s.sessions.Create(ctx, user.ID, in.ClientIP, in.UserAgent)
	if err != nil {
		// The account exists; a failed session issue must not fail sign-up.
		s.logger.Warn("signup session create", slog.String("user", user.ID), slog.Any("error", err))
	} else {
		ticket.Session = sess
	}

	s.dispatchVerification(ctx, user)
	return ticket, nil
}

// SignIn authenticates email/password and opens a session. Unknown email and
// wrong password are indistinguishable to the caller, in error kind and in
// hashing cost.
func (s *Service) SignIn(ctx context.Context, email, password, clientIP, userAgent string) (*Ticket, error) {
	if err := s.checkRate(ctx, "signin:"+clientIP); err != nil {
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			// Burn a comparison so the miss costs the same as a mismatch.
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: lookup: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	sess, err := s.sessions.Create(ctx, user.ID, clientIP, userAgent)
	if err != nil {
		return nil, fmt.Errorf("auth: create session: %w", err)
	}
	if err := s.users.TouchLastActivity(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("touch last activity", slog.String("user", user.ID), slog.Any("error", err))
	}
	return &Ticket{User: user, Session: sess}, nil
}

// SignOut revokes the caller's session.
func (s *Service) SignOut(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("auth: sign out: %w", err)
	}
	return nil
}

// ChangePassword re-verifies the current password before accepting the new
// one. With revokeOthers set, every other session is revoked only after the
// password update succeeded; a failure there is reported but the revocation
// can simply be retried.
func (s *Service) ChangePassword(ctx context.Context, userID, currentToken, currentPassword, newPassword string, revokeOthers bool) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("auth: load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("auth: update password: %w", err)
	}
	if revokeOthers {
		if err := s.sessions.RevokeOthers(ctx, userID, currentToken); err != nil {
			return fmt.Errorf("auth: revoke other sessions: %w", err)
		}
	}
	return nil
}

// ListSessions returns the user's active sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	return s.sessions.List(ctx, userID)
}

// RevokeSession terminates one of the user's sessions by id.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) error {
	if err := s.sessions.RevokeByID(ctx, userID, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("auth: revoke session: %w", err)
	}
	return nil
}

// VerifyEmail consumes a verification token and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	email, err := s.tokens.Consume(ctx, token, identity.PurposeEmailVerify)
	if err != nil {
		return translateTokenErr(err)
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			// Account removed between issue and consume.
			return ErrTokenInvalid
		}
		return fmt.Errorf("auth: verify lookup: %w", err)
	}
	if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
		return fmt.Errorf("auth: mark verified: %w", err)
	}
	s.dispatch(ctx, mail.Message{
		To:     user.Email,
		Kind:   mail.KindWelcome,
		Params: map[string]string{"name": user.Name},
	})
	return nil
}

// SendVerificationEmail re-issues a verification token and dispatches the
// email. Verified accounts are a no-op.
func (s *Service) SendVerificationEmail(ctx context.Context, userID string) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("auth: load user: %w", err)
	}
	if user.EmailVerified {
		return nil
	}
	s.dispatchVerification(ctx, user)
	return nil
}

// RequestPasswordReset issues a reset token for the account, if one exists.
// An unknown email is deliberately a silent success so the endpoint cannot be
// used to enumerate accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email, clientIP string) error {
	if err := s.checkRate(ctx, "reset:"+clientIP); err != nil {
		return err
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("auth: reset lookup: %w", err)
	}
	token, err := s.tokens.Issue(ctx, user.Email, identity.PurposePasswordReset, s.cfg.ResetTokenTTL)
	if err != nil {
		return fmt.Errorf("auth: issue reset token: %w", err)
	}
	s.dispatch(ctx, mail.Message{
		To:   user.Email,
		Kind: mail.KindPasswordReset,
		Params: map[string]string{
			"name": user.Name,
			"link": s.link("/auth/reset-password", token.Value),
		},
	})
	return nil
}

// ResetPassword validates a reset token, replaces the password, and revokes
// every session for the account. The token is burned only after the password
// update succeeded, so a backend failure mid-flow leaves it usable for a
// retry instead of stranding the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	email, err := s.tokens.Check(ctx, token, identity.PurposePasswordReset)
	if err != nil {
		return translateTokenErr(err)
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("auth: reset lookup: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, user.ID, string(hash)); err != nil {
		return fmt.Errorf("auth: update password: %w", err)
	}
	if _, err := s.tokens.Consume(ctx, token, identity.PurposePasswordReset); err != nil {
		return translateTokenErr(err)
	}
	if err := s.sessions.RevokeAll(ctx, user.ID); err != nil {
		return fmt.Errorf("auth: revoke sessions: %w", err)
	}
	return nil
}

// RenewActivity records request activity on the session and the user's daily
// activity date. Both writes are deduplicated and best-effort.
func (s *Service) RenewActivity(ctx context.Context, sess *session.Session) {
	if err := s.sessions.Renew(ctx, sess); err != nil {
		s.logger.Warn("session renew", slog.Any("error", err))
	}
	if err := s.users.TouchLastActivity(ctx, sess.UserID, time.Now().UTC()); err != nil {
		s.logger.Warn("touch last activity", slog.Any("error", err))
	}
}

// GetSession resolves a bearer token.
func (s *Service) GetSession(ctx context.Context, token string) (*session.Session, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("auth: get session: %w", err)
	}
	return sess, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: load user: %w", err)
	}
	return user, nil
}

// checkRate consults the limiter before a flow touches the stores. On a
// limiter backend failure the service fails closed: sign-in and sign-up are
// the brute-force surface, so an outage denies rather than permits.
func (s *Service) checkRate(ctx context.Context, key string) error {
	res, err := s.limiter.Limit(ctx, key)
	if err != nil {
		s.logger.Error("rate limiter unavailable, failing closed", slog.String("key", key), slog.Any("error", err))
		return &RateLimited{ResetAt: time.Now().Add(s.cfg.RateWindow)}
	}
	if !res.Allowed {
		return &RateLimited{ResetAt: res.ResetAt}
	}
	return nil
}

func (s *Service) dispatchVerification(ctx context.Context, user *identity.User) {
	token, err := s.tokens.Issue(ctx, user.Email, identity.PurposeEmailVerify, s.cfg.VerifyTokenTTL)
	if err != nil {
		s.logger.Warn("issue verification token", slog.String("user", user.ID), slog.Any("error", err))
		return
	}
	s.dispatch(ctx, mail.Message{
		To:   user.Email,
		Kind: mail.KindVerification,
		Params: map[string]string{
			"name": user.Name,
			"link": s.link("/auth/verify-email", token.Value),
		},
	})
}

// dispatch hands the message to the mailer with a bounded timeout, detached
// from the request's cancellation. Failures are logged, never propagated.
func (s *Service) dispatch(ctx context.Context, msg mail.Message) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MailTimeout)
	defer cancel()
	if err := s.mailer.Send(sendCtx, msg); err != nil {
		s.logger.Warn("email dispatch", slog.String("kind", string(msg.Kind)), slog.Any("error", err))
	}
}

func (s *Service) link(path, token string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + path + "?token=" + url.QueryEscape(token)
}

func translateTokenErr(err error) error {
	switch {
	case errors.Is(err, identity.ErrTokenNotFound):
		return ErrTokenInvalid
	case errors.Is(err, identity.ErrTokenUsed):
		return ErrTokenAlreadyUsed
	case errors.Is(err, identity.ErrTokenExpired):
		return ErrTokenExpired
	}
	return fmt.Errorf("auth: consume token: %w", err)
}
