package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openshelf/openshelf/internal/identity"
	"github.com/openshelf/openshelf/internal/observability"
	"github.com/openshelf/openshelf/internal/platform/httpx"
	"github.com/openshelf/openshelf/internal/session"
)

// Handler wires the HTTP endpoints for the authentication flows. Sessions are
// bearer tokens in the Authorization header; there is no cookie state.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  *observability.Metrics
	validate *validator.Validate
}

// NewHandler constructs a Handler instance. Metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	v := validator.New()
	// Report errors under the json field name the client actually sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, service: service, metrics: metrics, validate: v}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sign-up", h.handleSignUp)
	r.Post("/sign-in", h.handleSignIn)
	r.Post("/verify-email", h.handleVerifyEmail)
	r.Post("/forgot-password", h.handleForgotPassword)
	r.Post("/reset-password", h.handleResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(h.service.RequireSession)
		r.Get("/me", h.handleMe)
		r.Post("/sign-out", h.handleSignOut)
		r.Post("/change-password", h.handleChangePassword)
		r.Post("/send-verification", h.handleSendVerification)
		r.Get("/sessions", h.handleListSessions)
		r.Delete("/sessions/{sessionID}", h.handleRevokeSession)
	})
}

type signUpRequest struct {
	Name              string `json:"name" validate:"required,min=3,max=255"`
	Email             string `json:"email" validate:"required,email"`
	Password          string `json:"password" validate:"required,min=8"`
	CredentialID      string `json:"credentialId" validate:"required,numeric,min=8,max=15"`
	CredentialCardRef string `json:"credentialCardRef" validate:"required"`
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8"`
	SignOutDevices  bool   `json:"signOutDevices"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8"`
}

type userPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	Role          string `json:"role"`
	Status        string `json:"status"`
}

type ticketPayload struct {
	Token     string      `json:"token,omitempty"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
	User      userPayload `json:"user"`
}

type sessionPayload struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	Current   bool      `json:"current"`
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	ticket, err := h.service.SignUp(r.Context(), SignUpInput{
		Name:              req.Name,
		Email:             req.Email,
		Password:          req.Password,
		CredentialID:      req.CredentialID,
		CredentialCardRef: req.CredentialCardRef,
		ClientIP:          clientIP(r),
		UserAgent:         r.UserAgent(),
	})
	if err != nil {
		h.metrics.RecordAuthAttempt("signup", outcomeFor(err))
		h.respondError(w, r, err)
		return
	}
	h.metrics.RecordAuthAttempt("signup", observability.OutcomeSuccess)
	httpx.JSON(w, http.StatusCreated, toTicketPayload(ticket))
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	ticket, err := h.service.SignIn(r.Context(), req.Email, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		h.metrics.RecordAuthAttempt("signin", outcomeFor(err))
		h.respondError(w, r, err)
		return
	}
	h.metrics.RecordAuthAttempt("signin", observability.OutcomeSuccess)
	httpx.JSON(w, http.StatusOK, toTicketPayload(ticket))
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context(), BearerToken(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, toUserPayload(user))
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	user := UserFromContext(r.Context())
	err := h.service.ChangePassword(r.Context(), user.ID, BearerToken(r), req.CurrentPassword, req.NewPassword, req.SignOutDevices)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSendVerification(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if err := h.service.SendVerificationEmail(r.Context(), user.ID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.service.VerifyEmail(r.Context(), req.Token); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.service.RequestPasswordReset(r.Context(), req.Email, clientIP(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	// Always 202: the response must not reveal whether the account exists.
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	current := SessionFromContext(r.Context())
	sessions, err := h.service.ListSessions(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	payload := make([]sessionPayload, len(sessions))
	for i, sess := range sessions {
		payload[i] = toSessionPayload(&sess, current)
	}
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.service.RevokeSession(r.Context(), user.ID, sessionID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondError renders err to the client. Errors outside the taxonomy carry
// backend detail the response deliberately drops, so they are logged here.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if !expected(err) {
		h.logger.Error("auth request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	RespondError(w, r, err)
}

// decode parses and validates a JSON request body, translating the first
// validator failure into a field-addressable error.
func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return &ValidationError{Field: "body", Reason: "malformed JSON body"}
	}
	if err := h.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Reason: "failed on rule " + fe.Tag()}
		}
		return &ValidationError{Field: "body", Reason: "invalid input"}
	}
	return nil
}

func toTicketPayload(ticket *Ticket) ticketPayload {
	payload := ticketPayload{User: toUserPayload(ticket.User)}
	if ticket.Session != nil {
		payload.Token = ticket.Session.Token
		expiresAt := ticket.Session.ExpiresAt
		payload.ExpiresAt = &expiresAt
	}
	return payload
}

func toUserPayload(user *identity.User) userPayload {
	return userPayload{
		ID:            user.ID,
		Name:          user.Name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Role:          string(user.Role),
		Status:        string(user.Status),
	}
}

func toSessionPayload(sess *session.Session, current *session.Session) sessionPayload {
	return sessionPayload{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		ExpiresAt: sess.ExpiresAt,
		IPAddress: sess.IPAddress,
		UserAgent: sess.UserAgent,
		Current:   current != nil && sess.ID == current.ID,
	}
}

func outcomeFor(err error) string {
	var limited *RateLimited
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return observability.OutcomeInvalid
	case errors.Is(err, ErrDuplicateEmail), errors.Is(err, ErrDuplicateCredentialID):
		return observability.OutcomeDuplicate
	case errors.As(err, &limited):
		return observability.OutcomeRateLimited
	}
	return observability.OutcomeError
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
