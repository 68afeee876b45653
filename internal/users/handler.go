package users

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openshelf/openshelf/internal/auth"
	"github.com/openshelf/openshelf/internal/identity"
	"github.com/openshelf/openshelf/internal/platform/httpx"
)

// Handler manages the admin user-management endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers user-management routes. The caller wraps them in
// RequireSession; admin gating happens here.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Get("/", h.listUsers)
		r.Patch("/{userID}/status", h.setStatus)
		r.Patch("/{userID}/role", h.setRole)
		r.Delete("/{userID}", h.deleteUser)
	})
}

type userRow struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	EmailVerified    bool      `json:"emailVerified"`
	CredentialID     string    `json:"credentialId"`
	Role             string    `json:"role"`
	Status           string    `json:"status"`
	LastActivityDate time.Time `json:"lastActivityDate"`
	CreatedAt        time.Time `json:"createdAt"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING APPROVED REJECTED"`
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=USER ADMIN"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users", slog.Any("error", err))
		auth.RespondError(w, r, err)
		return
	}
	rows := make([]userRow, len(users))
	for i, user := range users {
		rows[i] = userRow{
			ID:               user.ID,
			Name:             user.Name,
			Email:            user.Email,
			EmailVerified:    user.EmailVerified,
			CredentialID:     user.CredentialID,
			Role:             string(user.Role),
			Status:           string(user.Status),
			LastActivityDate: user.LastActivityDate,
			CreatedAt:        user.CreatedAt,
		}
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decode(r, &req); err != nil {
		auth.RespondError(w, r, err)
		return
	}
	err := h.service.SetStatus(r.Context(), chi.URLParam(r, "userID"), identity.Status(req.Status))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := h.decode(r, &req); err != nil {
		auth.RespondError(w, r, err)
		return
	}
	err := h.service.SetRole(r.Context(), chi.URLParam(r, "userID"), identity.Role(req.Role))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, identity.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "user not found")
		return
	}
	h.logger.Error("user management", slog.Any("error", err))
	auth.RespondError(w, r, err)
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return &auth.ValidationError{Field: "body", Reason: "malformed JSON body"}
	}
	if err := h.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &auth.ValidationError{Field: fe.Field(), Reason: "failed on rule " + fe.Tag()}
		}
		return &auth.ValidationError{Field: "body", Reason: "invalid input"}
	}
	return nil
}
