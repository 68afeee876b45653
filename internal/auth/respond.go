package auth

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/openshelf/openshelf/internal/platform/httpx"
)

// RespondError maps the error taxonomy onto RFC7807 problem responses.
// Unrecognized errors render as a generic localized message; internal detail
// never reaches the client.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	p := httpx.Printer(r)

	var validation *ValidationError
	var limited *RateLimited
	switch {
	case errors.As(err, &validation):
		httpx.JSON(w, http.StatusBadRequest, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: validation.Reason,
			Field:  validation.Field,
		})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(limited.ResetAt).Seconds())+1, 10))
		resetAt := limited.ResetAt
		httpx.JSON(w, http.StatusTooManyRequests, httpx.ProblemDetail{
			Title:   "Too Many Requests",
			Status:  http.StatusTooManyRequests,
			Detail:  p.Sprintf(httpx.MsgTooManyAttempts),
			ResetAt: &resetAt,
		})
	case errors.Is(err, ErrInvalidCredentials):
		httpx.JSON(w, http.StatusUnauthorized, httpx.ProblemDetail{
			Title:  "Invalid Credentials",
			Status: http.StatusUnauthorized,
			Detail: p.Sprintf(httpx.MsgInvalidCredentials),
		})
	case errors.Is(err, ErrDuplicateEmail):
		httpx.JSON(w, http.StatusConflict, httpx.ProblemDetail{
			Title:  "Duplicate",
			Status: http.StatusConflict,
			Detail: "email already registered",
			Field:  "email",
		})
	case errors.Is(err, ErrDuplicateCredentialID):
		httpx.JSON(w, http.StatusConflict, httpx.ProblemDetail{
			Title:  "Duplicate",
			Status: http.StatusConflict,
			Detail: "credential id already registered",
			Field:  "credentialId",
		})
	case errors.Is(err, ErrSessionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Session Not Found", "session not found")
	case errors.Is(err, ErrTokenInvalid):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Token", "token invalid")
	case errors.Is(err, ErrTokenExpired):
		httpx.Problem(w, http.StatusGone, "Token Expired", "token expired")
	case errors.Is(err, ErrTokenAlreadyUsed):
		httpx.Problem(w, http.StatusConflict, "Token Already Used", "token already used")
	case errors.Is(err, ErrUnauthorized):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "forbidden")
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", p.Sprintf(httpx.MsgUnexpected))
	}
}
