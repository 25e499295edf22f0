package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
)

const maxBodyBytes = 1 << 20

// Page names served under /static by the frontend.
const (
	PageVerified        = "email-verification-success.html"
	PageAlreadyVerified = "email-verification-already-verified.html"
	PageVerifyFailed    = "email-verification-failure.html"
	PageFailure         = "failure.html"
)

// Handler exposes the auth use cases over HTTP.
type Handler struct {
	svc     *Service
	logger  *zap.SugaredLogger
	pageURL func(name string) string
	ips     *IPResolver
}

// NewHandler builds a handler. pageURL maps a static page name to the
// absolute URL the verify-email endpoint redirects to. A nil ips trusts no
// proxy and uses the peer address.
func NewHandler(svc *Service, logger *zap.SugaredLogger, pageURL func(name string) string, ips *IPResolver) *Handler {
	return &Handler{svc: svc, logger: logger, pageURL: pageURL, ips: ips}
}

type registerRequest struct {
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName *string `json:"full_name"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type unlockRequest struct {
	Identifier string `json:"identifier"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// SessionRevoked reports the outcome of DELETE /auth/sessions/{id}.
type SessionRevoked struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.svc.Register(r.Context(), RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	}, h.clientMeta(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

// Login accepts an OAuth2 password form or the same fields as JSON.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if isJSON(r) {
		if !h.decode(w, r, &req) {
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody("invalid payload"))
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	}
	if req.Username == "" || req.Password == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody("username and password are required"))
		return
	}
	pair, err := h.svc.Login(r.Context(), req.Username, req.Password, h.clientMeta(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken, h.clientMeta(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully logged out"})
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	u := MustUser(r.Context())
	if _, err := h.svc.LogoutAll(r.Context(), u.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out from all devices"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, MustUser(r.Context()).Public())
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListSessions(r.Context(), MustUser(r.Context()).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid session id"))
		return
	}
	res, err := h.svc.RevokeSession(r.Context(), MustUser(r.Context()).ID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res == session.AlreadyRevoked {
		h.writeJSON(w, http.StatusOK, SessionRevoked{Success: false, Message: "auth.session.revoke.is_already_revoked"})
		return
	}
	h.writeJSON(w, http.StatusOK, SessionRevoked{Success: true, Message: "auth.session.revoke.success"})
}

// VerifyEmail always answers with a 302 to a static page.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	page := PageFailure
	if raw != "" {
		out, err := h.svc.VerifyEmail(r.Context(), raw)
		if err != nil {
			h.logger.Errorw("verify email failed", "err", err)
		}
		page = outcomePage(out)
	}
	http.Redirect(w, r, h.pageURL(page), http.StatusFound)
}

func outcomePage(o verification.Outcome) string {
	switch o {
	case verification.Success:
		return PageVerified
	case verification.AlreadyVerified:
		return PageAlreadyVerified
	case verification.Invalid, verification.Expired:
		return PageVerifyFailed
	default:
		return PageFailure
	}
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResendVerification(r.Context(), req.Email); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "If the account exists and is not verified, a new verification email has been sent"})
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email, h.ClientIP(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "If the account exists, a password reset email has been sent"})
}

func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Password has been reset"})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ChangePassword(r.Context(), MustUser(r.Context()).ID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully"})
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.svc.Unlock(r.Context(), req.Identifier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Infow("account unlocked by admin", "user_id", u.ID, "admin_id", MustUser(r.Context()).ID)
	h.writeJSON(w, http.StatusOK, u.Public())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid payload"))
		return false
	}
	return true
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}

// writeError is the single place where domain errors become statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		policy *PolicyError
		locked *LockedError
	)
	switch {
	case errors.As(err, &policy):
		h.writeJSON(w, http.StatusBadRequest, errorBody(policy.Reason))
	case errors.As(err, &locked):
		mins := int(math.Ceil(locked.RetryAfter.Minutes()))
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(locked.RetryAfter)))
		h.writeJSON(w, http.StatusForbidden, errorBody(fmt.Sprintf("Account temporarily locked. Try again in %d minutes.", mins)))
	case errors.Is(err, common.ErrDuplicateEmail):
		h.writeJSON(w, http.StatusBadRequest, errorBody("Email already registered"))
	case errors.Is(err, common.ErrDuplicateUsername):
		h.writeJSON(w, http.StatusBadRequest, errorBody("Username already taken"))
	case errors.Is(err, ErrIncorrectCredentials):
		unauthorized(w)
		h.writeJSON(w, http.StatusUnauthorized, errorBody("Incorrect username or password"))
	case errors.Is(err, ErrEmailNotVerified):
		h.writeJSON(w, http.StatusForbidden, errorBody("Your account is inactive. Activate your email first."))
	case errors.Is(err, ErrAccountInactive):
		h.writeJSON(w, http.StatusForbidden, errorBody("Account is inactive. Contact admin."))
	case errors.Is(err, ErrInactiveUser):
		h.writeJSON(w, http.StatusForbidden, errorBody("Inactive user"))
	case errors.Is(err, ErrForbidden):
		h.writeJSON(w, http.StatusForbidden, errorBody("Not enough permissions"))
	case errors.Is(err, ErrInvalidOrExpiredSession):
		h.writeJSON(w, http.StatusUnauthorized, errorBody("Invalid or expired refresh token"))
	case errors.Is(err, ErrUserNotFoundOrInactive):
		h.writeJSON(w, http.StatusUnauthorized, errorBody("User not found or inactive"))
	case errors.Is(err, token.ErrExpired):
		unauthorized(w)
		h.writeJSON(w, http.StatusUnauthorized, errorBody("Token has expired"))
	case errors.Is(err, token.ErrMissingOrWrongType):
		unauthorized(w)
		h.writeJSON(w, http.StatusUnauthorized, errorBody("Invalid token type"))
	case errors.Is(err, token.ErrInvalidSignatureOrIssuer), errors.Is(err, token.ErrMissingSubject), errors.Is(err, ErrUnauthenticated):
		unauthorized(w)
		h.writeJSON(w, http.StatusUnauthorized, errorBody("Could not validate credentials"))
	case errors.Is(err, ErrSubjectNotFound):
		unauthorized(w)
		h.writeJSON(w, http.StatusUnauthorized, errorBody("User not found"))
	case errors.Is(err, ErrSessionNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody("Session not found"))
	case errors.Is(err, ErrUserNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody("User not found"))
	case errors.Is(err, ErrInvalidOrExpiredToken):
		h.writeJSON(w, http.StatusBadRequest, errorBody("Invalid or expired token"))
	case errors.Is(err, ErrIncorrectPassword):
		h.writeJSON(w, http.StatusBadRequest, errorBody("Incorrect password"))
	default:
		h.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) clientMeta(r *http.Request) session.ClientMeta {
	return session.ClientMeta{DeviceInfo: r.UserAgent(), IPAddress: h.ClientIP(r)}
}

// ClientIP is the caller address as seen through the trusted proxies.
func (h *Handler) ClientIP(r *http.Request) string {
	return h.ips.ClientIP(r)
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
