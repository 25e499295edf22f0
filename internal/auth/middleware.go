package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
)

type userKey struct{}

// WithUser stores the authenticated user on ctx.
func WithUser(ctx context.Context, u *entity.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the user stored by RequireUser.
func UserFrom(ctx context.Context) (*entity.User, bool) {
	u, ok := ctx.Value(userKey{}).(*entity.User)
	return u, ok && u != nil
}

// MustUser is UserFrom for handlers mounted behind RequireUser.
func MustUser(ctx context.Context) *entity.User {
	u, ok := UserFrom(ctx)
	if !ok {
		panic("auth: handler mounted without RequireUser")
	}
	return u
}

func bearerToken(r *http.Request) string {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// RequireUser resolves the bearer access token and rejects the request
// unless it names an active, unlocked user.
func (h *Handler) RequireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			unauthorized(w)
			h.writeJSON(w, http.StatusUnauthorized, errorBody("Not authenticated"))
			return
		}
		u, err := h.svc.Authenticate(r.Context(), tok)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(WithUser(r.Context(), u)))
	}
}

// RequireSuperuser is RequireUser plus the superuser flag.
func (h *Handler) RequireSuperuser(next http.HandlerFunc) http.HandlerFunc {
	return h.RequireUser(func(w http.ResponseWriter, r *http.Request) {
		if !MustUser(r.Context()).IsSuperuser {
			h.writeError(w, r, ErrForbidden)
			return
		}
		next(w, r)
	})
}
