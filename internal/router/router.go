package router

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/ratelimit"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware logs each request at debug level, server errors at warn.
func LoggingMiddleware(logger *zap.SugaredLogger, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			log := logger.Debugw
			if status >= http.StatusInternalServerError {
				log = logger.Warnw
			}
			// the path only, verify-email carries its token in the query
			log("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", clientIP(r),
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers. Auth
// responses are never cached.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Cache-Control", "no-store")

			w.Header().Set("X-Frame-Options", "DENY")
			// verify-email redirects to the frontend, so keep the origin only
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
			}
			// HSTS only over TLS, 30 days
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes mounts the auth API under prefix on a stdlib ServeMux.
// Credential endpoints go through the limiter, keyed by h.ClientIP; a nil
// limiter disables it.
func RegisterRoutes(logger *zap.SugaredLogger, h *auth.Handler, limiter *ratelimit.Limiter, prefix string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	limit := func(route string, next http.HandlerFunc) http.HandlerFunc {
		return limiter.Middleware(route, h.ClientIP)(next)
	}
	p := prefix + "/auth"

	mux.HandleFunc("POST "+p+"/register", limit("register", h.Register))
	mux.HandleFunc("POST "+p+"/login", limit("login", h.Login))
	mux.HandleFunc("POST "+p+"/refresh", limit("refresh", h.Refresh))
	mux.HandleFunc("POST "+p+"/logout", h.Logout)
	mux.HandleFunc("POST "+p+"/logout-all", h.RequireUser(h.LogoutAll))
	mux.HandleFunc("GET "+p+"/me", h.RequireUser(h.Me))
	mux.HandleFunc("GET "+p+"/sessions", h.RequireUser(h.Sessions))
	mux.HandleFunc("DELETE "+p+"/sessions/{id}", h.RequireUser(h.RevokeSession))
	mux.HandleFunc("GET "+p+"/verify-email", h.VerifyEmail)
	mux.HandleFunc("POST "+p+"/verify-email/resend", limit("verify-resend", h.ResendVerification))
	mux.HandleFunc("POST "+p+"/password-reset/request", limit("password-reset", h.RequestPasswordReset))
	mux.HandleFunc("POST "+p+"/password-reset/confirm", limit("password-reset-confirm", h.ConfirmPasswordReset))
	mux.HandleFunc("POST "+p+"/password/change", h.RequireUser(h.ChangePassword))
	mux.HandleFunc("POST "+p+"/admin/unlock", h.RequireSuperuser(h.Unlock))

	return LoggingMiddleware(logger, h.ClientIP)(SecurityHeadersMiddleware()(mux))
}
