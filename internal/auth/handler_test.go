package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) (*Handler, *fixture) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc, zap.NewNop().Sugar(), func(name string) string {
		return "https://cook.test/static/" + name
	}, nil)
	return h, f
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "handler-test")
	r.RemoteAddr = "192.0.2.10:5555"
	return r
}

func serve(h http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func loginPair(t *testing.T, h *Handler, username string) TokenPair {
	t.Helper()
	form := url.Values{"username": {username}, "password": {goodPassword}}
	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := serve(h.Login, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pair TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	return pair
}

func withBearer(r *http.Request, access string) *http.Request {
	r.Header.Set("Authorization", "Bearer "+access)
	return r
}

func TestHandlerRegister(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serve(h.Register, jsonRequest(http.MethodPost, "/auth/register", `{"username":"alice","email":"alice@example.com","password":"Valid*Pass123"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "bearer", body["token_type"])
	assert.EqualValues(t, 300, body["expires_in"])
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])

	w = serve(h.Register, jsonRequest(http.MethodPost, "/auth/register", `{"username":"alice2","email":"alice@example.com","password":"Valid*Pass123"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Email already registered", decodeBody(t, w)["error"])

	w = serve(h.Register, jsonRequest(http.MethodPost, "/auth/register", `{"username":"alice","email":"other@example.com","password":"Valid*Pass123"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Username already taken", decodeBody(t, w)["error"])

	w = serve(h.Register, jsonRequest(http.MethodPost, "/auth/register", `{"username":"bob","email":"bob@example.com","password":"nouppercase1!"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Password must contain at least one uppercase letter", decodeBody(t, w)["error"])

	w = serve(h.Register, jsonRequest(http.MethodPost, "/auth/register", `{"username":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerLogin(t *testing.T) {
	h, f := newTestHandler(t)
	bob := f.seed(t, "bob", seedOpts{})

	pair := loginPair(t, h, "bob")
	assert.Equal(t, bob.ID, f.subject(t, pair.AccessToken))

	w := serve(h.Login, jsonRequest(http.MethodPost, "/auth/login", `{"username":"bob","password":"Valid*Pass123"}`))
	assert.Equal(t, http.StatusOK, w.Code)

	rows := f.mem.RefreshTokens(bob.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, "handler-test", *rows[1].DeviceInfo)
	assert.Equal(t, "192.0.2.10", *rows[1].IPAddress)

	w = serve(h.Login, jsonRequest(http.MethodPost, "/auth/login", `{"username":"bob"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h.Login, jsonRequest(http.MethodPost, "/auth/login", `{"username":"ghost","password":"Valid*Pass123"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	ghost := decodeBody(t, w)["error"]

	w = serve(h.Login, jsonRequest(http.MethodPost, "/auth/login", `{"username":"bob","password":"Wrong*Pass1"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ghost, decodeBody(t, w)["error"], "unknown user and bad password look the same")
}

func TestHandlerLoginLocked(t *testing.T) {
	h, f := newTestHandler(t)
	f.seed(t, "bob", seedOpts{})
	for i := 0; i < 5; i++ {
		serve(h.Login, jsonRequest(http.MethodPost, "/auth/login", `{"username":"bob","password":"Wrong*Pass1"}`))
	}
	w := serve(h.Login, jsonRequest(http.MethodPost, "/auth/login", `{"username":"bob","password":"Valid*Pass123"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))
	assert.Equal(t, "Account temporarily locked. Try again in 15 minutes.", decodeBody(t, w)["error"])
}

func TestHandlerLoginForbiddenStates(t *testing.T) {
	h, f := newTestHandler(t)
	f.seed(t, "fresh", seedOpts{unverified: true})
	f.seed(t, "idle", seedOpts{inactive: true})

	w := serve(h.Login, jsonRequest(http.MethodPost, "/auth/login", `{"username":"fresh","password":"Valid*Pass123"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = serve(h.Login, jsonRequest(http.MethodPost, "/auth/login", `{"username":"idle","password":"Valid*Pass123"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Account is inactive. Contact admin.", decodeBody(t, w)["error"])
}

func TestHandlerRefreshAndLogout(t *testing.T) {
	h, f := newTestHandler(t)
	f.seed(t, "bob", seedOpts{})
	pair := loginPair(t, h, "bob")

	w := serve(h.Refresh, jsonRequest(http.MethodPost, "/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var next TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))

	w = serve(h.Refresh, jsonRequest(http.MethodPost, "/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid or expired refresh token", decodeBody(t, w)["error"])

	w = serve(h.Logout, jsonRequest(http.MethodPost, "/auth/logout", `{"refresh_token":"`+next.RefreshToken+`"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Successfully logged out", decodeBody(t, w)["message"])

	w = serve(h.Logout, jsonRequest(http.MethodPost, "/auth/logout", `{"refresh_token":"nope"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerRequireUser(t *testing.T) {
	h, f := newTestHandler(t)
	f.seed(t, "bob", seedOpts{})
	me := h.RequireUser(h.Me)

	w := serve(me, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Not authenticated", decodeBody(t, w)["error"])

	w = serve(me, withBearer(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Could not validate credentials", decodeBody(t, w)["error"])

	pair := loginPair(t, h, "bob")
	w = serve(me, withBearer(httptest.NewRequest(http.MethodGet, "/auth/me", nil), pair.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "bob@example.com", body["email"])
	assert.Equal(t, "local", body["auth_provider"])
	assert.NotContains(t, body, "hashed_password")
	assert.NotContains(t, body, "failed_login_attempts")
}

func TestHandlerSessions(t *testing.T) {
	h, f := newTestHandler(t)
	bob := f.seed(t, "bob", seedOpts{})
	pair := loginPair(t, h, "bob")
	loginPair(t, h, "bob")

	w := serve(h.RequireUser(h.Sessions), withBearer(httptest.NewRequest(http.MethodGet, "/auth/sessions", nil), pair.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	for _, s := range list {
		assert.ElementsMatch(t, []string{"id", "device_info", "ip_address", "created_at", "expires_at"}, keys(s))
	}

	id := strconv.FormatInt(f.mem.RefreshTokens(bob.ID)[0].ID, 10)
	revoke := h.RequireUser(h.RevokeSession)
	del := func(id string) *httptest.ResponseRecorder {
		r := withBearer(httptest.NewRequest(http.MethodDelete, "/auth/sessions/"+id, nil), pair.AccessToken)
		r.SetPathValue("id", id)
		return serve(revoke, r)
	}

	w = del(id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["success"])
	w = del(id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["success"])
	assert.Equal(t, http.StatusNotFound, del("1").Code)
	assert.Equal(t, http.StatusBadRequest, del("abc").Code)

	w = serve(h.RequireUser(h.LogoutAll), withBearer(httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil), pair.AccessToken))
	assert.Equal(t, http.StatusOK, w.Code)
	active, err := f.svc.ListSessions(t.Context(), bob.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestHandlerVerifyEmailRedirects(t *testing.T) {
	h, f := newTestHandler(t)
	w := serve(h.Register, jsonRequest(http.MethodPost, "/auth/register", `{"username":"alice","email":"alice@example.com","password":"Valid*Pass123"}`))
	require.Equal(t, http.StatusOK, w.Code)
	raw := linkToken(f.mailer.last(t).Link)

	verify := func(q string) string {
		w := serve(h.VerifyEmail, httptest.NewRequest(http.MethodGet, "/auth/verify-email"+q, nil))
		require.Equal(t, http.StatusFound, w.Code)
		return w.Header().Get("Location")
	}
	assert.Equal(t, "https://cook.test/static/failure.html", verify(""))
	assert.Equal(t, "https://cook.test/static/email-verification-success.html", verify("?token="+raw))
	assert.Equal(t, "https://cook.test/static/email-verification-failure.html", verify("?token="+raw))
}

func TestHandlerAdminUnlock(t *testing.T) {
	h, f := newTestHandler(t)
	f.seed(t, "root", seedOpts{superuser: true})
	f.seed(t, "bob", seedOpts{})
	unlock := h.RequireSuperuser(h.Unlock)

	bobPair := loginPair(t, h, "bob")
	w := serve(unlock, withBearer(jsonRequest(http.MethodPost, "/auth/admin/unlock", `{"identifier":"bob"}`), bobPair.AccessToken))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Not enough permissions", decodeBody(t, w)["error"])

	rootPair := loginPair(t, h, "root")
	w = serve(unlock, withBearer(jsonRequest(http.MethodPost, "/auth/admin/unlock", `{"identifier":"bob"}`), rootPair.AccessToken))
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(unlock, withBearer(jsonRequest(http.MethodPost, "/auth/admin/unlock", `{"identifier":"ghost"}`), rootPair.AccessToken))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerPasswordFlows(t *testing.T) {
	h, f := newTestHandler(t)
	f.seed(t, "bob", seedOpts{})

	w := serve(h.RequestPasswordReset, jsonRequest(http.MethodPost, "/auth/password-reset/request", `{"email":"bob@example.com"}`))
	require.Equal(t, http.StatusOK, w.Code)
	raw := linkToken(f.mailer.last(t).Link)
	w = serve(h.RequestPasswordReset, jsonRequest(http.MethodPost, "/auth/password-reset/request", `{"email":"ghost@example.com"}`))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(h.ConfirmPasswordReset, jsonRequest(http.MethodPost, "/auth/password-reset/confirm", `{"token":"bogus","new_password":"New*Secret456"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid or expired token", decodeBody(t, w)["error"])
	w = serve(h.ConfirmPasswordReset, jsonRequest(http.MethodPost, "/auth/password-reset/confirm", `{"token":"`+raw+`","new_password":"New*Secret456"}`))
	assert.Equal(t, http.StatusOK, w.Code)

	form := url.Values{"username": {"bob"}, "password": {"New*Secret456"}}
	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = serve(h.Login, r)
	require.Equal(t, http.StatusOK, w.Code)
	var pair TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))

	change := h.RequireUser(h.ChangePassword)
	w = serve(change, withBearer(jsonRequest(http.MethodPost, "/auth/password/change", `{"current_password":"Valid*Pass123","new_password":"Other*Secret789"}`), pair.AccessToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Incorrect password", decodeBody(t, w)["error"])
	w = serve(change, withBearer(jsonRequest(http.MethodPost, "/auth/password/change", `{"current_password":"New*Secret456","new_password":"Other*Secret789"}`), pair.AccessToken))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerResendVerification(t *testing.T) {
	h, f := newTestHandler(t)
	w := serve(h.ResendVerification, jsonRequest(http.MethodPost, "/auth/verify-email/resend", `{"email":"ghost@example.com"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, f.mailer.count())
}

func TestClientIPWithoutTrustedProxies(t *testing.T) {
	var ips *IPResolver
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:4000"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	r.Header.Set("X-Real-IP", "203.0.113.2")
	r.Header.Set("CF-Connecting-IP", "203.0.113.3")
	assert.Equal(t, "198.51.100.7", ips.ClientIP(r), "headers from an untrusted peer are ignored")
	assert.Equal(t, "198.51.100.7", NewIPResolver(nil).ClientIP(r))
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	ips := NewIPResolver([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:4000"
	assert.Equal(t, "10.0.0.5", ips.ClientIP(r))

	r.Header.Set("CF-Connecting-IP", "203.0.113.3")
	assert.Equal(t, "203.0.113.3", ips.ClientIP(r))
	r.Header.Set("X-Real-IP", "203.0.113.2")
	assert.Equal(t, "203.0.113.2", ips.ClientIP(r))

	// a client-supplied left-most entry cannot override the hop the proxy saw
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 203.0.113.1, 10.0.0.9")
	assert.Equal(t, "203.0.113.1", ips.ClientIP(r))

	r.Header.Set("X-Forwarded-For", "garbage, 10.0.0.9")
	assert.Equal(t, "203.0.113.2", ips.ClientIP(r))
}

func TestHandlerRecordsPeerAddress(t *testing.T) {
	h, f := newTestHandler(t)
	bob := f.seed(t, "bob", seedOpts{})
	form := url.Values{"username": {"bob"}, "password": {goodPassword}}
	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Forwarded-For", "203.0.113.77")
	r.RemoteAddr = "192.0.2.10:5555"
	w := serve(h.Login, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rows := f.mem.RefreshTokens(bob.ID)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].IPAddress)
	assert.Equal(t, "192.0.2.10", *rows[0].IPAddress)
}

func TestOutcomePage(t *testing.T) {
	assert.Equal(t, PageFailure, outcomePage(0))
}
