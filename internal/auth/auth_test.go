package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/stereo-forge/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func hash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := NewManager(cfg, nil)
	r := gin.New()
	r.Use(Sessions(testSecret, false))
	r.POST("/login", m.Login)
	r.POST("/logout", m.RequireLogin(), m.Logout)
	r.POST("/internal", m.RequireToken(), func(c *gin.Context) { c.Status(http.StatusOK) })
	api := r.Group("/api", m.Authenticate())
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextPrincipalKey)) })
	api.POST("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func fullConfig(t *testing.T) *config.Config {
	return &config.Config{
		AppUsername:     "operator",
		AppPasswordHash: hash(t, "pw"),
		APITokenHash:    hash(t, "svc-token"),
	}
}

func do(r http.Handler, method, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:1234"
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginSessionAndCSRF(t *testing.T) {
	r := newRouter(t, fullConfig(t))

	w := do(r, http.MethodPost, "/login", `{"username":"operator","password":"pw"}`, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	csrf := w.Header().Get(csrfHeader)
	require.NotEmpty(t, csrf)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	withCookies := func(req *http.Request) {
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}

	w = do(r, http.MethodGet, "/api/ping", "", withCookies)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "operator", w.Body.String())

	w = do(r, http.MethodPost, "/api/ping", "", withCookies)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/ping", "", func(req *http.Request) {
		withCookies(req)
		req.Header.Set(csrfHeader, csrf)
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	r := newRouter(t, fullConfig(t))
	for i := 0; i < 5; i++ {
		w := do(r, http.MethodPost, "/login", `{"username":"operator","password":"wrong"}`, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := do(r, http.MethodPost, "/login", `{"username":"operator","password":"pw"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestBearerTokenAuth(t *testing.T) {
	r := newRouter(t, fullConfig(t))
	bearer := func(token string) func(*http.Request) {
		return func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }
	}

	w := do(r, http.MethodGet, "/api/ping", "", bearer("svc-token"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, PrincipalService, w.Body.String())

	// トークン認証では CSRF は不要
	w = do(r, http.MethodPost, "/api/ping", "", bearer("svc-token"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/ping", "", bearer("nope"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(r, http.MethodGet, "/api/ping", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/internal", "", bearer("svc-token"))
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodPost, "/internal", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOpenWhenNothingConfigured(t *testing.T) {
	r := newRouter(t, &config.Config{})
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/ping", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/internal", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/login", `{"username":"a","password":"b"}`, nil).Code)
}

func TestLogoutRequiresSession(t *testing.T) {
	r := newRouter(t, fullConfig(t))
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/logout", "", nil).Code)
}
