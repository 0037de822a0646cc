package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

// Sessions はセッションCookieのミドルウェアを返します。
func Sessions(secret string, secure bool) gin.HandlerFunc {
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
	return sessions.Sessions(SessionCookieName, store)
}

// RequireToken はサービス間呼び出し用の Bearer トークンを検証します。
// トークンが未設定なら検証しません。
func (m *Manager) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(m.tokenHash) == 0 {
			c.Next()
			return
		}
		if !m.verifyToken(bearerToken(c.GetHeader("Authorization"))) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "有効な API トークンが必要です",
			})
			return
		}
		c.Set(ContextPrincipalKey, PrincipalService)
		c.Next()
	}
}

// Authenticate は Bearer トークンまたはログインセッションを要求します。
// セッションで認証した状態変更リクエストには CSRF トークンも要求します。
// Sessions ミドルウェアの後に登録してください。
func (m *Manager) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		if token := bearerToken(c.GetHeader("Authorization")); token != "" {
			if !m.verifyToken(token) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHORIZED",
					"message": "API トークンが正しくありません",
				})
				return
			}
			c.Set(ContextPrincipalKey, PrincipalService)
			c.Next()
			return
		}
		if !m.loginEnabled() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "API トークンが必要です",
			})
			return
		}
		if !m.checkSession(c) {
			return
		}
		if !isSafeMethod(c.Request.Method) && !m.checkCSRF(c) {
			return
		}
		c.Next()
	}
}

// RequireLogin はログインセッションのみを受け付けます。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.checkSession(c) {
			c.Next()
		}
	}
}

// checkSession はセッションを検証し、失敗時はレスポンスを書いて false を返します。
func (m *Manager) checkSession(c *gin.Context) bool {
	session := sessions.Default(c)
	user, ok := session.Get(sessionKeyUser).(string)
	if !ok || user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
		return false
	}

	now := m.now()
	issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
	lastActive := readUnix(session.Get(sessionKeyLastActive))
	switch {
	case issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime:
		m.expire(c, "SESSION_EXPIRED", "セッションの有効期限が切れました")
		return false
	case lastActive.IsZero() || now.Sub(lastActive) > idleTimeout:
		m.expire(c, "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください")
		return false
	}

	session.Set(sessionKeyLastActive, now.Unix())
	_ = session.Save()
	c.Set(ContextPrincipalKey, user)
	return true
}

func (m *Manager) expire(c *gin.Context, code, message string) {
	session := sessions.Default(c)
	session.Clear()
	_ = session.Save()
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": code, "message": message})
}

// checkCSRF は X-CSRF-Token ヘッダーをセッションの値と比較します。
func (m *Manager) checkCSRF(c *gin.Context) bool {
	expected, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
	if expected == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "CSRF_MISSING",
			"message": "CSRF トークンが設定されていません",
		})
		return false
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(csrfHeader))) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "CSRF_INVALID",
			"message": "CSRF トークンが一致しません",
		})
		return false
	}
	return true
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
