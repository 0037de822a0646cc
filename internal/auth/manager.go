// Package auth は API の認証を提供します。
// 運用者はセッションCookieでログインし、他サービス（ストレージ通知や推論バックエンド）は
// Bearer トークンで呼び出します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/stereo-forge/internal/config"
	"github.com/yourusername/stereo-forge/internal/logger"
)

const (
	SessionCookieName    = "sf_session"
	sessionKeyUser       = "operator"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// ContextPrincipalKey は認証済みの呼び出し元をハンドラーへ渡すためのキーです。
const ContextPrincipalKey = "auth.principal"

// PrincipalService はトークンで認証されたサービス呼び出しを表します。
const PrincipalService = "service"

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// Manager は運用者ログインとサービストークンの検証をまとめます。
type Manager struct {
	username     string
	passwordHash []byte
	tokenHash    []byte
	limiter      *limiter
	now          func() time.Time
	log          *logger.Logger

	// 検証済みトークンは bcrypt を毎回通さない
	mu         sync.Mutex
	knownToken string
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		username:     cfg.AppUsername,
		passwordHash: []byte(cfg.AppPasswordHash),
		tokenHash:    []byte(cfg.APITokenHash),
		limiter:      newLimiter(5, 15*time.Minute, 10*time.Minute),
		now:          time.Now,
		log:          log.With("component", "auth"),
	}
}

// Enabled はいずれかの認証方式が設定されているかを返します。
// どちらも未設定の開発環境では API を開放します。
func (m *Manager) Enabled() bool {
	return m.loginEnabled() || len(m.tokenHash) > 0
}

func (m *Manager) loginEnabled() bool {
	return m.username != "" && len(m.passwordHash) > 0
}

func (m *Manager) verifyPassword(username, password string) bool {
	if !m.loginEnabled() || username != m.username {
		return false
	}
	return bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)) == nil
}

// verifyToken は Bearer トークンを検証します。
func (m *Manager) verifyToken(token string) bool {
	if len(m.tokenHash) == 0 || token == "" {
		return false
	}
	m.mu.Lock()
	known := m.knownToken
	m.mu.Unlock()
	if known != "" && known == token {
		return true
	}
	if bcrypt.CompareHashAndPassword(m.tokenHash, []byte(token)) != nil {
		return false
	}
	m.mu.Lock()
	m.knownToken = token
	m.mu.Unlock()
	return true
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
