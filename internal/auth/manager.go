// Package auth はAPIのセッション認証とCSRF保護を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/policy-calc/internal/config"
	"github.com/yourusername/policy-calc/internal/logger"
)

const (
	SessionCookieName    = "pc_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

const (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// ContextUserKey はログイン済みユーザー名を gin.Context に保存するキーです。
const ContextUserKey = "auth.user"

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// Manager は認証の設定とログイン試行の状態を保持します。
type Manager struct {
	username     string
	passwordHash []byte
	secretSet    bool
	limiter      *loginLimiter
	logger       logger.Logger
	now          func() time.Time
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithLogger はロガーを設定します。
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.logger = logger.OrNop(l) }
}

// WithClock は現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
		m.limiter.now = now
	}
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		username:     cfg.AppUsername,
		passwordHash: []byte(cfg.AppPasswordHash),
		secretSet:    cfg.SessionSecret != "",
		limiter:      newLoginLimiter(),
		logger:       logger.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) ensureCredentials() error {
	switch {
	case m.username == "":
		return errors.New("APP_USERNAME が設定されていません")
	case len(m.passwordHash) == 0:
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	case !m.secretSet:
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verify(username, password string) bool {
	if username != m.username {
		return false
	}
	return bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)) == nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
