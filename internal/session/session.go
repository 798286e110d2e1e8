// Package session はHTTPセッションのライフサイクル管理を提供します。
// 実体は gin-contrib/sessions のストア（クッキーまたはRedis）で、
// このパッケージは初期化・検証・破棄とフラッシュメッセージを担当します。
package session

import (
	"encoding/gob"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/todo-backend/internal/config"
	"github.com/yourusername/todo-backend/internal/security"
)

// セッションに保存するキー。
const (
	KeyInitialized = "initialized"
	KeyCreatedAt   = "created_at"
	KeyUserAgent   = "user_agent"
	KeyIPAddress   = "ip_address"
	KeyUserID      = "user_id"
	KeyUsername    = "username"
	KeyEmail       = "email"

	keyFlash = "flash"
)

func init() {
	// フラッシュメッセージのマップをクッキーストアのgobエンコードに登録する
	gob.Register(map[string]string{})
}

// Manager はセッション操作をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	security *security.Service
}

// NewManager はセッションマネージャーを作成します。
func NewManager(cfg *config.Config, sec *security.Service) *Manager {
	return &Manager{cfg: cfg, security: sec}
}

// Middleware は全リクエストでセッションを開始するミドルウェアを返します。
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.Start(c)
		c.Next()
	}
}

// Start はセッションを開始します。初回アクセス時は管理用の値を初期化し、
// 既存セッションが無効と判定された場合は一度だけ破棄して再初期化します。
func (m *Manager) Start(c *gin.Context) {
	session := sessions.Default(c)

	if initialized, ok := session.Get(KeyInitialized).(bool); !ok || !initialized {
		m.initialize(c, session)
		_ = session.Save()
		return
	}

	if !m.IsValid(c) {
		m.Destroy(c)
		m.initialize(c, session)
		// Destroy が設定した失効用オプションを元に戻す
		session.Options(sessions.Options{
			Path:     "/",
			MaxAge:   int(m.cfg.SessionLifetime.Seconds()),
			HttpOnly: true,
			Secure:   m.cfg.GinMode == "release",
		})
	}
	_ = session.Save()
}

// initialize はセッション管理用の値を設定します。
func (m *Manager) initialize(c *gin.Context, session sessions.Session) {
	now := time.Now().Unix()
	session.Set(KeyInitialized, true)
	session.Set(KeyCreatedAt, now)
	session.Set(security.SessionKeyLastActivity, now)
	session.Set(KeyUserAgent, c.Request.UserAgent())
	session.Set(KeyIPAddress, c.ClientIP())
}

// IsValid はセッションの有効性を複合的に検証します。
// 初期化済みであること、記録されたユーザーエージェントとIPアドレスが
// 現在のリクエストと一致すること、有効期限内であることを全て満たす必要があります。
// プロキシ環境ではIP照合が誤判定するため、完全なハイジャック対策ではありません。
func (m *Manager) IsValid(c *gin.Context) bool {
	session := sessions.Default(c)

	if initialized, ok := session.Get(KeyInitialized).(bool); !ok || !initialized {
		return false
	}

	if ua, ok := session.Get(KeyUserAgent).(string); !ok || ua != c.Request.UserAgent() {
		return false
	}

	if ip, ok := session.Get(KeyIPAddress).(string); !ok || ip != c.ClientIP() {
		return false
	}

	return m.security.ValidateSession(session)
}

// IsLoggedIn はユーザーIDが保存されており、かつセッションが有効かを返します。
func (m *Manager) IsLoggedIn(c *gin.Context) bool {
	return m.Has(c, KeyUserID) && m.IsValid(c)
}

// UserID はログイン中のユーザーIDを返します。未ログインの場合は 0 を返します。
func (m *Manager) UserID(c *gin.Context) int64 {
	switch v := sessions.Default(c).Get(KeyUserID).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Set はセッションに値を保存します。
func (m *Manager) Set(c *gin.Context, key string, value interface{}) {
	sessions.Default(c).Set(key, value)
}

// Get はセッションから値を取得します。存在しない場合は defaultValue を返します。
func (m *Manager) Get(c *gin.Context, key string, defaultValue interface{}) interface{} {
	if v := sessions.Default(c).Get(key); v != nil {
		return v
	}
	return defaultValue
}

// GetString はセッションから文字列を取得します。
func (m *Manager) GetString(c *gin.Context, key string) string {
	if v, ok := sessions.Default(c).Get(key).(string); ok {
		return v
	}
	return ""
}

// Has はキーの存在を確認します。
func (m *Manager) Has(c *gin.Context, key string) bool {
	return sessions.Default(c).Get(key) != nil
}

// Remove はキーを削除します。
func (m *Manager) Remove(c *gin.Context, key string) {
	sessions.Default(c).Delete(key)
}

// SetFlash はフラッシュメッセージを設定します。
func (m *Manager) SetFlash(c *gin.Context, key, value string) {
	session := sessions.Default(c)
	flash := readFlash(session)
	flash[key] = value
	session.Set(keyFlash, flash)
}

// GetFlash はフラッシュメッセージを取得します。取得と同時に削除されます。
func (m *Manager) GetFlash(c *gin.Context, key string) (string, bool) {
	session := sessions.Default(c)
	flash := readFlash(session)
	value, ok := flash[key]
	if ok {
		delete(flash, key)
		session.Set(keyFlash, flash)
	}
	return value, ok
}

// HasFlash はフラッシュメッセージの存在を確認します。値は消費しません。
func (m *Manager) HasFlash(c *gin.Context, key string) bool {
	_, ok := readFlash(sessions.Default(c))[key]
	return ok
}

// Destroy はセッションの全状態を破棄し、クッキーを失効させます。
func (m *Manager) Destroy(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{
		Path:   "/",
		MaxAge: -1,
	})
	_ = session.Save()
}

// Regenerate はセッションデータを保持したままセッションを再発行します。
// ログインなど権限が変化するタイミングで呼び出します。
// gin-contrib/sessions にはID再生成のプリミティブがないため、
// 値を退避して破棄・再初期化する方式をとります。
func (m *Manager) Regenerate(c *gin.Context) {
	session := sessions.Default(c)

	preserved := map[string]interface{}{}
	for _, key := range []string{
		security.SessionKeyCSRFToken,
		security.SessionKeyCSRFTokenTime,
		KeyUserID,
		KeyUsername,
		KeyEmail,
		keyFlash,
	} {
		if v := session.Get(key); v != nil {
			preserved[key] = v
		}
	}

	session.Clear()
	m.initialize(c, session)
	for key, value := range preserved {
		session.Set(key, value)
	}
	_ = session.Save()
}

// Save は現在のセッション内容を永続化します。
func (m *Manager) Save(c *gin.Context) error {
	return sessions.Default(c).Save()
}

func readFlash(session sessions.Session) map[string]string {
	if flash, ok := session.Get(keyFlash).(map[string]string); ok {
		return flash
	}
	return map[string]string{}
}
