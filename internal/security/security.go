// Package security はCSRF保護・パスワードハッシュ・セッション有効期限の検証を提供します。
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/todo-backend/internal/config"
)

// セッションに保存するキー。csrf_token と last_activity はこのパッケージが管理します。
const (
	SessionKeyCSRFToken     = "csrf_token"
	SessionKeyCSRFTokenTime = "csrf_token_time"
	SessionKeyLastActivity  = "last_activity"

	// CSRFHeader はボディにトークンを載せられないリクエスト用の代替ヘッダーです。
	CSRFHeader = "X-CSRF-Token"
)

// Service はセキュリティ関連の処理をまとめた構造体です。
// シングルトンにはせず、起動時に一度だけ構築して各ハンドラーへ注入します。
type Service struct {
	cfg *config.Config
}

// New は Service を作成します。
func New(cfg *config.Config) *Service {
	return &Service{cfg: cfg}
}

// GenerateCSRFToken はセッションに紐づくCSRFトークンを返します。
// 既にトークンが存在する場合はそれを返すため、同一セッション内では冪等です。
func (s *Service) GenerateCSRFToken(session sessions.Session) (string, error) {
	if token, ok := session.Get(SessionKeyCSRFToken).(string); ok && token != "" {
		return token, nil
	}

	token, err := s.GenerateRandomToken(64)
	if err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}

	session.Set(SessionKeyCSRFToken, token)
	session.Set(SessionKeyCSRFTokenTime, time.Now().Unix())
	return token, nil
}

// ValidateCSRFToken は受信したトークンをセッション保存分と照合します。
// 保存トークン・タイムスタンプ・入力のいずれかが欠けている場合と、
// 有効期限切れの場合は false を返します。期限切れ時は保存トークンを破棄します。
func (s *Service) ValidateCSRFToken(session sessions.Session, token string) bool {
	stored, ok := session.Get(SessionKeyCSRFToken).(string)
	if !ok || stored == "" {
		return false
	}

	issuedAt := readUnix(session.Get(SessionKeyCSRFTokenTime))
	if issuedAt.IsZero() {
		return false
	}

	if token == "" {
		return false
	}

	if time.Since(issuedAt) > s.cfg.CSRFTokenLifetime {
		session.Delete(SessionKeyCSRFToken)
		session.Delete(SessionKeyCSRFTokenTime)
		return false
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}

// HashPassword はbcryptでパスワードをハッシュ化します。
// 出力にはアルゴリズム・コスト・ソルトが埋め込まれます。
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword はパスワードとbcryptハッシュを照合します。
func (s *Service) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateRandomToken は指定した文字数の暗号論的に安全な16進文字列を返します。
// パスワードリセットトークンなどに使用します。
func (s *Service) GenerateRandomToken(length int) (string, error) {
	if length <= 0 || length%2 != 0 {
		return "", fmt.Errorf("token length must be a positive even number: %d", length)
	}
	buf := make([]byte, length/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ValidateSession は最終アクティビティからの経過時間を検証します。
// 期限切れの場合はセッション内容を全て破棄して false を返し、
// 有効な場合は last_activity を現在時刻へ更新します。
func (s *Service) ValidateSession(session sessions.Session) bool {
	lastActive := readUnix(session.Get(SessionKeyLastActivity))
	if lastActive.IsZero() {
		session.Set(SessionKeyLastActivity, time.Now().Unix())
		return true
	}

	if time.Since(lastActive) > s.cfg.SessionLifetime {
		session.Clear()
		return false
	}

	session.Set(SessionKeyLastActivity, time.Now().Unix())
	return true
}

// Headers はセキュリティヘッダーを付与するミドルウェアを返します。
// HSTS は本番モードのときのみ付与します。
func (s *Service) Headers() gin.HandlerFunc {
	release := s.cfg.GinMode == "release"
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		if release {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
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
