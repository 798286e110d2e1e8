// Package auth は認証・認可機能を提供します。
// ログイン・登録・パスワードリセットのハンドラーと、
// 保護ルート用のミドルウェアをまとめています。
package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/todo-backend/internal/config"
	"github.com/yourusername/todo-backend/internal/models"
	"github.com/yourusername/todo-backend/internal/security"
	"github.com/yourusername/todo-backend/internal/session"
	"github.com/yourusername/todo-backend/internal/storage/sqlite"
)

// ContextUserIDKey は、ハンドラー間でログイン済みユーザーIDを共有するためのキーです。
const ContextUserIDKey = "auth.user_id"

// UserStore はユーザー行へのアクセスを抽象化します。実装は storage/sqlite です。
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error)
	FindUser(ctx context.Context, id int64) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id int64) error
	IncrementLoginAttempts(ctx context.Context, id int64) (int, error)
	ResetLoginAttempts(ctx context.Context, id int64) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	SetPasswordResetToken(ctx context.Context, id int64, token string, expires time.Time) error
	FindUserByResetToken(ctx context.Context, token string) (*models.User, error)
	ClearPasswordResetToken(ctx context.Context, id int64) error
}

// Mailer はパスワードリセットメールの配送依頼を抽象化します。
// 実装は internal/mail のAsynqキューです。nil の場合はログ出力に切り替わります。
type Mailer interface {
	EnqueuePasswordReset(ctx context.Context, to, token string) (string, error)
}

// Manager は認証処理と依存をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	security *security.Service
	sessions *session.Manager
	store    UserStore
	mailer   Mailer
	logger   *log.Logger
}

// NewManager は認証マネージャーを作成します。mailer は nil を許容します。
func NewManager(cfg *config.Config, sec *security.Service, sess *session.Manager, store UserStore, mailer Mailer, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:      cfg,
		security: sec,
		sessions: sess,
		store:    store,
		mailer:   mailer,
		logger:   logger,
	}
}

type loginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	CSRFToken string `json:"csrf_token"`
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	CSRFToken string `json:"csrf_token"`
}

type resetRequestRequest struct {
	Email     string `json:"email"`
	CSRFToken string `json:"csrf_token"`
}

type resetPasswordRequest struct {
	Token     string `json:"token"`
	Password  string `json:"password"`
	CSRFToken string `json:"csrf_token"`
}

// IssueCSRF は GET /csrf のハンドラーです。
// セッションに紐づくCSRFトークンを発行して返します。同一セッション内では冪等です。
func (m *Manager) IssueCSRF(c *gin.Context) {
	sess := sessions.Default(c)
	token, err := m.security.GenerateCSRFToken(sess)
	if err != nil {
		m.internalError(c, "トークンの発行に失敗しました。", err)
		return
	}
	if err := sess.Save(); err != nil {
		m.internalError(c, "セッションの保存に失敗しました。", err)
		return
	}

	c.Header(security.CSRFHeader, token)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"csrf_token": token,
	})
}

// Login は POST /login のハンドラーです。
// 認証失敗の理由は区別せず、常に同じメッセージを返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "メールアドレスとパスワードを入力してください。",
		})
		return
	}

	if !m.ValidateCSRF(c, req.CSRFToken) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "不正なリクエストです。",
		})
		return
	}

	user, err := m.store.FindUserByEmail(c.Request.Context(), req.Email)
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		m.internalError(c, "ログイン処理中にエラーが発生しました。", err)
		return
	}

	if user == nil || !m.authenticate(c, user, req.Password) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "メールアドレスまたはパスワードが正しくありません。",
		})
		return
	}

	// 権限が変わるため、セッションを再発行してから情報を保存する
	m.sessions.Regenerate(c)
	m.sessions.Set(c, session.KeyUserID, user.ID)
	m.sessions.Set(c, session.KeyUsername, user.Username)
	m.sessions.Set(c, session.KeyEmail, user.Email)
	if err := m.sessions.Save(c); err != nil {
		m.internalError(c, "セッションの保存に失敗しました。", err)
		return
	}

	ctx := c.Request.Context()
	if err := m.store.UpdateLastLogin(ctx, user.ID); err != nil {
		m.logger.Printf("failed to update last login user=%d: %v", user.ID, err)
	}
	if err := m.store.ResetLoginAttempts(ctx, user.ID); err != nil {
		m.logger.Printf("failed to reset login attempts user=%d: %v", user.ID, err)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "ログインしました。",
		"user":    user,
	})
}

// authenticate はパスワード・有効フラグ・ロック状態を検証します。
// 失敗時は失敗回数を加算します。理由は呼び出し側へ伝えません。
func (m *Manager) authenticate(c *gin.Context, user *models.User, password string) bool {
	if user.LoginAttempts >= m.cfg.MaxLoginAttempts {
		// ロック中は正しいパスワードでも拒否する。解除はパスワードリセット経由
		return false
	}

	if !m.security.VerifyPassword(password, user.Password) || !user.IsActive {
		if _, err := m.store.IncrementLoginAttempts(c.Request.Context(), user.ID); err != nil {
			m.logger.Printf("failed to increment login attempts user=%d: %v", user.ID, err)
		}
		return false
	}
	return true
}

// Logout は POST /logout のハンドラーです。セッションを無条件に破棄します。
func (m *Manager) Logout(c *gin.Context) {
	m.sessions.Destroy(c)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "ログアウトしました。",
	})
}

// Register は POST /register のハンドラーです。
func (m *Manager) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validRegistration(req) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "入力内容に誤りがあります。",
		})
		return
	}

	if !m.ValidateCSRF(c, req.CSRFToken) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "不正なリクエストです。",
		})
		return
	}

	hash, err := m.security.HashPassword(req.Password)
	if err != nil {
		m.internalError(c, "ユーザー登録中にエラーが発生しました。", err)
		return
	}

	userID, err := m.store.CreateUser(c.Request.Context(), strings.TrimSpace(req.Username), req.Email, hash)
	if errors.Is(err, sqlite.ErrDuplicateEmail) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "このメールアドレスは既に登録されています。",
		})
		return
	}
	if err != nil {
		m.internalError(c, "ユーザー登録中にエラーが発生しました。", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "ユーザー登録が完了しました。",
		"user_id": userID,
	})
}

// RequestPasswordReset は POST /password/reset-request のハンドラーです。
// メールアドレスの登録有無をレスポンスから判別できないよう、常に同じ応答を返します。
func (m *Manager) RequestPasswordReset(c *gin.Context) {
	var req resetRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "メールアドレスを入力してください。",
		})
		return
	}

	if !m.ValidateCSRF(c, req.CSRFToken) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "不正なリクエストです。",
		})
		return
	}

	accepted := gin.H{
		"success": true,
		"message": "パスワードリセットの手順をメールで送信しました。",
	}

	ctx := c.Request.Context()
	user, err := m.store.FindUserByEmail(ctx, req.Email)
	if errors.Is(err, sqlite.ErrNotFound) {
		c.JSON(http.StatusOK, accepted)
		return
	}
	if err != nil {
		m.internalError(c, "パスワードリセットの処理中にエラーが発生しました。", err)
		return
	}

	token, err := m.security.GenerateRandomToken(64)
	if err != nil {
		m.internalError(c, "パスワードリセットの処理中にエラーが発生しました。", err)
		return
	}

	expires := time.Now().Add(m.cfg.ResetTokenLifetime)
	if err := m.store.SetPasswordResetToken(ctx, user.ID, token, expires); err != nil {
		m.internalError(c, "パスワードリセットの処理中にエラーが発生しました。", err)
		return
	}

	if m.mailer != nil {
		if _, err := m.mailer.EnqueuePasswordReset(ctx, user.Email, token); err != nil {
			m.logger.Printf("failed to enqueue reset mail user=%d: %v", user.ID, err)
		}
	} else {
		// キュー未設定の開発環境向けフォールバック
		m.logger.Printf("password reset token issued user=%d token=%s", user.ID, token)
	}

	c.JSON(http.StatusOK, accepted)
}

// ResetPassword は POST /password/reset のハンドラーです。
func (m *Manager) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" || utf8.RuneCountInString(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "入力内容に誤りがあります。",
		})
		return
	}

	if !m.ValidateCSRF(c, req.CSRFToken) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "不正なリクエストです。",
		})
		return
	}

	ctx := c.Request.Context()
	user, err := m.store.FindUserByResetToken(ctx, req.Token)
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		m.internalError(c, "パスワードリセットの処理中にエラーが発生しました。", err)
		return
	}
	if user == nil || user.PasswordResetExpires == nil || user.PasswordResetExpires.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "パスワードリセットトークンが無効です。",
		})
		return
	}

	hash, err := m.security.HashPassword(req.Password)
	if err != nil {
		m.internalError(c, "パスワードの更新に失敗しました。", err)
		return
	}
	if err := m.store.UpdatePassword(ctx, user.ID, hash); err != nil {
		m.internalError(c, "パスワードの更新に失敗しました。", err)
		return
	}
	if err := m.store.ClearPasswordResetToken(ctx, user.ID); err != nil {
		m.logger.Printf("failed to clear reset token user=%d: %v", user.ID, err)
	}
	// リセット成功でログイン失敗によるロックも解除する
	if err := m.store.ResetLoginAttempts(ctx, user.ID); err != nil {
		m.logger.Printf("failed to reset login attempts user=%d: %v", user.ID, err)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "パスワードを更新しました。",
	})
}

// Me は GET /me のハンドラーです。ログイン中のユーザー情報を返します。
func (m *Manager) Me(c *gin.Context) {
	user, err := m.CurrentUser(c)
	if err != nil {
		m.internalError(c, "ユーザー情報の取得に失敗しました。", err)
		return
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success":  false,
			"message":  "認証が必要です。",
			"redirect": "/login",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    user,
	})
}

// IsAuthenticated はログイン状態を返します。
func (m *Manager) IsAuthenticated(c *gin.Context) bool {
	return m.sessions.IsLoggedIn(c)
}

// CurrentUser はログイン中のユーザーを取得します。未ログインの場合は nil を返します。
func (m *Manager) CurrentUser(c *gin.Context) (*models.User, error) {
	if !m.IsAuthenticated(c) {
		return nil, nil
	}
	user, err := m.store.FindUser(c.Request.Context(), m.sessions.UserID(c))
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, nil
	}
	return user, err
}

// RequireLogin はセッションを検証するミドルウェアを返します。
// 未認証の場合は 401 とログインページへのリダイレクト先を返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.sessions.IsLoggedIn(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success":  false,
				"message":  "認証が必要です。",
				"redirect": "/login",
			})
			return
		}

		// IsLoggedIn 内で last_activity が更新されているため保存する（スライド式の有効期限）
		_ = m.sessions.Save(c)
		c.Set(ContextUserIDKey, m.sessions.UserID(c))
		c.Next()
	}
}

// ValidateCSRF はリクエストのCSRFトークンを検証します。
// ボディの csrf_token フィールドを優先し、空の場合は X-CSRF-Token ヘッダーを使います。
func (m *Manager) ValidateCSRF(c *gin.Context, bodyToken string) bool {
	token := bodyToken
	if token == "" {
		token = c.GetHeader(security.CSRFHeader)
	}

	sess := sessions.Default(c)
	ok := m.security.ValidateCSRFToken(sess, token)
	if !ok {
		// 期限切れで保存トークンが破棄された場合を反映する
		_ = sess.Save()
	}
	return ok
}

func validRegistration(req registerRequest) bool {
	if utf8.RuneCountInString(strings.TrimSpace(req.Username)) < 3 {
		return false
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return false
	}
	return utf8.RuneCountInString(req.Password) >= 8
}

// internalError は内部エラーをログへ記録し、クライアントには汎用メッセージを返します。
// デバッグモードのときのみ詳細を含めます。
func (m *Manager) internalError(c *gin.Context, message string, err error) {
	m.logger.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	if m.cfg.Debug {
		message = err.Error()
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"message": message,
	})
}
