package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/todo-backend/internal/config"
	"github.com/yourusername/todo-backend/internal/models"
	"github.com/yourusername/todo-backend/internal/security"
	"github.com/yourusername/todo-backend/internal/session"
	"github.com/yourusername/todo-backend/internal/storage/sqlite"
)

// stubUserStore は UserStore のインメモリ実装です。
type stubUserStore struct {
	users  map[int64]*models.User
	nextID int64
}

func newStubUserStore() *stubUserStore {
	return &stubUserStore{users: map[int64]*models.User{}, nextID: 1}
}

func (s *stubUserStore) CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error) {
	for _, u := range s.users {
		if u.Email == email {
			return 0, sqlite.ErrDuplicateEmail
		}
	}
	id := s.nextID
	s.nextID++
	s.users[id] = &models.User{
		ID:        id,
		Username:  username,
		Email:     email,
		Password:  passwordHash,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (s *stubUserStore) FindUser(ctx context.Context, id int64) (*models.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, sqlite.ErrNotFound
}

func (s *stubUserStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, sqlite.ErrNotFound
}

func (s *stubUserStore) UpdateLastLogin(ctx context.Context, id int64) error {
	u, ok := s.users[id]
	if !ok {
		return sqlite.ErrNotFound
	}
	now := time.Now()
	u.LastLogin = &now
	return nil
}

func (s *stubUserStore) IncrementLoginAttempts(ctx context.Context, id int64) (int, error) {
	u, ok := s.users[id]
	if !ok {
		return 0, sqlite.ErrNotFound
	}
	u.LoginAttempts++
	return u.LoginAttempts, nil
}

func (s *stubUserStore) ResetLoginAttempts(ctx context.Context, id int64) error {
	u, ok := s.users[id]
	if !ok {
		return sqlite.ErrNotFound
	}
	u.LoginAttempts = 0
	return nil
}

func (s *stubUserStore) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	u, ok := s.users[id]
	if !ok {
		return sqlite.ErrNotFound
	}
	u.Password = passwordHash
	return nil
}

func (s *stubUserStore) SetPasswordResetToken(ctx context.Context, id int64, token string, expires time.Time) error {
	u, ok := s.users[id]
	if !ok {
		return sqlite.ErrNotFound
	}
	u.PasswordResetToken = token
	u.PasswordResetExpires = &expires
	return nil
}

func (s *stubUserStore) FindUserByResetToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, sqlite.ErrNotFound
	}
	for _, u := range s.users {
		if u.PasswordResetToken == token {
			return u, nil
		}
	}
	return nil, sqlite.ErrNotFound
}

func (s *stubUserStore) ClearPasswordResetToken(ctx context.Context, id int64) error {
	u, ok := s.users[id]
	if !ok {
		return sqlite.ErrNotFound
	}
	u.PasswordResetToken = ""
	u.PasswordResetExpires = nil
	return nil
}

// testClient はクッキーを引き継ぎながらリクエストを実行します。
type testClient struct {
	t       *testing.T
	router  *gin.Engine
	cookies map[string]*http.Cookie
}

func (tc *testClient) do(method, path string, payload interface{}) *httptest.ResponseRecorder {
	tc.t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			tc.t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("User-Agent", "test-agent")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range tc.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	tc.router.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		tc.cookies[c.Name] = c
	}
	return rec
}

func (tc *testClient) csrfToken() string {
	tc.t.Helper()
	rec := tc.do(http.MethodGet, "/csrf", nil)
	if rec.Code != http.StatusOK {
		tc.t.Fatalf("failed to issue csrf token: %d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		tc.t.Fatalf("failed to parse csrf response: %v", err)
	}
	if payload.CSRFToken == "" {
		tc.t.Fatal("empty csrf token")
	}
	return payload.CSRFToken
}

func newAuthTestServer(t *testing.T) (*testClient, *stubUserStore, *security.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		GinMode:            gin.TestMode,
		SessionCookie:      "todo_session",
		SessionLifetime:    2 * time.Hour,
		CSRFTokenLifetime:  2 * time.Hour,
		BcryptCost:         bcrypt.MinCost,
		MaxLoginAttempts:   5,
		ResetTokenLifetime: time.Hour,
	}
	sec := security.New(cfg)
	sessionManager := session.NewManager(cfg, sec)
	store := newStubUserStore()
	manager := NewManager(cfg, sec, sessionManager, store, nil, log.New(io.Discard, "", 0))

	router := gin.New()
	router.Use(sessions.Sessions(cfg.SessionCookie, cookie.NewStore([]byte("test-secret"))))
	router.Use(sessionManager.Middleware())

	router.GET("/csrf", manager.IssueCSRF)
	router.POST("/login", manager.Login)
	router.POST("/register", manager.Register)
	router.POST("/logout", manager.Logout)
	router.POST("/password/reset-request", manager.RequestPasswordReset)
	router.POST("/password/reset", manager.ResetPassword)

	protected := router.Group("")
	protected.Use(manager.RequireLogin())
	protected.GET("/me", manager.Me)

	client := &testClient{t: t, router: router, cookies: map[string]*http.Cookie{}}
	return client, store, sec
}

func seedUser(t *testing.T, store *stubUserStore, sec *security.Service, email, password string) int64 {
	t.Helper()
	hash, err := sec.HashPassword(password)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	id, err := store.CreateUser(context.Background(), "taro", email, hash)
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return id
}

func TestLoginAndMe(t *testing.T) {
	client, store, sec := newAuthTestServer(t)
	seedUser(t, store, sec, "taro@example.com", "password123")

	token := client.csrfToken()
	rec := client.do(http.MethodPost, "/login", gin.H{
		"email":      "taro@example.com",
		"password":   "password123",
		"csrf_token": token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	// パスワードハッシュはレスポンスに含めない
	if strings.Contains(rec.Body.String(), "$2a$") {
		t.Fatalf("password hash leaked: %s", rec.Body.String())
	}

	me := client.do(http.MethodGet, "/me", nil)
	if me.Code != http.StatusOK {
		t.Fatalf("unexpected /me status: %d body=%s", me.Code, me.Body.String())
	}
	if !strings.Contains(me.Body.String(), "taro@example.com") {
		t.Fatalf("unexpected /me body: %s", me.Body.String())
	}
}

func TestLoginWrongPasswordIsGeneric(t *testing.T) {
	client, store, sec := newAuthTestServer(t)
	id := seedUser(t, store, sec, "taro@example.com", "password123")

	token := client.csrfToken()
	rec := client.do(http.MethodPost, "/login", gin.H{
		"email":      "taro@example.com",
		"password":   "wrong-password",
		"csrf_token": token,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "メールアドレスまたはパスワードが正しくありません。") {
		t.Fatalf("unexpected message: %s", rec.Body.String())
	}
	if store.users[id].LoginAttempts != 1 {
		t.Fatalf("expected attempt to be recorded, got %d", store.users[id].LoginAttempts)
	}

	// 存在しないメールアドレスでも同じメッセージを返す
	rec = client.do(http.MethodPost, "/login", gin.H{
		"email":      "nobody@example.com",
		"password":   "password123",
		"csrf_token": token,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "メールアドレスまたはパスワードが正しくありません。") {
		t.Fatalf("unexpected message: %s", rec.Body.String())
	}
}

func TestLoginLockedAccount(t *testing.T) {
	client, store, sec := newAuthTestServer(t)
	id := seedUser(t, store, sec, "taro@example.com", "password123")
	store.users[id].LoginAttempts = 5

	// ロック中は正しいパスワードでも拒否される
	token := client.csrfToken()
	rec := client.do(http.MethodPost, "/login", gin.H{
		"email":      "taro@example.com",
		"password":   "password123",
		"csrf_token": token,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "メールアドレスまたはパスワードが正しくありません。") {
		t.Fatalf("unexpected message: %s", rec.Body.String())
	}
}

func TestLoginRequiresCSRF(t *testing.T) {
	client, store, sec := newAuthTestServer(t)
	seedUser(t, store, sec, "taro@example.com", "password123")

	rec := client.do(http.MethodPost, "/login", gin.H{
		"email":    "taro@example.com",
		"password": "password123",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "不正なリクエストです。") {
		t.Fatalf("unexpected message: %s", rec.Body.String())
	}
}

func TestRegister(t *testing.T) {
	client, store, sec := newAuthTestServer(t)

	token := client.csrfToken()
	rec := client.do(http.MethodPost, "/register", gin.H{
		"username":   "hanako",
		"email":      "hanako@example.com",
		"password":   "password123",
		"csrf_token": token,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	user, err := store.FindUserByEmail(context.Background(), "hanako@example.com")
	if err != nil {
		t.Fatalf("registered user not found: %v", err)
	}
	if user.Password == "password123" {
		t.Fatal("password must be stored hashed")
	}
	if !sec.VerifyPassword("password123", user.Password) {
		t.Fatal("stored hash does not verify")
	}

	// 同じメールアドレスでの再登録は拒否される
	rec = client.do(http.MethodPost, "/register", gin.H{
		"username":   "hanako2",
		"email":      "hanako@example.com",
		"password":   "password456",
		"csrf_token": token,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "このメールアドレスは既に登録されています。") {
		t.Fatalf("unexpected message: %s", rec.Body.String())
	}
}

func TestRegisterValidation(t *testing.T) {
	client, _, _ := newAuthTestServer(t)
	token := client.csrfToken()

	cases := []gin.H{
		{"username": "ab", "email": "a@example.com", "password": "password123"},  // 短いユーザー名
		{"username": "taro", "email": "not-an-email", "password": "password123"}, // 不正なメール
		{"username": "taro", "email": "a@example.com", "password": "short"},      // 短いパスワード
	}
	for _, payload := range cases {
		payload["csrf_token"] = token
		rec := client.do(http.MethodPost, "/register", payload)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", payload, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "入力内容に誤りがあります。") {
			t.Fatalf("unexpected message: %s", rec.Body.String())
		}
	}
}

func TestRequireLoginUnauthorized(t *testing.T) {
	client, _, _ := newAuthTestServer(t)

	rec := client.do(http.MethodGet, "/me", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var payload struct {
		Success  bool   `json:"success"`
		Message  string `json:"message"`
		Redirect string `json:"redirect"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Success || payload.Message != "認証が必要です。" || payload.Redirect != "/login" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestLogout(t *testing.T) {
	client, store, sec := newAuthTestServer(t)
	seedUser(t, store, sec, "taro@example.com", "password123")

	token := client.csrfToken()
	rec := client.do(http.MethodPost, "/login", gin.H{
		"email":      "taro@example.com",
		"password":   "password123",
		"csrf_token": token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d body=%s", rec.Code, rec.Body.String())
	}

	rec = client.do(http.MethodPost, "/logout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected logout status: %d", rec.Code)
	}

	rec = client.do(http.MethodGet, "/me", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	client, store, sec := newAuthTestServer(t)
	id := seedUser(t, store, sec, "taro@example.com", "old-password123")
	store.users[id].LoginAttempts = 5

	token := client.csrfToken()
	rec := client.do(http.MethodPost, "/password/reset-request", gin.H{
		"email":      "taro@example.com",
		"csrf_token": token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	resetToken := store.users[id].PasswordResetToken
	if resetToken == "" {
		t.Fatal("expected reset token to be issued")
	}

	rec = client.do(http.MethodPost, "/password/reset", gin.H{
		"token":      resetToken,
		"password":   "new-password123",
		"csrf_token": token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	user := store.users[id]
	if !sec.VerifyPassword("new-password123", user.Password) {
		t.Fatal("password was not updated")
	}
	if user.PasswordResetToken != "" {
		t.Fatal("expected reset token to be cleared")
	}
	// リセット成功でアカウントロックも解除される
	if user.LoginAttempts != 0 {
		t.Fatalf("expected login attempts to be reset, got %d", user.LoginAttempts)
	}
}

func TestPasswordResetRequestUnknownEmail(t *testing.T) {
	client, store, sec := newAuthTestServer(t)
	seedUser(t, store, sec, "taro@example.com", "password123")
	token := client.csrfToken()

	known := client.do(http.MethodPost, "/password/reset-request", gin.H{
		"email":      "taro@example.com",
		"csrf_token": token,
	})
	unknown := client.do(http.MethodPost, "/password/reset-request", gin.H{
		"email":      "nobody@example.com",
		"csrf_token": token,
	})

	// 登録有無がレスポンスから分からないこと
	if known.Code != unknown.Code {
		t.Fatalf("status differs: %d vs %d", known.Code, unknown.Code)
	}
	if known.Body.String() != unknown.Body.String() {
		t.Fatalf("body differs: %s vs %s", known.Body.String(), unknown.Body.String())
	}
}

func TestPasswordResetExpiredToken(t *testing.T) {
	client, store, sec := newAuthTestServer(t)
	id := seedUser(t, store, sec, "taro@example.com", "password123")

	expired := time.Now().Add(-time.Minute)
	store.users[id].PasswordResetToken = "expired-token"
	store.users[id].PasswordResetExpires = &expired

	token := client.csrfToken()
	rec := client.do(http.MethodPost, "/password/reset", gin.H{
		"token":      "expired-token",
		"password":   "new-password123",
		"csrf_token": token,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "パスワードリセットトークンが無効です。") {
		t.Fatalf("unexpected message: %s", rec.Body.String())
	}
}
