// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	redisstore "github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/todo-backend/internal/auth"
	"github.com/yourusername/todo-backend/internal/config"
	"github.com/yourusername/todo-backend/internal/security"
	"github.com/yourusername/todo-backend/internal/session"
	"github.com/yourusername/todo-backend/internal/storage/sqlite"
	"github.com/yourusername/todo-backend/internal/tasks"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// データベースを開く
	store, err := sqlite.Open(cfg.DBPath, log.Default())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	securityService := security.New(cfg)
	sessionManager := session.NewManager(cfg, securityService)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（Redisアドレスがあればサーバーサイド、なければ署名付きクッキー）
	sessionStore, err := buildSessionStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create session store: %v", err)
	}
	router.Use(sessions.Sessions(cfg.SessionCookie, sessionStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		security.CSRFHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{security.CSRFHeader}
	router.Use(cors.New(corsConfig))

	// セキュリティヘッダーと全リクエストでのセッション開始
	router.Use(securityService.Headers())
	router.Use(sessionManager.Middleware())

	// メール配送キューの設定（Redis未設定の環境ではログ出力にフォールバック）
	var mailer auth.Mailer
	if cfg.QueueRedisURL != "" {
		mailManager, err := setupMail(cfg, log.Default())
		if err != nil {
			log.Fatalf("Failed to set up mail queue: %v", err)
		}
		mailManager.StartWorkers()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = mailManager.Shutdown(ctx)
		}()
		mailer = mailManager
	}

	authManager := auth.NewManager(cfg, securityService, sessionManager, store, mailer, log.Default())
	taskHandler := tasks.NewHandler(cfg, store, authManager, log.Default())

	// ルーティングの設定
	setupRoutes(router, authManager, taskHandler)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// buildSessionStore はセッションストアを構築し、クッキーの属性を設定します。
func buildSessionStore(cfg *config.Config) (sessions.Store, error) {
	options := sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionLifetime.Seconds()),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	}

	if cfg.SessionRedis != "" {
		store, err := redisstore.NewStore(10, "tcp", cfg.SessionRedis, "", []byte(cfg.SessionSecret))
		if err != nil {
			return nil, err
		}
		store.Options(options)
		return store, nil
	}

	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(options)
	return store, nil
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "todo-backend",
		"version": "0.1.0",
	})
}

// setupRoutes はAPIと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, authManager *auth.Manager, taskHandler *tasks.Handler) {
	router.GET("/health", handleHealth)

	// CSRFトークンの発行（セッション開始を兼ねる）
	router.GET("/csrf", authManager.IssueCSRF)

	// 認証関連。ログアウトはセッション状態にかかわらず常に成功する
	router.POST("/login", authManager.Login)
	router.POST("/register", authManager.Register)
	router.POST("/logout", authManager.Logout)
	router.POST("/password/reset-request", authManager.RequestPasswordReset)
	router.POST("/password/reset", authManager.ResetPassword)

	// ルートはログイン状態に応じてリダイレクト
	router.GET("/", func(c *gin.Context) {
		if authManager.IsAuthenticated(c) {
			c.Redirect(http.StatusFound, "/tasks")
			return
		}
		c.Redirect(http.StatusFound, "/login")
	})

	// タスクAPIは全て要ログイン
	protected := router.Group("")
	protected.Use(authManager.RequireLogin())
	{
		protected.GET("/me", authManager.Me)
		protected.GET("/tasks", taskHandler.List)
		protected.POST("/tasks/create", taskHandler.Create)
		protected.GET("/tasks/:id", taskHandler.Show)
		protected.PUT("/tasks/:id", taskHandler.Update)
		protected.DELETE("/tasks/:id", taskHandler.Delete)
		protected.POST("/tasks/:id/toggle", taskHandler.Toggle)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "ページが見つかりません。",
		})
	})
}
