// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)
	Debug   bool   // デバッグモード（エラー詳細をレスポンスに含める）

	// セッション設定
	SessionSecret   string        // セッション署名用の秘密鍵
	SessionCookie   string        // セッションクッキー名
	SessionLifetime time.Duration // セッションの有効期間（最終アクティビティ基準）
	SessionRedis    string        // セッションストア用Redisアドレス（空ならクッキーストア）

	// セキュリティ設定
	CSRFTokenLifetime  time.Duration // CSRFトークンの有効期間
	BcryptCost         int           // bcryptのコストパラメータ
	MaxLoginAttempts   int           // アカウントロックまでのログイン失敗回数
	ResetTokenLifetime time.Duration // パスワードリセットトークンの有効期間

	// データベース設定
	DBPath string // SQLiteデータベースファイルのパス

	// メール配送キュー設定
	QueueRedisURL         string // Asynq用Redis接続URL（空ならキュー無効）
	MailRecordExpireHours int    // 配送記録の有効期限（時間）

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),
		Debug:   getEnvAsBool("APP_DEBUG", true),

		// セッション設定
		SessionSecret:   getEnv("SESSION_SECRET", ""),
		SessionCookie:   getEnv("SESSION_COOKIE", "todo_session"),
		SessionLifetime: time.Duration(getEnvAsInt("SESSION_LIFETIME_SECONDS", 7200)) * time.Second,
		SessionRedis:    getEnv("SESSION_REDIS_ADDR", ""),

		// セキュリティ設定
		CSRFTokenLifetime:  time.Duration(getEnvAsInt("CSRF_TOKEN_LIFETIME_SECONDS", 7200)) * time.Second,
		BcryptCost:         getEnvAsInt("BCRYPT_COST", 12),
		MaxLoginAttempts:   getEnvAsInt("MAX_LOGIN_ATTEMPTS", 5),
		ResetTokenLifetime: time.Duration(getEnvAsInt("RESET_TOKEN_LIFETIME_SECONDS", 3600)) * time.Second,

		// データベース設定
		DBPath: getEnv("DB_PATH", "data/todo.db"),

		// メール配送キュー設定
		QueueRedisURL:         getEnv("QUEUE_REDIS_URL", ""),
		MailRecordExpireHours: getEnvAsInt("MAIL_RECORD_EXPIRE_HOURS", 24),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.SessionLifetime <= 0 {
		return fmt.Errorf("SESSION_LIFETIME_SECONDS must be positive")
	}
	if c.CSRFTokenLifetime <= 0 {
		return fmt.Errorf("CSRF_TOKEN_LIFETIME_SECONDS must be positive")
	}

	// ローカル開発では秘密鍵は任意。本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
