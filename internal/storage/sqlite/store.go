// Package sqlite は users / tasks テーブルへのパラメータ化されたアクセスを提供します。
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound は行が存在しない、または操作者の所有ではないことを表します。
	// 他人の行と存在しない行は呼び出し側から区別できません。
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEmail は登録済みメールアドレスでの重複登録を表します。
	ErrDuplicateEmail = errors.New("email already registered")
)

// Store はSQLiteデータベースへの接続を保持します。
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open はデータベースを開き、必要なマイグレーションを実行します。
func Open(dbPath string, logger *log.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("empty database path")
	}
	if logger == nil {
		logger = log.Default()
	}

	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=ON&_loc=UTC", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLiteは単一ライターのため接続を1本に制限する
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{db: conn, logger: logger}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

// Close はデータベース接続を解放します。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            username TEXT NOT NULL,
            email TEXT NOT NULL UNIQUE,
            password TEXT NOT NULL,
            is_active INTEGER NOT NULL DEFAULT 1,
            login_attempts INTEGER NOT NULL DEFAULT 0,
            last_login DATETIME,
            password_reset_token TEXT,
            password_reset_expires DATETIME,
            created_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            title TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            due_date DATETIME,
            priority INTEGER NOT NULL DEFAULT 0,
            is_completed INTEGER NOT NULL DEFAULT 0,
            category TEXT NOT NULL DEFAULT '',
            completed_at DATETIME,
            created_at DATETIME NOT NULL,
            deleted_at DATETIME,
            deleted_by INTEGER,
            FOREIGN KEY(user_id) REFERENCES users(id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_completed ON tasks(user_id, is_completed);`,
		`CREATE INDEX IF NOT EXISTS idx_users_reset_token ON users(password_reset_token);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// withTx は関数をトランザクション内で実行します。
// 関数がエラーを返した場合はロールバックします。
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
