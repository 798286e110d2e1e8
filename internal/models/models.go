// Package models はデータベースの行に対応する型を定義します。
package models

import "time"

// User は users テーブルの1行を表します。
// パスワードハッシュとリセットトークンはAPIレスポンスに含めてはならないため、
// json:"-" で全てのシリアライズ経路から除外しています。
type User struct {
	ID                   int64      `json:"id"`
	Username             string     `json:"username"`
	Email                string     `json:"email"`
	Password             string     `json:"-"`
	IsActive             bool       `json:"is_active"`
	LoginAttempts        int        `json:"login_attempts"`
	LastLogin            *time.Time `json:"last_login"`
	PasswordResetToken   string     `json:"-"`
	PasswordResetExpires *time.Time `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Task は tasks テーブルの1行を表します。
// deleted_at が設定された行はソフトデリート済みとして扱います。
type Task struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
	Priority    int        `json:"priority"`
	IsCompleted bool       `json:"is_completed"`
	Category    string     `json:"category"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	DeletedBy   *int64     `json:"deleted_by,omitempty"`
}

// TaskFilters はタスク一覧の絞り込み条件です。ゼロ値は「条件なし」を意味します。
type TaskFilters struct {
	IsCompleted   *bool  // 完了状態
	Category      string // カテゴリ完全一致
	Priority      *int   // 優先度完全一致
	Overdue       bool   // 期限切れかつ未完了のみ
	Search        string // タイトル・説明の部分一致（大文字小文字を区別しない）
	SortBy        string // ソート対象カラム（ホワイトリスト制）
	SortDirection string // asc / desc
}

// TaskChanges はタスク更新で変更可能なフィールドです。
// nil のフィールドは変更しません（fillable方式）。
type TaskChanges struct {
	Title       *string
	Description *string
	DueDate     *time.Time
	ClearDue    bool // due_date を NULL に戻す
	Priority    *int
	IsCompleted *bool
	Category    *string
}
