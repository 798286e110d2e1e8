package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/todo-backend/internal/models"
)

const userColumns = `id, username, email, password, is_active, login_attempts,
    last_login, password_reset_token, password_reset_expires, created_at`

// CreateUser はユーザーを作成し、IDを返します。
// メールアドレスの重複チェックと挿入を同一トランザクションで行うため、
// 同時登録に対しても一意性が保たれます。
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check email: %w", err)
		}
		if exists {
			return ErrDuplicateEmail
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO users(username, email, password, is_active, created_at) VALUES(?, ?, ?, 1, ?)`,
			username, email, passwordHash, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FindUser はIDでユーザーを取得します。
func (s *Store) FindUser(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE id = ? LIMIT 1`, userColumns), id)
	return scanUser(row)
}

// FindUserByEmail はメールアドレスでユーザーを取得します。
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE email = ? LIMIT 1`, userColumns), email)
	return scanUser(row)
}

// UpdateLastLogin は最終ログイン日時を現在時刻へ更新します。
func (s *Store) UpdateLastLogin(ctx context.Context, id int64) error {
	return s.execForUser(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, time.Now().UTC(), id)
}

// IncrementLoginAttempts はログイン失敗回数を1増やし、更新後の値を返します。
func (s *Store) IncrementLoginAttempts(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET login_attempts = login_attempts + 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("increment login attempts: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT login_attempts FROM users WHERE id = ?`, id).Scan(&attempts)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return attempts, err
}

// ResetLoginAttempts はログイン失敗回数を0に戻します。
func (s *Store) ResetLoginAttempts(ctx context.Context, id int64) error {
	return s.execForUser(ctx, `UPDATE users SET login_attempts = 0 WHERE id = ?`, id)
}

// UpdatePassword はパスワードハッシュを更新します。
func (s *Store) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return s.execForUser(ctx, `UPDATE users SET password = ? WHERE id = ?`, passwordHash, id)
}

// SetPasswordResetToken はリセットトークンと有効期限を保存します。
func (s *Store) SetPasswordResetToken(ctx context.Context, id int64, token string, expires time.Time) error {
	return s.execForUser(ctx,
		`UPDATE users SET password_reset_token = ?, password_reset_expires = ? WHERE id = ?`,
		token, expires.UTC(), id)
}

// FindUserByResetToken はリセットトークンでユーザーを取得します。
// 有効期限の判定は呼び出し側で行います。
func (s *Store) FindUserByResetToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE password_reset_token = ? LIMIT 1`, userColumns), token)
	return scanUser(row)
}

// ClearPasswordResetToken はリセットトークンを破棄します。
func (s *Store) ClearPasswordResetToken(ctx context.Context, id int64) error {
	return s.execForUser(ctx,
		`UPDATE users SET password_reset_token = NULL, password_reset_expires = NULL WHERE id = ?`, id)
}

// DeactivateUser はアカウントを無効化します。
func (s *Store) DeactivateUser(ctx context.Context, id int64) error {
	return s.execForUser(ctx, `UPDATE users SET is_active = 0 WHERE id = ?`, id)
}

// ActivateUser はアカウントを有効化します。
func (s *Store) ActivateUser(ctx context.Context, id int64) error {
	return s.execForUser(ctx, `UPDATE users SET is_active = 1 WHERE id = ?`, id)
}

func (s *Store) execForUser(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		u            models.User
		lastLogin    sql.NullTime
		resetToken   sql.NullString
		resetExpires sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.IsActive, &u.LoginAttempts,
		&lastLogin, &resetToken, &resetExpires, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.LastLogin = nullableTime(lastLogin)
	u.PasswordResetToken = resetToken.String
	u.PasswordResetExpires = nullableTime(resetExpires)
	return &u, nil
}
