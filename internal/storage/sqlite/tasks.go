package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/todo-backend/internal/models"
)

const taskColumns = `id, user_id, title, description, due_date, priority,
    is_completed, category, completed_at, created_at, deleted_at, deleted_by`

// ソート可能なカラムのホワイトリスト。キーは外部から受け取る名前です。
var taskSortColumns = map[string]string{
	"due_date":     "due_date",
	"priority":     "priority",
	"created_at":   "created_at",
	"title":        "title",
	"category":     "category",
	"is_completed": "is_completed",
}

// ListTasksForUser は指定ユーザーのタスク一覧をフィルタ条件付きで取得します。
// ソフトデリート済みの行は常に除外されます。
func (s *Store) ListTasksForUser(ctx context.Context, userID int64, f models.TaskFilters) ([]models.Task, error) {
	where := []string{"user_id = ?", "deleted_at IS NULL"}
	args := []interface{}{userID}

	if f.IsCompleted != nil {
		where = append(where, "is_completed = ?")
		args = append(args, *f.IsCompleted)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Priority != nil {
		where = append(where, "priority = ?")
		args = append(args, *f.Priority)
	}
	if f.Overdue {
		where = append(where, "due_date IS NOT NULL AND due_date < ? AND is_completed = 0")
		args = append(args, time.Now().UTC())
	}
	if f.Search != "" {
		// SQLiteのLIKEはASCIIに対して大文字小文字を区別しない
		pattern := "%" + escapeLike(f.Search) + "%"
		where = append(where, `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	orderBy := "due_date ASC, priority DESC"
	if column, ok := taskSortColumns[f.SortBy]; ok {
		direction := "ASC"
		if strings.EqualFold(f.SortDirection, "desc") {
			direction = "DESC"
		}
		orderBy = column + " " + direction
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY %s`,
		taskColumns, strings.Join(where, " AND "), orderBy)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CreateTask はタスクを挿入し、IDを返します。
// is_completed は常に false、created_at は現在時刻で初期化されます。
func (s *Store) CreateTask(ctx context.Context, t *models.Task) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(user_id, title, description, due_date, priority, is_completed, category, created_at)
         VALUES(?, ?, ?, ?, ?, 0, ?, ?)`,
		t.UserID, t.Title, t.Description, dueDateArg(t.DueDate), t.Priority, t.Category, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task id: %w", err)
	}
	return id, nil
}

// FindTaskForUser はIDとユーザーIDでタスクを取得します。
// 他人のタスクは存在しない行と同じく ErrNotFound になります。
// deleted_at では絞り込みません。
func (s *Store) FindTaskForUser(ctx context.Context, id, userID int64) (*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ? AND user_id = ? LIMIT 1`, taskColumns),
		id, userID)
	if err != nil {
		return nil, fmt.Errorf("find task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanTask(rows)
}

// UpdateTask はfillableなフィールドのみを更新します。
// 対象が存在しないか所有者が異なる場合は ErrNotFound を返します。
func (s *Store) UpdateTask(ctx context.Context, id, userID int64, changes models.TaskChanges) error {
	set := []string{}
	args := []interface{}{}

	if changes.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *changes.Title)
	}
	if changes.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *changes.Description)
	}
	if changes.DueDate != nil {
		set = append(set, "due_date = ?")
		args = append(args, changes.DueDate.UTC())
	} else if changes.ClearDue {
		set = append(set, "due_date = NULL")
	}
	if changes.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *changes.Priority)
	}
	if changes.IsCompleted != nil {
		set = append(set, "is_completed = ?")
		args = append(args, *changes.IsCompleted)
	}
	if changes.Category != nil {
		set = append(set, "category = ?")
		args = append(args, *changes.Category)
	}

	if len(set) == 0 {
		// 変更なしでも所有確認は行う
		_, err := s.FindTaskForUser(ctx, id, userID)
		return err
	}

	args = append(args, id, userID)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND user_id = ?`, strings.Join(set, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
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

// SoftDeleteTask は行を残したまま削除済みマークを付けます。
func (s *Store) SoftDeleteTask(ctx context.Context, id, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deleted_at = ?, deleted_by = ? WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), userID, id, userID)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
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

// RestoreTask はソフトデリートを取り消します。
func (s *Store) RestoreTask(ctx context.Context, id, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deleted_at = NULL, deleted_by = NULL WHERE id = ? AND user_id = ? AND deleted_at IS NOT NULL`,
		id, userID)
	if err != nil {
		return fmt.Errorf("restore task: %w", err)
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

// ToggleTaskComplete は完了状態を反転し、更新後のタスクを返します。
// 読み取りと書き込みを同一トランザクションで行うため、
// 同じタスクへの同時トグルは直列化されます。
func (s *Store) ToggleTaskComplete(ctx context.Context, id, userID int64) (*models.Task, error) {
	var task *models.Task
	err := s.withTx(func(tx *sql.Tx) error {
		var (
			completed bool
			owner     int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, is_completed FROM tasks WHERE id = ? LIMIT 1`, id,
		).Scan(&owner, &completed)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if owner != userID {
			return ErrNotFound
		}

		var completedAt interface{}
		if !completed {
			completedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET is_completed = ?, completed_at = ? WHERE id = ?`,
			!completed, completedAt, id); err != nil {
			return fmt.Errorf("toggle task: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ? LIMIT 1`, taskColumns), id)
		if err != nil {
			return fmt.Errorf("reload task: %w", err)
		}
		defer rows.Close()
		if !rows.Next() {
			return ErrNotFound
		}
		task, err = scanTask(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CountTasksByCategory はカテゴリごとのタスク数を返します。
func (s *Store) CountTasksByCategory(ctx context.Context, userID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM tasks WHERE user_id = ? AND deleted_at IS NULL GROUP BY category`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			category string
			count    int
		)
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[category] = count
	}
	return counts, rows.Err()
}

func dueDateArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

func scanTask(rows *sql.Rows) (*models.Task, error) {
	var (
		t           models.Task
		dueDate     sql.NullTime
		completedAt sql.NullTime
		deletedAt   sql.NullTime
		deletedBy   sql.NullInt64
	)
	err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &dueDate, &t.Priority,
		&t.IsCompleted, &t.Category, &completedAt, &t.CreatedAt, &deletedAt, &deletedBy)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.DueDate = nullableTime(dueDate)
	t.CompletedAt = nullableTime(completedAt)
	t.DeletedAt = nullableTime(deletedAt)
	if deletedBy.Valid {
		v := deletedBy.Int64
		t.DeletedBy = &v
	}
	return &t, nil
}
