package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/yourusername/todo-backend/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestUser(t *testing.T, store *Store, email string) int64 {
	t.Helper()
	id, err := store.CreateUser(context.Background(), "taro", email, "$2a$04$hash")
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return id
}

func createTestTask(t *testing.T, store *Store, userID int64, title string) int64 {
	t.Helper()
	id, err := store.CreateTask(context.Background(), &models.Task{
		UserID: userID,
		Title:  title,
	})
	if err != nil {
		t.Fatalf("failed to create test task: %v", err)
	}
	return id
}
