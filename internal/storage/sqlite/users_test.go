package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateAndFindUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "taro", "taro@example.com", "$2a$04$hash")
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if id <= 0 {
		t.Fatalf("unexpected user id: %d", id)
	}

	user, err := store.FindUser(ctx, id)
	if err != nil {
		t.Fatalf("FindUser returned error: %v", err)
	}
	if user.Username != "taro" || user.Email != "taro@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !user.IsActive {
		t.Fatal("expected new user to be active")
	}
	if user.LoginAttempts != 0 {
		t.Fatalf("unexpected login attempts: %d", user.LoginAttempts)
	}
	if user.LastLogin != nil {
		t.Fatal("expected last_login to be nil for a new user")
	}

	byEmail, err := store.FindUserByEmail(ctx, "taro@example.com")
	if err != nil {
		t.Fatalf("FindUserByEmail returned error: %v", err)
	}
	if byEmail.ID != id {
		t.Fatalf("unexpected id: %d", byEmail.ID)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "taro", "taro@example.com", "hash1"); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	_, err := store.CreateUser(ctx, "jiro", "taro@example.com", "hash2")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.FindUser(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.FindUserByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoginAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, store, "taro@example.com")

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementLoginAttempts(ctx, id)
		if err != nil {
			t.Fatalf("IncrementLoginAttempts returned error: %v", err)
		}
		if got != want {
			t.Fatalf("attempts = %d, want %d", got, want)
		}
	}

	if err := store.ResetLoginAttempts(ctx, id); err != nil {
		t.Fatalf("ResetLoginAttempts returned error: %v", err)
	}
	user, err := store.FindUser(ctx, id)
	if err != nil {
		t.Fatalf("FindUser returned error: %v", err)
	}
	if user.LoginAttempts != 0 {
		t.Fatalf("attempts after reset = %d", user.LoginAttempts)
	}
}

func TestPasswordResetToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, store, "taro@example.com")

	expires := time.Now().Add(time.Hour).UTC()
	if err := store.SetPasswordResetToken(ctx, id, "token-abc", expires); err != nil {
		t.Fatalf("SetPasswordResetToken returned error: %v", err)
	}

	user, err := store.FindUserByResetToken(ctx, "token-abc")
	if err != nil {
		t.Fatalf("FindUserByResetToken returned error: %v", err)
	}
	if user.ID != id {
		t.Fatalf("unexpected user id: %d", user.ID)
	}
	if user.PasswordResetExpires == nil {
		t.Fatal("expected expiry to be set")
	}

	// 空トークンでの検索は常に失敗する
	if _, err := store.FindUserByResetToken(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty token, got %v", err)
	}

	if err := store.ClearPasswordResetToken(ctx, id); err != nil {
		t.Fatalf("ClearPasswordResetToken returned error: %v", err)
	}
	if _, err := store.FindUserByResetToken(ctx, "token-abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected token to be cleared, got %v", err)
	}
}

func TestUpdatePasswordAndLastLogin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, store, "taro@example.com")

	if err := store.UpdatePassword(ctx, id, "new-hash"); err != nil {
		t.Fatalf("UpdatePassword returned error: %v", err)
	}
	if err := store.UpdateLastLogin(ctx, id); err != nil {
		t.Fatalf("UpdateLastLogin returned error: %v", err)
	}

	user, err := store.FindUser(ctx, id)
	if err != nil {
		t.Fatalf("FindUser returned error: %v", err)
	}
	if user.Password != "new-hash" {
		t.Fatalf("unexpected password hash: %s", user.Password)
	}
	if user.LastLogin == nil {
		t.Fatal("expected last_login to be set")
	}

	if err := store.UpdatePassword(ctx, 999, "hash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}
}

func TestActivateDeactivateUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, store, "taro@example.com")

	if err := store.DeactivateUser(ctx, id); err != nil {
		t.Fatalf("DeactivateUser returned error: %v", err)
	}
	user, err := store.FindUser(ctx, id)
	if err != nil {
		t.Fatalf("FindUser returned error: %v", err)
	}
	if user.IsActive {
		t.Fatal("expected user to be inactive")
	}

	if err := store.ActivateUser(ctx, id); err != nil {
		t.Fatalf("ActivateUser returned error: %v", err)
	}
	user, err = store.FindUser(ctx, id)
	if err != nil {
		t.Fatalf("FindUser returned error: %v", err)
	}
	if !user.IsActive {
		t.Fatal("expected user to be active again")
	}
}
