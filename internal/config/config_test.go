package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:              "8080",
		GinMode:           "debug",
		SessionCookie:     "todo_session",
		SessionLifetime:   2 * time.Hour,
		CSRFTokenLifetime: 2 * time.Hour,
		BcryptCost:        12,
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateBcryptCost(t *testing.T) {
	cfg := validConfig()
	cfg.BcryptCost = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for too low bcrypt cost")
	}

	cfg.BcryptCost = 40
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for too high bcrypt cost")
	}
}

func TestValidateLifetimes(t *testing.T) {
	cfg := validConfig()
	cfg.SessionLifetime = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero session lifetime")
	}

	cfg = validConfig()
	cfg.CSRFTokenLifetime = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative csrf lifetime")
	}
}

func TestValidateReleaseMode(t *testing.T) {
	cfg := validConfig()
	cfg.GinMode = "release"
	cfg.DBPath = "data/todo.db"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing session secret in release mode")
	}

	cfg.SessionSecret = "secret"
	cfg.DBPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing db path in release mode")
	}

	cfg.DBPath = "data/todo.db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GIN_MODE", "test")
	t.Setenv("SESSION_SECRET", "")
	t.Setenv("SESSION_LIFETIME_SECONDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SessionCookie != "todo_session" {
		t.Fatalf("unexpected cookie name: %s", cfg.SessionCookie)
	}
	if cfg.SessionLifetime != 2*time.Hour {
		t.Fatalf("unexpected session lifetime: %v", cfg.SessionLifetime)
	}
	if cfg.CSRFTokenLifetime != 2*time.Hour {
		t.Fatalf("unexpected csrf lifetime: %v", cfg.CSRFTokenLifetime)
	}
	if cfg.BcryptCost != 12 {
		t.Fatalf("unexpected bcrypt cost: %d", cfg.BcryptCost)
	}
	if cfg.MaxLoginAttempts != 5 {
		t.Fatalf("unexpected max login attempts: %d", cfg.MaxLoginAttempts)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	t.Setenv("TEST_INT_VALUE", "42")
	if got := getEnvAsInt("TEST_INT_VALUE", 7); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	t.Setenv("TEST_INT_VALUE", "not-a-number")
	if got := getEnvAsInt("TEST_INT_VALUE", 7); got != 7 {
		t.Fatalf("got %d, want fallback 7", got)
	}
}
