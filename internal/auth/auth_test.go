package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/4xmen/novachat/internal/db"
	"github.com/4xmen/novachat/internal/models"
)

func setupService(t *testing.T, ttl time.Duration) (*Service, *db.DB) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewWithTokenTTL(database, "test-secret", ttl), database
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := setupService(t, time.Hour)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "secret1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"too short", "ab", "secret1", models.ErrValidation},
		{"bad characters", "al ice!", "secret1", models.ErrValidation},
		{"short password", "bobby", "12345", models.ErrValidation},
		{"duplicate", "alice", "secret1", ErrUsernameTaken},
		{"duplicate with spaces", "  alice ", "secret1", ErrUsernameTaken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	svc, _ := setupService(t, time.Hour)
	ctx := context.Background()

	id, err := svc.Register(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected invalid credentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected invalid credentials for unknown user, got %v", err)
	}

	token, err := svc.Login(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	userID, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if userID != id {
		t.Errorf("Expected user %d, got %d", id, userID)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	svc, database := setupService(t, time.Hour)
	ctx := context.Background()

	id, _ := svc.Register(ctx, "alice", "secret1")
	valid, _ := svc.GenerateToken(id, "alice")
	ghost, _ := svc.GenerateToken(id+100, "ghost")
	foreign, _ := NewWithTokenTTL(database, "other-secret", time.Hour).GenerateToken(id, "alice")

	expiredSvc := NewWithTokenTTL(database, "test-secret", time.Nanosecond)
	expired, _ := expiredSvc.GenerateToken(id, "alice")
	time.Sleep(10 * time.Millisecond)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"deleted user", ghost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Authenticate(ctx, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Expected invalid token, got %v", err)
			}
		})
	}

	if _, err := svc.Authenticate(ctx, valid); err != nil {
		t.Errorf("Expected valid token to pass, got %v", err)
	}
}
