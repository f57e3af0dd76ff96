package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/novachat/internal/db"
	"github.com/4xmen/novachat/internal/models"
)

var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

type Service struct {
	db        *db.DB
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func New(database *db.DB, jwtSecret string) *Service {
	return NewWithTokenTTL(database, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(database *db.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		db:        database,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (int, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 32 {
		return 0, fmt.Errorf("%w: username must be between 3 and 32 characters", models.ErrValidation)
	}

	if !usernamePattern.MatchString(username) {
		return 0, fmt.Errorf("%w: username can only contain letters, numbers, and underscores", models.ErrValidation)
	}

	if len(password) < 6 {
		return 0, fmt.Errorf("%w: password must be at least 6 characters", models.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	var id int
	err = s.db.QueryRowContext(ctx,
		"INSERT INTO users (username, password_hash) VALUES (?, ?) RETURNING id",
		username,
		string(hash),
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("failed to register user: %w", err)
	}

	return id, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)

	var userID int
	var passwordHash string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, password_hash FROM users WHERE username = ?",
		username,
	).Scan(&userID, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("failed to query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := s.GenerateToken(userID, username)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return token, nil
}

func (s *Service) GenerateToken(userID int, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Authenticate resolves a bearer token to the user it was issued for.
// Tokens for users that no longer exist are rejected.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (int, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return 0, err
	}
	if claims.UserID <= 0 {
		return 0, ErrInvalidToken
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", claims.UserID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to query user: %w", err)
	}
	if !exists {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}
