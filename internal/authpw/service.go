// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tradebook/api/internal/store"
	"tradebook/api/internal/util"
)

var (
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateUser(ctx context.Context, user store.User, spaceID string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
}

// Service provides email/password authentication
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates a new user account together with its journal space.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	displayName := strings.TrimSpace(req.DisplayName)

	if email == "" || req.Password == "" || displayName == "" {
		return store.User{}, errors.New("email, password, and display name are required")
	}
	if !strings.Contains(email, "@") {
		return store.User{}, errors.New("invalid email address")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("u"),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: string(hash),
		Role:         "editor",
		SpaceID:      util.NewID("sp"),
	}
	if err := s.store.CreateUser(ctx, user, user.SpaceID); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn verifies the credentials and returns the user.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a comparison anyway so the timing does not reveal whether the
		// account exists.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGZLKQuKLJMFqmEWVvf1rFqGPuqGVPGu"), []byte(req.Password))
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword verifies the current password and stores a hash of the new one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateUserPassword(ctx, userID, string(hash))
}
