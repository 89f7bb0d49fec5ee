package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"tradebook/api/internal/store"
)

type fakeUserStore struct {
	users   map[string]store.User
	created []store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]store.User)}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	for _, user := range f.users {
		if user.ID == userID {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User, spaceID string) error {
	f.users[user.Email] = user
	f.created = append(f.created, user)
	return nil
}

func (f *fakeUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	for email, user := range f.users {
		if user.ID == userID {
			user.PasswordHash = passwordHash
			f.users[email] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func TestSignUpCreatesUserWithSpace(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "Trader@Example.com",
		Password:    "hunter2hunter2",
		DisplayName: "Avery",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if user.Email != "trader@example.com" {
		t.Fatalf("expected lowercased email, got %q", user.Email)
	}
	if user.SpaceID == "" {
		t.Fatalf("expected a space to be assigned")
	}
	if user.PasswordHash == "hunter2hunter2" {
		t.Fatalf("password must be hashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("hunter2hunter2")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
	if len(fs.created) != 1 {
		t.Fatalf("expected one created user, got %d", len(fs.created))
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "trader@example.com",
		Password:    "short",
		DisplayName: "Avery",
	})
	if err == nil {
		t.Fatalf("expected error for short password")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	req := SignUpRequest{Email: "trader@example.com", Password: "hunter2hunter2", DisplayName: "Avery"}
	if _, err := svc.SignUp(context.Background(), req); err != nil {
		t.Fatalf("first sign up: %v", err)
	}
	if _, err := svc.SignUp(context.Background(), req); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
}

func TestSignInVerifiesPassword(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	if _, err := svc.SignUp(context.Background(), SignUpRequest{
		Email: "trader@example.com", Password: "hunter2hunter2", DisplayName: "Avery",
	}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	user, err := svc.SignIn(context.Background(), SignInRequest{Email: "trader@example.com", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if user.Email != "trader@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "trader@example.com", Password: "wrong-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignInUnknownEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "nobody@example.com", Password: "whatever123"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email: "trader@example.com", Password: "hunter2hunter2", DisplayName: "Avery",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	if err := svc.ChangePassword(context.Background(), user.ID, "wrong-password", "newpassword1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong current password, got %v", err)
	}
	if err := svc.ChangePassword(context.Background(), user.ID, "hunter2hunter2", "short"); err == nil {
		t.Fatalf("expected error for short new password")
	}
	if err := svc.ChangePassword(context.Background(), user.ID, "hunter2hunter2", "newpassword1"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "trader@example.com", Password: "hunter2hunter2"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "trader@example.com", Password: "newpassword1"}); err != nil {
		t.Fatalf("sign in with new password: %v", err)
	}
}
