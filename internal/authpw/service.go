// Package authpw provides username/password registration and login.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"clarvoy/api/internal/store"
	"clarvoy/api/internal/util"
)

const (
	MinPasswordLength = 8
	bcryptCost        = 12
)

var (
	ErrMissingFields      = errors.New("email, username, and password are required")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrEmailTaken         = errors.New("email already in use")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(users UserStore) *Service {
	return &Service{store: users, cost: bcryptCost}
}

type RegisterRequest struct {
	Email     string
	Username  string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a committee member account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := strings.TrimSpace(req.Username)
	if email == "" || username == "" || req.Password == "" {
		return store.User{}, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.User{}, ErrInvalidEmail
	}
	if len(req.Password) < MinPasswordLength {
		return store.User{}, ErrWeakPassword
	}

	if err := s.ensureFree(ctx, email, username); err != nil {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	displayName := strings.TrimSpace(strings.TrimSpace(req.FirstName) + " " + strings.TrimSpace(req.LastName))
	if displayName == "" {
		displayName = username
	}
	user := store.User{
		ID:           util.NewID(""),
		Email:        email,
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         "member",
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		// Lost a race with a concurrent registration.
		var dup *store.DuplicateKeyError
		if errors.As(err, &dup) {
			if strings.Contains(dup.Constraint, "username") {
				return store.User{}, ErrUsernameTaken
			}
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Service) ensureFree(ctx context.Context, email, username string) error {
	_, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return ErrEmailTaken
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("check email: %w", err)
	}
	_, err = s.store.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		return ErrUsernameTaken
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("check username: %w", err)
	}
	return nil
}

// Login accepts either the username or the email as identifier.
func (s *Service) Login(ctx context.Context, identifier, password string) (store.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	var (
		user store.User
		err  error
	)
	if strings.Contains(identifier, "@") {
		user, err = s.store.GetUserByEmail(ctx, identifier)
	} else {
		user, err = s.store.GetUserByUsername(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
