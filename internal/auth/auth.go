// Package auth binds a credential verification strategy and a session codec
// to gin-contrib/sessions. An Authenticator is built once at startup and
// handed to the HTTP layer; there is no package-level registry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"homeauth/internal/domain"
	"homeauth/internal/service"
)

var (
	// ErrInvalidCredentials is returned when a verification attempt is rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotFound is returned when a session token no longer resolves to a user.
	ErrNotFound = errors.New("user not found")
	// ErrTooManyAttempts is returned while a client is locked out.
	ErrTooManyAttempts = errors.New("too many login attempts")
)

// Token is the value persisted in the session to identify a user.
type Token string

// Strategy decides whether submitted credentials match a stored user.
type Strategy interface {
	Verify(ctx context.Context, identifier, secret string) (*domain.User, error)
}

// SessionCodec turns a user into a session token and back.
type SessionCodec interface {
	Encode(user *domain.User) (Token, error)
	Decode(ctx context.Context, token Token) (*domain.User, error)
}

// LocalStrategy verifies a username and password against the user service.
type LocalStrategy struct {
	users service.UserService
}

// NewLocalStrategy returns a Strategy that checks passwords through users.
func NewLocalStrategy(users service.UserService) *LocalStrategy {
	return &LocalStrategy{users: users}
}

func (s *LocalStrategy) Verify(ctx context.Context, identifier, secret string) (*domain.User, error) {
	user, err := s.users.Authenticate(ctx, identifier, secret)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	return user, nil
}

// UserCodec stores the user id as the session token and resolves it through
// the user service.
type UserCodec struct {
	users service.UserService
}

// NewUserCodec returns a SessionCodec that resolves tokens through users.
func NewUserCodec(users service.UserService) *UserCodec {
	return &UserCodec{users: users}
}

func (c *UserCodec) Encode(user *domain.User) (Token, error) {
	if user == nil || user.ID <= 0 {
		return "", errors.New("encode session: user has no id")
	}
	return Token(strconv.FormatInt(user.ID, 10)), nil
}

func (c *UserCodec) Decode(ctx context.Context, token Token) (*domain.User, error) {
	id, err := strconv.ParseInt(string(token), 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("decode session token %q: %w", token, ErrNotFound)
	}

	user, err := c.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			return nil, fmt.Errorf("decode session user %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("decode session user %d: %w", id, err)
	}
	return user, nil
}
