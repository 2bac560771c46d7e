package auth

import (
	"errors"
	"fmt"
	"io"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"homeauth/internal/domain"
)

const sessionKeyUser = "auth_user_id"

// Authenticator is the process-wide authentication configuration. It must be
// built before the router starts serving and is read-only afterwards.
type Authenticator struct {
	strategy Strategy
	codec    SessionCodec
	limiter  AttemptLimiter
	logger   logrus.FieldLogger
}

// Option customizes an Authenticator.
type Option func(*Authenticator)

// WithLimiter enables login throttling.
func WithLimiter(limiter AttemptLimiter) Option {
	return func(a *Authenticator) {
		a.limiter = limiter
	}
}

// WithLogger sets the logger used for session and login diagnostics.
// Without it nothing is logged.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// New builds an Authenticator from a verification strategy and a session codec.
func New(strategy Strategy, codec SessionCodec, opts ...Option) *Authenticator {
	a := &Authenticator{
		strategy: strategy,
		codec:    codec,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		a.logger = discard
	}
	return a
}

// Middleware resolves the session token into a user and attaches it to the
// request context. It requires the sessions middleware to run first.
// Unresolvable tokens are dropped from the session and the request proceeds
// anonymously.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		raw, ok := session.Get(sessionKeyUser).(string)
		if !ok || raw == "" {
			c.Next()
			return
		}

		user, err := a.codec.Decode(c.Request.Context(), Token(raw))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				a.logger.WithError(err).Debug("dropping stale session identity")
				session.Delete(sessionKeyUser)
				if err := session.Save(); err != nil {
					a.logger.WithError(err).Warn("save session")
				}
			} else {
				a.logger.WithError(err).Warn("resolve session identity")
			}
			c.Next()
			return
		}

		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), user))
		c.Next()
	}
}

// Login verifies the credentials and, on success, stores the user in the
// session. Failed attempts count against the client IP when a limiter is set.
func (a *Authenticator) Login(c *gin.Context, identifier, secret string) (*domain.User, error) {
	ctx := c.Request.Context()
	key := c.ClientIP()

	if a.limiter != nil {
		retryAfter, err := a.limiter.Check(ctx, key)
		if err != nil {
			return nil, err
		}
		if retryAfter > 0 {
			return nil, &LockoutError{RetryAfter: retryAfter}
		}
	}

	user, err := a.strategy.Verify(ctx, identifier, secret)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) && a.limiter != nil {
			remaining, ferr := a.limiter.Fail(ctx, key)
			if ferr != nil {
				a.logger.WithError(ferr).Warn("record failed login")
			} else {
				a.logger.WithFields(logrus.Fields{
					"client":    key,
					"remaining": remaining,
				}).Info("failed login")
			}
		}
		return nil, err
	}

	if a.limiter != nil {
		if err := a.limiter.Reset(ctx, key); err != nil {
			a.logger.WithError(err).Warn("reset login attempts")
		}
	}

	if err := a.SignIn(c, user); err != nil {
		return nil, err
	}
	return user, nil
}

// SignIn stores user in the session without checking credentials and
// attaches it to the current request.
func (a *Authenticator) SignIn(c *gin.Context, user *domain.User) error {
	token, err := a.codec.Encode(user)
	if err != nil {
		return err
	}

	session := sessions.Default(c)
	session.Set(sessionKeyUser, string(token))
	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	c.Request = c.Request.WithContext(WithUser(c.Request.Context(), user))
	return nil
}

// Logout clears the session.
func (a *Authenticator) Logout(c *gin.Context) error {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
