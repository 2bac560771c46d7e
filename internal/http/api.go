package http

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"homeauth/internal/auth"
	"homeauth/internal/service"
)

// AnonymousPolicy decides what the home page does for visitors without a
// session identity.
type AnonymousPolicy string

const (
	AnonymousRender   AnonymousPolicy = "render"
	AnonymousRedirect AnonymousPolicy = "redirect"
)

// ParseAnonymousPolicy validates a configured policy name.
func ParseAnonymousPolicy(s string) (AnonymousPolicy, error) {
	switch p := AnonymousPolicy(s); p {
	case AnonymousRender, AnonymousRedirect:
		return p, nil
	default:
		return "", fmt.Errorf("unknown anonymous policy %q", s)
	}
}

// Options configures routing behaviour that is not owned by a service.
type Options struct {
	Anonymous AnonymousPolicy
	LoginPath string
}

// Handler wires HTTP routes to the authenticator and user service.
type Handler struct {
	auth      *auth.Authenticator
	users     service.UserService
	anonymous AnonymousPolicy
	loginPath string
	logger    logrus.FieldLogger
}

func NewHandler(authenticator *auth.Authenticator, users service.UserService, opts Options, logger logrus.FieldLogger) *Handler {
	if opts.Anonymous == "" {
		opts.Anonymous = AnonymousRender
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	return &Handler{
		auth:      authenticator,
		users:     users,
		anonymous: opts.Anonymous,
		loginPath: opts.LoginPath,
		logger:    logger,
	}
}

// NewEngine returns a gin engine with panic recovery that only honours
// X-Forwarded-For and X-Real-IP from the given proxy addresses or CIDRs.
// With none, ClientIP is always the socket peer address.
func NewEngine(trustedProxies []string) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("set trusted proxies: %w", err)
	}
	return router, nil
}

// RegisterRoutes installs templates, middleware and routes. The sessions
// middleware must already be registered on router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	LoadTemplates(router)
	router.Use(requestLogger(h.logger), h.auth.Middleware())

	router.GET("/", h.home)
	router.GET(h.loginPath, h.loginForm)
	router.POST(h.loginPath, h.login)
	router.POST("/logout", h.logout)
	router.GET("/register", h.registerForm)
	router.POST("/register", h.register)

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

func (h *Handler) home(c *gin.Context) {
	user, ok := auth.UserFromContext(c.Request.Context())
	var logged any
	if ok {
		logged = user.Username
	}
	h.logger.WithField("user", logged).Debug("render home")

	if !ok && h.anonymous == AnonymousRedirect {
		c.Redirect(http.StatusFound, h.loginPath)
		return
	}

	c.HTML(http.StatusOK, "index", gin.H{"user": user})
}

func (h *Handler) loginForm(c *gin.Context) {
	if _, ok := auth.UserFromContext(c.Request.Context()); ok {
		c.Redirect(http.StatusFound, "/")
		return
	}
	h.renderLogin(c, http.StatusOK, "", "")
}

func (h *Handler) login(c *gin.Context) {
	username := c.PostForm("username")
	user, err := h.auth.Login(c, username, c.PostForm("password"))
	if err != nil {
		var lockout *auth.LockoutError
		switch {
		case errors.As(err, &lockout):
			c.Header("Retry-After", strconv.FormatInt(int64(math.Ceil(lockout.RetryAfter.Seconds())), 10))
			h.renderLogin(c, http.StatusTooManyRequests, username, "Too many attempts. Please try again later.")
		case errors.Is(err, auth.ErrInvalidCredentials):
			h.renderLogin(c, http.StatusUnauthorized, username, "Invalid username or password.")
		default:
			h.logger.WithError(err).Error("login")
			_ = c.AbortWithError(http.StatusInternalServerError, err)
		}
		return
	}

	h.logger.WithField("user_id", user.ID).Info("user logged in")
	c.Redirect(http.StatusFound, "/")
}

func (h *Handler) logout(c *gin.Context) {
	if err := h.auth.Logout(c); err != nil {
		h.logger.WithError(err).Error("logout")
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (h *Handler) registerForm(c *gin.Context) {
	h.renderRegister(c, http.StatusOK, "", "")
}

func (h *Handler) register(c *gin.Context) {
	username := c.PostForm("username")
	user, err := h.users.Register(c.Request.Context(), username, c.PostForm("password"), c.PostForm("registration_secret"))
	if err != nil {
		var invalid *service.ValidationError
		switch {
		case errors.As(err, &invalid):
			h.renderRegister(c, http.StatusBadRequest, username, invalid.Message)
		case errors.Is(err, service.ErrInvalidRegistrationPassword):
			h.renderRegister(c, http.StatusForbidden, username, "Invalid registration secret.")
		case errors.Is(err, service.ErrUserAlreadyExists):
			h.renderRegister(c, http.StatusConflict, username, "That username is taken.")
		default:
			h.logger.WithError(err).Error("register")
			_ = c.AbortWithError(http.StatusInternalServerError, err)
		}
		return
	}

	if err := h.auth.SignIn(c, user); err != nil {
		h.logger.WithError(err).Error("sign in after register")
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	h.logger.WithField("user_id", user.ID).Info("user registered")
	c.Redirect(http.StatusFound, "/")
}

func (h *Handler) renderLogin(c *gin.Context, status int, username, message string) {
	c.HTML(status, "login", gin.H{
		"action":   h.loginPath,
		"username": username,
		"error":    message,
	})
}

func (h *Handler) renderRegister(c *gin.Context, status int, username, message string) {
	c.HTML(status, "register", gin.H{
		"username": username,
		"error":    message,
	})
}
