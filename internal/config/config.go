package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
		// TrustedProxies lists proxy IPs or CIDRs allowed to set client
		// address headers. Empty trusts none.
		TrustedProxies []string
	}
	Database struct {
		Path string
	}
	Log struct {
		Level  string
		Format string
	}
	Session struct {
		Name   string
		Secret string
		MaxAge time.Duration
		Secure bool
	}
	Auth struct {
		RegisterSecret string
		// Anonymous is "render" or "redirect".
		Anonymous   string
		LoginPath   string
		MaxAttempts int
		Window      time.Duration
		Lockout     time.Duration
		// Limiter is "memory" or "redis".
		Limiter string
	}
	Redis struct {
		URL string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	// a missing .env is fine; real environment variables win over it
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("HOMEAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.trustedproxies", []string{})
	v.SetDefault("database.path", "data/homeauth.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("session.name", "homeauth_session")
	v.SetDefault("session.secret", "")
	v.SetDefault("session.maxage", 12*time.Hour)
	v.SetDefault("session.secure", false)
	v.SetDefault("auth.registersecret", "")
	v.SetDefault("auth.anonymous", "render")
	v.SetDefault("auth.loginpath", "/login")
	v.SetDefault("auth.maxattempts", 5)
	v.SetDefault("auth.window", 15*time.Minute)
	v.SetDefault("auth.lockout", 10*time.Minute)
	v.SetDefault("auth.limiter", "memory")
	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
}

// Validate checks settings that cannot be defaulted.
func (c Config) Validate() error {
	if len(strings.TrimSpace(c.Session.Secret)) < 32 {
		return errors.New("session secret must be at least 32 characters")
	}
	switch c.Auth.Anonymous {
	case "render", "redirect":
	default:
		return fmt.Errorf("auth anonymous policy %q must be render or redirect", c.Auth.Anonymous)
	}
	switch c.Auth.Limiter {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("redis url is required for the redis limiter")
		}
	default:
		return fmt.Errorf("auth limiter %q must be memory or redis", c.Auth.Limiter)
	}
	if !strings.HasPrefix(c.Auth.LoginPath, "/") {
		return fmt.Errorf("auth login path %q must be absolute", c.Auth.LoginPath)
	}
	return nil
}
