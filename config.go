package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr              string        `envconfig:"ADDR" default:":3001"`
	DatabaseURL       string        `envconfig:"DATABASE_URL" required:"true"`
	RedisURL          string        `envconfig:"REDIS_URL"`
	JWTSecret         string        `envconfig:"JWT_SECRET" required:"true"`
	BroadcastSecret   string        `envconfig:"BROADCAST_SECRET" required:"true"`
	SignatureMaxSkew  time.Duration `envconfig:"SIGNATURE_MAX_SKEW" default:"5m"`
	AuthTimeout       time.Duration `envconfig:"AUTH_TIMEOUT" default:"10s"`
	PermissionTimeout time.Duration `envconfig:"PERMISSION_TIMEOUT" default:"5s"`
	CORSOrigin        string        `envconfig:"CORS_ORIGIN" default:"*"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	RevocationChannel string        `envconfig:"REVOCATION_CHANNEL" default:"realtime_revocations"`
}

const envPrefix = "REALTIME"

// loadConfig reads REALTIME_* variables, after loading .env when present.
func loadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if len(cfg.BroadcastSecret) < 32 {
		return Config{}, errors.New("REALTIME_BROADCAST_SECRET must be at least 32 bytes")
	}
	return cfg, nil
}

// cookieAuth reports whether session cookies may authenticate sockets. They
// may not while every origin is allowed.
func (c Config) cookieAuth() bool {
	return strings.TrimSpace(c.CORSOrigin) != "*"
}

// allowOrigin builds the websocket origin check from CORSOrigin, a comma
// separated list or "*".
func (c Config) allowOrigin() func(r *http.Request) bool {
	if !c.cookieAuth() {
		return func(*http.Request) bool { return true }
	}
	allowed := set{}
	for _, o := range strings.Split(c.CORSOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
