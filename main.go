package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
)

var addr = flag.String("addr", "", "http service address, overrides REALTIME_ADDR")

// healthHandler reports hub counters and the reachability of the backing
// stores.
type healthHandler struct {
	hub    *Hub
	checks map[string]func(context.Context) error
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "deps": deps, "hub": h.hub.Stats()})
}

func newRouter(g *Gateway, kick *KickHandler, broadcast *BroadcastHandler, health http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", g.ServeWS)
	router.Handle("/api/kick", kick).Methods(http.MethodPost)
	router.Handle("/api/broadcast", broadcast).Methods(http.MethodPost)
	router.Handle("/health", health).Methods(http.MethodGet)
	return router
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		slog.Error("realtime server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := newPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	perms := NewPgPermissions(db)

	authn := &TokenAuthenticator{Secret: []byte(cfg.JWTSecret), Sockets: perms}
	checks := map[string]func(context.Context) error{"postgres": db.Ping}
	if cfg.RedisURL != "" {
		sessions, err := NewRedisSessions(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer sessions.Close()
		authn.Sessions = sessions
		checks["redis"] = sessions.Ping
	} else {
		log.Warn("REALTIME_REDIS_URL not set, session revocation is not checked at connect")
	}

	hub := NewHub(log)
	gateway := NewGateway(hub, authn, perms, log, GatewayConfig{
		AuthTimeout:       cfg.AuthTimeout,
		PermissionTimeout: cfg.PermissionTimeout,
		CheckOrigin:       cfg.allowOrigin(),
		CookieAuth:        cfg.cookieAuth(),
	})
	secret := []byte(cfg.BroadcastSecret)
	router := newRouter(gateway,
		NewKickHandler(hub, secret, cfg.SignatureMaxSkew, log),
		NewBroadcastHandler(hub, secret, cfg.SignatureMaxSkew, log),
		&healthHandler{hub: hub, checks: checks})

	go NewRevocationListener(db, cfg.RevocationChannel, hub, log).Run(ctx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
	hub.CloseAll()
	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
		return nil
	}
}
