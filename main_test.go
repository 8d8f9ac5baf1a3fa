package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	req := require.New(t)
	h := testHub()
	registered(h, "c1", "u1")
	ok := func(context.Context) error { return nil }

	w := httptest.NewRecorder()
	(&healthHandler{hub: h, checks: map[string]func(context.Context) error{"postgres": ok}}).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"status":"ok","deps":{"postgres":"ok"},"hub":{"connections":1,"users":1,"rooms":0,"pages":0}}`, w.Body.String())

	w = httptest.NewRecorder()
	(&healthHandler{hub: h, checks: map[string]func(context.Context) error{
		"postgres": ok,
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	req.Equal(http.StatusServiceUnavailable, w.Code)
	req.Contains(w.Body.String(), `"redis":"connection refused"`)
}

func TestRun_Returns_Startup_Errors(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REALTIME_DATABASE_URL", "postgres://localhost/app")
	t.Setenv("REALTIME_JWT_SECRET", "jwt")
	t.Setenv("REALTIME_BROADCAST_SECRET", "short")

	err := run()

	require.ErrorContains(t, err, "config:")
}
