package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haipio/haip/internal/app"
	"github.com/haipio/haip/internal/config"
	"github.com/haipio/haip/internal/session"
)

type nopArchiver struct{}

func (nopArchiver) RecordTransaction(context.Context, session.TransactionRecord) error {
	return nil
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithTelemetry(false)}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_DefaultWiring(t *testing.T) {
	t.Parallel()
	a := newApp(t, &config.Config{})

	if a.Manager() == nil {
		t.Error("manager not wired")
	}
	if a.Registry() == nil {
		t.Fatal("registry not wired")
	}
	if got := a.Registry().Len(); got != 0 {
		t.Errorf("registry has %d tools, want 0 without tools.builtin", got)
	}
}

func TestNew_BuiltinTools(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Tools.Builtin = true
	a := newApp(t, cfg)

	if got := a.Registry().Len(); got != 2 {
		t.Errorf("registry has %d tools, want echo and add", got)
	}
}

func TestNew_InjectedArchiver(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	// A DSN is configured, but the injected archiver must win and no
	// database connection may be attempted.
	cfg.Archive.PostgresDSN = "postgres://unreachable/haip"
	newApp(t, cfg, app.WithArchiver(nopArchiver{}))
}

func TestTokenAuthenticator(t *testing.T) {
	t.Parallel()
	auth := app.TokenAuthenticator(map[string]string{"tok-1": "alice"})

	subject, err := auth(context.Background(), map[string]any{"token": "tok-1"})
	if err != nil || subject != "alice" {
		t.Errorf("valid token: subject=%q err=%v", subject, err)
	}

	if _, err := auth(context.Background(), map[string]any{"token": "wrong"}); err == nil {
		t.Error("unknown token accepted")
	}
	if _, err := auth(context.Background(), map[string]any{}); err == nil {
		t.Error("missing token accepted")
	}
}

func TestApp_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the listener a moment, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()
	a := newApp(t, &config.Config{})

	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
