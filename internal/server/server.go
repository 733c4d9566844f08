// Package server assembles the HTTP surface: the three protocol transports,
// the admin endpoints and the Prometheus scrape handler, all behind the
// request-duration middleware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haipio/haip/internal/config"
	"github.com/haipio/haip/internal/flow"
	"github.com/haipio/haip/internal/health"
	"github.com/haipio/haip/internal/observe"
	"github.com/haipio/haip/internal/session"
	"github.com/haipio/haip/internal/tools"
	"github.com/haipio/haip/internal/transport"
)

const shutdownGrace = 10 * time.Second

// TransactionLister serves the archived-transaction admin endpoint. The
// postgres archive implements it; the endpoint is absent without one.
type TransactionLister interface {
	ListRecent(ctx context.Context, limit int) ([]session.TransactionRecord, error)
}

// Config carries everything the server needs. Manager and Tools are
// required; the rest may be nil or zero for defaults.
type Config struct {
	Addr string
	TLS  *config.TLSConfig

	Manager       *session.Manager
	Tools         *tools.Registry
	Metrics       *observe.Metrics
	Authenticator session.Authenticator
	Archive       session.Archiver
	Transactions  TransactionLister
	Checkers      []health.Checker

	Protocol config.ProtocolConfig
	Log      *slog.Logger
}

// Server owns the HTTP listener and spawns one session engine per accepted
// transport connection.
type Server struct {
	cfg  Config
	log  *slog.Logger
	http *http.Server
}

func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{cfg: cfg, log: log}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", transport.NewWebSocket(s.startSession, log))
	mux.Handle("/haip/sse", transport.NewSSE(s.startSession, log))
	mux.Handle("/haip/stream", transport.NewStream(s.startSession, log))
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(cfg.Manager, cfg.Checkers...).Register(mux)
	if cfg.Transactions != nil {
		mux.HandleFunc("GET /transactions", s.handleTransactions)
	}

	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = observe.Middleware(cfg.Metrics)(mux)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the assembled routing for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// startSession is the transport.StartFunc shared by all three transports.
func (s *Server) startSession(ctx context.Context, conn session.Conn) {
	p := s.cfg.Protocol
	sess := session.New(session.Config{
		Conn:              conn,
		Authenticator:     s.cfg.Authenticator,
		Tools:             s.cfg.Tools,
		Metrics:           s.cfg.Metrics,
		Archive:           s.cfg.Archive,
		Log:               s.log,
		OnClose:           s.cfg.Manager.Remove,
		HeartbeatInterval: p.HeartbeatInterval.Std(),
		HeartbeatTimeout:  p.HeartbeatTimeout.Std(),
		ReplayMaxAge:      p.ReplayWindowAge.Std(),
		ReplayMaxCount:    p.ReplayWindowCount,
		InitialCredits: flow.Credits{
			Messages: p.InitialCreditMessages,
			Bytes:    p.InitialCreditBytes,
		},
		MaxConcurrentRuns: p.MaxConcurrentRuns,
	})
	s.cfg.Manager.Add(sess)
	if err := sess.Run(ctx); err != nil {
		s.log.Warn("session ended with error", "session", sess.ID(), "err", err)
	}
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.cfg.Transactions.ListRecent(r.Context(), limit)
	if err != nil {
		s.log.Error("list archived transactions", "err", err)
		http.Error(w, "archive unavailable", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []session.TransactionRecord{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"transactions": recs})
}

// Run serves until ctx is cancelled, then drains: the listener stops
// accepting, live sessions are closed and the HTTP server shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Addr, "tls", s.cfg.TLS != nil)
		if s.cfg.TLS != nil {
			errCh <- s.http.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.cfg.Manager.CloseAll("server shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.http.Shutdown(shutCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
