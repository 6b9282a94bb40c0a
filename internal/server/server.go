// Package server carries the relay's network surface: the instance and
// client WebSocket endpoints, the out-of-band HTTP API, and the janitor
// that keeps the limiter and claim table from growing without bound.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"golang.org/x/crypto/acme/autocert"

	"github.com/mydia/relay/internal/bus"
	"github.com/mydia/relay/internal/config"
	"github.com/mydia/relay/internal/netutil"
	"github.com/mydia/relay/internal/pending"
	"github.com/mydia/relay/internal/ratelimit"
	"github.com/mydia/relay/internal/registry"
	"github.com/mydia/relay/internal/relay"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server ties the relay domain service to its transport: a registry of
// live instance sockets, a pending table for connect acknowledgements, and
// the event bus connection handlers talk over.
type Server struct {
	cfg config.ServerConfig
	log *slog.Logger
	svc *relay.Service

	reg     *registry.Registry[*instanceConn]
	pending *pending.Table
	bus     *bus.Bus
	limiter *ratelimit.Limiter
	clk     clock.Clock
}

// New builds a server around svc with fresh in-memory state.
func New(cfg config.ServerConfig, svc *relay.Service, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		log:     logger,
		svc:     svc,
		reg:     registry.New[*instanceConn](),
		pending: pending.New(),
		bus:     bus.New(),
		limiter: ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		clk:     clock.New(),
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /relay/socket/instance", s.handleInstanceSocket)
	mux.HandleFunc("GET /relay/socket/client", s.handleClientSocket)
	mux.HandleFunc("POST /relay/instances", s.handleRegisterInstance)
	mux.HandleFunc("POST /relay/claim/{code}", s.handleRedeemClaim)
	mux.HandleFunc("GET /relay/instances/{id}/connect", s.handleConnectionInfo)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Run reconciles persisted state, then serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.svc.ResetOnline(ctx); err != nil {
		return fmt.Errorf("reset online instances: %w", err)
	}

	sup := suture.NewSimple("relay")
	sup.Add(&httpService{srv: s})
	sup.Add(&janitor{srv: s})
	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// httpService runs the listener(s) under the supervisor.  With a domain
// configured it terminates TLS via ACME on the main listener and keeps a
// plain HTTP listener for challenges; without one it serves plain HTTP.
type httpService struct {
	srv *Server
}

func (h *httpService) String() string { return "httpService" }

func (h *httpService) Serve(ctx context.Context) error {
	s := h.srv
	handler := s.Handler()

	if s.cfg.Domain == "" {
		plain := &http.Server{
			Addr:              s.cfg.ListenHTTP,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			s.log.Info("starting HTTP server", "addr", s.cfg.ListenHTTP)
			if err := plain.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
		select {
		case <-ctx.Done():
			_ = shutdownServer(plain, 5*time.Second)
			return ctx.Err()
		case err := <-errCh:
			return err
		}
	}

	manager := &autocert.Manager{
		Cache:      autocert.DirCache(s.cfg.CertCacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(netutil.NormalizeHost(s.cfg.Domain)),
	}

	httpsServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         manager.TLSConfig(),
	}
	challengeServer := &http.Server{
		Addr:              s.cfg.ListenHTTP,
		Handler:           manager.HTTPHandler(http.NotFoundHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
		if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("challenge server: %w", err)
		}
	}()
	go func() {
		s.log.Info("starting HTTPS server", "addr", s.cfg.Listen, "domain", s.cfg.Domain)
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		var firstErr error
		if err := shutdownServer(httpsServer, 5*time.Second); err != nil {
			firstErr = err
		}
		if err := shutdownServer(challengeServer, 5*time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
		if firstErr != nil {
			return firstErr
		}
		return ctx.Err()
	case err := <-errCh:
		_ = shutdownServer(httpsServer, 5*time.Second)
		_ = shutdownServer(challengeServer, 5*time.Second)
		return err
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
