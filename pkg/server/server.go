package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/proxy"
	"mino-hq/mino/pkg/proxy/middleware"
	"mino-hq/mino/pkg/spike"
	"mino-hq/mino/pkg/store"
	"mino-hq/mino/pkg/telemetry/metrics"
)

// Deps carries the collaborators the server wires into its routes.
type Deps struct {
	Proxy     *proxy.Handler
	Store     store.Store
	Metrics   *metrics.Metrics
	Guard     *spike.Guard
	Blocklist *middleware.Blocklist
}

// Server owns the ingress http.Server lifecycle.
type Server struct {
	cfg      *config.Config
	deps     Deps
	verifier *Verifier

	httpServer   *http.Server
	shutdownOnce sync.Once
	mu           sync.Mutex
	running      bool
}

// NewServer assembles the ingress server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.verifier = NewVerifier(cfg.Security.Verify, deps.Guard)
	return s
}

// Start runs the server and blocks until the context is cancelled, a
// shutdown signal arrives, or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.ListenAddress,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("server is online", "address", s.cfg.Server.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown error", "error", err)
				shutdownErr = fmt.Errorf("server shutdown: %w", err)
			}
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		slog.Info("server stopped")
	})
	return shutdownErr
}

// routes builds the handler tree with the middleware chain applied.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "mino.")
	})

	mux.Handle("/x/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The proxy surface accepts GET and POST only.
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		s.deps.Proxy.ServeHTTP(w, r)
	}))

	mux.HandleFunc("/verify", s.handleVerify)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	if s.cfg.Telemetry.Metrics.Enabled {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = s.withCaller(handler)
	if s.deps.Blocklist != nil {
		handler = middleware.BlockCIDR(s.deps.Blocklist, func(r *http.Request) string {
			address, _ := resolveAddress(r, s.cfg.Server.TrustProxyHeaders)
			return address
		})(handler)
	}
	handler = middleware.RequestID(handler)
	handler = middleware.Logging(handler)
	handler = middleware.Recovery(handler)

	return handler
}
