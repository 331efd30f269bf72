package ipc

import (
	"context"
	"crypto/subtle"
	stdliberrors "errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/termgate/pkg/controller"
)

// Config controls the HTTP boundary.
type Config struct {
	BindAddress   string
	AuthToken     string
	RequireToken  bool
	PublicMetrics bool
	Version       string
}

// Server exposes the command gate over JSON/HTTP.
type Server struct {
	cfg        Config
	controller *controller.Controller
	httpServer *http.Server
	logger     *log.Logger
}

// NewServer constructs a server around the controller.
func NewServer(cfg Config, ctrl *controller.Controller) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:4455"
	}
	return &Server{
		cfg:        cfg,
		controller: ctrl,
		logger:     log.New(os.Stderr, "[ipc] ", log.LstdFlags),
	}
}

// SetLogger replaces the default logger.
func (s *Server) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	if s.cfg.PublicMetrics {
		router.Get("/metrics", promhttp.Handler().ServeHTTP)
	} else {
		router.With(s.authMiddleware).Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/execute", s.handleExecute)
		r.Post("/execute-override", s.handleExecuteOverride)
		r.Get("/permission-status", s.handlePermissionStatus)
		r.Post("/approve", s.handleApprove)
		r.Get("/cwd", s.handleCwd)
		r.Post("/reset", s.handleReset)
		r.Get("/overrides/history", s.handleOverrideHistory)
	})
	return router
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateStartupConfig(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Printf("serving on %s", s.cfg.BindAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) validateStartupConfig() error {
	if !isLoopbackBindAddress(s.cfg.BindAddress) && s.cfg.AuthToken == "" {
		return fmt.Errorf("refusing to bind to %q without an auth token", s.cfg.BindAddress)
	}
	if s.cfg.RequireToken && s.cfg.AuthToken == "" {
		return fmt.Errorf("require_token is set but no auth token is configured")
	}
	return nil
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			respondErrorStatus(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize accepts a request when it carries the configured bearer token.
// A configured token is always enforced; RequireToken exists to make an
// empty-token configuration a startup error rather than an open server.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return !s.cfg.RequireToken
	}
	token := extractBearerToken(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func extractBearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func isLoopbackBindAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
