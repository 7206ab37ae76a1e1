// Package protocol implements the device-facing HTTP surface: check-in,
// object writes, and long-poll subscription. Grounded on the chi
// router wiring (NewRouter, route registration, NotFound handler,
// http.Server timeout shape) used for the web-facing router elsewhere
// in this codebase, with the middleware stack generalized from
// per-IP to per-serial rate limiting since devices, not browsers, are
// this listener's clients.
package protocol

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/thermserve/thermserve/internal/authz"
	"github.com/thermserve/thermserve/internal/config"
	"github.com/thermserve/thermserve/internal/devicestate"
	"github.com/thermserve/thermserve/internal/subscriptions"
)

// Server is the device protocol HTTP surface.
type Server struct {
	cfg      config.ListenConfig
	rlCfg    config.RateLimitConfig
	state    *devicestate.Service
	subs     *subscriptions.Manager
	authz    *authz.Reader
	logger   *slog.Logger
	subTimeout time.Duration

	httpServer *http.Server
}

// New builds a Server. subTimeout is the default long-poll duration
// used when a subscribe request omits timeout_ms.
func New(cfg config.ListenConfig, rlCfg config.RateLimitConfig, state *devicestate.Service, subs *subscriptions.Manager, az *authz.Reader, subTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg, rlCfg: rlCfg,
		state: state, subs: subs, authz: az,
		subTimeout: subTimeout,
		logger:     logger,
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(serialRateLimit(s.rlCfg.RequestsPerSecond, s.rlCfg.Burst, extractSerialFromRequest))

	r.Get("/entry", s.handleEntry)
	r.Put("/transport/put", s.handlePut)
	r.Post("/transport/subscribe", s.handleSubscribe)
	r.Get("/status", s.handleStatus)

	// Device pairing/provisioning is consumed by the server but its
	// semantics are out of scope for the core; this stub documents the
	// boundary rather than silently dropping the route.
	r.Post("/cgi-bin/api/settings", s.handleSettingsStub)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	return r
}

// Start binds cfg's address/port and serves until ctx is cancelled.
// The listener is wrapped in netutil.LimitListener to bound concurrent
// connections — long-poll holders can occupy a connection for up to
// the subscribe timeout, so an unbounded listener risks exhausting
// file descriptors under a large device fleet.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.httpServer = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.subTimeout + 10*time.Second,
		WriteTimeout:      s.subTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("protocol server listening", "addr", addr)
	err = s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

