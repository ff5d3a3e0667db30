// Package server exposes session orchestration over HTTP: the websocket
// command channel plus the read-only REST surface for artifacts.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/browser"
	"github.com/xkilldash9x/datalayer-validator/internal/config"
	"github.com/xkilldash9x/datalayer-validator/internal/observability"
	"github.com/xkilldash9x/datalayer-validator/internal/session"
	"github.com/xkilldash9x/datalayer-validator/internal/store"
)

const defaultShutdownTimeout = 30 * time.Second

// BrowserFactory builds the controller a new session actor drives.
type BrowserFactory func(record *schemas.Session, logger *zap.Logger) session.Browser

// Option customizes a Server.
type Option func(*Server)

// WithBrowserFactory replaces the default controller construction.
func WithBrowserFactory(f BrowserFactory) Option {
	return func(s *Server) { s.newBrowser = f }
}

// Server routes HTTP and websocket traffic to session actors.
type Server struct {
	cfg      config.Interface
	repo     store.Repository
	registry *session.Registry
	logger   *zap.Logger

	newBrowser BrowserFactory
	limiter    *rate.Limiter
	upgrader   websocket.Upgrader
	router     chi.Router

	// ctx bounds every actor; it is cancelled once live sessions are closed.
	ctx    context.Context
	cancel context.CancelFunc
	actors sync.WaitGroup

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

// New wires the router. Nothing listens until Serve.
func New(cfg config.Interface, repo store.Repository, logger *zap.Logger, opts ...Option) *Server {
	srvCfg := cfg.Server()
	limit := rate.Limit(srvCfg.CreateRateLimit)
	if srvCfg.CreateRateLimit <= 0 {
		limit = rate.Inf
	}
	burst := srvCfg.CreateRateBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		repo:     repo,
		registry: session.NewRegistry(),
		logger:   logger.Named("server"),
		limiter:  rate.NewLimiter(limit, burst),
		upgrader: newUpgrader(srvCfg.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*client]struct{}),
	}
	s.newBrowser = func(_ *schemas.Session, logger *zap.Logger) session.Browser {
		return browser.NewController(cfg.Browser(), cfg.Capture(), logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	r.Get("/ws/browser/{sessionID}/", s.handleBrowserSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/{sessionID}", s.handleGetSession)
		})
		r.Route("/reports", func(r chi.Router) {
			r.Get("/", s.handleListReports)
			r.Get("/{reportID}", s.handleGetReport)
		})
		r.Get("/screenshots/{screenshotID}/image", s.handleScreenshotImage)
	})
	return r
}

// ListenAndServe listens on the configured address until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server().ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server().ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then drains HTTP traffic
// and closes every live session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("Server listening.", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		s.closeSessions()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server.", zap.Int("live_sessions", s.registry.Len()))
	timeout := s.cfg.Server().ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.closeSessions()
	<-errCh
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.logger.Info("Server stopped.")
	return nil
}

// closeSessions lets in-flight commands finish, tears every browser down and
// ends the websocket connections.
func (s *Server) closeSessions() {
	s.registry.CloseAll()

	s.clientsMu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.clientsMu.Unlock()

	s.cancel()
	s.actors.Wait()
}

func (s *Server) track(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) untrack(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// handleBrowserSocket binds one websocket connection to the session actor
// for the id in the path.
func (s *Server) handleBrowserSocket(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}
	log := s.logger.With(zap.String("session_id", id))
	c := newClient(conn, s.cfg.Server().SendBuffer, log)
	go c.writePump()

	record, err := s.repo.GetSession(s.ctx, id)
	if err != nil {
		msg := "session not found"
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("Failed to load session for websocket.", zap.Error(err))
			msg = "failed to load session"
		}
		_ = c.Send(s.ctx, session.NewErrorMessage(msg))
		c.Close()
		return
	}
	if record.Status.Terminal() {
		log.Info("Rejecting websocket for a finished session.", zap.String("status", string(record.Status)))
		_ = c.Send(s.ctx, session.NewErrorMessage(fmt.Sprintf("session is %s", record.Status)))
		c.Close()
		return
	}

	actor := session.New(record, session.Deps{
		Browser:         s.newBrowser(record, observability.SessionLogger(s.logger, record.ID, record.Engine.String())),
		Store:           s.repo,
		Capture:         s.cfg.Capture(),
		ReportThreshold: s.cfg.Report().SuccessThreshold,
		CloseGrace:      s.cfg.Server().CloseGracePeriod,
	}, c, s.logger)

	if err := s.registry.Claim(actor); err != nil {
		log.Warn("Rejecting websocket, session already has a live connection.")
		_ = c.Send(s.ctx, session.NewErrorMessage(err.Error()))
		c.Close()
		return
	}
	s.track(c)
	log.Info("Websocket client connected.")
	_ = c.Send(s.ctx, session.NewConnectedMessage())

	// The slot stays claimed until Run has torn the browser down, even when
	// Close gives up waiting on a stuck command.
	s.actors.Add(1)
	go func() {
		defer s.actors.Done()
		defer s.registry.Release(actor)
		actor.Run(s.ctx)
	}()

	go func() {
		c.readPump(s.cfg.Server().MaxMessageBytes, actor.Submit)
		actor.Close()
		s.untrack(c)
		c.Close()
		log.Info("Websocket client disconnected.")
	}()
}

// -- Middleware --

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request served.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := s.cfg.Server().AllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
