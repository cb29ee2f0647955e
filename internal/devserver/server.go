// Package devserver is an in-memory collaboration server. It serves the REST
// and realtime endpoints the client talks to and backs `plansync serve` and
// the end-to-end tests.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/devserver/auth"
	"github.com/mark-chris/plansync/internal/devserver/middleware"
	"github.com/mark-chris/plansync/internal/realtime"
)

// Version is the API version reported by /health.
const Version = "v1.2.0"

// ServiceName is reported by /health.
const ServiceName = "plansync-devserver"

const (
	defaultLoginAttempts = 20
	defaultMaxBodyBytes  = 1 << 20
	shutdownTimeout      = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	// Secret signs access tokens.
	Secret string
	// Development accepts weak secrets with a warning.
	Development bool
	// TokenTTL is the access token lifetime; zero means auth.DefaultTokenTTL.
	TokenTTL time.Duration
	// BcryptCost is the password hashing cost; zero means 12.
	BcryptCost int
	// Users are created at startup.
	Users []auth.Seed
	// AllowedOrigins lists the browser origins allowed to call the REST and
	// websocket endpoints. See middleware.NewOriginPolicy for the forms.
	AllowedOrigins []string
	// LoginAttempts is the number of logins allowed per client IP per minute.
	LoginAttempts int
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

// Server is the development collaboration server.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	auth    *auth.AuthService
	users   *auth.UserStore
	store   *Store
	hub     *Hub
	limiter *auth.RateLimiter
	origins *middleware.OriginPolicy
	audit   auth.AuditLogger
	handler http.Handler
}

// New builds a server and creates the seed users.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := auth.ValidateSecret(cfg.Secret, cfg.Development, logger); err != nil {
		return nil, err
	}
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = defaultLoginAttempts
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	opts := []auth.Option{auth.WithTokenTTL(cfg.TokenTTL)}
	if cfg.BcryptCost > 0 {
		opts = append(opts, auth.WithBcryptCost(cfg.BcryptCost))
	}
	authService := auth.NewAuthService([]byte(cfg.Secret), opts...)
	users := auth.NewUserStore(authService)
	for _, seed := range cfg.Users {
		if _, err := users.Create(seed); err != nil {
			return nil, fmt.Errorf("failed to create seed user: %w", err)
		}
	}

	origins, err := middleware.NewOriginPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	hub := NewHub(logger.Named("hub"))
	audit := auth.NewZapAuditLogger(logger)
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		auth:    authService,
		users:   users,
		hub:     hub,
		audit:   audit,
		store:   NewStore(users, hub, audit, logger.Named("store")),
		origins: origins,
		limiter: auth.NewRateLimiter(time.Minute, 10*time.Minute, 10000),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Store returns the collaboration store.
func (s *Server) Store() *Store { return s.store }

// Users returns the account store.
func (s *Server) Users() *auth.UserStore { return s.users }

// Hub returns the notification fan-out.
func (s *Server) Hub() *Hub { return s.hub }

// Close releases background resources.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Serve accepts connections on l until ctx ends, then shuts down.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	s.logger.Info("development server listening", zap.String("addr", l.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(middleware.CORS(s.origins))

	requireAuth := middleware.RequireAuth(s.auth, s.users.Get)
	limitBody := middleware.MaxBodySize(s.cfg.MaxBodyBytes)

	r.Get("/health", s.handleHealth)

	r.Route("/auth", func(ar chi.Router) {
		ar.With(middleware.RateLimit(s.limiter, s.cfg.LoginAttempts, time.Minute, s.logger), limitBody).
			Post("/login", s.handleLogin)
		ar.With(middleware.RateLimit(s.limiter, s.cfg.LoginAttempts, time.Minute, s.logger), limitBody).
			Post("/register", s.handleRegister)
		ar.With(requireAuth).Post("/logout", s.handleLogout)
		ar.With(requireAuth).Get("/me", s.handleMe)
	})

	r.Route("/plans", func(pr chi.Router) {
		pr.Use(requireAuth, limitBody)

		pr.Post("/", s.handleCreatePlan)
		pr.Get("/owned", s.handleOwnedPlans)
		pr.Get("/shared", s.handleSharedPlans)
		pr.Get("/notifications", s.handleNotifications)
		pr.Put("/notifications/{notificationID}/read", s.handleMarkRead)
		pr.Get("/{planID}", s.handlePlan)
		pr.Post("/{planID}/invite", s.handleInvite)
		pr.Post("/{planID}/invitations/{invitationID}/accept", s.handleRespond(true))
		pr.Post("/{planID}/invitations/{invitationID}/reject", s.handleRespond(false))
		pr.Get("/{planID}/users", s.handleCollaborators)
		pr.Delete("/{planID}/users/{userID}", s.handleRemoveCollaborator)
		pr.Put("/{planID}/users/{userID}/role", s.handleUpdateRole)
	})

	r.With(requireAuth, limitBody).Post(realtime.QueryPath, s.handleGraphQL)
	r.Get(realtime.SubscribePath, s.handleSubscribe)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", r.Header.Get("X-Request-ID")))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
		"version": Version,
	})
}

// statusFor maps a Store error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		msg = "Internal server error"
	}
	middleware.WriteDetail(w, status, msg)
}
