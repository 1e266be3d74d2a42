package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/usermgmt/server/config"
	"github.com/usermgmt/server/internal/db"
	"github.com/usermgmt/server/internal/handlers"
	"github.com/usermgmt/server/internal/logging"
	"github.com/usermgmt/server/internal/metrics"
	"github.com/usermgmt/server/internal/mq"
	"github.com/usermgmt/server/internal/services"
	"github.com/usermgmt/server/internal/storage"
	"github.com/usermgmt/server/internal/store"
	"github.com/usermgmt/server/internal/upload"
	"github.com/usermgmt/server/internal/web"
	"go.uber.org/zap"
)

const (
	// RequestTimeout cancels a handler's context. It stays below WriteTimeout
	// so the 503 from the timeout middleware can still be written.
	RequestTimeout = 25 * time.Second
	ReadTimeout    = 30 * time.Second
	WriteTimeout   = 30 * time.Second
	IdleTimeout    = 60 * time.Second
)

// Server wraps the HTTP server, router and the connections it owns.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	conn       *db.Conn
	events     *mq.MQ
	logger     *zap.Logger
}

// New connects to the store, storage and event backends and builds the router.
// Any connection failure is returned before the server listens.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	repo, err := NewUserRepository(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	files, err := storage.Open(ctx, cfg.Storage, cfg.Upload.Dir)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("open storage: %w", err)
	}

	uploadCfg := upload.DefaultConfig()
	uploadCfg.MaxBytes = cfg.Upload.MaxBytes
	uploadCfg.MaxDimension = cfg.Upload.MaxDimension
	uploads, err := upload.New(uploadCfg, files, logger.Named("upload"))
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	events, err := mq.Open(ctx, cfg.Events)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("open events: %w", err)
	}

	views, err := web.NewRenderer(logger.Named("web"))
	if err != nil {
		_ = conn.Close(ctx)
		if events != nil {
			_ = events.Close()
		}
		return nil, err
	}

	userService := services.NewUserService(repo, events, logger.Named("users"))
	userHandler := handlers.NewUserHandler(userService, uploads, files, views, logger.Named("http"))

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.Middleware(logger.Named("access")),
		middleware.Recoverer,
		metrics.Middleware,
		middleware.Timeout(RequestTimeout),
	)
	router.Get("/healthz", handlers.Healthz(conn.Ping))
	router.Handle("/metrics", metrics.Handler())
	router.Handle("/static/*", web.Static())
	handlers.UserRouter(router, userHandler)

	port := cfg.ServerPort
	if port == 0 {
		port = 3000
	}

	httpServer := newHTTPServer(port, router)

	logger.Info("server configured",
		zap.Int("port", port),
		zap.Bool("postgres", cfg.Database.IsPostgres()),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("events", cfg.Events.Backend))

	return &Server{
		httpServer: httpServer,
		router:     router,
		conn:       conn,
		events:     events,
		logger:     logger,
	}, nil
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  IdleTimeout,
	}
}

// NewUserRepository picks the repository matching the open connection.
// MongoDB indexes are created if missing.
func NewUserRepository(ctx context.Context, conn *db.Conn) (services.UserRepository, error) {
	if conn.SQL != nil {
		return store.NewUserRepository(conn.SQL), nil
	}
	repo := store.NewMongoUserRepository(conn.MongoDB)
	if err := repo.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return repo, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the event backend and the
// store connection.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	if s.events != nil {
		if cerr := s.events.Close(); cerr != nil {
			s.logger.Warn("close events", zap.Error(cerr))
		}
	}
	if cerr := s.conn.Close(ctx); cerr != nil {
		s.logger.Warn("close database", zap.Error(cerr))
		err = errors.Join(err, cerr)
	} else {
		s.logger.Info("database connection closed")
	}
	return err
}
