package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/vaultgate/vaultgate/internal/audit"
	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/config"
	"github.com/vaultgate/vaultgate/internal/db/migrations"
	"github.com/vaultgate/vaultgate/internal/metrics"
	"github.com/vaultgate/vaultgate/internal/middleware"
	"github.com/vaultgate/vaultgate/internal/notifications"
	"github.com/vaultgate/vaultgate/internal/settings"
	"github.com/vaultgate/vaultgate/internal/settingsmeta"
	_ "modernc.org/sqlite"
)

const auditPurgeInterval = time.Hour

// Server represents the vaultgate settings server
type Server struct {
	config          *config.Config
	logger          *logrus.Logger
	db              *sql.DB
	httpServer      *http.Server
	settingsManager *settings.Manager
	auditManager    *audit.Manager
	metricsManager  metrics.Manager
	notifier        *notifications.Manager
	meta            *settingsmeta.Table
	verifier        auth.TokenVerifier
	startTime       time.Time
}

// New opens the database, applies migrations and wires every component
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := cfg.PrepareDataDir(); err != nil {
		return nil, err
	}

	meta := settingsmeta.Default()
	if cfg.MetaFile != "" {
		var err error
		if meta, err = settingsmeta.LoadFile(cfg.MetaFile); err != nil {
			return nil, fmt.Errorf("failed to load settings metadata: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath()+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrations.NewMigrationManager(db, logger).Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	settingsManager, err := settings.NewManager(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create settings manager: %w", err)
	}
	settingsManager.WithMeta(meta)

	s := &Server{
		config:          cfg,
		logger:          logger,
		db:              db,
		settingsManager: settingsManager,
		metricsManager:  metrics.NewManager(cfg.Metrics),
		notifier:        notifications.NewManager(settingsManager, logger),
		meta:            meta,
		startTime:       time.Now(),
	}

	if cfg.Audit.Enable {
		s.auditManager = audit.NewManager(audit.NewSQLiteStore(db, logger), logger)
	}
	if cfg.Auth.JWTSecret != "" {
		s.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("No JWT secret configured; settings writes are anonymous")
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
		"tls":      s.config.EnableTLS,
	}).Info("Starting vaultgate server")

	if s.auditManager != nil && s.config.Audit.Retention > 0 {
		go s.purgeAuditLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.Close()
			return fmt.Errorf("server error: %w", err)
		}
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
	}

	return s.Close()
}

// Close waits for pending webhooks and releases the database
func (s *Server) Close() error {
	s.notifier.Close()
	return s.db.Close()
}

func (s *Server) purgeAuditLoop(ctx context.Context) {
	ticker := time.NewTicker(auditPurgeInterval)
	defer ticker.Stop()

	for {
		if _, err := s.auditManager.Purge(ctx, s.config.Audit.Retention); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("Audit purge failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(s.logger))
	router.Use(s.metricsManager.Middleware())

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, s.metricsManager.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Actor(s.verifier, s.logger))

	api.HandleFunc("/settings", s.handleListSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleBulkUpdateSettings).Methods(http.MethodPut)
	// registered before {key} so "meta" is not taken as a setting key
	api.HandleFunc("/settings/meta", s.handleSettingsMeta).Methods(http.MethodGet)
	api.HandleFunc("/settings/{key}", s.handleGetSetting).Methods(http.MethodGet)
	api.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, "not found", http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(middleware.CORS(s.config.AllowedOrigins)(router))
}
