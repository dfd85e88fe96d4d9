package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vivaria-project/vivaria/internal/auth"
	"github.com/vivaria-project/vivaria/internal/background"
	"github.com/vivaria-project/vivaria/internal/config"
	"github.com/vivaria-project/vivaria/internal/database"
	"github.com/vivaria-project/vivaria/internal/handlers"
	middlewareCustom "github.com/vivaria-project/vivaria/internal/middleware"
	"github.com/vivaria-project/vivaria/internal/models"
	"github.com/vivaria-project/vivaria/internal/repositories"
	"github.com/vivaria-project/vivaria/internal/routes"
	"github.com/vivaria-project/vivaria/internal/services"
	pkgauth "github.com/vivaria-project/vivaria/pkg/auth"
	pkghttp "github.com/vivaria-project/vivaria/pkg/http"
	pkglogger "github.com/vivaria-project/vivaria/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	if err := database.Migrate(cfg.Database.DSN(), logger); err != nil {
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	settingsRepo := repositories.NewSettingsRepository(db)

	// Seed admin credentials on first boot.
	bootstrapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminCredentials(bootstrapCtx, settingsRepo, logger); err != nil {
		logger.Error("failed to ensure admin credentials", slog.Any("error", err))
	}
	cancel()

	auditLogger := pkglogger.NewAuditLogger(logger)

	rateLimiter := services.NewRateLimitService(services.RateLimitConfig{
		MaxAttempts:     cfg.Auth.MaxAttempts,
		LockoutDuration: cfg.Auth.LockoutDuration,
	}, services.SystemClock, logger)
	preauthStore := services.NewPreAuthService(cfg.Auth.PreAuthTimeout, services.SystemClock, logger)
	sessionStore := services.NewSessionService(cfg.Auth.SessionTimeout, services.SystemClock, logger)

	totpManager := auth.NewTOTPManager(cfg.Auth.TOTPIssuer)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	})

	authService := services.NewAuthService(
		settingsRepo,
		rateLimiter,
		preauthStore,
		sessionStore,
		totpManager,
		timingDelay,
		logger,
		auditLogger,
	)

	cleanupManager := background.NewCleanupManager(authService, logger, cfg.Auth.CleanupInterval)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	cookieConfig := auth.CookieConfig{
		Secure: cfg.Auth.CookieSecure,
		MaxAge: int(cfg.Auth.SessionTimeout.Seconds()),
	}
	authHandler := handlers.NewAuthHandler(authService, ipConfig, cookieConfig)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdminCredentials seeds the admin username and password hash into
// settings from ADMIN_USERNAME / ADMIN_PASSWORD when not already present.
// In-memory session state is intentionally not durable; credentials are.
func ensureAdminCredentials(ctx context.Context, settings *repositories.SettingsRepository, logger *slog.Logger) error {
	adminUsername := os.Getenv("ADMIN_USERNAME")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminUsername == "" || adminPassword == "" {
		logger.Info("no ADMIN_USERNAME or ADMIN_PASSWORD set, skipping credential bootstrap")
		return nil
	}

	_, err := settings.Get(ctx, models.SettingUsername)
	if err == nil {
		logger.Info("admin credentials already configured")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check existing credentials: %w", err)
	}

	if err := pkgauth.ValidatePassword(adminPassword); err != nil {
		return fmt.Errorf("admin password rejected: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	if err := settings.Set(ctx, models.SettingUsername, adminUsername); err != nil {
		return fmt.Errorf("failed to store admin username: %w", err)
	}
	if err := settings.Set(ctx, models.SettingPasswordHash, hashedPassword); err != nil {
		return fmt.Errorf("failed to store admin password hash: %w", err)
	}

	logger.Info("admin credentials configured")
	return nil
}
