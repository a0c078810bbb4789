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

	"github.com/spf13/pflag"

	"github.com/irgordon/proxyctl/api/internal/adapters"
	"github.com/irgordon/proxyctl/api/internal/api/handlers"
	"github.com/irgordon/proxyctl/api/internal/api/middleware"
	"github.com/irgordon/proxyctl/api/internal/api/router"
	"github.com/irgordon/proxyctl/api/internal/config"
	"github.com/irgordon/proxyctl/api/internal/core/services"
	"github.com/irgordon/proxyctl/api/internal/db"
	health "github.com/irgordon/proxyctl/api/internal/delivery/http"
	"github.com/irgordon/proxyctl/api/internal/infrastructure/profiles"
	"github.com/irgordon/proxyctl/api/internal/telemetry"
	"github.com/irgordon/proxyctl/api/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("proxyctld", pflag.ContinueOnError)
	config.RegisterFlags(flagSet)
	printToken := flagSet.Bool("print-token", false, "print a bearer token for the configured API secret and exit")
	readOnly := flagSet.Bool("read-only", false, "with --print-token: issue a token that cannot mutate state")
	tokenTTL := flagSet.Duration("token-ttl", services.DefaultTokenTTL, "with --print-token: token lifetime")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// --- 1. Core Telemetry & Configuration ---
	cfg, err := config.Load(flagSet)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var tokens *services.TokenService
	if cfg.APISecret != "" {
		tokens = services.NewTokenService(cfg.APISecret)
	}

	if *printToken {
		if tokens == nil {
			return errors.New("--print-token needs PROXYCTL_API_SECRET")
		}
		token, err := tokens.Issue("cli", *tokenTTL, *readOnly)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	logger.Info("Booting proxyctl daemon", "env", cfg.Environment, "state_dir", cfg.StateDir)

	// --- 2. Persistence & Engine ---
	repo, err := db.NewFileRegistryRepository(cfg.StateDir)
	if err != nil {
		return err
	}
	registry, err := services.NewRegistryService(repo, profiles.NewDecoder(), logger)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	binary, err := adapters.ResolveEngineBinary(cfg.EngineBinary)
	if err != nil {
		return err
	}
	engine := adapters.NewXrayAdapter(adapters.XrayOptions{
		Binary:       binary,
		StartTimeout: cfg.StartTimeout,
		StopGrace:    cfg.StopGrace,
	}, logger)

	// --- 3. Dependency Injection ---
	hub := telemetry.NewHub()
	control := services.NewActivationService(registry, engine, hub, logger)

	authMiddleware := middleware.NewAuthMiddleware(tokens, cfg.RateLimit, cfg.RateBurst, logger)
	if tokens == nil {
		logger.Warn("API authentication disabled, listener is loopback only", "listen", cfg.Listen)
	}
	events := handlers.NewEventsHandler(control, hub, logger)

	mux := router.NewRouter(router.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		ConfigHandler:  handlers.NewConfigHandler(control, logger),
		EngineHandler:  handlers.NewEngineHandler(control, logger),
		EventsHandler:  events,
		WSHandler:      handlers.NewWebSocketHandler(events, cfg.AllowedOrigins, logger),
		HealthHandler:  health.NewHealthHandler(control),
		AuthMiddleware: authMiddleware,
		Logger:         logger,
	})

	// --- 4. Background Workers ---
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	indicator := worker.NewStatusIndicator(control, hub, cfg.ListenPort(), logger)
	go indicator.Start(workerCtx)
	go authMiddleware.CleanupVisitors(workerCtx)

	control.Boot(cfg.Autostart)

	// --- 5. HTTP Gateway ---
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /events and /ws are long-lived.
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Control API listening", "addr", cfg.Listen, "engine", binary)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// --- 6. Graceful Exit ---
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("control API: %w", err)
	}

	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced HTTP shutdown", "error", err)
	}

	control.Shutdown()
	logger.Info("proxyctl daemon stopped")
	return runErr
}
