/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan servicing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, config file, .env, LOANS_* env, flags)
  2. Build the zap logger
  3. Initialize the store (SQLite, or in-process memory)
  4. Wire metrics, loan.Service, API handler and audit scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config      Config file (default: ./config.yaml, $HOME/.config/loans/config.yaml)
  --port        HTTP server port (default: 8080)
  --db          SQLite database path (default: ./data/loans.db)
                Use ":memory:" for in-memory SQLite, "memory" for the map store
  --log-level   debug | info | warn | error
  --log-format  json | console

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server --db=./data/loans.db

  # Run with in-memory database and readable logs
  ./server --db=":memory:" --log-format=console

  # Run on different port
  LOANS_SERVER_PORT=3000 ./server

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warp/loan-servicing/api"
	"github.com/warp/loan-servicing/config"
	"github.com/warp/loan-servicing/loan"
	"github.com/warp/loan-servicing/loan/store"
	"github.com/warp/loan-servicing/logging"
	"github.com/warp/loan-servicing/metrics"
	"github.com/warp/loan-servicing/store/sqlite"
)

var (
	cfgFile string
	cfg     config.Config
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Loan modification ledger and servicing API",
	Long: `Serves the loan modification ledger over HTTP.

Every change to a loan's terms is appended to an immutable ledger and the
loan's effective parameters are re-derived by replaying it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("db", "./data/loans.db", `SQLite database path (":memory:" for in-memory, "memory" for the map store)`)
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, console)")

	_ = v.BindPFlag("server.port", flags.Lookup("port"))
	_ = v.BindPFlag("database.path", flags.Lookup("db"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", flags.Lookup("log-format"))
}

func initConfig() error {
	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	// Initialize store
	st, closeStore, err := openStore(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize store", zap.Error(err))
		return err
	}
	defer closeStore()

	m := metrics.New()
	svc := loan.NewService(st, loan.Options{
		Logger:   logger.Named("loan"),
		Observer: m,
	})

	handler := api.NewHandler(svc, st, logger.Named("api"))

	scheduler := api.NewAuditScheduler(svc, st, logger)
	scheduler.Observer = m
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:        m,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	scheduler.Start()

	// Wait for interrupt signal
	select {
	case err := <-serveErr:
		scheduler.Stop()
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("server stopped")
	return nil
}

// openStore returns the configured store and its close function.
func openStore(path string) (loan.Store, func(), error) {
	if path == "memory" {
		return store.NewTxMemory(), func() {}, nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	s, err := sqlite.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	return s, func() { s.Close() }, nil
}
