// Package main provides the querycache CLI entry point.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/dbadmin/querycache/pkg/cache"
	"github.com/dbadmin/querycache/pkg/config"
	"github.com/dbadmin/querycache/pkg/executor"
	"github.com/dbadmin/querycache/pkg/logging"
	"github.com/dbadmin/querycache/pkg/metrics"
	"github.com/dbadmin/querycache/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "querycache",
		Short: "querycache - result caching for SQL read statements",
		Long: `querycache runs SQL statements against a database with a result cache
in front of it. Reads are served from the cache when possible; writes and
DDL invalidate every cached result that read an affected table.

Features:
  • Admission policy: only deterministic reads of moderate cost are cached
  • TTL expiry and bounded size with oldest-first eviction
  • Table-scoped invalidation on writes
  • Admin HTTP API with Prometheus metrics`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "querycache v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin HTTP server",
		Long:  "Open the database, start the cache sweep and serve the admin HTTP API until interrupted",
		RunE:  runServe,
	}
	serveCmd.Flags().String("address", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().Int("http-port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().String("driver", "", "Database driver: sqlite or pgx (overrides config)")
	serveCmd.Flags().String("dsn", "", "Database DSN (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Query command
	queryCmd := &cobra.Command{
		Use:   "query [statement] [params...]",
		Short: "Run one statement through the cache and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().String("driver", "", "Database driver: sqlite or pgx (overrides config)")
	queryCmd.Flags().String("dsn", "", "Database DSN (overrides config)")
	queryCmd.Flags().Int("repeat", 1, "Run the statement this many times")
	rootCmd.AddCommand(queryCmd)

	// Config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

// loadConfig reads --config and the environment, then applies any flags the
// command defines and the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromEnvOrFile(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Server.Address, _ = flags.GetString("address")
	}
	if flags.Changed("http-port") {
		cfg.Server.Port, _ = flags.GetInt("http-port")
	}
	if flags.Changed("driver") {
		cfg.Database.Driver, _ = flags.GetString("driver")
	}
	if flags.Changed("dsn") {
		cfg.Database.DSN, _ = flags.GetString("dsn")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.DSN == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer closeLog()

	logger.Info("starting querycache",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Stringer("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cacheMetrics := metrics.NewCacheMetrics("querycache", registry)

	engine := cache.New(cfg.Cache,
		cache.WithLogger(logger.Named("cache")),
		cache.WithMetrics(cacheMetrics))
	engine.Start()
	defer engine.Stop()

	exec := executor.New(db, engine,
		executor.WithLogger(logger.Named("executor")),
		executor.WithMetrics(cacheMetrics))

	if !cfg.Server.Enabled {
		logger.Info("http server disabled, waiting for shutdown signal")
		<-ctx.Done()
		return nil
	}

	httpServer, err := server.New(exec, cfg.Server,
		server.WithLogger(logger.Named("http")),
		server.WithGatherer(registry),
		server.WithQueryTimeout(cfg.Database.QueryTimeout))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start HTTP server (non-blocking)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "querycache is ready on http://%s (Ctrl+C to stop)\n", httpServer.Addr())

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	logger.Info("server stopped gracefully", zap.Any("cache", engine.Stats()))
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	repeat, _ := cmd.Flags().GetInt("repeat")
	if repeat < 1 {
		repeat = 1
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := cache.New(cfg.Cache)
	exec := executor.New(db, engine)

	params := make([]interface{}, 0, len(args)-1)
	for _, p := range args[1:] {
		params = append(params, p)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for i := 0; i < repeat; i++ {
		result, err := exec.Execute(ctx, args[0], params...)
		if err != nil {
			return err
		}
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
	}

	if repeat > 1 {
		return enc.Encode(engine.Stats())
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg.Redacted())
}
