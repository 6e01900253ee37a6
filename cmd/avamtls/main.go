// Package main is the entry point for the avamtls handshake engine.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/handshake"
	"github.com/vyrodovalexey/avamtls/internal/identity"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine failed", observability.Error(err))
	}
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AVAMTLS_CONFIG_PATH", "configs/avamtls.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("AVAMTLS_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("AVAMTLS_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avamtls version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting avamtls",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	return cfg
}

// run wires the stores, evaluator, coordinator, and server together and
// blocks until a shutdown signal.
func run(cfg *config.Config, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()

	// Trust store.
	trustMetrics := trust.NewMetrics("avamtls", trust.WithRegistry(registry))
	anchorSet, err := trust.LoadAnchorFiles(cfg.AnchorFiles())
	if err != nil {
		return fmt.Errorf("failed to load trust anchors: %w", err)
	}
	trustStore, err := trust.NewStore(anchorSet,
		trust.WithStoreLogger(logger),
		trust.WithStoreMetrics(trustMetrics),
	)
	if err != nil {
		return err
	}

	if cfg.Trust.WatchFiles {
		watcher, err := trust.NewWatcher(cfg.AnchorFiles(), trustStore,
			trust.WithWatcherLogger(logger),
		)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
	}

	// Local identity.
	identityMetrics := identity.NewMetrics("avamtls", identity.WithRegistry(registry))
	identityStore, closeSource, err := buildIdentity(ctx, cfg, logger, identityMetrics)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	defer closeSource()

	monitor, err := identity.NewMonitor(identityStore,
		identity.WithMonitorLogger(logger),
		identity.WithMonitorMetrics(identityMetrics),
	)
	if err != nil {
		return err
	}
	monitor.Start(ctx)
	defer monitor.Close()

	// Trust evaluation.
	evaluatorOpts := []trust.EvaluatorOption{
		trust.WithEvaluatorLogger(logger),
		trust.WithEvaluatorMetrics(trustMetrics),
	}
	if cfg.Trust.MaxChainDepth > 0 {
		evaluatorOpts = append(evaluatorOpts, trust.WithMaxChainDepth(cfg.Trust.MaxChainDepth))
	}
	evaluator, err := trust.NewEvaluator(trustStore, evaluatorOpts...)
	if err != nil {
		return err
	}

	// Handshake coordination.
	handshakeMetrics := handshake.NewMetrics("avamtls", handshake.WithRegistry(registry))
	coordinator, err := buildCoordinator(cfg, identityStore, evaluator, logger, handshakeMetrics)
	if err != nil {
		return err
	}

	server, err := handshake.NewServer(
		&handshake.ServerConfig{
			ListenAddr:      cfg.Listener.Address,
			MaxConnections:  cfg.Listener.MaxConnections,
			AcceptRate:      cfg.Listener.AcceptRate,
			AcceptBurst:     cfg.Listener.AcceptBurst,
			ShutdownTimeout: cfg.Listener.ShutdownTimeout,
		},
		coordinator,
		sessionHandler(logger),
		handshake.WithServerLogger(logger),
		handshake.WithServerMetrics(handshakeMetrics),
	)
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}

	metricsServer := startMetricsServer(cfg, registry, logger)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", observability.Error(err))
		}
	}

	return server.Stop(shutdownCtx)
}

// buildIdentity constructs the identity store from the configured source.
func buildIdentity(ctx context.Context, cfg *config.Config, logger observability.Logger, metrics identity.MetricsRecorder) (*identity.Store, func(), error) {
	switch cfg.Identity.Source {
	case config.SourceVault:
		source, store, err := identity.NewVaultSource(ctx, cfg.Identity.Vault,
			identity.WithVaultSourceLogger(logger),
			identity.WithVaultSourceMetrics(metrics),
		)
		if err != nil {
			return nil, nil, err
		}
		if err := source.Start(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() { _ = source.Close() }, nil

	default:
		source, store, err := identity.NewFileSource(cfg.Identity.CertFile, cfg.Identity.KeyFile,
			identity.WithFileSourceLogger(logger),
			identity.WithFileSourceMetrics(metrics),
		)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Identity.WatchFiles {
			if err := source.Start(ctx); err != nil {
				return nil, nil, err
			}
			return store, func() { _ = source.Close() }, nil
		}
		return store, func() {}, nil
	}
}

// buildCoordinator constructs the handshake coordinator from configuration.
func buildCoordinator(
	cfg *config.Config,
	identityStore *identity.Store,
	evaluator *trust.Evaluator,
	logger observability.Logger,
	metrics handshake.MetricsRecorder,
) (*handshake.Coordinator, error) {
	cipherSuites, err := handshake.ParseCipherSuites(cfg.Handshake.CipherSuites)
	if err != nil {
		return nil, err
	}

	curves, err := handshake.ParseCurvePreferences(cfg.Handshake.CurvePreferences)
	if err != nil {
		return nil, err
	}

	opts := []handshake.CoordinatorOption{
		handshake.WithCoordinatorLogger(logger),
		handshake.WithCoordinatorMetrics(metrics),
		handshake.WithRequirePeerCert(cfg.Handshake.RequirePeerCert),
		handshake.WithVersionBounds(cfg.MinTLSVersion(), cfg.MaxTLSVersion()),
		handshake.WithCipherSuites(cipherSuites),
		handshake.WithCurvePreferences(curves),
	}
	if cfg.Handshake.Timeout > 0 {
		opts = append(opts, handshake.WithHandshakeTimeout(cfg.Handshake.Timeout))
	}

	return handshake.NewCoordinator(identityStore, evaluator, opts...)
}

// sessionHandler returns the handler invoked for each established session.
// The engine serves as an authentication endpoint: it acknowledges the
// session and closes the connection.
func sessionHandler(logger observability.Logger) handshake.SessionHandler {
	return func(ctx context.Context, conn *tls.Conn, session *handshake.Session) {
		defer func() { _ = conn.Close() }()

		logger.WithContext(ctx).Info("session established",
			observability.String("session_id", session.ID()),
			observability.String("peer_subject", session.Peer().SubjectDN),
			observability.String("trust_mode", string(session.Peer().Mode)),
		)

		_, _ = fmt.Fprintf(conn, "avamtls session %s established\n", session.ID())
	}
}

// startMetricsServer exposes the Prometheus registry when enabled.
func startMetricsServer(cfg *config.Config, registry *prometheus.Registry, logger observability.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", observability.String("addr", cfg.Metrics.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", observability.Error(err))
		}
	}()

	return server
}

// getEnvOrDefault returns an environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
