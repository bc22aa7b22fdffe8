package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"dny/pkg/cache"
	"dny/pkg/classifier"
	"dny/pkg/config"
	"dny/pkg/dns"
	"dny/pkg/forwarder"
	"dny/pkg/logging"
	"dny/pkg/notify"
	"dny/pkg/policy"
	"dny/pkg/storage"
	"dny/pkg/system"
	"dny/pkg/telemetry"
)

// Exit codes: 0 normal shutdown, 1 configuration error, 2 bind failure,
// 3 OS handler failure on startup.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitBindFailure   = 2
	exitSystemFailure = 3
)

var (
	configPath     = flag.String("config", "config.yml", "Path to configuration file")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")

	// Build-time variables set via ldflags
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("DNY DNS Proxy\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(exitOK)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(exitConfigError)
		}
		fmt.Println("Configuration valid.")
		return
	}

	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfigError
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfigError
	}
	logging.SetGlobal(logger)

	logger.Info("DNY DNS proxy starting",
		"version", version,
		"build_time", buildTime)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		return exitConfigError
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		return exitConfigError
	}
	if err := telem.RegisterSystemStats(); err != nil {
		logger.Warn("System stats gauges unavailable", "error", err)
	}

	var notifier notify.Notifier = notify.Discard{}
	if cfg.Notify.Enabled {
		notifier = notify.NewLogNotifier(logger, cfg.Notify.HistorySize)
	}

	// Query-log persistence is optional; the proxy runs fine without it.
	var stor storage.Storage
	var queryLogger *dns.QueryLogger
	if cfg.Database.Enabled {
		sqliteStor, storErr := storage.NewSQLiteStorage(&cfg.Database, metrics)
		if storErr != nil {
			logger.Error("Failed to initialize storage, continuing without query logging", "error", storErr)
		} else {
			stor = sqliteStor
			queryLogger = dns.NewQueryLogger(stor, logger, cfg.Database.BufferSize, 2)
			logger.Info("Query logging enabled",
				"path", cfg.Database.SQLite.Path,
				"retention_days", cfg.Database.RetentionDays)
		}
	}

	pol, err := policy.New(cfg.Policy.KnownBadIPs)
	if err != nil {
		logger.Error("Failed to build block policy", "error", err)
		notifier.Emit(notify.Event{Kind: notify.ConfigError, Msg: err.Error()})
		return exitConfigError
	}
	for _, entry := range cfg.Policy.Rules {
		rule := &policy.Rule{Name: entry.Name, Logic: entry.Logic, Enabled: entry.Enabled}
		if err := pol.AddRule(rule); err != nil {
			logger.Error("Failed to compile policy rule", "name", entry.Name, "error", err)
			notifier.Emit(notify.Event{Kind: notify.ConfigError, Msg: err.Error()})
			return exitConfigError
		}
	}
	logger.Info("Block policy ready",
		"known_bad", pol.KnownBadCount(),
		"custom_rules", pol.RuleCount())

	var respCache *cache.Cache
	if cfg.Cache.Enabled {
		respCache, err = cache.New(&cfg.Cache, logger, metrics)
		if err != nil {
			logger.Error("Failed to initialize cache", "error", err)
			return exitConfigError
		}
	}

	var cls classifier.Classifier
	if cfg.Classifier.Enabled {
		cls = classifier.NewOpenAI(&cfg.Classifier, logger)
		logger.Info("Content classifier enabled", "model", cfg.Classifier.Model)
	}

	// Discover the host's resolver and route the OS through the proxy.
	osHandler, err := system.New(&cfg.System, logger)
	if err != nil {
		logger.Error("Failed to build system handler", "error", err)
		return exitConfigError
	}

	primary, err := osHandler.PrimaryResolver()
	if err != nil {
		// Promote the first configured fallback to primary and say so; a
		// host without a readable resolver config still gets service.
		fallbackHost := cfg.Upstreams.Fallbacks[0].Host
		logger.Warn("Could not detect local DNS, using first fallback as primary",
			"fallback", fallbackHost, "error", err)
		notifier.Emit(notify.Event{Kind: notify.DnsChanged, From: "unknown", To: fallbackHost})
		primary, err = netip.ParseAddr(fallbackHost)
		if err != nil {
			logger.Error("First fallback host is not an IP literal", "host", fallbackHost, "error", err)
			return exitConfigError
		}
	}

	upstreams, err := forwarder.NewList(primary, &cfg.Upstreams)
	if err != nil {
		logger.Error("Failed to build upstream list", "error", err)
		notifier.Emit(notify.Event{Kind: notify.ConfigError, Msg: err.Error()})
		return exitConfigError
	}

	if !osHandler.SetResolver([]string{"127.0.0.1", upstreams.Primary.Host.String()}) {
		logger.Error("OS handler failed to point the system at the proxy")
		return exitSystemFailure
	}
	defer func() {
		if !osHandler.RestoreResolver() {
			logger.Error("OS handler failed to restore system DNS")
		}
	}()

	resolver := forwarder.NewResolver(&cfg.Resolver, pol, logger)
	engine := dns.NewEngine(upstreams, resolver, respCache, cls, notifier, queryLogger, metrics, logger)
	server := dns.NewServer(&cfg.Server, engine, logger, metrics)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(serverCtx); err != nil {
			errChan <- err
		}
	}()

	// Periodic query-log retention sweep.
	if stor != nil {
		go retentionLoop(serverCtx, stor, cfg.Database.RetentionDays, logger)
	}

	notifier.Emit(notify.Event{Kind: notify.ServiceStarted})
	logger.Info("DNY DNS proxy is running",
		"listen", cfg.Server.ListenAddress,
		"primary", upstreams.Primary.Addr(),
		"fallbacks", len(upstreams.Fallbacks))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("Listener failed", "error", err)
		exitCode = exitBindFailure
	}

	serverCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	engine.WaitClassifiers()

	if queryLogger != nil {
		_ = queryLogger.Close()
	}
	if stor != nil {
		if err := stor.Close(); err != nil {
			logger.Error("Error during storage shutdown", "error", err)
		}
	}
	if respCache != nil {
		_ = respCache.Close()
	}

	notifier.Emit(notify.Event{Kind: notify.ServiceStopped})

	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("DNY DNS proxy stopped")
	return exitCode
}

// retentionLoop deletes query-log rows past the retention window once a day.
func retentionLoop(ctx context.Context, stor storage.Storage, retentionDays int, logger *logging.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			if err := stor.Cleanup(ctx, cutoff); err != nil {
				logger.Error("Query log retention sweep failed", "error", err)
			}
		}
	}
}
