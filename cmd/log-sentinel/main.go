// Log Sentinel - log collection and incident detection agent
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/alert"
	"github.com/supporttools/log-sentinel/pkg/checkpoint"
	"github.com/supporttools/log-sentinel/pkg/classifier"
	"github.com/supporttools/log-sentinel/pkg/database"
	"github.com/supporttools/log-sentinel/pkg/health"
	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/metrics"
	"github.com/supporttools/log-sentinel/pkg/scheduler"
	"github.com/supporttools/log-sentinel/pkg/source"
	"github.com/supporttools/log-sentinel/pkg/store"
	"github.com/supporttools/log-sentinel/pkg/threshold"
	"github.com/supporttools/log-sentinel/pkg/types"
	"github.com/supporttools/log-sentinel/pkg/util"
)

// Build-time variables set by goreleaser or make
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Command-line flags
var (
	configPath = flag.String("config", "/etc/log-sentinel/config.yaml", "Path to configuration file")
	hostName   = flag.String("host-name", "", "Override host name (defaults to config or $HOSTNAME)")
	logLevel   = flag.String("log-level", "", "Override log level (debug, info, warn, error, fatal)")
	logFormat  = flag.String("log-format", "", "Override log format (json, text)")
	once       = flag.Bool("once", false, "Run a single scan cycle and exit")
	validate   = flag.Bool("validate", false, "Validate the configuration file and exit")
	version    = flag.Bool("version", false, "Show version information and exit")
)

// Exit codes
const (
	exitOK       = 0
	exitFailure  = 1
	exitDegraded = 2
)

const (
	shutdownTimeout   = 30 * time.Second
	serverStopTimeout = 5 * time.Second
)

// app holds every long-lived component so that they can be shut down in
// reverse order of construction.
type app struct {
	config     *types.SentinelConfig
	db         *database.DB
	checkpoint checkpoint.Store
	store      *store.EventStore
	pool       *source.ClientPool
	readers    []source.Reader
	dispatcher *alert.Dispatcher
	exporter   *metrics.Exporter
	health     *health.Server
	scheduler  *scheduler.Scheduler
}

func main() {
	flag.Parse()

	if *version {
		printVersion()
		os.Exit(exitOK)
	}

	if *validate {
		if err := util.ValidateConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "configuration %s is invalid: %v\n", *configPath, err)
			os.Exit(exitFailure)
		}
		fmt.Printf("configuration %s is valid\n", *configPath)
		os.Exit(exitOK)
	}

	config, usedDefault, err := loadConfiguration(*configPath, flagOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitFailure)
	}

	if err := setupLogging(config.Settings); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(exitFailure)
	}
	log := logger.ForComponent("main")
	log.Infof("Log Sentinel %s starting...", Version)
	if usedDefault {
		log.Warnf("Config file %s not found, using defaults", *configPath)
	} else {
		log.Infof("Configuration loaded successfully from %s", *configPath)
	}

	code := run(config, *once)
	if err := logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close log file: %v\n", err)
	}
	os.Exit(code)
}

// run builds the components and drives them until a signal arrives, or for
// one cycle when once is set. It returns the process exit code.
func run(config *types.SentinelConfig, once bool) int {
	log := logger.ForComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, config)
	if err != nil {
		log.WithError(err).Error("Failed to initialize")
		return exitFailure
	}
	// stores stay open when the process gives up on a cycle that is still writing
	keepOpen := false
	defer func() {
		if !keepOpen {
			a.close()
		}
	}()

	if once {
		report := a.scheduler.RunCycle(ctx)
		if report.Degraded {
			log.WithField("reasons", report.DegradedReasons).Warn("Cycle finished degraded")
			return exitDegraded
		}
		return exitOK
	}

	if err := a.startServers(); err != nil {
		log.WithError(err).Error("Failed to start HTTP servers")
		return exitFailure
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- a.scheduler.Run(ctx)
	}()

	log.Info("Log Sentinel started successfully")

	select {
	case sig := <-sigChan:
		log.Infof("Received signal %v, initiating graceful shutdown", sig)
	case err := <-errChan:
		log.WithError(err).Error("Scheduler exited unexpectedly")
		return exitFailure
	}

	// an in-flight cycle finishes before Run returns
	cancel()

	finished := drain(errChan, sigChan, shutdownTimeout)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer stopCancel()
	a.stopServers(stopCtx)

	if !finished {
		keepOpen = true
		log.Warn("Log Sentinel stopped with a cycle still running")
		return exitFailure
	}
	log.Info("Log Sentinel stopped")
	return exitOK
}

// drain waits for the scheduler to return after cancellation. Past timeout it
// keeps waiting, since the running cycle may be writing to the event store,
// until a second signal forces the exit. It reports whether the scheduler
// returned.
func drain(errChan <-chan error, sigChan <-chan os.Signal, timeout time.Duration) bool {
	log := logger.ForComponent("main")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errChan:
		logSchedulerStop(err)
		return true
	case <-timer.C:
		log.Warnf("Shutdown timeout of %s exceeded, waiting for the running cycle to finish (signal again to force exit)", timeout)
	}

	select {
	case err := <-errChan:
		logSchedulerStop(err)
		return true
	case sig := <-sigChan:
		log.Warnf("Received signal %v, forcing exit", sig)
		return false
	}
}

func logSchedulerStop(err error) {
	log := logger.ForComponent("main")
	if err != nil {
		log.WithError(err).Warn("Scheduler stopped with error")
	}
	log.Info("Graceful shutdown completed")
}

// overrides carries the command-line values that replace file settings.
type overrides struct {
	HostName  string
	LogLevel  string
	LogFormat string
}

func flagOverrides() overrides {
	return overrides{HostName: *hostName, LogLevel: *logLevel, LogFormat: *logFormat}
}

// loadConfiguration loads and validates the configuration with proper precedence:
// 1. Start with file config or defaults if file doesn't exist
// 2. Apply CLI flag overrides
// 3. Re-validate the final configuration
func loadConfiguration(path string, o overrides) (*types.SentinelConfig, bool, error) {
	config, usedDefault, err := util.LoadConfigOrDefault(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	applyOverrides(config, o)

	if err := config.Validate(); err != nil {
		return nil, false, fmt.Errorf("configuration validation failed after applying overrides: %w", err)
	}
	return config, usedDefault, nil
}

func applyOverrides(config *types.SentinelConfig, o overrides) {
	if o.HostName != "" {
		config.Settings.HostName = o.HostName
	}
	if o.LogLevel != "" {
		config.Settings.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		config.Settings.LogFormat = o.LogFormat
	}
}

func setupLogging(settings types.GlobalSettings) error {
	return logger.Initialize(logger.Options{
		Level:  settings.LogLevel,
		Format: settings.LogFormat,
		Output: settings.LogOutput,
		File:   settings.LogFile,
	})
}

// buildApp wires the pipeline. On error everything built so far is closed.
func buildApp(ctx context.Context, config *types.SentinelConfig) (a *app, err error) {
	log := logger.ForComponent("main")
	a = &app{config: config}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if config.Metrics.Enabled {
		a.exporter, err = metrics.NewExporter(config.Metrics, config.Settings.HostName, Version)
		if err != nil {
			return a, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
	}

	a.db, err = database.Open(ctx, config.Storage.Driver, config.Storage.DSN)
	if err != nil {
		return a, fmt.Errorf("failed to open event database: %w", err)
	}

	a.checkpoint, err = checkpoint.New(config.Storage.Checkpoints, a.db)
	if err != nil {
		return a, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	opts := store.Options{
		MaxAttempts: config.Storage.Retry.MaxAttempts,
		Backoff: util.Backoff{
			BaseDelay: config.Storage.Retry.BaseDelay,
			MaxDelay:  config.Storage.Retry.MaxDelay,
		},
		DedupCacheSize: config.Storage.DedupCacheSize,
	}
	if a.exporter != nil {
		opts.OnRetry = a.exporter.RecordStorageRetry
	}
	a.store, err = store.New(a.db, config.Storage.CSVPath, opts)
	if err != nil {
		return a, fmt.Errorf("failed to create event store: %w", err)
	}

	cls, err := classifier.New(config.Classifier.Rules, config.Classifier.UseDefaultRules())
	if err != nil {
		return a, fmt.Errorf("failed to compile classification rules: %w", err)
	}

	sources, err := source.Expand(config.Sources)
	if err != nil {
		return a, fmt.Errorf("failed to expand sources: %w", err)
	}
	if len(sources) == 0 {
		log.Warn("No log sources matched the configuration; cycles will be empty")
	}
	a.pool = source.NewClientPool(config.Settings.RemoteReadTimeout)
	a.readers, err = source.DefaultRegistry.CreateReaders(sources, source.Dependencies{
		Options: source.Options{MaxReadBytes: config.Settings.MaxReadBytes},
		Pool:    a.pool,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create source readers: %w", err)
	}

	tracker := threshold.NewTracker(config.Thresholds.Mode, config.Thresholds.Rules())

	a.dispatcher, err = alert.NewDispatcher(config.Alerts)
	if err != nil {
		return a, fmt.Errorf("failed to create alert dispatcher: %w", err)
	}

	if config.Health.Enabled {
		a.health, err = health.NewServer(health.ConfigFrom(config.Health, Version))
		if err != nil {
			return a, fmt.Errorf("failed to create health server: %w", err)
		}
	}

	deps := scheduler.Dependencies{
		Readers:     a.readers,
		Classifier:  cls,
		Checkpoints: a.checkpoint,
		Store:       a.store,
		Thresholds:  tracker,
		Alerts:      a.dispatcher,
	}
	if a.exporter != nil {
		deps.Observers = append(deps.Observers, a.exporter)
	}
	if a.health != nil {
		hs := a.health
		deps.Observers = append(deps.Observers, scheduler.ObserverFunc(hs.UpdateCycle))
		deps.OnStateChange = func(s scheduler.State) { hs.SetState(string(s)) }
	}

	a.scheduler, err = scheduler.New(scheduler.ConfigFrom(config), deps)
	if err != nil {
		return a, fmt.Errorf("failed to create scheduler: %w", err)
	}

	if a.health != nil {
		sched := a.scheduler
		a.health.AddHealthCheck("pipeline", func() error {
			if sched.Degraded() {
				return errors.New("last cycle was degraded")
			}
			return nil
		})
	}

	logBanner(log, config, sources, a)
	return a, nil
}

func logBanner(log *logrus.Entry, config *types.SentinelConfig, sources []types.LogSource, a *app) {
	local, remote := 0, 0
	for _, src := range sources {
		if src.Kind == types.SourceKindRemote {
			remote++
		} else {
			local++
		}
	}
	log.WithFields(logrus.Fields{
		"host":           config.Settings.HostName,
		"scanInterval":   config.Settings.ScanInterval.String(),
		"localSources":   local,
		"remoteSources":  remote,
		"thresholdMode":  config.Thresholds.Mode,
		"thresholds":     len(config.Thresholds.Limits),
		"storageDriver":  config.Storage.Driver,
		"storageSinks":   a.store.SinkNames(),
		"checkpoints":    config.Storage.Checkpoints.Backend,
		"alertChannels":  len(a.dispatcher.Channels()),
		"metricsEnabled": a.exporter != nil,
		"healthEnabled":  a.health != nil,
	}).Info("Pipeline configured")
}

func (a *app) startServers() error {
	if a.exporter != nil {
		if err := a.exporter.Start(); err != nil {
			return err
		}
	}
	if a.health != nil {
		if err := a.health.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) stopServers(ctx context.Context) {
	log := logger.ForComponent("main")
	if a.health != nil {
		if err := a.health.Stop(ctx); err != nil {
			log.WithError(err).Warn("Failed to stop health server")
		}
	}
	if a.exporter != nil {
		if err := a.exporter.Stop(ctx); err != nil {
			log.WithError(err).Warn("Failed to stop metrics server")
		}
	}
}

type closer struct {
	name string
	fn   func() error
}

// close releases resources in reverse order of construction. It tolerates
// a partially built app.
func (a *app) close() {
	var closers []closer
	if a.dispatcher != nil {
		closers = append(closers, closer{"alert dispatcher", a.dispatcher.Close})
	}
	for _, r := range a.readers {
		closers = append(closers, closer{"reader " + r.Source().ID, r.Close})
	}
	if a.pool != nil {
		closers = append(closers, closer{"ssh client pool", a.pool.Close})
	}
	if a.store != nil {
		closers = append(closers, closer{"event store", a.store.Close})
	}
	if a.checkpoint != nil {
		closers = append(closers, closer{"checkpoint store", a.checkpoint.Close})
	}
	if a.db != nil {
		closers = append(closers, closer{"database", a.db.Close})
	}

	log := logger.ForComponent("main")
	for _, c := range closers {
		if err := c.fn(); err != nil {
			log.WithError(err).Warnf("Failed to close %s", c.name)
		}
	}
}

// printVersion prints version information to stdout
func printVersion() {
	fmt.Printf("log-sentinel %s\n", Version)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Built: %s\n", BuildTime)
	fmt.Printf("  Go Version: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
