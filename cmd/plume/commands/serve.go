package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/server"
	"github.com/plumehq/plume/stages/faqmine"
	"github.com/plumehq/plume/stint"
)

// hydrateSweepInterval paces the crawl pass that feeds faq.mine.
// Crawls are rate-limited per workspace anyway, so the sweep only has
// to come around often enough to wake waiting jobs.
const hydrateSweepInterval = 2 * time.Minute

// relayDrainTimeout bounds how long shutdown waits for in-flight
// relayed invocations. Each one is budget-bounded, so this only has to
// cover one invocation plus slack.
const relayDrainTimeout = 60 * time.Second

// ServeCmd starts the Plume daemon
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the Plume daemon",
	Long: `Start the Plume daemon in foreground mode.

The daemon runs:
- HTTP API for triggering stints and queueing FAQ pages
- WebSocket event feed for dashboard clients
- In-process relay scheduler (continues jobs across invocations)
- Watchdog reconciliation loop (ghost sweep, stale restarts, history pruning)
- Page hydration sweep for the FAQ miner

Runs until interrupted (Ctrl+C) with graceful shutdown.`,
	RunE: runServe,
}

var (
	servePort       int
	serveDBPath     string
	serveNoWatchdog bool
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides config, 0 = config value)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
	ServeCmd.Flags().BoolVar(&serveNoWatchdog, "no-watchdog", false, "Disable the watchdog reconciliation loop")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Default to Info for the daemon so lifecycle events are visible
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
		if err := logger.InitializeWithLevel(false, logger.VerbosityToLevel(verbosity)); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	dbPath := serveDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	printStartupBanner(verbosity, dbPath)

	port := servePort
	if port == 0 {
		port = config.GetServerPort()
	}
	stintCfg := cfg.GetStintConfig()

	// Engine and HTTP surface
	engine := buildEngine(database, cfg)
	srv := server.NewPlumeServer(database, engine, cfg.GetServerAllowedOrigins())
	engine.SetBroadcaster(srv)

	// In-process relay: the goroutine that finishes an invocation also
	// hosts the timer for the next one
	relay := stint.NewInProcessRelay(engine.Invoke)
	engine.SetContinuer(relay)

	// Watchdog safety net under the relay chain
	watchdog := stint.NewWatchdog(engine, stint.WatchdogConfig{
		Interval: time.Duration(stintCfg.WatchdogIntervalSeconds) * time.Second,
	})
	watchdogEnabled := stintCfg.WatchdogEnabled && !serveNoWatchdog
	var watchdogMu sync.Mutex
	if watchdogEnabled {
		watchdog.Start()
	}

	// Hydration sweep feeds page content to waiting faq.mine jobs
	hydrator := faqmine.NewHydrator(database, cfg.Crawler)
	hydrator.SetContinuer(relay)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	var sweepWg sync.WaitGroup
	sweepWg.Add(1)
	go runHydrateSweep(sweepCtx, &sweepWg, hydrator)

	pterm.Info.Printf("Plume daemon starting on port %d\n", port)
	pterm.Info.Printf("  Database:          %s\n", dbPath)
	pterm.Info.Printf("  Stages:            %v\n", engine.Registry().Names())
	pterm.Info.Printf("  Invocation budget: %v\n", engine.Config().InvocationBudget)
	if watchdogEnabled {
		pterm.Info.Printf("  Watchdog interval: %v\n", time.Duration(stintCfg.WatchdogIntervalSeconds)*time.Second)
	} else {
		pterm.Warning.Println("  Watchdog disabled")
	}

	// Hot reload: the watchdog toggle takes effect immediately, budget
	// and provider settings land on the next invocation
	var watcher *config.ConfigWatcher
	if configFile := config.GetViper().ConfigFileUsed(); configFile != "" {
		watcher, err = config.NewConfigWatcher(configFile)
		if err != nil {
			logger.Warnw("Config watcher unavailable, hot reload disabled",
				"path", configFile, "error", err)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				watchdogMu.Lock()
				defer watchdogMu.Unlock()
				enabled := newCfg.GetStintConfig().WatchdogEnabled && !serveNoWatchdog
				if enabled == watchdogEnabled {
					return nil
				}
				if enabled {
					watchdog.Start()
				} else {
					watchdog.Stop()
				}
				watchdogEnabled = enabled
				logger.Infow("Watchdog toggled by config reload", "enabled", enabled)
				return nil
			})
			watcher.Start()
			config.SetGlobalWatcher(watcher)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdown := func() error {
		// Reverse start order: stop producing work before stopping the
		// surfaces that report it
		if watcher != nil {
			watcher.Stop()
		}
		watchdogMu.Lock()
		if watchdogEnabled {
			watchdog.Stop()
		}
		watchdogMu.Unlock()
		stopSweep()
		sweepWg.Wait()
		relay.Close()
		if !relay.Drain(relayDrainTimeout) {
			logger.Warnw("Relay drain timed out, abandoning in-flight invocations",
				"timeout", relayDrainTimeout)
		}
		return srv.Stop()
	}

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		// First Ctrl+C - graceful shutdown
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- shutdown()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Plume daemon stopped cleanly")
			return nil
		case <-sigChan:
			// Second Ctrl+C - force immediate exit
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// runHydrateSweep runs the crawl pass on a timer until ctx cancels.
func runHydrateSweep(ctx context.Context, wg *sync.WaitGroup, hydrator *faqmine.Hydrator) {
	defer wg.Done()
	ticker := time.NewTicker(hydrateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := hydrator.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warnw("Hydration sweep failed", "error", err)
			}
			if n > 0 {
				logger.Infow("Hydration sweep landed content", "pages", n)
			}
		}
	}
}
