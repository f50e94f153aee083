package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/stint"
)

// WatchdogCmd runs one reconciliation cycle
var WatchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Run one watchdog reconciliation cycle",
	Long: `Run one watchdog reconciliation cycle and exit.

The cycle sweeps ghost jobs and stale stage locks, restarts jobs whose
heartbeats went quiet, resumes paused jobs whose resume timer died with
its process, polls provider-side runs, and prunes old history.

Re-driven jobs run through an in-process relay until the drain window
closes; whatever is still unfinished lands on the next cycle. The serve
daemon runs this same cycle on a timer, so this command is for cron
deployments that do not keep a daemon running.

Examples:
  plume watchdog                      # One cycle with config defaults
  plume watchdog --stale-after 5m     # Tighter heartbeat staleness
  plume watchdog --drain 2m           # Let re-driven jobs run longer`,
	RunE: func(cmd *cobra.Command, args []string) error {
		staleAfter, _ := cmd.Flags().GetDuration("stale-after")
		drain, _ := cmd.Flags().GetDuration("drain")
		return runWatchdog(staleAfter, drain)
	},
}

func init() {
	WatchdogCmd.Flags().Duration("stale-after", 0, "Heartbeat staleness cutoff (0 = engine default)")
	WatchdogCmd.Flags().Duration("drain", 30*time.Second, "How long to let re-driven jobs run before exiting")
}

func runWatchdog(staleAfter, drain time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	engine := buildEngine(database, cfg)
	relay := stint.NewInProcessRelay(engine.Invoke)
	engine.SetContinuer(relay)

	watchdog := stint.NewWatchdog(engine, stint.WatchdogConfig{
		StaleAfter: staleAfter,
	})
	stats := watchdog.RunCycle(context.Background())

	fmt.Printf("Watchdog Cycle Results\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Ghost jobs swept:        %d\n", stats.GhostsSwept)
	fmt.Printf("Stale locks swept:       %d\n", stats.LocksSwept)
	fmt.Printf("Stalled jobs restarted:  %d\n", stats.Restarted)
	fmt.Printf("Paused jobs resumed:     %d\n", stats.Resumed)
	fmt.Printf("Provider runs finished:  %d\n", stats.ProviderFinished)
	fmt.Printf("Old runs purged:         %d\n", stats.RunsPurged)
	fmt.Printf("Old jobs purged:         %d\n", stats.JobsPurged)

	redriven := stats.Restarted + stats.Resumed + stats.ProviderFinished
	if redriven > 0 {
		pterm.Info.Printf("Draining %d re-driven job(s) for up to %v...\n", redriven, drain)
		finished := relay.Drain(drain)
		relay.Close()
		if !finished {
			relay.Drain(5 * time.Second)
			pterm.Warning.Println("Drain window closed with jobs still running; the next cycle continues them")
		}
	} else {
		relay.Close()
	}

	pterm.Success.Println("Reconciliation cycle complete")
	return nil
}
