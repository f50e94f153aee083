package commands

import (
	"fmt"

	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath string) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	white := "\033[37m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	letters := []string{
		"██████  ██      ██  ██  ███ ███ ██████",
		"██  ██  ██      ██  ██  ██ █ ██ ██    ",
		"██████  ██      ██  ██  ██   ██ █████ ",
		"██      ██      ██  ██  ██   ██ ██    ",
		"██      ██████  ██████  ██   ██ ██████",
	}

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                  ║\n")
	for _, row := range letters {
		fmt.Printf("   ║      %s%s%s%s%s      ║\n", white, bold, row, reset, cyan+bold)
	}
	fmt.Printf("   ║                                                  ║\n")
	fmt.Printf("   ║     Mail stints · FAQ mining · Resumable jobs    ║\n")
	fmt.Printf("   ║                                                  ║\n")
	fmt.Printf("   ╚══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ Plume Info ────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	if dbPath != "" {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	}
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ Stint events stream to dashboard clients on /ws%s\n", yellow, bold, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
