package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plumehq/plume/config"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect effective configuration",
	Long: `config — Inspect the effective Plume configuration

Shows every setting after the full cascade has been merged:
defaults < /etc/plume/config.toml < ~/.plume/plume.toml
< ~/.plume/plume_overrides.toml < project plume.toml < PLUME_* env vars

Examples:
  plume config show           # Effective settings with their sources
  plume config show --json    # Machine-readable output`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	Long:  "Display every configuration setting, its effective value, and which cascade layer it came from. Provider API keys are redacted.",
	RunE:  runConfigShow,
}

func init() {
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	ConfigCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	intro, err := config.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	// Credentials never leave the process, even for display
	settings := make([]config.SettingInfo, len(intro.Settings))
	for i, setting := range intro.Settings {
		if strings.HasSuffix(setting.Key, "api_key") {
			if s, ok := setting.Value.(string); ok && s != "" {
				setting.Value = "(set)"
			} else {
				setting.Value = "(unset)"
			}
		}
		settings[i] = setting
	}

	if jsonOutput {
		redacted := config.ConfigIntrospection{
			ConfigFile: intro.ConfigFile,
			Settings:   settings,
		}
		output, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if intro.ConfigFile != "" {
		fmt.Printf("Config file: %s\n\n", intro.ConfigFile)
	} else {
		fmt.Printf("Config file: none (defaults and environment only)\n\n")
	}

	fmt.Printf("%-40s %-28s %s\n", "KEY", "VALUE", "SOURCE")
	fmt.Printf("%-40s %-28s %s\n", "---", "-----", "------")
	for _, setting := range settings {
		fmt.Printf("%-40s %-28v %s\n", setting.Key, setting.Value, setting.Source)
	}

	summary := config.GetConfigSummary()
	if sources, ok := summary["sources"].(map[string]int); ok {
		fmt.Println()
		fmt.Printf("Sources: %d default, %d config file, %d environment\n",
			sources["default"],
			len(settings)-sources["default"]-sources["environment"],
			sources["environment"])
	}

	return nil
}
