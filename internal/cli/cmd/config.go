package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/utxo-ingest/internal/config"
	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var showCmd = &cobra.Command{
	Use:       "show [fetch|reconcile]",
	Short:     "Print the effective configuration",
	Long:      `Merge defaults, the --config file and UTXO_INGEST_* environment variables and print the result as YAML.`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"fetch", "reconcile"},
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, files := modeFor(args)
		v := config.New(files)
		if _, err := config.Load(v, cfgFile, mode); err != nil {
			color.Yellow("⚠️  %v", err)
		}
		out, err := yaml.Marshal(v.AllSettings())
		if err != nil {
			return errors.Wrap(err, "failed to render config")
		}
		fmt.Print(string(out))
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:       "validate [fetch|reconcile]",
	Short:     "Check the configuration without running",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"fetch", "reconcile"},
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, files := modeFor(args)
		cfg, err := config.Load(config.New(files), cfgFile, mode)
		if err != nil {
			color.Red("❌ Configuration has errors:")
			fmt.Printf("  • %v\n", err)
			return errors.New("configuration validation failed")
		}
		color.Green("✅ Configuration is valid for %s", mode)
		fmt.Printf("   Sources: %d\n", len(cfg.Sources))
		fmt.Printf("   Output:  %s\n", cfg.Output)
		fmt.Printf("   Fingerprint: %s\n", checkpoint.ConfigHash(cfg.Fingerprint(mode)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)
}

func modeFor(args []string) (checkpoint.Mode, config.Files) {
	if len(args) == 1 && args[0] == "reconcile" {
		return checkpoint.ModeReconcile, config.ReconcileDefaults
	}
	return checkpoint.ModeBulk, config.FetchDefaults
}
