package cmd

import (
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/utxo-ingest/internal/config"
)

var (
	cfgFile string
	verbose bool

	rootCmd = &cobra.Command{
		Use:          "utxo-ingest",
		Short:        "Resumable UTXO table ingestion",
		Long:         color.CyanString(`utxo-ingest - Fetch and reconcile the UTXO table into an ordered dataset`),
		SilenceUsage: true,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"start-id":          "start_id",
	"max-records":       "max_records",
	"continue-on-error": "continue_on_error",
	"input":             "input",
	"output":            "output",
	"checkpoint":        "checkpoint.path",
}

func addRunFlags(cmd *cobra.Command, files config.Files) {
	cmd.Flags().Uint64("start-id", 0, "start from this id, ignoring any checkpoint")
	cmd.Flags().Uint64("max-records", 0, "stop after writing this many records (0 for no cap)")
	cmd.Flags().String("output", "", "output CSV (default "+files.Output+")")
	cmd.Flags().String("checkpoint", "", "checkpoint file (default "+files.Checkpoint+")")
}

// bindFlags binds every flag in flagKeys that cmd defines.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func configureLogging(cfg *config.Config) {
	logrus.SetOutput(os.Stderr)
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}
