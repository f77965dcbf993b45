package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/utxo-ingest/internal/cli/runner"
	"github.com/withObsrvr/utxo-ingest/internal/config"
	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
)

var (
	fetchCmd = &cobra.Command{
		Use:   "fetch",
		Short: "Page through the whole id space into a CSV",
		Long: `Partition [start-id, max-id] across the configured sources, page through
each window, backfill any ids the pages skipped, and append the rows in id
order. Interrupted runs resume from the checkpoint.`,
		Example: `  utxo-ingest fetch
  utxo-ingest fetch --start-id 1000000 --max-records 500000
  utxo-ingest fetch --config ingest.yaml --continue-on-error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, checkpoint.ModeBulk, config.FetchDefaults)
		},
	}

	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Fill the gaps in a previously fetched CSV",
		Long: `Scan a fetched CSV in batches, point-query every id missing from each
batch's span, and write the completed rows to a new CSV. Interrupted runs
resume from the checkpoint.`,
		Example: `  utxo-ingest reconcile
  utxo-ingest reconcile --input data_main.csv --output cleaned_data_main.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, checkpoint.ModeReconcile, config.ReconcileDefaults)
		},
	}
)

func init() {
	addRunFlags(fetchCmd, config.FetchDefaults)
	fetchCmd.Flags().Bool("continue-on-error", false, "keep going when a source exhausts its retries")
	rootCmd.AddCommand(fetchCmd)

	addRunFlags(reconcileCmd, config.ReconcileDefaults)
	reconcileCmd.Flags().String("input", "", "input CSV (default "+config.ReconcileDefaults.Input+")")
	rootCmd.AddCommand(reconcileCmd)
}

func runMode(cmd *cobra.Command, mode checkpoint.Mode, files config.Files) error {
	v := config.New(files)
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	cfg, err := config.Load(v, cfgFile, mode)
	if err != nil {
		return err
	}
	configureLogging(cfg)

	r := runner.New(runner.Options{
		Mode:       mode,
		Config:     cfg,
		FreshStart: cmd.Flags().Changed("start-id"),
	})
	fmt.Println(color.GreenString("🚀 Starting %s run %s -> %s", mode, r.RunID(), cfg.Output))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	summary, err := r.Run(ctx)
	if summary != nil {
		printSummary(summary)
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println(color.YellowString("⏸  Interrupted, progress is checkpointed"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s run failed: %w", mode, err)
	}
	fmt.Println(color.GreenString("✅ Run completed"))
	return nil
}

func printSummary(s *runner.Summary) {
	label := color.New(color.FgGreen)
	rows := []struct {
		name  string
		value interface{}
	}{
		{"Run id:        ", s.RunID},
		{"Resumed:       ", s.Resumed},
		{"Processed:     ", s.TotalProcessed},
		{"Last id:       ", s.LastID},
		{"Backfilled:    ", s.Backfilled},
		{"Unresolved:    ", s.Unresolved},
		{"Duplicates:    ", s.Duplicates},
		{"Requests:      ", s.Requests},
		{"Rate limited:  ", s.RateLimited},
		{"Page failures: ", s.PageFailures},
		{"Peak in flight:", s.PeakInFlight},
	}
	for _, row := range rows {
		label.Print(row.name)
		fmt.Printf(" %v\n", row.value)
	}
	if s.Unresolved > 0 {
		color.Yellow("⚠️  %d ids could not be resolved and are absent from the output", s.Unresolved)
	}
}
