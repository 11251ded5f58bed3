package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/engine"
)

var sweepOlderThan time.Duration

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim uploads that never finished",
		Long: `Permanently delete files that are still uploading or failed and are older
than the grace period, freeing their chunks on the backends.`,
		Args: cobra.NoArgs,
		RunE: runSweep,
	}
	cmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "grace period (default engine.stale_upload_grace)")
	return cmd
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	grace := sweepOlderThan
	if grace <= 0 {
		grace = cfg.Engine.StaleUploadGrace
	}
	if grace <= 0 {
		return fmt.Errorf("grace period must be positive")
	}

	secret, err := cfg.ResolveSecret()
	if err != nil {
		return err
	}
	codec, err := crypto.NewCodec(secret)
	if err != nil {
		return err
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	eng, err := engine.New(store, backend.NewClientFactory(), codec, engine.WithLogger(newLogger()))
	if err != nil {
		return err
	}

	reports, sweepErr := eng.ReclaimStale(cmd.Context(), grace)
	printReclaimReports(cmd.OutOrStdout(), reports)
	if sweepErr != nil {
		return fmt.Errorf("sweep finished with errors: %w", sweepErr)
	}
	return nil
}

func printReclaimReports(out io.Writer, reports []*engine.ReclaimReport) {
	if len(reports) == 0 {
		fmt.Fprintln(out, "No stale uploads")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tCHUNKS\tDELETED\tMISSING\tFAILED\tFREED")
	var freed int64
	for _, r := range reports {
		freed += r.BytesFreed
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			r.FileID, r.Chunks, r.Deleted, r.Missing, r.Failed, formatBytes(r.BytesFreed))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\nReclaimed %d file(s), %s freed\n", len(reports), formatBytes(freed))
}
