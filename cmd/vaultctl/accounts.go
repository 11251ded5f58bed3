package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/metastore"
	"github.com/kenneth/chunkvault/internal/models"
)

var checkTimeout time.Duration

func newAccountsCmd() *cobra.Command {
	accountsCmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"backends"},
		Short:   "Manage backend accounts",
		Long: `Manage the backend accounts chunks are placed on.

Examples:
  # List accounts with usage
  vaultctl accounts list

  # Register or update the accounts from the config file
  vaultctl accounts import

  # Verify every active account is reachable
  vaultctl accounts check

  # Take an account out of placement
  vaultctl accounts disable <account-id>`,
	}

	accountsCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List backend accounts",
		Args:    cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store metastore.Store, _ []string) error {
			accounts, err := store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			printAccounts(cmd.OutOrStdout(), accounts)
			return nil
		}),
	})

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Register the backends listed in the config file",
		Args:  cobra.NoArgs,
		RunE:  runAccountsImport,
	})

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check that active accounts are reachable",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store metastore.Store, _ []string) error {
			accounts, err := store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			failed := checkAccounts(cmd.Context(), cmd.OutOrStdout(), backend.NewClientFactory(), accounts, checkTimeout)
			if failed > 0 {
				return fmt.Errorf("%d account(s) failed the health check", failed)
			}
			return nil
		}),
	}
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 10*time.Second, "per-account check timeout")
	accountsCmd.AddCommand(checkCmd)

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "enable <account-id>",
		Short: "Return an account to placement",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store metastore.Store, args []string) error {
			return setActive(cmd, store, args[0], true)
		}),
	})

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "disable <account-id>",
		Short: "Take an account out of placement",
		Long: `Take an account out of placement. Chunks already stored on it stay
readable; new chunks are no longer placed there.`,
		Args: cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store metastore.Store, args []string) error {
			return setActive(cmd, store, args[0], false)
		}),
	})

	return accountsCmd
}

// withStore opens the configured metadata store around fn.
func withStore(fn func(cmd *cobra.Command, store metastore.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, store, args)
	}
}

func runAccountsImport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("no backends configured in %s", configPath())
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := metastore.SeedAccounts(cmd.Context(), store, cfg.Backends); err != nil {
		return err
	}
	for _, b := range cfg.Backends {
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", b.Label, b.AccountID())
	}
	return nil
}

func setActive(cmd *cobra.Command, store metastore.Store, id string, active bool) error {
	if err := store.SetAccountActive(cmd.Context(), id, active); err != nil {
		return fmt.Errorf("account %s: %w", id, err)
	}
	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account %s %s\n", id, state)
	return nil
}

func printAccounts(out io.Writer, accounts []*models.BackendAccount) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DRIVE\tID\tLABEL\tPROVIDER\tUSED\tLIMIT\tACTIVE\tQUARANTINE")
	for _, a := range accounts {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
			a.DriveNumber, a.ID, a.Label, a.Credentials.Provider,
			formatBytes(a.StorageUsed), formatBytes(a.Limit()),
			a.IsActive, a.IsQuarantine)
	}
	_ = w.Flush()
}

// checkAccounts probes every active account that supports health checks
// and returns the number of failures.
func checkAccounts(ctx context.Context, out io.Writer, factory backend.Factory, accounts []*models.BackendAccount, timeout time.Duration) int {
	failed := 0
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tLABEL\tSTATUS")
	for _, a := range accounts {
		if !a.IsActive {
			_, _ = fmt.Fprintf(w, "%s\t%s\tskipped (inactive)\n", a.ID, a.Label)
			continue
		}
		status := "ok"
		adapter, err := factory.Adapter(a)
		if err == nil {
			if hc, ok := adapter.(backend.HealthChecker); ok {
				cctx, cancel := context.WithTimeout(ctx, timeout)
				err = hc.Check(cctx)
				cancel()
			} else {
				status = "ok (no health check)"
			}
		}
		if err != nil {
			failed++
			status = "FAILED: " + err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Label, status)
	}
	_ = w.Flush()
	return failed
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
