package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/ledger"
	"golang.org/x/term"
)

// stdinIsTerminal reports whether a confirmation prompt can be answered.
// Tests replace it.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Ledger store management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBPurgeCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger and lease tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to signalbox config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s store\n", cfg.Database.Driver)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

func newDBPurgeCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal ledger entries older than a cutoff",
		Long: `Deletes completed and failed ledger entries created before now minus
--older-than. Processing entries are never purged. Defaults to the configured
ledger.retention.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBPurge(cmd, configPath, olderThan, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to signalbox config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "purge entries older than this (default: ledger.retention)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBPurge(cmd *cobra.Command, configPath string, olderThan time.Duration, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if olderThan <= 0 {
		olderThan = cfg.Ledger.Retention
	}

	if !skipConfirm {
		if !stdinIsTerminal() {
			return fmt.Errorf("refusing to purge without a terminal; pass --yes")
		}
		if !confirmPurge(cmd, olderThan) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := ledger.New(gormDB).Purge(ctx, olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Purged %d ledger entries older than %s\n", n, olderThan)
	return nil
}

func confirmPurge(cmd *cobra.Command, olderThan time.Duration) bool {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "This will delete completed and failed ledger entries older than %s.\n", olderThan)
	fmt.Fprintln(out, "Replays for those requests will no longer be served.")
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
