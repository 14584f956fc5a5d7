// Command pgjsonb-schema is the operator-facing surface for the two actions
// the storage engine itself never takes on its own: installing the schema
// and dropping history. Everything else (open, load, store, pack) is a
// library call, not a CLI verb, mirroring the teacher's posture that bd's
// own maintenance commands wrap library functions rather than reimplement
// them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/relstore/pgjsonb/internal/pgstore"
)

// Exit codes per the CLI contract: 0 success, 2 configuration error (bad
// flags/args), 3 database error (anything that reached Postgres and failed).
const (
	exitOK        = 0
	exitConfigErr = 2
	exitDBErr     = 3
)

var (
	historyPreserving   bool
	invalidationChannel string
)

func main() {
	root := &cobra.Command{
		Use:   "pgjsonb-schema",
		Short: "pgjsonb-schema - install or migrate the storage engine's schema",
	}

	installCmd := &cobra.Command{
		Use:   "install-schema <dsn>",
		Short: "create the core tables (and history tables, with --history-preserving) if absent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstallSchema(cmd.Context(), args[0], historyPreserving, invalidationChannel)
		},
		SilenceUsage: true,
	}
	installCmd.Flags().BoolVar(&historyPreserving, "history-preserving", false,
		"also install object_history, blob_history, and pack_state")
	installCmd.Flags().StringVar(&invalidationChannel, "channel", "",
		"LISTEN/NOTIFY channel the commit trigger publishes on (default zodb_invalidations; must match the Store's InvalidationChannel)")
	root.AddCommand(installCmd)

	dropCmd := &cobra.Command{
		Use:   "drop-history <dsn>",
		Short: "drop history-preserving tables, migrating the database down to history-free",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDropHistory(cmd.Context(), args[0])
		},
		SilenceUsage: true,
	}
	root.AddCommand(dropCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pgjsonb-schema:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error back to the CLI contract's exit codes. cobra
// itself (unknown flag, wrong arg count) always represents a configuration
// error; everything that made it into our RunE bodies already carries its
// own classification via cliError.
func exitCodeFor(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitConfigErr
}

// cliError pairs an error with the exit code it should produce, so
// RunE bodies can distinguish "bad dsn" from "Postgres rejected the
// statement" without os.Exit-ing directly from inside library code.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func runInstallSchema(ctx context.Context, dsn string, historyPreserving bool, channel string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return &cliError{code: exitConfigErr, err: fmt.Errorf("parse dsn: %w", err)}
	}
	defer pool.Close()

	if err := pgstore.InstallSchema(ctx, pool, historyPreserving, channel); err != nil {
		return &cliError{code: exitDBErr, err: err}
	}
	fmt.Println("schema installed")
	return nil
}

func runDropHistory(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return &cliError{code: exitConfigErr, err: fmt.Errorf("parse dsn: %w", err)}
	}
	defer pool.Close()

	result, err := pgstore.DropHistory(ctx, pool)
	if err != nil {
		return &cliError{code: exitDBErr, err: err}
	}
	fmt.Printf("dropped %d history rows, %d pack rows, %d blob-history rows; pruned %d old blob versions, %d orphan transactions\n",
		result.HistoryRows, result.PackRows, result.BlobHistoryRows, result.OldBlobVersions, result.OrphanTransactions)
	return nil
}
