package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wfunc/casefile/persistence"
	"github.com/wfunc/casefile/services"
	"github.com/wfunc/casefile/state"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Audit cached scores against the score ledger",
	Long: `Compares every user's cached score with the sum of their ledger entries over a
read-only connection and prints the case count per status. Mismatches are
reported, never repaired; the command exits non-zero when any are found.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	auditor, err := persistence.NewPostgreSQLAuditor(cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer auditor.Close()

	counts, err := auditor.StatusCounts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Cases:")
	for _, st := range state.Lifecycle {
		fmt.Fprintf(out, "  %-10s %d\n", st, counts[st])
	}

	store, err := persistence.NewGormPostgreSQL(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	cases := services.NewCaseService(store, services.WithAuditor(auditor))
	mismatches, err := cases.ReconcileAll(ctx)
	if err != nil && !errors.Is(err, services.ErrLedgerInconsistency) {
		return err
	}
	if len(mismatches) == 0 {
		fmt.Fprintln(out, "Ledger: consistent")
		return nil
	}

	fmt.Fprintf(out, "Ledger: %d inconsistent users\n", len(mismatches))
	for _, m := range mismatches {
		fmt.Fprintf(out, "  user %-6d cached=%d ledger=%d\n", m.UserID, m.Cached, m.Ledger)
	}
	return err
}
