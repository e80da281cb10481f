package main

import (
	"context"
	"fmt"

	"github.com/Auro-rium/aex/internal/replay"
	"github.com/Auro-rium/aex/internal/store"
)

// runLocalReplay opens its own short-lived connection to dsn (bypassing the
// running gateway entirely) and runs the same chain verification and spend
// reconciliation the admin /replay route does. Useful for auditing a
// database the gateway itself is not currently serving traffic against.
func runLocalReplay(ctx context.Context, dsn string) error {
	db, err := store.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	st := store.New(db, nil, nil, nil)

	report, err := replay.VerifyChain(ctx, st, "global")
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	fmt.Printf("Chain: %d events checked, %d violations (commits=%d releases=%d fails=%d)\n",
		report.EventsChecked, len(report.Violations), report.CommitCount, report.ReleaseCount, report.FailCount)
	for _, v := range report.Violations {
		fmt.Printf("  seq=%d kind=%s: %s\n", v.Seq, v.Kind, v.Message)
	}

	mismatches, err := replay.ReconcileSpend(ctx, st, "global", st)
	if err != nil {
		return fmt.Errorf("reconcile spend: %w", err)
	}
	if len(mismatches) == 0 {
		fmt.Println("Spend: no mismatches")
		return nil
	}
	fmt.Printf("Spend: %d mismatches\n", len(mismatches))
	for _, mm := range mismatches {
		fmt.Printf("  agent=%s recorded=%d reconciled=%d\n", mm.AgentID, mm.RecordedMicro, mm.ReconciledMicro)
	}
	return nil
}
