package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yairfalse/jarru/reaper"
	"github.com/yairfalse/jarru/telemetry"
)

var sweepJSON bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Roll back expired guardrails once and exit",
	Long: `Find every executed guardrail whose TTL has passed and roll it
back. The daemon runs this pass on an interval; the command runs it
once, for cron jobs or for catching up after downtime.`,
	Example: `  jarru sweep
  jarru sweep --json`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepJSON, "json", false, "Print the sweep result as JSON")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadMergedConfig()
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger("jarru")

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	r := reaper.NewReaper(app.store, app.executor, app.notifier, cfg.Sweep.BatchSize, logger)
	result, err := r.CleanupExpired(ctx)
	if err != nil {
		return err
	}

	if sweepJSON {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println("🧹 TTL sweep finished")
	fmt.Printf("   Found: %d\n", result.TotalFound)
	fmt.Printf("   Rolled back: %d\n", result.RolledBack)
	fmt.Printf("   Failed: %d\n", result.Failed)
	fmt.Printf("   Skipped: %d\n", result.Skipped)
	for _, e := range result.Errors {
		fmt.Printf("   ⚠️  %s: %s\n", e.ExecutionID, e.Error)
	}
	return nil
}
