package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yairfalse/jarru/telemetry"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <execution-id>",
	Short: "Undo one guardrail execution now",
	Long: `Detach the deny policies a guardrail execution attached, without
waiting for its TTL. The ledger records who rolled it back and when;
the guardrail cannot be rolled back twice.`,
	Example: `  jarru rollback exec-1f0a3b2c-4d5e-6789-abcd-ef0123456789`,
	Args:    cobra.ExactArgs(1),
	RunE:    runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	executionID := args[0]

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

	execution, err := app.orch.Rollback(ctx, executionID)
	if err != nil {
		return err
	}

	fmt.Printf("✅ Rolled back %s\n", execution.ExecutionID)
	fmt.Printf("   Policy: %s\n", execution.PolicyID)
	fmt.Printf("   Target: %s\n", execution.Target)
	if execution.RolledBackAt != nil {
		fmt.Printf("   At: %s\n", execution.RolledBackAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return nil
}
