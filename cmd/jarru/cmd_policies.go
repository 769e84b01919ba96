package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/jarru/policy"
	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Inspect the guardrail policy files",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the loaded policies",
	Long: `Load every policy file from the policies directory and print a
summary table. Files that fail validation are reported and skipped,
the same way the evaluation pipeline treats them.`,
	Example: `  jarru policies list
  jarru policies list --config jarru.yaml`,
	RunE: runPoliciesList,
}

var policiesLintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check the loaded policies for risky patterns",
	Long: `Run the hygiene rules over every loaded policy: wildcard
principals, very long TTLs, auto mode without notifications, and
the like. Findings are advisories, not errors; the command exits
zero either way.`,
	Example: `  jarru policies lint`,
	RunE: runPoliciesLint,
}

func init() {
	rootCmd.AddCommand(policiesCmd)
	policiesCmd.AddCommand(policiesListCmd)
	policiesCmd.AddCommand(policiesLintCmd)
}

func runPoliciesList(cmd *cobra.Command, args []string) error {
	policies, dir, err := loadPolicies()
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		fmt.Printf("No policies found in %s\n", dir)
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Drop a policy YAML into the directory")
		fmt.Println("  2. Run 'jarru policies lint' to sanity-check it")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POLICY\tMODE\tENABLED\tTTL\tACTIONS\tPRINCIPALS")
	fmt.Fprintln(w, "------\t----\t-------\t---\t-------\t----------")
	for _, p := range policies {
		enabled := "yes"
		if !p.Enabled {
			enabled = "no"
		}
		ttl := time.Duration(p.TTLMinutes) * time.Minute
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			truncate(p.PolicyID, 40), p.Mode, enabled, ttl, len(p.Actions), len(p.Scope.Principals))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d policies loaded from %s\n", len(policies), dir)
	return nil
}

func runPoliciesLint(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	policies, dir, err := loadPolicies()
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		fmt.Printf("No policies found in %s\n", dir)
		return nil
	}

	linter, err := policy.NewLinter(ctx, telemetry.NewLogger("jarru"))
	if err != nil {
		return fmt.Errorf("building linter: %w", err)
	}
	warnings, err := linter.LintAll(ctx, policies)
	if err != nil {
		return fmt.Errorf("linting policies: %w", err)
	}

	if len(warnings) == 0 {
		fmt.Printf("✅ %d policies, no findings\n", len(policies))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POLICY\tRULE\tMESSAGE")
	fmt.Fprintln(w, "------\t----\t-------")
	for _, warn := range warnings {
		fmt.Fprintf(w, "%s\t%s\t%s\n", truncate(warn.PolicyID, 40), warn.Rule, warn.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n⚠️  %d findings across %d policies\n", len(warnings), len(policies))
	return nil
}

// loadPolicies loads the configured policies directory
func loadPolicies() ([]types.Policy, string, error) {
	cfg, err := loadMergedConfig()
	if err != nil {
		return nil, "", err
	}
	loader := policy.NewLoader(telemetry.NewLogger("jarru"))
	policies, err := loader.LoadDirectory(cfg.PoliciesDir)
	if err != nil {
		return nil, "", fmt.Errorf("loading policies from %s: %w", cfg.PoliciesDir, err)
	}
	return policies, cfg.PoliciesDir, nil
}

// truncate shortens a string for table display
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
