package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/jarru/config"
	"github.com/yairfalse/jarru/ledger"
	"github.com/yairfalse/jarru/providers/aws"
	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
	"github.com/yairfalse/jarru/wal"
)

var (
	executionsLimit  int
	executionsStatus string
	executionsPolicy string
	journalSince     time.Duration
)

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Inspect the audit ledger",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent guardrail executions",
	Long: `List executions from the audit ledger, newest first. Filter by
status or by the policy that produced them.`,
	Example: `  jarru executions list
  jarru executions list --status executed
  jarru executions list --policy dev-budget-breach --limit 50`,
	RunE: runExecutionsList,
}

var executionsJournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Replay the append-only journal",
	Long: `Print the journal entries written by the pipeline: events
received, plans decided, executions, rollbacks, and sweeps. The
journal is the forensic record; the ledger is the queryable state.`,
	Example: `  jarru executions journal
  jarru executions journal --since 72h`,
	RunE: runExecutionsJournal,
}

func init() {
	rootCmd.AddCommand(executionsCmd)
	executionsCmd.AddCommand(executionsListCmd)
	executionsCmd.AddCommand(executionsJournalCmd)

	executionsListCmd.Flags().IntVar(&executionsLimit, "limit", 20, "Maximum executions to list")
	executionsListCmd.Flags().StringVar(&executionsStatus, "status", "", "Filter by status (planned, executed, rolled_back, failed)")
	executionsListCmd.Flags().StringVar(&executionsPolicy, "policy", "", "Filter by policy ID")

	executionsJournalCmd.Flags().DurationVar(&journalSince, "since", 24*time.Hour, "How far back to replay")
}

func runExecutionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadMergedConfig()
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger("jarru")

	status := types.ExecutionStatus(executionsStatus)
	if executionsStatus != "" && !status.IsValid() {
		return fmt.Errorf("unknown status %q, want planned, executed, rolled_back, failed, or approved", executionsStatus)
	}

	store, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var executions []types.ActionExecution
	if executionsPolicy != "" {
		executions, err = store.QueryByPolicy(ctx, executionsPolicy, executionsLimit)
	} else {
		executions, err = store.ListRecent(ctx, executionsLimit, status)
	}
	if err != nil {
		return fmt.Errorf("querying ledger: %w", err)
	}
	if executionsPolicy != "" && status != "" {
		executions = filterByStatus(executions, status)
	}

	if len(executions) == 0 {
		fmt.Println("No executions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION\tPOLICY\tSTATUS\tACTION\tTARGET\tEXECUTED\tTTL EXPIRES")
	fmt.Fprintln(w, "---------\t------\t------\t------\t------\t--------\t-----------")
	for _, e := range executions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ExecutionID,
			truncate(e.PolicyID, 30),
			e.Status,
			e.Action,
			truncate(e.Target, 40),
			formatTime(e.ExecutedAt),
			formatTime(e.TTLExpiresAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d executions\n", len(executions))
	return nil
}

func runExecutionsJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig()
	if err != nil {
		return err
	}
	if cfg.Journal.Dir == "" {
		return fmt.Errorf("no journal directory configured (set journal.dir)")
	}

	stats := wal.GetStatsFromDir(cfg.Journal.Dir, wal.Config{RetentionDays: cfg.Journal.RetentionDays})
	if stats.TotalFiles == 0 {
		fmt.Printf("Journal at %s is empty\n", cfg.Journal.Dir)
		return nil
	}

	since := time.Now().Add(-journalSince)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tREF")
	fmt.Fprintln(w, "---\t----\t----\t---")

	count := 0
	err = wal.Replay(cfg.Journal.Dir, since, func(entry *wal.Entry) error {
		count++
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			entry.Sequence,
			entry.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			entry.Type,
			truncate(entry.RefID, 40))
		return nil
	})
	if err != nil {
		return fmt.Errorf("replaying journal: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d entries in the last %s, %d files, %.1f KB on disk\n",
		count, journalSince, stats.TotalFiles, float64(stats.TotalSizeBytes)/1024)
	return nil
}

// openLedger opens the configured ledger backend, building AWS
// clients only when DynamoDB needs them
func openLedger(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (ledger.Store, error) {
	var clients *aws.Clients
	if cfg.Ledger.Backend == config.BackendDynamoDB {
		var err error
		clients, err = aws.NewClients(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
	}
	return newStore(cfg, clients, logger)
}

func filterByStatus(executions []types.ActionExecution, status types.ExecutionStatus) []types.ActionExecution {
	filtered := executions[:0]
	for _, e := range executions {
		if e.Status == status {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
