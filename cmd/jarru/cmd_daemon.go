package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/jarru/approval"
	"github.com/yairfalse/jarru/ingest"
	"github.com/yairfalse/jarru/internal/daemon"
	"github.com/yairfalse/jarru/reaper"
	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/wal"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the guardrail loops in the foreground",
	Long: `Run jarru as a long-lived process: poll the ingest queue for
cost events, serve the approval endpoint, sweep expired guardrails
on an interval, and expose Prometheus metrics.

Loops switch on from configuration. Without an ingest queue the
daemon still sweeps; without an approval secret the approval
endpoint stays off.`,
	Example: `  jarru daemon --config jarru.yaml
  jarru daemon --dry-run`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadMergedConfig()
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger("jarru")

	fmt.Println("🚀 Starting jarru daemon...")
	fmt.Printf("   Region: %s\n", cfg.Region)
	fmt.Printf("   Policies: %s\n", cfg.PoliciesDir)
	fmt.Printf("   Ledger: %s\n", cfg.Ledger.Backend)
	fmt.Printf("   Sweep: every %s, batches of %d\n", cfg.Sweep.Interval(), cfg.Sweep.BatchSize)
	fmt.Printf("   Metrics: %s\n", cfg.Telemetry.MetricsListen)
	if cfg.DryRun {
		fmt.Println("   Mode: DRY RUN, nothing will be attached")
	}
	fmt.Println()

	shutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    "jarru",
		ServiceVersion: version,
		OTELEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown incomplete")
		}
	}()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	var approvalHandler http.Handler
	if app.signer != nil {
		svc := approval.NewService(app.store, app.executor, app.notifier, app.signer, cfg.Approval.Window(), logger)
		approvalHandler = approval.NewHandler(svc, logger).Routes()
		fmt.Printf("💚 Approval endpoint on %s\n", cfg.Approval.Listen)
	} else {
		fmt.Println("⚠️  No approval secret configured, approval endpoint disabled")
	}

	var poller *ingest.Poller
	if cfg.Ingest.QueueURL != "" {
		poller = ingest.NewPoller(app.clients.SQS, ingest.NewBudgetParser(logger), cfg.Ingest.QueueURL, logger)
		fmt.Printf("📋 Polling %s\n", cfg.Ingest.QueueURL)
	} else {
		fmt.Println("⚠️  No ingest queue configured, events only via 'jarru handle'")
	}

	d, err := daemon.NewDaemon(daemon.Options{
		Orchestrator:     app.orch,
		Reaper:           reaper.NewReaper(app.store, app.executor, app.notifier, cfg.Sweep.BatchSize, logger),
		Poller:           poller,
		Approval:         approvalHandler,
		Metrics:          app.metrics,
		Journal:          app.journal,
		Logger:           logger,
		SweepInterval:    cfg.Sweep.Interval(),
		SweepBatchSize:   cfg.Sweep.BatchSize,
		ApprovalListen:   cfg.Approval.Listen,
		MetricsListen:    cfg.Telemetry.MetricsListen,
		JournalDir:       cfg.Journal.Dir,
		JournalRetention: wal.Config{RetentionDays: cfg.Journal.RetentionDays},
	})
	if err != nil {
		return err
	}

	fmt.Println("✨ Daemon running (Ctrl+C to stop)")
	if err := d.Start(ctx); err != nil {
		return err
	}
	fmt.Println("👋 Daemon stopped")
	return nil
}
