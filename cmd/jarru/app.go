package main

import (
	"context"
	"fmt"

	"github.com/yairfalse/jarru/approval"
	"github.com/yairfalse/jarru/config"
	"github.com/yairfalse/jarru/executor"
	"github.com/yairfalse/jarru/ledger"
	"github.com/yairfalse/jarru/notify"
	"github.com/yairfalse/jarru/orchestrator"
	"github.com/yairfalse/jarru/providers/aws"
	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/wal"
)

// app holds the wired guardrail stack shared by the commands.
// buildApp constructs the full pipeline; commands that need less
// (policies, approve-url) build their pieces directly.
type app struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	clients  *aws.Clients
	store    ledger.Store
	journal  *wal.WAL
	executor *executor.Executor
	notifier notify.Notifier
	signer   *approval.Signer
	orch     *orchestrator.Orchestrator
	metrics  *telemetry.GuardrailMetrics
}

// close releases everything buildApp opened
func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error().Err(err).Msg("closing ledger store")
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Error().Err(err).Msg("closing journal")
		}
	}
}

// buildApp wires the full guardrail pipeline from configuration:
// AWS clients, ledger store, journal, executor, notifier, signer,
// and the orchestrator on top. Callers own the returned app and
// must close it.
func buildApp(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*app, error) {
	clients, err := aws.NewClients(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	accountID := cfg.AccountID
	if accountID == "" {
		accountID, err = clients.AccountID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving account id (set account_id in config or AWS_ACCOUNT_ID): %w", err)
		}
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		clients: clients,
	}

	if cfg.Journal.Dir != "" {
		a.journal, err = wal.OpenWithConfig(cfg.Journal.Dir, wal.Config{
			RetentionDays: cfg.Journal.RetentionDays,
		})
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
	}

	a.store, err = newStore(cfg, clients, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.journal != nil {
		a.store = ledger.NewJournaled(a.store, a.journal, logger)
	}

	a.notifier, err = newNotifier(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.Approval.Secret != "" {
		a.signer, err = approval.NewSigner(cfg.Approval.Secret)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.executor = executor.NewExecutor(clients.IAM, accountID, logger)

	a.metrics, err = telemetry.InitGuardrailMetrics(telemetry.Meter)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	a.orch, err = orchestrator.New(orchestrator.Options{
		Policies:        orchestrator.NewDirectorySource(cfg.PoliciesDir, logger),
		Executor:        a.executor,
		Store:           a.store,
		Notifier:        a.notifier,
		Signer:          a.signer,
		Journal:         a.journal,
		Metrics:         a.metrics,
		Logger:          logger,
		ApprovalBaseURL: cfg.Approval.BaseURL,
		GlobalDryRun:    cfg.DryRun,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// newStore opens the ledger backend named in the config. The
// DynamoDB backend needs AWS clients; the local backend does not,
// so read-only commands can pass nil clients for it.
func newStore(cfg *config.Config, clients *aws.Clients, logger *telemetry.Logger) (ledger.Store, error) {
	switch cfg.Ledger.Backend {
	case config.BackendDynamoDB:
		if clients == nil {
			return nil, fmt.Errorf("dynamodb ledger backend requires AWS clients")
		}
		return ledger.NewDynamoStore(clients.DynamoDB, cfg.Ledger.Table, logger), nil
	default:
		return ledger.NewLocalStore(cfg.Ledger.Dir, logger)
	}
}

// newNotifier picks Slack when a webhook is configured, the silent
// logger otherwise
func newNotifier(cfg *config.Config, logger *telemetry.Logger) (notify.Notifier, error) {
	if cfg.Notify.SlackWebhookURL != "" {
		return notify.NewSlack(cfg.Notify.SlackWebhookURL, logger)
	}
	return notify.NewNoop(logger), nil
}
