// Package daemon hosts the long-running guardrail loops: SQS event
// ingestion, the approval HTTP server, the TTL sweep, journal
// retention, and the metrics endpoint. Each loop runs as an actor in
// one run.Group, so the first failure or signal stops them all
// together. The loops share no state beyond the wired components;
// every unit of work stands alone, exactly as it would if triggered
// externally.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/jarru/ingest"
	"github.com/yairfalse/jarru/orchestrator"
	"github.com/yairfalse/jarru/reaper"
	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
	"github.com/yairfalse/jarru/wal"
)

const (
	// DefaultSweepInterval paces TTL cleanup when no interval is given
	DefaultSweepInterval = 5 * time.Minute

	// retentionInterval paces the journal retention pass
	retentionInterval = 6 * time.Hour

	// shutdownGrace bounds how long a draining HTTP server may take
	shutdownGrace = 10 * time.Second
)

// Options wires a Daemon. Reaper is required; ingestion and the
// approval server switch on when their dependency is present.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Reaper       *reaper.Reaper
	Poller       *ingest.Poller // nil runs without SQS ingestion
	Approval     http.Handler   // nil runs without the approval server
	Metrics      *telemetry.GuardrailMetrics
	Journal      *wal.WAL // sweep receipts, may be nil
	Logger       *telemetry.Logger

	SweepInterval  time.Duration
	SweepBatchSize int
	ApprovalListen string
	MetricsListen  string

	JournalDir       string // "" disables the retention pass
	JournalRetention wal.Config
}

// Daemon manages the continuous guardrail loops
type Daemon struct {
	orchestrator *orchestrator.Orchestrator
	reaper       *reaper.Reaper
	poller       *ingest.Poller
	approval     http.Handler
	metrics      *telemetry.GuardrailMetrics
	journal      *wal.WAL
	logger       *telemetry.Logger

	sweepInterval  time.Duration
	sweepBatchSize int
	approvalListen string
	metricsListen  string
	journalDir     string
	journalConfig  wal.Config

	startTime  time.Time
	sweepCount atomic.Int64
}

// NewDaemon creates a daemon from the given options
func NewDaemon(opts Options) (*Daemon, error) {
	if opts.Reaper == nil {
		return nil, fmt.Errorf("daemon requires a reaper")
	}
	if opts.Poller != nil && opts.Orchestrator == nil {
		return nil, fmt.Errorf("event ingestion requires an orchestrator")
	}
	if opts.Approval != nil && opts.ApprovalListen == "" {
		return nil, fmt.Errorf("approval server requires a listen address")
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewLogger("daemon")
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Daemon{
		orchestrator:   opts.Orchestrator,
		reaper:         opts.Reaper,
		poller:         opts.Poller,
		approval:       opts.Approval,
		metrics:        opts.Metrics,
		journal:        opts.Journal,
		logger:         logger,
		sweepInterval:  interval,
		sweepBatchSize: opts.SweepBatchSize,
		approvalListen: opts.ApprovalListen,
		metricsListen:  opts.MetricsListen,
		journalDir:     opts.JournalDir,
		journalConfig:  opts.JournalRetention,
		startTime:      time.Now(),
	}, nil
}

// Start runs every loop until a signal arrives, the context is
// canceled, or one loop fails
func (d *Daemon) Start(ctx context.Context) error {
	var g run.Group

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	d.addSweeper(ctx, &g)
	d.addRetention(ctx, &g)
	d.addMetricsServer(&g)
	d.addPoller(ctx, &g)
	d.addApprovalServer(&g)

	d.logger.Info().
		Dur("sweep_interval", d.sweepInterval).
		Str("metrics_listen", d.metricsListen).
		Bool("ingest", d.poller != nil).
		Bool("approval", d.approval != nil).
		Msg("daemon starting")

	err := g.Run()

	var sig run.SignalError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &sig):
		d.logger.Info().Str("signal", sig.Signal.String()).Msg("daemon stopped on signal")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

// addPoller runs SQS ingestion feeding the orchestrator
func (d *Daemon) addPoller(ctx context.Context, g *run.Group) {
	if d.poller == nil {
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		return d.poller.Run(pollCtx, d.handleEvent)
	}, func(error) {
		cancel()
	})
}

// handleEvent traces one delivery through the pipeline. The error
// propagates to the poller, which leaves the message queued for
// redelivery.
func (d *Daemon) handleEvent(ctx context.Context, event types.CostEvent) error {
	ctx, eventSpan := telemetry.StartEventHandling(ctx, telemetry.Tracer,
		event.EventID, string(event.Source), event.AccountID)
	defer eventSpan.End()
	eventSpan.SetAmount(event.Amount)

	result, err := d.orchestrator.HandleEvent(ctx, event)

	eventSpan.SetOutcome(string(result.Outcome))
	if result.PolicyID != "" {
		eventSpan.SetPlan(result.PolicyID, string(result.Mode), int64(result.ExecutionsCreated))
	}
	if err != nil {
		eventSpan.RecordFailure(err.Error(), "handle_error")
	}
	return err
}

// addApprovalServer serves the approval webhook endpoints
func (d *Daemon) addApprovalServer(g *run.Group) {
	if d.approval == nil {
		return
	}

	srv := &http.Server{
		Addr:              d.approvalListen,
		Handler:           requestCounter(d.approval, telemetry.ApprovalRequests),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Add(func() error {
		d.logger.Info().Str("addr", d.approvalListen).Msg("approval server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("approval server: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

// addMetricsServer serves Prometheus scrapes and the health endpoint
func (d *Daemon) addMetricsServer(g *run.Group) {
	if d.metricsListen == "" {
		return
	}

	handler := promhttp.Handler()
	if telemetry.PrometheusRegistry != nil {
		handler = promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", d.handleHealth)

	srv := &http.Server{
		Addr:              d.metricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Add(func() error {
		d.logger.Info().Str("addr", d.metricsListen).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

// HealthStatus reports daemon liveness
type HealthStatus struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime_seconds"`
	SweepsRun int64  `json:"sweeps_run"`
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(d.startTime).Seconds()),
		SweepsRun: d.sweepCount.Load(),
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Health())
}

// SweepCount returns total sweeps run
func (d *Daemon) SweepCount() int64 {
	return d.sweepCount.Load()
}
