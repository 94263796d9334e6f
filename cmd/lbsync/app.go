package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/lbsync/internal/config"
	"github.com/mattjoyce/lbsync/internal/journal"
	"github.com/mattjoyce/lbsync/internal/kube"
	"github.com/mattjoyce/lbsync/internal/log"
	"github.com/mattjoyce/lbsync/internal/metrics"
	"github.com/mattjoyce/lbsync/internal/process"
	"github.com/mattjoyce/lbsync/internal/reconcile"
	"github.com/mattjoyce/lbsync/internal/workspace"
)

// app is the wired object graph for commands that talk to the cluster.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	journal    *journal.Journal
	store      *kube.ConfigMapStore
	workspaces *workspace.Manager
	syncer     *reconcile.Syncer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withJournal bool) (*app, error) {
	argv, err := cfg.KubectlCommand()
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	runner := process.NewRunner(
		log.WithComponent(logger, "process"),
		process.WithGracePeriod(cfg.Process.GracePeriod),
		process.WithObserver(m),
	)

	store, err := kube.NewConfigMapStore(runner, kube.StoreConfig{
		Command:        argv,
		Namespace:      cfg.Store.Namespace,
		Name:           cfg.Store.ConfigMap,
		FetchTimeout:   cfg.Store.FetchTimeout,
		PublishTimeout: cfg.Store.PublishTimeout,
	}, log.WithComponent(logger, "kube"))
	if err != nil {
		return nil, err
	}

	mgr, err := workspace.NewManager(cfg.RunsDir())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: m, store: store, workspaces: mgr}
	deps := reconcile.Deps{Store: store, Workspaces: mgr, Metrics: m, Logger: logger}

	if withJournal && cfg.Journal.Enabled {
		j, err := journal.Open(ctx, cfg.JournalPath())
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
		deps.Journal = j
	}

	a.syncer, err = reconcile.New(reconcile.Config{
		Markers:   cfg.Block,
		DataKey:   cfg.Store.DataKey,
		ConfigMap: store.Ref(),
	}, deps)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// cleanupWorkspaces removes run workspaces past retention. Failures are
// logged only.
func (a *app) cleanupWorkspaces(ctx context.Context) {
	if a.cfg.Workspace.Retention <= 0 {
		return
	}
	report, err := a.workspaces.Cleanup(ctx, a.cfg.Workspace.Retention)
	if err != nil {
		a.logger.Warn("workspace cleanup failed", "error", err)
		return
	}
	if report.DeletedDirs > 0 {
		a.logger.Info("workspace cleanup", "deleted", report.DeletedDirs)
	}
}

// writeMetrics exports the textfile when one is configured.
func (a *app) writeMetrics() {
	if a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("metrics export failed", "error", err)
	}
}

func (a *app) Close() error {
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}
