// Package reconcile performs one fetch, patch and publish round trip of the
// haproxy configuration held in a ConfigMap.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/lbsync/internal/block"
	"github.com/mattjoyce/lbsync/internal/configmap"
	"github.com/mattjoyce/lbsync/internal/haproxy"
	"github.com/mattjoyce/lbsync/internal/journal"
	"github.com/mattjoyce/lbsync/internal/log"
	"github.com/mattjoyce/lbsync/internal/metrics"
	"github.com/mattjoyce/lbsync/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_deps.go -package=mocks github.com/mattjoyce/lbsync/internal/reconcile Store,Journal

// Store reads and writes the remote ConfigMap through local files.
type Store interface {
	Dump(ctx context.Context, outPath string) error
	Replace(ctx context.Context, inPath string) error
}

// Journal records finished runs.
type Journal interface {
	Record(ctx context.Context, run journal.Run) error
}

// Metrics observes finished runs.
type Metrics interface {
	ObserveSync(result string, d time.Duration)
}

// Stage names used in errors, logs and the journal.
const (
	StageValidate = "validate"
	StageFetch    = "fetch"
	StageDecode   = "decode"
	StagePatch    = "patch"
	StageStage    = "stage"
	StagePublish  = "publish"
)

// StageError is returned by SyncBlock when a stage fails.
type StageError struct {
	RunID string
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sync %s failed at %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Request asks for one block to be installed.
type Request struct {
	Spec haproxy.BlockSpec
}

// Report describes a successful run.
type Report struct {
	RunID        string
	Changed      bool
	BeforeDigest string
	AfterDigest  string
	// StagedPath is the published document, kept in the run workspace.
	StagedPath string
}

// Config holds the document layout settings.
type Config struct {
	Markers   block.Markers
	DataKey   string
	ConfigMap string // namespace/name, for the journal
}

// Deps are the collaborators of a Syncer. Journal and Metrics may be nil.
type Deps struct {
	Store      Store
	Workspaces *workspace.Manager
	Journal    Journal
	Metrics    Metrics
	Logger     *slog.Logger
}

// Syncer runs SyncBlock. It holds no per-run state.
type Syncer struct {
	store      Store
	workspaces *workspace.Manager
	journal    Journal
	metrics    Metrics
	cfg        Config
	logger     *slog.Logger

	newID func() string
	now   func() time.Time
}

// New creates a Syncer.
func New(cfg Config, deps Deps) (*Syncer, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if deps.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is nil")
	}
	if cfg.DataKey == "" {
		return nil, fmt.Errorf("data key is empty")
	}
	if err := cfg.Markers.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}
	return &Syncer{
		store:      deps.Store,
		workspaces: deps.Workspaces,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     log.WithComponent(logger, "reconcile"),
		newID:      uuid.NewString,
		now:        time.Now,
	}, nil
}

// SyncBlock fetches the ConfigMap, installs the block described by req and
// publishes the result. Nothing is published unless the fetched document
// decoded cleanly and the block was patched without error.
func (s *Syncer) SyncBlock(ctx context.Context, req Request) (*Report, error) {
	spec := req.Spec
	run := journal.Run{
		ID:          s.newID(),
		Namespace:   spec.Namespace,
		AddressType: string(spec.AddressType),
		Frontend:    spec.Frontend.String(),
		Backend:     spec.Backend.String(),
		ConfigMap:   s.cfg.ConfigMap,
		StartedAt:   s.now(),
	}
	logger := log.WithNamespace(log.WithRun(s.logger, run.ID), spec.Namespace)
	logger.Info("sync started", "frontend", run.Frontend, "backend", run.Backend, "address_type", run.AddressType)

	report, stage, err := s.syncBlock(ctx, spec, &run, logger)

	run.CompletedAt = s.now()
	duration := run.CompletedAt.Sub(run.StartedAt)
	if err != nil {
		run.Status = journal.StatusFailed
		run.Stage = stage
		run.LastError = err.Error()
		logger.Error("sync failed", "stage", stage, "error", err, "duration", duration)
	} else {
		run.Status = journal.StatusSucceeded
		logger.Info("sync completed", "changed", report.Changed, "duration", duration)
	}
	s.finish(ctx, run, duration, logger)

	if err != nil {
		return nil, &StageError{RunID: run.ID, Stage: stage, Err: err}
	}
	return report, nil
}

func (s *Syncer) syncBlock(ctx context.Context, spec haproxy.BlockSpec, run *journal.Run, logger *slog.Logger) (*Report, string, error) {
	if err := spec.Validate(); err != nil {
		return nil, StageValidate, err
	}

	ws, err := s.workspaces.Create(ctx, run.ID)
	if err != nil {
		return nil, StageFetch, err
	}

	raw, err := s.fetch(ctx, ws)
	if err != nil {
		return nil, StageFetch, err
	}

	current, err := configmap.Extract(raw, s.cfg.DataKey)
	if err != nil {
		return nil, StageDecode, err
	}
	run.BeforeDigest = journal.Digest(current)

	patched, err := block.Upsert(block.ParseDocument(current), s.cfg.Markers, spec.Namespace, haproxy.Render(spec))
	if err != nil {
		return nil, StagePatch, err
	}
	next := patched.String()
	run.AfterDigest = journal.Digest(next)
	run.Changed = run.BeforeDigest != run.AfterDigest

	updated, err := configmap.Replace(raw, s.cfg.DataKey, next)
	if err != nil {
		return nil, StagePatch, err
	}
	if err := ws.WriteFile(workspace.UpdatedFile, updated); err != nil {
		return nil, StageStage, err
	}
	logger.Debug("document staged", "path", ws.Path(workspace.UpdatedFile), "changed", run.Changed)

	if err := s.store.Replace(ctx, ws.Path(workspace.UpdatedFile)); err != nil {
		return nil, StagePublish, err
	}

	return &Report{
		RunID:        run.ID,
		Changed:      run.Changed,
		BeforeDigest: run.BeforeDigest,
		AfterDigest:  run.AfterDigest,
		StagedPath:   ws.Path(workspace.UpdatedFile),
	}, "", nil
}

// ShowBlock fetches the ConfigMap and returns the current block for
// namespace. Nothing is published.
func (s *Syncer) ShowBlock(ctx context.Context, namespace string) ([]string, bool, error) {
	if namespace == "" {
		return nil, false, fmt.Errorf("namespace is empty")
	}
	ws, err := s.workspaces.Create(ctx, s.newID())
	if err != nil {
		return nil, false, err
	}
	raw, err := s.fetch(ctx, ws)
	if err != nil {
		return nil, false, err
	}
	current, err := configmap.Extract(raw, s.cfg.DataKey)
	if err != nil {
		return nil, false, err
	}
	return block.Extract(block.ParseDocument(current), s.cfg.Markers, namespace)
}

func (s *Syncer) fetch(ctx context.Context, ws workspace.Workspace) ([]byte, error) {
	path := ws.Path(workspace.OriginalFile)
	if err := s.store.Dump(ctx, path); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fetched document: %w", err)
	}
	return raw, nil
}

// finish journals and measures run. Bookkeeping failures are logged and do
// not change the outcome of the run.
func (s *Syncer) finish(ctx context.Context, run journal.Run, d time.Duration, logger *slog.Logger) {
	if s.metrics != nil {
		result := metrics.ResultSuccess
		if run.Status != journal.StatusSucceeded {
			result = metrics.ResultFailure
		}
		s.metrics.ObserveSync(result, d)
	}
	if s.journal == nil {
		return
	}
	// The run may have been cancelled; still record it.
	if err := s.journal.Record(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("failed to journal run", "error", err)
	}
}

// IsMalformed reports whether err stopped a run because the fetched document
// or its block markers could not be trusted.
func IsMalformed(err error) bool {
	return errors.Is(err, configmap.ErrMalformedRemoteState) || errors.Is(err, block.ErrMalformedBlock)
}
