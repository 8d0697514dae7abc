package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/config"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/store"
)

// ErrSitesFailed is returned, joined with every site error, when at least one
// site run failed.
var ErrSitesFailed = errors.New("one or more sites failed")

const journalTimeout = 30 * time.Second

// -- Interfaces for Dependency Inversion --

// SiteRunner runs one task against one site.
type SiteRunner interface {
	Run(ctx context.Context, s *site.Site, task site.Task) error
}

// Repository loads and persists every site.
type Repository interface {
	LoadSites(ctx context.Context) ([]*site.Site, error)
	SaveSites(ctx context.Context, sites []*site.Site) error
}

// Journal records finished runs. It is optional.
type Journal interface {
	RecordRuns(ctx context.Context, runs []store.Run) error
}

// Summary counts what a pass did.
type Summary struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Engine drives every stored site through the orchestrator, one at a time.
type Engine struct {
	runner   SiteRunner
	repo     Repository
	registry *site.Registry
	journal  Journal
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal records every run in j.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithClock replaces the clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(runner SiteRunner, repo Repository, registry *site.Registry, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if runner == nil {
		return nil, errors.New("site runner cannot be nil")
	}
	if repo == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	e := &Engine{
		runner:   runner,
		repo:     repo,
		registry: registry,
		logger:   logger.With(zap.String("component", "engine")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ClipAll loads every site, runs the selected ones in order and saves all of
// them back, whether or not the runs succeeded. A failed site does not stop
// the pass. The returned error wraps ErrSitesFailed when any site failed.
func (e *Engine) ClipAll(ctx context.Context, opts config.ClipConfig) (Summary, error) {
	var summary Summary
	for _, name := range opts.Sites {
		if _, ok := e.registry.Lookup(name); !ok {
			return summary, fmt.Errorf("unknown site kind %q (known: %v)", name, e.registry.Names())
		}
	}

	sites, err := e.repo.LoadSites(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to load sites: %w", err)
	}
	e.logger.Info("Starting clipping pass.", zap.Int("sites", len(sites)))

	batchID := uuid.NewString()
	var runs []store.Run
	var siteErrs error
	for _, s := range sites {
		if ctx.Err() != nil {
			e.logger.Warn("Clipping pass interrupted.", zap.Error(ctx.Err()))
			siteErrs = multierr.Append(siteErrs, ctx.Err())
			break
		}

		kind, ok := e.selected(s, opts)
		if !ok {
			summary.Skipped++
			continue
		}

		started := e.now()
		err := e.runner.Run(ctx, s, kind.NewTask())
		run := store.Run{
			ID:         uuid.NewString(),
			BatchID:    batchID,
			Kind:       s.Kind,
			Login:      s.Auth.Login,
			Outcome:    store.OutcomeSucceeded,
			Cookies:    s.Cookies.Len(),
			StartedAt:  started,
			FinishedAt: e.now(),
		}
		if err != nil {
			summary.Failed++
			run.Outcome = store.OutcomeFailed
			run.Error = err.Error()
			siteErrs = multierr.Append(siteErrs, err)
			e.logger.Error("Site failed.", zap.String("site", s.Name()), zap.Error(err))
		} else {
			summary.Succeeded++
		}
		runs = append(runs, run)
	}

	var result error
	if siteErrs != nil {
		result = multierr.Append(ErrSitesFailed, siteErrs)
	}

	// Save and journal even when the pass was canceled.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.repo.SaveSites(persistCtx, sites); err != nil {
		e.logger.Error("Failed to save sites.", zap.Error(err))
		result = multierr.Append(result, fmt.Errorf("failed to save sites: %w", err))
	}
	e.recordRuns(persistCtx, runs)

	e.logger.Info("Clipping pass finished.",
		zap.Int("succeeded", summary.Succeeded), zap.Int("failed", summary.Failed), zap.Int("skipped", summary.Skipped))
	return summary, result
}

// selected reports whether s takes part in the pass. Disabled kinds run only
// when requested by name or with IncludeDisabled.
func (e *Engine) selected(s *site.Site, opts config.ClipConfig) (site.Kind, bool) {
	logger := e.logger.With(zap.String("site", s.Name()))
	kind, ok := e.registry.Lookup(s.Kind)
	if !ok {
		logger.Warn("No task registered for site kind, skipping.")
		return kind, false
	}
	named := slices.Contains(opts.Sites, s.Kind)
	if len(opts.Sites) > 0 && !named {
		logger.Debug("Site not selected, skipping.")
		return kind, false
	}
	if kind.Disabled && !named && !opts.IncludeDisabled {
		logger.Info("Site disabled, skipping.")
		return kind, false
	}
	return kind, true
}

func (e *Engine) recordRuns(ctx context.Context, runs []store.Run) {
	if e.journal == nil || len(runs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()
	if err := e.journal.RecordRuns(ctx, runs); err != nil {
		e.logger.Error("Failed to journal runs.", zap.Error(err))
		return
	}
	e.logger.Debug("Runs journaled.", zap.Int("runs", len(runs)))
}
