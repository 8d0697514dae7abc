package cmd

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/config"
	"github.com/xkilldash9x/coupon-clipper/internal/engine"
	"github.com/xkilldash9x/coupon-clipper/internal/observability"
	"github.com/xkilldash9x/coupon-clipper/internal/orchestrator"
	"github.com/xkilldash9x/coupon-clipper/internal/storage"
	"github.com/xkilldash9x/coupon-clipper/internal/store"
)

// siteRepository is the storage as used by the commands.
type siteRepository interface {
	engine.Repository
	Close() error
}

// journal is the run journal as used by the commands.
type journal interface {
	engine.Journal
	Statuses(ctx context.Context) ([]store.Status, error)
}

// deps holds the component factories of the commands. Tests swap them for
// fakes.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger

	newLogger      func(cfg config.LoggerConfig) *zap.Logger
	resolveToken   func(cfg config.StorageConfig) (string, error)
	saveToken      func(cfg config.StorageConfig, token string) error
	deleteToken    func(cfg config.StorageConfig) error
	openRepository func(cfg config.StorageConfig, token string, kinds []string, logger *zap.Logger) (siteRepository, error)
	newRunner      func(cfg *config.Config, logger *zap.Logger) (engine.SiteRunner, error)
	openJournal    func(ctx context.Context, url string, logger *zap.Logger) (journal, func(), error)
}

func defaultDeps() *deps {
	return &deps{
		newLogger: func(cfg config.LoggerConfig) *zap.Logger {
			observability.InitializeLogger(cfg)
			return observability.GetLogger()
		},
		resolveToken: storage.ResolveToken,
		saveToken:    storage.SaveToken,
		deleteToken:  storage.DeleteToken,
		openRepository: func(cfg config.StorageConfig, token string, kinds []string, logger *zap.Logger) (siteRepository, error) {
			repo, err := storage.New(cfg, token, kinds, logger)
			if err != nil {
				return nil, err
			}
			return repo, nil
		},
		newRunner: func(cfg *config.Config, logger *zap.Logger) (engine.SiteRunner, error) {
			lifecycle := browser.NewLifecycle(browser.NewChromeProvider(cfg, logger), cfg, logger)
			orch, err := orchestrator.New(lifecycle, cfg, logger)
			if err != nil {
				return nil, err
			}
			return orch, nil
		},
		openJournal: func(ctx context.Context, url string, logger *zap.Logger) (journal, func(), error) {
			s, pool, err := store.Open(ctx, url, logger)
			if err != nil {
				return nil, nil, err
			}
			cleanup := func() {
				pool.Close()
				logger.Debug("Database connection pool closed.")
			}
			return s, cleanup, nil
		},
	}
}

// repository opens the data repository for every registered kind.
func (d *deps) repository(kinds []string) (siteRepository, error) {
	token, err := d.resolveToken(d.cfg.Storage)
	if err != nil {
		return nil, err
	}
	return d.openRepository(d.cfg.Storage, token, kinds, d.logger)
}

// runJournal opens the run journal when a database is configured. A journal
// that cannot be reached is skipped with a warning.
func (d *deps) runJournal(ctx context.Context) (journal, func()) {
	if d.cfg.Database.URL == "" {
		return nil, func() {}
	}
	j, cleanup, err := d.openJournal(ctx, d.cfg.Database.URL, d.logger)
	if err != nil {
		d.logger.Warn("Run journal unavailable, continuing without it.", zap.Error(err))
		return nil, func() {}
	}
	return j, cleanup
}
