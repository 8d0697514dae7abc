// internal/browser/lifecycle.go
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/config"
)

// Lifecycle runs actions inside freshly provisioned environments. Acquisition
// is retried; recording finalization and release always happen.
type Lifecycle struct {
	provider Provider
	logger   *zap.Logger

	width, height  int
	record         bool
	maxElapsed     time.Duration
	attemptTimeout time.Duration
	newBackOff     func() backoff.BackOff
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithBackOff replaces the acquisition backoff policy.
func WithBackOff(newBackOff func() backoff.BackOff) LifecycleOption {
	return func(l *Lifecycle) { l.newBackOff = newBackOff }
}

// NewLifecycle creates a lifecycle over provider configured from cfg.
func NewLifecycle(provider Provider, cfg *config.Config, logger *zap.Logger, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		provider:       provider,
		logger:         logger.Named("lifecycle"),
		width:          cfg.Browser.Window.Width,
		height:         cfg.Browser.Window.Height,
		record:         cfg.Recording.Enabled,
		maxElapsed:     cfg.Session.AcquireMaxElapsed,
		attemptTimeout: cfg.Session.AcquireAttemptTimeout,
	}
	l.newBackOff = l.defaultBackOff
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lifecycle) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = l.maxElapsed
	b.MaxInterval = l.attemptTimeout
	return b
}

// WithEnvironment provisions an environment, acquires a session, sizes it,
// starts a recording named name and runs action. The recording is finalized
// as passed or failed and the environment released whatever happens. Action
// errors are returned after cleanup, with cleanup failures attached as
// secondary errors.
func (l *Lifecycle) WithEnvironment(ctx context.Context, name string, action Action) (err error) {
	logger := l.logger.With(zap.String("run", name))

	env, err := l.provider.Provision(ctx)
	if err != nil {
		return &AcquisitionError{Err: fmt.Errorf("failed to provision environment: %w", err)}
	}
	defer func() {
		if releaseErr := env.Release(); releaseErr != nil {
			logger.Warn("Failed to release browser environment.", zap.Error(releaseErr))
		}
	}()

	session, err := l.acquire(ctx, env, logger)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("session_id", session.ID()))

	if err := session.Resize(ctx, l.width, l.height); err != nil {
		return fmt.Errorf("failed to size browser window: %w", err)
	}

	var recording Recording
	if l.record {
		rec, recErr := env.Record(ctx, session, name)
		if recErr != nil {
			// The run goes ahead unrecorded.
			logger.Warn("Could not start recording.", zap.Error(recErr))
		} else {
			recording = rec
		}
	}

	if recording != nil {
		defer func() {
			passed := err == nil
			if recErr := l.finalize(recording, passed); recErr != nil {
				err = withSecondary(err, &RecordingFinalizeError{Name: name, Err: recErr})
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Action panicked.", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	return action(ctx, session)
}

// finalize runs on a context detached from the caller so that a canceled run
// still gets a labelled recording.
func (l *Lifecycle) finalize(recording Recording, passed bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.attemptTimeout)
	defer cancel()
	return recording.Finalize(ctx, passed)
}

func (l *Lifecycle) acquire(ctx context.Context, env Environment, logger *zap.Logger) (Session, error) {
	var (
		session  Session
		attempts int
	)

	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, l.attemptTimeout)
		defer cancel()

		s, err := env.Acquire(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		session = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Session acquisition failed, retrying...",
			zap.Int("attempt", attempts), zap.Duration("retry_in", next), zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(l.newBackOff(), ctx), notify); err != nil {
		return nil, &AcquisitionError{Attempts: attempts, Err: err}
	}
	logger.Debug("Browser session acquired.", zap.Int("attempts", attempts))
	return session, nil
}
