// File: internal/orchestrator/orchestrator.go
// Description: Drives one site run through validation, cookie expiry, the
// browser environment, cookie replay, the retailer task and cookie capture.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/config"
	"github.com/xkilldash9x/coupon-clipper/internal/cookiesync"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

// EnvironmentRunner runs an action inside a browser environment and always
// cleans the environment up afterwards. browser.Lifecycle implements it.
type EnvironmentRunner interface {
	WithEnvironment(ctx context.Context, name string, action browser.Action) error
}

// TransitionFunc observes state changes of a run.
type TransitionFunc func(siteName string, from, to State)

// TaskError wraps any failure that happened after a session was acquired.
// The site's jar has been purged by the time it is returned.
type TaskError struct {
	Site string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("site %s failed: %v", e.Site, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Orchestrator runs sites one invocation at a time.
type Orchestrator struct {
	runner  EnvironmentRunner
	cookies *cookiesync.Synchronizer
	session config.SessionConfig
	logger  *zap.Logger

	now          func() time.Time
	int64N       func(n int64) int64
	onTransition TransitionFunc
	policyOpts   []wait.Option
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRand replaces the source of the expiry threshold.
func WithRand(int64N func(n int64) int64) Option {
	return func(o *Orchestrator) { o.int64N = int64N }
}

// WithTransitionHook registers fn to be called on every state change.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

// WithPolicyOptions appends options to every wait policy handed to tasks.
func WithPolicyOptions(opts ...wait.Option) Option {
	return func(o *Orchestrator) { o.policyOpts = append(o.policyOpts, opts...) }
}

// New creates an orchestrator.
func New(runner EnvironmentRunner, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if runner == nil || cfg == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		runner:  runner,
		cookies: cookiesync.New(logger),
		session: cfg.Session,
		logger:  logger.Named("orchestrator"),
		now:     time.Now,
		int64N:  rand.Int64N,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run tracks the state of one invocation.
type run struct {
	o     *Orchestrator
	name  string
	state State
}

func (r *run) to(next State) {
	prev := r.state
	r.state = next
	r.o.logger.Debug("State transition.", zap.String("site", r.name), zap.Stringer("from", prev), zap.Stringer("to", next))
	if r.o.onTransition != nil {
		r.o.onTransition(r.name, prev, next)
	}
}

// Run executes task for s. The site is locked for the whole call.
//
// A validation failure returns *site.ValidationError and a failed acquisition
// *browser.AcquisitionError, both with the jar untouched. Any other failure
// purges the jar, stamps LastCleanTimestamp with the failure time and returns
// *TaskError. The task's own error is not returned as is: reach it with
// errors.Unwrap, or match it with errors.Is and errors.As instead of comparing
// values. On success the jar holds exactly the session's final cookies.
func (o *Orchestrator) Run(ctx context.Context, s *site.Site, task site.Task) error {
	s.Lock()
	defer s.Unlock()

	r := &run{o: o, name: s.Name(), state: Idle}
	logger := o.logger.With(zap.String("site", s.Kind), zap.String("login", s.Auth.Login))
	defer r.to(Terminal)

	r.to(Validating)
	if err := s.Validate(); err != nil {
		logger.Warn("Site failed validation.", zap.Error(err))
		return err
	}

	o.expire(s, logger)

	r.to(Acquiring)
	actionDone := false
	err := o.runner.WithEnvironment(ctx, r.name, func(ctx context.Context, session browser.Session) error {
		r.to(CookiesIn)
		if err := o.cookies.Push(ctx, session, s.Cookies.Records()); err != nil {
			return fmt.Errorf("failed to replay cookies: %w", err)
		}

		r.to(Running)
		logger.Info("Running site task.", zap.String("session_id", session.ID()))
		if err := task.Execute(ctx, session, o.policy(session, task), s.Auth); err != nil {
			return err
		}

		r.to(CookiesOut)
		records, err := o.cookies.Pull(ctx, session)
		if err != nil {
			return err
		}
		s.Cookies.Replace(records)
		actionDone = true
		return nil
	})

	var acqErr *browser.AcquisitionError
	switch {
	case err == nil:
		r.to(Released)
		logger.Info("Site run completed.", zap.Int("cookies", s.Cookies.Len()))
		return nil
	case actionDone:
		// Only the recording failed; the captured jar stays.
		r.to(Released)
		logger.Warn("Site run completed but the recording could not be saved.", zap.Error(err))
		return err
	case errors.As(err, &acqErr):
		r.to(Released)
		logger.Error("Could not acquire a browser session.", zap.Error(err))
		return err
	}

	r.to(Purge)
	failedAt := o.now().Truncate(time.Second)
	s.Purge(failedAt)
	r.to(Released)
	logger.Error("Site run failed, cookie jar purged.", zap.Error(err), zap.Time("last_clean", failedAt))
	return &TaskError{Site: r.name, Err: err}
}

// expire purges the jar when it is older than a threshold drawn uniformly
// from [ExpiryMin, ExpiryMax].
func (o *Orchestrator) expire(s *site.Site, logger *zap.Logger) {
	now := o.now().Truncate(time.Second)
	threshold := o.session.ExpiryMin
	if spread := o.session.ExpiryMax - o.session.ExpiryMin; spread > 0 {
		threshold += time.Duration(o.int64N(int64(spread) + 1))
	}
	if now.Add(-threshold).After(s.LastCleanTimestamp) {
		logger.Info("Cookie jar expired, starting clean.",
			zap.Time("last_clean", s.LastCleanTimestamp), zap.Duration("threshold", threshold))
		s.Purge(now)
	}
}

func (o *Orchestrator) policy(session browser.Session, task site.Task) *wait.Policy {
	opts := []wait.Option{
		wait.WithTimeout(o.session.WaitTimeout),
		wait.WithPollInterval(o.session.PollInterval),
		wait.WithJitter(o.session.JitterMin, o.session.JitterMax),
	}
	if c, ok := task.(site.URLCanonicalizer); ok {
		opts = append(opts, wait.WithURLCanonicalizer(c.CanonicalizeURL))
	}
	opts = append(opts, o.policyOpts...)
	return wait.New(session, opts...)
}
