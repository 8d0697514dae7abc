// internal/orchestrator/orchestrator_test.go
package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/config"
	"github.com/xkilldash9x/coupon-clipper/internal/cookies"
	"github.com/xkilldash9x/coupon-clipper/internal/mocks"
	"github.com/xkilldash9x/coupon-clipper/internal/orchestrator"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	// wallClock has a sub-second part so truncation is observable.
	wallClock = time.Date(2024, 3, 15, 12, 0, 0, 500_000_000, time.UTC)
	runTime   = wallClock.Truncate(time.Second)
	day       = 24 * time.Hour
)

type fixture struct {
	session     *mocks.FakeSession
	env         *mocks.SessionEnvironment
	orch        *orchestrator.Orchestrator
	transitions []orchestrator.State
}

type fixtureOption struct {
	runner orchestrator.EnvironmentRunner
	int64N func(int64) int64
}

func newFixture(t *testing.T, fo fixtureOption) *fixture {
	t.Helper()
	f := &fixture{session: mocks.NewFakeSession()}
	f.session.AcceptAll = true
	f.env = &mocks.SessionEnvironment{Session: f.session}

	cfg := config.NewDefaultConfig()
	logger := zaptest.NewLogger(t)
	runner := fo.runner
	if runner == nil {
		runner = browser.NewLifecycle(mocks.StaticProvider{Env: f.env}, cfg, logger)
	}
	int64N := fo.int64N
	if int64N == nil {
		int64N = func(n int64) int64 { return n / 2 }
	}

	orch, err := orchestrator.New(runner, cfg, logger,
		orchestrator.WithClock(func() time.Time { return wallClock }),
		orchestrator.WithRand(int64N),
		orchestrator.WithTransitionHook(func(_ string, _, to orchestrator.State) {
			f.transitions = append(f.transitions, to)
		}),
		orchestrator.WithPolicyOptions(wait.WithSleep(func(context.Context, time.Duration) error { return nil })),
	)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func newSite(lastClean time.Time, jar ...cookies.Record) *site.Site {
	s := site.New("safeway", site.Auth{Login: "shopper@example.com", Secret: "hunter2"}, lastClean)
	s.Cookies.Replace(jar)
	return s
}

func TestRunSuccessReplacesJar(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	s := newSite(runTime.Add(-time.Hour),
		cookies.Record{Domain: ".safeway.com", Name: "sid", Value: "old"},
		cookies.Record{Domain: "safeway.com", Name: "stale", Value: "x"},
	)

	task := site.TaskFunc(func(ctx context.Context, session browser.Session, policy *wait.Policy, auth site.Auth) error {
		assert.Equal(t, "hunter2", auth.Secret)
		require.NotNil(t, policy)
		fake := session.(*mocks.FakeSession)
		fake.Put(cookies.Record{Domain: "safeway.com", Name: "sid", Value: "new"})
		fake.Put(cookies.Record{Domain: "www.safeway.com", Name: "clip", Value: "1"})
		fake.Put(cookies.Record{Name: "nodomain", Value: "dropped"})
		return nil
	})

	require.NoError(t, f.orch.Run(context.Background(), s, task))

	want := []cookies.Record{
		{Domain: "safeway.com", Name: "sid", Value: "new"},
		{Domain: "safeway.com", Name: "stale", Value: "x"},
		{Domain: "www.safeway.com", Name: "clip", Value: "1"},
	}
	if diff := cmp.Diff(want, s.Cookies.Records()); diff != "" {
		t.Errorf("jar mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, runTime.Add(-time.Hour), s.LastCleanTimestamp, "a fresh jar keeps its timestamp")
	assert.Equal(t, []orchestrator.State{
		orchestrator.Validating, orchestrator.Acquiring, orchestrator.CookiesIn, orchestrator.Running,
		orchestrator.CookiesOut, orchestrator.Released, orchestrator.Terminal,
	}, f.transitions)
	assert.Equal(t, []bool{true}, f.env.Finalized)
	assert.Equal(t, 1, f.env.Released)
}

func TestRunValidationFailure(t *testing.T) {
	provider := new(mocks.MockProvider)
	cfg := config.NewDefaultConfig()
	runner := browser.NewLifecycle(provider, cfg, zap.NewNop())
	f := newFixture(t, fixtureOption{runner: runner})

	s := newSite(runTime, cookies.Record{Domain: "safeway.com", Name: "sid"})
	s.Auth.Secret = ""
	task := new(mocks.MockTask)

	err := f.orch.Run(context.Background(), s, task)

	var verr *site.ValidationError
	require.ErrorAs(t, err, &verr)
	provider.AssertNotCalled(t, "Provision", mock.Anything)
	task.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, s.Cookies.Len(), "jar untouched")
	assert.Equal(t, []orchestrator.State{orchestrator.Validating, orchestrator.Terminal}, f.transitions)
}

func TestRunExpiry(t *testing.T) {
	jar := cookies.Record{Domain: "safeway.com", Name: "sid", Value: "1"}
	maxDraw := func(n int64) int64 { return n - 1 }
	minDraw := func(int64) int64 { return 0 }

	tests := []struct {
		name      string
		lastClean time.Time
		int64N    func(int64) int64
		purged    bool
	}{
		{"older than fourteen days always purges", runTime.Add(-14*day - time.Second), maxDraw, true},
		{"younger than one day never purges", runTime.Add(-day + time.Second), minDraw, false},
		{"between bounds purges when the draw is short", runTime.Add(-3 * day), minDraw, true},
		{"between bounds keeps when the draw is long", runTime.Add(-3 * day), maxDraw, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOption{int64N: tt.int64N})
			s := newSite(tt.lastClean, jar)

			var pushed []cookies.Record
			task := site.TaskFunc(func(_ context.Context, session browser.Session, _ *wait.Policy, _ site.Auth) error {
				pushed = append(pushed, session.(*mocks.FakeSession).SetAttempts...)
				return nil
			})
			require.NoError(t, f.orch.Run(context.Background(), s, task))

			if tt.purged {
				assert.Empty(t, pushed, "purged before the environment was acquired")
				assert.Equal(t, runTime, s.LastCleanTimestamp)
			} else {
				// Once per probed protocol: http, then https.
				require.Len(t, pushed, 2)
				for _, r := range pushed {
					assert.Equal(t, "sid", r.Name)
				}
				assert.Equal(t, tt.lastClean, s.LastCleanTimestamp)
			}
		})
	}
}

func TestRunMidTaskFailurePurges(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	s := newSite(runTime.Add(-time.Hour), cookies.Record{Domain: "safeway.com", Name: "sid", Value: "1"})
	boom := errors.New("clip button never became interactable")

	task := site.TaskFunc(func(_ context.Context, session browser.Session, _ *wait.Policy, _ site.Auth) error {
		session.(*mocks.FakeSession).Put(cookies.Record{Domain: "safeway.com", Name: "poisoned", Value: "?"})
		return boom
	})

	err := f.orch.Run(context.Background(), s, task)

	var taskErr *orchestrator.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.ErrorIs(t, err, boom)
	assert.Same(t, boom, errors.Unwrap(err), "the task error is one Unwrap away")
	assert.Equal(t, "safeway-shopper@example.com", taskErr.Site)
	assert.Zero(t, s.Cookies.Len())
	assert.Equal(t, runTime, s.LastCleanTimestamp)
	assert.Equal(t, []bool{false}, f.env.Finalized, "recording labelled failed")
	assert.Equal(t, 1, f.env.Released)
	assert.Equal(t, []orchestrator.State{
		orchestrator.Validating, orchestrator.Acquiring, orchestrator.CookiesIn, orchestrator.Running,
		orchestrator.Purge, orchestrator.Released, orchestrator.Terminal,
	}, f.transitions)
}

func TestRunPullFailurePurges(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	s := newSite(runTime, cookies.Record{Domain: "safeway.com", Name: "sid"})

	task := site.TaskFunc(func(_ context.Context, session browser.Session, _ *wait.Policy, _ site.Auth) error {
		session.(*mocks.FakeSession).Err = mocks.ErrFakeSessionClosed
		return nil
	})

	err := f.orch.Run(context.Background(), s, task)

	var taskErr *orchestrator.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.ErrorIs(t, err, mocks.ErrFakeSessionClosed)
	assert.Zero(t, s.Cookies.Len())
}

func TestRunAcquisitionFailureLeavesJar(t *testing.T) {
	env := new(mocks.MockEnvironment)
	env.On("Acquire", mock.Anything).Return(nil, errors.New("devtools endpoint refused connection"))
	env.On("Release").Return(nil)
	runner := browser.NewLifecycle(mocks.StaticProvider{Env: env}, config.NewDefaultConfig(), zap.NewNop(),
		browser.WithBackOff(func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }))
	f := newFixture(t, fixtureOption{runner: runner})

	lastClean := runTime.Add(-time.Hour)
	s := newSite(lastClean, cookies.Record{Domain: "safeway.com", Name: "sid"})
	task := new(mocks.MockTask)

	err := f.orch.Run(context.Background(), s, task)

	var acqErr *browser.AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	var taskErr *orchestrator.TaskError
	assert.False(t, errors.As(err, &taskErr))
	assert.Equal(t, 4, acqErr.Attempts)
	assert.Equal(t, 1, s.Cookies.Len())
	assert.Equal(t, lastClean, s.LastCleanTimestamp)
	assert.NotContains(t, f.transitions, orchestrator.Purge)
	task.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	env.AssertCalled(t, "Release")
}

func TestRunRecordingFailureKeepsJar(t *testing.T) {
	session := mocks.NewFakeSession()
	session.AcceptAll = true
	env := new(mocks.MockEnvironment)
	rec := new(mocks.MockRecording)
	env.On("Acquire", mock.Anything).Return(session, nil)
	env.On("Record", mock.Anything, session, "safeway-shopper@example.com").Return(rec, nil)
	env.On("Release").Return(nil)
	rec.On("Finalize", mock.Anything, true).Return(errors.New("disk full"))

	runner := browser.NewLifecycle(mocks.StaticProvider{Env: env}, config.NewDefaultConfig(), zap.NewNop())
	f := newFixture(t, fixtureOption{runner: runner})
	s := newSite(runTime.Add(-time.Hour))

	task := site.TaskFunc(func(_ context.Context, session browser.Session, _ *wait.Policy, _ site.Auth) error {
		session.(*mocks.FakeSession).Put(cookies.Record{Domain: "safeway.com", Name: "sid", Value: "fresh"})
		return nil
	})

	err := f.orch.Run(context.Background(), s, task)

	var finalizeErr *browser.RecordingFinalizeError
	require.ErrorAs(t, err, &finalizeErr)
	var taskErr *orchestrator.TaskError
	assert.False(t, errors.As(err, &taskErr))
	assert.Equal(t, []cookies.Record{{Domain: "safeway.com", Name: "sid", Value: "fresh"}}, s.Cookies.Records())
	env.AssertExpectations(t)
	rec.AssertExpectations(t)
}

type canonicalTask struct {
	seen string
}

func (c *canonicalTask) CanonicalizeURL(rawURL string) string { return wait.StripFragment(rawURL) }

func (c *canonicalTask) Execute(_ context.Context, _ browser.Session, policy *wait.Policy, _ site.Auth) error {
	c.seen = policy.Canonicalize("https://www.safeway.com/deals#top")
	return nil
}

func TestRunBindsTaskCanonicalizer(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	task := &canonicalTask{}

	require.NoError(t, f.orch.Run(context.Background(), newSite(runTime), task))
	assert.Equal(t, "https://www.safeway.com/deals", task.seen)
}

func TestRunSerializesSameSite(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	s := newSite(runTime)

	var inFlight, maxInFlight atomic.Int32
	task := site.TaskFunc(func(context.Context, browser.Session, *wait.Policy, site.Auth) error {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.orch.Run(context.Background(), s, task)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestNewRejectsNilDependencies(t *testing.T) {
	_, err := orchestrator.New(nil, config.NewDefaultConfig(), zap.NewNop())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	cfg.Session.ExpiryMax = time.Hour
	runner := browser.NewLifecycle(mocks.StaticProvider{}, cfg, zap.NewNop())
	_, err = orchestrator.New(runner, cfg, zap.NewNop())
	assert.Error(t, err, "session settings are validated")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "cookies_in", orchestrator.CookiesIn.String())
	assert.Equal(t, "terminal", orchestrator.Terminal.String())
	assert.Equal(t, "unknown", orchestrator.State(42).String())
}
