// internal/browser/lifecycle_test.go
package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/config"
	"github.com/xkilldash9x/coupon-clipper/internal/mocks"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Browser.Window.Width = 1280
	cfg.Browser.Window.Height = 720
	cfg.Recording.Enabled = true
	cfg.Session.AcquireAttemptTimeout = time.Second
	cfg.Session.AcquireMaxElapsed = 5 * time.Second
	return cfg
}

// quickBackOff retries a fixed number of times without sleeping.
func quickBackOff(retries uint64) browser.LifecycleOption {
	return browser.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
	})
}

func TestWithEnvironmentSuccess(t *testing.T) {
	session := mocks.NewFakeSession()
	env := &mocks.SessionEnvironment{Session: session}
	lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, testConfig(), zaptest.NewLogger(t))

	var seen browser.Session
	err := lc.WithEnvironment(context.Background(), "safeway-a", func(ctx context.Context, s browser.Session) error {
		seen = s
		return nil
	})

	require.NoError(t, err)
	assert.Same(t, session, seen)
	assert.Equal(t, [][2]int{{1280, 720}}, session.Sizes)
	assert.Equal(t, []bool{true}, env.Finalized)
	assert.Equal(t, 1, env.Released)
}

func TestWithEnvironmentActionFailure(t *testing.T) {
	env := &mocks.SessionEnvironment{Session: mocks.NewFakeSession()}
	lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, testConfig(), zaptest.NewLogger(t))
	boom := errors.New("login button never appeared")

	err := lc.WithEnvironment(context.Background(), "safeway-a", func(context.Context, browser.Session) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []bool{false}, env.Finalized)
	assert.Equal(t, 1, env.Released)
}

func TestWithEnvironmentRecordingDisabled(t *testing.T) {
	env := &mocks.SessionEnvironment{Session: mocks.NewFakeSession()}
	cfg := testConfig()
	cfg.Recording.Enabled = false
	lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, cfg, zap.NewNop())

	require.NoError(t, lc.WithEnvironment(context.Background(), "x", func(context.Context, browser.Session) error { return nil }))
	assert.Empty(t, env.Finalized)
	assert.Equal(t, 1, env.Released)
}

func TestWithEnvironmentFinalizeFailure(t *testing.T) {
	setup := func(t *testing.T, finalizeErr error) (*mocks.MockEnvironment, *mocks.MockRecording, *browser.Lifecycle) {
		session := mocks.NewFakeSession()
		env := new(mocks.MockEnvironment)
		rec := new(mocks.MockRecording)
		env.On("Acquire", mock.Anything).Return(session, nil)
		env.On("Record", mock.Anything, session, "cvs-b").Return(rec, nil)
		env.On("Release").Return(nil)
		rec.On("Finalize", mock.Anything, mock.AnythingOfType("bool")).Return(finalizeErr)
		return env, rec, browser.NewLifecycle(mocks.StaticProvider{Env: env}, testConfig(), zap.NewNop())
	}
	diskFull := errors.New("no space left on device")

	t.Run("after successful action", func(t *testing.T) {
		env, rec, lc := setup(t, diskFull)

		err := lc.WithEnvironment(context.Background(), "cvs-b", func(context.Context, browser.Session) error { return nil })

		var finalizeErr *browser.RecordingFinalizeError
		require.ErrorAs(t, err, &finalizeErr)
		assert.Equal(t, "cvs-b", finalizeErr.Name)
		assert.ErrorIs(t, err, diskFull)
		var runErr *browser.RunError
		assert.False(t, errors.As(err, &runErr), "nothing to attach the finalize failure to")
		rec.AssertCalled(t, "Finalize", mock.Anything, true)
		env.AssertExpectations(t)
	})

	t.Run("after failed action", func(t *testing.T) {
		env, rec, lc := setup(t, diskFull)
		primary := errors.New("coupon list did not load")

		err := lc.WithEnvironment(context.Background(), "cvs-b", func(context.Context, browser.Session) error { return primary })

		var runErr *browser.RunError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, primary, runErr.Primary)
		require.Len(t, runErr.Secondary, 1)
		assert.ErrorIs(t, err, primary)
		assert.ErrorIs(t, err, diskFull)
		rec.AssertCalled(t, "Finalize", mock.Anything, false)
		env.AssertExpectations(t)
	})
}

func TestWithEnvironmentRecordingStartFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	session := mocks.NewFakeSession()
	env := new(mocks.MockEnvironment)
	env.On("Acquire", mock.Anything).Return(session, nil)
	env.On("Record", mock.Anything, session, "x").Return(nil, errors.New("screencast unsupported"))
	env.On("Release").Return(nil)
	lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, testConfig(), zap.New(core))

	ran := false
	err := lc.WithEnvironment(context.Background(), "x", func(context.Context, browser.Session) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, logs.FilterMessage("Could not start recording.").Len())
	env.AssertExpectations(t)
}

func TestWithEnvironmentAcquisition(t *testing.T) {
	t.Run("retries until a session is acquired", func(t *testing.T) {
		session := mocks.NewFakeSession()
		env := new(mocks.MockEnvironment)
		env.On("Acquire", mock.Anything).Return(nil, errors.New("target crashed")).Twice()
		env.On("Acquire", mock.Anything).Return(session, nil).Once()
		env.On("Release").Return(nil)
		cfg := testConfig()
		cfg.Recording.Enabled = false
		lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, cfg, zap.NewNop(), quickBackOff(5))

		require.NoError(t, lc.WithEnvironment(context.Background(), "x", func(context.Context, browser.Session) error { return nil }))
		env.AssertNumberOfCalls(t, "Acquire", 3)
		env.AssertExpectations(t)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		env := new(mocks.MockEnvironment)
		cause := errors.New("websocket handshake failed")
		env.On("Acquire", mock.Anything).Return(nil, cause)
		env.On("Release").Return(nil)
		lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, testConfig(), zap.NewNop(), quickBackOff(2))

		ran := false
		err := lc.WithEnvironment(context.Background(), "x", func(context.Context, browser.Session) error {
			ran = true
			return nil
		})

		var acqErr *browser.AcquisitionError
		require.ErrorAs(t, err, &acqErr)
		assert.Equal(t, 3, acqErr.Attempts)
		assert.ErrorIs(t, err, cause)
		assert.False(t, ran)
		env.AssertCalled(t, "Release")
	})

	t.Run("provision failure", func(t *testing.T) {
		provider := new(mocks.MockProvider)
		provider.On("Provision", mock.Anything).Return(nil, errors.New("chrome not found"))
		lc := browser.NewLifecycle(provider, testConfig(), zap.NewNop())

		err := lc.WithEnvironment(context.Background(), "x", func(context.Context, browser.Session) error { return nil })

		var acqErr *browser.AcquisitionError
		require.ErrorAs(t, err, &acqErr)
		assert.ErrorContains(t, err, "chrome not found")
		provider.AssertExpectations(t)
	})

	t.Run("canceled caller stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		env := new(mocks.MockEnvironment)
		env.On("Acquire", mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil, errors.New("interrupted"))
		env.On("Release").Return(nil)
		lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, testConfig(), zap.NewNop(), quickBackOff(10))

		err := lc.WithEnvironment(ctx, "x", func(context.Context, browser.Session) error { return nil })

		assert.ErrorIs(t, err, context.Canceled)
		env.AssertNumberOfCalls(t, "Acquire", 1)
	})
}

func TestWithEnvironmentReleaseFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	env := new(mocks.MockEnvironment)
	env.On("Acquire", mock.Anything).Return(mocks.NewFakeSession(), nil)
	env.On("Release").Return(errors.New("browser already gone"))
	cfg := testConfig()
	cfg.Recording.Enabled = false
	lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, cfg, zap.New(core))

	require.NoError(t, lc.WithEnvironment(context.Background(), "x", func(context.Context, browser.Session) error { return nil }))
	assert.Equal(t, 1, logs.FilterMessage("Failed to release browser environment.").Len())
}

func TestWithEnvironmentRecoversPanic(t *testing.T) {
	env := &mocks.SessionEnvironment{Session: mocks.NewFakeSession()}
	lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, testConfig(), zap.NewNop())

	err := lc.WithEnvironment(context.Background(), "x", func(context.Context, browser.Session) error {
		var m map[string]int
		m["boom"]++
		return nil
	})

	assert.ErrorContains(t, err, "action panicked")
	assert.Equal(t, []bool{false}, env.Finalized, "a panicking action is a failed run")
	assert.Equal(t, 1, env.Released)
}

func TestWithEnvironmentResizeFailure(t *testing.T) {
	session := mocks.NewFakeSession()
	session.Err = mocks.ErrFakeSessionClosed
	env := &mocks.SessionEnvironment{Session: session}
	lc := browser.NewLifecycle(mocks.StaticProvider{Env: env}, testConfig(), zap.NewNop())

	err := lc.WithEnvironment(context.Background(), "x", func(context.Context, browser.Session) error { return nil })

	assert.ErrorIs(t, err, mocks.ErrFakeSessionClosed)
	assert.Empty(t, env.Finalized, "recording never started")
	assert.Equal(t, 1, env.Released)
}
