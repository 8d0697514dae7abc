// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/store"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

// -- Browser Provider Mock --

// MockProvider mocks the browser.Provider interface.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Provision(ctx context.Context) (browser.Environment, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(browser.Environment), args.Error(1)
}

// -- Browser Environment Mock --

// MockEnvironment mocks the browser.Environment interface.
type MockEnvironment struct {
	mock.Mock
}

func (m *MockEnvironment) Acquire(ctx context.Context) (browser.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(browser.Session), args.Error(1)
}

func (m *MockEnvironment) Record(ctx context.Context, session browser.Session, name string) (browser.Recording, error) {
	args := m.Called(ctx, session, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(browser.Recording), args.Error(1)
}

func (m *MockEnvironment) Release() error {
	return m.Called().Error(0)
}

// -- Recording Mock --

// MockRecording mocks the browser.Recording interface.
type MockRecording struct {
	mock.Mock
}

func (m *MockRecording) Finalize(ctx context.Context, passed bool) error {
	return m.Called(ctx, passed).Error(0)
}

// -- Site Task Mock --

// MockTask mocks the site.Task interface.
type MockTask struct {
	mock.Mock
}

func (m *MockTask) Execute(ctx context.Context, session browser.Session, policy *wait.Policy, auth site.Auth) error {
	return m.Called(ctx, session, policy, auth).Error(0)
}

// -- Static Provider --

// StaticProvider hands out a fixed environment, the common case in tests
// that care about what happens inside the environment rather than around it.
type StaticProvider struct {
	Env browser.Environment
}

func (p StaticProvider) Provision(context.Context) (browser.Environment, error) {
	return p.Env, nil
}

// SessionEnvironment is an environment whose only session is Session. It
// counts releases and records finalized outcomes.
type SessionEnvironment struct {
	Session browser.Session

	Released  int
	Finalized []bool
}

func (e *SessionEnvironment) Acquire(context.Context) (browser.Session, error) {
	return e.Session, nil
}

func (e *SessionEnvironment) Record(context.Context, browser.Session, string) (browser.Recording, error) {
	return recordingFunc(func(_ context.Context, passed bool) error {
		e.Finalized = append(e.Finalized, passed)
		return nil
	}), nil
}

func (e *SessionEnvironment) Release() error {
	e.Released++
	return nil
}

type recordingFunc func(ctx context.Context, passed bool) error

func (f recordingFunc) Finalize(ctx context.Context, passed bool) error { return f(ctx, passed) }

// -- Engine Dependency Mocks --

// MockSiteRunner mocks the orchestrator as seen by the engine.
type MockSiteRunner struct {
	mock.Mock
}

func (m *MockSiteRunner) Run(ctx context.Context, s *site.Site, task site.Task) error {
	args := m.Called(ctx, s, task)
	return args.Error(0)
}

// MockRepository mocks the site repository.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) LoadSites(ctx context.Context) ([]*site.Site, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*site.Site), args.Error(1)
}

func (m *MockRepository) SaveSites(ctx context.Context, sites []*site.Site) error {
	args := m.Called(ctx, sites)
	return args.Error(0)
}

// MockJournal mocks the run journal.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) RecordRuns(ctx context.Context, runs []store.Run) error {
	args := m.Called(ctx, runs)
	return args.Error(0)
}
