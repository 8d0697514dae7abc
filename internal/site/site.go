// internal/site/site.go
package site

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/cookies"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

// Auth holds the credentials of one retailer account. The secret never shows
// up in String, log output or Equal.
type Auth struct {
	Login  string `json:"login"`
	Secret string `json:"password"`
}

func (a Auth) String() string {
	return fmt.Sprintf("Auth{login=%s}", a.Login)
}

// GoString keeps %#v from printing the secret.
func (a Auth) GoString() string { return a.String() }

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (a Auth) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("login", a.Login)
	return nil
}

// Equal compares accounts by login only.
func (a Auth) Equal(other Auth) bool {
	return a.Login == other.Login
}

// Site is one retailer account together with the cookie jar and staleness
// timestamp carried between runs.
type Site struct {
	Kind               string
	Auth               Auth
	Cookies            cookies.Jar
	LastCleanTimestamp time.Time

	mu sync.Mutex
}

// New creates a site with an empty jar cleaned at now.
func New(kind string, auth Auth, now time.Time) *Site {
	return &Site{Kind: kind, Auth: auth, LastCleanTimestamp: now}
}

// Name identifies the site in logs and recordings.
func (s *Site) Name() string {
	return s.Kind + "-" + s.Auth.Login
}

// Lock takes exclusive ownership of the jar and timestamp.
func (s *Site) Lock() { s.mu.Lock() }

// Unlock releases the ownership taken by Lock.
func (s *Site) Unlock() { s.mu.Unlock() }

// Purge empties the jar and marks it cleaned at now.
func (s *Site) Purge(now time.Time) {
	s.Cookies.Clear()
	s.LastCleanTimestamp = now
}

// Validate checks the fields a run depends on.
func (s *Site) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Kind) == "" {
		problems = append(problems, "kind must not be empty")
	}
	if s.Auth.Login == "" {
		problems = append(problems, "auth.login must not be empty")
	}
	if s.Auth.Secret == "" {
		problems = append(problems, "auth.password must not be empty")
	}
	if len(problems) > 0 {
		return &ValidationError{Site: s.Name(), Problems: problems}
	}
	return nil
}

// ValidationError lists the failed preconditions of a site.
type ValidationError struct {
	Site     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for site %s: %s", e.Site, strings.Join(e.Problems, "; "))
}

// Task is the retailer specific automation run against a live session.
type Task interface {
	Execute(ctx context.Context, session browser.Session, policy *wait.Policy, auth Auth) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, session browser.Session, policy *wait.Policy, auth Auth) error

func (f TaskFunc) Execute(ctx context.Context, session browser.Session, policy *wait.Policy, auth Auth) error {
	return f(ctx, session, policy, auth)
}

// URLCanonicalizer is implemented by tasks that compare URLs differently
// from the default.
type URLCanonicalizer interface {
	CanonicalizeURL(rawURL string) string
}
