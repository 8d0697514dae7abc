// internal/wait/policy.go
package wait

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultJitterMin    = 1 * time.Second
	DefaultJitterMax    = 5 * time.Second
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("wait: timed out")

// TimeoutError reports a condition that did not hold before the deadline.
type TimeoutError struct {
	Description string
	Timeout     time.Duration
	// LastErr is the last transient error seen while polling, if any.
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.Description)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

// Is reports ErrTimeout as a match.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Page is the slice of a browser session the policy polls.
type Page interface {
	// CurrentURL returns the URL of the top level document.
	CurrentURL(ctx context.Context) (string, error)
	// VisibleNode returns the first node matching selector if it is visible.
	VisibleNode(ctx context.Context, selector string) (*cdp.Node, bool, error)
	// VisibleNodeIn is VisibleNode scoped to the descendants of parent.
	VisibleNodeIn(ctx context.Context, parent *cdp.Node, selector string) (*cdp.Node, bool, error)
}

// Policy polls a page for a condition and pauses for a random, human-like
// delay after every poll run, whether it succeeded or not.
type Policy struct {
	page         Page
	timeout      time.Duration
	pollInterval time.Duration
	jitterMin    time.Duration
	jitterMax    time.Duration
	canonicalize Canonicalizer

	int64N func(n int64) int64
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Policy.
type Option func(*Policy)

// WithTimeout sets how long a single poll run may take.
func WithTimeout(d time.Duration) Option {
	return func(p *Policy) { p.timeout = d }
}

// WithPollInterval sets the delay between two checks of a condition.
func WithPollInterval(d time.Duration) Option {
	return func(p *Policy) { p.pollInterval = d }
}

// WithJitter sets the bounds of the humanizing delay. Equal bounds give a fixed delay.
func WithJitter(lo, hi time.Duration) Option {
	return func(p *Policy) { p.jitterMin, p.jitterMax = lo, hi }
}

// WithURLCanonicalizer sets the canonicalizer used by URL conditions.
func WithURLCanonicalizer(c Canonicalizer) Option {
	return func(p *Policy) {
		if c != nil {
			p.canonicalize = c
		}
	}
}

// WithRand replaces the random source of the humanizing delay. Tests only.
func WithRand(int64N func(n int64) int64) Option {
	return func(p *Policy) { p.int64N = int64N }
}

// WithSleep replaces the sleep used for the humanizing delay. Tests only.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// New creates a policy bound to page.
func New(page Page, opts ...Option) *Policy {
	p := &Policy{
		page:         page,
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		jitterMin:    DefaultJitterMin,
		jitterMax:    DefaultJitterMax,
		canonicalize: StripWWW,
		int64N:       rand.Int64N,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Page returns the page the policy polls.
func (p *Policy) Page() Page { return p.page }

// WithCanonicalizer returns a copy of the policy comparing URLs through c.
// It is meant for a single call that needs a different notion of equality.
func (p *Policy) WithCanonicalizer(c Canonicalizer) *Policy {
	clone := *p
	if c != nil {
		clone.canonicalize = c
	}
	return &clone
}

// Canonicalize applies the policy's URL canonicalizer.
func (p *Policy) Canonicalize(rawURL string) string {
	return p.canonicalize(rawURL)
}

// Until polls cond until it reports true, returns an error or the policy
// timeout elapses. The humanizing delay always follows.
func (p *Policy) Until(ctx context.Context, description string, cond func(ctx context.Context) (bool, error)) error {
	_, err := Until(ctx, p, description, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := cond(ctx)
		return struct{}{}, ok, err
	})
	return err
}

// Until polls cond under policy p and returns the value of the first
// satisfied check. A condition error aborts polling. The humanizing delay
// runs after the poll run regardless of its outcome.
func Until[T any](ctx context.Context, p *Policy, description string, cond func(ctx context.Context) (T, bool, error)) (result T, err error) {
	defer func() {
		if delayErr := p.RandomDelay(ctx); delayErr != nil && err == nil {
			err = delayErr
		}
	}()
	return poll(ctx, p, description, cond)
}

func poll[T any](ctx context.Context, p *Policy, description string, cond func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T

	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Burst of one: the first check runs immediately, later ones are spaced
	// by the poll interval.
	limiter := rate.NewLimiter(rate.Every(p.pollInterval), 1)
	timeout := func(lastErr error) error {
		return &TimeoutError{Description: description, Timeout: p.timeout, LastErr: lastErr}
	}

	for {
		if err := limiter.Wait(pollCtx); err != nil {
			// The limiter fails early when the next token lands past the deadline.
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, timeout(nil)
		}

		v, ok, err := cond(pollCtx)
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			if pollCtx.Err() != nil {
				return zero, timeout(err)
			}
			return zero, fmt.Errorf("waiting for %s: %w", description, err)
		}
		if ok {
			return v, nil
		}
	}
}

// RandomDelay sleeps for a duration drawn uniformly from [jitterMin, jitterMax).
func (p *Policy) RandomDelay(ctx context.Context) error {
	d := p.jitterMin
	if span := int64(p.jitterMax - p.jitterMin); span > 0 {
		d += time.Duration(p.int64N(span))
	}
	if d <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
