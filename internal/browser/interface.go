// internal/browser/interface.go
package browser

import (
	"context"

	"github.com/chromedp/cdproto/cdp"

	"github.com/xkilldash9x/coupon-clipper/internal/cookies"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

// Session is a live handle on one browser tab.
type Session interface {
	wait.Page

	ID() string

	// Navigate loads url and returns the URL actually reached after redirects.
	Navigate(ctx context.Context, url string) (string, error)
	// SetCookie adds a cookie for the current origin. A cookie whose domain the
	// origin cannot accept fails with ErrCookieDomainRejected.
	SetCookie(ctx context.Context, record cookies.Record) error
	// Cookies returns every cookie held by the session's browser context.
	Cookies(ctx context.Context) ([]cookies.Record, error)
	// Resize sets the viewport size.
	Resize(ctx context.Context, width, height int) error

	Nodes(ctx context.Context, selector string) ([]*cdp.Node, error)
	NodesIn(ctx context.Context, parent *cdp.Node, selector string) ([]*cdp.Node, error)
	// Visible reports whether node is rendered. A detached node is not visible.
	Visible(ctx context.Context, node *cdp.Node) (bool, error)
	// Interactable reports whether node is visible and enabled.
	Interactable(ctx context.Context, node *cdp.Node) (bool, error)
	Click(ctx context.Context, node *cdp.Node) error
	SendKeys(ctx context.Context, node *cdp.Node, text string) error
	Text(ctx context.Context, node *cdp.Node) (string, error)
	Evaluate(ctx context.Context, expression string, res interface{}) error
}

// Provider provisions isolated browser environments.
type Provider interface {
	Provision(ctx context.Context) (Environment, error)
}

// Environment is an isolated browser execution context able to host sessions
// and record them.
type Environment interface {
	// Acquire makes one attempt at opening a live session. It must give up
	// when ctx is done.
	Acquire(ctx context.Context) (Session, error)
	// Record starts recording session under name.
	Record(ctx context.Context, session Session, name string) (Recording, error)
	// Release tears the environment down, closing every session it opened.
	Release() error
}

// Recording is an in-progress screen recording.
type Recording interface {
	// Finalize stops the recording and labels the artifact with the run outcome.
	Finalize(ctx context.Context, passed bool) error
}

// Action runs inside an environment with a live session.
type Action func(ctx context.Context, session Session) error
