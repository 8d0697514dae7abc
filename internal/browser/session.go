// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/codec"
	"github.com/xkilldash9x/coupon-clipper/internal/cookies"
)

const (
	jsIsVisible = `function() {
		const style = window.getComputedStyle(this);
		if (style.display === 'none' || style.visibility === 'hidden' || Number(style.opacity) === 0) {
			return false;
		}
		const rect = this.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	}`
	jsIsEnabled = `function() { return !this.disabled && this.getAttribute('aria-disabled') !== 'true'; }`
)

// chromeSession is a Session backed by a chromedp tab context.
type chromeSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	isClosed bool
}

var _ Session = (*chromeSession)(nil)

func newChromeSession(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *chromeSession {
	id := uuid.New().String()
	return &chromeSession{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("session_id", id)),
	}
}

func (s *chromeSession) ID() string { return s.id }

// Close cancels the tab context. It is safe to call more than once.
func (s *chromeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return
	}
	s.isClosed = true
	s.logger.Debug("Closing browser session.")
	s.cancel()
}

func (s *chromeSession) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := s.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("failed to read current URL: %w", err)
	}
	return u, nil
}

func (s *chromeSession) Navigate(ctx context.Context, url string) (string, error) {
	var reached string
	if err := s.run(ctx, chromedp.Navigate(url), chromedp.Location(&reached)); err != nil {
		return "", fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return reached, nil
}

func (s *chromeSession) SetCookie(ctx context.Context, r cookies.Record) error {
	origin, err := s.CurrentURL(ctx)
	if err != nil {
		return err
	}

	// Binding the cookie to the current URL makes the browser refuse domains
	// the origin may not set.
	params := network.SetCookie(r.Name, r.Value).
		WithURL(origin).
		WithDomain(r.Domain).
		WithSecure(r.Secure).
		WithHTTPOnly(r.HTTPOnly)
	if r.Path != "" {
		params = params.WithPath(r.Path)
	}
	if r.Expiry != nil {
		expires := cdp.TimeSinceEpoch(time.Unix(*r.Expiry, 0))
		params = params.WithExpires(&expires)
	}
	if r.SameSite != "" {
		params = params.WithSameSite(network.CookieSameSite(r.SameSite))
	}

	err = s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return params.Do(ctx)
	}))
	if err == nil {
		return nil
	}
	var protoErr *cdproto.Error
	if errors.As(err, &protoErr) && ctx.Err() == nil && s.ctx.Err() == nil {
		return fmt.Errorf("%w: %s on %s: %s", ErrCookieDomainRejected, r.Domain, origin, protoErr.Message)
	}
	return fmt.Errorf("failed to set cookie %s: %w", r.Name, err)
}

func (s *chromeSession) Cookies(ctx context.Context) ([]cookies.Record, error) {
	var raw []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := storage.GetCookies()
		if c := chromedp.FromContext(ctx); c != nil && c.BrowserContextID != "" {
			params = params.WithBrowserContextID(c.BrowserContextID)
		}
		var err error
		raw, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	records := make([]cookies.Record, 0, len(raw))
	for _, c := range raw {
		records = append(records, recordFromNetwork(c))
	}
	return records, nil
}

func recordFromNetwork(c *network.Cookie) cookies.Record {
	r := cookies.Record{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: c.SameSite.String(),
	}
	if !c.Session && c.Expires > 0 {
		expiry := int64(math.Floor(c.Expires))
		r.Expiry = &expiry
	}
	return r
}

func (s *chromeSession) Resize(ctx context.Context, width, height int) error {
	return s.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (s *chromeSession) Nodes(ctx context.Context, selector string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", selector, err)
	}
	return nodes, nil
}

func (s *chromeSession) NodesIn(ctx context.Context, parent *cdp.Node, selector string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0), chromedp.FromNode(parent))); err != nil {
		return nil, fmt.Errorf("failed to query %q under node %d: %w", selector, parent.NodeID, err)
	}
	return nodes, nil
}

func (s *chromeSession) VisibleNode(ctx context.Context, selector string) (*cdp.Node, bool, error) {
	nodes, err := s.Nodes(ctx, selector)
	if err != nil {
		return nil, false, err
	}
	return s.firstVisible(ctx, nodes)
}

func (s *chromeSession) VisibleNodeIn(ctx context.Context, parent *cdp.Node, selector string) (*cdp.Node, bool, error) {
	nodes, err := s.NodesIn(ctx, parent, selector)
	if err != nil {
		return nil, false, err
	}
	return s.firstVisible(ctx, nodes)
}

// firstVisible checks the first match only, like a locator lookup would.
func (s *chromeSession) firstVisible(ctx context.Context, nodes []*cdp.Node) (*cdp.Node, bool, error) {
	if len(nodes) == 0 {
		return nil, false, nil
	}
	visible, err := s.callOnNode(ctx, nodes[0], jsIsVisible)
	if err != nil || !visible {
		return nil, false, err
	}
	return nodes[0], true, nil
}

func (s *chromeSession) Visible(ctx context.Context, node *cdp.Node) (bool, error) {
	return s.callOnNode(ctx, node, jsIsVisible)
}

func (s *chromeSession) Interactable(ctx context.Context, node *cdp.Node) (bool, error) {
	visible, err := s.callOnNode(ctx, node, jsIsVisible)
	if err != nil || !visible {
		return false, err
	}
	return s.callOnNode(ctx, node, jsIsEnabled)
}

// callOnNode evaluates a boolean predicate with the node bound to this.
func (s *chromeSession) callOnNode(ctx context.Context, node *cdp.Node, fn string) (bool, error) {
	var res bool
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		res, err = evalNodePredicate(ctx, node, fn)
		return err
	}))
	return res, err
}

// Swapped in tests.
var (
	resolveNode = func(ctx context.Context, p *dom.ResolveNodeParams) (*runtime.RemoteObject, error) {
		return p.Do(ctx)
	}
	callFunctionOn = func(ctx context.Context, p *runtime.CallFunctionOnParams) (*runtime.RemoteObject, *runtime.ExceptionDetails, error) {
		return p.Do(ctx)
	}
)

// evalNodePredicate resolves node to a remote object and calls fn on it. A
// node that went stale in the meantime reads as false.
func evalNodePredicate(ctx context.Context, node *cdp.Node, fn string) (bool, error) {
	obj, err := resolveNode(ctx, dom.ResolveNode().WithBackendNodeID(node.BackendNodeID))
	if err != nil {
		return false, staleAsFalse(err)
	}
	if obj == nil || obj.ObjectID == "" {
		return false, nil
	}

	result, exception, err := callFunctionOn(ctx, runtime.CallFunctionOn(fn).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true))
	if err != nil {
		return false, staleAsFalse(err)
	}
	if exception != nil {
		return false, fmt.Errorf("predicate on node %d threw: %s", node.NodeID, exception.Text)
	}
	if result == nil || len(result.Value) == 0 {
		return false, nil
	}

	var ok bool
	if err := codec.Unmarshal(result.Value, &ok); err != nil {
		return false, fmt.Errorf("predicate on node %d returned a non-boolean: %w", node.NodeID, err)
	}
	return ok, nil
}

func staleAsFalse(err error) error {
	var protoErr *cdproto.Error
	if errors.As(err, &protoErr) {
		return nil
	}
	return err
}

func (s *chromeSession) Click(ctx context.Context, node *cdp.Node) error {
	if err := s.run(ctx, chromedp.MouseClickNode(node)); err != nil {
		return fmt.Errorf("failed to click node %d: %w", node.NodeID, err)
	}
	return nil
}

func (s *chromeSession) SendKeys(ctx context.Context, node *cdp.Node, text string) error {
	if err := s.run(ctx, chromedp.SendKeys([]cdp.NodeID{node.NodeID}, text, chromedp.ByNodeID)); err != nil {
		return fmt.Errorf("failed to type into node %d: %w", node.NodeID, err)
	}
	return nil
}

func (s *chromeSession) Text(ctx context.Context, node *cdp.Node) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Text([]cdp.NodeID{node.NodeID}, &text, chromedp.ByNodeID)); err != nil {
		return "", fmt.Errorf("failed to read text of node %d: %w", node.NodeID, err)
	}
	return text, nil
}

func (s *chromeSession) Evaluate(ctx context.Context, expression string, res interface{}) error {
	return s.run(ctx, chromedp.Evaluate(expression, res))
}

// run executes actions bound to both the tab lifetime and the caller's context.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}
