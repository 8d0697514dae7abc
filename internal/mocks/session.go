// File: internal/mocks/session.go
package mocks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/cookies"
)

// FakeSession is an in-memory browser.Session. It keeps a cookie store that
// applies the browser's origin rules: a cookie is accepted only when the
// current host domain-matches the cookie domain, and secure cookies need an
// https origin. Stored domains are canonical, the way the jar sees them after
// a pull.
type FakeSession struct {
	mu sync.Mutex

	current string
	cookies map[[2]string]cookies.Record

	// Redirects maps a requested URL to the URL actually reached.
	Redirects map[string]string
	// Unreachable lists origins ("http://host") whose navigation fails.
	Unreachable map[string]bool
	// AcceptAll disables the origin rules.
	AcceptAll bool

	// Elements maps selectors to the nodes matching them.
	Elements map[string][]*cdp.Node
	// Children maps "<parent NodeID> <selector>" to matching descendants.
	Children map[string][]*cdp.Node
	// Hidden lists nodes that exist but are not visible.
	Hidden map[cdp.NodeID]bool
	// Disabled lists visible nodes that cannot be interacted with.
	Disabled map[cdp.NodeID]bool
	// Texts holds the text content of nodes.
	Texts map[cdp.NodeID]string
	// Follows maps clickable nodes to the URL the session moves to when
	// they are clicked.
	Follows map[cdp.NodeID]string
	// OnClick runs after a node is clicked, with the session lock released.
	OnClick func(s *FakeSession, node *cdp.Node)

	Navigations []string
	SetAttempts []cookies.Record
	Rejected    []cookies.Record
	Clicks      []cdp.NodeID
	Typed       map[cdp.NodeID]string
	Scripts     []string
	Sizes       [][2]int

	// Err, when set, fails every call.
	Err error
}

var _ browser.Session = (*FakeSession)(nil)

// NewFakeSession creates an empty session on about:blank.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		current:     "about:blank",
		cookies:     make(map[[2]string]cookies.Record),
		Redirects:   make(map[string]string),
		Unreachable: make(map[string]bool),
		Elements:    make(map[string][]*cdp.Node),
		Children:    make(map[string][]*cdp.Node),
		Hidden:      make(map[cdp.NodeID]bool),
		Disabled:    make(map[cdp.NodeID]bool),
		Texts:       make(map[cdp.NodeID]string),
		Follows:     make(map[cdp.NodeID]string),
		Typed:       make(map[cdp.NodeID]string),
	}
}

func (s *FakeSession) ID() string { return "fake-session" }

// Put stores a cookie directly, as a page script or response would.
func (s *FakeSession) Put(r cookies.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Domain = cookies.CanonicalDomain(r.Domain)
	s.cookies[[2]string{r.Domain, r.Name}] = r
}

// SetURL moves the session without recording a navigation.
func (s *FakeSession) SetURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = u
}

func (s *FakeSession) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", err
	}
	return s.current, nil
}

func (s *FakeSession) Navigate(ctx context.Context, rawURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", err
	}
	s.Navigations = append(s.Navigations, rawURL)

	reached := rawURL
	if to, ok := s.Redirects[rawURL]; ok {
		reached = to
	}
	u, err := url.Parse(reached)
	if err != nil {
		return "", err
	}
	if s.Unreachable[u.Scheme+"://"+u.Host] {
		return "", fmt.Errorf("failed to navigate to %s: net::ERR_CONNECTION_REFUSED", rawURL)
	}
	s.current = reached
	return reached, nil
}

func (s *FakeSession) SetCookie(ctx context.Context, r cookies.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.SetAttempts = append(s.SetAttempts, r)

	if !s.AcceptAll {
		u, err := url.Parse(s.current)
		if err != nil {
			return err
		}
		domain := cookies.CanonicalDomain(r.Domain)
		host := u.Hostname()
		matches := host == domain || strings.HasSuffix(host, "."+domain)
		if !matches || (r.Secure && u.Scheme != "https") {
			s.Rejected = append(s.Rejected, r)
			return fmt.Errorf("%w: %s on %s", browser.ErrCookieDomainRejected, r.Domain, s.current)
		}
	}

	r.Domain = cookies.CanonicalDomain(r.Domain)
	s.cookies[[2]string{r.Domain, r.Name}] = r
	return nil
}

// Cookies returns the stored cookies in no particular order.
func (s *FakeSession) Cookies(ctx context.Context) ([]cookies.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]cookies.Record, 0, len(s.cookies))
	for _, r := range s.cookies {
		out = append(out, r)
	}
	return out, nil
}

// Stored returns the cookie stored under (domain, name).
func (s *FakeSession) Stored(domain, name string) (cookies.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cookies[[2]string{domain, name}]
	return r, ok
}

func (s *FakeSession) Resize(ctx context.Context, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.Sizes = append(s.Sizes, [2]int{width, height})
	return nil
}

func (s *FakeSession) Nodes(ctx context.Context, selector string) ([]*cdp.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return append([]*cdp.Node(nil), s.Elements[selector]...), nil
}

func (s *FakeSession) NodesIn(ctx context.Context, parent *cdp.Node, selector string) ([]*cdp.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return append([]*cdp.Node(nil), s.Children[ChildKey(parent, selector)]...), nil
}

// ChildKey is the Children key of selector under parent.
func ChildKey(parent *cdp.Node, selector string) string {
	return fmt.Sprintf("%d %s", parent.NodeID, selector)
}

func (s *FakeSession) VisibleNode(ctx context.Context, selector string) (*cdp.Node, bool, error) {
	nodes, err := s.Nodes(ctx, selector)
	if err != nil || len(nodes) == 0 {
		return nil, false, err
	}
	return s.firstVisible(nodes[0])
}

func (s *FakeSession) VisibleNodeIn(ctx context.Context, parent *cdp.Node, selector string) (*cdp.Node, bool, error) {
	nodes, err := s.NodesIn(ctx, parent, selector)
	if err != nil || len(nodes) == 0 {
		return nil, false, err
	}
	return s.firstVisible(nodes[0])
}

func (s *FakeSession) firstVisible(node *cdp.Node) (*cdp.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Hidden[node.NodeID] {
		return nil, false, nil
	}
	return node, true, nil
}

func (s *FakeSession) Visible(ctx context.Context, node *cdp.Node) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	return !s.Hidden[node.NodeID], nil
}

func (s *FakeSession) Interactable(ctx context.Context, node *cdp.Node) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	return !s.Hidden[node.NodeID] && !s.Disabled[node.NodeID], nil
}

func (s *FakeSession) Click(ctx context.Context, node *cdp.Node) error {
	s.mu.Lock()
	if err := s.check(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.Clicks = append(s.Clicks, node.NodeID)
	if to, ok := s.Follows[node.NodeID]; ok {
		s.current = to
	}
	onClick := s.OnClick
	s.mu.Unlock()

	if onClick != nil {
		onClick(s, node)
	}
	return nil
}

func (s *FakeSession) SendKeys(ctx context.Context, node *cdp.Node, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.Typed[node.NodeID] += text
	return nil
}

func (s *FakeSession) Text(ctx context.Context, node *cdp.Node) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", err
	}
	return s.Texts[node.NodeID], nil
}

func (s *FakeSession) Evaluate(ctx context.Context, expression string, res interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.Scripts = append(s.Scripts, expression)
	return nil
}

// Mutate runs fn with the session locked, for tests that change the page
// between polls.
func (s *FakeSession) Mutate(fn func(s *FakeSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *FakeSession) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Err != nil {
		return s.Err
	}
	return nil
}

// ErrFakeSessionClosed can be assigned to Err to simulate a crashed tab.
var ErrFakeSessionClosed = errors.New("fake session closed")
