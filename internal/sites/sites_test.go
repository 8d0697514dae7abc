package sites_test

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/coupon-clipper/internal/mocks"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/sites"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

var shopper = site.Auth{Login: "shopper@example.com", Secret: "hunter2"}

func node(id int) *cdp.Node { return &cdp.Node{NodeID: cdp.NodeID(id)} }

func testPolicy(session *mocks.FakeSession, task site.Task) *wait.Policy {
	opts := []wait.Option{
		wait.WithTimeout(100 * time.Millisecond),
		wait.WithPollInterval(time.Millisecond),
		wait.WithSleep(func(context.Context, time.Duration) error { return nil }),
	}
	if c, ok := task.(site.URLCanonicalizer); ok {
		opts = append(opts, wait.WithURLCanonicalizer(c.CanonicalizeURL))
	}
	return wait.New(session, opts...)
}

// page wires click reactions into a fake session.
type page struct {
	*mocks.FakeSession
	reactions map[cdp.NodeID]func(s *mocks.FakeSession)
}

func newPage() *page {
	p := &page{FakeSession: mocks.NewFakeSession(), reactions: map[cdp.NodeID]func(*mocks.FakeSession){}}
	p.OnClick = func(s *mocks.FakeSession, n *cdp.Node) {
		if react, ok := p.reactions[n.NodeID]; ok {
			s.Mutate(react)
		}
	}
	return p
}

// coupon adds a container with a clip button and a title below it. Clicking
// the button shows marker inside the container.
func (p *page) coupon(container, button, title int, text, buttonSel, titleSel, marker string) *cdp.Node {
	c := node(container)
	p.Children[mocks.ChildKey(c, buttonSel)] = []*cdp.Node{node(button)}
	p.Children[mocks.ChildKey(c, titleSel)] = []*cdp.Node{node(title)}
	p.Texts[cdp.NodeID(title)] = "  " + text + "\n"
	p.reactions[cdp.NodeID(button)] = func(s *mocks.FakeSession) {
		s.Children[mocks.ChildKey(c, marker)] = []*cdp.Node{node(button + 1000)}
	}
	return c
}

func TestRegistry(t *testing.T) {
	r, err := sites.NewRegistry(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"cvs", "safeway", "target", "test-site"}, r.Names())

	for name, disabled := range map[string]bool{"safeway": false, "target": true, "cvs": true, "test-site": false} {
		k, ok := r.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, disabled, k.Disabled, name)
		assert.NotNil(t, k.NewTask(), name)
	}

	k, _ := r.Lookup("safeway")
	_, ok := k.NewTask().(site.URLCanonicalizer)
	assert.True(t, ok, "safeway compares URLs without fragments")

	assert.Error(t, sites.Register(r, zap.NewNop()), "kinds register once")
}

func TestSafewayCanonicalizeURL(t *testing.T) {
	s := sites.NewSafeway(zap.NewNop())
	assert.Equal(t, "https://safeway.com/account/sign-in.html", s.CanonicalizeURL("https://www.safeway.com/account/sign-in.html#signin"))
	assert.Equal(t, "https://safeway.com/foru", s.CanonicalizeURL("https://safeway.com/foru"))
}

const (
	safewayClippable = ".grid-coupon-container:has(.btn.grid-coupon-btn)"
	safewayCoupon    = ".grid-coupon-container"
	safewayButton    = ".btn.grid-coupon-btn"
	safewayTitle     = ".grid-coupon-description-text-title"
	safewayMarker    = ".coupon-clipped-container"
	safewayLoadMore  = ".load-more-container .btn.load-more"
)

func TestSafewaySignInAndClip(t *testing.T) {
	p := newPage()
	// The sign-in page answers on www with a fragment; it is still the sign-in page.
	p.Redirects[sites.SafewaySignInURL] = "https://www.safeway.com/account/sign-in.html#signin"

	p.Elements["#onetrust-accept-btn-handler"] = []*cdp.Node{node(1)}
	p.reactions[1] = func(s *mocks.FakeSession) { delete(s.Elements, "#onetrust-accept-btn-handler") }
	p.Elements[".sign-in-wrapper input[name=userId]"] = []*cdp.Node{node(2)}
	p.Elements[".sign-in-wrapper input[name=inputPassword]"] = []*cdp.Node{node(3)}
	p.Elements[".sign-in-wrapper #btnSignIn"] = []*cdp.Node{node(4)}
	p.Follows[4] = "https://www.safeway.com/"

	milk := p.coupon(10, 11, 12, "Milk", safewayButton, safewayTitle, safewayMarker)
	eggs := p.coupon(20, 21, 22, "Eggs", safewayButton, safewayTitle, safewayMarker)
	bread := p.coupon(40, 41, 42, "Bread", safewayButton, safewayTitle, safewayMarker)
	p.Elements[safewayClippable] = []*cdp.Node{milk, eggs}
	p.Elements[safewayCoupon] = []*cdp.Node{milk, eggs}
	// Clipped coupons lose their button and drop out of the clippable query.
	for _, c := range []struct {
		button int
		coupon *cdp.Node
	}{{11, milk}, {21, eggs}, {41, bread}} {
		mark := p.reactions[cdp.NodeID(c.button)]
		p.reactions[cdp.NodeID(c.button)] = func(s *mocks.FakeSession) {
			mark(s)
			s.Elements[safewayClippable] = without(s.Elements[safewayClippable], c.coupon)
		}
	}
	p.Elements[safewayLoadMore] = []*cdp.Node{node(30)}
	p.reactions[30] = func(s *mocks.FakeSession) {
		delete(s.Elements, safewayLoadMore)
		s.Elements[safewayCoupon] = append(s.Elements[safewayCoupon], bread)
		s.Elements[safewayClippable] = append(s.Elements[safewayClippable], bread)
	}

	task := sites.NewSafeway(zaptest.NewLogger(t))
	require.NoError(t, task.Execute(context.Background(), p, testPolicy(p.FakeSession, task), shopper))

	assert.Equal(t, []string{sites.SafewaySignInURL, sites.SafewayCouponsURL}, p.Navigations)
	assert.Equal(t, map[cdp.NodeID]string{2: "shopper@example.com", 3: "hunter2"}, p.Typed)
	assert.Equal(t, []cdp.NodeID{1, 4, 21, 11, 30, 41}, p.Clicks, "coupons are clipped bottom-up")
	assert.Contains(t, p.Scripts, "window.scrollTo(0, -document.body.scrollHeight)")
	require.NotEmpty(t, p.Scripts)
	assert.Contains(t, p.Scripts[0], ".banner-experiencefragment")
}

func TestSafewayAlreadySignedIn(t *testing.T) {
	p := newPage()
	p.Redirects[sites.SafewaySignInURL] = "https://www.safeway.com/foru/account.html"

	task := sites.NewSafeway(zap.NewNop())
	require.NoError(t, task.Execute(context.Background(), p, testPolicy(p.FakeSession, task), shopper))

	assert.Empty(t, p.Typed)
	assert.Empty(t, p.Clicks)
	assert.Equal(t, []string{sites.SafewaySignInURL, sites.SafewayCouponsURL}, p.Navigations)
}

func TestSafewayCouponNeverConfirms(t *testing.T) {
	p := newPage()
	p.Redirects[sites.SafewaySignInURL] = "https://safeway.com/"
	c := node(10)
	p.Elements[safewayClippable] = []*cdp.Node{c}
	p.Children[mocks.ChildKey(c, safewayButton)] = []*cdp.Node{node(11)}
	p.Children[mocks.ChildKey(c, safewayTitle)] = []*cdp.Node{node(12)}

	task := sites.NewSafeway(zap.NewNop())
	err := task.Execute(context.Background(), p, testPolicy(p.FakeSession, task), shopper)

	assert.ErrorIs(t, err, wait.ErrTimeout)
	assert.ErrorContains(t, err, "safeway clipping")
}

func TestSafewaySkipsDisabledCoupons(t *testing.T) {
	p := newPage()
	p.Redirects[sites.SafewaySignInURL] = "https://safeway.com/"
	c := p.coupon(10, 11, 12, "Soup", safewayButton, safewayTitle, safewayMarker)
	p.Elements[safewayClippable] = []*cdp.Node{c}
	p.Disabled[11] = true

	task := sites.NewSafeway(zap.NewNop())
	require.NoError(t, task.Execute(context.Background(), p, testPolicy(p.FakeSession, task), shopper))
	assert.Empty(t, p.Clicks)
}

const (
	targetOffer     = ".offer-grid-card > .offer-card"
	targetLoadMore  = ".h-text-center button"
	targetClip      = "[data-test=button-default]"
	targetTitle     = "[data-test=offer-title]"
	targetConfirmed = "[data-test=button-confirmed]"
)

func TestTargetSignInExpandAndClip(t *testing.T) {
	p := newPage()
	p.Elements["[data-test=featured-offers-sign-in] button"] = []*cdp.Node{node(1)}
	p.Elements["[name=username]"] = []*cdp.Node{node(2)}
	p.Elements["[name=password]"] = []*cdp.Node{node(3)}
	p.Elements["[for=keepMeSignedIn]"] = []*cdp.Node{node(4)}
	p.Elements["[type=submit]"] = []*cdp.Node{node(5)}

	first := p.coupon(10, 11, 12, "Cereal", targetClip, targetTitle, targetConfirmed)
	second := p.coupon(20, 21, 22, "Coffee", targetClip, targetTitle, targetConfirmed)
	p.Elements[targetOffer] = []*cdp.Node{first}
	p.Elements[targetLoadMore] = []*cdp.Node{node(30)}
	p.reactions[30] = func(s *mocks.FakeSession) {
		delete(s.Elements, targetLoadMore)
		s.Elements[targetOffer] = append(s.Elements[targetOffer], second)
	}

	task := sites.NewTarget(zaptest.NewLogger(t))
	require.NoError(t, task.Execute(context.Background(), p, testPolicy(p.FakeSession, task), shopper))

	assert.Equal(t, []string{sites.TargetOffersURL}, p.Navigations)
	assert.Equal(t, map[cdp.NodeID]string{2: "shopper@example.com", 3: "hunter2"}, p.Typed)
	assert.Equal(t, []cdp.NodeID{1, 4, 5, 30, 11, 21}, p.Clicks)
}

func TestTargetLoadMoreMissing(t *testing.T) {
	p := newPage()

	task := sites.NewTarget(zap.NewNop())
	err := task.Execute(context.Background(), p, testPolicy(p.FakeSession, task), shopper)

	assert.ErrorIs(t, err, wait.ErrTimeout)
	assert.ErrorContains(t, err, "target loading offers")
}

const (
	cvsCoupon  = ".coupon-box"
	cvsClip    = "button.action-items"
	cvsTitle   = ".description-button"
	cvsClipped = "div.action-items"
)

func TestCVSClipsUntilNoMoreLoad(t *testing.T) {
	p := newPage()
	p.Elements["#sendAllCouponsToCard button.button-primary-normal"] = []*cdp.Node{node(1)}
	open := p.coupon(10, 11, 12, "Vitamins", cvsClip, cvsTitle, cvsClipped)
	done := p.coupon(20, 21, 22, "Toothpaste", cvsClip, cvsTitle, cvsClipped)
	p.Disabled[21] = true
	p.Elements[cvsCoupon] = []*cdp.Node{open, done}

	task := sites.NewCVS(zaptest.NewLogger(t))
	require.NoError(t, task.Execute(context.Background(), p, testPolicy(p.FakeSession, task), shopper))

	assert.Empty(t, p.Typed, "already signed in")
	assert.Equal(t, []cdp.NodeID{1, 11}, p.Clicks)
	assert.Equal(t, []string{
		"window.scrollTo(0, document.body.scrollHeight)",
		"window.scrollTo(0, -document.body.scrollHeight)",
	}, p.Scripts)
}

func TestCVSSignInUsesSecret(t *testing.T) {
	p := newPage()
	p.Elements[".sign-in-block .sign-in"] = []*cdp.Node{node(1)}
	p.Elements["#login-container #emailField"] = []*cdp.Node{node(2)}
	p.Elements["#login-container .cvs-checkbox-wrapper label"] = []*cdp.Node{node(3)}
	p.Elements["#login-container button.primary"] = []*cdp.Node{node(4)}
	p.Elements["#login-container #cvs-password-field-input"] = []*cdp.Node{node(5)}
	p.Elements["#sendAllCouponsToCard button.button-primary-normal"] = []*cdp.Node{node(6)}

	task := sites.NewCVS(zap.NewNop())
	require.NoError(t, task.Execute(context.Background(), p, testPolicy(p.FakeSession, task), shopper))

	assert.Equal(t, map[cdp.NodeID]string{2: "shopper@example.com", 5: "hunter2"}, p.Typed)
	assert.Equal(t, []cdp.NodeID{1, 3, 4, 4, 6}, p.Clicks)
}

func TestTestSite(t *testing.T) {
	r, err := sites.NewRegistry(zap.NewNop())
	require.NoError(t, err)
	k, _ := r.Lookup(sites.KindTestSite)

	p := newPage()
	require.NoError(t, k.NewTask().Execute(context.Background(), p, testPolicy(p.FakeSession, nil), shopper))
	assert.Equal(t, []string{sites.TestSiteURL}, p.Navigations)
}

func without(nodes []*cdp.Node, drop *cdp.Node) []*cdp.Node {
	out := nodes[:0:0]
	for _, n := range nodes {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}
