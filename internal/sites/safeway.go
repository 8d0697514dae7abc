package sites

import (
	"context"
	"fmt"
	"slices"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

const (
	SafewaySignInURL  = "https://safeway.com/account/sign-in.html"
	SafewayCouponsURL = "https://safeway.com/foru/coupons-deals.html"

	safewayAcceptCookies  = "#onetrust-accept-btn-handler"
	safewayUserID         = ".sign-in-wrapper input[name=userId]"
	safewayPassword       = ".sign-in-wrapper input[name=inputPassword]"
	safewaySignIn         = ".sign-in-wrapper #btnSignIn"
	safewayBanners        = ".banner-experiencefragment"
	safewayClippable      = ".grid-coupon-container:has(.btn.grid-coupon-btn)"
	safewayCoupon         = ".grid-coupon-container"
	safewayClipButton     = ".btn.grid-coupon-btn"
	safewayCouponTitle    = ".grid-coupon-description-text-title"
	safewayClippedMarker  = ".coupon-clipped-container"
	safewayLoadMore       = ".load-more-container .btn.load-more"
	safewayLoadMoreRounds = 3
)

// Safeway signs in when needed and clips every coupon, loading more until
// the page stops growing.
type Safeway struct {
	logger *zap.Logger
}

var (
	_ site.Task             = (*Safeway)(nil)
	_ site.URLCanonicalizer = (*Safeway)(nil)
)

// NewSafeway creates the Safeway task.
func NewSafeway(logger *zap.Logger) *Safeway {
	return &Safeway{logger: logger.Named("safeway")}
}

// CanonicalizeURL ignores fragments as well as the www. prefix; the site
// moves between them freely.
func (s *Safeway) CanonicalizeURL(rawURL string) string {
	return wait.Chain(wait.StripWWW, wait.StripFragment)(rawURL)
}

func (s *Safeway) Execute(ctx context.Context, session browser.Session, policy *wait.Policy, auth site.Auth) error {
	if err := s.signIn(ctx, session, policy, auth); err != nil {
		return fmt.Errorf("safeway sign in: %w", err)
	}
	if err := s.clipAll(ctx, session, policy); err != nil {
		return fmt.Errorf("safeway clipping: %w", err)
	}
	return nil
}

func (s *Safeway) signIn(ctx context.Context, session browser.Session, policy *wait.Policy, auth site.Auth) error {
	s.logger.Info("Checking login status.")
	if _, err := session.Navigate(ctx, SafewaySignInURL); err != nil {
		return err
	}
	if err := policy.RandomDelay(ctx); err != nil {
		return err
	}
	if err := s.acceptCookies(ctx, session, policy); err != nil {
		return err
	}

	current, err := session.CurrentURL(ctx)
	if err != nil {
		return err
	}
	if policy.Canonicalize(current) != policy.Canonicalize(SafewaySignInURL) {
		s.logger.Info("Already signed in.")
		return nil
	}

	s.logger.Info("Signing in.")
	if err := fill(ctx, policy, session, safewayUserID, auth.Login); err != nil {
		return err
	}
	if err := fill(ctx, policy, session, safewayPassword, auth.Secret); err != nil {
		return err
	}
	if err := click(ctx, policy, session, safewaySignIn); err != nil {
		return err
	}
	return policy.UntilURLIsNot(ctx, SafewaySignInURL)
}

func (s *Safeway) acceptCookies(ctx context.Context, session browser.Session, policy *wait.Policy) error {
	clicked, err := clickIfInteractable(ctx, session, safewayAcceptCookies)
	if err != nil || !clicked {
		return err
	}
	return policy.RandomDelay(ctx)
}

func (s *Safeway) clipAll(ctx context.Context, session browser.Session, policy *wait.Policy) error {
	s.logger.Info("Opening coupons page.")
	if _, err := session.Navigate(ctx, SafewayCouponsURL); err != nil {
		return err
	}
	if err := policy.RandomDelay(ctx); err != nil {
		return err
	}
	if err := s.acceptCookies(ctx, session, policy); err != nil {
		return err
	}
	if err := session.Evaluate(ctx, removeAllJS(safewayBanners), nil); err != nil {
		return err
	}

	for {
		if err := s.clipVisible(ctx, session, policy); err != nil {
			return err
		}

		loaded := false
		for i := 0; i < safewayLoadMoreRounds; i++ {
			more, err := s.loadMore(ctx, session, policy)
			if err != nil {
				return err
			}
			loaded = loaded || more
		}
		if !loaded {
			return nil
		}
	}
}

// clipVisible clips coupons bottom-up, re-reading the grid after every clip
// since clipping re-renders it, until a pass clips nothing.
func (s *Safeway) clipVisible(ctx context.Context, session browser.Session, policy *wait.Policy) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		containers, err := session.Nodes(ctx, safewayClippable)
		if err != nil {
			return err
		}
		slices.Reverse(containers)

		clipped := false
		for _, container := range containers {
			clipped, err = s.clip(ctx, session, policy, container)
			if err != nil {
				return err
			}
			if clipped {
				break
			}
		}
		if !clipped {
			return nil
		}
	}
}

func (s *Safeway) clip(ctx context.Context, session browser.Session, policy *wait.Policy, container *cdp.Node) (bool, error) {
	button, ok, err := interactable(ctx, session, container, safewayClipButton)
	if err != nil || !ok {
		return false, err
	}
	title, err := childText(ctx, session, container, safewayCouponTitle)
	if err != nil {
		return false, err
	}

	s.logger.Info("Clipping coupon.", zap.String("title", title))
	if err := session.Click(ctx, button); err != nil {
		return false, err
	}

	err = policy.Until(ctx, "coupon "+title+" to be clipped", func(ctx context.Context) (bool, error) {
		visible, err := session.Visible(ctx, container)
		if err != nil {
			return false, err
		}
		if !visible {
			return true, nil
		}
		_, shown, err := session.VisibleNodeIn(ctx, container, safewayClippedMarker)
		return shown, err
	})
	return err == nil, err
}

func (s *Safeway) loadMore(ctx context.Context, session browser.Session, policy *wait.Policy) (bool, error) {
	button, ok, err := interactable(ctx, session, nil, safewayLoadMore)
	if err != nil || !ok {
		return false, err
	}
	before, err := count(ctx, session, safewayCoupon)
	if err != nil {
		return false, err
	}

	s.logger.Info("Loading more coupons.", zap.Int("loaded", before))
	if err := session.Click(ctx, button); err != nil {
		return false, err
	}
	if _, err := untilCountExceeds(ctx, policy, session, safewayCoupon, before); err != nil {
		return false, err
	}
	return true, session.Evaluate(ctx, scrollTopJS, nil)
}
