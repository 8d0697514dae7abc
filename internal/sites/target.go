package sites

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

const (
	TargetOffersURL = "https://www.target.com/circle/offers"

	targetSignIn     = "[data-test=featured-offers-sign-in] button"
	targetUsername   = "[name=username]"
	targetPassword   = "[name=password]"
	targetKeepSigned = "[for=keepMeSignedIn]"
	targetSubmit     = "[type=submit]"
	targetHeader     = "#@web/component-header"
	targetOffer      = ".offer-grid-card > .offer-card"
	targetLoadMore   = ".h-text-center button"
	targetClip       = "[data-test=button-default]"
	targetTitle      = "[data-test=offer-title]"
	targetConfirmed  = "[data-test=button-confirmed]"
)

// Target expands the offers grid and clips every offer on it.
type Target struct {
	logger *zap.Logger
}

var _ site.Task = (*Target)(nil)

func NewTarget(logger *zap.Logger) *Target {
	return &Target{logger: logger.Named("target")}
}

func (t *Target) Execute(ctx context.Context, session browser.Session, policy *wait.Policy, auth site.Auth) error {
	if _, err := session.Navigate(ctx, TargetOffersURL); err != nil {
		return err
	}
	if err := t.signIn(ctx, session, policy, auth); err != nil {
		return fmt.Errorf("target sign in: %w", err)
	}
	if err := session.Evaluate(ctx, removeAllJS(targetHeader), nil); err != nil {
		return err
	}
	if err := t.expand(ctx, session, policy); err != nil {
		return fmt.Errorf("target loading offers: %w", err)
	}
	return t.clipAll(ctx, session, policy)
}

func (t *Target) signIn(ctx context.Context, session browser.Session, policy *wait.Policy, auth site.Auth) error {
	button, ok, err := interactable(ctx, session, nil, targetSignIn)
	if err != nil {
		return err
	}
	if !ok {
		t.logger.Debug("Already signed in.")
		return nil
	}

	t.logger.Info("Signing in.")
	if err := session.Click(ctx, button); err != nil {
		return err
	}
	if err := fill(ctx, policy, session, targetUsername, auth.Login); err != nil {
		return err
	}
	if err := fill(ctx, policy, session, targetPassword, auth.Secret); err != nil {
		return err
	}
	if err := click(ctx, policy, session, targetKeepSigned); err != nil {
		return err
	}
	if err := click(ctx, policy, session, targetSubmit); err != nil {
		return err
	}
	return policy.UntilURLIs(ctx, TargetOffersURL)
}

// expand clicks "load more" for as long as it stays on the page.
func (t *Target) expand(ctx context.Context, session browser.Session, policy *wait.Policy) error {
	loadMore, err := policy.UntilVisible(ctx, targetLoadMore)
	if err != nil {
		return err
	}
	prev, err := count(ctx, session, targetOffer)
	if err != nil {
		return err
	}

	for {
		visible, err := session.Visible(ctx, loadMore)
		if err != nil {
			return err
		}
		if !visible {
			break
		}
		if err := session.Click(ctx, loadMore); err != nil {
			return err
		}
		if prev, err = untilCountExceeds(ctx, policy, session, targetOffer, prev); err != nil {
			return err
		}

		buttons, err := session.Nodes(ctx, targetLoadMore)
		if err != nil {
			return err
		}
		if len(buttons) == 0 {
			break
		}
		loadMore = buttons[0]
		if err := policy.RandomDelay(ctx); err != nil {
			return err
		}
	}
	return session.Evaluate(ctx, scrollTopJS, nil)
}

func (t *Target) clipAll(ctx context.Context, session browser.Session, policy *wait.Policy) error {
	offers, err := session.Nodes(ctx, targetOffer)
	if err != nil {
		return err
	}
	for _, offer := range offers {
		button, ok, err := interactable(ctx, session, offer, targetClip)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		title, err := childText(ctx, session, offer, targetTitle)
		if err != nil {
			return err
		}

		t.logger.Info("Clipping coupon.", zap.String("title", title))
		if err := session.Click(ctx, button); err != nil {
			return err
		}
		if _, err := policy.UntilChildVisible(ctx, offer, targetConfirmed); err != nil {
			return err
		}
	}
	return nil
}
