package sites

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

const (
	CVSOffersURL = "https://www.cvs.com/extracare/home"

	cvsSignIn      = ".sign-in-block .sign-in"
	cvsEmail       = "#login-container #emailField"
	cvsRemember    = "#login-container .cvs-checkbox-wrapper label"
	cvsContinue    = "#login-container button.primary"
	cvsPassword    = "#login-container #cvs-password-field-input"
	cvsSendAll     = "#sendAllCouponsToCard button.button-primary-normal"
	cvsCoupon      = ".coupon-box"
	cvsClip        = "button.action-items"
	cvsTitle       = ".description-button"
	cvsClippedMark = "div.action-items"
)

// CVS sends every ExtraCare coupon to the card, then clips the rest one by one.
type CVS struct {
	logger *zap.Logger
}

var _ site.Task = (*CVS)(nil)

func NewCVS(logger *zap.Logger) *CVS {
	return &CVS{logger: logger.Named("cvs")}
}

func (c *CVS) Execute(ctx context.Context, session browser.Session, policy *wait.Policy, auth site.Auth) error {
	if _, err := session.Navigate(ctx, CVSOffersURL); err != nil {
		return err
	}
	if err := policy.RandomDelay(ctx); err != nil {
		return err
	}
	if err := c.signIn(ctx, session, policy, auth); err != nil {
		return fmt.Errorf("cvs sign in: %w", err)
	}
	if err := click(ctx, policy, session, cvsSendAll); err != nil {
		return err
	}
	if err := c.loadAll(ctx, session, policy); err != nil {
		return fmt.Errorf("cvs loading coupons: %w", err)
	}
	return c.clipAll(ctx, session, policy)
}

func (c *CVS) signIn(ctx context.Context, session browser.Session, policy *wait.Policy, auth site.Auth) error {
	button, ok, err := interactable(ctx, session, nil, cvsSignIn)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debug("Already signed in.")
		return nil
	}

	c.logger.Debug("Signing in.")
	if err := session.Click(ctx, button); err != nil {
		return err
	}
	if err := fill(ctx, policy, session, cvsEmail, auth.Login); err != nil {
		return err
	}
	if err := click(ctx, policy, session, cvsRemember); err != nil {
		return err
	}
	if err := click(ctx, policy, session, cvsContinue); err != nil {
		return err
	}
	if err := fill(ctx, policy, session, cvsPassword, auth.Secret); err != nil {
		return err
	}
	if err := click(ctx, policy, session, cvsContinue); err != nil {
		return err
	}
	return policy.UntilURLIs(ctx, CVSOffersURL)
}

// loadAll scrolls to the bottom until no more coupons arrive within the
// policy timeout.
func (c *CVS) loadAll(ctx context.Context, session browser.Session, policy *wait.Policy) error {
	prev, err := count(ctx, session, cvsCoupon)
	if err != nil {
		return err
	}
	for {
		c.logger.Debug("Loading more coupons.", zap.Int("loaded", prev))
		if err := session.Evaluate(ctx, scrollBottomJS, nil); err != nil {
			return err
		}
		next, err := untilCountExceeds(ctx, policy, session, cvsCoupon, prev)
		if errors.Is(err, wait.ErrTimeout) {
			break
		}
		if err != nil {
			return err
		}
		prev = next
	}
	return session.Evaluate(ctx, scrollTopJS, nil)
}

func (c *CVS) clipAll(ctx context.Context, session browser.Session, policy *wait.Policy) error {
	coupons, err := session.Nodes(ctx, cvsCoupon)
	if err != nil {
		return err
	}
	for _, coupon := range coupons {
		button, ok, err := interactable(ctx, session, coupon, cvsClip)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		title, err := childText(ctx, session, coupon, cvsTitle)
		if err != nil {
			return err
		}

		c.logger.Info("Clipping coupon.", zap.String("title", title))
		if err := session.Click(ctx, button); err != nil {
			return err
		}
		if _, err := policy.UntilChildVisible(ctx, coupon, cvsClippedMark); err != nil {
			return err
		}
	}
	return nil
}
