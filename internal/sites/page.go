// Package sites holds the retailer automations.
package sites

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

const (
	scrollTopJS    = "window.scrollTo(0, -document.body.scrollHeight)"
	scrollBottomJS = "window.scrollTo(0, document.body.scrollHeight)"
)

// removeAllJS removes every element matching selector, used for banners
// that cover the buttons.
func removeAllJS(selector string) string {
	return fmt.Sprintf("document.querySelectorAll(%q).forEach(element => element.remove())", selector)
}

// interactable returns the first node matching selector under parent (or the
// document when parent is nil) if it can be clicked.
func interactable(ctx context.Context, session browser.Session, parent *cdp.Node, selector string) (*cdp.Node, bool, error) {
	var (
		nodes []*cdp.Node
		err   error
	)
	if parent == nil {
		nodes, err = session.Nodes(ctx, selector)
	} else {
		nodes, err = session.NodesIn(ctx, parent, selector)
	}
	if err != nil || len(nodes) == 0 {
		return nil, false, err
	}
	ok, err := session.Interactable(ctx, nodes[0])
	if err != nil || !ok {
		return nil, false, err
	}
	return nodes[0], true, nil
}

// clickIfInteractable clicks the first node matching selector when it can be
// clicked and reports whether it did.
func clickIfInteractable(ctx context.Context, session browser.Session, selector string) (bool, error) {
	node, ok, err := interactable(ctx, session, nil, selector)
	if err != nil || !ok {
		return false, err
	}
	return true, session.Click(ctx, node)
}

// childText returns the trimmed text of the first descendant of parent
// matching selector.
func childText(ctx context.Context, session browser.Session, parent *cdp.Node, selector string) (string, error) {
	nodes, err := session.NodesIn(ctx, parent, selector)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", fmt.Errorf("no element %s in container", selector)
	}
	text, err := session.Text(ctx, nodes[0])
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func count(ctx context.Context, session browser.Session, selector string) (int, error) {
	nodes, err := session.Nodes(ctx, selector)
	return len(nodes), err
}

// untilCountExceeds waits for more than prev elements to match selector and
// returns the new count.
func untilCountExceeds(ctx context.Context, policy *wait.Policy, session browser.Session, selector string, prev int) (int, error) {
	return wait.Until(ctx, policy, fmt.Sprintf("more than %d %s", prev, selector), func(ctx context.Context) (int, bool, error) {
		n, err := count(ctx, session, selector)
		return n, err == nil && n > prev, err
	})
}

// fill waits for the field matching selector and types text into it.
func fill(ctx context.Context, policy *wait.Policy, session browser.Session, selector, text string) error {
	node, err := policy.UntilVisible(ctx, selector)
	if err != nil {
		return err
	}
	return session.SendKeys(ctx, node, text)
}

// click waits for the element matching selector and clicks it.
func click(ctx context.Context, policy *wait.Policy, session browser.Session, selector string) error {
	node, err := policy.UntilVisible(ctx, selector)
	if err != nil {
		return err
	}
	return session.Click(ctx, node)
}
