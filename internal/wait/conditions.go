// internal/wait/conditions.go
package wait

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
)

// UntilVisible waits for the first element matching selector to be visible.
func (p *Policy) UntilVisible(ctx context.Context, selector string) (*cdp.Node, error) {
	return Until(ctx, p, "element "+selector+" to be visible", func(ctx context.Context) (*cdp.Node, bool, error) {
		return p.page.VisibleNode(ctx, selector)
	})
}

// UntilChildVisible waits for a descendant of parent matching selector to be visible.
func (p *Policy) UntilChildVisible(ctx context.Context, parent *cdp.Node, selector string) (*cdp.Node, error) {
	return Until(ctx, p, "child element "+selector+" to be visible", func(ctx context.Context) (*cdp.Node, bool, error) {
		return p.page.VisibleNodeIn(ctx, parent, selector)
	})
}

// UntilURLIs waits for the current URL to equal target once both are canonicalized.
func (p *Policy) UntilURLIs(ctx context.Context, target string) error {
	want := p.canonicalize(target)
	return p.Until(ctx, "current URL to be "+target, func(ctx context.Context) (bool, error) {
		current, err := p.page.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return p.canonicalize(current) == want, nil
	})
}

// UntilURLIsNot waits for the current URL to differ from target once both are canonicalized.
func (p *Policy) UntilURLIsNot(ctx context.Context, target string) error {
	unwanted := p.canonicalize(target)
	return p.Until(ctx, "current URL to not be "+target, func(ctx context.Context) (bool, error) {
		current, err := p.page.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return p.canonicalize(current) != unwanted, nil
	})
}
