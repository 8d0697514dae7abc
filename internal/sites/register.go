package sites

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
	"github.com/xkilldash9x/coupon-clipper/internal/wait"
)

// Kind names, also the directory names of the stored records.
const (
	KindSafeway  = "safeway"
	KindTarget   = "target"
	KindCVS      = "cvs"
	KindTestSite = "test-site"
)

// TestSiteURL is the page loaded by the smoke test kind.
const TestSiteURL = "https://google.com/"

// TestSite loads a single public page. It checks the browser and storage
// plumbing end to end without touching a retailer.
type TestSite struct {
	logger *zap.Logger
}

func (t *TestSite) Execute(ctx context.Context, session browser.Session, _ *wait.Policy, _ site.Auth) error {
	t.logger.Info("Loading test page.", zap.String("url", TestSiteURL))
	_, err := session.Navigate(ctx, TestSiteURL)
	return err
}

// Register adds every supported retailer to r.
func Register(r *site.Registry, logger *zap.Logger) error {
	kinds := []site.Kind{
		{Name: KindSafeway, NewTask: func() site.Task { return NewSafeway(logger) }},
		{Name: KindTarget, Disabled: true, NewTask: func() site.Task { return NewTarget(logger) }},
		{Name: KindCVS, Disabled: true, NewTask: func() site.Task { return NewCVS(logger) }},
		{Name: KindTestSite, NewTask: func() site.Task { return &TestSite{logger: logger.Named("test_site")} }},
	}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding every supported retailer.
func NewRegistry(logger *zap.Logger) (*site.Registry, error) {
	r := site.NewRegistry()
	if err := Register(r, logger); err != nil {
		return nil, err
	}
	return r, nil
}
