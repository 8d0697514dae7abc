// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/config"
)

// ChromeProvider provisions chromedp backed environments. Each environment is
// a separate browser process with a throwaway profile. With a remote DevTools
// URL the endpoint is expected to hand out a fresh browser per connection.
type ChromeProvider struct {
	browserCfg   config.BrowserConfig
	recordingCfg config.RecordingConfig
	logger       *zap.Logger
}

var _ Provider = (*ChromeProvider)(nil)

// NewChromeProvider creates a provider from the browser and recording settings.
func NewChromeProvider(cfg *config.Config, logger *zap.Logger) *ChromeProvider {
	return &ChromeProvider{
		browserCfg:   cfg.Browser,
		recordingCfg: cfg.Recording,
		logger:       logger.Named("browser_manager"),
	}
}

// Provision prepares the allocator of a new environment. The browser itself
// starts on the first Acquire.
func (p *ChromeProvider) Provision(ctx context.Context) (Environment, error) {
	env := &chromeEnvironment{
		recordingCfg: p.recordingCfg,
		logger:       p.logger,
	}

	if p.browserCfg.RemoteURL != "" {
		p.logger.Debug("Using remote browser.", zap.String("url", p.browserCfg.RemoteURL))
		env.allocCtx, env.allocCancel = chromedp.NewRemoteAllocator(ctx, p.browserCfg.RemoteURL)
	} else {
		env.allocCtx, env.allocCancel = chromedp.NewExecAllocator(ctx, p.buildAllocatorOptions()...)
	}
	env.contextOpts = append(env.contextOpts, chromedp.WithErrorf(env.logger.Sugar().Debugf))

	return env, nil
}

// buildAllocatorOptions assembles the launch flags for a local browser.
func (p *ChromeProvider) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		chromedp.Flag("headless", p.browserCfg.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("ignore-certificate-errors", p.browserCfg.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", p.browserCfg.Headless),
		chromedp.WindowSize(p.browserCfg.Window.Width, p.browserCfg.Window.Height),
	)

	if p.browserCfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(p.browserCfg.ExecPath))
	}

	// Custom arguments from the config file, "--name=value" or "--name".
	for _, arg := range p.browserCfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Required when running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

// chromeEnvironment owns one allocator and the tabs opened on it.
type chromeEnvironment struct {
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	contextOpts  []chromedp.ContextOption
	recordingCfg config.RecordingConfig
	logger       *zap.Logger

	mu       sync.Mutex
	sessions []*chromeSession
	released bool
}

// Acquire opens a tab. The tab context must not inherit the attempt deadline,
// so the attempt is bounded by waiting on ctx instead.
func (e *chromeEnvironment) Acquire(ctx context.Context) (Session, error) {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil, fmt.Errorf("environment already released")
	}
	e.mu.Unlock()

	tabCtx, cancelTab := chromedp.NewContext(e.allocCtx, e.contextOpts...)

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()

	select {
	case err := <-done:
		if err != nil {
			cancelTab()
			return nil, fmt.Errorf("failed to open browser tab: %w", err)
		}
	case <-ctx.Done():
		cancelTab()
		<-done
		return nil, fmt.Errorf("timed out opening browser tab: %w", ctx.Err())
	}

	session := newChromeSession(tabCtx, cancelTab, e.logger)
	e.mu.Lock()
	e.sessions = append(e.sessions, session)
	e.mu.Unlock()
	return session, nil
}

// Record starts a screencast of session into the recording directory.
func (e *chromeEnvironment) Record(ctx context.Context, s Session, name string) (Recording, error) {
	session, ok := s.(*chromeSession)
	if !ok {
		return nil, fmt.Errorf("cannot record session of type %T", s)
	}
	sc, err := startScreencast(ctx, session, e.recordingCfg, name, e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start screencast: %w", err)
	}
	return sc, nil
}

// Release closes every tab and then the allocator, which stops the browser
// and removes its temporary profile.
func (e *chromeEnvironment) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	sessions := e.sessions
	e.sessions = nil
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	e.allocCancel()
	e.logger.Debug("Browser environment released.", zap.Int("sessions", len(sessions)))
	return nil
}
