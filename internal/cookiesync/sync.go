// internal/cookiesync/sync.go
package cookiesync

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/browser"
	"github.com/xkilldash9x/coupon-clipper/internal/cookies"
)

// protocols are probed in this order for every domain.
var protocols = []string{"http", "https"}

// Synchronizer moves cookies between a jar and a live session.
type Synchronizer struct {
	logger *zap.Logger
}

// New creates a synchronizer.
func New(logger *zap.Logger) *Synchronizer {
	return &Synchronizer{logger: logger.Named("cookiesync")}
}

// Push replays records into session. Records without a domain are dropped.
// For each canonical domain the session loads <protocol>://<domain>/favicon.ico
// to get an origin cookies can be set on, then adds every record of that
// domain. A protocol reached through a redirect counts as attempted. Records
// the origin refuses are skipped.
func (s *Synchronizer) Push(ctx context.Context, session browser.Session, records []cookies.Record) error {
	for _, group := range cookies.GroupByCanonicalDomain(records) {
		if err := s.pushDomain(ctx, session, group); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) pushDomain(ctx context.Context, session browser.Session, group cookies.DomainGroup) error {
	logger := s.logger.With(zap.String("domain", group.Domain))
	attempted := make(map[string]bool, len(protocols))

	for _, protocol := range protocols {
		if attempted[protocol] {
			continue
		}
		attempted[protocol] = true

		probe := protocol + "://" + group.Domain + "/favicon.ico"
		reached, err := session.Navigate(ctx, probe)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debug("Favicon probe failed, skipping protocol.", zap.String("url", probe), zap.Error(err))
			continue
		}
		if u, err := url.Parse(reached); err == nil && u.Scheme != "" {
			attempted[u.Scheme] = true
		}

		added := 0
		for _, record := range group.Records {
			err := session.SetCookie(ctx, record)
			switch {
			case err == nil:
				added++
			case errors.Is(err, browser.ErrCookieDomainRejected):
				logger.Debug("Cookie not accepted by origin.",
					zap.String("cookie", record.Name), zap.String("origin", reached))
			default:
				return fmt.Errorf("failed to set cookie %s for %s: %w", record.Name, group.Domain, err)
			}
		}
		logger.Debug("Cookies pushed.", zap.String("origin", reached), zap.Int("added", added), zap.Int("total", len(group.Records)))
	}
	return nil
}

// Pull reads every cookie of session, drops those without a domain and
// returns the rest sorted by (domain, name).
func (s *Synchronizer) Pull(ctx context.Context, session browser.Session) ([]cookies.Record, error) {
	raw, err := session.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pull cookies: %w", err)
	}
	records := cookies.WithDomain(raw)
	cookies.Sort(records)
	s.logger.Debug("Cookies pulled.", zap.Int("count", len(records)), zap.Int("dropped", len(raw)-len(records)))
	return records, nil
}
