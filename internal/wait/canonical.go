// internal/wait/canonical.go
package wait

import (
	"net/url"
	"strings"
)

// Canonicalizer normalizes a URL before it is compared. Implementations must be pure.
type Canonicalizer func(rawURL string) string

// StripWWW removes a leading "www." from the host. Unparseable input is returned as is.
func StripWWW(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if !strings.HasPrefix(strings.ToLower(u.Host), "www.") {
		return rawURL
	}
	u.Host = u.Host[len("www."):]
	return u.String()
}

// StripFragment removes the "#..." part of a URL.
func StripFragment(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// Chain applies the canonicalizers left to right.
func Chain(cs ...Canonicalizer) Canonicalizer {
	return func(rawURL string) string {
		for _, c := range cs {
			rawURL = c(rawURL)
		}
		return rawURL
	}
}
