// internal/browser/errors.go
package browser

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCookieDomainRejected is returned when the current origin cannot accept a
// cookie's domain.
var ErrCookieDomainRejected = errors.New("cookie domain rejected by current origin")

// AcquisitionError reports that no session could be obtained within the
// retry budget.
type AcquisitionError struct {
	Attempts int
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire browser session after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// RecordingFinalizeError reports a failure to stop or label a recording.
type RecordingFinalizeError struct {
	Name string
	Err  error
}

func (e *RecordingFinalizeError) Error() string {
	return fmt.Sprintf("failed to finalize recording %q: %v", e.Name, e.Err)
}

func (e *RecordingFinalizeError) Unwrap() error { return e.Err }

// RunError carries the primary failure of an environment run together with
// secondary failures raised while cleaning up after it.
type RunError struct {
	Primary   error
	Secondary []error
}

func (e *RunError) Error() string {
	if len(e.Secondary) == 0 {
		return e.Primary.Error()
	}
	msgs := make([]string, len(e.Secondary))
	for i, err := range e.Secondary {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%v (secondary: %s)", e.Primary, strings.Join(msgs, "; "))
}

// Unwrap exposes the primary error first, then the secondary ones.
func (e *RunError) Unwrap() []error {
	return append([]error{e.Primary}, e.Secondary...)
}

// withSecondary attaches secondary to primary. A nil primary promotes the
// first secondary error.
func withSecondary(primary error, secondary ...error) error {
	var rest []error
	for _, err := range secondary {
		if err != nil {
			rest = append(rest, err)
		}
	}
	if len(rest) == 0 {
		return primary
	}
	if primary == nil {
		primary, rest = rest[0], rest[1:]
		if len(rest) == 0 {
			return primary
		}
	}
	if existing, ok := primary.(*RunError); ok {
		existing.Secondary = append(existing.Secondary, rest...)
		return existing
	}
	return &RunError{Primary: primary, Secondary: rest}
}
