package storage

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const progressInterval = time.Second

// progressLogger turns the sideband progress of clone and push into debug
// logs, at most one line per interval.
type progressLogger struct {
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
	buf  []byte
}

func newProgressLogger(logger *zap.Logger, now func() time.Time) *progressLogger {
	return &progressLogger{logger: logger, now: now}
}

func (p *progressLogger) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, b...)
	// Progress lines are terminated by either \r or \n.
	i := bytes.LastIndexAny(p.buf, "\r\n")
	if i < 0 {
		return len(b), nil
	}
	lines := strings.FieldsFunc(string(p.buf[:i]), func(r rune) bool { return r == '\r' || r == '\n' })
	p.buf = append(p.buf[:0], p.buf[i+1:]...)
	if len(lines) == 0 {
		return len(b), nil
	}

	now := p.now()
	if !p.last.IsZero() && now.Sub(p.last) < progressInterval {
		return len(b), nil
	}
	p.last = now
	p.logger.Debug("Git progress.", zap.String("status", strings.TrimSpace(lines[len(lines)-1])))
	return len(b), nil
}
