// internal/browser/screencast.go
package browser

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/config"
)

// screencast records a tab through CDP Page.startScreencast.
type screencast struct {
	session *chromeSession
	writer  *mjpegWriter
	logger  *zap.Logger
}

func startScreencast(ctx context.Context, session *chromeSession, cfg config.RecordingConfig, name string, logger *zap.Logger) (*screencast, error) {
	writer, err := newMJPEGWriter(cfg.Dir, name, time.Now())
	if err != nil {
		return nil, err
	}
	sc := &screencast{session: session, writer: writer, logger: logger.With(zap.String("recording", name))}

	// Frame events arrive on the tab's event goroutine; acks go out on their own
	// goroutine so the listener never blocks.
	chromedp.ListenTarget(session.ctx, func(ev interface{}) {
		frame, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		if data, err := base64.StdEncoding.DecodeString(frame.Data); err == nil {
			writer.Push(data)
		}
		go func(id int64) {
			_ = chromedp.Run(session.ctx, page.ScreencastFrameAck(id))
		}(frame.SessionID)
	})

	everyNth := int64(cfg.EveryNthFrame)
	if everyNth < 1 {
		everyNth = 1
	}
	start := page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(int64(cfg.Quality)).
		WithEveryNthFrame(everyNth)
	if err := session.run(ctx, start); err != nil {
		_, _ = writer.Finish(false)
		return nil, err
	}
	return sc, nil
}

// Finalize stops the screencast and labels the file with the outcome.
func (sc *screencast) Finalize(ctx context.Context, passed bool) error {
	if err := sc.session.run(ctx, page.StopScreencast()); err != nil && sc.session.ctx.Err() == nil {
		sc.logger.Debug("Could not stop screencast.", zap.Error(err))
	}
	path, err := sc.writer.Finish(passed)
	written, dropped := sc.writer.Stats()
	if err != nil {
		return err
	}
	sc.logger.Info("Recording saved.", zap.String("path", path), zap.Int("frames", written), zap.Int("dropped", dropped))
	return nil
}
