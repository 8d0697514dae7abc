// internal/browser/mjpeg.go
package browser

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	mjpegBoundary   = "frame"
	frameBufferSize = 64
	labelPassed     = "PASSED"
	labelFailed     = "FAILED"
)

// mjpegWriter streams JPEG frames into a multipart/x-mixed-replace file, the
// container browsers and most players read as Motion-JPEG.
type mjpegWriter struct {
	dir  string
	base string
	file *os.File
	mw   *multipart.Writer

	frames chan []byte
	group  errgroup.Group

	mu      sync.Mutex
	closed  bool
	written int
	dropped int
}

// newMJPEGWriter creates <dir>/<name>-<yyyyMMdd-HHmmss>.mjpeg and starts the writer goroutine.
func newMJPEGWriter(dir, name string, startedAt time.Time) (*mjpegWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	base := fmt.Sprintf("%s-%s.mjpeg", name, startedAt.Format("20060102-150405"))
	file, err := os.Create(filepath.Join(dir, base))
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	w := &mjpegWriter{
		dir:    dir,
		base:   base,
		file:   file,
		mw:     multipart.NewWriter(file),
		frames: make(chan []byte, frameBufferSize),
	}
	if err := w.mw.SetBoundary(mjpegBoundary); err != nil {
		file.Close()
		return nil, err
	}
	w.group.Go(w.drain)
	return w, nil
}

func (w *mjpegWriter) drain() error {
	var errs error
	for frame := range w.frames {
		if errs != nil {
			// Keep draining so producers never block.
			continue
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "image/jpeg")
		header.Set("Content-Length", strconv.Itoa(len(frame)))
		part, err := w.mw.CreatePart(header)
		if err == nil {
			_, err = part.Write(frame)
		}
		if err != nil {
			errs = fmt.Errorf("failed to write frame: %w", err)
			continue
		}
		w.mu.Lock()
		w.written++
		w.mu.Unlock()
	}
	return errs
}

// Push queues a frame. Frames arriving after Finish, or while the writer is
// backed up, are dropped.
func (w *mjpegWriter) Push(frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.frames <- frame:
	default:
		w.dropped++
	}
}

// Finish flushes the file and renames it to <PASSED|FAILED>-<base>. It
// returns the final path.
func (w *mjpegWriter) Finish(passed bool) (string, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return "", errors.New("recording already finalized")
	}
	w.closed = true
	close(w.frames)
	w.mu.Unlock()

	err := w.group.Wait()
	err = multierr.Append(err, w.mw.Close())
	err = multierr.Append(err, w.file.Close())

	label := labelFailed
	if passed {
		label = labelPassed
	}
	final := filepath.Join(w.dir, label+"-"+w.base)
	if renameErr := os.Rename(w.file.Name(), final); renameErr != nil {
		return "", multierr.Append(err, fmt.Errorf("failed to label recording: %w", renameErr))
	}
	return final, err
}

// Stats reports written and dropped frame counts.
func (w *mjpegWriter) Stats() (written, dropped int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.dropped
}
