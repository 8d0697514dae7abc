// internal/browser/mjpeg_test.go
package browser

import (
	"bytes"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var startedAt = time.Date(2024, 5, 17, 9, 30, 5, 0, time.UTC)

func TestMJPEGWriter(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, tc := range []struct {
		name   string
		passed bool
		label  string
	}{
		{"passed run", true, "PASSED"},
		{"failed run", false, "FAILED"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			w, err := newMJPEGWriter(dir, "safeway-a", startedAt)
			require.NoError(t, err)

			frames := [][]byte{[]byte("\xff\xd8frame-one\xff\xd9"), []byte("\xff\xd8frame-two\xff\xd9")}
			for _, f := range frames {
				w.Push(f)
			}

			path, err := w.Finish(tc.passed)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, tc.label+"-safeway-a-20240517-093005.mjpeg"), path)
			_, err = os.Stat(filepath.Join(dir, "safeway-a-20240517-093005.mjpeg"))
			assert.True(t, os.IsNotExist(err), "the unlabelled file is renamed, not copied")

			written, dropped := w.Stats()
			assert.Equal(t, 2, written)
			assert.Zero(t, dropped)

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			r := multipart.NewReader(bytes.NewReader(raw), mjpegBoundary)
			for i := range frames {
				part, err := r.NextPart()
				require.NoError(t, err, "part %d", i)
				assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
				body, err := io.ReadAll(part)
				require.NoError(t, err)
				assert.Equal(t, frames[i], body)
			}
			_, err = r.NextPart()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestMJPEGWriterAfterFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := newMJPEGWriter(t.TempDir(), "cvs-b", startedAt)
	require.NoError(t, err)
	_, err = w.Finish(true)
	require.NoError(t, err)

	w.Push([]byte("late"))
	written, _ := w.Stats()
	assert.Zero(t, written)

	_, err = w.Finish(true)
	assert.ErrorContains(t, err, "already finalized")
}

func TestMJPEGWriterBadDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := newMJPEGWriter(file, "x", startedAt)
	assert.Error(t, err)
}
