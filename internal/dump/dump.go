// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package dump writes a plain-text rendition of every displayed frame to
// the dump file. Frames are assembled in an in-memory cache and flushed
// whole, so a frame interrupted mid-render never interleaves with the
// next. Files named *.gz are compressed on the fly.
package dump

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/antimetal/numascope/pkg/ringbuffer"
)

// historyFrames bounds the in-memory frame history kept for debugging.
const historyFrames = 32

// Writer is the dump sink. An empty path produces a writer that writes no
// file but still records frames in the history, so callers never need to
// branch.
type Writer struct {
	mu sync.Mutex

	file io.WriteCloser
	gz   *gzip.Writer
	out  io.Writer

	cacheMode bool
	cache     strings.Builder

	history *ringbuffer.RingBuffer[string]
}

// NewWriter opens the dump file; an empty path yields a disabled writer.
func NewWriter(path string) (*Writer, error) {
	w := &Writer{}
	w.history, _ = ringbuffer.New[string](historyFrames)

	if path == "" {
		return w, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create dump file %s: %w", path, err)
	}
	w.file = f
	w.out = f

	if strings.HasSuffix(path, ".gz") {
		w.gz = gzip.NewWriter(f)
		w.out = w.gz
	}
	return w, nil
}

// Enabled reports whether frames go to a file.
func (w *Writer) Enabled() bool {
	return w != nil && w.out != nil
}

// Writef appends formatted text, honouring cache mode.
func (w *Writer) Writef(format string, args ...any) {
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cacheMode {
		fmt.Fprintf(&w.cache, format, args...)
		return
	}
	if w.out != nil {
		fmt.Fprintf(w.out, format, args...)
	}
}

// cacheStart switches to cache mode; subsequent writes accumulate.
func (w *Writer) cacheStart() {
	w.mu.Lock()
	w.cacheMode = true
	w.cache.Reset()
	w.mu.Unlock()
}

// cacheFlush writes the accumulated frame out and leaves cache mode.
func (w *Writer) cacheFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := w.cache.String()
	w.cacheMode = false
	w.cache.Reset()

	w.history.Push(frame)
	if w.out != nil {
		io.WriteString(w.out, frame)
	}
}

// WriteFrame dumps one rendered page.
func (w *Writer) WriteFrame(title, header string, rows []string, status string) {
	if w == nil {
		return
	}

	w.cacheStart()
	w.Writef("\n%s\n", title)
	if header != "" {
		w.Writef("%s\n", header)
	}
	for _, row := range rows {
		w.Writef("%s\n", row)
	}
	if status != "" {
		w.Writef("%s\n", status)
	}
	w.cacheFlush()
}

// History returns the retained recent frames, oldest first.
func (w *Writer) History() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.history.GetAll()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return err
		}
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
