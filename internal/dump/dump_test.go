// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package dump

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledWriterIsSafe(t *testing.T) {
	w, err := NewWriter("")
	require.NoError(t, err)
	assert.False(t, w.Enabled())

	w.Writef("nothing %d\n", 1)
	w.WriteFrame("title", "hdr", []string{"row"}, "status")
	require.NoError(t, w.Close())

	// Frames are still retained in the history.
	history := w.History()
	require.Len(t, history, 1)
	assert.Contains(t, history[0], "title")
}

func TestWriteFrameFlushesWholeFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.txt")
	w, err := NewWriter(path)
	require.NoError(t, err)

	w.WriteFrame("Node overview", "NODE RMA", []string{"0 100", "1 200"}, "interval: 5.0s")
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "Node overview\n")
	assert.Contains(t, text, "NODE RMA\n")
	assert.Contains(t, text, "0 100\n1 200\n")
	assert.Contains(t, text, "interval: 5.0s\n")
}

func TestGzipOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.txt.gz")
	w, err := NewWriter(path)
	require.NoError(t, err)

	w.WriteFrame("compressed frame", "", []string{"row1"}, "")
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(data), "compressed frame")
}

func TestHistoryBounded(t *testing.T) {
	w, err := NewWriter("")
	require.NoError(t, err)

	for i := 0; i < historyFrames+10; i++ {
		w.WriteFrame("frame", "", nil, "")
	}
	assert.Len(t, w.History(), historyFrames)
}

func TestCacheModeDoesNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.txt")
	w, err := NewWriter(path)
	require.NoError(t, err)

	w.cacheStart()
	w.Writef("partial frame line\n")
	// Writes made in cache mode reach the file only at the flush, ahead of
	// later direct writes.
	w.cacheFlush()
	w.Writef("after\n")
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "partial frame line\n"))
	assert.Contains(t, string(data), "after\n")
}
