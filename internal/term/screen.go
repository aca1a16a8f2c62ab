// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package term renders the row model emitted by the display core onto a
// character-cell terminal. The core only depends on the Screen interface;
// the termenv implementation below is the production renderer.
package term

import (
	"fmt"
	"os"
	"strings"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Frame is one rendered page: a title line, an optional column header,
// data rows with an optional highlighted index, and a status line.
type Frame struct {
	Title     string
	Header    string
	Rows      []string
	Highlight int // -1 for none
	Status    string
}

// Screen is the terminal surface consumed by the display thread.
type Screen interface {
	// Size returns the character-cell dimensions.
	Size() (width, height int)
	// Render replaces the visible frame.
	Render(frame Frame)
	// Warn shows a transient warning line.
	Warn(msg string)
	// Rebuild re-creates the surface after a resize.
	Rebuild()
	// Close restores the terminal.
	Close()
}

// TermScreen renders with ANSI sequences through termenv.
type TermScreen struct {
	out    *termenv.Output
	width  int
	height int
}

func NewTermScreen() *TermScreen {
	s := &TermScreen{out: termenv.NewOutput(os.Stdout)}
	s.Rebuild()
	s.out.AltScreen()
	s.out.HideCursor()
	return s
}

func (s *TermScreen) Size() (int, int) {
	return s.width, s.height
}

func (s *TermScreen) Rebuild() {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		w, h = 80, 24
	}
	s.width, s.height = w, h
}

func (s *TermScreen) Render(frame Frame) {
	s.out.ClearScreen()

	bold := func(line string) string {
		return termenv.String(line).Bold().String()
	}
	invert := func(line string) string {
		return termenv.String(line).Reverse().String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\r\n", bold(clip(frame.Title, s.width)))
	if frame.Header != "" {
		fmt.Fprintf(&b, "%s\r\n", invert(pad(frame.Header, s.width)))
	}

	maxRows := s.height - 4
	for i, row := range frame.Rows {
		if i >= maxRows {
			break
		}
		line := clip(row, s.width)
		if i == frame.Highlight {
			line = invert(pad(line, s.width))
		}
		fmt.Fprintf(&b, "%s\r\n", line)
	}

	if frame.Status != "" {
		fmt.Fprintf(&b, "\r\n%s", bold(clip(frame.Status, s.width)))
	}
	fmt.Fprint(s.out, b.String())
}

func (s *TermScreen) Warn(msg string) {
	s.out.ClearScreen()
	fmt.Fprintf(s.out, "%s\r\n", termenv.String(clip(msg, s.width)).Bold().String())
}

func (s *TermScreen) Close() {
	s.out.ShowCursor()
	s.out.ExitAltScreen()
}

func clip(line string, width int) string {
	if width > 0 && len(line) > width {
		return line[:width]
	}
	return line
}

func pad(line string, width int) string {
	if len(line) < width {
		return line + strings.Repeat(" ", width-len(line))
	}
	return line
}

// NullScreen discards output; used by tests and dump-only runs.
type NullScreen struct {
	Width    int
	Height   int
	Frames   []Frame
	Warnings []string
}

func NewNullScreen(width, height int) *NullScreen {
	return &NullScreen{Width: width, Height: height}
}

func (s *NullScreen) Size() (int, int) {
	return s.Width, s.Height
}

func (s *NullScreen) Render(frame Frame) {
	s.Frames = append(s.Frames, frame)
}

func (s *NullScreen) Warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

func (s *NullScreen) Rebuild() {}

func (s *NullScreen) Close() {}
