// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package console runs the keyboard thread: it multiplexes standard input
// with a control pipe, translates keystrokes to navigation commands and
// posts them to the display thread. The window-change signal handler does
// no work beyond writing one byte into the pipe.
package console

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/antimetal/numascope/internal/display"
)

// Control-pipe bytes.
const (
	pipeCharQuit   = 'Q'
	pipeCharResize = 'R'
)

// Key codes outside the printable command set.
const (
	keyCtrlC = 0x03
	keyEnter = 0x0d
	keyEsc   = 0x1b
)

// Console owns stdin and the control pipe.
type Console struct {
	disp   *display.Display
	logger logr.Logger

	cmtSupported bool

	pipeR *os.File
	pipeW *os.File

	restore func()
}

// New creates the console and its control pipe.
func New(disp *display.Display, cmtSupported bool, logger logr.Logger) (*Console, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create control pipe: %w", err)
	}
	return &Console{
		disp:         disp,
		logger:       logger.WithName("console"),
		cmtSupported: cmtSupported,
		pipeR:        r,
		pipeW:        w,
	}, nil
}

// NotifyQuit ends the console thread through the pipe.
func (c *Console) NotifyQuit() {
	if _, err := c.pipeW.Write([]byte{pipeCharQuit}); err != nil {
		c.logger.V(2).Info("failed to write quit byte", "error", err)
	}
}

// notifyResize runs on signal delivery and only writes the byte.
func (c *Console) notifyResize() {
	if _, err := c.pipeW.Write([]byte{pipeCharResize}); err != nil {
		c.logger.V(2).Info("failed to write resize byte", "error", err)
	}
}

// Run reads keystrokes and pipe bytes until quit. It places the terminal
// in raw mode for the duration.
func (c *Console) Run(ctx context.Context) error {
	stdinFD := int(os.Stdin.Fd())

	if term.IsTerminal(stdinFD) {
		oldState, err := term.MakeRaw(stdinFD)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		c.restore = func() { term.Restore(stdinFD, oldState) }
		defer c.restore()
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for {
			select {
			case <-winch:
				c.notifyResize()
			case <-ctx.Done():
				return
			}
		}
	}()

	defer c.pipeR.Close()
	defer c.pipeW.Close()

	pipeFD := int(c.pipeR.Fd())
	fds := []unix.PollFd{
		{Fd: int32(stdinFD), Events: unix.POLLIN},
		{Fd: int32(pipeFD), Events: unix.POLLIN},
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fds[0].Revents = 0
		fds[1].Revents = 0
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			var buf [1]byte
			if _, err := c.pipeR.Read(buf[:]); err != nil {
				return err
			}
			switch buf[0] {
			case pipeCharQuit:
				c.logger.V(2).Info("received quit byte")
				return nil
			case pipeCharResize:
				c.disp.PostCmd(display.Command{ID: display.CmdResize})
			}
			continue
		}

		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		var buf [3]byte
		nr, err := os.Stdin.Read(buf[:])
		if err != nil || nr == 0 {
			// The associated terminal may be gone.
			c.logger.V(2).Info("stdin read failed", "error", err)
			return nil
		}

		c.handleKey(buf[:nr])
	}
}

// handleKey translates one keystroke. Arrow-key escape sequences and Enter
// are relayed as scroll keys before the command table is consulted; keys
// the command table does not know are ignored.
func (c *Console) handleKey(buf []byte) {
	// Arrow keys arrive as ESC [ A / ESC [ B.
	if len(buf) == 3 && buf[0] == keyEsc && buf[1] == '[' {
		switch buf[2] {
		case 'A':
			c.disp.PostScrollUp()
		case 'B':
			c.disp.PostScrollDown()
		}
		return
	}

	ch := lower(buf[0])
	if ch == keyCtrlC {
		c.disp.Quit()
		return
	}
	if ch == keyEnter {
		c.disp.PostScrollEnter()
		return
	}

	id := display.CommandForKey(ch, c.disp.CurrentViewType(), c.cmtSupported)
	if id == display.CmdInvalid {
		return
	}

	if id == display.CmdQuit {
		c.disp.Quit()
		return
	}
	c.disp.PostCmd(display.Command{ID: id})
}

func lower(ch byte) byte {
	if ch >= 'A' && ch <= 'Z' {
		return ch + 'a' - 'A'
	}
	return ch
}
