// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package display

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/numascope/internal/dump"
	"github.com/antimetal/numascope/internal/sampler"
	"github.com/antimetal/numascope/internal/term"
	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/numa"
	"github.com/antimetal/numascope/pkg/perf/plat"
	"github.com/antimetal/numascope/pkg/proc"
	"github.com/antimetal/numascope/pkg/topology"
)

// Minimum terminal size; below it rendering is suspended with a warning.
const (
	minScreenWidth  = 80
	minScreenHeight = 24
)

type dispFlag int

const (
	flagNone dispFlag = iota
	flagCmd
	flagQuit
	flagProfilingReady
	flagProfilingFail
	flagLLReady
	flagLLFail
	flagPQoSReady
	flagPQoSFail
	flagScrollUp
	flagScrollDown
	flagScrollEnter
)

// Display runs the display thread: it waits for commands, sampler
// completions and scroll events, owns the page list and all view state,
// and renders row models to the screen and the dump file.
type Display struct {
	cfg    config.Config
	logger logr.Logger

	sampler  *sampler.Sampler
	registry *proc.Registry
	topo     *topology.Topology
	platform *plat.Platform
	screen   term.Screen
	dump     *dump.Writer
	pageNode numa.PageNodeFunc

	pages   PageList
	table   [NumViewTypes][NumCommands]switchEntry
	sortKey proc.SortKey

	// Primary flag cell: commands and sampler completions.
	mu         sync.Mutex
	flag       dispFlag
	cmdSlot    Command
	intervalMS int
	signal     chan struct{}

	// Secondary flag cell: the pre-hook rendezvous.
	mu2     sync.Mutex
	flag2OK *bool
	signal2 chan struct{}
}

// New wires the display thread against its collaborators.
func New(cfg config.Config, platform *plat.Platform, topo *topology.Topology,
	registry *proc.Registry, smp *sampler.Sampler, screen term.Screen,
	dumpWriter *dump.Writer, logger logr.Logger) *Display {

	return &Display{
		cfg:      cfg,
		logger:   logger.WithName("display"),
		sampler:  smp,
		registry: registry,
		topo:     topo,
		platform: platform,
		screen:   screen,
		dump:     dumpWriter,
		pageNode: numa.MovePages,
		table:    newDispatchTable(),
		sortKey:  proc.SortKeyCPU,
		signal:   make(chan struct{}, 1),
		signal2:  make(chan struct{}, 1),
	}
}

// SetPageNode overrides the page-residency query (tests).
func (d *Display) SetPageNode(fn numa.PageNodeFunc) {
	d.pageNode = fn
}

// ---- flag cell -----------------------------------------------------------

func (d *Display) setFlag(f dispFlag) {
	d.mu.Lock()
	d.flag = f
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// PostCmd hands a command to the display thread.
func (d *Display) PostCmd(cmd Command) {
	d.mu.Lock()
	d.cmdSlot = cmd
	d.flag = flagCmd
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// GoHome navigates to the home page.
func (d *Display) GoHome() {
	d.PostCmd(Command{ID: CmdHome})
}

// PostScrollUp, PostScrollDown and PostScrollEnter relay the scroll keys.
func (d *Display) PostScrollUp() { d.setFlag(flagScrollUp) }

func (d *Display) PostScrollDown() { d.setFlag(flagScrollDown) }

func (d *Display) PostScrollEnter() { d.setFlag(flagScrollEnter) }

// Quit terminates the display thread.
func (d *Display) Quit() {
	d.PostCmd(Command{ID: CmdQuit})
}

// CurrentViewType reports the view type of the current page; the console
// needs it for context-sensitive keys.
func (d *Display) CurrentViewType() ViewType {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur := d.pages.Current(); cur != nil && cur.View != nil {
		return cur.View.Type()
	}
	return ViewRawNum
}

// ---- sampler.Notifier ----------------------------------------------------

func (d *Display) dataReady(f dispFlag, intervalMS int) {
	d.mu.Lock()
	d.intervalMS = intervalMS
	d.flag = f
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Display) ProfilingDataReady(intervalMS int) {
	d.dataReady(flagProfilingReady, intervalMS)
}

func (d *Display) ProfilingDataFail() { d.setFlag(flagProfilingFail) }

func (d *Display) LLDataReady(intervalMS int) { d.dataReady(flagLLReady, intervalMS) }

func (d *Display) LLDataFail() { d.setFlag(flagLLFail) }

func (d *Display) PQoSDataReady(intervalMS int) { d.dataReady(flagPQoSReady, intervalMS) }

func (d *Display) PQoSDataFail() { d.setFlag(flagPQoSFail) }

// SecondaryReady completes the pre-hook rendezvous.
func (d *Display) SecondaryReady(ok bool) {
	d.mu2.Lock()
	v := ok
	d.flag2OK = &v
	d.mu2.Unlock()

	select {
	case d.signal2 <- struct{}{}:
	default:
	}
}

// waitSecondary blocks on the secondary flag; false on failure or timeout.
func (d *Display) waitSecondary() bool {
	deadline := time.NewTimer(60 * time.Second)
	defer deadline.Stop()

	for {
		d.mu2.Lock()
		v := d.flag2OK
		d.flag2OK = nil
		d.mu2.Unlock()

		if v != nil {
			return *v
		}

		select {
		case <-d.signal2:
		case <-deadline.C:
			return false
		}
	}
}

// ---- page execution ------------------------------------------------------

// smplStart requests the sampling pass matching the page's command; false
// when the command renders from existing data.
func (d *Display) smplStart(page *Page) bool {
	switch page.Cmd.ID {
	case CmdHome, CmdIRNormalize, CmdMonitor, CmdThreads, CmdNodeOverview, CmdCallchain:
		d.sampler.ProfilingSmpl(false)
		return true
	case CmdNodeDetail:
		d.sampler.UncoreSmpl(page.Cmd.NodeID)
		return true
	case CmdLatency, CmdLLCallchain, CmdLatencyNode, CmdAccessDst:
		d.sampler.LLSmpl(page.Cmd.PID, page.Cmd.TID)
		return true
	case CmdPQoSCMT, CmdPQoSMBM:
		d.sampler.PQoSSmpl(page.Cmd.PID, page.Cmd.TID)
		return true
	}
	return false
}

// pageShow draws a page, or kicks off its sampling pass when smpl is set.
func (d *Display) pageShow(page *Page, smpl bool) bool {
	if w, h := d.screen.Size(); w < minScreenWidth || h < minScreenHeight {
		d.screen.Warn("Terminal size is too small. Please resize it to 80x24 or larger.")
		d.dump.Writef("\nTerminal size is too small.\n")
		return false
	}

	if err := d.topo.Refresh(false); err != nil {
		d.logger.V(2).Info("topology refresh failed", "error", err)
		return false
	}

	if page.View == nil {
		page.View = viewForCommand(page.Cmd)
	}

	if smpl {
		d.screen.Warn("Sampling, please wait...")
		return d.smplStart(page)
	}

	return d.draw(page)
}

// pageNextExecute shows the scheduled page. When it samples, the page stays
// scheduled so the completion draws it; otherwise the schedule is consumed.
func (d *Display) pageNextExecute(smpl bool) bool {
	next := d.pages.NextRun()
	if next == nil {
		return false
	}

	ok := d.pageShow(next, smpl)
	d.pages.SetCurrent(next)

	if smpl {
		d.pages.SetNextRun(next)
	} else {
		d.pages.SetNextRun(nil)
	}
	return ok
}

func (d *Display) drawCtx() *DrawCtx {
	return &DrawCtx{
		Cfg:        d.cfg,
		Topo:       d.topo,
		Registry:   d.registry,
		Platform:   d.platform,
		Agg:        NewAggregator(d.topo, d.platform.UICounters),
		PageNode:   d.pageNode,
		IntervalMS: d.intervalMS,
		SortKey:    d.sortKey,
		Logger:     d.logger,
	}
}

func (d *Display) draw(page *Page) bool {
	frame, ok := page.View.Draw(d.drawCtx())
	if !ok {
		// The target vanished under us; surface it and head home after
		// the warning.
		d.screen.Warn("Process exited.")
		d.dump.Writef("\nProcess exited.\n")
		d.GoHome()
		return false
	}

	d.screen.Render(frame)
	d.dump.WriteFrame(frame.Title, frame.Header, frame.Rows, frame.Status)
	return true
}

func (d *Display) goHomeWithWarning(msg string) {
	d.screen.Warn(msg)
	d.dump.Writef("\n%s\n", msg)
	d.GoHome()
}

// ---- main loop -----------------------------------------------------------

// Run executes the display loop until quit, context cancellation or the
// run-time budget expiring.
func (d *Display) Run(ctx context.Context) error {
	startAt := time.Now()
	timeout := time.NewTimer(0)
	defer timeout.Stop()

	for {
		timedOut := false

		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case <-timeout.C:
			timedOut = true
		case <-d.signal:
		}

		d.mu.Lock()
		flag := d.flag
		cmd := d.cmdSlot
		d.flag = flagNone
		d.mu.Unlock()

		if time.Since(startAt) > d.cfg.RunTime {
			d.logger.V(2).Info("run time budget exceeded")
			d.shutdown()
			return nil
		}

		if timedOut && flag == flagNone {
			if d.pages.Current() == nil {
				timeout.Reset(d.cfg.RefreshInterval)
				continue
			}
			// Force a refresh.
			d.Execute(&Command{ID: CmdRefresh})
			timeout.Reset(d.cfg.RefreshInterval)
			continue
		}

		switch flag {
		case flagQuit:
			d.shutdown()
			return nil

		case flagCmd:
			if cmd.ID == CmdQuit {
				d.logger.V(2).Info("received quit command")
				d.shutdown()
				return nil
			}
			if cmd.ID == CmdResize {
				d.screen.Rebuild()
			}
			if cmd.ID == CmdResize || cmd.ID == CmdRefresh {
				timeout.Reset(d.cfg.RefreshInterval)
			}
			d.Execute(&cmd)

		case flagProfilingReady, flagLLReady, flagPQoSReady:
			d.pageNextExecute(false)
			timeout.Reset(d.cfg.RefreshInterval)

		case flagProfilingFail, flagLLFail, flagPQoSFail:
			d.logger.V(2).Info("sampling failed; navigating home")
			d.goHomeWithWarning("Sampling failed (probably permission denied).")

		case flagScrollUp:
			d.scroll(-1)

		case flagScrollDown:
			d.scroll(1)

		case flagScrollEnter:
			d.scrollEnter()
		}
	}
}

func (d *Display) scroll(delta int) {
	if cur := d.pages.Current(); cur != nil && cur.View != nil {
		cur.View.Scroll(delta)
		d.draw(cur)
	}
}

func (d *Display) scrollEnter() {
	cur := d.pages.Current()
	if cur == nil || cur.View == nil {
		return
	}
	if cmd := cur.View.Enter(); cmd != nil {
		d.Execute(cmd)
	}
}

func (d *Display) shutdown() {
	d.pages.Reset()
	d.sampler.Quit()
}
