// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package display

import (
	"fmt"

	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/pqos"
	"github.com/antimetal/numascope/pkg/proc"
)

// preopFn runs before the page-stack mutation; it may reconfigure the
// sampler and blocks on its status. smpl reports whether the page must
// sample before its first draw.
type preopFn func(d *Display, cmd *Command) (smpl bool, err error)

// opFn mutates the page stack.
type opFn func(d *Display, cmd *Command, smpl bool) error

// switchEntry is one cell of the dispatch table; nil members mean the
// command is not applicable in the view.
type switchEntry struct {
	preop preopFn
	op    opFn
}

// Sort-key families: the home view sorts raw numbers, the normalised views
// sort per-instruction rates.
var rawNumSortKeys = []proc.SortKey{
	proc.SortKeyRMA, proc.SortKeyLMA, proc.SortKeyRL, proc.SortKeyCPI, proc.SortKeyCPU,
}

var topNSortKeys = []proc.SortKey{
	proc.SortKeyRPI, proc.SortKeyLPI, proc.SortKeyRL, proc.SortKeyCPI, proc.SortKeyCPU,
}

// Counter selection hotkeys in the call-chain view.
var callchainCounters = []perf.UICounterID{
	perf.UICounterRMA, perf.UICounterLMA, perf.UICounterClk, perf.UICounterIR,
}

// ---- pre-hooks ----------------------------------------------------------

func preopSwitch2Profiling(d *Display, _ *Command) (bool, error) {
	smpl := false

	if d.sampler.PQoSStarted() {
		d.sampler.PQoSStop(0, 0)
		smpl = true
	}
	if d.sampler.UncoreStarted() {
		d.sampler.UncoreStop(-1)
		smpl = true
	}
	if !d.sampler.ProfilingStarted() {
		d.sampler.AllStop()
		if err := d.sampler.ProfilingStart(); err != nil {
			return smpl, err
		}
		smpl = true
	}
	return smpl, nil
}

func preopSwitch2LL(d *Display, _ *Command) (bool, error) {
	if d.sampler.LLStarted() {
		return false, nil
	}
	d.sampler.AllStop()
	if err := d.sampler.LLStart(); err != nil {
		return false, err
	}
	return true, nil
}

func preopSwitch2Callchain(d *Display, cmd *Command) (bool, error) {
	cur := d.pages.Current()
	if cur == nil {
		return false, fmt.Errorf("no current page")
	}

	t, ok := cur.View.(monitorTarget)
	if !ok {
		return false, fmt.Errorf("view has no monitor target")
	}
	cmd.PID, cmd.TID = t.target()
	cmd.UICounter = perf.UICounterRMA

	return true, d.sampler.PartPause(perf.UICounterRMA)
}

func preopLeaveCallchain(d *Display, _ *Command) (bool, error) {
	cur := d.pages.Current()
	if cur != nil {
		if v, ok := cur.View.(*callchainView); ok && v.counter() != perf.UICounterInvalid {
			if err := d.sampler.Restore(v.counter()); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

func preopSwitch2Accdst(d *Display, cmd *Command) (bool, error) {
	cur := d.pages.Current()
	if cur == nil {
		return false, fmt.Errorf("no current page")
	}
	t, ok := cur.View.(monitorTarget)
	if !ok {
		return false, fmt.Errorf("view has no monitor target")
	}
	cmd.PID, cmd.TID = t.target()
	return false, nil
}

// preopSyncSample runs a synchronisation sample on the secondary flag so a
// reconfiguring pre-hook observes consistent data before switching modes.
func preopSyncSample(d *Display) error {
	d.sampler.ProfilingSmpl(true)
	if !d.waitSecondary() {
		return fmt.Errorf("synchronisation sample failed")
	}
	return nil
}

func preopSwitch2PQoSCMT(d *Display, cmd *Command) (bool, error) {
	cur := d.pages.Current()
	if cur == nil {
		return false, fmt.Errorf("no current page")
	}

	switch cur.View.Type() {
	case ViewRawNum, ViewTopNProc:
		cmd.PID, cmd.TID = 0, 0
	default:
		t, ok := cur.View.(monitorTarget)
		if !ok {
			return false, fmt.Errorf("view has no monitor target")
		}
		cmd.PID, cmd.TID = t.target()
	}

	d.sampler.PQoSStop(cmd.PID, cmd.TID)
	if err := preopSyncSample(d); err != nil {
		return false, err
	}
	if cmd.PID == 0 {
		return false, d.pqosStartAll(pqos.FlagLLC)
	}
	return false, d.sampler.PQoSStart(cmd.PID, cmd.TID, pqos.FlagLLC)
}

func preopSwitch2PQoSMBM(d *Display, cmd *Command) (bool, error) {
	cur := d.pages.Current()
	if cur == nil {
		return false, fmt.Errorf("no current page")
	}
	t, ok := cur.View.(monitorTarget)
	if !ok {
		return false, fmt.Errorf("view has no monitor target")
	}
	cmd.PID, cmd.TID = t.target()

	if err := preopSyncSample(d); err != nil {
		return false, err
	}
	d.sampler.PQoSStop(cmd.PID, cmd.TID)
	return false, d.sampler.PQoSStart(cmd.PID, cmd.TID, pqos.FlagTotalBW|pqos.FlagLocalBW)
}

func preopSwitch2Uncore(d *Display, cmd *Command) (bool, error) {
	cur := d.pages.Current()
	if cur == nil || cur.View.Type() != ViewNodeOverview {
		return false, nil
	}

	v := cur.View.(*nodeOverviewView)
	if sel := v.Enter(); sel != nil {
		cmd.NodeID = sel.NodeID
	}

	if err := preopSyncSample(d); err != nil {
		return false, err
	}
	d.sampler.UncoreStop(-1)
	return false, d.sampler.UncoreStart(cmd.NodeID)
}

// pqosStartAll attaches monitoring to every tracked process.
func (d *Display) pqosStartAll(flags int) error {
	var firstErr error
	d.registry.Traverse(func(p *proc.Process) bool {
		if err := d.sampler.PQoSStart(p.PID, 0, flags); err != nil && firstErr == nil {
			firstErr = err
		}
		return false
	})
	return firstErr
}

// ---- operations ---------------------------------------------------------

func opPageNext(d *Display, cmd *Command, smpl bool) error {
	d.pages.Create(*cmd)
	if !d.pageNextExecute(smpl) {
		return fmt.Errorf("page execute failed")
	}
	return nil
}

func opPagePrev(d *Display, _ *Command, smpl bool) error {
	prev := d.pages.CurPrev()
	if prev == nil {
		return nil
	}
	d.pages.DropNext(prev)
	d.pages.SetCurrent(prev)
	d.pages.SetNextRun(prev)
	if !d.pageNextExecute(smpl) {
		return fmt.Errorf("page execute failed")
	}
	return nil
}

func opRefresh(d *Display, _ *Command, _ bool) error {
	cur := d.pages.Current()
	if cur == nil {
		return nil
	}
	d.pages.SetNextRun(cur)
	if !d.smplStart(cur) {
		// Redraw from the latest data when the page does not sample.
		if !d.pageNextExecute(false) {
			return fmt.Errorf("page execute failed")
		}
	}
	return nil
}

func opSort(d *Display, cmd *Command, _ bool) error {
	cur := d.pages.Current()
	if cur == nil {
		return nil
	}

	keys := topNSortKeys
	if cur.View.Type() == ViewRawNum {
		keys = rawNumSortKeys
	}
	if idx := int(cmd.ID - Cmd1); idx >= 0 && idx < len(keys) {
		d.sortKey = keys[idx]
	}
	return opRefresh(d, cmd, false)
}

func opHome(d *Display, cmd *Command, smpl bool) error {
	d.pages.Reset()
	return opPageNext(d, cmd, smpl)
}

func opSwitch2LL(d *Display, cmd *Command, smpl bool) error {
	cur := d.pages.Current()
	if cur == nil {
		return fmt.Errorf("no current page")
	}
	t, ok := cur.View.(monitorTarget)
	if !ok {
		return fmt.Errorf("view has no monitor target")
	}
	cmd.PID, cmd.TID = t.target()
	return opPageNext(d, cmd, smpl)
}

func opCallchainCount(d *Display, cmd *Command, smpl bool) error {
	cur := d.pages.Current()
	if cur == nil {
		return nil
	}
	v, ok := cur.View.(*callchainView)
	if !ok {
		return nil
	}

	idx := int(cmd.ID - Cmd1)
	if idx < 0 || idx >= len(callchainCounters) {
		return nil
	}
	ui := callchainCounters[idx]
	v.setCounter(ui)

	if err := d.sampler.PartPause(ui); err != nil {
		return err
	}
	return opRefresh(d, cmd, smpl)
}

func opSwitch2LLCallchain(d *Display, cmd *Command, smpl bool) error {
	cur := d.pages.Current()
	if cur == nil {
		return nil
	}
	v, ok := cur.View.(*latView)
	if !ok {
		return nil
	}

	addr, size, ok := v.selectedRegion()
	if !ok {
		return nil
	}
	cmd.PID, cmd.TID = v.target()
	cmd.Addr, cmd.Size = addr, size
	return opPageNext(d, cmd, smpl)
}

// ---- table construction -------------------------------------------------

// newDispatchTable builds the two-dimensional (view, command) table. Every
// view gets the refresh/resize/back/home/node-overview defaults; views
// then override individual cells.
func newDispatchTable() [NumViewTypes][NumCommands]switchEntry {
	var t [NumViewTypes][NumCommands]switchEntry

	for v := ViewType(0); v < NumViewTypes; v++ {
		t[v][CmdResize] = switchEntry{op: opRefresh}
		t[v][CmdRefresh] = switchEntry{op: opRefresh}
		t[v][CmdBack] = switchEntry{op: opPagePrev}
		t[v][CmdHome] = switchEntry{preop: preopSwitch2Profiling, op: opHome}
		t[v][CmdNodeOverview] = switchEntry{preop: preopSwitch2Profiling, op: opPageNext}
	}

	// Home (raw numbers): back is a no-op on the root view.
	t[ViewRawNum][CmdBack] = switchEntry{}
	t[ViewRawNum][CmdMonitor] = switchEntry{op: opPageNext}
	t[ViewRawNum][CmdIRNormalize] = switchEntry{op: opPageNext}
	for c := Cmd1; c <= Cmd5; c++ {
		t[ViewRawNum][c] = switchEntry{op: opSort}
		t[ViewTopNProc][c] = switchEntry{op: opSort}
	}
	t[ViewRawNum][CmdPQoSCMT] = switchEntry{preop: preopSwitch2PQoSCMT, op: opPageNext}

	t[ViewTopNProc][CmdMonitor] = switchEntry{op: opPageNext}
	t[ViewTopNProc][CmdPQoSCMT] = switchEntry{preop: preopSwitch2PQoSCMT, op: opPageNext}

	t[ViewMoniProc][CmdLatency] = switchEntry{preop: preopSwitch2LL, op: opSwitch2LL}
	t[ViewMoniProc][CmdThreads] = switchEntry{op: opPageNext}
	t[ViewMoniProc][CmdCallchain] = switchEntry{preop: preopSwitch2Callchain, op: opPageNext}
	t[ViewMoniProc][CmdPQoSCMT] = switchEntry{preop: preopSwitch2PQoSCMT, op: opPageNext}

	t[ViewTopNThread][CmdMonitor] = switchEntry{op: opPageNext}

	t[ViewMoniThread][CmdLatency] = switchEntry{preop: preopSwitch2LL, op: opSwitch2LL}
	t[ViewMoniThread][CmdCallchain] = switchEntry{preop: preopSwitch2Callchain, op: opPageNext}
	t[ViewMoniThread][CmdPQoSCMT] = switchEntry{preop: preopSwitch2PQoSCMT, op: opPageNext}

	for _, v := range []ViewType{ViewLatProc, ViewLatThread} {
		t[v][CmdBack] = switchEntry{preop: preopSwitch2Profiling, op: opPagePrev}
		t[v][CmdLLCallchain] = switchEntry{op: opSwitch2LLCallchain}
		t[v][CmdLatencyNode] = switchEntry{op: opPageNext}
		t[v][CmdAccessDst] = switchEntry{preop: preopSwitch2Accdst, op: opPageNext}
		t[v][CmdNodeOverview] = switchEntry{}
	}

	for _, v := range []ViewType{ViewLatNodeProc, ViewLatNodeThread} {
		t[v][CmdNodeOverview] = switchEntry{}
	}
	for _, v := range []ViewType{ViewAccdstProc, ViewAccdstThread} {
		t[v][CmdNodeOverview] = switchEntry{}
	}

	t[ViewNodeOverview][CmdNodeOverview] = switchEntry{}
	t[ViewNodeOverview][CmdNodeDetail] = switchEntry{preop: preopSwitch2Uncore, op: opPageNext}

	t[ViewNodeDetail][CmdBack] = switchEntry{preop: preopSwitch2Profiling, op: opPagePrev}

	t[ViewCallchain][CmdBack] = switchEntry{preop: preopLeaveCallchain, op: opPagePrev}
	t[ViewCallchain][CmdHome] = switchEntry{preop: preopLeaveCallchain, op: opHome}
	t[ViewCallchain][CmdNodeOverview] = switchEntry{}
	for c := Cmd1; c <= Cmd4; c++ {
		// In the call-chain view the numeric hotkeys change the counter
		// selection rather than the sort order.
		t[ViewCallchain][c] = switchEntry{op: opCallchainCount}
	}

	t[ViewLLCallchain][CmdNodeOverview] = switchEntry{}

	t[ViewPQoSCMTTopN][CmdBack] = switchEntry{preop: preopSwitch2Profiling, op: opPagePrev}

	for _, v := range []ViewType{ViewPQoSCMTMoniProc, ViewPQoSCMTMoniThread} {
		t[v][CmdBack] = switchEntry{preop: preopSwitch2Profiling, op: opPagePrev}
		t[v][CmdPQoSMBM] = switchEntry{preop: preopSwitch2PQoSMBM, op: opPageNext}
	}

	for _, v := range []ViewType{ViewPQoSMBMMoniProc, ViewPQoSMBMMoniThread} {
		t[v][CmdBack] = switchEntry{preop: preopSwitch2PQoSCMT, op: opPagePrev}
	}

	return t
}

// Execute runs a command through the dispatch table against the current
// view.
func (d *Display) Execute(cmd *Command) {
	if cmd.ID <= CmdInvalid || cmd.ID >= NumCommands {
		return
	}

	viewType := ViewRawNum
	if cur := d.pages.Current(); cur != nil && cur.View != nil {
		viewType = cur.View.Type()
	}

	entry := &d.table[viewType][cmd.ID]
	smpl := false
	if entry.preop != nil {
		s, err := entry.preop(d, cmd)
		smpl = s
		if err != nil {
			d.logger.V(2).Info("pre-hook failed", "cmd", cmd.ID, "error", err)
			if cmd.ID != CmdHome {
				d.goHomeWithWarning("Sampling setup failed.")
			}
			return
		}
	}
	if entry.op != nil {
		if err := entry.op(d, cmd, smpl); err != nil {
			d.logger.V(2).Info("operation failed", "cmd", cmd.ID, "error", err)
		}
	}
}
