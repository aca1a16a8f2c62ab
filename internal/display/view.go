// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package display

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/numascope/internal/term"
	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/numa"
	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/perf/plat"
	"github.com/antimetal/numascope/pkg/proc"
	"github.com/antimetal/numascope/pkg/topology"
)

// ViewType tags the kind of page being shown; the dispatch table is
// indexed by it.
type ViewType int

const (
	ViewRawNum ViewType = iota
	ViewTopNProc
	ViewTopNThread
	ViewMoniThread
	ViewMoniProc
	ViewLatProc
	ViewLatThread
	ViewLatNodeProc
	ViewLatNodeThread
	ViewNodeOverview
	ViewNodeDetail
	ViewCallchain
	ViewLLCallchain
	ViewAccdstProc
	ViewAccdstThread
	ViewPQoSCMTTopN
	ViewPQoSCMTMoniProc
	ViewPQoSCMTMoniThread
	ViewPQoSMBMMoniProc
	ViewPQoSMBMMoniThread

	NumViewTypes
)

// DrawCtx carries everything a view needs to build its row model.
type DrawCtx struct {
	Cfg      config.Config
	Topo     *topology.Topology
	Registry *proc.Registry
	Platform *plat.Platform
	Agg      proc.Aggregator

	// PageNode queries page residency; production wires numa.MovePages.
	PageNode numa.PageNodeFunc

	// IntervalMS is the duration the displayed sample covers.
	IntervalMS int

	SortKey proc.SortKey

	Logger logr.Logger
}

// View is the state of one page: it builds the row model for the renderer
// and tracks the scrolling selection.
type View interface {
	Type() ViewType
	// Draw builds the frame from the current data model. ok is false when
	// the underlying target is gone (e.g. process exited).
	Draw(ctx *DrawCtx) (frame term.Frame, ok bool)
	// Scroll moves the highlighted row by delta.
	Scroll(delta int)
	// Enter returns the command for the selected row, or nil.
	Enter() *Command
}

// scrollList is the shared selection state of list views.
type scrollList struct {
	highlight int
	nrows     int
}

func (s *scrollList) Scroll(delta int) {
	if s.nrows == 0 {
		s.highlight = -1
		return
	}
	s.highlight += delta
	if s.highlight < 0 {
		s.highlight = 0
	}
	if s.highlight >= s.nrows {
		s.highlight = s.nrows - 1
	}
}

func (s *scrollList) setRows(n int) {
	s.nrows = n
	if s.highlight >= n {
		s.highlight = n - 1
	}
	if s.highlight < 0 && n > 0 {
		s.highlight = 0
	}
	if n == 0 {
		s.highlight = -1
	}
}

// topoAggregator sums UI counters over per-CPU accumulators using the
// topology's CPU-to-node assignment.
type topoAggregator struct {
	topo *topology.Topology
	m    perf.UICounterMap
}

func (a topoAggregator) Sum(counts [][perf.NumCounters]uint64, ui perf.UICounterID) uint64 {
	return a.topo.CountvalSum(counts, topology.NodeAll, ui, a.m)
}

// NewAggregator builds the production aggregator over the topology.
func NewAggregator(topo *topology.Topology, m perf.UICounterMap) proc.Aggregator {
	return topoAggregator{topo: topo, m: m}
}

// viewForCommand materialises the view state for a freshly-pushed page.
func viewForCommand(cmd Command) View {
	switch cmd.ID {
	case CmdHome:
		return &topProcView{normalized: false}
	case CmdIRNormalize:
		return &topProcView{normalized: true}
	case CmdMonitor:
		if cmd.TID != 0 {
			return &moniThreadView{pid: cmd.PID, tid: cmd.TID}
		}
		return &moniProcView{pid: cmd.PID}
	case CmdThreads:
		return &topThreadView{pid: cmd.PID}
	case CmdLatency:
		return &latView{pid: cmd.PID, tid: cmd.TID}
	case CmdLatencyNode:
		return &latNodeView{pid: cmd.PID, tid: cmd.TID}
	case CmdAccessDst:
		return &accdstView{latNodeView: latNodeView{pid: cmd.PID, tid: cmd.TID}}
	case CmdNodeOverview:
		return &nodeOverviewView{}
	case CmdNodeDetail:
		return &nodeDetailView{nid: cmd.NodeID}
	case CmdCallchain:
		return &callchainView{pid: cmd.PID, tid: cmd.TID, ui: cmd.UICounter}
	case CmdLLCallchain:
		return &llCallchainView{pid: cmd.PID, tid: cmd.TID, addr: cmd.Addr, size: cmd.Size}
	case CmdPQoSCMT:
		if cmd.PID == 0 {
			return &pqosTopView{}
		}
		return &pqosMoniView{pid: cmd.PID, tid: cmd.TID, mbm: false}
	case CmdPQoSMBM:
		return &pqosMoniView{pid: cmd.PID, tid: cmd.TID, mbm: true}
	}
	return &topProcView{}
}

// monitorTarget returns which task a view is monitoring, for the views that
// carry one.
type monitorTarget interface {
	target() (pid, tid int)
}
