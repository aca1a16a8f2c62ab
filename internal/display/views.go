// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package display

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/antimetal/numascope/internal/term"
	"github.com/antimetal/numascope/pkg/numa"
	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/proc"
	"github.com/antimetal/numascope/pkg/symbol"
	"github.com/antimetal/numascope/pkg/topology"
)

func ratio(a, b uint64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// cpuPct estimates CPU utilisation from the unhalted-cycle count over the
// sample interval; like top, a multi-threaded process may exceed 100.
func cpuPct(clk uint64, intervalMS int, clkOfSec uint64) float64 {
	if intervalMS <= 0 || clkOfSec == 0 {
		return 0
	}
	return 100 * float64(clk) / (float64(intervalMS) / 1000 * float64(clkOfSec))
}

func intervalStatus(ctx *DrawCtx) string {
	return fmt.Sprintf("interval: %.1fs  sort: %s", float64(ctx.IntervalMS)/1000, ctx.SortKey)
}

// ---- home / top processes ------------------------------------------------

// topProcView is the home page: every tracked process with its NUMA
// characteristics, absolute or normalised per instruction.
type topProcView struct {
	scrollList
	normalized bool
	rowPIDs    []int
}

func (v *topProcView) Type() ViewType {
	if v.normalized {
		return ViewTopNProc
	}
	return ViewRawNum
}

func (v *topProcView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	ctx.Registry.Resort(ctx.SortKey, ctx.Agg)

	var rows []string
	v.rowPIDs = v.rowPIDs[:0]
	for {
		p := ctx.Registry.SortNext()
		if p == nil {
			break
		}

		p.Lock()
		counts := p.Counts()
		rma := ctx.Agg.Sum(counts, perf.UICounterRMA)
		lma := ctx.Agg.Sum(counts, perf.UICounterLMA)
		clk := ctx.Agg.Sum(counts, perf.UICounterClk)
		ir := ctx.Agg.Sum(counts, perf.UICounterIR)
		name := p.Name
		p.Unlock()

		if v.normalized {
			// Counts per 1k instructions.
			rows = append(rows, fmt.Sprintf("%6d %-16.16s %9.1f %9.1f %7.2f %6.2f %6.1f",
				p.PID, name,
				ratio(rma*1000, ir), ratio(lma*1000, ir),
				ratio(rma, lma), ratio(clk, ir),
				cpuPct(clk, ctx.IntervalMS, ctx.Platform.Calibration.ClkOfSec())))
		} else {
			rows = append(rows, fmt.Sprintf("%6d %-16.16s %9d %9d %7.2f %6.2f %6.1f",
				p.PID, name, rma, lma,
				ratio(rma, lma), ratio(clk, ir),
				cpuPct(clk, ctx.IntervalMS, ctx.Platform.Calibration.ClkOfSec())))
		}
		v.rowPIDs = append(v.rowPIDs, p.PID)
	}
	v.setRows(len(rows))

	header := "   PID PROC                   RMA       LMA  RMA/LMA    CPI   CPU%"
	if v.normalized {
		header = "   PID PROC                   RPI       LPI  RMA/LMA    CPI   CPU%"
	}

	nprocs, nthreads := ctx.Registry.Count()
	return term.Frame{
		Title:     fmt.Sprintf("Monitoring %d processes and %d threads", nprocs, nthreads),
		Header:    header,
		Rows:      rows,
		Highlight: v.highlight,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *topProcView) Enter() *Command {
	if v.highlight < 0 || v.highlight >= len(v.rowPIDs) {
		return nil
	}
	return &Command{ID: CmdMonitor, PID: v.rowPIDs[v.highlight]}
}

// ---- per-process monitor -------------------------------------------------

// moniProcView shows one process broken down by node.
type moniProcView struct {
	scrollList
	pid int
}

func (v *moniProcView) Type() ViewType { return ViewMoniProc }

func (v *moniProcView) target() (int, int) { return v.pid, 0 }

func nodeBreakdown(ctx *DrawCtx, counts [][perf.NumCounters]uint64) []string {
	m := ctx.Platform.UICounters
	var rows []string
	for i := 0; ; i++ {
		node := ctx.Topo.ValidNode(i)
		if node == nil {
			break
		}
		rma := ctx.Topo.CountvalSum(counts, node.ID, perf.UICounterRMA, m)
		lma := ctx.Topo.CountvalSum(counts, node.ID, perf.UICounterLMA, m)
		clk := ctx.Topo.CountvalSum(counts, node.ID, perf.UICounterClk, m)
		ir := ctx.Topo.CountvalSum(counts, node.ID, perf.UICounterIR, m)
		rows = append(rows, fmt.Sprintf("%6d %9d %9d %7.2f %6.2f %6.1f",
			node.ID, rma, lma, ratio(rma, lma), ratio(clk, ir),
			cpuPct(clk, ctx.IntervalMS, ctx.Platform.Calibration.ClkOfSec())))
	}
	return rows
}

func (v *moniProcView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	p := ctx.Registry.Find(v.pid)
	if p == nil {
		return term.Frame{}, false
	}
	defer p.RefDec()

	p.Lock()
	counts := p.Counts()
	name := p.Name
	rows := nodeBreakdown(ctx, counts)
	p.Unlock()

	v.setRows(len(rows))
	return term.Frame{
		Title: fmt.Sprintf("Monitoring process %d (%s), %d threads",
			v.pid, name, p.ThreadCount()),
		Header:    "  NODE       RMA       LMA  RMA/LMA    CPI   CPU%",
		Rows:      rows,
		Highlight: -1,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *moniProcView) Enter() *Command {
	return &Command{ID: CmdThreads, PID: v.pid}
}

// ---- threads -------------------------------------------------------------

type topThreadView struct {
	scrollList
	pid     int
	rowTIDs []int
}

func (v *topThreadView) Type() ViewType { return ViewTopNThread }

func (v *topThreadView) target() (int, int) { return v.pid, 0 }

func (v *topThreadView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	p := ctx.Registry.Find(v.pid)
	if p == nil {
		return term.Frame{}, false
	}
	defer p.RefDec()

	p.ResortThreads(ctx.SortKey, ctx.Agg)

	var rows []string
	v.rowTIDs = v.rowTIDs[:0]
	for {
		thr := p.SortNextThread()
		if thr == nil {
			break
		}

		p.Lock()
		counts := thr.Counts()
		rma := ctx.Agg.Sum(counts, perf.UICounterRMA)
		lma := ctx.Agg.Sum(counts, perf.UICounterLMA)
		clk := ctx.Agg.Sum(counts, perf.UICounterClk)
		ir := ctx.Agg.Sum(counts, perf.UICounterIR)
		p.Unlock()

		rows = append(rows, fmt.Sprintf("%6d %9d %9d %7.2f %6.2f %6.1f",
			thr.TID, rma, lma, ratio(rma, lma), ratio(clk, ir),
			cpuPct(clk, ctx.IntervalMS, ctx.Platform.Calibration.ClkOfSec())))
		v.rowTIDs = append(v.rowTIDs, thr.TID)
	}
	v.setRows(len(rows))

	return term.Frame{
		Title:     fmt.Sprintf("Threads of process %d (%s)", v.pid, p.Name),
		Header:    "   TID       RMA       LMA  RMA/LMA    CPI   CPU%",
		Rows:      rows,
		Highlight: v.highlight,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *topThreadView) Enter() *Command {
	if v.highlight < 0 || v.highlight >= len(v.rowTIDs) {
		return nil
	}
	return &Command{ID: CmdMonitor, PID: v.pid, TID: v.rowTIDs[v.highlight]}
}

type moniThreadView struct {
	scrollList
	pid int
	tid int
}

func (v *moniThreadView) Type() ViewType { return ViewMoniThread }

func (v *moniThreadView) target() (int, int) { return v.pid, v.tid }

func (v *moniThreadView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	p := ctx.Registry.Find(v.pid)
	if p == nil {
		return term.Frame{}, false
	}
	defer p.RefDec()

	thr := p.FindThread(v.tid)
	if thr == nil {
		return term.Frame{}, false
	}
	defer thr.RefDec()

	p.Lock()
	rows := nodeBreakdown(ctx, thr.Counts())
	p.Unlock()

	v.setRows(len(rows))
	return term.Frame{
		Title:     fmt.Sprintf("Monitoring thread %d of process %d (%s)", v.tid, v.pid, p.Name),
		Header:    "  NODE       RMA       LMA  RMA/LMA    CPI   CPU%",
		Rows:      rows,
		Highlight: -1,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *moniThreadView) Enter() *Command { return nil }

// ---- load latency --------------------------------------------------------

// latRegion is the per-buffer rollup of latency samples.
type latRegion struct {
	addr    uint64
	size    uint64
	desc    string
	access  int
	totLat  uint64
}

// latView shows load latency by memory region for one process or thread.
type latView struct {
	scrollList
	pid  int
	tid  int
	rows []latRegion
}

func (v *latView) Type() ViewType {
	if v.tid != 0 {
		return ViewLatThread
	}
	return ViewLatProc
}

func (v *latView) target() (int, int) { return v.pid, v.tid }

// latencyRecords fetches the view target's collected records under the
// process lock, refreshing the address map snapshot as a side effect.
func latencyRecords(ctx *DrawCtx, pid, tid int) (*proc.Process, []perf.LatencyRecord, bool) {
	p := ctx.Registry.Find(pid)
	if p == nil {
		return nil, nil, false
	}

	p.Lock()
	if p.Maps == nil {
		if maps, err := symbol.LoadMaps(ctx.Registry.FS(), pid); err == nil {
			p.Maps = maps
		}
	} else if fresh, err := p.Maps.Reload(ctx.Registry.FS()); err == nil {
		p.Maps = fresh
	}

	var recs []perf.LatencyRecord
	if tid != 0 {
		if thr := p.FindThreadLocked(tid); thr != nil {
			recs = append(recs, thr.LatencyRecords()...)
		}
	} else {
		recs = append(recs, p.LatencyRecords()...)
	}
	p.Unlock()

	return p, recs, true
}

func (v *latView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	p, recs, ok := latencyRecords(ctx, v.pid, v.tid)
	if !ok {
		return term.Frame{}, false
	}
	defer p.RefDec()

	// Roll samples up into the mapping that contains their address.
	regions := make(map[uint64]*latRegion)
	p.Lock()
	maps := p.Maps
	p.Unlock()

	for _, rec := range recs {
		if maps == nil {
			break
		}
		entry := maps.Find(rec.Addr)
		if entry == nil {
			continue
		}
		r, ok := regions[entry.Start]
		if !ok {
			r = &latRegion{
				addr: entry.Start,
				size: entry.End - entry.Start,
				desc: entry.Path,
			}
			regions[entry.Start] = r
		}
		r.access++
		r.totLat += rec.Latency
	}

	v.rows = v.rows[:0]
	for _, r := range regions {
		v.rows = append(v.rows, *r)
	}
	sort.Slice(v.rows, func(i, j int) bool {
		return v.rows[i].totLat > v.rows[j].totLat
	})
	v.setRows(len(v.rows))

	nsOfClk := ctx.Platform.Calibration.NsOfClk()
	rows := make([]string, 0, len(v.rows))
	for _, r := range v.rows {
		avgNS := 0.0
		if r.access > 0 {
			avgNS = float64(r.totLat) / float64(r.access) * nsOfClk
		}
		desc := r.desc
		if desc == "" {
			desc = "[anon]"
		}
		rows = append(rows, fmt.Sprintf("%16x %10s %8d %10.1f  %-30.30s",
			r.addr, humanize.IBytes(r.size), r.access, avgNS, desc))
	}

	title := fmt.Sprintf("Memory access latency of process %d", v.pid)
	if v.tid != 0 {
		title = fmt.Sprintf("Memory access latency of thread %d (process %d)", v.tid, v.pid)
	}
	return term.Frame{
		Title:     title,
		Header:    "            ADDR       SIZE   ACCESS    LAT(ns)  DESC",
		Rows:      rows,
		Highlight: v.highlight,
		Status:    intervalStatus(ctx),
	}, true
}

// Enter selects a buffer for the latency call-chain view.
func (v *latView) Enter() *Command {
	if v.highlight < 0 || v.highlight >= len(v.rows) {
		return nil
	}
	r := v.rows[v.highlight]
	return &Command{ID: CmdLLCallchain, PID: v.pid, TID: v.tid, Addr: r.addr, Size: r.size}
}

// selectedRegion exposes the highlighted buffer for the LLCALLCHAIN
// dispatch op.
func (v *latView) selectedRegion() (addr, size uint64, ok bool) {
	if v.highlight < 0 || v.highlight >= len(v.rows) {
		return 0, 0, false
	}
	return v.rows[v.highlight].addr, v.rows[v.highlight].size, true
}

// ---- latency by node -----------------------------------------------------

type latNodeView struct {
	scrollList
	pid int
	tid int
}

func (v *latNodeView) Type() ViewType {
	if v.tid != 0 {
		return ViewLatNodeThread
	}
	return ViewLatNodeProc
}

func (v *latNodeView) target() (int, int) { return v.pid, v.tid }

func (v *latNodeView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	p, recs, ok := latencyRecords(ctx, v.pid, v.tid)
	if !ok {
		return term.Frame{}, false
	}
	defer p.RefDec()

	addrs := make([]uint64, len(recs))
	lats := make([]uint64, len(recs))
	for i, rec := range recs {
		addrs[i] = rec.Addr
		lats[i] = rec.Latency
	}

	dst := make([]numa.NodeDst, topology.NodesMax)
	total, err := numa.Addr2NodeDst(v.pid, ctx.PageNode, addrs, lats, dst)
	if err != nil {
		ctx.Logger.V(2).Info("page residency query failed", "pid", v.pid, "error", err)
	}

	nsOfClk := ctx.Platform.Calibration.NsOfClk()
	var rows []string
	for nid, d := range dst {
		node := ctx.Topo.Node(nid)
		if node == nil || !node.Valid() {
			continue
		}
		avgNS := 0.0
		if d.NAccess > 0 {
			avgNS = float64(d.TotalLat) / float64(d.NAccess) * nsOfClk
		}
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(d.NAccess) / float64(total)
		}
		rows = append(rows, fmt.Sprintf("%6d %9d %8.1f %10.1f", nid, d.NAccess, pct, avgNS))
	}
	v.setRows(len(rows))

	return term.Frame{
		Title:     fmt.Sprintf("Memory access by node, process %d", v.pid),
		Header:    "  NODE    ACCESS  SHARE%     LAT(ns)",
		Rows:      rows,
		Highlight: -1,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *latNodeView) Enter() *Command { return nil }

// ---- access destination --------------------------------------------------

// accdstView shows which node served each sampled access.
type accdstView struct {
	latNodeView
}

func (v *accdstView) Type() ViewType {
	if v.tid != 0 {
		return ViewAccdstThread
	}
	return ViewAccdstProc
}

// ---- node overview / detail ----------------------------------------------

type nodeOverviewView struct {
	scrollList
	rowNIDs []int
}

func (v *nodeOverviewView) Type() ViewType { return ViewNodeOverview }

func (v *nodeOverviewView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	ctx.Topo.Lock()
	defer ctx.Topo.Unlock()

	m := ctx.Platform.UICounters
	var rows []string
	v.rowNIDs = v.rowNIDs[:0]
	for i := 0; ; i++ {
		node := ctx.Topo.ValidNode(i)
		if node == nil {
			break
		}

		rma := node.CountvalGet(perf.UICounterRMA, m)
		lma := node.CountvalGet(perf.UICounterLMA, m)
		clk := node.CountvalGet(perf.UICounterClk, m)
		ir := node.CountvalGet(perf.UICounterIR, m)

		rows = append(rows, fmt.Sprintf("%6d %5d %9d %9d %6.2f %6.1f %10s %10s",
			node.ID, node.NCPUs, rma, lma, ratio(clk, ir),
			cpuPct(clk, ctx.IntervalMS, ctx.Platform.Calibration.ClkOfSec())/float64(max(node.NCPUs, 1)),
			humanize.IBytes(node.Mem.Free), humanize.IBytes(node.Mem.Total)))
		v.rowNIDs = append(v.rowNIDs, node.ID)
	}
	v.setRows(len(rows))

	return term.Frame{
		Title:     fmt.Sprintf("Node overview (%d nodes, %d cpus)", ctx.Topo.NodeCount(), ctx.Topo.OnlineCPUs()),
		Header:    "  NODE  CPUS       RMA       LMA    CPI   CPU%   MEM-FREE  MEM-TOTAL",
		Rows:      rows,
		Highlight: v.highlight,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *nodeOverviewView) Enter() *Command {
	if v.highlight < 0 || v.highlight >= len(v.rowNIDs) {
		return nil
	}
	return &Command{ID: CmdNodeDetail, NodeID: v.rowNIDs[v.highlight]}
}

type nodeDetailView struct {
	scrollList
	nid int
}

func (v *nodeDetailView) Type() ViewType { return ViewNodeDetail }

func (v *nodeDetailView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	ctx.Topo.Lock()
	defer ctx.Topo.Unlock()

	node := ctx.Topo.Node(v.nid)
	if node == nil || !node.Valid() {
		return term.Frame{}, false
	}

	var rows []string
	rows = append(rows,
		fmt.Sprintf("mem total:   %10s", humanize.IBytes(node.Mem.Total)),
		fmt.Sprintf("mem free:    %10s", humanize.IBytes(node.Mem.Free)),
		fmt.Sprintf("active:      %10s", humanize.IBytes(node.Mem.Active)),
		fmt.Sprintf("inactive:    %10s", humanize.IBytes(node.Mem.Inactive)),
		fmt.Sprintf("dirty:       %10s", humanize.IBytes(node.Mem.Dirty)),
		fmt.Sprintf("writeback:   %10s", humanize.IBytes(node.Mem.Writeback)),
		fmt.Sprintf("mapped:      %10s", humanize.IBytes(node.Mem.Mapped)),
	)

	intervalSec := float64(ctx.IntervalMS) / 1000
	if intervalSec <= 0 {
		intervalSec = 1
	}
	for i := range node.QPI {
		rows = append(rows, fmt.Sprintf("qpi/upi %d:   %10s/s", node.QPI[i].ID,
			humanize.IBytes(uint64(float64(node.QPI[i].ValueScaled*64)/intervalSec))))
	}
	for i := range node.IMC {
		rows = append(rows, fmt.Sprintf("imc %d:       %10s/s", node.IMC[i].ID,
			humanize.IBytes(uint64(float64(node.IMC[i].ValueScaled*64)/intervalSec))))
	}

	return term.Frame{
		Title:     fmt.Sprintf("Node %d detail (%d cpus)", v.nid, node.NCPUs),
		Rows:      rows,
		Highlight: -1,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *nodeDetailView) Enter() *Command { return nil }

// ---- call chains ---------------------------------------------------------

type chainEntry struct {
	count  uint64
	frames []string
}

// callchainView aggregates the overflow chains of one counter, de-duplicated
// by whole-chain equality and annotated through the symbol resolver.
type callchainView struct {
	scrollList
	pid int
	tid int
	ui  perf.UICounterID
}

func (v *callchainView) Type() ViewType { return ViewCallchain }

func (v *callchainView) setCounter(ui perf.UICounterID) { v.ui = ui }

func (v *callchainView) counter() perf.UICounterID { return v.ui }

func chainRows(ctx *DrawCtx, p *proc.Process, groups []proc.ChainRecord) []string {
	p.Lock()
	if p.Syms == nil {
		p.Syms = symbol.NewTable()
		if p.Maps == nil {
			if maps, err := symbol.LoadMaps(ctx.Registry.FS(), p.PID); err == nil {
				p.Maps = maps
			}
		}
		if p.Maps != nil {
			for i := range p.Maps.Entries {
				entry := &p.Maps.Entries[i]
				if entry.NeedResolve {
					if err := p.Syms.LoadImage(entry); err != nil {
						ctx.Logger.V(2).Info("symbol load failed", "pid", p.PID, "error", err)
					}
					entry.NeedResolve = false
				}
			}
		}
	}
	syms := p.Syms
	p.Unlock()

	// De-duplicate identical chains so repeats are counted, not stored
	// again.
	dedup := make(map[string]*chainEntry)
	for _, rec := range groups {
		key := symbol.ChainKey(rec.IPs)
		e, ok := dedup[key]
		if !ok {
			frames := make([]string, len(rec.IPs))
			for i, ip := range rec.IPs {
				frames[i] = syms.Resolve(ip)
			}
			e = &chainEntry{frames: frames}
			dedup[key] = e
		}
		e.count += rec.Value
	}

	entries := make([]*chainEntry, 0, len(dedup))
	for _, e := range dedup {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].count > entries[j].count
	})

	var rows []string
	for _, e := range entries {
		rows = append(rows, fmt.Sprintf("<- %d ->", e.count))
		rows = append(rows, e.frames...)
		rows = append(rows, "")
	}
	return rows
}

func (v *callchainView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	p := ctx.Registry.Find(v.pid)
	if p == nil {
		return term.Frame{}, false
	}
	defer p.RefDec()

	var recs []proc.ChainRecord
	for _, id := range ctx.Platform.UICounters.Counters(v.ui) {
		p.Lock()
		if v.tid != 0 {
			if thr := p.FindThreadLocked(v.tid); thr != nil {
				recs = append(recs, thr.Chains(id).Recs...)
			}
		} else {
			recs = append(recs, p.Chains(id).Recs...)
		}
		p.Unlock()
	}

	rows := chainRows(ctx, p, recs)
	v.setRows(len(rows))

	target := fmt.Sprintf("process %d", v.pid)
	if v.tid != 0 {
		target = fmt.Sprintf("thread %d", v.tid)
	}
	return term.Frame{
		Title:     fmt.Sprintf("Call chains of %s, counter %d", target, v.ui),
		Rows:      rows,
		Highlight: -1,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *callchainView) Enter() *Command { return nil }

// llCallchainView shows the chains of the latency samples falling into the
// selected buffer.
type llCallchainView struct {
	scrollList
	pid  int
	tid  int
	addr uint64
	size uint64
}

func (v *llCallchainView) Type() ViewType { return ViewLLCallchain }

func (v *llCallchainView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	p, recs, ok := latencyRecords(ctx, v.pid, v.tid)
	if !ok {
		return term.Frame{}, false
	}
	defer p.RefDec()

	var chains []proc.ChainRecord
	for _, rec := range recs {
		if rec.Addr < v.addr || rec.Addr >= v.addr+v.size {
			continue
		}
		chains = append(chains, proc.ChainRecord{Value: 1, IPs: rec.IPs})
	}

	rows := chainRows(ctx, p, chains)
	v.setRows(len(rows))

	return term.Frame{
		Title: fmt.Sprintf("Call chains accessing buffer %x (%s), process %d",
			v.addr, humanize.IBytes(v.size), v.pid),
		Rows:      rows,
		Highlight: -1,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *llCallchainView) Enter() *Command { return nil }

// ---- PQoS ----------------------------------------------------------------

type pqosTopView struct {
	scrollList
	rowPIDs []int
}

func (v *pqosTopView) Type() ViewType { return ViewPQoSCMTTopN }

func (v *pqosTopView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	var rows []string
	v.rowPIDs = v.rowPIDs[:0]

	ctx.Registry.Resort(ctx.SortKey, ctx.Agg)
	for {
		p := ctx.Registry.SortNext()
		if p == nil {
			break
		}
		if !p.PQoS.Active() {
			continue
		}
		rows = append(rows, fmt.Sprintf("%6d %-16.16s %12s %12s/s %12s/s",
			p.PID, p.Name,
			humanize.IBytes(p.PQoS.OccupancyScaled),
			humanize.IBytes(p.PQoS.TotalBWScaled),
			humanize.IBytes(p.PQoS.LocalBWScaled)))
		v.rowPIDs = append(v.rowPIDs, p.PID)
	}
	v.setRows(len(rows))

	return term.Frame{
		Title:     "LLC occupancy and memory bandwidth",
		Header:    "   PID PROC              LLC-OCCUPANCY       TOTAL-BW       LOCAL-BW",
		Rows:      rows,
		Highlight: v.highlight,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *pqosTopView) Enter() *Command {
	if v.highlight < 0 || v.highlight >= len(v.rowPIDs) {
		return nil
	}
	return &Command{ID: CmdPQoSCMT, PID: v.rowPIDs[v.highlight]}
}

type pqosMoniView struct {
	scrollList
	pid int
	tid int
	mbm bool
}

func (v *pqosMoniView) Type() ViewType {
	switch {
	case v.mbm && v.tid != 0:
		return ViewPQoSMBMMoniThread
	case v.mbm:
		return ViewPQoSMBMMoniProc
	case v.tid != 0:
		return ViewPQoSCMTMoniThread
	default:
		return ViewPQoSCMTMoniProc
	}
}

func (v *pqosMoniView) target() (int, int) { return v.pid, v.tid }

func (v *pqosMoniView) Draw(ctx *DrawCtx) (term.Frame, bool) {
	p := ctx.Registry.Find(v.pid)
	if p == nil {
		return term.Frame{}, false
	}
	defer p.RefDec()

	task := &p.PQoS
	if v.tid != 0 {
		thr := p.FindThread(v.tid)
		if thr == nil {
			return term.Frame{}, false
		}
		defer thr.RefDec()
		task = &thr.PQoS
	}

	var rows []string
	if v.mbm {
		rows = append(rows,
			fmt.Sprintf("total bandwidth: %12s/s", humanize.IBytes(task.TotalBWScaled)),
			fmt.Sprintf("local bandwidth: %12s/s", humanize.IBytes(task.LocalBWScaled)),
		)
	} else {
		rows = append(rows,
			fmt.Sprintf("llc occupancy:   %12s", humanize.IBytes(task.OccupancyScaled)),
		)
	}
	v.setRows(len(rows))

	target := fmt.Sprintf("process %d (%s)", v.pid, p.Name)
	if v.tid != 0 {
		target = fmt.Sprintf("thread %d of process %d", v.tid, v.pid)
	}
	return term.Frame{
		Title:     "Resource monitoring, " + target,
		Rows:      rows,
		Highlight: -1,
		Status:    intervalStatus(ctx),
	}, true
}

func (v *pqosMoniView) Enter() *Command { return nil }

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
