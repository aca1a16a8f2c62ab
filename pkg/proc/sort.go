// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"sort"

	"github.com/antimetal/numascope/pkg/perf"
)

// SortKey selects the ordering of process and thread rows.
type SortKey int

const (
	SortKeyInvalid SortKey = iota - 1
	SortKeyCPU
	SortKeyPID
	SortKeyRPI
	SortKeyLPI
	SortKeyCPI
	SortKeyRMA
	SortKeyLMA
	SortKeyRL
)

func (k SortKey) String() string {
	switch k {
	case SortKeyCPU:
		return "cpu"
	case SortKeyPID:
		return "pid"
	case SortKeyRPI:
		return "rpi"
	case SortKeyLPI:
		return "lpi"
	case SortKeyCPI:
		return "cpi"
	case SortKeyRMA:
		return "rma"
	case SortKeyLMA:
		return "lma"
	case SortKeyRL:
		return "rma/lma"
	}
	return "invalid"
}

// Aggregator sums a UI counter over a per-CPU accumulator array. The
// topology provides the production implementation; tests inject fakes.
type Aggregator interface {
	Sum(counts [][perf.NumCounters]uint64, ui perf.UICounterID) uint64
}

// ratio1000 scales a/b by 1000 so per-instruction ratios survive integer
// keys.
func ratio1000(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return uint64(float64(a) * 1000.0 / float64(b))
}

func sortValue(key SortKey, pid uint64, counts [][perf.NumCounters]uint64, agg Aggregator) uint64 {
	switch key {
	case SortKeyCPU:
		return agg.Sum(counts, perf.UICounterClk)
	case SortKeyPID:
		return pid
	case SortKeyRPI:
		return ratio1000(agg.Sum(counts, perf.UICounterRMA), agg.Sum(counts, perf.UICounterIR))
	case SortKeyLPI:
		return ratio1000(agg.Sum(counts, perf.UICounterLMA), agg.Sum(counts, perf.UICounterIR))
	case SortKeyCPI:
		return ratio1000(agg.Sum(counts, perf.UICounterClk), agg.Sum(counts, perf.UICounterIR))
	case SortKeyRMA:
		return agg.Sum(counts, perf.UICounterRMA)
	case SortKeyLMA:
		return agg.Sum(counts, perf.UICounterLMA)
	case SortKeyRL:
		return ratio1000(agg.Sum(counts, perf.UICounterRMA), agg.Sum(counts, perf.UICounterLMA))
	}
	return 0
}

// Resort recomputes every record's sort key and rebuilds the sorted view.
// The order is stable with respect to PID as the secondary key: records are
// sorted by PID first, then stably by the primary key descending, so equal
// keys keep ascending-PID order and resorting twice is byte-identical.
func (r *Registry) Resort(key SortKey, agg Aggregator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		p.mu.Lock()
		p.key = sortValue(key, uint64(p.PID), p.counts, agg)
		p.mu.Unlock()
		records = append(records, p)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].PID < records[j].PID
	})
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].key > records[j].key
	})

	r.sorted = records
	r.sortIdx = 0
}

// SortNext returns the next record of the sorted view, or nil at the end.
func (r *Registry) SortNext() *Process {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sorted == nil || r.sortIdx >= len(r.sorted) {
		return nil
	}
	p := r.sorted[r.sortIdx]
	r.sortIdx++
	return p
}

// SortRewind restarts the sorted iteration.
func (r *Registry) SortRewind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sortIdx = 0
}

// ResortThreads recomputes and rebuilds the sorted thread view of one
// process, with TID as the stable secondary key.
func (p *Process) ResortThreads(key SortKey, agg Aggregator) {
	p.mu.Lock()
	defer p.mu.Unlock()

	threads := make([]*Thread, len(p.threads))
	copy(threads, p.threads)
	for _, t := range threads {
		t.key = sortValue(key, uint64(t.TID), t.counts, agg)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].TID < threads[j].TID
	})
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].key > threads[j].key
	})

	p.sortedThr = threads
	p.sortIdx = 0
}

// SortNextThread returns the next thread of the sorted view, or nil at the
// end.
func (p *Process) SortNextThread() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sortedThr == nil || p.sortIdx >= len(p.sortedThr) {
		return nil
	}
	t := p.sortedThr[p.sortIdx]
	p.sortIdx++
	return t
}
