// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"sort"
	"sync"

	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/pqos"
)

// Thread is one tracked thread. The parent back-reference is non-owning:
// the process must be referenced while any of its threads are in use.
type Thread struct {
	mu sync.Mutex

	TID  int
	Proc *Process

	refcount int
	removing bool
	quitting bool
	freed    bool

	counts  [][perf.NumCounters]uint64
	chains  [perf.NumCounters]ChainGroup
	llGroup []perf.LatencyRecord

	PQoS pqos.Task

	intervalMS int
	key        uint64
}

func newThread(tid int, parent *Process, cpuMax int) *Thread {
	return &Thread{
		TID:    tid,
		Proc:   parent,
		counts: make([][perf.NumCounters]uint64, cpuMax),
	}
}

// RefInc acquires a counted reference; it fails when the thread is being
// removed or its task is quitting.
func (t *Thread) RefInc() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removing || t.quitting {
		return false
	}
	t.refcount++
	return true
}

// RefDec releases a reference, reclaiming the record when it was the last
// one and the thread is marked removing.
func (t *Thread) RefDec() {
	t.mu.Lock()
	t.refcount--
	free := t.refcount == 0 && t.removing
	t.mu.Unlock()

	if free {
		t.free()
	}
}

// free reclaims the record, or defers by setting removing when holders
// remain.
func (t *Thread) free() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refcount > 0 {
		t.removing = true
		return false
	}

	t.counts = nil
	for i := range t.chains {
		t.chains[i].Reset()
	}
	t.llGroup = nil
	t.freed = true
	return true
}

// SetQuitting blocks any further acquisition of the record.
func (t *Thread) SetQuitting() {
	t.mu.Lock()
	t.quitting = true
	t.mu.Unlock()
}

// Freed reports whether the record's resources were reclaimed.
func (t *Thread) Freed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freed
}

// CountvalUpdate accumulates a counter delta, growing the accumulator on
// hot-add. Caller holds the parent process mutex.
func (t *Thread) CountvalUpdate(cpu int, id perf.CounterID, value uint64, cpuMax int) {
	if cpu >= len(t.counts) {
		if cpuMax <= cpu {
			cpuMax = cpu + 1
		}
		grown := make([][perf.NumCounters]uint64, cpuMax)
		copy(grown, t.counts)
		t.counts = grown
	}
	t.counts[cpu][id] += value
}

// Counts exposes the per-CPU accumulators. Caller holds the parent process
// mutex.
func (t *Thread) Counts() [][perf.NumCounters]uint64 {
	return t.counts
}

// ChainAdd records an overflow chain. Caller holds the parent process
// mutex.
func (t *Thread) ChainAdd(id perf.CounterID, value uint64, ips []uint64) {
	t.chains[id].Add(value, ips)
}

// Chains returns the chain group of one counter.
func (t *Thread) Chains(id perf.CounterID) *ChainGroup {
	return &t.chains[id]
}

// LatencyAdd appends a load-latency record. Caller holds the parent process
// mutex.
func (t *Thread) LatencyAdd(rec perf.LatencyRecord) {
	rec.IPs = append([]uint64(nil), rec.IPs...)
	t.llGroup = append(t.llGroup, rec)
}

// LatencyRecords returns the collected latency records.
func (t *Thread) LatencyRecords() []perf.LatencyRecord {
	return t.llGroup
}

// IntervalMS returns the last sampling interval.
func (t *Thread) IntervalMS() int {
	return t.intervalMS
}

// Key returns the current sort key.
func (t *Thread) Key() uint64 {
	return t.key
}

func (t *Thread) profilingClear() {
	for i := range t.counts {
		t.counts[i] = [perf.NumCounters]uint64{}
	}
}

func (t *Thread) callchainClear() {
	for i := range t.chains {
		t.chains[i].Reset()
	}
}

func (t *Thread) latencyClear() {
	t.llGroup = nil
}

// FindThread looks up a thread by TID under the process mutex and acquires
// a reference to it.
func (p *Process) FindThread(tid int) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.threads), func(i int) bool {
		return p.threads[i].TID >= tid
	})
	if i >= len(p.threads) || p.threads[i].TID != tid {
		return nil
	}

	t := p.threads[i]
	if !t.RefInc() {
		return nil
	}
	return t
}

// FindThreadLocked looks up a thread by TID without touching the refcount.
// Caller holds the process mutex and must keep holding it while using the
// record.
func (p *Process) FindThreadLocked(tid int) *Thread {
	i := sort.Search(len(p.threads), func(i int) bool {
		return p.threads[i].TID >= tid
	})
	if i >= len(p.threads) || p.threads[i].TID != tid {
		return nil
	}
	return p.threads[i]
}

// RefreshThreads reconciles the process's thread list with the sorted TID
// list read from the OS. Both lists are sorted by id, so old and new are
// merge-walked in O(n+m): matching ids carry their record over, new ids
// allocate records and vanished ids are freed.
func (p *Process) RefreshThreads(tids []int, cpuMax int) {
	sort.Ints(tids)

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.threads
	merged := make([]*Thread, 0, len(tids))

	i, j := 0, 0
	for i < len(tids) && j < len(old) {
		switch {
		case tids[i] == old[j].TID:
			merged = append(merged, old[j])
			i++
			j++
		case tids[i] < old[j].TID:
			merged = append(merged, newThread(tids[i], p, cpuMax))
			i++
		default:
			old[j].free()
			j++
		}
	}
	for ; i < len(tids); i++ {
		merged = append(merged, newThread(tids[i], p, cpuMax))
	}
	for ; j < len(old); j++ {
		old[j].free()
	}

	p.threads = merged
	p.sortedThr = nil
	p.sortIdx = 0
}

// Threads returns the thread records sorted by TID. Caller holds the
// process mutex.
func (p *Process) Threads() []*Thread {
	return p.threads
}
