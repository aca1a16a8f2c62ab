// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package proc tracks the processes and threads observed by the sampler.
// Records are refcounted: a record marked removing is only reclaimed once
// the last holder releases it, and can no longer be acquired.
package proc

import (
	"sync"

	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/pqos"
	"github.com/antimetal/numascope/pkg/symbol"
)

// ChainRecord is one call chain captured at a counter overflow, with the
// scaled delta that crossed the threshold.
type ChainRecord struct {
	Value uint64
	IPs   []uint64
}

// ChainGroup collects the overflow chains of one counter within the current
// sample cycle.
type ChainGroup struct {
	Recs []ChainRecord
}

// Add appends an overflow chain to the group.
func (g *ChainGroup) Add(value uint64, ips []uint64) {
	g.Recs = append(g.Recs, ChainRecord{
		Value: value,
		IPs:   append([]uint64(nil), ips...),
	})
}

// Reset drops all collected chains.
func (g *ChainGroup) Reset() {
	g.Recs = nil
}

// Process is one tracked process. All mutable state below the mutex is
// guarded by it; thread records live strictly under their process mutex.
type Process struct {
	mu sync.Mutex

	PID  int
	Name string

	refcount int
	removing bool
	freed    bool

	// Per-CPU accumulators, indexed by CPU id, sized to the largest known
	// CPU id + 1 and grown (never shrunk) on hot-add.
	counts [][perf.NumCounters]uint64

	chains  [perf.NumCounters]ChainGroup
	llGroup []perf.LatencyRecord

	threads   []*Thread // sorted by TID
	sortedThr []*Thread
	sortIdx   int

	// Address-map snapshot and symbol state, loaded lazily when a chain
	// view first needs them.
	Maps *symbol.ProcMaps
	Syms *symbol.Table

	PQoS       pqos.Task
	ThreadPQoS bool

	intervalMS int
	key        uint64
}

func newProcess(pid int, name string, cpuMax int) *Process {
	return &Process{
		PID:    pid,
		Name:   name,
		counts: make([][perf.NumCounters]uint64, cpuMax),
	}
}

// Lock acquires the process mutex. The sampler holds it across the set of
// updates for one sample record so readers see a consistent snapshot.
func (p *Process) Lock() { p.mu.Lock() }

func (p *Process) Unlock() { p.mu.Unlock() }

// RefInc acquires a counted reference. It fails once the record is marked
// removing.
func (p *Process) RefInc() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removing {
		return false
	}
	p.refcount++
	return true
}

// RefDec releases a counted reference, reclaiming the record if it was the
// last one and the record is marked removing.
func (p *Process) RefDec() {
	p.mu.Lock()
	p.refcount--
	free := p.refcount == 0 && p.removing
	p.mu.Unlock()

	if free {
		p.free()
	}
}

// free drops the record's resources; called with no holders left.
func (p *Process) free() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refcount > 0 {
		p.removing = true
		return
	}

	for i := range p.threads {
		p.threads[i].free()
	}
	p.threads = nil
	p.sortedThr = nil
	p.counts = nil
	for i := range p.chains {
		p.chains[i].Reset()
	}
	p.llGroup = nil
	p.Maps = nil
	p.Syms = nil
	p.freed = true
}

// Freed reports whether the record's resources were reclaimed.
func (p *Process) Freed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freed
}

// CountvalUpdate accumulates a counter delta at the CPU's slot, growing the
// accumulator (zero-filling the new tail) when a hot-added CPU exceeds the
// current size. Caller holds the process mutex.
func (p *Process) CountvalUpdate(cpu int, id perf.CounterID, value uint64, cpuMax int) {
	if cpu >= len(p.counts) {
		if cpuMax <= cpu {
			cpuMax = cpu + 1
		}
		grown := make([][perf.NumCounters]uint64, cpuMax)
		copy(grown, p.counts)
		p.counts = grown
	}
	p.counts[cpu][id] += value
}

// Counts exposes the per-CPU accumulators. Caller holds the process mutex.
func (p *Process) Counts() [][perf.NumCounters]uint64 {
	return p.counts
}

// ChainAdd records an overflow chain for one counter. Caller holds the
// process mutex.
func (p *Process) ChainAdd(id perf.CounterID, value uint64, ips []uint64) {
	p.chains[id].Add(value, ips)
}

// Chains returns the chain group of one counter. Caller holds the process
// mutex.
func (p *Process) Chains(id perf.CounterID) *ChainGroup {
	return &p.chains[id]
}

// LatencyAdd appends a load-latency record. Caller holds the process mutex.
func (p *Process) LatencyAdd(rec perf.LatencyRecord) {
	rec.IPs = append([]uint64(nil), rec.IPs...)
	p.llGroup = append(p.llGroup, rec)
}

// LatencyRecords returns the collected latency records. Caller holds the
// process mutex.
func (p *Process) LatencyRecords() []perf.LatencyRecord {
	return p.llGroup
}

// ProfilingClear zeroes the per-CPU accumulators of the process and its
// threads before a new sample cycle.
func (p *Process) ProfilingClear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.counts {
		p.counts[i] = [perf.NumCounters]uint64{}
	}
	for _, t := range p.threads {
		t.profilingClear()
	}
}

// CallchainClear drops all collected chains.
func (p *Process) CallchainClear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.chains {
		p.chains[i].Reset()
	}
	for _, t := range p.threads {
		t.callchainClear()
	}
}

// LatencyClear drops all collected latency records.
func (p *Process) LatencyClear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.llGroup = nil
	for _, t := range p.threads {
		t.latencyClear()
	}
}

// IntervalUpdate broadcasts the sampling interval to the process and its
// threads for rate calculations.
func (p *Process) IntervalUpdate(ms int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intervalMS = ms
	for _, t := range p.threads {
		t.intervalMS = ms
	}
}

// IntervalMS returns the last sampling interval.
func (p *Process) IntervalMS() int {
	return p.intervalMS
}

// ThreadCount returns the number of tracked threads.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// Key returns the current sort key.
func (p *Process) Key() uint64 {
	return p.key
}
