// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/proc"
)

// writeProc creates a fake /proc entry for one process and its threads.
func writeProc(t *testing.T, root string, pid int, comm string, tids ...int) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprintf("%d", pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))

	if len(tids) == 0 {
		tids = []int{pid}
	}
	for _, tid := range tids {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "task", fmt.Sprintf("%d", tid)), 0o755))
	}
}

func removeProc(t *testing.T, root string, pid int) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(root, fmt.Sprintf("%d", pid))))
}

func newRegistry(t *testing.T, root string) *proc.Registry {
	t.Helper()
	cfg := config.Config{HostProcPath: root}
	r, err := proc.NewRegistry(cfg, func() int { return 4 }, logr.Discard())
	require.NoError(t, err)
	return r
}

// flatAggregator sums over every CPU slot; tests do not need the topology.
type flatAggregator struct{}

func (flatAggregator) Sum(counts [][perf.NumCounters]uint64, ui perf.UICounterID) uint64 {
	m := perf.DefaultUICounterMap()
	var total uint64
	for i := range counts {
		total += m.Aggregate(ui, &counts[i])
	}
	return total
}

func TestEnumUpdateInsertsAndNames(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "alpha", 100, 101)
	writeProc(t, root, 200, "beta")

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	nprocs, nthreads := r.Count()
	assert.Equal(t, 2, nprocs)
	assert.Equal(t, 3, nthreads)

	p := r.Find(100)
	require.NotNil(t, p)
	assert.Equal(t, "alpha", p.Name)
	assert.Equal(t, 2, p.ThreadCount())
	p.RefDec()
}

func TestFindRefcountRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "alpha")

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	// Acquire and release pairs leave the record reclaimable exactly once
	// the registry drops it.
	p1 := r.Find(100)
	require.NotNil(t, p1)
	p2 := r.Find(100)
	require.NotNil(t, p2)
	assert.Same(t, p1, p2)

	p1.RefDec()
	p2.RefDec()

	p3 := r.Find(100)
	require.NotNil(t, p3)
	p3.RefDec()
}

func TestProcessExitLifecycle(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "alpha")
	writeProc(t, root, 200, "beta")

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	// Hold a reference across the exit.
	held := r.Find(200)
	require.NotNil(t, held)

	removeProc(t, root, 200)
	require.NoError(t, r.EnumUpdate(0))

	// The record is unreachable after the rescan.
	assert.Nil(t, r.Find(200))

	// But not reclaimed while a holder remains.
	assert.False(t, held.Freed())

	held.RefDec()
	assert.True(t, held.Freed())
}

func TestRemovingRecordCannotBeAcquired(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "alpha")

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	held := r.Find(100)
	require.NotNil(t, held)

	removeProc(t, root, 100)
	require.NoError(t, r.EnumUpdate(100))

	assert.Nil(t, r.Find(100))
	held.RefDec()
}

func TestThreadMergeWalk(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "alpha", 100, 102, 104)

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	p := r.Find(100)
	require.NotNil(t, p)
	defer p.RefDec()

	t1 := p.FindThread(102)
	require.NotNil(t, t1)

	// 102 survives, 104 dies, 103 appears: the surviving record is carried
	// over, not reallocated.
	p.RefreshThreads([]int{100, 102, 103}, 4)

	t2 := p.FindThread(102)
	require.NotNil(t, t2)
	assert.Same(t, t1, t2)

	assert.Nil(t, p.FindThread(104))
	require.NotNil(t, p.FindThread(103))

	t1.RefDec()
	t2.RefDec()
	if t3 := p.FindThread(103); t3 != nil {
		t3.RefDec()
	}
}

func TestCountvalGrowsOnHotAdd(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "alpha")

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	p := r.Find(100)
	require.NotNil(t, p)
	defer p.RefDec()

	p.Lock()
	p.CountvalUpdate(2, perf.CounterClk, 7, 4)
	// CPU 9 exceeds the accumulator; it grows zero-filled.
	p.CountvalUpdate(9, perf.CounterClk, 5, 10)
	counts := p.Counts()
	p.Unlock()

	require.Len(t, counts, 10)
	assert.Equal(t, uint64(7), counts[2][perf.CounterClk])
	assert.Equal(t, uint64(5), counts[9][perf.CounterClk])
	assert.Equal(t, uint64(0), counts[3][perf.CounterClk])
}

func seedCycles(t *testing.T, r *proc.Registry, pid int, cycles uint64) {
	t.Helper()
	p := r.Find(pid)
	require.NotNil(t, p)
	p.Lock()
	p.CountvalUpdate(0, perf.CounterClk, cycles, 4)
	p.Unlock()
	p.RefDec()
}

// Scenario: A(100)=1M cycles, B(200)=0.5M, C(300)=2M; sorting by CPU
// returns C, A, B.
func TestResortByCPU(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "a")
	writeProc(t, root, 200, "b")
	writeProc(t, root, 300, "c")

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	seedCycles(t, r, 100, 1000000)
	seedCycles(t, r, 200, 500000)
	seedCycles(t, r, 300, 2000000)

	r.Resort(proc.SortKeyCPU, flatAggregator{})

	var order []int
	for {
		p := r.SortNext()
		if p == nil {
			break
		}
		order = append(order, p.PID)
	}
	assert.Equal(t, []int{300, 100, 200}, order)
}

func TestSortStability(t *testing.T) {
	root := t.TempDir()
	for pid := 100; pid <= 500; pid += 100 {
		writeProc(t, root, pid, "p")
	}

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	// All keys equal: the secondary PID order decides, and resorting twice
	// produces the identical order.
	collect := func() []int {
		r.Resort(proc.SortKeyRMA, flatAggregator{})
		var order []int
		for {
			p := r.SortNext()
			if p == nil {
				break
			}
			order = append(order, p.PID)
		}
		return order
	}

	first := collect()
	second := collect()
	assert.Equal(t, []int{100, 200, 300, 400, 500}, first)
	assert.Equal(t, first, second)
}

func TestIntervalBroadcast(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "alpha", 100, 101)

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	r.IntervalUpdate(2500)

	p := r.Find(100)
	require.NotNil(t, p)
	defer p.RefDec()

	assert.Equal(t, 2500, p.IntervalMS())
	thr := p.FindThread(101)
	require.NotNil(t, thr)
	assert.Equal(t, 2500, thr.IntervalMS())
	thr.RefDec()
}

func TestClears(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "alpha")

	r := newRegistry(t, root)
	require.NoError(t, r.EnumUpdate(0))

	p := r.Find(100)
	require.NotNil(t, p)
	defer p.RefDec()

	p.Lock()
	p.CountvalUpdate(0, perf.CounterRMA, 9, 4)
	p.ChainAdd(perf.CounterRMA, 9, []uint64{0x400000})
	p.LatencyAdd(perf.LatencyRecord{Addr: 0x1000, Latency: 10})
	p.Unlock()

	r.ProfilingClear()
	r.CallchainClear()
	r.LatencyClear(nil)

	p.Lock()
	assert.Equal(t, uint64(0), p.Counts()[0][perf.CounterRMA])
	assert.Empty(t, p.Chains(perf.CounterRMA).Recs)
	assert.Empty(t, p.LatencyRecords())
	p.Unlock()
}
