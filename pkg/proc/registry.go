// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/procfs"

	"github.com/antimetal/numascope/pkg/config"
)

// Registry maps PIDs to process records. Records are refreshed from the OS
// process list and refcounted; see Process for the lifetime rules.
type Registry struct {
	mu sync.Mutex

	cfg    config.Config
	fs     procfs.FS
	logger logr.Logger

	// cpuMax yields the current accumulator size (largest CPU id + 1).
	cpuMax func() int

	procs map[int]*Process
	// Fast path: the most recently found record.
	latest *Process

	nthreads int

	sorted  []*Process
	sortIdx int
}

// NewRegistry builds an empty registry over the given proc filesystem.
// cpuMax supplies the accumulator size for new records.
func NewRegistry(cfg config.Config, cpuMax func() int, logger logr.Logger) (*Registry, error) {
	fs, err := procfs.NewFS(cfg.HostProcPath)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", cfg.HostProcPath, err)
	}
	return &Registry{
		cfg:    cfg,
		fs:     fs,
		logger: logger.WithName("registry"),
		cpuMax: cpuMax,
		procs:  make(map[int]*Process),
	}, nil
}

// FS exposes the registry's proc filesystem for collaborators (symbol
// loading).
func (r *Registry) FS() procfs.FS {
	return r.fs
}

// Find looks up a process and acquires a reference to it. A record marked
// removing cannot be acquired.
func (r *Registry) Find(pid int) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.latest
	if p == nil || p.PID != pid {
		p = r.procs[pid]
	}
	if p == nil {
		return nil
	}

	if !p.RefInc() {
		if r.latest == p {
			r.latest = nil
		}
		return nil
	}

	r.latest = p
	return p
}

// Count returns the tracked process and thread totals.
func (r *Registry) Count() (nprocs, nthreads int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs), r.nthreads
}

// EnumUpdate reconciles the registry with the OS. With pid zero the whole
// process list is scanned: vanished PIDs are removed, new PIDs inserted
// with their comm. With a specific pid only that process is probed and
// removed if gone.
func (r *Registry) EnumUpdate(pid int) error {
	if pid > 0 {
		if _, err := os.Stat(filepath.Join(r.cfg.HostProcPath, strconv.Itoa(pid))); err != nil {
			r.remove(pid)
		}
		return nil
	}

	procs, err := r.fs.AllProcs()
	if err != nil {
		return fmt.Errorf("enumerate processes: %w", err)
	}

	live := make(map[int]procfs.Proc, len(procs))
	for _, p := range procs {
		live[p.PID] = p
	}

	r.mu.Lock()
	for pid, rec := range r.procs {
		if _, ok := live[pid]; !ok {
			r.removeLocked(pid, rec)
		}
	}
	for pid, osProc := range live {
		if _, ok := r.procs[pid]; ok {
			continue
		}
		name, err := osProc.Comm()
		if err != nil {
			// Process died between the scan and the read.
			continue
		}
		r.procs[pid] = newProcess(pid, name, r.cpuMax())
	}
	r.mu.Unlock()

	return r.refreshThreads()
}

// refreshThreads reconciles every process's thread list.
func (r *Registry) refreshThreads() error {
	r.mu.Lock()
	records := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		records = append(records, p)
	}
	r.mu.Unlock()

	nthreads := 0
	for _, p := range records {
		tids, err := r.threadIDs(p.PID)
		if err != nil {
			continue
		}
		p.RefreshThreads(tids, r.cpuMax())
		nthreads += p.ThreadCount()
	}

	r.mu.Lock()
	r.nthreads = nthreads
	r.mu.Unlock()
	return nil
}

// threadIDs scans /proc/<pid>/task for numeric directory names.
func (r *Registry) threadIDs(pid int) ([]int, error) {
	dir := filepath.Join(r.cfg.HostProcPath, strconv.Itoa(pid), "task")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

func (r *Registry) remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.procs[pid]; ok {
		r.removeLocked(pid, rec)
	}
}

// removeLocked unlinks the record and defers reclamation to the last
// holder.
func (r *Registry) removeLocked(pid int, rec *Process) {
	delete(r.procs, pid)
	if r.latest == rec {
		r.latest = nil
	}

	rec.mu.Lock()
	rec.removing = true
	free := rec.refcount == 0
	rec.mu.Unlock()

	if free {
		rec.free()
	}
}

// Traverse calls fn for every tracked process; a true return stops the
// walk.
func (r *Registry) Traverse(fn func(*Process) bool) {
	r.mu.Lock()
	records := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		records = append(records, p)
	}
	r.mu.Unlock()

	for _, p := range records {
		if fn(p) {
			return
		}
	}
}

// IntervalUpdate broadcasts the last sampling interval to every process
// and thread.
func (r *Registry) IntervalUpdate(ms int) {
	r.Traverse(func(p *Process) bool {
		p.IntervalUpdate(ms)
		return false
	})
}

// ProfilingClear zeroes all per-CPU accumulators before a sample cycle.
func (r *Registry) ProfilingClear() {
	r.Traverse(func(p *Process) bool {
		p.ProfilingClear()
		return false
	})
}

// CallchainClear drops all collected call chains.
func (r *Registry) CallchainClear() {
	r.Traverse(func(p *Process) bool {
		p.CallchainClear()
		return false
	})
}

// LatencyClear drops all collected latency records; with a specific record
// only that process is cleared.
func (r *Registry) LatencyClear(p *Process) {
	if p != nil {
		p.LatencyClear()
		return
	}
	r.Traverse(func(p *Process) bool {
		p.LatencyClear()
		return false
	})
}
