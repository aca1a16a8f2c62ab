// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sampler runs the thread that owns all per-CPU counter sessions.
// It executes tasks posted by the display thread, drains the kernel ring
// buffers and fans the samples into the process registry and the topology
// accumulators. All counter I/O happens here and nowhere else.
package sampler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/perf/plat"
	"github.com/antimetal/numascope/pkg/pqos"
	"github.com/antimetal/numascope/pkg/proc"
	"github.com/antimetal/numascope/pkg/topology"
)

// minSampleInterval keeps refreshes far enough apart that counters with
// predefined overflow thresholds get a chance to fire; sampling faster
// shows misleading zeroes.
const minSampleInterval = time.Second

// Notifier receives completion signals for the display thread. The
// secondary flag carries the rendezvous used by pre-hooks that sample
// before reconfiguring.
type Notifier interface {
	ProfilingDataReady(intervalMS int)
	ProfilingDataFail()
	LLDataReady(intervalMS int)
	LLDataFail()
	PQoSDataReady(intervalMS int)
	PQoSDataFail()
	SecondaryReady(ok bool)
}

// Sampler drives the sampling thread. Public methods are called from the
// display thread; everything below the mailbox runs on the sampler
// goroutine only.
type Sampler struct {
	cfg      config.Config
	logger   logr.Logger
	topo     *topology.Topology
	registry *proc.Registry
	platform *plat.Platform
	monitor  *pqos.Monitor
	notify   Notifier

	mailbox *mailbox
	status  *statusCell

	profAttrs []perf.Attr
	llAttr    perf.Attr
	llOK      bool
	ringBytes int

	countBuf []perf.CountingRecord
	llBuf    []perf.LatencyRecord

	partPause bool

	// Sample timestamps in unix milliseconds; read by the display thread
	// for pacing, written by the sampler thread.
	lastMS     atomic.Int64
	lastPQoSMS atomic.Int64
}

// New wires the sampler against its collaborators. The notifier is
// attached later, once the display exists.
func New(cfg config.Config, platform *plat.Platform, topo *topology.Topology,
	registry *proc.Registry, monitor *pqos.Monitor, logger logr.Logger) *Sampler {

	ringBytes := perf.RingDataSize(string(cfg.Precision))
	llAttr, llOK := platform.LatencyAttr()

	// The record buffers are sized so one full ring always fits.
	const minCountingRec = 64
	const minLatencyRec = 48

	return &Sampler{
		cfg:       cfg,
		logger:    logger.WithName("sampler"),
		topo:      topo,
		registry:  registry,
		platform:  platform,
		monitor:   monitor,
		mailbox:   newMailbox(),
		status:    newStatusCell(),
		profAttrs: platform.ProfilingAttrs(cfg.Precision),
		llAttr:    llAttr,
		llOK:      llOK,
		ringBytes: ringBytes,
		countBuf:  make([]perf.CountingRecord, ringBytes/minCountingRec+1),
		llBuf:     make([]perf.LatencyRecord, ringBytes/minLatencyRec+1),
	}
}

// SetNotifier attaches the display-side notification sink.
func (s *Sampler) SetNotifier(n Notifier) {
	s.notify = n
}

// State returns the sampler's current configuration state.
func (s *Sampler) State() State {
	return s.status.get()
}

// ProfilingStarted reports whether counting (full or partial) is active.
func (s *Sampler) ProfilingStarted() bool {
	switch s.status.get() {
	case StateProfilingStarted, StateProfilingPartStarted, StatePQoSStarted:
		return true
	}
	return false
}

// LLStarted reports whether load-latency sampling is active.
func (s *Sampler) LLStarted() bool {
	return s.status.get() == StateLLStarted
}

// PQoSStarted reports whether LLC/MBM monitoring is active.
func (s *Sampler) PQoSStarted() bool {
	return s.status.get() == StatePQoSStarted
}

// UncoreStarted reports whether uncore counting is active.
func (s *Sampler) UncoreStarted() bool {
	return s.status.get() == StateUncoreStarted
}

// Run executes the sampler loop until a quit task or context cancellation.
func (s *Sampler) Run(ctx context.Context) error {
	for {
		task, ok := s.mailbox.take(ctx.Done())
		if !ok {
			s.stopAll()
			return ctx.Err()
		}

		switch t := task.(type) {
		case TaskQuit:
			s.logger.V(2).Info("received quit")
			s.stopAll()
			return nil

		case TaskStop:
			s.stopAll()
			s.status.set(StateIdle)

		case TaskProfilingStart:
			s.handleProfilingStart(ctx)

		case TaskProfilingSmpl:
			s.handleProfilingSmpl(t)

		case TaskPartPause:
			s.handlePartPause(t)

		case TaskRestore:
			s.handleRestore(t)

		case TaskLLStart:
			s.handleLLStart(ctx)

		case TaskLLSmpl:
			s.handleLLSmpl(t)

		case TaskPQoSStart:
			s.handlePQoSStart(t)

		case TaskPQoSSmpl:
			s.handlePQoSSmpl(t)

		case TaskPQoSStop:
			s.handlePQoSStop(t)

		case TaskUncoreStart:
			s.handleUncoreStart(t)

		case TaskUncoreSmpl:
			s.handleUncoreSmpl(t)

		case TaskUncoreStop:
			s.handleUncoreStop(t)
		}
	}
}

// ---- display-thread API -------------------------------------------------

// smplWait paces sample requests to the minimum interval.
func (s *Sampler) smplWait() {
	elapsed := time.Duration(nowMS()-s.lastMS.Load()) * time.Millisecond
	if elapsed < minSampleInterval {
		time.Sleep(minSampleInterval - elapsed)
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// ProfilingStart switches the sampler to counting mode and waits for the
// rendezvous.
func (s *Sampler) ProfilingStart() error {
	s.mailbox.post(TaskProfilingStart{})
	return s.status.waitFor(StateProfilingStarted)
}

// ProfilingSmpl requests one sample drain; completion arrives through the
// notifier.
func (s *Sampler) ProfilingSmpl(toSecondary bool) {
	s.smplWait()
	s.mailbox.post(TaskProfilingSmpl{ToSecondary: toSecondary})
}

// PartPause leaves only the counters backing the UI counter running.
func (s *Sampler) PartPause(ui perf.UICounterID) error {
	s.mailbox.post(TaskPartPause{Keep: s.platform.UICounters.Counters(ui)})
	return s.status.waitFor(StateProfilingPartStarted)
}

// Restore resumes the full group after PartPause.
func (s *Sampler) Restore(ui perf.UICounterID) error {
	s.mailbox.post(TaskRestore{Kept: s.platform.UICounters.Counters(ui)})
	return s.status.waitFor(StateProfilingStarted)
}

// LLStart switches to load-latency sampling and waits for the rendezvous.
func (s *Sampler) LLStart() error {
	s.mailbox.post(TaskLLStart{})
	return s.status.waitFor(StateLLStarted)
}

// LLSmpl requests one latency drain for the target task.
func (s *Sampler) LLSmpl(pid, tid int) {
	s.smplWait()
	s.mailbox.post(TaskLLSmpl{PID: pid, TID: tid})
}

// PQoSStart establishes LLC/MBM monitoring for the target task.
func (s *Sampler) PQoSStart(pid, tid, flags int) error {
	s.mailbox.post(TaskPQoSStart{PID: pid, TID: tid, Flags: flags})
	return s.status.waitFor(StatePQoSStarted)
}

// PQoSSmpl reads the accumulated occupancy and bandwidth values.
func (s *Sampler) PQoSSmpl(pid, tid int) {
	s.smplWait()
	s.mailbox.post(TaskPQoSSmpl{PID: pid, TID: tid})
}

// PQoSStop tears down the task-level monitoring resources.
func (s *Sampler) PQoSStop(pid, tid int) {
	s.mailbox.post(TaskPQoSStop{PID: pid, TID: tid})
}

// UncoreStart configures the interconnect and memory-controller counters
// of one node.
func (s *Sampler) UncoreStart(nid int) error {
	s.mailbox.post(TaskUncoreStart{NodeID: nid})
	return s.status.waitFor(StateUncoreStarted)
}

// UncoreSmpl reads the uncore counters of one node.
func (s *Sampler) UncoreSmpl(nid int) {
	s.smplWait()
	s.mailbox.post(TaskUncoreSmpl{NodeID: nid})
}

// UncoreStop frees the uncore counters of one node (all nodes with a
// negative id).
func (s *Sampler) UncoreStop(nid int) {
	s.mailbox.post(TaskUncoreStop{NodeID: nid})
}

// AllStop closes every session and waits for the sampler to go idle.
func (s *Sampler) AllStop() error {
	s.mailbox.post(TaskStop{})
	return s.status.waitFor(StateIdle)
}

// Quit terminates the sampler loop.
func (s *Sampler) Quit() {
	s.mailbox.post(TaskQuit{})
}
