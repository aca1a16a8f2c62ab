// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"context"

	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/pqos"
	"github.com/antimetal/numascope/pkg/proc"
	"github.com/antimetal/numascope/pkg/topology"
)

// ---- profiling ----------------------------------------------------------

func (s *Sampler) cpuProfilingSetup(ctx context.Context) topology.CPUFn {
	return func(_ *topology.Node, cpu *perf.Session) error {
		return cpu.ProfilingSetup(ctx, s.profAttrs, s.ringBytes)
	}
}

// cpuOp runs a session operation; an ioctl failure releases the session,
// which typically means the CPU went offline.
func cpuOp(cpu *perf.Session, op func() error) error {
	if !cpu.Valid() {
		return nil
	}
	if err := op(); err != nil {
		cpu.Free()
	}
	return nil
}

func cpuProfilingStart(_ *topology.Node, cpu *perf.Session) error {
	return cpuOp(cpu, cpu.AllStart)
}

func cpuProfilingStop(_ *topology.Node, cpu *perf.Session) error {
	return cpuOp(cpu, cpu.AllStop)
}

func cpuResourceFree(_ *topology.Node, cpu *perf.Session) error {
	cpu.Free()
	return nil
}

func (s *Sampler) profilingPause() {
	s.topo.CPUTraverse(cpuProfilingStop, false, nil)
}

func (s *Sampler) profilingStop() {
	s.profilingPause()
	s.topo.CPUTraverse(cpuResourceFree, false, nil)
}

func (s *Sampler) profilingStart(ctx context.Context) error {
	if err := s.topo.CPUTraverse(s.cpuProfilingSetup(ctx), true, nil); err != nil {
		return err
	}

	s.profilingPause()

	if err := s.topo.CPUTraverse(cpuProfilingStart, true, nil); err != nil {
		return err
	}

	s.lastMS.Store(nowMS())
	return nil
}

func (s *Sampler) handleProfilingStart(ctx context.Context) {
	if s.ProfilingStarted() {
		s.status.set(StateProfilingStarted)
		s.logger.V(2).Info("profiling already started")
		return
	}

	s.stopAll()
	s.registry.LatencyClear(nil)

	if err := s.profilingStart(ctx); err != nil {
		s.logger.V(2).Info("profiling start failed (probably permission denied)", "error", err)
		s.status.set(StateProfilingFailed)
		return
	}

	s.status.set(StateProfilingStarted)
	s.logger.V(2).Info("profiling start success")
}

// cpuProfilingSmpl drains one CPU's ring and fans the deltas into the
// registry and the node accumulator. The first record of a drain only
// establishes the delta baseline.
func (s *Sampler) cpuProfilingSmpl(node *topology.Node, cpu *perf.Session) error {
	if !cpu.Valid() {
		return nil
	}

	n := cpu.ReadCounting(s.countBuf)
	if n == 0 {
		return nil
	}

	cpu.Rebase(&s.countBuf[0])

	var diff [perf.NumCounters]uint64
	for i := 1; i < n; i++ {
		rec := &s.countBuf[i]
		cpu.Deltas(rec, &diff)

		p := s.registry.Find(int(rec.PID))
		if p == nil {
			return nil
		}
		thr := p.FindThread(int(rec.TID))
		if thr == nil {
			p.RefDec()
			return nil
		}

		cpuMax := s.topo.CPUIDMax()
		p.Lock()
		for id := perf.CounterID(0); id < perf.NumCounters; id++ {
			if !s.partPause {
				p.CountvalUpdate(cpu.CPUID, id, diff[id], cpuMax)
				thr.CountvalUpdate(cpu.CPUID, id, diff[id], cpuMax)
				node.CountvalUpdate(id, diff[id])
			}

			// The event overflowed; the chain is the context at the
			// overflow.
			if len(rec.IPs) > 0 && diff[id] >= perf.SamplePeriod(id, s.cfg.Precision) {
				p.ChainAdd(id, diff[id], rec.IPs)
				thr.ChainAdd(id, diff[id], rec.IPs)
			}
		}
		p.Unlock()

		thr.RefDec()
		p.RefDec()
	}
	return nil
}

func (s *Sampler) cpuProfilingSetupStart(ctx context.Context) topology.CPUFn {
	setup := s.cpuProfilingSetup(ctx)
	return func(node *topology.Node, cpu *perf.Session) error {
		if err := setup(node, cpu); err != nil {
			return err
		}
		return cpuProfilingStart(node, cpu)
	}
}

func (s *Sampler) handleProfilingSmpl(t TaskProfilingSmpl) {
	if !s.ProfilingStarted() {
		return
	}

	s.registry.EnumUpdate(0)
	s.registry.CallchainClear()
	s.registry.ProfilingClear()
	s.topo.ProfilingClear()

	intervalMS := int(nowMS() - s.lastMS.Load())
	s.registry.IntervalUpdate(intervalMS)
	s.topo.IntervalUpdate(intervalMS)

	err := s.topo.CPUTraverse(s.cpuProfilingSmpl, false,
		s.cpuProfilingSetupStart(context.Background()))
	s.lastMS.Store(nowMS())

	if err != nil {
		s.status.set(StateProfilingFailed)
		if t.ToSecondary {
			s.notify.SecondaryReady(false)
		} else {
			s.notify.ProfilingDataFail()
		}
		return
	}

	if t.ToSecondary {
		s.notify.SecondaryReady(true)
	} else {
		s.notify.ProfilingDataReady(intervalMS)
	}
}

// ---- partial pause / restore --------------------------------------------

func keepSet(keep []perf.CounterID) (set [perf.NumCounters]bool, wholeGroup bool) {
	if len(keep) == 0 {
		return set, true
	}
	for _, id := range keep {
		if id == perf.CounterInvalid || id == perf.CounterCoreClk {
			return set, true
		}
		set[id] = true
	}
	return set, false
}

func (s *Sampler) handlePartPause(t TaskPartPause) {
	set, wholeGroup := keepSet(t.Keep)

	s.topo.CPUTraverse(func(_ *topology.Node, cpu *perf.Session) error {
		if !cpu.Valid() {
			return nil
		}
		if wholeGroup {
			return cpuOp(cpu, cpu.AllStop)
		}
		for id := perf.CounterID(1); id < perf.NumCounters; id++ {
			if set[id] {
				cpu.Start(id)
			} else {
				cpu.Stop(id)
			}
		}
		return nil
	}, false, nil)

	s.partPause = true
	s.status.set(StateProfilingPartStarted)
}

func (s *Sampler) handleRestore(t TaskRestore) {
	s.registry.CallchainClear()
	s.registry.ProfilingClear()

	set, wholeGroup := keepSet(t.Kept)

	s.topo.CPUTraverse(func(_ *topology.Node, cpu *perf.Session) error {
		if !cpu.Valid() {
			return nil
		}
		if wholeGroup {
			return cpuOp(cpu, cpu.AllStart)
		}

		for id := perf.CounterID(1); id < perf.NumCounters; id++ {
			if set[id] {
				cpu.Stop(id)
			}
		}

		// Discard whatever the partial configuration left in the ring.
		cpu.Drain()

		for id := perf.CounterID(1); id < perf.NumCounters; id++ {
			cpu.Start(id)
		}
		return nil
	}, false, nil)

	s.partPause = false
	s.lastMS.Store(nowMS())
	s.status.set(StateProfilingStarted)
}

// ---- load latency -------------------------------------------------------

func (s *Sampler) cpuLLSetup(ctx context.Context) topology.CPUFn {
	return func(_ *topology.Node, cpu *perf.Session) error {
		return cpu.LatencySetup(ctx, s.llAttr, s.ringBytes)
	}
}

func cpuLLStart(_ *topology.Node, cpu *perf.Session) error {
	return cpuOp(cpu, cpu.AllStart)
}

func cpuLLStop(_ *topology.Node, cpu *perf.Session) error {
	return cpuOp(cpu, cpu.AllStop)
}

func (s *Sampler) llStop() {
	s.topo.CPUTraverse(cpuLLStop, false, nil)
	s.topo.CPUTraverse(cpuResourceFree, false, nil)
}

func (s *Sampler) handleLLStart(ctx context.Context) {
	if s.LLStarted() {
		s.status.set(StateLLStarted)
		return
	}

	s.stopAll()
	s.registry.CallchainClear()
	s.registry.ProfilingClear()
	s.topo.ProfilingClear()

	if !s.llOK {
		s.logger.V(2).Info("no load-latency event on this platform")
		s.status.set(StateLLFailed)
		return
	}

	if err := s.topo.CPUTraverse(s.cpuLLSetup(ctx), true, nil); err != nil {
		// The kernel may not support precise load latency here.
		s.logger.V(2).Info("load-latency start failed", "error", err)
		s.topo.CPUTraverse(cpuResourceFree, false, nil)
		s.status.set(StateLLFailed)
		return
	}

	s.topo.CPUTraverse(cpuLLStart, false, nil)
	s.lastMS.Store(nowMS())
	s.status.set(StateLLStarted)
}

func (s *Sampler) cpuLLSmpl(t TaskLLSmpl) topology.CPUFn {
	return func(_ *topology.Node, cpu *perf.Session) error {
		if !cpu.Valid() {
			return nil
		}

		n := cpu.ReadLatency(s.llBuf)
		for i := 0; i < n; i++ {
			rec := &s.llBuf[i]

			// A latency sample is attributed to exactly the task it
			// names; the drain filter matches the view's target.
			if t.PID != 0 && t.PID != int(rec.PID) {
				continue
			}
			if t.PID != 0 && t.TID != 0 && t.TID != int(rec.TID) {
				continue
			}

			p := s.registry.Find(int(rec.PID))
			if p == nil {
				return nil
			}
			thr := p.FindThread(int(rec.TID))
			if thr == nil {
				p.RefDec()
				return nil
			}

			p.Lock()
			p.LatencyAdd(*rec)
			thr.LatencyAdd(*rec)
			p.Unlock()

			thr.RefDec()
			p.RefDec()
		}
		return nil
	}
}

func (s *Sampler) cpuLLSetupStart(ctx context.Context) topology.CPUFn {
	setup := s.cpuLLSetup(ctx)
	return func(node *topology.Node, cpu *perf.Session) error {
		if err := setup(node, cpu); err != nil {
			return err
		}
		return cpuLLStart(node, cpu)
	}
}

func (s *Sampler) handleLLSmpl(t TaskLLSmpl) {
	if !s.LLStarted() {
		return
	}

	s.registry.EnumUpdate(0)
	s.registry.LatencyClear(nil)

	intervalMS := int(nowMS() - s.lastMS.Load())
	s.registry.IntervalUpdate(intervalMS)

	err := s.topo.CPUTraverse(s.cpuLLSmpl(t), false, s.cpuLLSetupStart(context.Background()))
	s.lastMS.Store(nowMS())

	if err != nil {
		s.status.set(StateLLFailed)
		s.notify.LLDataFail()
		return
	}
	s.notify.LLDataReady(intervalMS)
}

// ---- PQoS (LLC occupancy / memory bandwidth) ----------------------------

func (s *Sampler) pqosTask(pid, tid int) (*proc.Process, *proc.Thread, *pqos.Task) {
	p := s.registry.Find(pid)
	if p == nil {
		return nil, nil, nil
	}

	if tid == 0 {
		return p, nil, &p.PQoS
	}

	thr := p.FindThread(tid)
	if thr == nil {
		p.RefDec()
		return nil, nil, nil
	}
	p.ThreadPQoS = true
	return p, thr, &thr.PQoS
}

func (s *Sampler) handlePQoSStart(t TaskPQoSStart) {
	p, thr, task := s.pqosTask(t.PID, t.TID)
	if task == nil {
		s.logger.V(2).Info("pqos start failed", "pid", t.PID, "tid", t.TID)
		s.status.set(StatePQoSFailed)
		return
	}

	err := s.monitor.Attach(t.PID, t.TID, t.Flags, task)

	if thr != nil {
		thr.RefDec()
	}
	p.RefDec()

	if err != nil {
		s.logger.V(2).Info("pqos attach failed", "pid", t.PID, "tid", t.TID, "error", err)
		s.status.set(StatePQoSFailed)
		return
	}
	s.status.set(StatePQoSStarted)
}

func (s *Sampler) handlePQoSSmpl(t TaskPQoSSmpl) {
	s.registry.EnumUpdate(0)

	if t.PID == 0 {
		s.registry.Traverse(func(p *proc.Process) bool {
			s.monitor.Sample(&p.PQoS, -1)
			return false
		})
	} else {
		p, thr, task := s.pqosTask(t.PID, t.TID)
		if task == nil {
			s.notify.PQoSDataReady(0)
			return
		}
		s.monitor.Sample(task, -1)
		if thr != nil {
			thr.RefDec()
		}
		p.RefDec()
	}

	intervalMS := int(nowMS() - s.lastPQoSMS.Load())
	s.lastPQoSMS.Store(nowMS())
	s.notify.PQoSDataReady(intervalMS)
}

func (s *Sampler) handlePQoSStop(t TaskPQoSStop) {
	if t.PID == 0 {
		s.pqosStopAll()
		return
	}

	p, thr, task := s.pqosTask(t.PID, t.TID)
	if task == nil {
		return
	}
	s.monitor.Detach(task)
	if thr != nil {
		thr.RefDec()
	}
	p.RefDec()
}

func (s *Sampler) pqosStopAll() {
	s.registry.Traverse(func(p *proc.Process) bool {
		s.monitor.Detach(&p.PQoS)
		if p.ThreadPQoS {
			p.Lock()
			for _, thr := range p.Threads() {
				s.monitor.Detach(&thr.PQoS)
			}
			p.Unlock()
			p.ThreadPQoS = false
		}
		return false
	})
}

// ---- uncore -------------------------------------------------------------

func (s *Sampler) uncoreFreeNode(node *topology.Node) {
	for i := range node.QPI {
		node.QPI[i].Free()
	}
	for i := range node.IMC {
		node.IMC[i].Free()
	}
}

func (s *Sampler) uncoreStopAll() {
	for i := 0; ; i++ {
		node := s.topo.ValidNode(i)
		if node == nil {
			return
		}
		s.uncoreFreeNode(node)
	}
}

func (s *Sampler) handleUncoreStart(t TaskUncoreStart) {
	node := s.topo.Node(t.NodeID)
	if node == nil || !node.Valid() {
		s.status.set(StateUncoreFailed)
		return
	}

	cpu := node.FirstCPU()
	err := func() error {
		for i := range node.QPI {
			if err := node.QPI[i].Setup(cpu); err != nil {
				return err
			}
		}
		for i := range node.IMC {
			if err := node.IMC[i].Setup(cpu); err != nil {
				return err
			}
		}
		for i := range node.QPI {
			if err := node.QPI[i].Start(); err != nil {
				return err
			}
		}
		for i := range node.IMC {
			if err := node.IMC[i].Start(); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		s.logger.V(2).Info("uncore start failed", "node", t.NodeID, "error", err)
		s.uncoreFreeNode(node)
		s.status.set(StateUncoreFailed)
		return
	}

	s.lastMS.Store(nowMS())
	s.status.set(StateUncoreStarted)
}

func (s *Sampler) handleUncoreSmpl(t TaskUncoreSmpl) {
	node := s.topo.Node(t.NodeID)
	if node == nil || !node.Valid() {
		s.notify.ProfilingDataFail()
		return
	}

	intervalMS := int(nowMS() - s.lastMS.Load())
	s.lastMS.Store(nowMS())

	for i := range node.QPI {
		if err := node.QPI[i].Sample(); err != nil {
			s.logger.V(2).Info("qpi sample failed", "node", t.NodeID, "error", err)
			s.notify.ProfilingDataFail()
			return
		}
	}
	for i := range node.IMC {
		if err := node.IMC[i].Sample(); err != nil {
			s.logger.V(2).Info("imc sample failed", "node", t.NodeID, "error", err)
			s.notify.ProfilingDataFail()
			return
		}
	}

	s.notify.ProfilingDataReady(intervalMS)
}

func (s *Sampler) handleUncoreStop(t TaskUncoreStop) {
	if t.NodeID < 0 {
		s.uncoreStopAll()
		return
	}
	if node := s.topo.Node(t.NodeID); node != nil && node.Valid() {
		s.uncoreFreeNode(node)
	}
}

// ---- mode teardown ------------------------------------------------------

// stopAll closes whatever mode is currently active; transitions always run
// this before opening a new mode.
func (s *Sampler) stopAll() {
	switch {
	case s.ProfilingStarted():
		s.profilingStop()
		if s.PQoSStarted() {
			s.pqosStopAll()
		}
	case s.LLStarted():
		s.llStop()
	case s.UncoreStarted():
		s.uncoreStopAll()
	}
	s.partPause = false
}
