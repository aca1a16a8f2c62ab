// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology tracks the machine's NUMA nodes and their online CPUs,
// including hot-add and hot-remove, and holds the per-node counter
// accumulators fed by the sampler.
package topology

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/perf"
)

const (
	// NodesMax bounds the node id space.
	NodesMax = 64
	// CPUsPerNodeMax bounds the CPU slots per node.
	CPUsPerNodeMax = 64

	invalidNodeID = -1
	// InvalidCPUID marks an empty CPU slot.
	InvalidCPUID = -1
)

// Meminfo is a snapshot of one node's meminfo file, in bytes.
type Meminfo struct {
	Total     uint64
	Free      uint64
	Active    uint64
	Inactive  uint64
	Dirty     uint64
	Writeback uint64
	Mapped    uint64
}

// Node is one NUMA node: its CPU sessions, counter accumulator, meminfo
// snapshot and uncore counters.
type Node struct {
	ID    int
	NCPUs int

	// CPU session slots, fixed at CPUsPerNodeMax; empty slots carry
	// InvalidCPUID. Sessions are only touched on the sampler thread.
	CPUs []perf.Session

	// Counts accumulates deltas delivered to this node's CPUs within the
	// current sample cycle.
	Counts [perf.NumCounters]uint64

	Mem Meminfo

	// QPI/UPI links and memory controllers, populated once at startup.
	QPI []perf.UncoreCounter
	IMC []perf.UncoreCounter

	Hotadd    bool
	Hotremove bool
}

// Valid reports whether the node slot is occupied.
func (n *Node) Valid() bool {
	return n.ID != invalidNodeID
}

// CountvalUpdate accumulates a counter delta on this node.
func (n *Node) CountvalUpdate(id perf.CounterID, value uint64) {
	n.Counts[id] += value
}

// CountvalGet aggregates the node's accumulated counts for a UI counter.
func (n *Node) CountvalGet(ui perf.UICounterID, m perf.UICounterMap) uint64 {
	return m.Aggregate(ui, &n.Counts)
}

// Topology is the node group. Mutation is serialised by its lock, acquired
// by Refresh on the sampler thread and by readers on the display thread.
type Topology struct {
	mu sync.Mutex

	cfg    config.Config
	logger logr.Logger

	nodes      []Node
	nnodes     int
	cpuidMax   int
	onlineCPUs int
	intervalMS int
}

// New builds the node group and performs the initial refresh.
func New(cfg config.Config, logger logr.Logger) (*Topology, error) {
	t := &Topology{
		cfg:      cfg,
		logger:   logger.WithName("topology"),
		nodes:    make([]Node, NodesMax),
		cpuidMax: -1,
	}
	for i := range t.nodes {
		t.nodes[i].ID = invalidNodeID
	}

	if err := t.Refresh(true); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Topology) nodeInit(slot, nid int, hotadd bool) {
	node := &t.nodes[slot]
	*node = Node{
		ID:     nid,
		Hotadd: hotadd,
		CPUs:   make([]perf.Session, CPUsPerNodeMax),
	}
	for i := range node.CPUs {
		node.CPUs[i].Init(InvalidCPUID, hotadd, t.logger)
	}
}

// Refresh reads the online node list and each node's cpulist. New nodes are
// initialised, vanished nodes flagged hot-remove; their sessions are freed
// on the next sampler traverse. The maximum seen CPU id only grows, because
// process accumulators are sized by it.
func (t *Topology) Refresh(initial bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	online, err := t.onlineNodes()
	if err != nil {
		return fmt.Errorf("enumerate nodes: %w", err)
	}

	seen := make(map[int]bool, len(online))
	for _, nid := range online {
		seen[nid] = true
	}

	// Flag nodes that disappeared.
	for i := range t.nodes {
		node := &t.nodes[i]
		if node.Valid() && !seen[node.ID] {
			node.Hotremove = true
			for j := range node.CPUs {
				if node.CPUs[j].CPUID != InvalidCPUID {
					node.CPUs[j].Hotremove = true
				}
			}
			t.nnodes--
			t.logger.V(2).Info("node is hot-removed", "node", node.ID)
		}
	}

	// Bring up nodes that appeared.
	for _, nid := range online {
		if nid < 0 || nid >= NodesMax {
			return fmt.Errorf("node id %d out of range", nid)
		}
		if !t.nodes[nid].Valid() {
			t.nodeInit(nid, nid, !initial)
			t.nnodes++
			if !initial {
				t.logger.V(2).Info("node is hot-added", "node", nid)
			}
		}
	}

	if err := t.refreshCPUs(initial); err != nil {
		return err
	}
	return t.refreshMeminfo()
}

// refreshCPUs reconciles each valid node's CPU slots with its cpulist.
func (t *Topology) refreshCPUs(initial bool) error {
	cpuidMax := t.cpuidMax

	for i := range t.nodes {
		node := &t.nodes[i]
		if !node.Valid() || node.Hotremove {
			continue
		}

		cpus, err := t.nodeCPUList(node.ID)
		if err != nil {
			return fmt.Errorf("enumerate cpus of node%d: %w", node.ID, err)
		}
		if len(cpus) > CPUsPerNodeMax {
			return fmt.Errorf("node%d has %d cpus, max %d", node.ID, len(cpus), CPUsPerNodeMax)
		}

		if err := refreshSessionSlots(node.CPUs, cpus, initial, t.logger); err != nil {
			return err
		}
		node.NCPUs = len(cpus)

		for _, id := range cpus {
			if id > cpuidMax {
				cpuidMax = id
			}
		}
	}

	if cpuidMax > t.cpuidMax {
		t.cpuidMax = cpuidMax
	}

	n, err := t.onlineCPUCount()
	if err != nil {
		return err
	}
	t.onlineCPUs = n
	return nil
}

// refreshSessionSlots is the slot-array reconciliation: mark all slots
// not-hit, match or place every online CPU id, then flag unmatched slots
// hot-remove.
func refreshSessionSlots(slots []perf.Session, cpuIDs []int, initial bool, logger logr.Logger) error {
	for i := range slots {
		slots[i].Hit = false
	}

	for pos, id := range cpuIDs {
		if s := findSession(slots, id); s != nil {
			s.Hit = true
			continue
		}

		slot := freeSlot(slots, pos)
		if slot == nil {
			return fmt.Errorf("no free session slot for cpu%d", id)
		}

		slot.Init(id, !initial, logger)
		slot.Hit = true
		if slot.Hotadd {
			logger.V(2).Info("cpu is hot-added", "cpu", id)
		}
	}

	for i := range slots {
		if !slots[i].Hit && slots[i].CPUID != InvalidCPUID {
			slots[i].Hotremove = true
			logger.V(2).Info("cpu is hot-removed", "cpu", slots[i].CPUID)
		}
	}
	return nil
}

func findSession(slots []perf.Session, cpuid int) *perf.Session {
	for i := range slots {
		if slots[i].CPUID == cpuid {
			return &slots[i]
		}
	}
	return nil
}

func freeSlot(slots []perf.Session, prefer int) *perf.Session {
	if prefer >= 0 && prefer < len(slots) && slots[prefer].CPUID == InvalidCPUID {
		return &slots[prefer]
	}
	for i := range slots {
		if slots[i].CPUID == InvalidCPUID {
			return &slots[i]
		}
	}
	return nil
}

func (t *Topology) refreshMeminfo() error {
	for i := range t.nodes {
		node := &t.nodes[i]
		if !node.Valid() || node.Hotremove {
			continue
		}
		mem, err := t.nodeMeminfo(node.ID)
		if err != nil {
			t.logger.V(2).Info("meminfo refresh failed", "node", node.ID, "error", err)
			return err
		}
		node.Mem = mem
	}
	return nil
}

// CPUFn is invoked per valid CPU session during a traverse.
type CPUFn func(node *Node, cpu *perf.Session) error

// CPUTraverse walks every CPU slot on every valid node. Hot-removed CPUs
// have their sessions freed and slots invalidated; hotaddFn runs exactly
// once per newly-appeared CPU before fn. With errShortCircuit set, a
// non-nil fn error aborts the walk. Only the sampler thread may call this.
func (t *Topology) CPUTraverse(fn CPUFn, errShortCircuit bool, hotaddFn CPUFn) error {
	for i := range t.nodes {
		node := &t.nodes[i]
		if !node.Valid() {
			continue
		}

		for j := range node.CPUs {
			cpu := &node.CPUs[j]
			if cpu.Hotremove {
				cpu.Free()
				cpu.Hotremove = false
				cpu.CPUID = InvalidCPUID
				continue
			}

			if cpu.Hotadd && hotaddFn != nil {
				if err := hotaddFn(node, cpu); err != nil {
					t.logger.V(2).Info("hotadd setup failed", "cpu", cpu.CPUID, "error", err)
				}
				cpu.Hotadd = false
			}

			if fn != nil && cpu.CPUID != InvalidCPUID && !cpu.Hotadd {
				if err := fn(node, cpu); err != nil && errShortCircuit {
					return err
				}
			}
		}

		if node.Hotremove {
			node.ID = invalidNodeID
			node.Hotremove = false
		}
	}
	return nil
}

// NodeByCPU finds the node owning the given CPU id.
func (t *Topology) NodeByCPU(cpuid int) *Node {
	if cpuid == InvalidCPUID {
		return nil
	}
	for i := range t.nodes {
		node := &t.nodes[i]
		if !node.Valid() {
			continue
		}
		for j := range node.CPUs {
			if node.CPUs[j].CPUID == cpuid {
				return node
			}
		}
	}
	return nil
}

// Node returns the node record for a node id.
func (t *Topology) Node(nid int) *Node {
	if nid < 0 || nid >= len(t.nodes) {
		return nil
	}
	return &t.nodes[nid]
}

// ValidNode returns the idx-th valid node, for iteration in node id order.
func (t *Topology) ValidNode(idx int) *Node {
	seen := 0
	for i := range t.nodes {
		if t.nodes[i].Valid() {
			if seen == idx {
				return &t.nodes[i]
			}
			seen++
		}
	}
	return nil
}

// NodeCount returns the number of valid nodes.
func (t *Topology) NodeCount() int {
	return t.nnodes
}

// OnlineCPUs returns the count of online CPUs at the last refresh.
func (t *Topology) OnlineCPUs() int {
	return t.onlineCPUs
}

// CPUIDMax returns the exclusive upper bound on seen CPU ids; process and
// thread accumulators are sized by it.
func (t *Topology) CPUIDMax() int {
	return t.cpuidMax + 1
}

// IntervalUpdate records the duration of the last sample cycle.
func (t *Topology) IntervalUpdate(ms int) {
	t.intervalMS = ms
}

// IntervalMS returns the duration of the last sample cycle.
func (t *Topology) IntervalMS() int {
	return t.intervalMS
}

// ProfilingClear zeroes every node's counter accumulator.
func (t *Topology) ProfilingClear() {
	for i := range t.nodes {
		t.nodes[i].Counts = [perf.NumCounters]uint64{}
	}
}

// CountvalSum aggregates a UI counter over a per-CPU accumulator array,
// restricted to the CPUs of node nid, or over all nodes with NodeAll.
const NodeAll = -1

func (t *Topology) CountvalSum(counts [][perf.NumCounters]uint64, nid int, ui perf.UICounterID, m perf.UICounterMap) uint64 {
	if nid != NodeAll {
		return t.countvalSumNode(counts, nid, ui, m)
	}

	var total uint64
	for i := range t.nodes {
		if t.nodes[i].Valid() {
			total += t.countvalSumNode(counts, t.nodes[i].ID, ui, m)
		}
	}
	return total
}

func (t *Topology) countvalSumNode(counts [][perf.NumCounters]uint64, nid int, ui perf.UICounterID, m perf.UICounterMap) uint64 {
	node := t.Node(nid)
	if node == nil || !node.Valid() {
		return 0
	}

	var total uint64
	matched := 0
	for i := range node.CPUs {
		if matched >= node.NCPUs {
			break
		}
		cpuid := node.CPUs[i].CPUID
		if cpuid == InvalidCPUID {
			continue
		}
		matched++
		if cpuid < len(counts) {
			total += m.Aggregate(ui, &counts[cpuid])
		}
	}
	return total
}

// Lock serialises display-thread reads against Refresh.
func (t *Topology) Lock() {
	t.mu.Lock()
}

func (t *Topology) Unlock() {
	t.mu.Unlock()
}

// UncoreInit discovers the interconnect and memory-controller PMUs and
// attaches the descriptors to every valid node.
func (t *Topology) UncoreInit() {
	qpi := perf.DiscoverQPI(t.cfg.HostSysPath)
	imc := perf.DiscoverIMC(t.cfg.HostSysPath)

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.nodes {
		node := &t.nodes[i]
		if !node.Valid() {
			continue
		}
		if len(qpi) > 0 {
			node.QPI = append([]perf.UncoreCounter(nil), qpi...)
		}
		if len(imc) > 0 {
			node.IMC = append([]perf.UncoreCounter(nil), imc...)
		}
	}

	t.logger.V(2).Info("uncore discovery", "qpi_links", len(qpi), "memory_controllers", len(imc))
}

// FirstCPU returns the first online CPU id of a node, used to bind uncore
// counters.
func (n *Node) FirstCPU() int {
	for i := range n.CPUs {
		if n.CPUs[i].CPUID != InvalidCPUID {
			return n.CPUs[i].CPUID
		}
	}
	return InvalidCPUID
}
