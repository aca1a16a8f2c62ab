// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pqos reads last-level-cache occupancy and memory bandwidth for
// individual tasks through the kernel resource-control filesystem
// (resctrl). Each monitored task gets its own monitoring group; results
// are read from the per-L3-domain files below mon_data.
package pqos

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Monitoring flags; a task may combine them.
const (
	FlagLLC     = 1 << 0
	FlagTotalBW = 1 << 1
	FlagLocalBW = 1 << 2
)

// Task is the monitoring state attached to one process or thread record.
// Bandwidth values are per-interval deltas of the kernel's monotonic byte
// counters.
type Task struct {
	ID    int
	Flags int

	OccupancyScaled uint64
	TotalBWScaled   uint64
	LocalBWScaled   uint64

	totalBW uint64
	localBW uint64
}

// Active reports whether the task has a monitoring group.
func (t *Task) Active() bool {
	return t.ID != 0
}

// Monitor manages monitoring groups under one resctrl mount.
type Monitor struct {
	root   string
	logger logr.Logger

	// Generator for whole-system monitoring ids (pid 0 requests).
	nextID atomic.Int64
}

func NewMonitor(root string, logger logr.Logger) *Monitor {
	return &Monitor{
		root:   root,
		logger: logger.WithName("pqos"),
	}
}

// Supported reports whether the resctrl filesystem is mounted with
// monitoring support.
func (m *Monitor) Supported() bool {
	if _, err := os.Stat(filepath.Join(m.root, "tasks")); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(m.root, "mon_groups"))
	return err == nil
}

func (m *Monitor) groupDir(id int) string {
	return filepath.Join(m.root, "mon_groups", strconv.Itoa(id))
}

// Attach creates a monitoring group for the task and moves its pid (or tid)
// into it. The group id is the tid when given, else the pid, else a fresh
// system-wide id.
func (m *Monitor) Attach(pid, tid, flags int, task *Task) error {
	switch {
	case tid != 0:
		task.ID = tid
	case pid != 0:
		task.ID = pid
	default:
		task.ID = int(m.nextID.Add(1))
	}
	task.Flags = flags
	task.OccupancyScaled = 0
	task.TotalBWScaled = 0
	task.LocalBWScaled = 0
	task.totalBW = 0
	task.localBW = 0

	dir := m.groupDir(task.ID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear monitoring group %s: %w", dir, err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("create monitoring group %s: %w", dir, err)
	}

	target := pid
	if tid != 0 {
		target = tid
	}
	if err := os.WriteFile(filepath.Join(dir, "tasks"),
		[]byte(strconv.Itoa(target)), 0o644); err != nil {
		return fmt.Errorf("assign task %d to %s: %w", target, dir, err)
	}

	m.logger.V(2).Info("monitoring group created", "id", task.ID, "pid", pid, "tid", tid)
	return nil
}

// Sample reads the accumulated values for the task, restricted to one L3
// domain or summed over all with nid -1, and computes per-interval
// bandwidth deltas.
func (m *Monitor) Sample(task *Task, nid int) error {
	if !task.Active() {
		return nil
	}

	dataDir := filepath.Join(m.groupDir(task.ID), "mon_data")

	task.OccupancyScaled = m.domainSum(dataDir, "llc_occupancy", nid)

	total := m.domainSum(dataDir, "mbm_total_bytes", nid)
	task.TotalBWScaled = total - task.totalBW
	task.totalBW = total

	local := m.domainSum(dataDir, "mbm_local_bytes", nid)
	task.LocalBWScaled = local - task.localBW
	task.localBW = local

	return nil
}

// Detach tears down the task's monitoring group.
func (m *Monitor) Detach(task *Task) {
	if !task.Active() {
		return
	}
	if err := os.RemoveAll(m.groupDir(task.ID)); err != nil {
		m.logger.V(2).Info("remove monitoring group failed", "id", task.ID, "error", err)
	}
	*task = Task{}
}

func (m *Monitor) domainSum(dataDir, field string, nid int) uint64 {
	if nid >= 0 {
		v, _ := m.domainValue(dataDir, field, nid)
		return v
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return 0
	}
	var total uint64
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "mon_L3_") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dataDir, e.Name(), field))
		if err != nil {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total
}

// domainValue reads one field for one L3 domain; the kernel zero-pads the
// domain id to two digits.
func (m *Monitor) domainValue(dataDir, field string, nid int) (uint64, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("mon_L3_%02d", nid), field)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	m.logger.V(2).Info("domain value", "path", path, "value", v)
	return v, nil
}
