// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"sync"

	"github.com/antimetal/numascope/pkg/perf"
)

// State is the sampler's configuration state. At most one of profiling,
// load latency, PQoS and uncore is active at a time.
type State int

const (
	StateIdle State = iota
	StateProfilingStarted
	StateProfilingPartStarted
	StateProfilingFailed
	StateLLStarted
	StateLLFailed
	StatePQoSStarted
	StatePQoSFailed
	StateUncoreStarted
	StateUncoreFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProfilingStarted:
		return "profiling"
	case StateProfilingPartStarted:
		return "profiling-partial"
	case StateProfilingFailed:
		return "profiling-failed"
	case StateLLStarted:
		return "load-latency"
	case StateLLFailed:
		return "load-latency-failed"
	case StatePQoSStarted:
		return "pqos"
	case StatePQoSFailed:
		return "pqos-failed"
	case StateUncoreStarted:
		return "uncore"
	case StateUncoreFailed:
		return "uncore-failed"
	}
	return "unknown"
}

func (s State) failed() bool {
	switch s {
	case StateProfilingFailed, StateLLFailed, StatePQoSFailed, StateUncoreFailed:
		return true
	}
	return false
}

// Task is one unit of work posted to the sampler's mailbox.
type Task interface {
	isTask()
}

type TaskProfilingStart struct{}

// TaskProfilingSmpl requests a sample drain. With ToSecondary set the
// completion is signalled on the secondary display flag, used by pre-hooks
// that need a synchronisation sample before reconfiguring.
type TaskProfilingSmpl struct {
	ToSecondary bool
}

// TaskPartPause leaves only the named counters running; an empty set (or
// one containing the leader) stops the whole group.
type TaskPartPause struct {
	Keep []perf.CounterID
}

// TaskRestore resumes the full group after a partial pause.
type TaskRestore struct {
	Kept []perf.CounterID
}

type TaskLLStart struct{}

// TaskLLSmpl drains the latency sessions, attributing only samples matching
// the target; a zero PID matches everything, a zero TID any thread of PID.
type TaskLLSmpl struct {
	PID int
	TID int
}

type TaskPQoSStart struct {
	PID   int
	TID   int
	Flags int
}

type TaskPQoSSmpl struct {
	PID int
	TID int
}

type TaskPQoSStop struct {
	PID int
	TID int
}

type TaskUncoreStart struct{ NodeID int }
type TaskUncoreSmpl struct{ NodeID int }
type TaskUncoreStop struct{ NodeID int }

type TaskStop struct{}
type TaskQuit struct{}

func (TaskProfilingStart) isTask() {}
func (TaskProfilingSmpl) isTask()  {}
func (TaskPartPause) isTask()      {}
func (TaskRestore) isTask()        {}
func (TaskLLStart) isTask()        {}
func (TaskLLSmpl) isTask()         {}
func (TaskPQoSStart) isTask()      {}
func (TaskPQoSSmpl) isTask()       {}
func (TaskPQoSStop) isTask()       {}
func (TaskUncoreStart) isTask()    {}
func (TaskUncoreSmpl) isTask()     {}
func (TaskUncoreStop) isTask()     {}
func (TaskStop) isTask()           {}
func (TaskQuit) isTask()           {}

// mailbox is the single-slot task cell. Posting overwrites an unconsumed
// task; the sampler observes posts in FIFO order because the display waits
// for a status rendezvous before posting the next configuration change.
type mailbox struct {
	mu     sync.Mutex
	task   Task
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(t Task) {
	m.mu.Lock()
	m.task = t
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// take blocks until a task is available or stop is closed.
func (m *mailbox) take(stop <-chan struct{}) (Task, bool) {
	for {
		m.mu.Lock()
		t := m.task
		m.task = nil
		m.mu.Unlock()

		if t != nil {
			return t, true
		}

		select {
		case <-m.signal:
		case <-stop:
			return nil, false
		}
	}
}
