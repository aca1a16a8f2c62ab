// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"fmt"
	"sync"
	"time"
)

// statusTimeout bounds the display thread's rendezvous with the sampler on
// configuration changes; exceeding it is treated as a sampling failure.
const statusTimeout = 60 * time.Second

// statusCell publishes the sampler state to waiting threads. Every set
// wakes all current waiters.
type statusCell struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

func newStatusCell() *statusCell {
	return &statusCell{changed: make(chan struct{})}
}

func (c *statusCell) set(s State) {
	c.mu.Lock()
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *statusCell) get() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// waitFor blocks until the sampler reaches the target state. A failed
// state or the timeout aborts the wait with an error.
func (c *statusCell) waitFor(target State) error {
	deadline := time.NewTimer(statusTimeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		state := c.state
		wait := c.changed
		c.mu.Unlock()

		if state == target {
			return nil
		}
		if state.failed() {
			return fmt.Errorf("sampler entered %s while waiting for %s", state, target)
		}

		select {
		case <-wait:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for sampler state %s", target)
		}
	}
}
