// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageStackPushThenBack(t *testing.T) {
	var l PageList

	home := l.Create(Command{ID: CmdHome})
	l.SetCurrent(home)

	mon := l.Create(Command{ID: CmdMonitor, PID: 100})
	l.SetCurrent(mon)

	// Back yields the original page.
	prev := l.CurPrev()
	require.Same(t, home, prev)
	l.DropNext(prev)
	l.SetCurrent(prev)

	assert.Same(t, home, l.Current())
	assert.Equal(t, 1, l.Len())
}

func TestPageStackDoubleBack(t *testing.T) {
	var l PageList

	home := l.Create(Command{ID: CmdHome})
	l.SetCurrent(home)
	a := l.Create(Command{ID: CmdMonitor, PID: 1})
	l.SetCurrent(a)
	b := l.Create(Command{ID: CmdCallchain, PID: 1})
	l.SetCurrent(b)
	require.Equal(t, 3, l.Len())

	l.SetCurrent(l.CurPrev())
	assert.Same(t, a, l.Current())
	l.SetCurrent(l.CurPrev())
	assert.Same(t, home, l.Current())
}

func TestPushDropsSuccessors(t *testing.T) {
	var l PageList

	home := l.Create(Command{ID: CmdHome})
	l.SetCurrent(home)
	a := l.Create(Command{ID: CmdMonitor, PID: 1})
	l.SetCurrent(a)
	l.SetCurrent(l.Create(Command{ID: CmdCallchain, PID: 1}))

	// Navigate back to a, then push: the callchain page is truncated.
	l.DropNext(a)
	l.SetCurrent(a)
	lat := l.Create(Command{ID: CmdLatency, PID: 1})
	l.SetCurrent(lat)

	assert.Equal(t, 3, l.Len())
	assert.Same(t, lat, a.next)
	assert.Same(t, a, lat.prev)
	assert.Nil(t, lat.next)
}

func TestHomeFromAnyDepthYieldsSingleElementStack(t *testing.T) {
	var l PageList

	l.SetCurrent(l.Create(Command{ID: CmdHome}))
	l.SetCurrent(l.Create(Command{ID: CmdMonitor, PID: 1}))
	l.SetCurrent(l.Create(Command{ID: CmdLatency, PID: 1}))
	l.SetCurrent(l.Create(Command{ID: CmdLLCallchain, PID: 1}))

	l.Reset()
	home := l.Create(Command{ID: CmdHome})
	l.SetCurrent(home)

	assert.Equal(t, 1, l.Len())
	assert.Nil(t, home.prev)
	assert.Nil(t, home.next)
}

func TestBackOnRootIsNil(t *testing.T) {
	var l PageList
	l.SetCurrent(l.Create(Command{ID: CmdHome}))
	assert.Nil(t, l.CurPrev())
}

func TestDispatchTableInvariants(t *testing.T) {
	table := newDispatchTable()

	for v := ViewType(0); v < NumViewTypes; v++ {
		// Every view can refresh and resize.
		assert.NotNil(t, table[v][CmdRefresh].op, "view %d refresh", v)
		assert.NotNil(t, table[v][CmdResize].op, "view %d resize", v)
		// Every view can go home.
		assert.NotNil(t, table[v][CmdHome].op, "view %d home", v)
	}

	// Back on the root view is a no-op.
	assert.Nil(t, table[ViewRawNum][CmdBack].op)
	assert.Nil(t, table[ViewRawNum][CmdBack].preop)

	// Everywhere else back pops the stack.
	for v := ViewType(1); v < NumViewTypes; v++ {
		assert.NotNil(t, table[v][CmdBack].op, "view %d back", v)
	}

	// Node overview is disabled in the latency family and in itself.
	for _, v := range []ViewType{ViewLatProc, ViewLatThread, ViewLatNodeProc,
		ViewLatNodeThread, ViewAccdstProc, ViewAccdstThread, ViewNodeOverview,
		ViewCallchain, ViewLLCallchain} {
		assert.Nil(t, table[v][CmdNodeOverview].op, "view %d node overview", v)
	}

	// In the call-chain view the numeric keys change the counter
	// selection, not the sort order.
	for c := Cmd1; c <= Cmd4; c++ {
		assert.NotNil(t, table[ViewCallchain][c].op)
	}
}

func TestCommandForKeyContextSensitivity(t *testing.T) {
	assert.Equal(t, CmdCallchain, CommandForKey('c', ViewMoniProc, false))
	assert.Equal(t, CmdLLCallchain, CommandForKey('c', ViewLatProc, false))
	assert.Equal(t, CmdInvalid, CommandForKey('c', ViewRawNum, false))

	assert.Equal(t, CmdHome, CommandForKey('h', ViewRawNum, false))
	assert.Equal(t, CmdQuit, CommandForKey('q', ViewRawNum, false))
	assert.Equal(t, Cmd3, CommandForKey('3', ViewRawNum, false))

	// PQoS keys only exist when the platform supports CMT.
	assert.Equal(t, CmdInvalid, CommandForKey('o', ViewMoniProc, false))
	assert.Equal(t, CmdPQoSCMT, CommandForKey('o', ViewMoniProc, true))

	assert.Equal(t, CmdInvalid, CommandForKey('z', ViewRawNum, false))
}

func TestScrollListClamps(t *testing.T) {
	var s scrollList
	s.setRows(3)
	assert.Equal(t, 0, s.highlight)

	s.Scroll(-1)
	assert.Equal(t, 0, s.highlight)

	s.Scroll(1)
	s.Scroll(1)
	s.Scroll(1)
	assert.Equal(t, 2, s.highlight)

	s.setRows(0)
	assert.Equal(t, -1, s.highlight)
}
