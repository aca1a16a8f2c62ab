// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package display

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/numascope/internal/dump"
	"github.com/antimetal/numascope/internal/sampler"
	"github.com/antimetal/numascope/internal/term"
	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/perf/plat"
	"github.com/antimetal/numascope/pkg/pqos"
	"github.com/antimetal/numascope/pkg/proc"
	"github.com/antimetal/numascope/pkg/topology"
)

type dispFixture struct {
	cfg      config.Config
	disp     *Display
	smp      *sampler.Sampler
	registry *proc.Registry
	screen   *term.NullScreen
	cancel   context.CancelFunc
	done     chan struct{}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newDispFixture fakes a two-node machine with one monitored process whose
// address map contains a data buffer.
func newDispFixture(t *testing.T) *dispFixture {
	t.Helper()

	sysRoot := t.TempDir()
	procRoot := t.TempDir()

	nodeRoot := filepath.Join(sysRoot, "devices/system/node")
	writeFile(t, filepath.Join(nodeRoot, "online"), "0-1\n")
	for nid := 0; nid < 2; nid++ {
		dir := filepath.Join(nodeRoot, fmt.Sprintf("node%d", nid))
		writeFile(t, filepath.Join(dir, "cpulist"), "\n")
		writeFile(t, filepath.Join(dir, "meminfo"),
			fmt.Sprintf("Node %d MemTotal: 1024 kB\nNode %d MemFree: 512 kB\n", nid, nid))
	}
	writeFile(t, filepath.Join(sysRoot, "devices/system/cpu/online"), "\n")

	writeFile(t, filepath.Join(procRoot, "100/comm"), "victim\n")
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "100/task/100"), 0o755))
	writeFile(t, filepath.Join(procRoot, "100/maps"),
		"40000000-41000000 rw-p 00000000 00:00 0                          /tmp/buf\n")

	cfg := config.Config{
		HostProcPath:    procRoot,
		HostSysPath:     sysRoot,
		HostResctrlPath: filepath.Join(sysRoot, "fs/resctrl"),
		Precision:       config.PrecisionNormal,
		RefreshInterval: time.Second,
	}
	cfg.ApplyDefaults()
	cfg.HostProcPath = procRoot
	cfg.HostSysPath = sysRoot

	topo, err := topology.New(cfg, logr.Discard())
	require.NoError(t, err)

	registry, err := proc.NewRegistry(cfg, topo.CPUIDMax, logr.Discard())
	require.NoError(t, err)
	require.NoError(t, registry.EnumUpdate(0))

	platform := &plat.Platform{
		Type:        plat.CPUSkx,
		UICounters:  perf.DefaultUICounterMap(),
		OffcoreNum:  2,
		Calibration: plat.FixedCalibration(2000000000),
	}

	monitor := pqos.NewMonitor(cfg.HostResctrlPath, logr.Discard())
	smp := sampler.New(cfg, platform, topo, registry, monitor, logr.Discard())

	screen := term.NewNullScreen(100, 30)
	dumpWriter, err := dump.NewWriter("")
	require.NoError(t, err)

	d := New(cfg, platform, topo, registry, smp, screen, dumpWriter, logr.Discard())
	smp.SetNotifier(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		smp.Run(ctx)
	}()

	f := &dispFixture{
		cfg:      cfg,
		disp:     d,
		smp:      smp,
		registry: registry,
		screen:   screen,
		cancel:   cancel,
		done:     done,
	}
	t.Cleanup(func() {
		f.smp.Quit()
		f.cancel()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Error("sampler did not exit")
		}
	})
	return f
}

func (f *dispFixture) lastFrame(t *testing.T) term.Frame {
	t.Helper()
	require.NotEmpty(t, f.screen.Frames)
	return f.screen.Frames[len(f.screen.Frames)-1]
}

// waitFlag polls the display's flag cell until the sampler completion
// lands; the tests pump the loop by hand.
func (f *dispFixture) waitFlag(t *testing.T, want dispFlag) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		f.disp.mu.Lock()
		got := f.disp.flag
		f.disp.mu.Unlock()
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("flag %d never arrived", want)
}

// Scenario: home -> monitor -> call-chain -> back -> back returns to the
// original home page, and its draw produces the same row model as the
// first draw.
func TestNavigationRoundTrip(t *testing.T) {
	f := newDispFixture(t)
	d := f.disp

	require.NoError(t, f.smp.ProfilingStart())

	d.Execute(&Command{ID: CmdHome})
	home := d.pages.Current()
	require.NotNil(t, home)
	assert.Equal(t, ViewRawNum, home.View.Type())
	firstFrame := f.lastFrame(t)

	d.Execute(&Command{ID: CmdMonitor, PID: 100})
	assert.Equal(t, ViewMoniProc, d.pages.Current().View.Type())

	// The call-chain pre-hook part-pauses the sampler and samples before
	// the first draw; simulate the data-ready completion.
	d.Execute(&Command{ID: CmdCallchain})
	require.True(t, d.pageNextExecute(false))
	assert.Equal(t, ViewCallchain, d.pages.Current().View.Type())
	assert.Equal(t, sampler.StateProfilingPartStarted, f.smp.State())

	d.Execute(&Command{ID: CmdBack})
	require.True(t, d.pageNextExecute(false))
	assert.Equal(t, ViewMoniProc, d.pages.Current().View.Type())
	// Leaving the call chain restored the full group.
	assert.Equal(t, sampler.StateProfilingStarted, f.smp.State())

	// The final back needs no sampler reconfiguration, so the home page
	// redraws immediately.
	d.Execute(&Command{ID: CmdBack})

	assert.Same(t, home, d.pages.Current())
	assert.Equal(t, 1, d.pages.Len())

	lastFrame := f.lastFrame(t)
	assert.Equal(t, firstFrame.Header, lastFrame.Header)
	assert.Equal(t, firstFrame.Rows, lastFrame.Rows)
}

// Scenario: a latency sample at 0x40001000 inside the /tmp/buf mapping
// whose page lives on node 1 rolls up into node 1's row.
func TestLatencyNodeAttribution(t *testing.T) {
	f := newDispFixture(t)
	d := f.disp

	d.SetPageNode(func(pid int, addrs []uint64) ([]int32, error) {
		out := make([]int32, len(addrs))
		for i := range addrs {
			out[i] = 1
		}
		return out, nil
	})

	p := f.registry.Find(100)
	require.NotNil(t, p)
	p.Lock()
	p.LatencyAdd(perf.LatencyRecord{Addr: 0x40001000, Latency: 200, TID: 100})
	p.Unlock()
	p.RefDec()

	view := &latNodeView{pid: 100}
	frame, ok := view.Draw(d.drawCtx())
	require.True(t, ok)

	require.Len(t, frame.Rows, 2)
	// Node 0 saw nothing; node 1 absorbed the access with 100 ns average
	// latency (200 cycles at 2 GHz).
	assert.Contains(t, frame.Rows[0], "     0         0")
	assert.Contains(t, frame.Rows[1], "     1         1")
	assert.Contains(t, frame.Rows[1], "100.0")
}

func TestLatencyRegionRollup(t *testing.T) {
	f := newDispFixture(t)
	d := f.disp

	p := f.registry.Find(100)
	require.NotNil(t, p)
	p.Lock()
	p.LatencyAdd(perf.LatencyRecord{Addr: 0x40001000, Latency: 100})
	p.LatencyAdd(perf.LatencyRecord{Addr: 0x40002000, Latency: 300})
	p.Unlock()
	p.RefDec()

	view := &latView{pid: 100}
	frame, ok := view.Draw(d.drawCtx())
	require.True(t, ok)

	// Both samples fall into the one /tmp/buf mapping.
	require.Len(t, frame.Rows, 1)
	assert.Contains(t, frame.Rows[0], "/tmp/buf")
	assert.Contains(t, frame.Rows[0], "2")

	// The highlighted region feeds the latency call-chain command.
	addr, size, ok := view.selectedRegion()
	require.True(t, ok)
	assert.Equal(t, uint64(0x40000000), addr)
	assert.Equal(t, uint64(0x1000000), size)
}

func TestVanishedProcessNavigatesHome(t *testing.T) {
	f := newDispFixture(t)
	d := f.disp

	require.NoError(t, f.smp.ProfilingStart())
	d.Execute(&Command{ID: CmdHome})

	// A monitor page whose target never existed draws nothing and posts
	// the process-exited warning.
	d.pages.Create(Command{ID: CmdMonitor, PID: 777})
	d.pageNextExecute(false)

	assert.NotEmpty(t, f.screen.Warnings)
	assert.Contains(t, f.screen.Warnings[len(f.screen.Warnings)-1], "exited")
}

func TestCommandSlotOverwriteDropsOlder(t *testing.T) {
	f := newDispFixture(t)
	d := f.disp

	// A refresh posted while a configuration change lands is dropped: the
	// single-slot cell keeps only the latest command.
	d.PostCmd(Command{ID: CmdRefresh})
	d.PostCmd(Command{ID: CmdMonitor, PID: 100})

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, flagCmd, d.flag)
	assert.Equal(t, CmdMonitor, d.cmdSlot.ID)
}

func TestTerminalTooSmallSuspendsRendering(t *testing.T) {
	f := newDispFixture(t)
	d := f.disp
	f.screen.Width, f.screen.Height = 40, 10

	require.NoError(t, f.smp.ProfilingStart())
	d.Execute(&Command{ID: CmdHome})

	assert.Empty(t, f.screen.Frames)
	require.NotEmpty(t, f.screen.Warnings)
	assert.Contains(t, f.screen.Warnings[0], "Terminal size is too small")

	// Resize back above the minimum and redraw the same page. The refresh
	// samples first; pump the completion by hand.
	f.screen.Width, f.screen.Height = 100, 30
	d.Execute(&Command{ID: CmdResize})
	f.waitFlag(t, flagProfilingReady)
	require.True(t, d.pageNextExecute(false))
	assert.NotEmpty(t, f.screen.Frames)
}

func TestResizeRedrawsSamePage(t *testing.T) {
	f := newDispFixture(t)
	d := f.disp

	require.NoError(t, f.smp.ProfilingStart())
	d.Execute(&Command{ID: CmdHome})
	cur := d.pages.Current()
	before := f.lastFrame(t)

	f.screen.Width = 120
	d.screen.Rebuild()
	d.Execute(&Command{ID: CmdResize})
	f.waitFlag(t, flagProfilingReady)
	require.True(t, d.pageNextExecute(false))

	assert.Same(t, cur, d.pages.Current())
	after := f.lastFrame(t)
	assert.Equal(t, before.Rows, after.Rows)
}
