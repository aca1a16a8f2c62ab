// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/perf"
	"github.com/antimetal/numascope/pkg/topology"
)

const meminfoNode0 = `Node 0 MemTotal:       16384 kB
Node 0 MemFree:         8192 kB
Node 0 MemUsed:         8192 kB
Node 0 Active:          4096 kB
Node 0 Inactive:        2048 kB
Node 0 Dirty:             64 kB
Node 0 Writeback:         32 kB
Node 0 Mapped:           512 kB
`

// writeSysfs builds a fake NUMA sysfs tree.
func writeSysfs(t *testing.T, root, online string, cpulists map[int]string) {
	t.Helper()

	nodeRoot := filepath.Join(root, "devices/system/node")
	require.NoError(t, os.MkdirAll(nodeRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nodeRoot, "online"), []byte(online+"\n"), 0o644))

	cpuRoot := filepath.Join(root, "devices/system/cpu")
	require.NoError(t, os.MkdirAll(cpuRoot, 0o755))

	all := ""
	for nid, list := range cpulists {
		dir := filepath.Join(nodeRoot, "node"+itoa(nid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cpulist"), []byte(list+"\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfoNode0), 0o644))
		if list != "" {
			if all != "" {
				all += ","
			}
			all += list
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(cpuRoot, "online"), []byte(all+"\n"), 0o644))
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func newTopo(t *testing.T, online string, cpulists map[int]string) (*topology.Topology, string) {
	t.Helper()
	root := t.TempDir()
	writeSysfs(t, root, online, cpulists)

	cfg := config.Config{HostSysPath: root}
	cfg.ApplyDefaults()
	cfg.HostSysPath = root

	topo, err := topology.New(cfg, logr.Discard())
	require.NoError(t, err)
	return topo, root
}

func TestParseIDList(t *testing.T) {
	tests := []struct {
		in   string
		want []int
	}{
		{"0", []int{0}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0-2,5-7", []int{0, 1, 2, 5, 6, 7}},
		{"1,3,5", []int{1, 3, 5}},
		{"", nil},
	}
	for _, tc := range tests {
		got, err := topology.ParseIDList(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := topology.ParseIDList("3-1")
	assert.Error(t, err)
}

func TestRefreshInitial(t *testing.T) {
	topo, _ := newTopo(t, "0-1", map[int]string{0: "0-3", 1: "4-7"})

	assert.Equal(t, 2, topo.NodeCount())
	assert.Equal(t, 8, topo.CPUIDMax())
	assert.Equal(t, 8, topo.OnlineCPUs())

	node0 := topo.Node(0)
	require.NotNil(t, node0)
	assert.True(t, node0.Valid())
	assert.Equal(t, 4, node0.NCPUs)

	assert.Equal(t, uint64(16384*1024), node0.Mem.Total)
	assert.Equal(t, uint64(8192*1024), node0.Mem.Free)
	assert.Equal(t, uint64(64*1024), node0.Mem.Dirty)
}

func TestNodeByCPU(t *testing.T) {
	topo, _ := newTopo(t, "0-1", map[int]string{0: "0-3", 1: "4-7"})

	node := topo.NodeByCPU(5)
	require.NotNil(t, node)
	assert.Equal(t, 1, node.ID)

	assert.Nil(t, topo.NodeByCPU(100))
	assert.Nil(t, topo.NodeByCPU(topology.InvalidCPUID))
}

func TestCPUTraverseVisitsEveryOnlineCPU(t *testing.T) {
	topo, _ := newTopo(t, "0-1", map[int]string{0: "0-1", 1: "2-3"})

	var visited []int
	err := topo.CPUTraverse(func(node *topology.Node, cpu *perf.Session) error {
		visited = append(visited, cpu.CPUID)
		return nil
	}, false, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, visited)
}

func TestHotRemoveFlagsAndReclaims(t *testing.T) {
	topo, root := newTopo(t, "0-1", map[int]string{0: "0-1", 1: "2-3"})

	// Node 1 disappears.
	writeSysfs(t, root, "0", map[int]string{0: "0-1"})
	require.NoError(t, topo.Refresh(false))
	assert.Equal(t, 1, topo.NodeCount())

	// The traverse frees hot-removed CPUs and invalidates the node.
	var visited []int
	require.NoError(t, topo.CPUTraverse(func(_ *topology.Node, cpu *perf.Session) error {
		visited = append(visited, cpu.CPUID)
		return nil
	}, false, nil))
	assert.ElementsMatch(t, []int{0, 1}, visited)

	assert.False(t, topo.Node(1).Valid())
	// CPUIDMax never shrinks: process accumulators are sized by it.
	assert.Equal(t, 4, topo.CPUIDMax())
}

func TestHotAddRunsHotaddFnOnce(t *testing.T) {
	topo, root := newTopo(t, "0", map[int]string{0: "0-1"})

	writeSysfs(t, root, "0", map[int]string{0: "0-3"})
	require.NoError(t, topo.Refresh(false))
	assert.Equal(t, 4, topo.CPUIDMax())

	hotadds := map[int]int{}
	require.NoError(t, topo.CPUTraverse(nil, false,
		func(_ *topology.Node, cpu *perf.Session) error {
			hotadds[cpu.CPUID]++
			return nil
		}))
	assert.Equal(t, map[int]int{2: 1, 3: 1}, hotadds)

	// A second traverse must not re-run the hot-add hook.
	hotadds = map[int]int{}
	require.NoError(t, topo.CPUTraverse(nil, false,
		func(_ *topology.Node, cpu *perf.Session) error {
			hotadds[cpu.CPUID]++
			return nil
		}))
	assert.Empty(t, hotadds)
}

func TestCountvalSum(t *testing.T) {
	topo, _ := newTopo(t, "0-1", map[int]string{0: "0-1", 1: "2-3"})
	m := perf.DefaultUICounterMap()

	counts := make([][perf.NumCounters]uint64, 4)
	counts[0][perf.CounterRMA] = 5
	counts[1][perf.CounterRMA] = 7
	counts[3][perf.CounterRMA] = 11

	assert.Equal(t, uint64(12), topo.CountvalSum(counts, 0, perf.UICounterRMA, m))
	assert.Equal(t, uint64(11), topo.CountvalSum(counts, 1, perf.UICounterRMA, m))
	assert.Equal(t, uint64(23), topo.CountvalSum(counts, topology.NodeAll, perf.UICounterRMA, m))
}

func TestProfilingClear(t *testing.T) {
	topo, _ := newTopo(t, "0", map[int]string{0: "0"})

	node := topo.Node(0)
	node.CountvalUpdate(perf.CounterClk, 42)
	assert.Equal(t, uint64(42), node.CountvalGet(perf.UICounterClk, perf.DefaultUICounterMap()))

	topo.ProfilingClear()
	assert.Equal(t, uint64(0), node.CountvalGet(perf.UICounterClk, perf.DefaultUICounterMap()))
}
