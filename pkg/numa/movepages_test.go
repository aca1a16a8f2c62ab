// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package numa_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/numascope/pkg/numa"
)

func pagesize() int {
	return os.Getpagesize()
}

// fixedNodes assigns every page to a node by a lookup table, defaulting to
// "not present".
func fixedNodes(table map[uint64]int32) numa.PageNodeFunc {
	return func(pid int, addrs []uint64) ([]int32, error) {
		out := make([]int32, len(addrs))
		for i, a := range addrs {
			if nid, ok := table[a]; ok {
				out[i] = nid
			} else {
				out[i] = -2 // -ENOENT
			}
		}
		return out, nil
	}
}

// Scenario: a latency sample at 0x40001000 whose page resides on node 1
// rolls up into node 1's row.
func TestAddr2NodeDstAttribution(t *testing.T) {
	pageNode := fixedNodes(map[uint64]int32{
		0x40001000: 1,
		0x50000000: 0,
		0x50001000: 0,
	})

	addrs := []uint64{0x40001000, 0x50000000, 0x50001000, 0xdead0000}
	lats := []uint64{200, 100, 300, 50}

	dst := make([]numa.NodeDst, 4)
	total, err := numa.Addr2NodeDst(100, pageNode, addrs, lats, dst)
	require.NoError(t, err)

	// The unmapped address is skipped.
	assert.Equal(t, 3, total)

	assert.Equal(t, 1, dst[1].NAccess)
	assert.Equal(t, uint64(200), dst[1].TotalLat)

	assert.Equal(t, 2, dst[0].NAccess)
	assert.Equal(t, uint64(400), dst[0].TotalLat)
}

func TestAddr2NodeDstPerRegionTotals(t *testing.T) {
	// Per-region access and latency sums must equal the stream's totals.
	table := map[uint64]int32{}
	var addrs, lats []uint64
	wantAccess := map[int32]int{}
	wantLat := map[int32]uint64{}

	for i := uint64(0); i < 100; i++ {
		addr := 0x10000000 + i*0x1000
		nid := int32(i % 3)
		table[addr] = nid
		addrs = append(addrs, addr)
		lats = append(lats, i)
		wantAccess[nid]++
		wantLat[nid] += i
	}

	dst := make([]numa.NodeDst, 3)
	total, err := numa.Addr2NodeDst(1, fixedNodes(table), addrs, lats, dst)
	require.NoError(t, err)
	assert.Equal(t, 100, total)

	for nid := int32(0); nid < 3; nid++ {
		assert.Equal(t, wantAccess[nid], dst[nid].NAccess, "node %d", nid)
		assert.Equal(t, wantLat[nid], dst[nid].TotalLat, "node %d", nid)
	}
}

func TestAddr2NodeDstLengthMismatch(t *testing.T) {
	dst := make([]numa.NodeDst, 1)
	_, err := numa.Addr2NodeDst(1, fixedNodes(nil), []uint64{1}, nil, dst)
	assert.Error(t, err)
}

func TestRegionMapCoalesces(t *testing.T) {
	pageSize := uint64(pagesize())

	start := uint64(0x40000000)
	table := map[uint64]int32{}
	// Pages 0-2 on node 0, page 3 on node 1, pages 4-5 on node 0.
	for i := uint64(0); i < 6; i++ {
		nid := int32(0)
		if i == 3 {
			nid = 1
		}
		table[start+i*pageSize] = nid
	}

	segs, err := numa.RegionMap(1, fixedNodes(table), start, start+6*pageSize)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, numa.Seg{Start: start, End: start + 3*pageSize, NodeID: 0}, segs[0])
	assert.Equal(t, numa.Seg{Start: start + 3*pageSize, End: start + 4*pageSize, NodeID: 1}, segs[1])
	assert.Equal(t, numa.Seg{Start: start + 4*pageSize, End: start + 6*pageSize, NodeID: 0}, segs[2])
}
