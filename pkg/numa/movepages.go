// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package numa reports the home node of sampled user pages via the
// move_pages system call (issued with no target nodes, which queries
// residency instead of migrating) and rolls latency samples up by node and
// by contiguous same-node region.
package numa

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// movePagesBatch bounds one move_pages call.
const movePagesBatch = 1024

// PageNodeFunc returns the home node for each address of a process, or a
// negative value per address that has no resident page. Production use is
// MovePages; tests inject fixtures.
type PageNodeFunc func(pid int, addrs []uint64) ([]int32, error)

// MovePages queries the kernel for the node each page currently resides
// on.
func MovePages(pid int, addrs []uint64) ([]int32, error) {
	status := make([]int32, len(addrs))
	if len(addrs) == 0 {
		return status, nil
	}

	pages := make([]uintptr, len(addrs))
	for i, a := range addrs {
		pages[i] = uintptr(a)
	}

	_, _, errno := unix.Syscall6(unix.SYS_MOVE_PAGES,
		uintptr(pid),
		uintptr(len(pages)),
		uintptr(unsafe.Pointer(&pages[0])),
		0, // no target nodes: query mode
		uintptr(unsafe.Pointer(&status[0])),
		0)
	if errno != 0 {
		return nil, fmt.Errorf("move_pages for %d: %w", pid, errno)
	}
	return status, nil
}

// NodeDst accumulates the accesses and total latency attributed to one
// node.
type NodeDst struct {
	NAccess  int
	TotalLat uint64
}

// Addr2NodeDst attributes each sampled address to the node its page
// resides on. Addresses whose status is negative (page not present) are
// skipped; the return value is the number of attributed accesses.
func Addr2NodeDst(pid int, pageNode PageNodeFunc, addrs []uint64, lats []uint64,
	dst []NodeDst) (int, error) {

	if len(addrs) != len(lats) {
		return 0, fmt.Errorf("addr/latency length mismatch: %d != %d", len(addrs), len(lats))
	}

	total := 0
	for off := 0; off < len(addrs); off += movePagesBatch {
		end := off + movePagesBatch
		if end > len(addrs) {
			end = len(addrs)
		}

		status, err := pageNode(pid, addrs[off:end])
		if err != nil {
			return total, err
		}

		for i, nid := range status {
			if nid >= 0 && int(nid) < len(dst) {
				dst[nid].NAccess++
				dst[nid].TotalLat += lats[off+i]
				total++
			}
		}
	}
	return total, nil
}

// Seg is a contiguous range of pages resident on one node.
type Seg struct {
	Start uint64
	End   uint64
	NodeID int32
}

// RegionMap walks the pages of [start, end) and coalesces neighbouring
// pages on the same node into segments.
func RegionMap(pid int, pageNode PageNodeFunc, start, end uint64) ([]Seg, error) {
	pageSize := uint64(os.Getpagesize())
	if end <= start {
		return nil, nil
	}

	var (
		segs []Seg
		cur  *Seg
	)
	addrs := make([]uint64, 0, movePagesBatch)

	for page := start; page < end; {
		addrs = addrs[:0]
		for ; page < end && len(addrs) < movePagesBatch; page += pageSize {
			addrs = append(addrs, page)
		}

		status, err := pageNode(pid, addrs)
		if err != nil {
			return nil, err
		}

		for i, nid := range status {
			addr := addrs[i]
			if cur != nil && cur.NodeID == nid && cur.End == addr {
				cur.End += pageSize
				continue
			}
			segs = append(segs, Seg{Start: addr, End: addr + pageSize, NodeID: nid})
			cur = &segs[len(segs)-1]
		}
	}
	return segs, nil
}
