// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perf

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Number of sample pages mapped per CPU by precision level (one meta page is
// added on top).
const (
	mapPagesLow    = 64
	mapPagesNormal = 256
	mapPagesHigh   = 1024
)

// RingPages returns the number of data pages for a precision level.
func RingPages(precision string) int {
	switch precision {
	case "high":
		return mapPagesHigh
	case "low":
		return mapPagesLow
	default:
		return mapPagesNormal
	}
}

// RingDataSize returns the usable ring size in bytes for a precision level.
func RingDataSize(precision string) int {
	return RingPages(precision) * os.Getpagesize()
}

// Ring consumes a kernel perf ring buffer. The kernel publishes records by
// advancing data_head (read with acquire semantics); the consumer retires
// bytes by advancing data_tail (written with release semantics). The kernel
// guarantees data_head never wraps over data_tail.
//
// The meta page and data slice normally come from one mmap over the group
// leader fd, but tests may supply plain memory.
type Ring struct {
	meta *unix.PerfEventMmapPage
	data []byte
	mask uint64
}

// NewRing wraps a meta page and its data area. len(data) must be a power of
// two.
func NewRing(meta *unix.PerfEventMmapPage, data []byte) *Ring {
	return &Ring{
		meta: meta,
		data: data,
		mask: uint64(len(data) - 1),
	}
}

func (r *Ring) head() uint64 {
	return atomic.LoadUint64(&r.meta.Data_head)
}

func (r *Ring) tail() uint64 {
	return atomic.LoadUint64(&r.meta.Data_tail)
}

func (r *Ring) advance(n uint64) {
	atomic.StoreUint64(&r.meta.Data_tail, r.meta.Data_tail+n)
}

// Avail returns the number of unread bytes.
func (r *Ring) Avail() int {
	return int(r.head() - r.tail())
}

// Read copies len(buf) bytes from the ring into buf and retires them.
// It returns false, leaving the tail untouched, when fewer bytes are
// available; a partial record stays in the ring for the next drain.
func (r *Ring) Read(buf []byte) bool {
	size := uint64(len(buf))
	tail := r.tail()
	head := r.head()

	if head-tail < size {
		return false
	}

	off := tail & r.mask
	if n := uint64(len(r.data)) - off; n < size {
		copy(buf, r.data[off:])
		copy(buf[n:], r.data[:size-n])
	} else {
		copy(buf, r.data[off:off+size])
	}

	r.advance(size)
	return true
}

// Skip retires up to n bytes without copying them out.
func (r *Ring) Skip(n int) {
	size := uint64(n)
	if avail := r.head() - r.tail(); avail < size {
		size = avail
	}
	r.advance(size)
}

// Reset discards everything currently in the ring.
func (r *Ring) Reset() {
	head := r.head()
	atomic.StoreUint64(&r.meta.Data_tail, head)
}
