// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perf

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// MaxChainDepth bounds the number of user-space frames kept per sample.
const MaxChainDepth = 32

// recordHeader mirrors struct perf_event_header from the kernel ABI.
type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const recordHeaderSize = 8

// CountingRecord is one decoded PERF_RECORD_SAMPLE from a counting session.
// Counts hold the scaled per-group values at the moment of overflow.
type CountingRecord struct {
	PID    uint32
	TID    uint32
	Counts [NumCounters]uint64
	IPs    []uint64
}

// LatencyRecord is one decoded load-latency sample. Latency is the raw
// weight in core cycles.
type LatencyRecord struct {
	PID     uint32
	TID     uint32
	Addr    uint64
	CPU     uint64
	Latency uint64
	IPs     []uint64
}

// isUserspaceIP reports whether an instruction pointer lies in the
// user-space half of the canonical address space.
func isUserspaceIP(ip uint64) bool {
	return ip>>63 == 0
}

type ringDecoder struct {
	ring    *Ring
	scratch [8]byte
	left    int
	failed  bool
}

func newRingDecoder(ring *Ring, size int) *ringDecoder {
	return &ringDecoder{ring: ring, left: size}
}

func (d *ringDecoder) u32pair() (uint32, uint32) {
	if d.failed || !d.ring.Read(d.scratch[:8]) {
		d.failed = true
		return 0, 0
	}
	d.left -= 8
	return binary.LittleEndian.Uint32(d.scratch[:4]),
		binary.LittleEndian.Uint32(d.scratch[4:8])
}

func (d *ringDecoder) u64() uint64 {
	if d.failed || !d.ring.Read(d.scratch[:8]) {
		d.failed = true
		return 0
	}
	d.left -= 8
	return binary.LittleEndian.Uint64(d.scratch[:8])
}

// finish retires whatever the decoder did not consume of the record body.
func (d *ringDecoder) finish() {
	if d.left > 0 {
		d.ring.Skip(d.left)
		d.left = 0
	}
}

// decodeCounting reads the body of a counting sample:
//
//	{ u32 pid, tid; }
//	{ u64 nr; }
//	{ u64 time_enabled; }
//	{ u64 time_running; }
//	{ u64 cntr[nr]; }
//	{ u64 nr; }
//	{ u64 ips[nr]; }
//
// Counter values are scaled by time_enabled/time_running to defeat PMU
// multiplexing skew. Only user-space IPs are kept.
func (s *Session) decodeCounting(size int, rec *CountingRecord) bool {
	d := newRingDecoder(s.ring, size)
	defer d.finish()

	pid, tid := d.u32pair()
	nr := d.u64()
	timeEnabled := d.u64()
	timeRunning := d.u64()
	if d.failed || nr > NumCounters {
		return false
	}

	// The record buffer is reused across reads.
	rec.Counts = [NumCounters]uint64{}

	for i := uint64(0); i < nr; i++ {
		value := d.u64()
		rec.Counts[i] = s.scale(value, timeEnabled, timeRunning)
	}

	chainLen := d.u64()
	if d.failed {
		return false
	}

	rec.IPs = rec.IPs[:0]
	for i := uint64(0); i < chainLen; i++ {
		ip := d.u64()
		if d.failed {
			return false
		}
		if len(rec.IPs) < MaxChainDepth && isUserspaceIP(ip) {
			rec.IPs = append(rec.IPs, ip)
		}
	}

	rec.PID = pid
	rec.TID = tid
	return !d.failed
}

// decodeLatency reads the body of a load-latency sample:
//
//	{ u32 pid, tid; }
//	{ u64 addr; }
//	{ u64 cpu; }
//	{ u64 nr; }
//	{ u64 ips[nr]; }
//	{ u64 weight; }
func (s *Session) decodeLatency(size int, rec *LatencyRecord) bool {
	d := newRingDecoder(s.ring, size)
	defer d.finish()

	pid, tid := d.u32pair()
	addr := d.u64()
	cpu := d.u64()
	chainLen := d.u64()
	if d.failed {
		return false
	}

	rec.IPs = rec.IPs[:0]
	for i := uint64(0); i < chainLen; i++ {
		ip := d.u64()
		if d.failed {
			return false
		}
		if len(rec.IPs) < MaxChainDepth && isUserspaceIP(ip) {
			rec.IPs = append(rec.IPs, ip)
		}
	}

	weight := d.u64()
	if d.failed {
		return false
	}

	rec.PID = pid
	rec.TID = tid
	rec.Addr = addr
	rec.CPU = cpu
	rec.Latency = weight
	return true
}

// readHeader pulls the next record header; false means the ring holds no
// complete header.
func (s *Session) readHeader(hdr *recordHeader) bool {
	var buf [recordHeaderSize]byte
	if !s.ring.Read(buf[:]) {
		return false
	}
	hdr.Type = binary.LittleEndian.Uint32(buf[0:4])
	hdr.Misc = binary.LittleEndian.Uint16(buf[4:6])
	hdr.Size = binary.LittleEndian.Uint16(buf[6:8])
	return true
}

const recordTypeSample = unix.PERF_RECORD_SAMPLE
