// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perf

import (
	"encoding/binary"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/antimetal/numascope/pkg/errors"
)

func newTestSession(ringSize int) (*Session, *fakeRing) {
	s := &Session{}
	s.Init(0, false, logr.Discard())
	f := newFakeRing(ringSize)
	s.SetRing(f.ring)
	return s, f
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// countingSample encodes one PERF_RECORD_SAMPLE as a counting session
// produces it: header, {pid,tid}, nr, time_enabled, time_running, values,
// chain length, ips.
func countingSample(pid, tid uint32, enabled, running uint64, values []uint64, ips []uint64) []byte {
	var body []byte

	var id [8]byte
	binary.LittleEndian.PutUint32(id[0:4], pid)
	binary.LittleEndian.PutUint32(id[4:8], tid)
	body = append(body, id[:]...)

	body = append(body, u64(uint64(len(values)))...)
	body = append(body, u64(enabled)...)
	body = append(body, u64(running)...)
	for _, v := range values {
		body = append(body, u64(v)...)
	}
	body = append(body, u64(uint64(len(ips)))...)
	for _, ip := range ips {
		body = append(body, u64(ip)...)
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], unix.PERF_RECORD_SAMPLE)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(len(body)+8))
	return append(hdr[:], body...)
}

// latencySample encodes one load-latency sample: header, {pid,tid}, addr,
// cpu, nr, ips, weight.
func latencySample(pid, tid uint32, addr, cpu, weight uint64, ips []uint64) []byte {
	var body []byte

	var id [8]byte
	binary.LittleEndian.PutUint32(id[0:4], pid)
	binary.LittleEndian.PutUint32(id[4:8], tid)
	body = append(body, id[:]...)

	body = append(body, u64(addr)...)
	body = append(body, u64(cpu)...)
	body = append(body, u64(uint64(len(ips)))...)
	for _, ip := range ips {
		body = append(body, u64(ip)...)
	}
	body = append(body, u64(weight)...)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], unix.PERF_RECORD_SAMPLE)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(len(body)+8))
	return append(hdr[:], body...)
}

func TestScalingCorrectness(t *testing.T) {
	s, _ := newTestSession(4096)

	// value * time_enabled / time_running corrects multiplexing skew.
	assert.Equal(t, uint64(200), s.scale(100, 1000, 500))

	// Zero running time yields zero rather than dividing.
	assert.Equal(t, uint64(0), s.scale(100, 1000, 0))

	// Equal enabled and running times leave the value unchanged.
	assert.Equal(t, uint64(100), s.scale(100, 1000, 1000))
}

func TestReadCountingScalesAndFilters(t *testing.T) {
	s, f := newTestSession(4096)

	f.produce(countingSample(100, 100, 1000, 500, []uint64{100, 10}, []uint64{0x400000}))
	// Kernel/idle samples are discarded.
	f.produce(countingSample(0, 0, 1000, 1000, []uint64{5, 5}, nil))
	f.produce(countingSample(100, 100, 1000, 1000, []uint64{300, 30}, nil))

	out := make([]CountingRecord, 8)
	n := s.ReadCounting(out)
	require.Equal(t, 2, n)

	assert.Equal(t, uint32(100), out[0].PID)
	assert.Equal(t, uint64(200), out[0].Counts[0])
	assert.Equal(t, uint64(20), out[0].Counts[1])
	assert.Equal(t, []uint64{0x400000}, out[0].IPs)

	assert.Equal(t, uint64(300), out[1].Counts[0])
}

func TestReadCountingKeepsOnlyUserspaceIPs(t *testing.T) {
	s, f := newTestSession(4096)

	f.produce(countingSample(1, 1, 1, 1, []uint64{1},
		[]uint64{0xffff880000001000, 0x401000, 0xffffffff81000000, 0x402000}))

	out := make([]CountingRecord, 2)
	n := s.ReadCounting(out)
	require.Equal(t, 1, n)
	assert.Equal(t, []uint64{0x401000, 0x402000}, out[0].IPs)
}

func TestDeltaMonotonicity(t *testing.T) {
	s, _ := newTestSession(4096)

	base := CountingRecord{Counts: [NumCounters]uint64{1000000, 10}}
	s.Rebase(&base)

	var diff [NumCounters]uint64

	next := CountingRecord{Counts: [NumCounters]uint64{3000000, 33}}
	s.Deltas(&next, &diff)
	assert.Equal(t, uint64(2000000), diff[0])
	assert.Equal(t, uint64(23), diff[1])

	// A regressed value indicates lost samples and becomes zero, never
	// negative.
	regressed := CountingRecord{Counts: [NumCounters]uint64{2500000, 40}}
	s.Deltas(&regressed, &diff)
	assert.Equal(t, uint64(0), diff[0])
	assert.Equal(t, uint64(7), diff[1])

	// The baseline advanced to the regressed value.
	again := CountingRecord{Counts: [NumCounters]uint64{2500000, 40}}
	s.Deltas(&again, &diff)
	assert.Equal(t, uint64(0), diff[0])
	assert.Equal(t, uint64(0), diff[1])
}

// Scenario: counter group {CLK, RMA}, three samples for pid 100, deltas
// 2000000 CLK and 23 RMA, with two overflow chains on RMA.
func TestCountingScenario(t *testing.T) {
	s, f := newTestSession(8192)

	chain := []uint64{0x400100, 0x400200}
	f.produce(countingSample(100, 100, 1, 1, []uint64{1000000, 10}, chain))
	f.produce(countingSample(100, 100, 1, 1, []uint64{2000000, 21}, chain))
	f.produce(countingSample(100, 100, 1, 1, []uint64{3000000, 33}, chain))

	out := make([]CountingRecord, 8)
	n := s.ReadCounting(out)
	require.Equal(t, 3, n)

	s.Rebase(&out[0])
	var clkTotal, rmaTotal uint64
	var diff [NumCounters]uint64
	chains := 0
	for i := 1; i < n; i++ {
		s.Deltas(&out[i], &diff)
		clkTotal += diff[0]
		rmaTotal += diff[1]
		if len(out[i].IPs) > 0 && diff[1] >= 10 {
			chains++
		}
	}

	assert.Equal(t, uint64(2000000), clkTotal)
	assert.Equal(t, uint64(23), rmaTotal)
	assert.Equal(t, 2, chains)
}

func TestReadLatency(t *testing.T) {
	s, f := newTestSession(4096)

	f.produce(latencySample(200, 201, 0x40001000, 3, 150, []uint64{0x400500}))
	f.produce(latencySample(0, 0, 0x1000, 0, 1, nil))

	out := make([]LatencyRecord, 4)
	n := s.ReadLatency(out)
	require.Equal(t, 1, n)

	rec := out[0]
	assert.Equal(t, uint32(200), rec.PID)
	assert.Equal(t, uint32(201), rec.TID)
	assert.Equal(t, uint64(0x40001000), rec.Addr)
	assert.Equal(t, uint64(3), rec.CPU)
	assert.Equal(t, uint64(150), rec.Latency)
	assert.Equal(t, []uint64{0x400500}, rec.IPs)
}

func TestReadSkipsNonSampleRecords(t *testing.T) {
	s, f := newTestSession(4096)

	// A PERF_RECORD_LOST-style record is skipped, not decoded.
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 24)
	f.produce(append(hdr[:], make([]byte, 16)...))
	f.produce(countingSample(7, 7, 1, 1, []uint64{42}, nil))

	out := make([]CountingRecord, 4)
	n := s.ReadCounting(out)
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(42), out[0].Counts[0])
}

func TestClassifyOpenErr(t *testing.T) {
	// Transient kernel conditions are marked retryable so the backoff
	// loop retries them; hard failures are not.
	assert.True(t, errors.Retryable(classifyOpenErr(unix.EAGAIN)))
	assert.True(t, errors.Retryable(classifyOpenErr(unix.EBUSY)))
	assert.True(t, errors.Retryable(classifyOpenErr(unix.EINTR)))
	assert.False(t, errors.Retryable(classifyOpenErr(unix.EACCES)))
	assert.False(t, errors.Retryable(classifyOpenErr(unix.ENODEV)))

	// The wrapped chain still exposes the original errno.
	assert.True(t, errors.Is(classifyOpenErr(unix.EAGAIN), unix.EAGAIN))
}

func TestAttrValid(t *testing.T) {
	assert.False(t, Attr{Config: InvalidConfig}.Valid())
	assert.True(t, Attr{Config: 0x5301B7}.Valid())
}

func TestUICounterAggregate(t *testing.T) {
	m := DefaultUICounterMap()
	counts := [NumCounters]uint64{10, 20, 30, 40, 50}

	assert.Equal(t, uint64(20), m.Aggregate(UICounterRMA, &counts))
	assert.Equal(t, uint64(50), m.Aggregate(UICounterLMA, &counts))
	assert.Equal(t, uint64(0), m.Aggregate(UICounterInvalid, &counts))

	// A platform without a local-access event reports zero LMA.
	m[UICounterLMA] = nil
	assert.Equal(t, uint64(0), m.Aggregate(UICounterLMA, &counts))
}
