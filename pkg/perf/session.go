// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perf

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/antimetal/numascope/pkg/errors"
)

const invalidFD = -1

// Attr describes one counter to open: the raw PMU descriptor from the
// platform table plus its overflow period.
type Attr struct {
	Counter      CounterID
	Type         uint32
	Config       uint64
	Config1      uint64
	SamplePeriod uint64
}

// InvalidConfig marks a counter slot the platform table cannot provide.
const InvalidConfig = ^uint64(0)

// Valid reports whether the platform table produced a usable descriptor.
// An invalid config terminates the group setup (invalid entries sit at the
// end of the table).
func (a Attr) Valid() bool {
	return a.Config != InvalidConfig
}

// Session owns the kernel counter session for one logical CPU: the grouped
// fds, the mapped ring buffer and the last-seen counter values used for
// delta computation. A Session must only be touched on the sampler thread.
type Session struct {
	CPUID int

	// Hit/Hotadd/Hotremove drive the topology refresh walk.
	Hit       bool
	Hotadd    bool
	Hotremove bool

	fds        [NumCounters]int
	mapBuf     []byte
	ring       *Ring
	lastCounts [NumCounters]uint64

	logger logr.Logger
}

// Init resets a session slot to the invalid state.
func (s *Session) Init(cpuid int, hotadd bool, logger logr.Logger) {
	s.CPUID = cpuid
	s.Hotadd = hotadd
	s.Hotremove = false
	s.logger = logger
	s.reset()
}

func (s *Session) reset() {
	for i := range s.fds {
		s.fds[i] = invalidFD
	}
	s.mapBuf = nil
	s.ring = nil
	s.lastCounts = [NumCounters]uint64{}
}

// Valid reports whether the session has a live ring buffer.
func (s *Session) Valid() bool {
	return s.ring != nil
}

// Ring exposes the mapped ring for tests and draining helpers.
func (s *Session) Ring() *Ring {
	return s.ring
}

// SetRing installs a caller-supplied ring. Tests use it to feed synthetic
// records without a kernel session.
func (s *Session) SetRing(ring *Ring) {
	s.ring = ring
}

// classifyOpenErr marks the transient perf_event_open failures as
// retryable; everything else (EACCES, ENODEV, bad attr) is permanent.
func classifyOpenErr(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.EINTR) {
		return errors.WrapRetryable(err)
	}
	return err
}

func (s *Session) open(ctx context.Context, attr *unix.PerfEventAttr, groupFD int) (int, error) {
	op := func() (int, error) {
		fd, err := unix.PerfEventOpen(attr, -1, s.CPUID, groupFD, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			err = classifyOpenErr(err)
			if !errors.Retryable(err) {
				return invalidFD, backoff.Permanent(err)
			}
			return invalidFD, err
		}
		return fd, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(3))
}

// ProfilingSetup opens the counting group for this CPU. The first valid
// counter is the disabled group leader and owns the ring buffer; secondary
// counters redirect their output into the leader's ring. On any failure all
// opened descriptors are closed and the session stays invalid.
func (s *Session) ProfilingSetup(ctx context.Context, attrs []Attr, ringBytes int) error {
	s.reset()

	for i, conf := range attrs {
		if !conf.Valid() {
			// Invalid config is at the end of array.
			break
		}

		attr := unix.PerfEventAttr{
			Type:        conf.Type,
			Config:      conf.Config,
			Ext1:        conf.Config1,
			Sample:      conf.SamplePeriod,
			Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_READ | unix.PERF_SAMPLE_CALLCHAIN,
			Read_format: unix.PERF_FORMAT_GROUP | unix.PERF_FORMAT_TOTAL_TIME_ENABLED |
				unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
			Size: uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		}

		groupFD := invalidFD
		if i == 0 {
			attr.Bits = unix.PerfBitDisabled
		} else {
			groupFD = s.fds[0]
		}

		fd, err := s.open(ctx, &attr, groupFD)
		if err != nil {
			s.Free()
			return fmt.Errorf("open counter %s on cpu%d: %w", conf.Counter, s.CPUID, err)
		}
		s.fds[i] = fd

		if i == 0 {
			if err := s.mapRing(ringBytes); err != nil {
				s.Free()
				return err
			}
		} else {
			if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, s.fds[0]); err != nil {
				s.Free()
				return fmt.Errorf("redirect counter %s on cpu%d: %w", conf.Counter, s.CPUID, err)
			}
		}
	}

	return nil
}

// LatencySetup opens a single precise load-latency counter with its own
// ring buffer.
func (s *Session) LatencySetup(ctx context.Context, conf Attr, ringBytes int) error {
	s.reset()

	attr := unix.PerfEventAttr{
		Type:   conf.Type,
		Config: conf.Config,
		Ext1:   conf.Config1,
		Sample: conf.SamplePeriod,
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_ADDR | unix.PERF_SAMPLE_CPU |
			unix.PERF_SAMPLE_WEIGHT | unix.PERF_SAMPLE_CALLCHAIN,
		Bits: unix.PerfBitDisabled | unix.PerfBitExcludeGuest | unix.PerfBitPreciseIPBit1,
		Size: uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
	}

	fd, err := s.open(ctx, &attr, invalidFD)
	if err != nil {
		return fmt.Errorf("open latency counter on cpu%d: %w", s.CPUID, err)
	}
	s.fds[0] = fd

	if err := s.mapRing(ringBytes); err != nil {
		s.Free()
		return err
	}
	return nil
}

func (s *Session) mapRing(ringBytes int) error {
	pageSize := os.Getpagesize()
	buf, err := unix.Mmap(s.fds[0], 0, ringBytes+pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap ring on cpu%d: %w", s.CPUID, err)
	}

	s.mapBuf = buf
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&buf[0]))
	s.ring = NewRing(meta, buf[pageSize:])
	return nil
}

// Start enables counting on one counter.
func (s *Session) Start(id CounterID) error {
	if fd := s.fds[id]; fd != invalidFD {
		return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0)
	}
	return nil
}

// Stop disables counting on one counter.
func (s *Session) Stop(id CounterID) error {
	if fd := s.fds[id]; fd != invalidFD {
		return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	}
	return nil
}

// AllStart enables the whole group via the leader.
func (s *Session) AllStart() error {
	return s.Start(0)
}

// AllStop disables the whole group via the leader.
func (s *Session) AllStop() error {
	return s.Stop(0)
}

// Free closes every descriptor and unmaps the ring. Safe to call on an
// already-invalid session.
func (s *Session) Free() {
	for i, fd := range s.fds {
		if fd != invalidFD {
			unix.Close(fd)
			s.fds[i] = invalidFD
		}
	}

	if s.mapBuf != nil {
		if err := unix.Munmap(s.mapBuf); err != nil {
			s.logger.V(2).Info("munmap failed", "cpu", s.CPUID, "error", err)
		}
		s.mapBuf = nil
	}
	s.ring = nil
}

func (s *Session) scale(value, timeEnabled, timeRunning uint64) uint64 {
	if timeRunning > timeEnabled {
		s.logger.V(2).Info("time_running > time_enabled", "cpu", s.CPUID)
	}
	if timeRunning == 0 {
		return 0
	}
	return uint64(float64(value) * float64(timeEnabled) / float64(timeRunning))
}

// ReadCounting drains the ring into out and returns the number of decoded
// records. Records naming the kernel/idle task (pid or tid zero) are
// dropped. A malformed record stops the drain for this pass.
func (s *Session) ReadCounting(out []CountingRecord) int {
	if !s.Valid() {
		return 0
	}

	var (
		hdr recordHeader
		n   int
	)
	for n < len(out) {
		if !s.readHeader(&hdr) {
			return n
		}

		size := int(hdr.Size) - recordHeaderSize
		if size <= 0 {
			s.ring.Reset()
			return n
		}

		if hdr.Type != recordTypeSample {
			s.ring.Skip(size)
			continue
		}

		if !s.decodeCounting(size, &out[n]) {
			// No valid record left in the ring.
			return n
		}
		if out[n].PID == 0 || out[n].TID == 0 {
			continue
		}
		n++
	}
	return n
}

// Drain discards everything currently buffered.
func (s *Session) Drain() {
	if s.Valid() {
		s.ring.Reset()
	}
}

// ReadLatency drains the ring into out and returns the number of decoded
// latency records.
func (s *Session) ReadLatency(out []LatencyRecord) int {
	if !s.Valid() {
		return 0
	}

	var (
		hdr recordHeader
		n   int
	)
	for n < len(out) {
		if !s.readHeader(&hdr) {
			return n
		}

		size := int(hdr.Size) - recordHeaderSize
		if size <= 0 {
			return n
		}

		if hdr.Type != recordTypeSample {
			s.ring.Skip(size)
			continue
		}

		if !s.decodeLatency(size, &out[n]) {
			return n
		}
		if out[n].PID == 0 || out[n].TID == 0 {
			continue
		}
		n++
	}
	return n
}

// Rebase records the first sample of a drain as the delta baseline.
func (s *Session) Rebase(rec *CountingRecord) {
	s.lastCounts = rec.Counts
}

// Deltas computes non-negative per-counter deltas against the previous
// sample and advances the baseline. A negative delta indicates lost or
// reordered samples and is replaced by zero.
func (s *Session) Deltas(rec *CountingRecord, diff *[NumCounters]uint64) {
	for i := 0; i < NumCounters; i++ {
		if s.lastCounts[i] <= rec.Counts[i] {
			diff[i] = rec.Counts[i] - s.lastCounts[i]
		} else {
			diff[i] = 0
		}
		s.lastCounts[i] = rec.Counts[i]
	}
}
