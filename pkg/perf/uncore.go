// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Uncore event configs. QPI/UPI count interconnect flits; the IMC config is
// cas_count covering both reads and writes.
const (
	uncoreConfigQPI = 0x600
	uncoreConfigUPI = 0x0f02
	uncoreConfigIMC = 0xff04
)

// Limits on uncore units per node.
const (
	MaxQPIPerNode = 8
	MaxIMCPerNode = 12
)

// UncoreCounter is one interconnect-link or memory-controller counter. It is
// a plain counting fd (no ring buffer); deltas of {value, time_enabled,
// time_running} between samples produce the scaled bandwidth value.
type UncoreCounter struct {
	ID     int
	Type   uint32
	Config uint64

	fd          int
	values      [3]uint64
	ValueScaled uint64
}

// DiscoverUncore scans /sys/devices/uncore_<kind>_<N>/type and returns one
// counter descriptor per discovered unit.
func DiscoverUncore(sysPath, kind string, config uint64, max int) []UncoreCounter {
	var out []UncoreCounter
	for i := 0; i < max; i++ {
		path := filepath.Join(sysPath, "devices",
			fmt.Sprintf("uncore_%s_%d", kind, i), "type")
		data, err := os.ReadFile(path)
		if err != nil {
			break
		}
		t, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			break
		}
		out = append(out, UncoreCounter{
			ID:     i,
			Type:   uint32(t),
			Config: config,
			fd:     invalidFD,
		})
	}
	return out
}

// DiscoverQPI finds the interconnect-link PMUs: QPI first, UPI when the
// machine has none.
func DiscoverQPI(sysPath string) []UncoreCounter {
	if qpi := DiscoverUncore(sysPath, "qpi", uncoreConfigQPI, MaxQPIPerNode); len(qpi) > 0 {
		return qpi
	}
	return DiscoverUncore(sysPath, "upi", uncoreConfigUPI, MaxQPIPerNode)
}

// DiscoverIMC finds the memory-controller PMUs.
func DiscoverIMC(sysPath string) []UncoreCounter {
	return DiscoverUncore(sysPath, "imc", uncoreConfigIMC, MaxIMCPerNode)
}

// Setup opens the counter bound to one CPU of the target node.
func (u *UncoreCounter) Setup(cpuid int) error {
	if u.Type == 0 {
		return nil
	}

	u.ValueScaled = 0
	u.values = [3]uint64{}

	attr := unix.PerfEventAttr{
		Type:   u.Type,
		Config: u.Config,
		Bits:   unix.PerfBitDisabled | unix.PerfBitInherit,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED |
			unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
		Size: uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
	}

	fd, err := unix.PerfEventOpen(&attr, -1, cpuid, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		u.fd = invalidFD
		return fmt.Errorf("open uncore %d type %d on cpu%d: %w", u.ID, u.Type, cpuid, err)
	}
	u.fd = fd
	return nil
}

// Start enables counting.
func (u *UncoreCounter) Start() error {
	if u.fd == invalidFD {
		return nil
	}
	return unix.IoctlSetInt(u.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Sample reads {value, time_enabled, time_running} and updates ValueScaled
// with the multiplexing-corrected delta since the previous sample.
func (u *UncoreCounter) Sample() error {
	if u.fd == invalidFD {
		return nil
	}

	var buf [24]byte
	if err := readFull(u.fd, buf[:]); err != nil {
		return fmt.Errorf("read uncore %d: %w", u.ID, err)
	}

	var values [3]uint64
	for i := range values {
		values[i] = uint64(buf[i*8]) | uint64(buf[i*8+1])<<8 |
			uint64(buf[i*8+2])<<16 | uint64(buf[i*8+3])<<24 |
			uint64(buf[i*8+4])<<32 | uint64(buf[i*8+5])<<40 |
			uint64(buf[i*8+6])<<48 | uint64(buf[i*8+7])<<56
	}

	u.ValueScaled = scaleDelta(
		values[0]-u.values[0],
		values[1]-u.values[1],
		values[2]-u.values[2],
	)
	u.values = values
	return nil
}

// Free closes the counter and zeroes its accumulated values.
func (u *UncoreCounter) Free() {
	if u.fd != invalidFD {
		unix.Close(u.fd)
		u.fd = invalidFD
	}
	u.ValueScaled = 0
	u.values = [3]uint64{}
}

func scaleDelta(value, timeEnabled, timeRunning uint64) uint64 {
	if timeRunning == 0 {
		return 0
	}
	return uint64(float64(value) * float64(timeEnabled) / float64(timeRunning))
}

func readFull(fd int, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Read(fd, buf[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("short read (%d of %d bytes)", off, len(buf))
		}
		off += n
	}
	return nil
}
