// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perf

import "github.com/antimetal/numascope/pkg/config"

// CounterID identifies one raw PMU counter slot inside the per-CPU group.
// Slot 0 (CoreClk) is the group leader and carries the ring buffer.
type CounterID int

const (
	CounterInvalid CounterID = -1
	CounterCoreClk CounterID = iota - 1
	CounterRMA
	CounterClk
	CounterIR
	CounterLMA
)

// NumCounters is the size of the per-CPU counter group.
const NumCounters = 5

func (c CounterID) String() string {
	switch c {
	case CounterCoreClk:
		return "core_clk"
	case CounterRMA:
		return "rma"
	case CounterClk:
		return "clk"
	case CounterIR:
		return "ir"
	case CounterLMA:
		return "lma"
	}
	return "invalid"
}

// UICounterID identifies a counter as presented in the UI. A UI counter may
// aggregate more than one raw counter (e.g. RMA built from two offcore
// response events on some microarchitectures).
type UICounterID int

const (
	UICounterInvalid UICounterID = -1
	UICounterCoreClk UICounterID = iota - 1
	UICounterRMA
	UICounterClk
	UICounterIR
	UICounterLMA
)

const NumUICounters = 5

// UICounterMap declares which raw counters feed each UI counter.
// MaxCountersPerUI is 2: no supported platform needs more than two raw
// events to compose one UI value.
const MaxCountersPerUI = 2

type UICounterMap [NumUICounters][]CounterID

// DefaultUICounterMap is the identity mapping used by every platform with
// dedicated remote/local offcore events.
func DefaultUICounterMap() UICounterMap {
	return UICounterMap{
		UICounterCoreClk: {CounterCoreClk},
		UICounterRMA:     {CounterRMA},
		UICounterClk:     {CounterClk},
		UICounterIR:      {CounterIR},
		UICounterLMA:     {CounterLMA},
	}
}

// Aggregate sums the raw counts that feed the given UI counter.
func (m UICounterMap) Aggregate(ui UICounterID, counts *[NumCounters]uint64) uint64 {
	if ui <= UICounterInvalid || int(ui) >= len(m) {
		return 0
	}
	var total uint64
	for _, id := range m[ui] {
		if id > CounterInvalid && int(id) < NumCounters {
			total += counts[id]
		}
	}
	return total
}

// Counters returns the raw counter set backing the given UI counter.
func (m UICounterMap) Counters(ui UICounterID) []CounterID {
	if ui <= UICounterInvalid || int(ui) >= len(m) {
		return nil
	}
	return m[ui]
}

// SamplePeriodInfinite effectively disables overflow sampling for a counter;
// the core-clock leader counts but never overflows on its own.
const SamplePeriodInfinite = uint64(0xFFFFFFFFFFFFFF)

var samplePeriods = [NumCounters]map[config.Precision]uint64{
	CounterCoreClk: {
		config.PrecisionLow:    SamplePeriodInfinite,
		config.PrecisionNormal: SamplePeriodInfinite,
		config.PrecisionHigh:   SamplePeriodInfinite,
	},
	CounterRMA: {
		config.PrecisionLow:    100000,
		config.PrecisionNormal: 10000,
		config.PrecisionHigh:   5000,
	},
	CounterClk: {
		config.PrecisionLow:    100000000,
		config.PrecisionNormal: 10000000,
		config.PrecisionHigh:   1000000,
	},
	CounterIR: {
		config.PrecisionLow:    100000000,
		config.PrecisionNormal: 10000000,
		config.PrecisionHigh:   1000000,
	},
	CounterLMA: {
		config.PrecisionLow:    100000,
		config.PrecisionNormal: 10000,
		config.PrecisionHigh:   5000,
	},
}

// SamplePeriod returns the overflow period for a counter at the given
// precision.
func SamplePeriod(id CounterID, precision config.Precision) uint64 {
	if id <= CounterInvalid || int(id) >= NumCounters {
		return 0
	}
	return samplePeriods[id][precision]
}
