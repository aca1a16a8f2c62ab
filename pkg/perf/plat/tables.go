// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package plat

import (
	"golang.org/x/sys/unix"

	"github.com/antimetal/numascope/pkg/perf"
)

// Load-latency sampling: threshold in core cycles and overflow period.
const (
	llThreshold      = 128
	llSamplePeriod   = 1000
	invalidCodeUmask = ^uint64(0)
)

// event is one row of a platform table. For raw events the umask is shifted
// into bits 16-23 of the final config; ExtraValue lands in config1 (offcore
// response MSR or latency threshold).
type event struct {
	Type       uint32
	Config     uint64
	Umask      uint64
	ExtraValue uint64
	Desc       string
}

func (e event) config() uint64 {
	if e.Type == unix.PERF_TYPE_RAW {
		if e.Config == invalidCodeUmask {
			return perf.InvalidConfig
		}
		return e.Config | e.Umask<<16
	}
	return e.Config
}

// Table row order matches the counter group: core_clk, rma, clk, ir, lma.

var nhmTable = [perf.NumCounters]event{
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.core"},
	{unix.PERF_TYPE_RAW, 0x01B7, 0x53, 0x3011, "off_core_response_0"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.ref"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, 0x53, 0, "instr_retired.any"},
	{unix.PERF_TYPE_RAW, invalidCodeUmask, 0, 0, "off_core_response_1"},
}

var wsmTable = [perf.NumCounters]event{
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.core"},
	{unix.PERF_TYPE_RAW, 0x01B7, 0x53, 0x3011, "off_core_response_0"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.ref"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, 0x53, 0, "instr_retired.any"},
	{unix.PERF_TYPE_RAW, 0x01BB, 0x53, 0x4011, "off_core_response_1"},
}

var snbTable = [perf.NumCounters]event{
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.core"},
	{unix.PERF_TYPE_RAW, 0x01B7, 0x53, 0x67f800001, "off_core_response_0"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.ref"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, 0x53, 0, "instr_retired.any"},
	{unix.PERF_TYPE_RAW, 0x01BB, 0x53, 0x600400001, "off_core_response_1"},
}

var sklTable = [perf.NumCounters]event{
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.core"},
	{unix.PERF_TYPE_RAW, 0x01B7, 0x53, 0x638000001, "off_core_response_0"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.ref"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, 0x53, 0, "instr_retired.any"},
	{unix.PERF_TYPE_RAW, 0x01BB, 0x53, 0x1f84000001, "off_core_response_1"},
}

var icxTable = [perf.NumCounters]event{
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.core"},
	{unix.PERF_TYPE_RAW, 0x01B7, 0x53, 0x730000001, "off_core_response_0"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.ref"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, 0x53, 0, "instr_retired.any"},
	{unix.PERF_TYPE_RAW, 0x01BB, 0x53, 0x104000001, "off_core_response_1"},
}

var sprTable = [perf.NumCounters]event{
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.core"},
	{unix.PERF_TYPE_RAW, 0x012A, 0x53, 0x730000001, "off_core_response_0"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES, 0x53, 0, "cpu_clk_unhalted.ref"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, 0x53, 0, "instr_retired.any"},
	{unix.PERF_TYPE_RAW, 0x012B, 0x53, 0x104000001, "off_core_response_1"},
}

var zenTable = [perf.NumCounters]event{
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 0, 0, "LsNotHaltedCyc"},
	{unix.PERF_TYPE_RAW, 0x4043, 0, 0, "LsDmndFillsFromSys.DRAM_IO_Far"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 0, 0, "LsNotHaltedCyc"},
	{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, 0x53, 0, "ExRetOps"},
	{unix.PERF_TYPE_RAW, 0x0843, 0, 0, "LsDmndFillsFromSys.DRAM_IO_Near"},
}

var (
	nhmLL = event{unix.PERF_TYPE_RAW, 0x100B, 0x53, llThreshold, "mem_inst_retired.latency_above_threshold"}
	sklLL = event{unix.PERF_TYPE_RAW, 0x01CD, 0x53, llThreshold, "mem_trans_retired.latency_above_threshold"}
	// Precise load latency is unavailable on Zen.
	zenLL = event{unix.PERF_TYPE_RAW, 0, 0, 0, "unsupported"}
)

func profilingTable(t CPUType) [perf.NumCounters]event {
	switch t {
	case CPUNhmEP, CPUNhmEX:
		return nhmTable
	case CPUWsmEP:
		// WSM-EP has a single offcore response MSR.
		table := wsmTable
		table[perf.CounterLMA] = event{unix.PERF_TYPE_RAW, invalidCodeUmask, 0, 0, "off_core_response_1"}
		return table
	case CPUWsmEX:
		return wsmTable
	case CPUSnbEP, CPUIvbEX, CPUHsx, CPUBdx:
		return snbTable
	case CPUSkx:
		return sklTable
	case CPUIcx:
		return icxTable
	case CPUSpr, CPUEmr, CPUGnr, CPUSrf:
		return sprTable
	case CPUZen, CPUZen3, CPUZen4:
		return zenTable
	}
	return nhmTable
}

func llTable(t CPUType) event {
	switch t {
	case CPUNhmEP, CPUNhmEX, CPUWsmEP, CPUWsmEX:
		return nhmLL
	case CPUSnbEP, CPUIvbEX, CPUHsx, CPUBdx, CPUSkx, CPUIcx, CPUSpr, CPUEmr, CPUGnr, CPUSrf:
		return sklLL
	case CPUZen, CPUZen3, CPUZen4:
		return zenLL
	}
	return zenLL
}

func offcoreNum(t CPUType) int {
	switch t {
	case CPUNhmEP, CPUNhmEX, CPUWsmEP:
		return 1
	default:
		return 2
	}
}

func uiCounterMap(t CPUType) perf.UICounterMap {
	m := perf.DefaultUICounterMap()
	if offcoreNum(t) == 1 {
		// A single offcore response MSR means no dedicated local-access
		// event; the LMA column stays empty rather than double-counting.
		m[perf.UICounterLMA] = nil
	}
	return m
}
