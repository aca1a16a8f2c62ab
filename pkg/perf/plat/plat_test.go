// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package plat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/perf"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		vendor string
		family int
		model  int
		want   CPUType
	}{
		{"GenuineIntel", 6, 85, CPUSkx},
		{"GenuineIntel", 6, 106, CPUIcx},
		{"GenuineIntel", 6, 143, CPUSpr},
		{"GenuineIntel", 6, 44, CPUWsmEP},
		{"GenuineIntel", 6, 1, CPUUnsupported},
		{"GenuineIntel", 5, 85, CPUUnsupported},
		{"AuthenticAMD", 23, 1, CPUZen},
		{"AuthenticAMD", 25, 0x01, CPUZen3},
		{"AuthenticAMD", 25, 0x10, CPUZen4},
		{"AuthenticAMD", 26, 0, CPUZen4},
		{"SomebodyElse", 6, 85, CPUUnsupported},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, classify(tc.vendor, tc.family, tc.model),
			"%s/%d/%d", tc.vendor, tc.family, tc.model)
	}
}

const sklCpuinfo = `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model		: 85
model name	: Intel(R) Xeon(R) Gold 6148 CPU @ 2.40GHz
cpu MHz		: 2400.000

processor	: 1
vendor_id	: GenuineIntel
cpu family	: 6
model		: 85
`

func writeCpuinfo(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpuinfo"), []byte(content), 0o644))
	return dir
}

func TestDetect(t *testing.T) {
	procPath := writeCpuinfo(t, sklCpuinfo)

	p, err := Detect(procPath, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, CPUSkx, p.Type)
	assert.Equal(t, 2, p.OffcoreNum)
	assert.Equal(t, uint64(2400000000), p.Calibration.ClkOfSec())
}

func TestDetectUnsupported(t *testing.T) {
	procPath := writeCpuinfo(t, `vendor_id	: GenuineIntel
cpu family	: 6
model		: 1
cpu MHz		: 1000.000
`)
	_, err := Detect(procPath, t.TempDir())
	assert.Error(t, err)
}

func TestProfilingAttrs(t *testing.T) {
	p := &Platform{Type: CPUSkx, UICounters: uiCounterMap(CPUSkx)}

	attrs := p.ProfilingAttrs(config.PrecisionNormal)
	require.Len(t, attrs, perf.NumCounters)

	// The leader counts cycles and never overflows on its own.
	assert.Equal(t, perf.CounterCoreClk, attrs[0].Counter)
	assert.Equal(t, perf.SamplePeriodInfinite, attrs[0].SamplePeriod)

	// Offcore response events carry the raw code with the umask shifted
	// in, plus the MSR value in config1.
	rma := attrs[perf.CounterRMA]
	assert.Equal(t, uint64(0x5301B7), rma.Config)
	assert.Equal(t, uint64(0x638000001), rma.Config1)
	assert.Equal(t, uint64(10000), rma.SamplePeriod)

	for _, a := range attrs {
		assert.True(t, a.Valid(), "counter %s", a.Counter)
	}
}

func TestSingleOffcorePlatformHasNoLMA(t *testing.T) {
	p := &Platform{Type: CPUWsmEP, UICounters: uiCounterMap(CPUWsmEP)}

	attrs := p.ProfilingAttrs(config.PrecisionNormal)
	assert.False(t, attrs[perf.CounterLMA].Valid())
	assert.Empty(t, p.UICounters.Counters(perf.UICounterLMA))
}

func TestLatencyAttr(t *testing.T) {
	skx := &Platform{Type: CPUSkx}
	attr, ok := skx.LatencyAttr()
	require.True(t, ok)
	assert.Equal(t, uint64(0x5301CD), attr.Config)
	assert.Equal(t, uint64(llThreshold), attr.Config1)
	assert.Equal(t, uint64(llSamplePeriod), attr.SamplePeriod)

	// Zen has no precise load-latency event.
	zen := &Platform{Type: CPUZen}
	_, ok = zen.LatencyAttr()
	assert.False(t, ok)
}

func TestCalibrateFallsBackToCpufreq(t *testing.T) {
	procPath := writeCpuinfo(t, "vendor_id\t: GenuineIntel\n")

	sysPath := t.TempDir()
	freqDir := filepath.Join(sysPath, "devices/system/cpu/cpu0/cpufreq")
	require.NoError(t, os.MkdirAll(freqDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(freqDir, "cpuinfo_max_freq"),
		[]byte("2262000\n"), 0o644))

	cal, err := Calibrate(procPath, sysPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(2262000000), cal.ClkOfSec())
}

func TestFixedCalibration(t *testing.T) {
	cal := FixedCalibration(2000000000)
	assert.Equal(t, 0.5, cal.NsOfClk())

	// 150 cycles at 2 GHz is 75 ns; views rely on this conversion.
	assert.Equal(t, 75.0, 150*cal.NsOfClk())
}
