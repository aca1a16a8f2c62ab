// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package plat

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Calibration converts load-latency weights (core cycles) to nanoseconds.
type Calibration interface {
	// NsOfClk is the duration of one core cycle in nanoseconds.
	NsOfClk() float64
	// ClkOfSec is the core frequency in cycles per second.
	ClkOfSec() uint64
}

type fixedCalibration struct {
	nsOfClk  float64
	clkOfSec uint64
}

func (c fixedCalibration) NsOfClk() float64 { return c.nsOfClk }
func (c fixedCalibration) ClkOfSec() uint64 { return c.clkOfSec }

// FixedCalibration returns a calibration with a known frequency; tests use
// it for deterministic nanosecond values.
func FixedCalibration(clkOfSec uint64) Calibration {
	return fixedCalibration{
		nsOfClk:  1e9 / float64(clkOfSec),
		clkOfSec: clkOfSec,
	}
}

// Calibrate obtains the cycle-to-ns factor from /proc/cpuinfo ("cpu MHz" or
// "clock"), falling back to the cpufreq max frequency in sysfs.
func Calibrate(procPath, sysPath string) (Calibration, error) {
	if hz, err := cpuinfoHz(procPath); err == nil {
		return FixedCalibration(hz), nil
	}
	if hz, err := cpufreqHz(sysPath); err == nil {
		return FixedCalibration(hz), nil
	}
	return nil, fmt.Errorf("cannot calibrate cpu frequency from %s or %s", procPath, sysPath)
}

func cpuinfoHz(procPath string) (uint64, error) {
	f, err := os.Open(filepath.Join(procPath, "cpuinfo"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "cpu MHz":
			mhz, err := strconv.ParseFloat(value, 64)
			if err != nil || mhz < 1e-6 {
				continue
			}
			return uint64(mhz * 1e6), nil
		case "clock":
			// PowerPC style: "clock : 2926.000000MHz"
			value = strings.TrimSuffix(value, "MHz")
			mhz, err := strconv.ParseFloat(value, 64)
			if err != nil || mhz < 1e-6 {
				continue
			}
			return uint64(mhz * 1e6), nil
		}
	}
	return 0, fmt.Errorf("no frequency in cpuinfo")
}

func cpufreqHz(sysPath string) (uint64, error) {
	path := filepath.Join(sysPath, "devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	khz, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || khz == 0 {
		return 0, fmt.Errorf("bad cpufreq value %q", strings.TrimSpace(string(data)))
	}
	return khz * 1000, nil
}
