// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package plat maps the detected microarchitecture to the raw PMU event
// descriptors that back each UI counter, plus the precise load-latency
// event. The core treats these tables as constants.
package plat

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/perf"
)

// CPUType identifies a supported microarchitecture.
type CPUType int

const (
	CPUUnsupported CPUType = iota
	CPUNhmEP
	CPUNhmEX
	CPUWsmEP
	CPUWsmEX
	CPUSnbEP
	CPUIvbEX
	CPUHsx
	CPUBdx
	CPUSkx
	CPUIcx
	CPUSpr
	CPUEmr
	CPUGnr
	CPUSrf
	CPUZen
	CPUZen3
	CPUZen4
)

func (t CPUType) String() string {
	names := map[CPUType]string{
		CPUUnsupported: "unsupported",
		CPUNhmEP:       "nehalem-ep",
		CPUNhmEX:       "nehalem-ex",
		CPUWsmEP:       "westmere-ep",
		CPUWsmEX:       "westmere-ex",
		CPUSnbEP:       "sandybridge-ep",
		CPUIvbEX:       "ivybridge-ex",
		CPUHsx:         "haswell-x",
		CPUBdx:         "broadwell-x",
		CPUSkx:         "skylake-x",
		CPUIcx:         "icelake-x",
		CPUSpr:         "sapphirerapids",
		CPUEmr:         "emeraldrapids",
		CPUGnr:         "graniterapids",
		CPUSrf:         "sierraforest",
		CPUZen:         "zen",
		CPUZen3:        "zen3",
		CPUZen4:        "zen4",
	}
	if s, ok := names[t]; ok {
		return s
	}
	return "unknown"
}

// Platform bundles everything the sampler needs for the detected CPU.
type Platform struct {
	Type        CPUType
	UICounters  perf.UICounterMap
	OffcoreNum  int
	Calibration Calibration
}

// Detect identifies the CPU from /proc/cpuinfo (vendor, family, model) and
// returns the platform descriptor. An unsupported CPU is a startup error.
func Detect(procPath, sysPath string) (*Platform, error) {
	vendor, family, model, err := cpuIdentity(procPath)
	if err != nil {
		return nil, err
	}

	t := classify(vendor, family, model)
	if t == CPUUnsupported {
		return nil, fmt.Errorf("unsupported cpu: vendor %q family %d model %d",
			vendor, family, model)
	}

	cal, err := Calibrate(procPath, sysPath)
	if err != nil {
		return nil, err
	}

	return &Platform{
		Type:        t,
		UICounters:  uiCounterMap(t),
		OffcoreNum:  offcoreNum(t),
		Calibration: cal,
	}, nil
}

func cpuIdentity(procPath string) (vendor string, family, model int, err error) {
	f, err := os.Open(filepath.Join(procPath, "cpuinfo"))
	if err != nil {
		return "", 0, 0, fmt.Errorf("open cpuinfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" && vendor != "" {
			// End of the first processor block; it carries everything
			// needed.
			break
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "vendor_id":
			vendor = value
		case "cpu family":
			family, _ = strconv.Atoi(value)
		case "model":
			model, _ = strconv.Atoi(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", 0, 0, err
	}
	if vendor == "" {
		return "", 0, 0, fmt.Errorf("no vendor_id in cpuinfo")
	}
	return vendor, family, model, nil
}

func classify(vendor string, family, model int) CPUType {
	switch vendor {
	case "GenuineIntel":
		if family != 6 {
			return CPUUnsupported
		}
		switch model {
		case 26:
			return CPUNhmEP
		case 44:
			return CPUWsmEP
		case 45:
			return CPUSnbEP
		case 46:
			return CPUNhmEX
		case 47:
			return CPUWsmEX
		case 62:
			return CPUIvbEX
		case 63:
			return CPUHsx
		case 79:
			return CPUBdx
		case 85:
			return CPUSkx
		case 106:
			return CPUIcx
		case 143:
			return CPUSpr
		case 207:
			return CPUEmr
		case 173:
			return CPUGnr
		case 175:
			return CPUSrf
		}
	case "AuthenticAMD":
		switch {
		case family == 23:
			return CPUZen
		case family == 25:
			if (model >= 0x00 && model <= 0x0f) ||
				(model >= 0x20 && model <= 0x2f) ||
				(model >= 0x40 && model <= 0x5f) {
				return CPUZen3
			}
			return CPUZen4
		case family >= 26:
			return CPUZen4
		}
	}
	return CPUUnsupported
}

// ProfilingAttrs builds the counter group for the platform at the given
// precision.
func (p *Platform) ProfilingAttrs(precision config.Precision) []perf.Attr {
	table := profilingTable(p.Type)
	attrs := make([]perf.Attr, 0, perf.NumCounters)
	for id := perf.CounterID(0); id < perf.NumCounters; id++ {
		ev := table[id]
		attrs = append(attrs, perf.Attr{
			Counter:      id,
			Type:         ev.Type,
			Config:       ev.config(),
			Config1:      ev.ExtraValue,
			SamplePeriod: perf.SamplePeriod(id, precision),
		})
	}
	return attrs
}

// LatencyAttr builds the load-latency descriptor; ok is false when the
// platform has no precise latency event.
func (p *Platform) LatencyAttr() (perf.Attr, bool) {
	ev := llTable(p.Type)
	attr := perf.Attr{
		Counter:      perf.CounterInvalid,
		Type:         ev.Type,
		Config:       ev.config(),
		Config1:      ev.ExtraValue,
		SamplePeriod: llSamplePeriod,
	}
	return attr, attr.Valid() && ev.Config != 0
}
