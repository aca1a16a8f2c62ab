// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Kernel-guaranteed NUMA sysfs layout:
//
//	/sys/devices/system/node/online          - "0-1"
//	/sys/devices/system/node/nodeX/cpulist   - "0-3,8-11"
//	/sys/devices/system/node/nodeX/meminfo   - "Node X MemTotal: ... kB"
//
// Reference: https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-devices-system-node

func (t *Topology) nodeRoot() string {
	return filepath.Join(t.cfg.HostSysPath, "devices/system/node")
}

func (t *Topology) onlineNodes() ([]int, error) {
	return readIDList(filepath.Join(t.nodeRoot(), "online"))
}

func (t *Topology) nodeCPUList(nid int) ([]int, error) {
	return readIDList(filepath.Join(t.nodeRoot(), fmt.Sprintf("node%d", nid), "cpulist"))
}

func (t *Topology) onlineCPUCount() (int, error) {
	ids, err := readIDList(filepath.Join(t.cfg.HostSysPath, "devices/system/cpu/online"))
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// readIDList parses a kernel id-list file like "0-3,8-11,15" into the
// expanded id slice.
func readIDList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseIDList(strings.TrimSpace(string(data)))
}

// ParseIDList expands a comma-separated list of ids and inclusive ranges.
func ParseIDList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}

	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if lo, hi, found := strings.Cut(part, "-"); found {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("bad range %q: %w", part, err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("bad range %q: %w", part, err)
			}
			if end < start {
				return nil, fmt.Errorf("bad range %q", part)
			}
			for id := start; id <= end; id++ {
				out = append(out, id)
			}
			continue
		}

		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad id %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// nodeMeminfo parses a node's meminfo file. Lines look like
// "Node 0 MemTotal:       32768 kB"; values are converted to bytes.
func (t *Topology) nodeMeminfo(nid int) (Meminfo, error) {
	path := filepath.Join(t.nodeRoot(), fmt.Sprintf("node%d", nid), "meminfo")
	f, err := os.Open(path)
	if err != nil {
		return Meminfo{}, err
	}
	defer f.Close()

	var info Meminfo
	fields := map[string]*uint64{
		"MemTotal":  &info.Total,
		"MemFree":   &info.Free,
		"Active":    &info.Active,
		"Inactive":  &info.Inactive,
		"Dirty":     &info.Dirty,
		"Writeback": &info.Writeback,
		"Mapped":    &info.Mapped,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, kb, ok := parseMeminfoLine(scanner.Text())
		if !ok {
			continue
		}
		if dst, want := fields[name]; want {
			*dst = kb * 1024
		}
	}
	return info, scanner.Err()
}

// parseMeminfoLine extracts the field name and kB value from one meminfo
// line; ok is false for lines that do not match the "Node N Name: value"
// shape.
func parseMeminfoLine(line string) (name string, kb uint64, ok bool) {
	head, value, found := strings.Cut(line, ":")
	if !found {
		return "", 0, false
	}

	parts := strings.Fields(head)
	if len(parts) < 3 || parts[0] != "Node" {
		return "", 0, false
	}
	name = parts[2]

	valueFields := strings.Fields(value)
	if len(valueFields) == 0 {
		return "", 0, false
	}
	kb, err := strconv.ParseUint(valueFields[0], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return name, kb, true
}
