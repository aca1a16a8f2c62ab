// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package symbol resolves sampled instruction pointers to function names
// using each process's address map and the ELF symbol tables of its main
// image and mapped shared objects.
package symbol

import (
	"fmt"
	"sort"

	"github.com/prometheus/procfs"
)

// MapEntry is one line of a process address map.
type MapEntry struct {
	Start uint64
	End   uint64

	Read    bool
	Write   bool
	Execute bool
	Shared  bool

	Path string

	// NeedResolve is cleared once the entry's image was parsed (or the
	// parse failed permanently).
	NeedResolve bool
}

// Contains reports whether addr falls inside the mapping.
func (e *MapEntry) Contains(addr uint64) bool {
	return addr >= e.Start && addr < e.End
}

// ProcMaps is a sorted snapshot of a process address map.
type ProcMaps struct {
	PID     int
	Entries []MapEntry
}

// LoadMaps reads and parses /proc/<pid>/maps.
func LoadMaps(fs procfs.FS, pid int) (*ProcMaps, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("proc %d: %w", pid, err)
	}
	raw, err := p.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("maps of %d: %w", pid, err)
	}

	m := &ProcMaps{PID: pid, Entries: make([]MapEntry, 0, len(raw))}
	for _, r := range raw {
		entry := MapEntry{
			Start:       uint64(r.StartAddr),
			End:         uint64(r.EndAddr),
			Path:        r.Pathname,
			NeedResolve: true,
		}
		if r.Perms != nil {
			entry.Read = r.Perms.Read
			entry.Write = r.Perms.Write
			entry.Execute = r.Perms.Execute
			entry.Shared = r.Perms.Shared
		}
		m.Entries = append(m.Entries, entry)
	}

	sort.Slice(m.Entries, func(i, j int) bool {
		return m.Entries[i].Start < m.Entries[j].Start
	})
	return m, nil
}

// Reload refreshes the snapshot, carrying the resolve state of unchanged
// regions over so their images are not re-parsed.
func (m *ProcMaps) Reload(fs procfs.FS) (*ProcMaps, error) {
	fresh, err := LoadMaps(fs, m.PID)
	if err != nil {
		return nil, err
	}
	for i := range fresh.Entries {
		e := &fresh.Entries[i]
		if old := m.FindRegion(e.Start, e.End-e.Start); old != nil {
			e.NeedResolve = old.NeedResolve
		}
	}
	return fresh, nil
}

// Find returns the entry containing addr, or nil.
func (m *ProcMaps) Find(addr uint64) *MapEntry {
	i := sort.Search(len(m.Entries), func(i int) bool {
		return m.Entries[i].End > addr
	})
	if i < len(m.Entries) && m.Entries[i].Contains(addr) {
		return &m.Entries[i]
	}
	return nil
}

// FindRegion returns the entry spanning exactly [addr, addr+size), or nil.
func (m *ProcMaps) FindRegion(addr, size uint64) *MapEntry {
	e := m.Find(addr)
	if e != nil && e.Start == addr && e.End == addr+size {
		return e
	}
	return nil
}
