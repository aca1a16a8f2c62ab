// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbol

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"
)

// Sym is one function symbol, stored with its image-relative offset.
type Sym struct {
	Name string
	Off  uint64
	Size uint64
}

// image holds the parsed symbols of one mapped ELF object. For shared
// objects offsets are relative to the mapping start; for fixed-position
// executables they are relative to the first loadable executable segment's
// virtual address.
type image struct {
	start uint64 // mapping start
	end   uint64
	base  uint64 // subtracted from an IP before the symbol search
	syms  []Sym
}

// Table is the per-process symbol state, guarded by the process mutex.
// Failed image paths are remembered so repeated resolution failures do not
// re-open the same file.
type Table struct {
	images []*image
	failed map[string]bool
}

func NewTable() *Table {
	return &Table{failed: make(map[string]bool)}
}

// LoadImage parses the ELF object backing one executable mapping. Parse
// errors are recorded and not retried.
func (t *Table) LoadImage(entry *MapEntry) error {
	if !entry.Execute || entry.Path == "" || !strings.HasPrefix(entry.Path, "/") {
		return nil
	}
	if t.failed[entry.Path] {
		return nil
	}

	img, err := parseImage(entry)
	if err != nil {
		t.failed[entry.Path] = true
		return fmt.Errorf("parse %s: %w", entry.Path, err)
	}
	if img != nil {
		t.images = append(t.images, img)
	}
	return nil
}

func parseImage(entry *MapEntry) (*image, error) {
	f, err := elf.Open(entry.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := &image{start: entry.Start, end: entry.End}

	switch f.Type {
	case elf.ET_EXEC:
		// The load base comes from the first loadable executable segment.
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
				img.base = prog.Vaddr
				break
			}
		}
	case elf.ET_DYN:
		img.base = entry.Start
	default:
		return nil, nil
	}

	appendFuncs := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
				continue
			}
			off := s.Value
			if f.Type == elf.ET_EXEC {
				off -= img.base
			}
			img.syms = append(img.syms, Sym{Name: s.Name, Off: off, Size: s.Size})
		}
	}

	if syms, err := f.Symbols(); err == nil {
		appendFuncs(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		appendFuncs(syms)
	}
	if len(img.syms) == 0 {
		return nil, fmt.Errorf("no function symbols")
	}

	sort.Slice(img.syms, func(i, j int) bool {
		if img.syms[i].Off != img.syms[j].Off {
			return img.syms[i].Off < img.syms[j].Off
		}
		// Prefer a name that does not start with an underscore when two
		// symbols share an address.
		return !strings.HasPrefix(img.syms[i].Name, "_") &&
			strings.HasPrefix(img.syms[j].Name, "_")
	})
	return img, nil
}

// Resolve maps an instruction pointer to "name+0xoff". The fallback for an
// unresolvable IP is the raw address in hex.
func (t *Table) Resolve(ip uint64) string {
	for _, img := range t.images {
		if ip < img.start || ip >= img.end {
			continue
		}

		rel := ip - img.base
		i := sort.Search(len(img.syms), func(i int) bool {
			return img.syms[i].Off > rel
		})
		if i == 0 {
			break
		}
		s := img.syms[i-1]
		if s.Size > 0 && rel >= s.Off+s.Size {
			break
		}
		// Walk back over same-address aliases to the preferred name.
		for i-1 > 0 && img.syms[i-2].Off == s.Off {
			i--
			s = img.syms[i-1]
		}
		return fmt.Sprintf("%s+0x%x", s.Name, rel-s.Off)
	}
	return fmt.Sprintf("0x%x", ip)
}

// ChainKey builds the equality key for a whole call chain so repeated
// identical chains are counted rather than stored again.
func ChainKey(ips []uint64) string {
	var b strings.Builder
	for _, ip := range ips {
		fmt.Fprintf(&b, "%x;", ip)
	}
	return b.String()
}
