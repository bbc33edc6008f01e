/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package gcinfo

import (
	"encoding/binary"
	"fmt"
	"sort"
)

type writer struct {
	buf []byte
}

func (w *writer) uv(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *writer) sv(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) u8() byte {
	if r.err != nil || len(r.buf) == 0 {
		r.err = ErrCorrupt
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) uv() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = ErrCorrupt
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) sv() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = ErrCorrupt
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

// count reads a list length and rejects lengths the input cannot hold.
func (r *reader) count() int {
	n := r.uv()
	if n > uint64(len(r.buf)) {
		r.err = ErrCorrupt
		return 0
	}
	return int(n)
}

// Table is a decoded GC info table.
type Table struct {
	Header
	Slots       []Slot
	Ranges      []Range
	Transitions []Transition
	CallSites   []CallSite
}

func Decode(b []byte) (*Table, error) {
	r := &reader{buf: b}
	if r.u8() != 'G' || r.u8() != 'C' {
		return nil, ErrCorrupt
	}
	if v := r.u8(); v != version {
		return nil, fmt.Errorf("gcinfo: unsupported version %d", v)
	}
	t := &Table{}
	flags := r.u8()
	t.FPBased = flags&1 != 0
	t.FullyInterruptible = flags&2 != 0
	t.HasPSP = flags&4 != 0
	t.CodeSize = uint32(r.uv())
	t.PrologSize = uint32(r.uv())
	t.FrameSize = uint32(r.uv())
	t.PSPOffset = int32(r.sv())

	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		s := Slot{Base: SlotBase(r.u8()), Reg: r.u8()}
		s.Offset = int32(r.sv())
		sf := r.u8()
		s.Byref = sf&1 != 0
		s.Untracked = sf&2 != 0
		t.Slots = append(t.Slots, s)
	}

	n = r.count()
	var prev uint32
	for i := 0; i < n && r.err == nil; i++ {
		start := prev + uint32(r.uv())
		end := start + uint32(r.uv())
		t.Ranges = append(t.Ranges, Range{start, end})
		prev = end
	}

	n = r.count()
	prev = 0
	for i := 0; i < n && r.err == nil; i++ {
		off := prev + uint32(r.uv())
		v := r.uv()
		id := int(v >> 1)
		if id >= len(t.Slots) {
			return nil, ErrCorrupt
		}
		t.Transitions = append(t.Transitions, Transition{off, id, v&1 != 0})
		prev = off
	}

	n = r.count()
	prev = 0
	for i := 0; i < n && r.err == nil; i++ {
		c := CallSite{Offset: prev + uint32(r.uv())}
		m := r.count()
		for j := 0; j < m && r.err == nil; j++ {
			id := int(r.uv())
			if id >= len(t.Slots) {
				return nil, ErrCorrupt
			}
			c.Live = append(c.Live, id)
		}
		t.CallSites = append(t.CallSites, c)
		prev = c.Offset
	}
	if r.err != nil {
		return nil, r.err
	}
	return t, nil
}

// Interruptible reports whether the collector may stop the method at
// offset.
func (t *Table) Interruptible(offset uint32) bool {
	if t.callSite(offset) != nil {
		return true
	}
	if !t.FullyInterruptible {
		return false
	}
	i := sort.Search(len(t.Ranges), func(i int) bool { return t.Ranges[i].End > offset })
	return i < len(t.Ranges) && t.Ranges[i].Start <= offset
}

func (t *Table) callSite(offset uint32) *CallSite {
	i := sort.Search(len(t.CallSites), func(i int) bool { return t.CallSites[i].Offset >= offset })
	if i < len(t.CallSites) && t.CallSites[i].Offset == offset {
		return &t.CallSites[i]
	}
	return nil
}

// LiveAt returns the slots holding references at offset. The second
// result is false when offset is not a reportable point.
func (t *Table) LiveAt(offset uint32) ([]Slot, bool) {
	if !t.Interruptible(offset) {
		return nil, false
	}
	var result []Slot
	for _, s := range t.Slots {
		if s.Untracked {
			result = append(result, s)
		}
	}
	if c := t.callSite(offset); c != nil {
		for _, id := range c.Live {
			result = append(result, t.Slots[id])
		}
		return result, true
	}
	live := make([]bool, len(t.Slots))
	for _, tr := range t.Transitions {
		if tr.Offset > offset {
			break
		}
		live[tr.Slot] = tr.Live
	}
	for id, on := range live {
		if on {
			result = append(result, t.Slots[id])
		}
	}
	return result, true
}

// TrackedCount is the number of slots with per-offset liveness.
func (t *Table) TrackedCount() (n int) {
	for _, s := range t.Slots {
		if !s.Untracked {
			n++
		}
	}
	return
}
