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
	"errors"
	"fmt"
	"sort"

	"github.com/google/btree"
)

/*
GC Info Tables
==============

A table tells the collector where a method keeps object references and
interior pointers (byrefs) at the code offsets it may be interrupted at.

  - slots: registers or stack locations (relative to SP, FP or the
    caller's SP). Untracked slots hold a reference for the whole method.
  - fully interruptible methods: a list of interruptible code ranges plus
    liveness transitions (offset, slot, live/dead); the state at an offset
    is the replay of all transitions at or below it.
  - call sites: exact live sets at return addresses. Partially
    interruptible methods report only call sites; fully interruptible
    methods also use them for calls inside the prolog.

Wire format (all integers varint encoded):

	'G' 'C' version flags
	codeSize prologSize frameSize pspOffset
	slots:       count, (base reg offset flags)*
	ranges:      count, (start-prevEnd length)*
	transitions: count, (offset-prevOffset slot<<1|live)*
	call sites:  count, (offset-prevOffset count slot*)*
*/

const version = 1

var ErrCorrupt = errors.New("gcinfo: corrupt table")

type SlotBase uint8

const (
	BaseReg SlotBase = iota
	BaseSP
	BaseFP
	BaseCallerSP
)

var baseNames = [...]string{"reg", "sp", "fp", "callersp"}

type Slot struct {
	Base      SlotBase
	Reg       uint8 // BaseReg
	Offset    int32 // stack slots
	Byref     bool
	Untracked bool
}

func (s Slot) String() string {
	kind := "ref"
	if s.Byref {
		kind = "byref"
	}
	if s.Untracked {
		kind += ",untracked"
	}
	if s.Base == BaseReg {
		return fmt.Sprintf("r%d(%s)", s.Reg, kind)
	}
	return fmt.Sprintf("[%s%+d](%s)", baseNames[s.Base], s.Offset, kind)
}

type Header struct {
	CodeSize           uint32
	PrologSize         uint32
	FrameSize          uint32
	FPBased            bool
	FullyInterruptible bool
	HasPSP             bool
	PSPOffset          int32
}

type Range struct {
	Start, End uint32
}

type Transition struct {
	Offset uint32
	Slot   int
	Live   bool
}

type CallSite struct {
	Offset uint32
	Live   []int
}

func transitionLess(a, b Transition) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Slot < b.Slot
}

type Encoder struct {
	hdr     Header
	slots   []Slot
	slotIdx map[Slot]int
	ranges  []Range
	trans   *btree.BTreeG[Transition]
	cur     []bool
	calls   []CallSite
}

func NewEncoder(h Header) *Encoder {
	return &Encoder{
		hdr:     h,
		slotIdx: make(map[Slot]int),
		trans:   btree.NewG[Transition](8, transitionLess),
	}
}

// Slot registers a slot and returns its id; equal slots share an id.
func (e *Encoder) Slot(s Slot) int {
	if id, ok := e.slotIdx[s]; ok {
		return id
	}
	id := len(e.slots)
	e.slots = append(e.slots, s)
	e.slotIdx[s] = id
	e.cur = append(e.cur, false)
	return id
}

func (e *Encoder) AddInterruptibleRange(start, end uint32) {
	if end <= start {
		return
	}
	if n := len(e.ranges); n > 0 && e.ranges[n-1].End == start {
		e.ranges[n-1].End = end
		return
	}
	e.ranges = append(e.ranges, Range{start, end})
}

// SetLive declares the tracked slots live from offset on. Offsets must not
// decrease between calls.
func (e *Encoder) SetLive(offset uint32, live []int) {
	next := make([]bool, len(e.slots))
	for _, id := range live {
		next[id] = true
	}
	for id, s := range e.slots {
		if s.Untracked || next[id] == e.cur[id] {
			continue
		}
		e.cur[id] = next[id]
		t := Transition{Offset: offset, Slot: id, Live: next[id]}
		if _, ok := e.trans.Get(t); ok {
			// toggled back at the same offset
			e.trans.Delete(t)
		} else {
			e.trans.ReplaceOrInsert(t)
		}
	}
}

func (e *Encoder) AddCallSite(offset uint32, live []int) {
	ids := make([]int, 0, len(live))
	for _, id := range live {
		if !e.slots[id].Untracked {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	e.calls = append(e.calls, CallSite{offset, ids})
}

func (e *Encoder) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, 'G', 'C', version)
	var flags byte
	if e.hdr.FPBased {
		flags |= 1
	}
	if e.hdr.FullyInterruptible {
		flags |= 2
	}
	if e.hdr.HasPSP {
		flags |= 4
	}
	w.buf = append(w.buf, flags)
	w.uv(uint64(e.hdr.CodeSize))
	w.uv(uint64(e.hdr.PrologSize))
	w.uv(uint64(e.hdr.FrameSize))
	w.sv(int64(e.hdr.PSPOffset))

	w.uv(uint64(len(e.slots)))
	for _, s := range e.slots {
		var sf byte
		if s.Byref {
			sf |= 1
		}
		if s.Untracked {
			sf |= 2
		}
		w.buf = append(w.buf, byte(s.Base), s.Reg)
		w.sv(int64(s.Offset))
		w.buf = append(w.buf, sf)
	}

	w.uv(uint64(len(e.ranges)))
	var prev uint32
	for _, r := range e.ranges {
		w.uv(uint64(r.Start - prev))
		w.uv(uint64(r.End - r.Start))
		prev = r.End
	}

	w.uv(uint64(e.trans.Len()))
	prev = 0
	e.trans.Ascend(func(t Transition) bool {
		w.uv(uint64(t.Offset - prev))
		live := uint64(0)
		if t.Live {
			live = 1
		}
		w.uv(uint64(t.Slot)<<1 | live)
		prev = t.Offset
		return true
	})

	calls := append([]CallSite(nil), e.calls...)
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].Offset < calls[j].Offset })
	w.uv(uint64(len(calls)))
	prev = 0
	for _, c := range calls {
		w.uv(uint64(c.Offset - prev))
		w.uv(uint64(len(c.Live)))
		for _, id := range c.Live {
			w.uv(uint64(id))
		}
		prev = c.Offset
	}
	return w.buf
}
