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

package codegen

import (
	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/gcinfo"
	"github.com/launix-de/jitcore/target"
)

type gcSnapshot struct {
	loc   emit.Loc
	stack LiveSet
	gcRef target.RegMask
	byref target.RegMask
}

func (s *gcSnapshot) same(o *gcSnapshot) bool {
	return s.stack.Equal(o.stack) && s.gcRef == o.gcRef && s.byref == o.byref
}

type gcCall struct {
	snap  gcSnapshot
	extra []gcinfo.Slot
}

// gcRecorder collects what the collector must know while code is emitted.
// Fully interruptible methods snapshot after every node inside the
// interruptible ranges; every method records its call sites.
type gcRecorder struct {
	c          *Context
	fully      bool
	points     []gcSnapshot
	calls      []gcCall
	ranges     []locRange
	open       bool
	rangeStart emit.Loc
}

func newGCRecorder(c *Context) *gcRecorder {
	return &gcRecorder{c: c, fully: c.Settings.FullyInterruptible}
}

func (g *gcRecorder) current(loc emit.Loc) gcSnapshot {
	regs := g.c.live.Regs()
	return gcSnapshot{loc: loc, stack: g.c.live.StackGC(), gcRef: regs.GCRef, byref: regs.Byref}
}

// snapshot records the state valid from the next emitted instruction on.
func (g *gcRecorder) snapshot() {
	if !g.fully {
		return
	}
	s := g.current(g.c.enc.CurrentLoc())
	if n := len(g.points); n > 0 {
		last := &g.points[n-1]
		if last.same(&s) {
			return
		}
		if last.loc == s.loc {
			*last = s
			return
		}
	}
	g.points = append(g.points, s)
}

// callSite records the state at a return address.
func (g *gcRecorder) callSite(ret emit.Loc) {
	g.calls = append(g.calls, gcCall{snap: g.current(ret)})
}

// prologCall records a call made from the prolog, where only the given
// stack slots hold references.
func (g *gcRecorder) prologCall(ret emit.Loc, slots []gcinfo.Slot) {
	g.calls = append(g.calls, gcCall{
		snap:  gcSnapshot{loc: ret, stack: NewLiveSet(len(g.c.tracked))},
		extra: slots,
	})
}

func (g *gcRecorder) beginInterruptible(loc emit.Loc) {
	if !g.open {
		g.open = true
		g.rangeStart = loc
	}
}

func (g *gcRecorder) endInterruptible(loc emit.Loc) {
	if g.open {
		g.open = false
		g.ranges = append(g.ranges, locRange{g.rangeStart, loc})
	}
}

func (g *gcRecorder) stackSlot(off int, kind GCKind, untracked bool) gcinfo.Slot {
	base, disp := g.c.frame.Addr(off)
	s := gcinfo.Slot{Base: gcinfo.BaseSP, Offset: int32(disp), Byref: kind == GCByref, Untracked: untracked}
	if base == g.c.frame.fp && g.c.frame.UsesFP {
		s.Base = gcinfo.BaseFP
	}
	return s
}

// untrackedSlots lists frame slots holding references for the whole
// method: untracked locals, struct GC fields and the generic context.
// A promoted struct is reported through its fields unless the promotion
// is dependent, then only the parent is reported.
func (g *gcRecorder) untrackedSlots() []gcinfo.Slot {
	c := g.c
	f := c.frame
	ptr := c.Target.PtrSize()
	var result []gcinfo.Slot
	for i := range c.Method.Locals {
		v := &c.Method.Locals[i]
		off, ok := f.LocalOffset(LclNum(i))
		if !ok {
			continue
		}
		if v.Parent != NoLcl && c.Method.Locals[v.Parent].DependentPromotion {
			continue
		}
		if v.Promoted && !v.DependentPromotion {
			continue
		}
		if c.trackedIdx[i] >= 0 && v.Type != TypeStruct {
			continue
		}
		for k, kind := range v.GCSlots(ptr) {
			if kind != GCNone {
				result = append(result, g.stackSlot(off+k*ptr, kind, true))
			}
		}
	}
	if f.HasGenericContext {
		if kind := GCKindOf(c.local(c.Method.GenericContext).Type); kind != GCNone {
			result = append(result, g.stackSlot(f.GenericContextOffset, kind, true))
		}
	}
	return result
}

func (g *gcRecorder) liveIDs(enc *gcinfo.Encoder, s *gcSnapshot) []int {
	c := g.c
	var ids []int
	s.stack.Each(func(idx int) {
		lcl := c.tracked[idx]
		off, ok := c.frame.LocalOffset(lcl)
		assert(ok, "GC local %s is live on the stack without a frame home", c.local(lcl).Name)
		ids = append(ids, enc.Slot(g.stackSlot(off, c.gcKindOfLocal(lcl), false)))
	})
	for _, r := range s.gcRef.Regs() {
		ids = append(ids, enc.Slot(gcinfo.Slot{Base: gcinfo.BaseReg, Reg: uint8(r)}))
	}
	for _, r := range s.byref.Regs() {
		ids = append(ids, enc.Slot(gcinfo.Slot{Base: gcinfo.BaseReg, Reg: uint8(r), Byref: true}))
	}
	return ids
}

func (g *gcRecorder) encode(code *emit.Code) []byte {
	c := g.c
	f := c.frame
	hdr := gcinfo.Header{
		CodeSize:           code.Size(),
		PrologSize:         code.Offset(c.prologEnd),
		FrameSize:          uint32(f.InitialSPDelta),
		FPBased:            f.UsesFP,
		FullyInterruptible: g.fully,
		HasPSP:             f.HasPSP,
	}
	if f.HasPSP {
		_, disp := f.Addr(f.PSPOffset)
		hdr.PSPOffset = int32(disp)
	}
	enc := gcinfo.NewEncoder(hdr)
	for _, s := range g.untrackedSlots() {
		enc.Slot(s)
	}
	if g.fully {
		for _, r := range g.ranges {
			if r.start == r.end {
				continue
			}
			enc.AddInterruptibleRange(code.Offset(r.start), code.Offset(r.end))
		}
		for i := range g.points {
			enc.SetLive(code.Offset(g.points[i].loc), g.liveIDs(enc, &g.points[i]))
		}
	}
	for i := range g.calls {
		ids := g.liveIDs(enc, &g.calls[i].snap)
		for _, s := range g.calls[i].extra {
			ids = append(ids, enc.Slot(s))
		}
		enc.AddCallSite(code.Offset(g.calls[i].snap.loc), ids)
	}
	return enc.Encode()
}
