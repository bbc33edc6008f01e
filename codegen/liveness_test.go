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
	"errors"
	"testing"

	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/target"
)

func TestLiveSet(t *testing.T) {
	a := NewLiveSet(100)
	a.Set(3)
	a.Set(70)
	b := NewLiveSet(10)
	b.Set(3)
	if !a.Has(70) || a.Has(4) || b.Has(70) || b.Has(1000) {
		t.Errorf("membership")
	}
	if got := a.Diff(b); got.String() != "{70}" || got.Count() != 1 {
		t.Errorf("diff %s", got)
	}
	if got := b.Union(a); got.String() != "{3 70}" || len(got) != 2 {
		t.Errorf("union %s", got)
	}
	c := a.Clone()
	c.Clear(70)
	if !c.Equal(b) || !b.Equal(c) || a.Equal(b) {
		t.Errorf("equal across lengths")
	}
	c.Clear(3)
	c.Clear(5000)
	if !c.Empty() || !a.Has(3) {
		t.Errorf("clone shares storage or clear failed")
	}
	var seen []int
	a.Each(func(i int) { seen = append(seen, i) })
	if len(seen) != 2 || seen[0] != 3 || seen[1] != 70 {
		t.Errorf("each %v", seen)
	}
}

func tracker(m *Method) (*Context, *LiveTracker) {
	x := target.AMD64()
	s := testSettings()
	c := newContext(m, x, s, emit.NewListing(x), s.Logger())
	c.live = newLiveTracker(c)
	return c, c.live
}

func expectNoway(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrInternal) {
			t.Errorf("%s: recovered %v", name, r)
		}
	}()
	f()
}

func TestTrackerBirthDeath(t *testing.T) {
	m := NewMethod("Live")
	v := NewLocal("o", TypeRef)
	v.Reg, v.Tracked = target.RegRBX, true
	lo := m.AddLocal(v)
	def := m.AddNode(DefNode(lo))
	use := m.AddNode(UseNode(lo, true))
	c, lt := tracker(m)

	lt.UpdateForNode(def)
	if regs := lt.Regs(); !regs.GCRef.Has(target.RegRBX) || regs.Owner(target.RegRBX) != lo {
		t.Errorf("after def: %+v", regs)
	}
	if c.VarLocation(lo).Kind != LocReg || c.LocationMask(lo) != target.MaskOf(target.RegRBX) {
		t.Errorf("location %+v", c.VarLocation(lo))
	}
	lt.UpdateForNode(use)
	// the same node again does nothing
	lt.UpdateForNode(use)
	if regs := lt.Regs(); !regs.Live.Empty() || !lt.Live().Empty() {
		t.Errorf("after death: %+v %s", regs, lt.Live())
	}
	if c.TrackedIndex(lo) != 0 {
		t.Errorf("tracked index %d", c.TrackedIndex(lo))
	}
	expectNoway(t, "second death", func() {
		lt.UpdateForNode(m.AddNode(UseNode(lo, true)))
	})
}

func TestTrackerDeadStore(t *testing.T) {
	m := NewMethod("DeadStore")
	v := NewLocal("o", TypeRef)
	v.Reg, v.Tracked = target.RegRBX, true
	lo := m.AddLocal(v)
	_, lt := tracker(m)
	lt.UpdateForNode(m.AddNode(DeadStoreNode(lo)))
	if !lt.Live().Empty() || !lt.Regs().Live.Empty() {
		t.Errorf("dead store became live")
	}
}

func TestTrackerPromotedStruct(t *testing.T) {
	m := NewMethod("Promoted")
	parent := NewLocal("s", TypeStruct)
	parent.Size, parent.OnFrame = 16, true
	f0 := NewLocal("s.obj", TypeRef)
	f0.Reg, f0.Tracked = target.RegRBX, true
	f1 := NewLocal("s.len", TypeNativeInt)
	f1.Reg, f1.Tracked, f1.FieldOffset = target.RegRSI, true, 8
	ls, fields := m.AddStruct(parent, f0, f1)
	def := m.AddNode(DefNode(ls))
	partial := m.AddNode(IndirNode(ls, []LclNum{fields[0]}, true))
	rest := m.AddNode(IndirNode(ls, nil, true))
	c, lt := tracker(m)

	lt.UpdateForNode(def)
	if lt.Live().Count() != 2 || c.LocationMask(ls) != target.MaskOf(target.RegRBX, target.RegRSI) {
		t.Fatalf("struct birth: %s", lt.Live())
	}
	lt.UpdateForNode(partial)
	if regs := lt.Regs(); regs.Live != target.MaskOf(target.RegRSI) || !regs.GCRef.Empty() {
		t.Errorf("partial death: %+v", regs)
	}
	// fanned out deaths tolerate the field that is already dead
	lt.UpdateForNode(rest)
	if !lt.Live().Empty() {
		t.Errorf("struct death: %s", lt.Live())
	}
}

func TestTrackerDependentPromotion(t *testing.T) {
	m := NewMethod("Dependent")
	parent := NewLocal("s", TypeStruct)
	parent.Size, parent.OnFrame, parent.Tracked, parent.DependentPromotion = 8, true, true, true
	f := NewLocal("s.x", TypeInt)
	f.Reg, f.Tracked = target.RegRSI, true
	ls, fields := m.AddStruct(parent, f)
	c, lt := tracker(m)
	lt.UpdateForNode(m.AddNode(DefNode(ls)))
	if !lt.Live().Has(c.TrackedIndex(ls)) || lt.Live().Has(c.TrackedIndex(fields[0])) {
		t.Errorf("dependent fields tracked on their own: %s", lt.Live())
	}
	// a field node is covered by the parent
	lt.UpdateForNode(m.AddNode(UseNode(fields[0], true)))
	if lt.Live().Count() != 1 {
		t.Errorf("field death changed the parent: %s", lt.Live())
	}
}

func TestTrackerSpillReload(t *testing.T) {
	m := NewMethod("Spill")
	v := NewLocal("o", TypeRef)
	v.Reg, v.Tracked, v.OnFrame = target.RegRAX, true, true
	lo := m.AddLocal(v)
	c, lt := tracker(m)
	idx := c.TrackedIndex(lo)

	lt.UpdateForNode(m.AddNode(DefNode(lo)))
	lt.UpdateForNode(m.AddNode(SpillNode(lo)))
	if !lt.Regs().Live.Empty() || !lt.StackGC().Has(idx) || lt.InRegister(lo) {
		t.Errorf("after spill: %+v %s", lt.Regs(), lt.StackGC())
	}
	// nothing of the local sits in a clobbered register
	lt.KillCallTrash(target.AMD64().Volatile())
	lt.UpdateForNode(m.AddNode(ReloadNode(lo)))
	if !lt.Regs().GCRef.Has(target.RegRAX) || lt.StackGC().Has(idx) || !lt.InRegister(lo) {
		t.Errorf("after reload: %+v %s", lt.Regs(), lt.StackGC())
	}
	expectNoway(t, "clobbered", func() { lt.KillCallTrash(target.AMD64().Volatile()) })
}

func TestTrackerCallResult(t *testing.T) {
	m := NewMethod("Result")
	v := NewLocal("r", TypeByref)
	v.Reg, v.Tracked = target.RegRAX, true
	lr := m.AddLocal(v)
	call := m.AddNode(CallNode(CallInfo{Target: emit.Sym("Get"), ReturnReg: target.RegRAX, ReturnKind: GCByref}))
	def := m.AddNode(DefNode(lr))
	_, lt := tracker(m)

	lt.KillCallTrash(target.AMD64().Volatile())
	lt.UpdateForNode(call)
	lt.MarkReturnValue(target.RegRAX, GCByref)
	if regs := lt.Regs(); !regs.Byref.Has(target.RegRAX) {
		t.Errorf("pending call result not reported: %+v", regs)
	}
	// the local takes over the result register
	lt.UpdateForNode(def)
	if regs := lt.Regs(); regs.Owner(target.RegRAX) != lr || !regs.Byref.Has(target.RegRAX) {
		t.Errorf("after def: %+v", regs)
	}

	// an unclaimed result dies with the next node
	lt.MarkReturnValue(target.RegRDX, GCRef)
	lt.UpdateForNode(m.AddNode(InstrNode()))
	if lt.Regs().Live.Has(target.RegRDX) {
		t.Errorf("call result outlived its node")
	}
}

func TestTrackerNewLiveSet(t *testing.T) {
	m := NewMethod("Blocks")
	a := NewLocal("a", TypeRef)
	a.Reg, a.Tracked = target.RegRBX, true
	la := m.AddLocal(a)
	b := NewLocal("b", TypeInt)
	b.Reg, b.Tracked = target.RegRBX, true
	lb := m.AddLocal(b)
	c, lt := tracker(m)

	in := NewLiveSet(2)
	in.Set(c.TrackedIndex(la))
	lt.UpdateForNewLiveSet(in)
	// b reuses rbx at the next block boundary
	next := NewLiveSet(2)
	next.Set(c.TrackedIndex(lb))
	lt.UpdateForNewLiveSet(next)
	if regs := lt.Regs(); regs.Owner(target.RegRBX) != lb || !regs.GCRef.Empty() {
		t.Errorf("after block change: %+v", regs)
	}
	both := in.Union(next)
	expectNoway(t, "shared register", func() { lt.UpdateForNewLiveSet(both) })
}

func TestLocationRegPair(t *testing.T) {
	m := NewMethod("Pairs")
	full := NewLocal("wide", TypeLong)
	full.Reg, full.Reg2, full.Tracked = target.RegArmR4, target.RegArmR5, true
	half := NewLocal("half", TypeLong)
	half.Reg, half.Reg2, half.Tracked, half.OnFrame = target.RegArmR6, target.RegStack, true, true
	lf, lh := m.AddLocal(full), m.AddLocal(half)
	x := target.ARM()
	s := testSettings()
	c := newContext(m, x, s, emit.NewListing(x), s.Logger())

	if loc := c.VarLocation(lf); loc.Kind != LocRegPair || loc.Reg != target.RegArmR4 || loc.Reg2 != target.RegArmR5 {
		t.Errorf("pair %+v", loc)
	}
	if c.LocationMask(lf) != target.MaskOf(target.RegArmR4, target.RegArmR5) {
		t.Errorf("pair mask %s", c.LocationMask(lf).Format(x))
	}
	if loc := c.VarLocation(lh); loc.Kind != LocRegStack || loc.Reg != target.RegArmR6 {
		t.Errorf("partial pair %+v", loc)
	}
	if c.LocationMask(lh) != target.MaskOf(target.RegArmR6) {
		t.Errorf("partial pair mask %s", c.LocationMask(lh).Format(x))
	}
}
