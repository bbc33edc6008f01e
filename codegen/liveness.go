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
	"github.com/launix-de/jitcore/target"
)

/*
Liveness Tracking
=================

The tracker walks the nodes in emission order and keeps

  - live:    tracked locals whose value may still be read
  - spilled: tracked enregistered locals currently parked in their frame home
  - stackGC: live GC typed locals whose value currently sits on the frame
  - regs:    which registers hold a live value, a live object reference or
             a live byref, and which local owns each of them

A register is only marked live through Acquire with an owner (a local or
the pending value of a call). Two owners for one register, releasing a
register that is not owned, or a local living in a register that a call
clobbers all mean register allocation and dataflow disagree, and abort
the compilation.
*/

const ownerCallResult LclNum = -2

type RegisterState struct {
	Live  target.RegMask
	GCRef target.RegMask
	Byref target.RegMask
	owner [64]LclNum
}

func newRegisterState() RegisterState {
	var s RegisterState
	for i := range s.owner {
		s.owner[i] = NoLcl
	}
	return s
}

// Owner returns the local holding r, NoLcl if the register is free.
func (s *RegisterState) Owner(r target.Reg) LclNum {
	return s.owner[r]
}

func (s *RegisterState) Acquire(r target.Reg, lcl LclNum, kind GCKind) {
	cur := s.owner[r]
	if cur != NoLcl && cur != lcl && cur != ownerCallResult {
		noway("register %d is live for local %d and local %d", r, cur, lcl)
	}
	s.owner[r] = lcl
	s.Live = s.Live.With(r)
	s.GCRef = s.GCRef.Without(r)
	s.Byref = s.Byref.Without(r)
	switch kind {
	case GCRef:
		s.GCRef = s.GCRef.With(r)
	case GCByref:
		s.Byref = s.Byref.With(r)
	}
}

func (s *RegisterState) Release(r target.Reg, lcl LclNum) {
	if s.owner[r] != lcl {
		noway("register %d released by local %d but owned by %d", r, lcl, s.owner[r])
	}
	s.owner[r] = NoLcl
	s.Live = s.Live.Without(r)
	s.GCRef = s.GCRef.Without(r)
	s.Byref = s.Byref.Without(r)
}

func (s *RegisterState) releaseCallResults() {
	for _, r := range s.Live.Regs() {
		if s.owner[r] == ownerCallResult {
			s.Release(r, ownerCallResult)
		}
	}
}

type LiveTracker struct {
	ctx      *Context
	live     LiveSet
	spilled  LiveSet
	stackGC  LiveSet
	regs     RegisterState
	lastNode NodeID
}

func newLiveTracker(ctx *Context) *LiveTracker {
	n := len(ctx.tracked)
	return &LiveTracker{
		ctx:      ctx,
		live:     NewLiveSet(n),
		spilled:  NewLiveSet(n),
		stackGC:  NewLiveSet(n),
		regs:     newRegisterState(),
		lastNode: -1,
	}
}

func (t *LiveTracker) Live() LiveSet {
	return t.live.Clone()
}

func (t *LiveTracker) StackGC() LiveSet {
	return t.stackGC.Clone()
}

func (t *LiveTracker) Regs() RegisterState {
	return t.regs
}

// InRegister reports whether a live local currently sits in its register.
func (t *LiveTracker) InRegister(lcl LclNum) bool {
	idx := t.ctx.trackedIdx[lcl]
	if idx < 0 {
		return t.ctx.local(lcl).Enregistered()
	}
	return t.ctx.local(lcl).Enregistered() && !t.spilled.Has(idx)
}

func (t *LiveTracker) addLive(lcl LclNum) {
	c := t.ctx
	v := c.local(lcl)
	idx := c.trackedIdx[lcl]
	t.live.Set(idx)
	kind := c.gcKindOfLocal(lcl)
	if v.Enregistered() && !t.spilled.Has(idx) {
		for _, r := range c.regsOf(lcl) {
			t.regs.Acquire(r, lcl, kind)
		}
		if v.PartiallyEnregistered() && kind != GCNone {
			t.stackGC.Set(idx)
		}
		return
	}
	if kind != GCNone {
		t.stackGC.Set(idx)
	}
}

func (t *LiveTracker) removeLive(lcl LclNum) {
	c := t.ctx
	idx := c.trackedIdx[lcl]
	if !t.live.Has(idx) {
		return
	}
	t.live.Clear(idx)
	t.stackGC.Clear(idx)
	if c.local(lcl).Enregistered() && !t.spilled.Has(idx) {
		for _, r := range c.regsOf(lcl) {
			t.regs.Release(r, lcl)
		}
	}
	t.spilled.Clear(idx)
}

// covered reports locals whose liveness is reported through their parent.
func (t *LiveTracker) covered(lcl LclNum) bool {
	v := t.ctx.local(lcl)
	return v.Parent != NoLcl && t.ctx.local(v.Parent).DependentPromotion
}

// apply updates one local. Fanned out struct deaths tolerate fields that
// are already dead.
func (t *LiveTracker) apply(lcl LclNum, birth, death, fanout bool) {
	if t.ctx.trackedIdx[lcl] < 0 || t.covered(lcl) {
		return
	}
	idx := t.ctx.trackedIdx[lcl]
	switch {
	case birth && death:
		// dead store: the stored value is never visible
		t.removeLive(lcl)
	case death:
		if !t.live.Has(idx) && !fanout {
			noway("local %d dies but is not live", lcl)
		}
		t.removeLive(lcl)
	case birth:
		t.addLive(lcl)
	}
}

// UpdateForNode applies the liveness effect of one node. Calling it again
// for the node processed last does nothing.
func (t *LiveTracker) UpdateForNode(id NodeID) {
	if id == t.lastNode {
		return
	}
	t.lastNode = id
	n := &t.ctx.Method.Nodes[id]
	switch n.Kind {
	case NodeDef, NodeUse, NodeIndirAddr:
	case NodeSpill:
		t.Spill(n.Lcl)
		return
	case NodeReload:
		t.Reload(n.Lcl)
		return
	default:
		t.regs.releaseCallResults()
		return
	}
	birth := n.Birth
	death := n.Death
	v := t.ctx.local(n.Lcl)
	if v.Promoted && !v.DependentPromotion {
		fields := v.Fields
		if n.Kind == NodeIndirAddr && n.DyingFields != nil {
			fields = n.DyingFields
		}
		for _, f := range fields {
			t.apply(f, birth, death, true)
		}
	} else {
		t.apply(n.Lcl, birth, death, false)
	}
	t.regs.releaseCallResults()
}

// UpdateForNewLiveSet moves to the live set computed for a block entry.
// Deaths are applied before births so a register reused by the
// allocator at the boundary is never owned twice.
func (t *LiveTracker) UpdateForNewLiveSet(target LiveSet) {
	dying := t.live.Diff(target)
	born := target.Diff(t.live)
	dying.Each(func(i int) { t.removeLive(t.ctx.tracked[i]) })
	born.Each(func(i int) { t.addLive(t.ctx.tracked[i]) })
	t.lastNode = -1
}

func (t *LiveTracker) Spill(lcl LclNum) {
	c := t.ctx
	idx := c.trackedIdx[lcl]
	v := c.local(lcl)
	assert(v.Enregistered() && v.OnFrame, "spill of local %d without register and frame home", lcl)
	if idx < 0 || t.spilled.Has(idx) {
		return
	}
	if t.live.Has(idx) {
		for _, r := range c.regsOf(lcl) {
			t.regs.Release(r, lcl)
		}
		if c.gcKindOfLocal(lcl) != GCNone {
			t.stackGC.Set(idx)
		}
	}
	t.spilled.Set(idx)
}

func (t *LiveTracker) Reload(lcl LclNum) {
	c := t.ctx
	idx := c.trackedIdx[lcl]
	if idx < 0 || !t.spilled.Has(idx) {
		return
	}
	t.spilled.Clear(idx)
	if t.live.Has(idx) {
		kind := c.gcKindOfLocal(lcl)
		for _, r := range c.regsOf(lcl) {
			t.regs.Acquire(r, lcl, kind)
		}
		if !c.local(lcl).PartiallyEnregistered() {
			t.stackGC.Clear(idx)
		}
	}
}

// KillCallTrash drops the registers a call clobbers. A live local in one
// of them means the allocator forgot to save it.
func (t *LiveTracker) KillCallTrash(clobbered target.RegMask) {
	for _, r := range (t.regs.Live & clobbered).Regs() {
		owner := t.regs.owner[r]
		if owner != ownerCallResult {
			noway("local %d is live in call-clobbered register %s", owner, t.ctx.Target.RegName(r))
		}
		t.regs.Release(r, ownerCallResult)
	}
}

// MarkReturnValue records the value a call left in r until a local
// takes it over.
func (t *LiveTracker) MarkReturnValue(r target.Reg, kind GCKind) {
	t.regs.Acquire(r, ownerCallResult, kind)
}
