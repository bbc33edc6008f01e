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
	"github.com/launix-de/jitcore/target"
)

// homeEntry describes the argument that arrived in one argument register.
type homeEntry struct {
	lcl     LclNum // NoLcl: slot unused
	half    int    // 0 first register, 1 second register of the local
	src     target.Reg
	dst     target.Reg // RegNone: no register destination
	toStack bool
}

type homeStepKind uint8

const (
	stepStore homeStepKind = iota
	stepMove
	stepXchg
)

type homeStep struct {
	kind homeStepKind
	dst  target.Reg
	src  target.Reg
	lcl  LclNum
	half int
}

type homingPlan struct {
	table   []homeEntry
	steps   []homeStep
	need    [2]bool // cycles that need a scratch register, per class
	scratch [2]target.Reg
}

func regClass(t target.Target, r target.Reg) int {
	if t.IsFloat(r) {
		return 1
	}
	return 0
}

// liveAtEntry reports whether a parameter is read at all.
func (c *Context) liveAtEntry(lcl LclNum) bool {
	if c.trackedIdx[lcl] < 0 {
		return true
	}
	for _, l := range c.Method.Blocks[0].LiveIn {
		if l == lcl {
			return true
		}
	}
	return false
}

// homingTable builds the table indexed by argument register slot: the
// integer argument registers first, then the float ones.
func (c *Context) homingTable() []homeEntry {
	t := c.Target
	nInt := len(t.IntArgRegs())
	table := make([]homeEntry, nInt+len(t.FloatArgRegs()))
	for i := range table {
		table[i] = homeEntry{lcl: NoLcl, src: target.RegNone, dst: target.RegNone}
	}
	for i := range c.Method.Locals {
		v := &c.Method.Locals[i]
		if !v.IsParam || v.PreSpill || !v.ArgReg.Valid() || !c.liveAtEntry(LclNum(i)) {
			continue
		}
		halves := [2][2]target.Reg{{v.ArgReg, v.Reg}, {v.ArgReg2, v.Reg2}}
		for half, h := range halves {
			src, dst := h[0], h[1]
			if !src.Valid() {
				continue
			}
			e := homeEntry{lcl: LclNum(i), half: half, src: src, dst: target.RegNone}
			switch {
			case dst.Valid():
				e.dst = dst
			case v.OnFrame && (dst == target.RegStack || !v.Enregistered()):
				e.toStack = true
			default:
				continue
			}
			slot := target.ArgRegSlot(t, src)
			assert(slot >= 0, "parameter %s arrives in %s, not an argument register", v.Name, t.RegName(src))
			if t.IsFloat(src) {
				slot += nInt
			}
			assert(table[slot].lcl == NoLcl, "argument register %s carries two parameters", t.RegName(src))
			if e.dst.Valid() {
				assert(regClass(t, src) == regClass(t, e.dst), "parameter %s changes register class", v.Name)
			}
			table[slot] = e
		}
	}
	return table
}

// resolveHoming orders the homing of all argument registers. Stack
// destinations are written first, then register moves whose destination
// is free run until nothing changes. Whatever is left forms cycles, which
// are broken with an exchange (two integer registers) or through the
// scratch register of their class.
func resolveHoming(t target.Target, table []homeEntry, scratch [2]target.Reg) ([]homeStep, [2]bool) {
	var steps []homeStep
	var need [2]bool
	pending := make([]bool, len(table))
	var live, dsts target.RegMask
	for i, e := range table {
		if e.lcl == NoLcl {
			continue
		}
		live = live.With(e.src)
		if e.dst.Valid() {
			assert(!dsts.Has(e.dst), "two parameters are homed to %s", t.RegName(e.dst))
			dsts = dsts.With(e.dst)
		}
		if e.toStack {
			steps = append(steps, homeStep{kind: stepStore, src: e.src, lcl: e.lcl, half: e.half})
		}
		if e.dst.Valid() && e.dst != e.src {
			pending[i] = true
		} else {
			live = live.Without(e.src)
		}
	}

	// blocker returns the pending slot whose incoming value would be
	// overwritten by homing slot i, -1 if its destination is free
	blocker := func(i int) int {
		for j := range table {
			if j != i && pending[j] && table[j].src == table[i].dst {
				return j
			}
		}
		return -1
	}

	for {
		before := live
		progress := false
		for i := range table {
			if !pending[i] || blocker(i) >= 0 {
				continue
			}
			steps = append(steps, homeStep{kind: stepMove, dst: table[i].dst, src: table[i].src, lcl: table[i].lcl, half: table[i].half})
			pending[i] = false
			live = live.Without(table[i].src)
			progress = true
		}
		if !progress {
			break
		}
		assert(live != before, "argument homing made no progress")
	}

	for i := range table {
		if !pending[i] {
			continue
		}
		cycle := []int{i}
		for j := blocker(i); j != i; j = blocker(j) {
			assert(j >= 0 && len(cycle) < len(table), "argument register %s is blocked but not circular", t.RegName(table[i].src))
			cycle = append(cycle, j)
		}
		class := regClass(t, table[i].src)
		if len(cycle) == 2 && class == 0 && t.HasExchange() {
			a, b := table[cycle[0]], table[cycle[1]]
			steps = append(steps, homeStep{kind: stepXchg, dst: a.src, src: b.src, lcl: a.lcl})
		} else {
			need[class] = true
			tmp := scratch[class]
			first := table[cycle[0]]
			steps = append(steps, homeStep{kind: stepMove, dst: tmp, src: first.src, lcl: NoLcl})
			for k := len(cycle) - 1; k >= 1; k-- {
				e := table[cycle[k]]
				steps = append(steps, homeStep{kind: stepMove, dst: e.dst, src: e.src, lcl: e.lcl, half: e.half})
			}
			steps = append(steps, homeStep{kind: stepMove, dst: first.dst, src: tmp, lcl: first.lcl, half: first.half})
		}
		for _, k := range cycle {
			pending[k] = false
			live = live.Without(table[k].src)
		}
	}
	assert(live.Empty(), "argument registers %x left unhomed", uint64(live))
	return steps, need
}

// homingBusy is the set of registers the homing sequence may not use as
// scratch: every incoming argument and every destination.
func homingBusy(table []homeEntry) target.RegMask {
	var busy target.RegMask
	for _, e := range table {
		if e.lcl == NoLcl {
			continue
		}
		busy = busy.With(e.src)
		if e.dst.Valid() {
			busy = busy.With(e.dst)
		}
	}
	return busy
}

// pickScratch prefers the dedicated scratch registers, then other
// volatile registers and finally borrows a callee-saved register. The
// second result reports a borrow.
func pickScratch(t target.Target, class int, busy target.RegMask, fp target.Reg) (target.Reg, bool) {
	usable := func(r target.Reg) bool {
		return r.Valid() && regClass(t, r) == class && !busy.Has(r) && r != t.SP() && r != fp
	}
	for _, r := range t.ScratchRegs() {
		if usable(r) {
			return r, false
		}
	}
	for _, r := range t.Volatile().Regs() {
		if usable(r) && target.ArgRegSlot(t, r) < 0 {
			return r, false
		}
	}
	for _, r := range t.Volatile().Regs() {
		if usable(r) {
			return r, false
		}
	}
	for _, r := range t.CalleeSaved().Regs() {
		if usable(r) {
			return r, true
		}
	}
	return target.RegNone, false
}

// planHoming runs the homing resolution once without scratch registers to
// learn which classes need one, then picks them.
func (c *Context) planHoming(fp target.Reg) (*homingPlan, target.RegMask) {
	p := &homingPlan{table: c.homingTable(), scratch: [2]target.Reg{target.RegNone, target.RegNone}}
	_, p.need = resolveHoming(c.Target, p.table, p.scratch)
	var borrowed target.RegMask
	busy := homingBusy(p.table)
	for class := range p.need {
		if !p.need[class] {
			continue
		}
		r, borrow := pickScratch(c.Target, class, busy, fp)
		assert(r.Valid(), "no scratch register for argument homing")
		p.scratch[class] = r
		if borrow {
			borrowed = borrowed.With(r)
		}
	}
	p.steps, _ = resolveHoming(c.Target, p.table, p.scratch)
	return p, borrowed
}

func (c *Context) genHoming() {
	t := c.Target
	for _, s := range c.homing.steps {
		switch s.kind {
		case stepStore:
			v := c.local(s.lcl)
			size := t.PtrSize()
			if t.IsFloat(s.src) {
				size = TypeSize(v.Type, t.PtrSize())
			}
			c.emit(emit.Instr{Op: emit.OpStore, Dst: c.homeOperand(s.lcl, s.half*t.PtrSize()), Src: emit.R(s.src), Size: uint8(size), Comment: "home " + v.Name})
		case stepMove:
			c.ins(emit.OpMov, emit.R(s.dst), emit.R(s.src))
		case stepXchg:
			c.ins(emit.OpXchg, emit.R(s.dst), emit.R(s.src))
		}
	}
}
