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

/*
Prolog and Epilog Sequence
==========================

Main prolog, in emission order:

 1. push pre-spilled argument registers (descending)
 2. save callee-saved registers (push each, or allocate and store)
 3. establish FP when the target sets it after the saves
 4. allocate the local frame, probing every page of it when it spans one;
    targets that set FP after allocation do it here
 5. save callee-saved float registers
 6. store the PSP slot
 7. zero-initialize the frame (bulk or per slot)
 8. profiler enter hook
 9. zero must-init locals that live in registers
 10. home the incoming arguments
 11. store the generic context, store the security cookie

Every epilog checks the cookie, restores floats, releases the local frame,
restores the saved registers and returns or tail jumps. Registers an
epilog may clobber never overlap the return value or the arguments of a
tail call.
*/

func (c *Context) reg(r target.Reg) emit.Operand {
	return emit.R(r)
}

// adjustSP lowers (OpSub) or raises (OpAdd) SP and returns the location of
// the instruction that moved it.
func (c *Context) adjustSP(op emit.Op, size int, scratch target.Reg) emit.Loc {
	sp := c.reg(c.Target.SP())
	if c.Target.FrameImmFits(size) {
		return c.ins3(op, sp, sp, emit.Imm(int64(size)))
	}
	assert(scratch.Valid(), "stack adjustment of %d bytes needs a scratch register", size)
	c.ins(emit.OpMov, c.reg(scratch), emit.Imm(int64(size)))
	return c.ins3(op, sp, sp, c.reg(scratch))
}

// spMinus computes dst = SP - size.
func (c *Context) spMinus(dst target.Reg, size int) {
	sp := c.Target.SP()
	if c.Target.DispFits(int64(-size)) {
		c.ins(emit.OpLea, c.reg(dst), emit.Mem(sp, int64(-size)))
		return
	}
	if c.Target.FrameImmFits(size) {
		c.ins3(emit.OpSub, c.reg(dst), c.reg(sp), emit.Imm(int64(size)))
		return
	}
	c.ins(emit.OpMov, c.reg(dst), emit.Imm(int64(size)))
	c.ins3(emit.OpSub, c.reg(dst), c.reg(sp), c.reg(dst))
}

// leaFrame computes dst = address of a VZ relative frame offset.
func (c *Context) leaFrame(dst target.Reg, off int) {
	base, disp := c.frame.Addr(off)
	if c.Target.DispFits(disp) {
		c.ins(emit.OpLea, c.reg(dst), emit.Mem(base, disp))
		return
	}
	c.ins(emit.OpMov, c.reg(dst), emit.Imm(disp))
	c.ins3(emit.OpAdd, c.reg(dst), c.reg(base), c.reg(dst))
}

// spRelSave is the SP relative save slot of r while SP sits right below
// the save area.
func (f *FrameLayout) spRelSave(r target.Reg) int32 {
	return f.saveOff[r] + int32(f.PreSpillSize+f.SaveAreaSize)
}

func (c *Context) genProlog() {
	t := c.Target
	f := c.frame
	sp, fp := t.SP(), f.fp
	c.unwind.begin(-1, c.enc.CurrentLoc())

	if !f.PreSpill.Empty() {
		regs := f.PreSpill.Regs()
		for i := len(regs) - 1; i >= 0; i-- {
			loc := c.emit(emit.Instr{Op: emit.OpPush, Src: c.reg(regs[i]), Comment: "pre-spill"})
			c.unwind.add(loc, UnwindCode{Op: UnwindPushReg, Reg: regs[i]})
		}
	}

	c.genSaves()

	if f.UsesFP && t.FPPolicy() == target.FPAfterSaves {
		disp := f.PreSpillSize + f.SaveAreaSize - f.FPDelta
		loc := c.ins(emit.OpLea, c.reg(fp), emit.Mem(sp, int64(disp)))
		c.unwind.add(loc, UnwindCode{Op: UnwindSetFP, Reg: fp, Offset: int32(disp)})
	}

	c.genAllocFrame()
	if f.UsesFP && t.FPPolicy() == target.FPAfterAlloc {
		disp := f.InitialSPDelta - f.FPDelta
		loc := c.ins(emit.OpLea, c.reg(fp), emit.Mem(sp, int64(disp)))
		c.unwind.add(loc, UnwindCode{Op: UnwindSetFP, Reg: fp, Offset: int32(disp)})
	}

	c.genFloatSaves(f.SaveStyle == target.SavePush, f.SaveStyle == target.SavePush)

	if f.HasPSP {
		c.emit(emit.Instr{Op: emit.OpStore, Dst: f.AddrOperand(f.PSPOffset), Src: c.reg(sp), Comment: "psp"})
	}

	c.genZeroInitFrame()
	if c.Settings.ProfilerEnter {
		c.genProfilerEnter()
	}
	c.genHoming()
	// an enregistered must-init local may sit in an argument register
	// that homing just vacated
	for _, r := range f.MustInitRegs.Regs() {
		c.ins(emit.OpZero, c.reg(r), emit.Operand{})
	}

	if f.HasGenericContext {
		c.genGenericContext()
	}
	if f.HasCookie {
		s := f.LateScratch
		c.ins(emit.OpMov, c.reg(s), emit.Imm(c.Settings.CookieValue))
		c.emit(emit.Instr{Op: emit.OpStore, Dst: f.AddrOperand(f.CookieOffset), Src: c.reg(s), Comment: "cookie"})
	}

	c.prologEnd = c.enc.CurrentLoc()
	c.unwind.endProlog(c.prologEnd)
}

// genSaves writes the callee-saved integer registers. Funclets use the
// same slot layout as the main body.
func (c *Context) genSaves() {
	t := c.Target
	f := c.frame
	sp := t.SP()
	switch f.SaveStyle {
	case target.SavePush:
		for _, r := range f.SaveOrder(t) {
			loc := c.ins(emit.OpPush, emit.Operand{}, c.reg(r))
			c.unwind.add(loc, UnwindCode{Op: UnwindPushReg, Reg: r})
		}
	case target.SaveStore:
		loc := c.adjustSP(emit.OpSub, f.SaveAreaSize, target.RegNone)
		c.unwind.add(loc, UnwindCode{Op: UnwindAllocStack, Offset: int32(f.SaveAreaSize)})
		rest := f.Saved
		if lr := t.LR(); f.UsesFP && rest.Has(lr) {
			off := min(f.spRelSave(f.fp), f.spRelSave(lr))
			loc := c.emit(emit.Instr{Op: emit.OpStorePair, Dst: emit.Mem(sp, int64(off)), Src: c.reg(f.fp), Src2: c.reg(lr)})
			c.unwind.add(loc, UnwindCode{Op: UnwindSaveRegPair, Reg: f.fp, Reg2: lr, Offset: off})
			rest = rest.Without(lr).Without(f.fp)
		}
		for _, r := range rest.Regs() {
			off := f.spRelSave(r)
			loc := c.ins(emit.OpStore, emit.Mem(sp, int64(off)), c.reg(r))
			c.unwind.add(loc, UnwindCode{Op: UnwindSaveReg, Reg: r, Offset: off})
		}
		c.genFloatSaves(true, false)
	}
}

// genFloatSaves stores the callee-saved float registers. Push style
// targets save them below the allocated frame, store style targets keep
// them in the save area.
func (c *Context) genFloatSaves(enabled, afterAlloc bool) {
	f := c.frame
	if !enabled || f.SavedFloat.Empty() {
		return
	}
	sp := c.Target.SP()
	shift := int32(f.PreSpillSize + f.SaveAreaSize)
	if afterAlloc {
		shift = int32(f.InitialSPDelta)
	}
	for _, r := range f.SavedFloat.Regs() {
		off := f.saveOff[r] + shift
		loc := c.emit(emit.Instr{Op: emit.OpStore, Dst: emit.Mem(sp, int64(off)), Src: c.reg(r), Size: uint8(f.FloatSlot)})
		c.unwind.add(loc, UnwindCode{Op: UnwindSaveReg, Reg: r, Offset: off})
	}
}

// genAllocFrame lowers SP by the local frame size. A frame of a page or
// more touches every page top-down before SP moves past it; up to
// ProbeUnrollPages pages are probed inline, larger frames use a loop.
func (c *Context) genAllocFrame() {
	t := c.Target
	f := c.frame
	size := f.LocalFrameSize
	if size == 0 {
		return
	}
	scratch := t.ScratchRegs()
	page := f.PageSize
	var loc emit.Loc
	switch {
	case !f.NeedsProbe:
		loc = c.adjustSP(emit.OpSub, size, scratch[0])
	case !f.ProbeLoop:
		for off := page; off <= size; off += page {
			if t.DispFits(int64(-off)) {
				c.emit(emit.Instr{Op: emit.OpProbe, Src: emit.Mem(t.SP(), int64(-off)), Comment: "probe"})
			} else {
				c.spMinus(scratch[0], off)
				c.emit(emit.Instr{Op: emit.OpProbe, Src: emit.Mem(scratch[0], 0), Comment: "probe"})
			}
		}
		loc = c.adjustSP(emit.OpSub, size, scratch[0])
	default:
		assert(len(scratch) >= 2, "probe loop needs two scratch registers")
		test, limit := scratch[0], scratch[1]
		c.spMinus(limit, size)
		c.ins(emit.OpMov, c.reg(test), c.reg(t.SP()))
		top := c.enc.NewLabel()
		c.enc.PlaceLabel(top)
		c.ins3(emit.OpSub, c.reg(test), c.reg(test), emit.Imm(int64(page)))
		c.emit(emit.Instr{Op: emit.OpProbe, Src: emit.Mem(test, 0), Comment: "probe"})
		c.ins3(emit.OpCmp, emit.Operand{}, c.reg(test), c.reg(limit))
		c.emit(emit.Instr{Op: emit.OpJcc, Cond: emit.CondHI, Dst: emit.L(top)})
		loc = c.ins(emit.OpMov, c.reg(t.SP()), c.reg(limit))
	}
	c.unwind.add(loc, UnwindCode{Op: UnwindAllocStack, Offset: int32(size)})
}

// zeroesWholeLocal reports whether every slot of a local is cleared, not
// only its GC slots.
func (c *Context) zeroesWholeLocal(v *LocalVar) bool {
	ptr := c.Target.PtrSize()
	n, _ := c.zeroInitSlots(v)
	return v.Type != TypeStruct || n == SlotCount(max(v.ByteSize(ptr), 1), ptr)
}

// genZeroInitFrame clears the must-init part of the frame.
func (c *Context) genZeroInitFrame() {
	t := c.Target
	f := c.frame
	ptr := t.PtrSize()
	if len(f.zeroLocals) == 0 {
		return
	}
	if f.BlockInit {
		slots := (f.ZeroInitHi - f.ZeroInitLo) / ptr
		if t.HasRepStos() {
			c.genRepStos(slots)
			return
		}
		regs := f.BlockInitRegs.Regs()
		assert(len(regs) >= 3, "bulk zeroing needs three registers, have %d", len(regs))
		dst, cnt, zero := regs[0], regs[1], regs[2]
		c.leaFrame(dst, f.ZeroInitLo)
		c.ins(emit.OpMov, c.reg(cnt), emit.Imm(int64(slots)))
		c.ins(emit.OpZero, c.reg(zero), emit.Operand{})
		top := c.enc.NewLabel()
		c.enc.PlaceLabel(top)
		c.ins(emit.OpStore, emit.Mem(dst, 0), c.reg(zero))
		c.ins3(emit.OpAdd, c.reg(dst), c.reg(dst), emit.Imm(int64(ptr)))
		c.ins3(emit.OpSub, c.reg(cnt), c.reg(cnt), emit.Imm(1))
		c.ins3(emit.OpCmp, emit.Operand{}, c.reg(cnt), emit.Imm(0))
		c.emit(emit.Instr{Op: emit.OpJcc, Cond: emit.CondNE, Dst: emit.L(top)})
		return
	}
	zero := t.ScratchRegs()[0]
	c.ins(emit.OpZero, c.reg(zero), emit.Operand{})
	for _, l := range f.zeroLocals {
		v := c.local(l)
		if c.zeroesWholeLocal(v) {
			n := SlotCount(max(v.ByteSize(ptr), 1), ptr)
			for i := 0; i < n; i++ {
				c.emit(emit.Instr{Op: emit.OpStore, Dst: emit.Local(int(l), int64(i*ptr)), Src: c.reg(zero), Comment: "zero " + v.Name})
			}
			continue
		}
		for i, kind := range v.GCSlots(ptr) {
			if kind != GCNone {
				c.emit(emit.Instr{Op: emit.OpStore, Dst: emit.Local(int(l), int64(i*ptr)), Src: c.reg(zero), Comment: "zero " + v.Name})
			}
		}
	}
}

// genRepStos zeroes [ZeroInitLo, ZeroInitHi) with rep stos. RCX doubles
// as the count register, so a live argument in it is parked in RSI.
func (c *Context) genRepStos(slots int) {
	f := c.frame
	park := f.BlockInitRegs.Has(target.RegRSI)
	if park {
		c.ins(emit.OpMov, c.reg(target.RegRSI), c.reg(target.RegRCX))
	}
	c.leaFrame(target.RegRDI, f.ZeroInitLo)
	c.ins(emit.OpMov, c.reg(target.RegRCX), emit.Imm(int64(slots)))
	c.ins(emit.OpZero, c.reg(target.RegRAX), emit.Operand{})
	c.emit(emit.Instr{Op: emit.OpRepStos})
	if park {
		c.ins(emit.OpMov, c.reg(target.RegRCX), c.reg(target.RegRSI))
	}
}

// genProfilerEnter calls the enter hook with a pointer to the spilled
// argument registers. The hook may walk the stack, so the spilled GC
// arguments are reported at the call.
func (c *Context) genProfilerEnter() {
	t := c.Target
	f := c.frame
	type spilled struct {
		e   homeEntry
		off int
	}
	var list []spilled
	for _, e := range c.homing.table {
		if e.lcl != NoLcl {
			list = append(list, spilled{e, f.ProfilerSpillOffset + 8*len(list)})
		}
	}
	var gcSlots []gcinfo.Slot
	size := func(r target.Reg) uint8 {
		if t.IsFloat(r) {
			return 8
		}
		return uint8(t.PtrSize())
	}
	for _, s := range list {
		c.emit(emit.Instr{Op: emit.OpStore, Dst: f.AddrOperand(s.off), Src: c.reg(s.e.src), Size: size(s.e.src)})
		if t.IsFloat(s.e.src) {
			continue
		}
		v := c.local(s.e.lcl)
		kind := GCKindOf(v.Type)
		if v.Type == TypeStruct {
			if slots := v.GCSlots(t.PtrSize()); s.e.half < len(slots) {
				kind = slots[s.e.half]
			}
		}
		if kind != GCNone {
			gcSlots = append(gcSlots, c.gc.stackSlot(s.off, kind, false))
		}
	}
	arg0 := t.IntArgRegs()[0]
	c.leaFrame(arg0, f.ProfilerSpillOffset)
	c.ins(emit.OpCall, emit.Sym(t.Helper(target.HelperProfilerEnter)), emit.Operand{})
	c.gc.prologCall(c.enc.CurrentLoc(), gcSlots)
	for _, s := range list {
		c.emit(emit.Instr{Op: emit.OpLoad, Dst: c.reg(s.e.src), Src: f.AddrOperand(s.off), Size: size(s.e.src)})
	}
}

// genGenericContext copies the generic context into its reporting slot,
// from its incoming register or from its home.
func (c *Context) genGenericContext() {
	f := c.frame
	l := c.Method.GenericContext
	v := c.local(l)
	dst := f.AddrOperand(f.GenericContextOffset)
	switch {
	case v.Enregistered() && v.Reg != target.RegStack:
		c.ins(emit.OpStore, dst, c.reg(v.Reg))
	case v.OnFrame:
		c.ins(emit.OpLoad, c.reg(f.LateScratch), emit.Local(int(l), 0))
		c.ins(emit.OpStore, dst, c.reg(f.LateScratch))
	case v.ArgReg.Valid():
		c.ins(emit.OpStore, dst, c.reg(v.ArgReg))
	default:
		noway("generic context %s has no location", v.Name)
	}
}

// epilogScratch picks registers an epilog may clobber.
func (c *Context) epilogScratch(tail *CallInfo, n int) []target.Reg {
	t := c.Target
	busy := target.MaskOf(t.IntReturn(), t.IntReturn2(), t.FloatReturn(), c.frame.fp)
	if tail != nil {
		busy |= tail.ArgRegs
		if tail.Target.Kind == emit.KindReg {
			busy = busy.With(tail.Target.Reg)
		}
	}
	var result []target.Reg
	for _, r := range t.ScratchRegs() {
		if !busy.Has(r) && len(result) < n {
			result = append(result, r)
		}
	}
	assert(len(result) == n, "epilog needs %d scratch registers, %d are free", n, len(result))
	return result
}

// genEpilog emits an epilog for a return (tail == nil) or a tail call.
func (c *Context) genEpilog(tail *CallInfo) {
	t := c.Target
	f := c.frame
	sp := t.SP()
	start := c.enc.CurrentLoc()
	c.gc.endInterruptible(start)

	if f.HasCookie {
		need := 1
		if !t.DispFits(c.Settings.CookieValue) {
			need = 2
		}
		s := c.epilogScratch(tail, need)
		c.ins(emit.OpLoad, c.reg(s[0]), f.AddrOperand(f.CookieOffset))
		expect := emit.Imm(c.Settings.CookieValue)
		if need == 2 {
			c.ins(emit.OpMov, c.reg(s[1]), expect)
			expect = c.reg(s[1])
		}
		c.ins3(emit.OpCmp, emit.Operand{}, c.reg(s[0]), expect)
		ok := c.enc.NewLabel()
		c.emit(emit.Instr{Op: emit.OpJcc, Cond: emit.CondEQ, Dst: emit.L(ok)})
		c.ins(emit.OpCall, emit.Sym(t.Helper(target.HelperFailFast)), emit.Operand{})
		c.enc.PlaceLabel(ok)
	}

	if tail != nil && tail.Target.Kind == emit.KindReg {
		r := tail.Target.Reg
		assert(!(f.Saved | f.PreSpill).Has(r), "tail call target %s is restored by the epilog", t.RegName(r))
	}

	if f.SaveStyle == target.SavePush {
		for _, r := range f.SavedFloat.Regs() {
			c.emit(emit.Instr{Op: emit.OpLoad, Dst: c.reg(r), Src: f.AddrOperand(int(f.saveOff[r])), Size: uint8(f.FloatSlot)})
		}
	}
	if f.LocalFrameSize > 0 {
		if f.UsesFP {
			c.ins(emit.OpLea, c.reg(sp), emit.Mem(f.fp, int64(f.FPDelta-f.PreSpillSize-f.SaveAreaSize)))
		} else {
			c.adjustSP(emit.OpAdd, f.LocalFrameSize, c.epilogScratch(tail, 1)[0])
		}
	}
	c.genRestores()
	if f.PreSpillSize > 0 {
		c.adjustSP(emit.OpAdd, f.PreSpillSize, target.RegNone)
	}
	if tail != nil {
		c.ins(emit.OpTailJmp, tail.Target, emit.Operand{})
	} else {
		c.emit(emit.Instr{Op: emit.OpRet})
	}
	end := c.enc.CurrentLoc()
	c.epilogs = append(c.epilogs, locRange{start, end})
	c.unwind.epilog(start, end)
	c.gc.beginInterruptible(end)
}

// genRestores undoes genSaves; SP must sit right below the save area.
func (c *Context) genRestores() {
	t := c.Target
	f := c.frame
	sp := t.SP()
	switch f.SaveStyle {
	case target.SavePush:
		order := f.SaveOrder(t)
		for i := len(order) - 1; i >= 0; i-- {
			c.ins(emit.OpPop, c.reg(order[i]), emit.Operand{})
		}
	case target.SaveStore:
		for _, r := range f.SavedFloat.Regs() {
			c.emit(emit.Instr{Op: emit.OpLoad, Dst: c.reg(r), Src: emit.Mem(sp, int64(f.spRelSave(r))), Size: uint8(f.FloatSlot)})
		}
		lr := t.LR()
		rest := f.Saved
		pair := f.UsesFP && rest.Has(lr)
		if pair {
			rest = rest.Without(lr).Without(f.fp)
		}
		for _, r := range rest.Regs() {
			c.ins(emit.OpLoad, c.reg(r), emit.Mem(sp, int64(f.spRelSave(r))))
		}
		if pair {
			off := min(f.spRelSave(f.fp), f.spRelSave(lr))
			c.emit(emit.Instr{Op: emit.OpLoadPair, Dst: c.reg(f.fp), Dst2: c.reg(lr), Src: emit.Mem(sp, int64(off))})
		}
		c.adjustSP(emit.OpAdd, f.SaveAreaSize, target.RegNone)
	}
}

// genFuncletProlog starts a handler funclet. It saves the same registers
// as the main body, allocates the funclet frame, rebuilds FP from the
// caller's PSP in the first argument register and stores it in its own
// PSP slot.
func (c *Context) genFuncletProlog(region int) {
	t := c.Target
	f := c.frame
	sp := t.SP()
	start := c.enc.CurrentLoc()
	c.gc.endInterruptible(start)
	c.unwind.begin(region, start)

	c.genSaves()
	loc := c.adjustSP(emit.OpSub, f.FuncletFrameSize, target.RegNone)
	c.unwind.add(loc, UnwindCode{Op: UnwindAllocStack, Offset: int32(f.FuncletFrameSize)})
	c.genFuncletFloats(emit.OpStore)

	arg0 := t.IntArgRegs()[0]
	c.ins(emit.OpLea, c.reg(f.fp), emit.Mem(arg0, int64(f.FPToSP())))
	c.emit(emit.Instr{Op: emit.OpStore, Dst: emit.Mem(sp, int64(f.FuncletPSPOffset)), Src: c.reg(arg0), Comment: "psp"})

	end := c.enc.CurrentLoc()
	c.unwind.endProlog(end)
	c.funclets = append(c.funclets, funcletRange{region: region, start: start, prologEnd: end, end: -1})
	c.gc.beginInterruptible(end)
}

func (c *Context) genFuncletFloats(op emit.Op) {
	f := c.frame
	if f.SaveStyle != target.SavePush {
		return
	}
	sp := c.Target.SP()
	for i, r := range f.SavedFloat.Regs() {
		off := int64(f.FuncletPSPOffset + c.Target.PtrSize() + i*f.FloatSlot)
		if op == emit.OpStore {
			loc := c.emit(emit.Instr{Op: op, Dst: emit.Mem(sp, off), Src: c.reg(r), Size: uint8(f.FloatSlot)})
			c.unwind.add(loc, UnwindCode{Op: UnwindSaveReg, Reg: r, Offset: int32(off)})
		} else {
			c.emit(emit.Instr{Op: op, Dst: c.reg(r), Src: emit.Mem(sp, off), Size: uint8(f.FloatSlot)})
		}
	}
}

// genFuncletEpilog returns from a funclet. A finally or fault funclet
// returns nothing, a catch funclet returns the resume address the body
// left in the integer return register.
func (c *Context) genFuncletEpilog() {
	f := c.frame
	start := c.enc.CurrentLoc()
	c.gc.endInterruptible(start)
	c.genFuncletFloats(emit.OpLoad)
	c.adjustSP(emit.OpAdd, f.FuncletFrameSize, target.RegNone)
	c.genRestores()
	c.emit(emit.Instr{Op: emit.OpRet})
	end := c.enc.CurrentLoc()
	c.unwind.epilog(start, end)
	if n := len(c.funclets); n > 0 {
		c.funclets[n-1].end = end
	}
	c.gc.beginInterruptible(end)
}
