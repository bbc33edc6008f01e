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
	units "github.com/docker/go-units"

	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/target"
)

/*
Frame Layout
============

Offsets are relative to the virtual zero VZ, the stack pointer at method
entry (before the first prolog instruction). From high to low addresses:

	incoming stack arguments      VZ + StackArgBase + ArgOffset
	return address (amd64)        VZ
	pre-spilled argument registers
	callee-saved area             pushes, or one store area (arm64)
	float callee-saved slots      push style targets
	PSP slot                      methods with funclets
	security cookie
	generic context
	profiler argument spill area
	must-init locals              zeroed as one contiguous range
	other frame locals
	alignment padding
	outgoing argument area        SP at the end of the prolog

Everything is decided once by buildFrame before the first instruction is
emitted. The layout is frozen into the Context and handed out by value.
*/

type FrameLayout struct {
	UsesFP    bool
	SaveStyle target.SaveStyle

	PreSpill     target.RegMask
	PreSpillSize int
	Saved        target.RegMask // integer registers saved by the prolog, incl. FP and LR
	SavedFloat   target.RegMask
	SaveAreaSize int
	FloatSlot    int // bytes per float save slot

	LocalFrameSize  int // allocated after the callee-saved area
	InitialSPDelta  int // VZ - SP after the prolog
	FPDelta         int // VZ - FP
	CallerSPDelta   int // caller SP - VZ
	OutgoingArgSize int

	HasPSP               bool
	PSPOffset            int
	HasCookie            bool
	CookieOffset         int
	HasGenericContext    bool
	GenericContextOffset int
	ProfilerSpillOffset  int
	ProfilerSpillSize    int

	BlockInit      bool
	BlockInitRegs  target.RegMask
	ZeroInitLo     int // [lo, hi) is zeroed by the prolog
	ZeroInitHi     int
	ZeroInitSlots  int
	LargeGCStructs int
	MustInitRegs   target.RegMask

	HomingScratch [2]target.Reg
	Borrowed      target.RegMask
	LateScratch   target.Reg // free after homing, for context and cookie stores
	PageSize      int
	NeedsProbe    bool
	ProbeLoop     bool

	FuncletFrameSize int
	FuncletPSPOffset int // SP relative inside a funclet, float saves follow

	sp, fp     target.Reg
	ptrSize    int
	saveOff    [64]int32 // VZ relative save slot per register
	offsets    []int
	homes      []bool
	zeroLocals []LclNum
}

func (f *FrameLayout) TotalSize() int {
	return f.InitialSPDelta
}

// FPToSP is FP - SP after the prolog.
func (f *FrameLayout) FPToSP() int {
	return f.InitialSPDelta - f.FPDelta
}

// CallerSPToInitialSP is the distance between the caller's SP and SP
// after the prolog.
func (f *FrameLayout) CallerSPToInitialSP() int {
	return f.InitialSPDelta + f.CallerSPDelta
}

func (f *FrameLayout) SavedCount() int {
	return f.Saved.Count() + f.SavedFloat.Count()
}

// LocalOffset returns the VZ relative home of a local.
func (f *FrameLayout) LocalOffset(l LclNum) (int, bool) {
	if int(l) >= len(f.homes) || !f.homes[l] {
		return 0, false
	}
	return f.offsets[l], true
}

// SaveOffset returns the VZ relative save slot of a register.
func (f *FrameLayout) SaveOffset(r target.Reg) int {
	return int(f.saveOff[r])
}

// Addr converts a VZ relative offset into an address that is valid after
// the frame is established.
func (f *FrameLayout) Addr(off int) (target.Reg, int64) {
	if f.UsesFP {
		return f.fp, int64(off + f.FPDelta)
	}
	return f.sp, int64(off + f.InitialSPDelta)
}

func (f *FrameLayout) AddrOperand(off int) emit.Operand {
	base, disp := f.Addr(off)
	return emit.Mem(base, disp)
}

// SaveOrder lists the pushed registers in push order: the link register,
// then the frame pointer, then the others ascending.
func (f *FrameLayout) SaveOrder(t target.Target) []target.Reg {
	var order []target.Reg
	rest := f.Saved
	if lr := t.LR(); lr.Valid() && rest.Has(lr) {
		order = append(order, lr)
		rest = rest.Without(lr)
	}
	if f.UsesFP {
		order = append(order, f.fp)
		rest = rest.Without(f.fp)
	}
	return append(order, rest.Regs()...)
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}

// useBlockInit decides between bulk and per-slot zeroing: bulk pays off
// once the slot count exceeds the large GC structs plus a slack.
func useBlockInit(slots, largeGCStructs, slack int) bool {
	return slots > largeGCStructs+slack
}

// needsZeroInit reports stack locals the prolog must clear.
func (c *Context) needsZeroInit(v *LocalVar) bool {
	if v.IsParam {
		return false
	}
	return v.MustInit || c.Settings.AlwaysInitMemory || c.Method.Flags&FlagInitLocals != 0 ||
		GCKindOf(v.Type) != GCNone || v.AddrExposed || v.GCCount(c.Target.PtrSize()) > 0
}

// zeroInitSlots returns the slot count a local contributes to the block
// init decision and whether it is a large GC struct.
func (c *Context) zeroInitSlots(v *LocalVar) (int, bool) {
	ptr := c.Target.PtrSize()
	slots := SlotCount(max(v.ByteSize(ptr), 1), ptr)
	if v.Type != TypeStruct {
		return slots, false
	}
	gc := v.GCCount(ptr)
	large := gc > 0 && slots > 3
	if gc > 0 && !v.MustInit && !v.AddrExposed && !c.Settings.AlwaysInitMemory && c.Method.Flags&FlagInitLocals == 0 {
		return gc, large
	}
	return slots, large
}

// zeroInitCounts returns k (slots to clear) and g (large GC structs).
func (c *Context) zeroInitCounts() (k, g int, stack []LclNum, regs target.RegMask) {
	m := c.Method
	for i := range m.Locals {
		v := &m.Locals[i]
		if v.Parent != NoLcl && m.Locals[v.Parent].DependentPromotion {
			continue
		}
		onStack := v.OnFrame && (!v.Enregistered() || v.PartiallyEnregistered())
		if v.Enregistered() && v.MustInit {
			regs |= target.MaskOf(c.regsOf(LclNum(i))...)
		}
		if !onStack || !c.needsZeroInit(v) {
			continue
		}
		slots, large := c.zeroInitSlots(v)
		k += slots
		if large {
			g++
		}
		stack = append(stack, LclNum(i))
	}
	return
}

// modifiedRegs collects every register the method body writes.
func (c *Context) modifiedRegs() target.RegMask {
	var mod target.RegMask
	t := c.Target
	m := c.Method
	for i := range m.Nodes {
		n := &m.Nodes[i]
		for _, in := range n.Instrs {
			if in.Op != emit.OpCall {
				mod |= in.Defs(t)
			}
		}
		if n.Mem != nil && n.Mem.Op != emit.OpStore {
			mod = mod.With(n.Mem.Reg)
		}
	}
	for i := range m.Locals {
		mod |= target.MaskOf(c.regsOf(LclNum(i))...)
	}
	return mod
}

func (c *Context) decideFramePointer() bool {
	s := c.Settings
	m := c.Method
	return s.ForceFramePointer || s.EnC || s.ProfilerEnter || len(m.Regions) > 0 ||
		m.Flags&FlagLocalloc != 0 || c.Target.FPPolicy() == target.FPAfterAlloc
}

// buildFrame makes every frame decision. It reads the method, target and
// settings only, so two calls yield identical layouts.
func buildFrame(c *Context) *FrameLayout {
	t := c.Target
	m := c.Method
	s := c.Settings
	ptr := t.PtrSize()
	f := &FrameLayout{
		SaveStyle:   t.SaveStyle(),
		sp:          t.SP(),
		fp:          t.FP(),
		ptrSize:     ptr,
		LateScratch: target.RegNone,
		offsets:     make([]int, len(m.Locals)),
		homes:       make([]bool, len(m.Locals)),
		PageSize:    s.pageSize(t.PageSize()),
	}
	f.UsesFP = c.decideFramePointer()
	if f.UsesFP {
		for i := range m.Locals {
			v := &m.Locals[i]
			assert(v.Reg != f.fp && v.Reg2 != f.fp, "local %s is allocated to the frame pointer", v.Name)
		}
	}
	fpReg := target.RegNone
	if f.UsesFP {
		fpReg = f.fp
	}

	// zero init strategy first: bulk zeroing reserves registers that
	// change the callee-saved set
	k, g, zeroStack, mustRegs := c.zeroInitCounts()
	f.ZeroInitSlots, f.LargeGCStructs, f.MustInitRegs, f.zeroLocals = k, g, mustRegs, zeroStack
	f.BlockInit = len(zeroStack) > 0 && useBlockInit(k, g, s.BlockInitSlack)

	var plan *homingPlan
	plan, f.Borrowed = c.planHoming(fpReg)
	f.HomingScratch = plan.scratch
	c.homing = plan
	var liveArgs target.RegMask
	for _, e := range plan.table {
		if e.lcl != NoLcl {
			liveArgs = liveArgs.With(e.src)
		}
	}
	if f.BlockInit {
		f.BlockInitRegs = t.BlockInitReserve(liveArgs)
	}

	// registers still holding values once homing is done
	busy := mustRegs
	for _, e := range plan.table {
		if e.dst.Valid() {
			busy = busy.With(e.dst)
		}
	}
	needLate := m.GenericContext != NoLcl || s.SecurityCookie || m.Flags&FlagUnsafeBuffers != 0
	var lateBorrow target.RegMask
	if needLate {
		r, borrow := pickScratch(t, 0, busy, fpReg)
		assert(r.Valid(), "no scratch register after argument homing")
		f.LateScratch = r
		if borrow {
			lateBorrow = lateBorrow.With(r)
		}
	}

	// callee-saved set
	floats := target.RegMask(0)
	for r := 0; r < t.NumRegs(); r++ {
		if t.IsFloat(target.Reg(r)) {
			floats = floats.With(target.Reg(r))
		}
	}
	mod := c.modifiedRegs() | mustRegs | f.Borrowed | lateBorrow | f.BlockInitRegs
	for _, r := range plan.scratch {
		mod |= target.MaskOf(r)
	}
	if m.Flags&FlagUnmanagedCalls != 0 {
		mod |= t.UnmanagedReserved()
	}
	saved := mod & t.CalleeSaved()
	if s.EnC {
		saved |= t.CalleeSaved()
	}
	if f.UsesFP {
		saved = saved.With(f.fp)
	}
	if lr := t.LR(); lr.Valid() {
		saved = saved.With(lr)
	}
	f.Saved = saved &^ floats
	f.SavedFloat = saved & floats

	// pre-spilled argument registers
	for i := range m.Locals {
		v := &m.Locals[i]
		if v.PreSpill {
			f.PreSpill = f.PreSpill.With(v.ArgReg).With(v.ArgReg2)
		}
	}
	f.PreSpillSize = f.PreSpill.Count() * ptr
	for i, r := range f.PreSpill.Regs() {
		f.saveOff[r] = int32(-f.PreSpillSize + i*ptr)
	}

	// callee-saved area
	cursor := -f.PreSpillSize
	switch f.SaveStyle {
	case target.SavePush:
		for _, r := range f.SaveOrder(t) {
			cursor -= ptr
			f.saveOff[r] = int32(cursor)
		}
		f.SaveAreaSize = f.Saved.Count() * ptr
		f.FloatSlot = t.FloatSaveSize()
		for _, r := range f.SavedFloat.Regs() {
			cursor -= f.FloatSlot
			f.saveOff[r] = int32(cursor)
		}
		f.FPDelta = -int(f.saveOff[f.fp])
	case target.SaveStore:
		f.FloatSlot = t.FloatSaveSize()
		n := 0
		if lr := t.LR(); f.Saved.Has(lr) {
			f.saveOff[lr] = int32(cursor - ptr)
			n++
		}
		if f.UsesFP {
			f.saveOff[f.fp] = int32(cursor - 2*ptr)
			n++
		}
		base := cursor - 2*ptr
		rest := f.Saved.Without(t.LR()).Without(f.fp)
		for _, r := range rest.Regs() {
			base -= ptr
			f.saveOff[r] = int32(base)
		}
		for _, r := range f.SavedFloat.Regs() {
			base -= f.FloatSlot
			f.saveOff[r] = int32(base)
		}
		f.SaveAreaSize = alignUp(cursor-base, t.StackAlign())
		cursor -= f.SaveAreaSize
	}
	// SP once the integer saves are written; push style float saves
	// already live below it, inside the local frame
	saveEnd := -f.PreSpillSize - f.SaveAreaSize

	slot := func(size int) int {
		cursor -= alignUp(max(size, 1), ptr)
		return cursor
	}
	if m.HasFunclets() && s.Funclets {
		f.HasPSP = true
		f.PSPOffset = slot(ptr)
	}
	if s.SecurityCookie || m.Flags&FlagUnsafeBuffers != 0 {
		f.HasCookie = true
		f.CookieOffset = slot(ptr)
	}
	if m.GenericContext != NoLcl {
		f.HasGenericContext = true
		f.GenericContextOffset = slot(ptr)
	}
	if s.ProfilerEnter {
		n := 0
		for _, e := range plan.table {
			if e.lcl != NoLcl {
				n++
			}
		}
		f.ProfilerSpillSize = 8 * n
		f.ProfilerSpillOffset = slot(f.ProfilerSpillSize)
	}

	assign := func(l LclNum) {
		v := &m.Locals[l]
		f.offsets[l] = slot(v.ByteSize(ptr))
		f.homes[l] = true
	}
	f.ZeroInitHi = cursor
	for _, l := range zeroStack {
		assign(l)
	}
	f.ZeroInitLo = cursor

	for i := range m.Locals {
		v := &m.Locals[i]
		l := LclNum(i)
		switch {
		case f.homes[i] || !v.OnFrame:
		case v.Parent != NoLcl && m.Locals[v.Parent].DependentPromotion:
		case v.IsParam && v.PreSpill:
			f.offsets[i] = int(f.saveOff[v.ArgReg])
			f.homes[i] = true
		case v.IsParam && !v.ArgReg.Valid():
			f.offsets[i] = t.StackArgBase() + v.ArgOffset
			f.homes[i] = true
		default:
			assign(l)
		}
	}
	// dependently promoted fields live inside their parent
	for i := range m.Locals {
		v := &m.Locals[i]
		if v.Parent != NoLcl && m.Locals[v.Parent].DependentPromotion && v.OnFrame {
			assert(f.homes[v.Parent], "field %s of a struct without frame home", v.Name)
			f.offsets[i] = f.offsets[v.Parent] + v.FieldOffset
			f.homes[i] = true
		}
	}
	for i := range m.Locals {
		assert(!m.Locals[i].OnFrame || f.homes[i], "local %s has no frame offset", m.Locals[i].Name)
	}

	localBytes := saveEnd - cursor
	calls := m.HasCalls() || s.ProfilerEnter
	f.OutgoingArgSize = m.OutgoingArgSize
	if calls {
		f.OutgoingArgSize += t.ArgHomeArea()
	}
	raAdj := 0
	if t.PushesReturnAddress() {
		raAdj = ptr
	}
	f.CallerSPDelta = raAdj
	fixed := f.PreSpillSize + f.SaveAreaSize
	pad := 0
	if calls || localBytes+f.OutgoingArgSize > 0 {
		total := raAdj + fixed + localBytes + f.OutgoingArgSize
		pad = alignUp(total, t.StackAlign()) - total
	}
	f.LocalFrameSize = localBytes + pad + f.OutgoingArgSize
	f.InitialSPDelta = fixed + f.LocalFrameSize
	if t.FPPolicy() == target.FPAfterAlloc {
		// FP is the final SP, so every frame slot has a positive offset
		f.FPDelta = f.InitialSPDelta
	}
	f.NeedsProbe = f.LocalFrameSize >= f.PageSize
	f.ProbeLoop = f.NeedsProbe && f.LocalFrameSize > f.PageSize*s.ProbeUnrollPages

	if f.HasPSP {
		fs := f.OutgoingArgSize + ptr
		if f.SaveStyle == target.SavePush {
			fs += f.SavedFloat.Count() * f.FloatSlot
		}
		total := raAdj + f.SaveAreaSize + fs
		f.FuncletFrameSize = fs + alignUp(total, t.StackAlign()) - total
		f.FuncletPSPOffset = f.OutgoingArgSize
	}
	return f
}

func (c *Context) logFrame(f *FrameLayout) {
	t := c.Target
	c.Log.Debug("jit %s: frame %s, fp=%v, block init=%v (k=%d g=%d), saved %s %s, scratch %s",
		c.Method.Name, units.BytesSize(float64(f.InitialSPDelta)), f.UsesFP, f.BlockInit,
		f.ZeroInitSlots, f.LargeGCStructs, f.Saved.Format(t), f.SavedFloat.Format(t), f.Borrowed.Format(t))
}
