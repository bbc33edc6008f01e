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
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/gcinfo"
	"github.com/launix-de/jitcore/target"
)

// refAcrossCall keeps a reference parameter in rbx across a call.
func refAcrossCall() (*Method, LclNum) {
	m := NewMethod("RefAcrossCall")
	p := NewParam("p", TypeRef, target.RegRCX)
	p.Reg, p.Tracked = target.RegRBX, true
	lp := m.AddLocal(p)
	m.AddBlock(NewBlock(BlockReturn, lp),
		CallNode(CallInfo{Target: emit.Sym("Work"), ReturnReg: target.RegNone}),
		UseNode(lp, true, emit.Instr{Op: emit.OpMov, Dst: emit.R(target.RegRAX), Src: emit.R(target.RegRBX)}),
		InstrNode(emit.Instr{Op: emit.OpMov, Dst: emit.R(target.RegRDX), Src: emit.R(target.RegRAX)}))
	return m, lp
}

func TestCompileDeterministic(t *testing.T) {
	m, _ := refAcrossCall()
	x := target.AMD64()
	a := compileListing(t, m, x, testSettings())
	b := compileListing(t, m, x, testSettings())
	if !reflect.DeepEqual(a.Frame, b.Frame) {
		t.Errorf("frames differ:\n%+v\n%+v", a.Frame, b.Frame)
	}
	if !reflect.DeepEqual(a.Listing, b.Listing) || !bytes.Equal(a.GCInfo, b.GCInfo) {
		t.Errorf("output differs")
	}
	if a.ID == b.ID {
		t.Errorf("two compilations share id %s", a.ID)
	}
	for _, tgt := range []target.Target{target.ARM64(), target.ARM()} {
		a := compileListing(t, finallyMethod(), tgt, testSettings())
		b := compileListing(t, finallyMethod(), tgt, testSettings())
		if !reflect.DeepEqual(a.Frame, b.Frame) || !reflect.DeepEqual(a.Listing, b.Listing) || !reflect.DeepEqual(a.Unwind, b.Unwind) {
			t.Errorf("%s: output differs", tgt.Name())
		}
	}
}

func TestCompileMachineCode(t *testing.T) {
	m, _ := refAcrossCall()
	res, err := Compile(m, target.AMD64(), testSettings())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Code) == 0 || uint32(len(res.Code)) != res.CodeSize {
		t.Fatalf("code %d bytes, size %d", len(res.Code), res.CodeSize)
	}
	if res.Code[len(res.Code)-1] != 0xc3 {
		t.Errorf("code does not end in ret: % x", res.Code)
	}
	if len(res.Relocs) != 1 || res.Relocs[0].Sym != "Work" {
		t.Errorf("relocs %+v", res.Relocs)
	}
	if !strings.Contains(strings.Join(res.Listing, "\n"), "call sym:Work") {
		t.Errorf("listing:\n%s", strings.Join(res.Listing, "\n"))
	}
	if res.Method != "RefAcrossCall" || res.Target != "amd64" || res.Fallback {
		t.Errorf("result %s %s %v", res.Method, res.Target, res.Fallback)
	}
}

func TestPolicyFallback(t *testing.T) {
	for _, tgt := range []target.Target{target.AMD64(), target.ARM64(), target.ARM()} {
		m := NewMethod("Leaf")
		m.AddBlock(NewBlock(BlockReturn))
		plain := compileListing(t, m, tgt, testSettings())
		if plain.Fallback || tgt.Name() == "amd64" && plain.Frame.UsesFP {
			t.Errorf("%s: leaf method used fallback %v, fp %v", tgt.Name(), plain.Fallback, plain.Frame.UsesFP)
		}

		s := testSettings()
		s.StressFallback = true
		s.FullyInterruptible = true
		c := compileListing(t, m, tgt, s)
		if !c.Fallback || !c.Frame.UsesFP {
			t.Errorf("%s: fallback %v, fp %v", tgt.Name(), c.Fallback, c.Frame.UsesFP)
		}
		table, err := gcinfo.Decode(c.GCInfo)
		if err != nil {
			t.Fatal(err)
		}
		if table.FullyInterruptible || !table.FPBased {
			t.Errorf("%s: retry kept aggressive settings: %+v", tgt.Name(), table.Header)
		}
		c.run(t, tgt).checkReturn(t)
	}
}

func expectInternal(t *testing.T, name string, m *Method, phase Phase) {
	t.Helper()
	res, err := Compile(m, target.AMD64(), testSettings(), WithEncoder(ListingEncoder))
	var ie InternalError
	if !errors.As(err, &ie) || !errors.Is(err, ErrInternal) {
		t.Errorf("%s: result %v, err %v", name, res, err)
		return
	}
	if ie.Phase != phase || ie.Method != m.Name {
		t.Errorf("%s: %v", name, err)
	}
	if res != nil {
		t.Errorf("%s: result next to an internal error", name)
	}
}

func TestInternalErrors(t *testing.T) {
	// two live locals in one register
	m := NewMethod("Shared")
	a := NewLocal("a", TypeInt)
	a.Reg, a.Tracked = target.RegRBX, true
	la := m.AddLocal(a)
	b := NewLocal("b", TypeInt)
	b.Reg, b.Tracked = target.RegRBX, true
	lb := m.AddLocal(b)
	m.AddBlock(NewBlock(BlockReturn, la, lb))
	expectInternal(t, "shared register", m, PhaseBody)

	// a death without a birth
	m = NewMethod("Unborn")
	x := NewLocal("x", TypeRef)
	x.Reg, x.Tracked = target.RegRBX, true
	lx := m.AddLocal(x)
	m.AddBlock(NewBlock(BlockReturn), UseNode(lx, true))
	expectInternal(t, "death not live", m, PhaseBody)

	// a live local in a register the call clobbers
	m = NewMethod("Clobbered")
	p := NewParam("p", TypeRef, target.RegRCX)
	p.Reg, p.Tracked = target.RegRCX, true
	lp := m.AddLocal(p)
	m.AddBlock(NewBlock(BlockReturn, lp),
		CallNode(CallInfo{Target: emit.Sym("Work"), ReturnReg: target.RegNone}),
		UseNode(lp, true))
	expectInternal(t, "call clobbered", m, PhaseBody)

	// a memory access whose address is nowhere
	m = NewMethod("NoAddress")
	bld := &exprBuilder{m}
	sum := bld.add(bld.reg(target.RegRBX, TypeNativeInt), bld.add(bld.reg(target.RegRSI, TypeNativeInt), bld.reg(target.RegRDI, TypeNativeInt)))
	m.AddBlock(NewBlock(BlockReturn), MemNode(MemAccess{Op: emit.OpLoad, Reg: target.RegRAX, Addr: sum, AddrReg: target.RegNone}))
	expectInternal(t, "unfoldable address", m, PhaseBody)
}

func TestInvalidMethod(t *testing.T) {
	x := target.AMD64()
	cases := map[string]func(m *Method){
		"no blocks": func(m *Method) {},
		"homeless local": func(m *Method) {
			m.AddLocal(NewLocal("x", TypeInt))
			m.AddBlock(NewBlock(BlockReturn))
		},
		"untracked live-in": func(m *Method) {
			v := NewLocal("x", TypeInt)
			v.OnFrame = true
			l := m.AddLocal(v)
			m.AddBlock(NewBlock(BlockReturn, l))
		},
		"tail block without tail call": func(m *Method) {
			m.AddBlock(NewBlock(BlockTailCall), InstrNode())
		},
		"stack pointer as home": func(m *Method) {
			v := NewLocal("x", TypeInt)
			v.Reg = x.SP()
			m.AddLocal(v)
			m.AddBlock(NewBlock(BlockReturn))
		},
		"region out of range": func(m *Method) {
			m.AddBlock(NewBlock(BlockReturn))
			m.AddRegion(NewRegion(EHCatch, 0, 0, 1, 1))
		},
	}
	for name, build := range cases {
		m := NewMethod(name)
		build(m)
		if _, err := Compile(m, x, testSettings(), WithEncoder(ListingEncoder)); !errors.Is(err, ErrInvalidMethod) {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func hasSlot(slots []gcinfo.Slot, s gcinfo.Slot) bool {
	for _, o := range slots {
		if o == s {
			return true
		}
	}
	return false
}

func TestGCInfoFullyInterruptible(t *testing.T) {
	x := target.AMD64()
	m, _ := refAcrossCall()
	st := NewLocal("pair", TypeStruct)
	st.Size, st.GCLayout, st.OnFrame = 16, []GCKind{GCRef, GCNone}, true
	ls := m.AddLocal(st)

	s := testSettings()
	s.FullyInterruptible = true
	c := compileListing(t, m, x, s)
	table, err := gcinfo.Decode(c.GCInfo)
	if err != nil {
		t.Fatal(err)
	}
	if !table.FullyInterruptible || table.CodeSize != c.CodeSize || table.PrologSize != c.PrologSize {
		t.Fatalf("header %+v", table.Header)
	}
	rbx := gcinfo.Slot{Base: gcinfo.BaseReg, Reg: uint8(target.RegRBX)}

	off, _ := c.Frame.LocalOffset(ls)
	base, disp := c.Frame.Addr(off)
	pair := gcinfo.Slot{Base: gcinfo.BaseSP, Offset: int32(disp), Untracked: true}
	if base == x.FP() && c.Frame.UsesFP {
		pair.Base = gcinfo.BaseFP
	}

	if _, ok := table.LiveAt(0); ok {
		t.Errorf("prolog start is interruptible")
	}
	live, ok := table.LiveAt(c.PrologSize)
	if !ok || !hasSlot(live, rbx) || !hasSlot(live, pair) {
		t.Errorf("at prolog end: %v %v", live, ok)
	}
	if len(table.CallSites) != 1 {
		t.Fatalf("call sites %+v", table.CallSites)
	}
	live, _ = table.LiveAt(table.CallSites[0].Offset)
	if !hasSlot(live, rbx) || !hasSlot(live, pair) {
		t.Errorf("at the call: %v", live)
	}

	var death *gcinfo.Transition
	for i, tr := range table.Transitions {
		if table.Slots[tr.Slot] == rbx && !tr.Live {
			death = &table.Transitions[i]
		}
	}
	if death == nil || death.Offset <= table.CallSites[0].Offset || death.Offset >= c.CodeSize {
		t.Fatalf("rbx never dies after the call: %+v", table.Transitions)
	}
	live, ok = table.LiveAt(death.Offset)
	if !ok || hasSlot(live, rbx) || !hasSlot(live, pair) {
		t.Errorf("after the last use: %v %v", live, ok)
	}
}

func TestGCInfoPartiallyInterruptible(t *testing.T) {
	x := target.AMD64()
	m, _ := refAcrossCall()
	c := compileListing(t, m, x, testSettings())
	table, err := gcinfo.Decode(c.GCInfo)
	if err != nil {
		t.Fatal(err)
	}
	if table.FullyInterruptible || len(table.Ranges) != 0 || len(table.Transitions) != 0 {
		t.Errorf("partially interruptible table has ranges: %+v", table)
	}
	if _, ok := table.LiveAt(c.PrologSize); ok {
		t.Errorf("prolog end is interruptible")
	}
	if len(table.CallSites) != 1 {
		t.Fatalf("call sites %+v", table.CallSites)
	}
	live, ok := table.LiveAt(table.CallSites[0].Offset)
	if !ok || len(live) != 1 || live[0] != (gcinfo.Slot{Base: gcinfo.BaseReg, Reg: uint8(target.RegRBX)}) {
		t.Errorf("at the call: %v %v", live, ok)
	}
}

func TestSpillAcrossCall(t *testing.T) {
	x := target.AMD64()
	m := NewMethod("Spill")
	p := NewParam("p", TypeRef, target.RegRCX)
	p.Reg, p.Tracked, p.OnFrame = target.RegRAX, true, true
	lp := m.AddLocal(p)
	m.AddBlock(NewBlock(BlockReturn, lp),
		SpillNode(lp),
		CallNode(CallInfo{Target: emit.Sym("Work"), ReturnReg: target.RegNone}),
		ReloadNode(lp),
		checkpointNode(),
		UseNode(lp, true))
	c := compileListing(t, m, x, testSettings())
	mc := c.run(t, x)
	mc.checkReturn(t)
	if mc.checkpoint[target.RegRAX] != initial(target.RegRCX) {
		c.dump(t)
		t.Fatalf("value lost across the call: %#x", mc.checkpoint[target.RegRAX])
	}
	table, err := gcinfo.Decode(c.GCInfo)
	if err != nil {
		t.Fatal(err)
	}
	if len(table.CallSites) != 1 || len(table.CallSites[0].Live) != 1 {
		t.Fatalf("call sites %+v", table.CallSites)
	}
	if slot := table.Slots[table.CallSites[0].Live[0]]; slot.Base == gcinfo.BaseReg {
		t.Errorf("spilled reference reported in %v", slot)
	}
}

func TestMemoryAccess(t *testing.T) {
	x := target.AMD64()
	b := newExprBuilder()
	base := b.reg(target.RegRBX, TypeRef)
	idx := b.reg(target.RegRSI, TypeNativeInt)
	addr := b.add(b.add(base, b.mul(idx, b.c(4))), b.c(16))
	b.m.AddBlock(NewBlock(BlockReturn), MemNode(MemAccess{Op: emit.OpLoad, Reg: target.RegRAX, Addr: addr, Size: 4, AddrReg: target.RegNone}))
	c := compileListing(t, b.m, x, testSettings())
	want := emit.MemIdx(target.RegRBX, target.RegRSI, 4, 16)
	found := false
	for _, in := range c.w.Instrs() {
		if in.Op == emit.OpLoad && in.Src == want && in.Size == 4 {
			found = true
		}
	}
	if !found {
		c.dump(t)
		t.Errorf("no folded load")
	}

	// arm64 cannot fold index and displacement, the evaluated address is used
	a := target.ARM64()
	b = newExprBuilder()
	base = b.reg(1, TypeRef)
	idx = b.reg(2, TypeNativeInt)
	addr = b.add(b.add(base, b.mul(idx, b.c(4))), b.c(16))
	b.m.AddBlock(NewBlock(BlockReturn), MemNode(MemAccess{Op: emit.OpStore, Reg: 3, Addr: addr, AddrReg: 9}))
	c = compileListing(t, b.m, a, testSettings())
	found = false
	for _, in := range c.w.Instrs() {
		if in.Op == emit.OpStore && in.Dst == emit.MemIdx(9, target.RegNone, 0, 0) && in.Src.IsReg(3) {
			found = true
		}
	}
	if !found {
		c.dump(t)
		t.Errorf("no store through the address register")
	}
}

func TestMemoryAccessThroughLocal(t *testing.T) {
	x := target.AMD64()
	m := NewMethod("Field")
	p := NewParam("obj", TypeRef, target.RegRCX)
	p.Reg, p.Tracked = target.RegRDI, true
	lp := m.AddLocal(p)
	b := &exprBuilder{m}
	obj := m.AddExpr(Expr{Kind: ExprLcl, Lcl: lp, Type: TypeRef, A: NoExpr, B: NoExpr})
	field := b.add(obj, b.c(24))
	m.AddBlock(NewBlock(BlockReturn, lp),
		MemNode(MemAccess{Op: emit.OpLoad, Reg: target.RegRAX, Addr: field, AddrReg: target.RegNone}),
		UseNode(lp, true))
	c := compileListing(t, m, x, testSettings())
	for _, in := range c.w.Instrs() {
		if in.Op == emit.OpLoad && in.Src.Base == target.RegRDI && in.Src.Index == target.RegNone && in.Src.Disp == 24 {
			return
		}
	}
	c.dump(t)
	t.Errorf("field load does not use the enregistered local")
}

type nopCloser struct {
	*bytes.Buffer
}

func (nopCloser) Close() error { return nil }

func TestTraceBalanced(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTrace(nopCloser{&buf})
	m, _ := refAcrossCall()
	if _, err := Compile(m, target.AMD64(), testSettings(), WithEncoder(ListingEncoder), WithTrace(tr)); err != nil {
		t.Fatal(err)
	}
	bad := NewMethod("Unborn")
	x := NewLocal("x", TypeRef)
	x.Reg, x.Tracked = target.RegRBX, true
	bad.AddBlock(NewBlock(BlockReturn), UseNode(bad.AddLocal(x), true))
	if _, err := Compile(bad, target.AMD64(), testSettings(), WithEncoder(ListingEncoder), WithTrace(tr)); err == nil {
		t.Fatal("broken method compiled")
	}
	tr.Close()

	var events []struct {
		Name string `json:"name"`
		Ph   string `json:"ph"`
		Tid  int    `json:"tid"`
	}
	if err := json.Unmarshal(buf.Bytes(), &events); err != nil {
		t.Fatalf("trace is not JSON: %v\n%s", err, buf.String())
	}
	open := map[int][]string{}
	for _, e := range events {
		switch e.Ph {
		case "B":
			open[e.Tid] = append(open[e.Tid], e.Name)
		case "E":
			stack := open[e.Tid]
			if len(stack) == 0 || stack[len(stack)-1] != e.Name {
				t.Fatalf("unbalanced end of %s in %v", e.Name, stack)
			}
			open[e.Tid] = stack[:len(stack)-1]
		}
	}
	for tid, stack := range open {
		if len(stack) != 0 {
			t.Errorf("tid %d leaves %v open", tid, stack)
		}
	}
	if len(open) != 2 {
		t.Errorf("%d compilations traced", len(open))
	}
}
