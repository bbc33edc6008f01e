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

package emit

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/launix-de/jitcore/target"
)

func TestParseFormatRoundTrip(t *testing.T) {
	x := target.AMD64()
	instrs := []Instr{
		{Op: OpMov, Dst: R(target.RegRBX), Src: R(target.RegRCX)},
		{Op: OpMov, Dst: R(target.RegRAX), Src: Imm(-0x2B992DDFA232)},
		{Op: OpLoad, Dst: R(target.RegRAX), Src: MemIdx(target.RegRBX, target.RegRSI, 8, -24), Size: 4},
		{Op: OpStore, Dst: Mem(target.RegRBP, -16), Src: R(target.RegRSP), Comment: "psp"},
		{Op: OpLea, Dst: R(target.RegRDI), Src: MemIdx(target.RegNone, target.RegRCX, 4, 16)},
		{Op: OpAdd, Dst: R(target.RegRSP), Src: R(target.RegRSP), Src2: Imm(40)},
		{Op: OpJcc, Cond: CondNE, Dst: L(3)},
		{Op: OpCall, Dst: Sym("JIT_FailFast")},
		{Op: OpStore, Dst: Local(2, 8), Src: R(target.RegRDX)},
		{Op: OpPush, Src: R(target.RegRBP)},
		{Op: OpProbe, Src: Mem(target.RegRSP, -4096)},
		{Op: OpCmp, Src: R(target.RegRAX), Src2: Imm(0)},
		{Op: OpOther, Comment: "checkpoint"},
		{Op: OpRet},
	}
	for _, in := range instrs {
		text := in.Format(x)
		got, err := ParseInstr(x, text, nil)
		if err != nil {
			t.Errorf("%q: %v", text, err)
			continue
		}
		if !reflect.DeepEqual(got, in) {
			t.Errorf("%q parsed as %+v", text, got)
		}
	}
}

func TestParseLocalsByName(t *testing.T) {
	a := target.ARM64()
	names := map[string]int{"acc": 4}
	resolve := func(name string) (int, bool) {
		n, ok := names[name]
		return n, ok
	}
	in, err := ParseInstr(a, "loadp x19, x20, local:acc-8", resolve)
	if err != nil {
		t.Fatal(err)
	}
	want := Instr{Op: OpLoadPair, Dst: R(19), Dst2: R(20), Src: Local(4, -8)}
	if !reflect.DeepEqual(in, want) {
		t.Errorf("got %+v", in)
	}
}

func TestParseErrors(t *testing.T) {
	x := target.AMD64()
	bad := []string{
		"frob rax",
		"mov rax",
		"mov rax, [rbx",
		"mov rax, local:missing",
		"load rax, [rbx+rcx*3]",
		"load rax, [rbx+rcx+rdx]",
		"load rax, [-rbx]",
		"mov.0 rax, rbx",
		"call sym:",
		"j @L1",
	}
	for _, s := range bad {
		if _, err := ParseInstr(x, s, nil); err == nil {
			t.Errorf("%q parsed", s)
		}
	}
}

func TestParseLooseSpacing(t *testing.T) {
	x := target.AMD64()
	in, err := ParseInstr(x, "  load.4   rax ,[ rbx + rcx * 8 - 0x10 ]   ;  spill  ", nil)
	if err != nil {
		t.Fatal(err)
	}
	want := Instr{Op: OpLoad, Size: 4, Dst: R(target.RegRAX), Src: MemIdx(target.RegRBX, target.RegRCX, 8, -16), Comment: "spill"}
	if !reflect.DeepEqual(in, want) {
		t.Errorf("got %+v", in)
	}
	o, err := ParseOperand(x, "#0x7f", nil)
	if err != nil || o != Imm(0x7f) {
		t.Errorf("hex immediate: %+v %v", o, err)
	}
	if o, err := ParseOperand(x, " ", nil); err != nil || o.Kind != KindNone {
		t.Errorf("blank operand: %+v %v", o, err)
	}
}

func TestParseConcurrent(t *testing.T) {
	a := target.ARM64()
	want := Instr{Op: OpStorePair, Dst: Mem(target.RegSP, -16), Src: R(target.RegFP), Src2: R(target.RegLR)}
	text := want.Format(a)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				got, err := ParseInstr(a, text, nil)
				if err == nil && !reflect.DeepEqual(got, want) {
					err = fmt.Errorf("%q parsed as %+v", text, got)
				}
				if err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}
