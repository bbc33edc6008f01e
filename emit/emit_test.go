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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/launix-de/jitcore/target"
)

func TestListingLabels(t *testing.T) {
	w := NewListing(target.ARM64())
	done := w.NewLabel()
	w.Emit(Instr{Op: OpCmp, Src: R(0), Src2: Imm(0)})
	w.Emit(Instr{Op: OpJcc, Cond: CondEQ, Dst: L(done)})
	w.Emit(Instr{Op: OpAdd, Dst: R(0), Src: R(0), Src2: Imm(1)})
	w.PlaceLabel(done)
	w.Emit(Instr{Op: OpRet})
	code, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if w.LabelLoc(done) != 3 {
		t.Errorf("label at %d", w.LabelLoc(done))
	}
	if code.Size() != 16 || code.Offset(3) != 12 {
		t.Errorf("offsets = %v", code.Offsets)
	}
	text := strings.Join(code.Listing, "\n")
	if !strings.Contains(text, "jeq @L0") || !strings.Contains(text, "L0:") {
		t.Errorf("listing:\n%s", text)
	}
}

func TestListingUndefinedLabel(t *testing.T) {
	w := NewListing(target.AMD64())
	w.Emit(Instr{Op: OpJmp, Dst: L(w.NewLabel())})
	if _, err := w.Finish(); !errors.Is(err, ErrUndefinedLabel) {
		t.Fatalf("err = %v", err)
	}
}

func TestListingRelocs(t *testing.T) {
	w := NewListing(target.AMD64())
	w.Emit(Instr{Op: OpPush, Src: R(target.RegRBP)})
	w.Emit(Instr{Op: OpCall, Dst: Sym("JIT_ProfilerEnter")})
	code, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if len(code.Relocs) != 1 || code.Relocs[0].Sym != "JIT_ProfilerEnter" || code.Relocs[0].Loc != 1 {
		t.Errorf("relocs = %+v", code.Relocs)
	}
}

func TestOperandFormat(t *testing.T) {
	x := target.AMD64()
	cases := map[string]Operand{
		"rbx":              R(target.RegRBX),
		"#-8":              Imm(-8),
		"[rbp-16]":         Mem(target.RegRBP, -16),
		"[rax+rcx*8+24]":   MemIdx(target.RegRAX, target.RegRCX, 8, 24),
		"local:3+8":        Local(3, 8),
		"@L2":              L(2),
		"sym:JIT_FailFast": Sym("JIT_FailFast"),
	}
	for want, o := range cases {
		if got := o.Format(x); got != want {
			t.Errorf("format = %q, want %q", got, want)
		}
	}
}

func TestCondHolds(t *testing.T) {
	if !CondHI.Holds(-1, 1) || CondGT.Holds(-1, 1) {
		t.Errorf("unsigned/signed comparisons mixed up")
	}
	if c, ok := ParseCond("ls"); !ok || c != CondLS {
		t.Errorf("ParseCond(ls) = %v %v", c, ok)
	}
	if op, ok := ParseOp("xchg"); !ok || op != OpXchg {
		t.Errorf("ParseOp(xchg) = %v %v", op, ok)
	}
}

func TestAsmEncoderFrame(t *testing.T) {
	e, err := NewAsmEncoder()
	if err != nil {
		t.Fatal(err)
	}
	e.Emit(Instr{Op: OpPush, Src: R(target.RegRBP)})
	e.Emit(Instr{Op: OpMov, Dst: R(target.RegRBP), Src: R(target.RegRSP)})
	e.Emit(Instr{Op: OpPop, Dst: R(target.RegRBP)})
	e.Emit(Instr{Op: OpRet})
	code, err := e.Finish()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3}
	if !bytes.Equal(code.Bytes, want) {
		t.Fatalf("bytes = % x, want % x", code.Bytes, want)
	}
	if code.Offset(2) != 4 || code.Size() != 6 {
		t.Errorf("offsets = %v", code.Offsets)
	}
}

func TestAsmEncoderBranches(t *testing.T) {
	e, err := NewAsmEncoder()
	if err != nil {
		t.Fatal(err)
	}
	top, skip := e.NewLabel(), e.NewLabel()
	e.PlaceLabel(top)
	e.Emit(Instr{Op: OpJmp, Dst: L(skip)})
	e.Emit(Instr{Op: OpRet})
	e.PlaceLabel(skip)
	e.Emit(Instr{Op: OpJcc, Cond: CondNE, Dst: L(top)})
	code, err := e.Finish()
	if err != nil {
		t.Fatal(err)
	}
	// jmp +1, ret, jne -5
	want := []byte{0xeb, 0x01, 0xc3, 0x75, 0xfb}
	if !bytes.Equal(code.Bytes, want) {
		t.Fatalf("bytes = % x, want % x", code.Bytes, want)
	}
	if code.Offset(2) != 3 {
		t.Errorf("offsets = %v", code.Offsets)
	}
}

func TestAsmEncoderRejectsPairs(t *testing.T) {
	e, err := NewAsmEncoder()
	if err != nil {
		t.Fatal(err)
	}
	e.Emit(Instr{Op: OpStorePair, Dst: Mem(target.RegRSP, 0), Src: R(target.RegRAX), Src2: R(target.RegRBX)})
	if _, err := e.Finish(); err == nil {
		t.Fatalf("store pair encoded on amd64")
	}
}
