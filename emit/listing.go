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

	"github.com/launix-de/jitcore/target"
)

type fixup struct {
	loc   Loc
	label Label
}

// Listing is the platform-independent encoder: it keeps the instruction
// descriptors, resolves labels and estimates sizes per target. It backs
// the arm targets and every test that inspects emitted sequences.
type Listing struct {
	tgt    target.Target
	instrs []Instr
	labels []Loc // -1 until placed
	fixups []fixup
	at     map[Loc][]Label
}

func NewListing(t target.Target) *Listing {
	return &Listing{tgt: t, at: make(map[Loc][]Label)}
}

func (w *Listing) Emit(in Instr) Loc {
	loc := Loc(len(w.instrs))
	for _, o := range []Operand{in.Dst, in.Src} {
		if o.Kind == KindLabel {
			w.fixups = append(w.fixups, fixup{loc, o.Label})
		}
	}
	w.instrs = append(w.instrs, in)
	return loc
}

// NewLabel reserves a label for later placement via PlaceLabel.
func (w *Listing) NewLabel() Label {
	id := Label(len(w.labels))
	w.labels = append(w.labels, -1)
	return id
}

// PlaceLabel binds a reserved label to the next instruction.
func (w *Listing) PlaceLabel(l Label) {
	if w.labels[l] >= 0 {
		panic("emit: label placed twice")
	}
	w.labels[l] = w.CurrentLoc()
	w.at[w.labels[l]] = append(w.at[w.labels[l]], l)
}

func (w *Listing) CurrentLoc() Loc {
	return Loc(len(w.instrs))
}

// Instrs exposes the buffered instruction stream.
func (w *Listing) Instrs() []Instr {
	return w.instrs
}

// LabelLoc returns the location a label was placed at, or -1.
func (w *Listing) LabelLoc(l Label) Loc {
	return w.labels[l]
}

// Finish resolves all label references and lays out offsets.
func (w *Listing) Finish() (*Code, error) {
	for _, f := range w.fixups {
		if w.labels[f.label] < 0 {
			return nil, fmt.Errorf("%w L%d (referenced at %d)", ErrUndefinedLabel, f.label, f.loc)
		}
	}
	code := &Code{Offsets: make([]uint32, len(w.instrs)+1)}
	var pc uint32
	for i, in := range w.instrs {
		code.Offsets[i] = pc
		for _, l := range w.at[Loc(i)] {
			code.Listing = append(code.Listing, fmt.Sprintf("L%d:", l))
		}
		code.Listing = append(code.Listing, fmt.Sprintf("  %04x  %s", pc, in.Format(w.tgt)))
		if in.Op == OpCall || in.Op == OpTailJmp {
			if in.Dst.Kind == KindSym {
				code.Relocs = append(code.Relocs, Reloc{Offset: pc, Loc: Loc(i), Sym: in.Dst.Sym})
			}
		}
		pc += uint32(EstimateSize(w.tgt, in))
	}
	code.Offsets[len(w.instrs)] = pc
	for _, l := range w.at[Loc(len(w.instrs))] {
		code.Listing = append(code.Listing, fmt.Sprintf("L%d:", l))
	}
	return code, nil
}

// EstimateSize returns the encoded length of an instruction. Fixed width
// targets are exact; amd64 is approximated from operand shapes.
func EstimateSize(t target.Target, in Instr) int {
	if in.Op == OpOther {
		if in.Src.Kind == KindImm {
			return int(in.Src.Imm)
		}
		return 4
	}
	if t.Name() != "amd64" {
		switch in.Op {
		case OpCall, OpTailJmp:
			if in.Dst.Kind == KindSym {
				return 12 // literal load plus branch
			}
		case OpNop:
			return 0
		}
		return 4
	}
	rex := func(rs ...target.Reg) int {
		for _, r := range rs {
			if r != target.RegNone && r >= 8 && r < 16 {
				return 1
			}
		}
		if in.Width(t) == 8 {
			return 1
		}
		return 0
	}
	mem := func(o Operand) int {
		n := 1 // modrm
		if o.Index != target.RegNone || o.Base == target.RegRSP || o.Base == target.RegR12 {
			n++
		}
		switch {
		case o.Disp == 0 && o.Base != target.RegRBP && o.Base != target.RegR13:
		case o.Disp >= -128 && o.Disp < 128:
			n++
		default:
			n += 4
		}
		return n
	}
	imm := func(v int64) int {
		if v >= -128 && v < 128 {
			return 1
		}
		return 4
	}
	switch in.Op {
	case OpNop:
		return 0
	case OpPush, OpPop:
		r := in.Src.Reg
		if in.Op == OpPop {
			r = in.Dst.Reg
		}
		if r >= 8 {
			return 2
		}
		return 1
	case OpRet:
		return 1
	case OpMov:
		if in.Src.Kind == KindImm {
			if in.Src.Imm > 0x7FFFFFFF || in.Src.Imm < -0x80000000 {
				return 10
			}
			return 7
		}
		return 2 + rex(in.Dst.Reg, in.Src.Reg)
	case OpZero, OpXchg:
		return 3
	case OpLoad, OpLea:
		return 1 + rex(in.Dst.Reg, in.Src.Base, in.Src.Index) + mem(in.Src)
	case OpStore:
		return 1 + rex(in.Src.Reg, in.Dst.Base, in.Dst.Index) + mem(in.Dst)
	case OpProbe:
		return 1 + rex(in.Src.Base) + mem(in.Src)
	case OpAdd, OpSub:
		n := 0
		if !in.Dst.IsReg(in.Src.Reg) {
			n = 3 // mov dst, src first
		}
		if in.Src2.Kind == KindImm {
			return n + 2 + rex(in.Dst.Reg) + imm(in.Src2.Imm)
		}
		return n + 3
	case OpCmp:
		if in.Src2.Kind == KindImm {
			return 2 + rex(in.Src.Reg) + imm(in.Src2.Imm)
		}
		return 3
	case OpJcc:
		return 6
	case OpJmp:
		return 5
	case OpCall, OpTailJmp:
		if in.Dst.Kind == KindSym {
			return 13 // mov r11, imm64; call/jmp r11
		}
		return 3
	case OpRepStos:
		return 3
	}
	return 4
}
