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

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/launix-de/jitcore/target"
)

// AsmEncoder produces real amd64 machine code through the Go assembler
// backend. Symbol calls are encoded as "mov r11, imm64; call r11" with the
// immediate reported as a relocation.
type AsmEncoder struct {
	b        *asm.Builder
	tgt      target.Target
	instrs   []Instr
	first    []*obj.Prog
	labels   []*obj.Prog
	branches []pendingBranch
	relocs   []pendingReloc
	err      error
}

type pendingBranch struct {
	p *obj.Prog
	l Label
}

type pendingReloc struct {
	p   *obj.Prog
	loc Loc
	sym string
}

// relocSentinel forces the 10 byte immediate form so the field can be
// patched in place
const relocSentinel = int64(0x7FFF000000000000)

func NewAsmEncoder() (*AsmEncoder, error) {
	b, err := asm.NewBuilder("amd64", 128)
	if err != nil {
		return nil, err
	}
	return &AsmEncoder{b: b, tgt: target.AMD64()}, nil
}

func xreg(r target.Reg) int16 {
	if r >= target.RegX0 {
		return x86.REG_X0 + int16(r-target.RegX0)
	}
	return x86.REG_AX + int16(r)
}

func (e *AsmEncoder) setOperand(a *obj.Addr, o Operand) error {
	switch o.Kind {
	case KindReg:
		a.Type = obj.TYPE_REG
		a.Reg = xreg(o.Reg)
	case KindImm:
		a.Type = obj.TYPE_CONST
		a.Offset = o.Imm
	case KindMem:
		a.Type = obj.TYPE_MEM
		if o.Base != target.RegNone {
			a.Reg = xreg(o.Base)
		}
		if o.Index != target.RegNone {
			a.Index = xreg(o.Index)
			a.Scale = int16(o.Scale)
			if a.Scale == 0 {
				a.Scale = 1
			}
		}
		a.Offset = o.Disp
	default:
		return fmt.Errorf("emit: operand kind %d cannot be encoded", o.Kind)
	}
	return nil
}

func (e *AsmEncoder) prog(as obj.As, from, to Operand) (*obj.Prog, error) {
	p := e.b.NewProg()
	p.As = as
	if from.Kind != KindNone {
		if err := e.setOperand(&p.From, from); err != nil {
			return nil, err
		}
	}
	if to.Kind != KindNone {
		if err := e.setOperand(&p.To, to); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (e *AsmEncoder) isFloat(o Operand) bool {
	return o.Kind == KindReg && e.tgt.IsFloat(o.Reg)
}

// movAs picks the move flavour for a register class and width.
func (e *AsmEncoder) movAs(in Instr, reg Operand, other Operand) obj.As {
	w := in.Width(e.tgt)
	if e.isFloat(reg) {
		switch {
		case w == 16:
			return x86.AMOVUPS
		case e.isFloat(other):
			return x86.AMOVAPS
		case w == 4:
			return x86.AMOVSS
		}
		return x86.AMOVSD
	}
	if w == 4 {
		return x86.AMOVL
	}
	return x86.AMOVQ
}

func (e *AsmEncoder) alu(in Instr, q, l obj.As) obj.As {
	if in.Width(e.tgt) == 4 {
		return l
	}
	return q
}

var jccAs = map[Cond]obj.As{
	CondEQ: x86.AJEQ,
	CondNE: x86.AJNE,
	CondLT: x86.AJLT,
	CondGE: x86.AJGE,
	CondGT: x86.AJGT,
	CondLE: x86.AJLE,
	CondLO: x86.AJCS,
	CondHS: x86.AJCC,
	CondHI: x86.AJHI,
	CondLS: x86.AJLS,
}

func (e *AsmEncoder) lower(in Instr, loc Loc) ([]*obj.Prog, error) {
	one := func(p *obj.Prog, err error) ([]*obj.Prog, error) {
		if err != nil {
			return nil, err
		}
		return []*obj.Prog{p}, nil
	}
	switch in.Op {
	case OpNop:
		return one(e.prog(obj.ANOP, Operand{}, Operand{}))
	case OpMov:
		if in.Src.Kind == KindImm {
			return one(e.prog(e.alu(in, x86.AMOVQ, x86.AMOVL), in.Src, in.Dst))
		}
		return one(e.prog(e.movAs(in, in.Dst, in.Src), in.Src, in.Dst))
	case OpLoad:
		return one(e.prog(e.movAs(in, in.Dst, in.Src), in.Src, in.Dst))
	case OpStore:
		return one(e.prog(e.movAs(in, in.Src, in.Dst), in.Src, in.Dst))
	case OpLea:
		return one(e.prog(e.alu(in, x86.ALEAQ, x86.ALEAL), in.Src, in.Dst))
	case OpAdd, OpSub:
		as := e.alu(in, x86.AADDQ, x86.AADDL)
		if in.Op == OpSub {
			as = e.alu(in, x86.ASUBQ, x86.ASUBL)
		}
		var result []*obj.Prog
		src, src2 := in.Src, in.Src2
		if !in.Dst.IsReg(src.Reg) {
			if src2.Kind == KindReg && in.Dst.IsReg(src2.Reg) {
				if in.Op == OpSub {
					return nil, fmt.Errorf("emit: cannot encode %s", in.Format(e.tgt))
				}
				src, src2 = src2, src
			} else {
				mov, err := e.prog(e.alu(in, x86.AMOVQ, x86.AMOVL), src, in.Dst)
				if err != nil {
					return nil, err
				}
				result = append(result, mov)
			}
		}
		p, err := e.prog(as, src2, in.Dst)
		if err != nil {
			return nil, err
		}
		return append(result, p), nil
	case OpZero:
		if e.isFloat(in.Dst) {
			return one(e.prog(x86.AXORPS, in.Dst, in.Dst))
		}
		return one(e.prog(x86.AXORL, in.Dst, in.Dst))
	case OpPush:
		return one(e.prog(x86.APUSHQ, in.Src, Operand{}))
	case OpPop:
		return one(e.prog(x86.APOPQ, Operand{}, in.Dst))
	case OpXchg:
		return one(e.prog(x86.AXCHGQ, in.Src, in.Dst))
	case OpCmp:
		return one(e.prog(e.alu(in, x86.ACMPQ, x86.ACMPL), in.Src, in.Src2))
	case OpJcc, OpJmp:
		as := obj.AJMP
		if in.Op == OpJcc {
			as = jccAs[in.Cond]
		}
		p := e.b.NewProg()
		p.As = as
		p.To.Type = obj.TYPE_BRANCH
		e.branches = append(e.branches, pendingBranch{p, in.Dst.Label})
		return []*obj.Prog{p}, nil
	case OpCall, OpTailJmp:
		as := obj.ACALL
		if in.Op == OpTailJmp {
			as = obj.AJMP
		}
		switch in.Dst.Kind {
		case KindReg:
			return one(e.prog(as, Operand{}, in.Dst))
		case KindSym:
			mov, err := e.prog(x86.AMOVQ, Imm(relocSentinel|int64(len(e.relocs))), R(target.RegR11))
			if err != nil {
				return nil, err
			}
			e.relocs = append(e.relocs, pendingReloc{mov, loc, in.Dst.Sym})
			br, err := e.prog(as, Operand{}, R(target.RegR11))
			if err != nil {
				return nil, err
			}
			return []*obj.Prog{mov, br}, nil
		}
	case OpRet:
		return one(e.prog(obj.ARET, Operand{}, Operand{}))
	case OpProbe:
		return one(e.prog(x86.ATESTL, R(target.RegRAX), in.Src))
	case OpRepStos:
		rep, err := e.prog(x86.AREP, Operand{}, Operand{})
		if err != nil {
			return nil, err
		}
		stos, err := e.prog(x86.ASTOSQ, Operand{}, Operand{})
		if err != nil {
			return nil, err
		}
		return []*obj.Prog{rep, stos}, nil
	}
	return nil, fmt.Errorf("emit: amd64 cannot encode %s", in.Format(e.tgt))
}

func (e *AsmEncoder) Emit(in Instr) Loc {
	loc := Loc(len(e.instrs))
	e.instrs = append(e.instrs, in)
	progs, err := e.lower(in, loc)
	if err != nil {
		if e.err == nil {
			e.err = err
		}
		progs, _ = e.lower(Instr{Op: OpNop}, loc)
	}
	for _, p := range progs {
		e.b.AddInstruction(p)
	}
	e.first = append(e.first, progs[0])
	return loc
}

func (e *AsmEncoder) NewLabel() Label {
	e.labels = append(e.labels, nil)
	return Label(len(e.labels) - 1)
}

// PlaceLabel inserts a zero sized branch target.
func (e *AsmEncoder) PlaceLabel(l Label) {
	if e.labels[l] != nil {
		panic("emit: label placed twice")
	}
	p := e.b.NewProg()
	p.As = obj.ANOP
	e.b.AddInstruction(p)
	e.labels[l] = p
}

func (e *AsmEncoder) CurrentLoc() Loc {
	return Loc(len(e.instrs))
}

func (e *AsmEncoder) Finish() (*Code, error) {
	if e.err != nil {
		return nil, e.err
	}
	for _, br := range e.branches {
		dest := e.labels[br.l]
		if dest == nil {
			return nil, fmt.Errorf("%w L%d", ErrUndefinedLabel, br.l)
		}
		br.p.To.SetTarget(dest)
	}
	out := e.b.Assemble()
	code := &Code{Bytes: out, Offsets: make([]uint32, len(e.instrs)+1)}
	for i, p := range e.first {
		code.Offsets[i] = uint32(p.Pc)
	}
	code.Offsets[len(e.instrs)] = uint32(len(out))
	for i, in := range e.instrs {
		code.Listing = append(code.Listing, fmt.Sprintf("  %04x  %s", code.Offsets[i], in.Format(e.tgt)))
	}
	for _, r := range e.relocs {
		// REX.W+B, B8+r, imm64
		code.Relocs = append(code.Relocs, Reloc{Offset: uint32(r.p.Pc) + 2, Loc: r.loc, Sym: r.sym})
	}
	return code, nil
}
