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
	"strings"

	"github.com/launix-de/jitcore/target"
)

/*
Instruction Descriptor Contract
===============================

The code generator never produces bytes. It describes each machine
instruction as an Instr (operation, condition, operands, width) and hands
it to an Encoder. Operands are:

  - register:  Reg
  - immediate: Imm
  - memory:    [Base + Index*Scale + Disp], Base/Index may be RegNone
  - local:     frame slot of a local variable plus Disp; resolved to a
               memory operand by the code generator once the frame is final,
               an Encoder never sees it
  - label:     a not yet placed position inside the method
  - symbol:    an external helper, encoded as an absolute call/jump

Operand roles per operation:

	OpMov      Dst reg    <- Src reg|imm
	OpLoad     Dst reg    <- [Src mem]
	OpStore    [Dst mem]  <- Src reg
	OpLea      Dst reg    <- &Src mem
	OpAdd/Sub  Dst reg    <- Src reg (+|-) Src2 reg|imm
	OpZero     Dst reg    <- 0
	OpPush     Src reg;            OpPop Dst reg
	OpStorePair [Dst mem] <- Src, Src2
	OpLoadPair  Dst, Dst2 <- [Src mem]
	OpXchg     Dst <-> Src
	OpCmp      flags <- Src - Src2
	OpJcc/OpJmp Dst label
	OpCall/OpTailJmp Dst sym|reg
	OpProbe    touch [Src mem]
	OpRepStos  store rax to rcx slots at rdi (amd64 only)
	OpOther    pre-selected instruction, Comment is its text, Imm its size

Size is the operand width in bytes, 0 means pointer sized.
*/

type Op uint8

const (
	OpNop Op = iota
	OpMov
	OpLoad
	OpStore
	OpLea
	OpAdd
	OpSub
	OpZero
	OpPush
	OpPop
	OpStorePair
	OpLoadPair
	OpXchg
	OpCmp
	OpJcc
	OpJmp
	OpCall
	OpTailJmp
	OpRet
	OpProbe
	OpRepStos
	OpOther
)

var opNames = [...]string{
	OpNop:       "nop",
	OpMov:       "mov",
	OpLoad:      "load",
	OpStore:     "store",
	OpLea:       "lea",
	OpAdd:       "add",
	OpSub:       "sub",
	OpZero:      "zero",
	OpPush:      "push",
	OpPop:       "pop",
	OpStorePair: "storep",
	OpLoadPair:  "loadp",
	OpXchg:      "xchg",
	OpCmp:       "cmp",
	OpJcc:       "j",
	OpJmp:       "jmp",
	OpCall:      "call",
	OpTailJmp:   "tailjmp",
	OpRet:       "ret",
	OpProbe:     "probe",
	OpRepStos:   "repstos",
	OpOther:     "other",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op%d", o)
}

// ParseOp maps a mnemonic back to its Op.
func ParseOp(s string) (Op, bool) {
	s = strings.ToLower(s)
	for i, n := range opNames {
		if n == s {
			return Op(i), true
		}
	}
	return OpNop, false
}

// Cond is the condition of an OpJcc.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondGE
	CondGT
	CondLE
	CondLO // unsigned <
	CondHS // unsigned >=
	CondHI // unsigned >
	CondLS // unsigned <=
)

var condNames = [...]string{"eq", "ne", "lt", "ge", "gt", "le", "lo", "hs", "hi", "ls"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return "??"
}

func ParseCond(s string) (Cond, bool) {
	for i, n := range condNames {
		if n == s {
			return Cond(i), true
		}
	}
	return 0, false
}

// Holds evaluates the condition on a signed comparison a-b.
func (c Cond) Holds(a, b int64) bool {
	ua, ub := uint64(a), uint64(b)
	switch c {
	case CondEQ:
		return a == b
	case CondNE:
		return a != b
	case CondLT:
		return a < b
	case CondGE:
		return a >= b
	case CondGT:
		return a > b
	case CondLE:
		return a <= b
	case CondLO:
		return ua < ub
	case CondHS:
		return ua >= ub
	case CondHI:
		return ua > ub
	case CondLS:
		return ua <= ub
	}
	return false
}

type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindReg
	KindImm
	KindMem
	KindLocal
	KindLabel
	KindSym
)

// Label is a position inside the instruction stream that may be placed
// after it is referenced.
type Label int32

// Loc is an emitter location: the index of an instruction. The location of
// the instruction that is emitted next is CurrentLoc().
type Loc int32

type Operand struct {
	Kind  OperandKind
	Reg   target.Reg // KindReg
	Base  target.Reg // KindMem
	Index target.Reg // KindMem
	Scale uint8      // KindMem, 0 or 1 means unscaled
	Disp  int64      // KindMem, KindLocal
	Imm   int64      // KindImm
	Lcl   int32      // KindLocal
	Label Label      // KindLabel
	Sym   string     // KindSym
}

func R(r target.Reg) Operand {
	return Operand{Kind: KindReg, Reg: r}
}

func Imm(v int64) Operand {
	return Operand{Kind: KindImm, Imm: v}
}

func Mem(base target.Reg, disp int64) Operand {
	return Operand{Kind: KindMem, Base: base, Index: target.RegNone, Disp: disp}
}

func MemIdx(base, index target.Reg, scale int, disp int64) Operand {
	return Operand{Kind: KindMem, Base: base, Index: index, Scale: uint8(scale), Disp: disp}
}

func Local(lcl int, disp int64) Operand {
	return Operand{Kind: KindLocal, Lcl: int32(lcl), Disp: disp}
}

func L(l Label) Operand {
	return Operand{Kind: KindLabel, Label: l}
}

func Sym(name string) Operand {
	return Operand{Kind: KindSym, Sym: name}
}

// IsReg reports whether the operand is exactly register r.
func (o Operand) IsReg(r target.Reg) bool {
	return o.Kind == KindReg && o.Reg == r
}

func (o Operand) Format(t target.Target) string {
	switch o.Kind {
	case KindNone:
		return ""
	case KindReg:
		return t.RegName(o.Reg)
	case KindImm:
		return fmt.Sprintf("#%d", o.Imm)
	case KindMem:
		var b strings.Builder
		b.WriteByte('[')
		if o.Base != target.RegNone {
			b.WriteString(t.RegName(o.Base))
		}
		if o.Index != target.RegNone {
			if o.Base != target.RegNone {
				b.WriteByte('+')
			}
			b.WriteString(t.RegName(o.Index))
			if o.Scale > 1 {
				fmt.Fprintf(&b, "*%d", o.Scale)
			}
		}
		if o.Disp > 0 {
			fmt.Fprintf(&b, "+%d", o.Disp)
		} else if o.Disp < 0 {
			fmt.Fprintf(&b, "%d", o.Disp)
		}
		b.WriteByte(']')
		return b.String()
	case KindLocal:
		if o.Disp != 0 {
			return fmt.Sprintf("local:%d%+d", o.Lcl, o.Disp)
		}
		return fmt.Sprintf("local:%d", o.Lcl)
	case KindLabel:
		return fmt.Sprintf("@L%d", o.Label)
	case KindSym:
		return "sym:" + o.Sym
	}
	return "?"
}

type Instr struct {
	Op      Op
	Cond    Cond
	Dst     Operand
	Dst2    Operand
	Src     Operand
	Src2    Operand
	Size    uint8
	Comment string
}

// Width returns the operand width in bytes for a target.
func (in Instr) Width(t target.Target) int {
	if in.Size != 0 {
		return int(in.Size)
	}
	return t.PtrSize()
}

// Operands returns the operands in display order.
func (in Instr) Operands() []Operand {
	result := make([]Operand, 0, 4)
	for _, o := range []Operand{in.Dst, in.Dst2, in.Src, in.Src2} {
		if o.Kind != KindNone {
			result = append(result, o)
		}
	}
	return result
}

func (in Instr) Format(t target.Target) string {
	var b strings.Builder
	b.WriteString(in.Op.String())
	if in.Op == OpJcc {
		b.WriteString(in.Cond.String())
	}
	if in.Op == OpOther {
		b.WriteByte(' ')
		b.WriteString(in.Comment)
		return b.String()
	}
	if in.Size != 0 && in.Size != uint8(t.PtrSize()) {
		fmt.Fprintf(&b, ".%d", in.Size)
	}
	for i, o := range in.Operands() {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		b.WriteString(o.Format(t))
	}
	if in.Comment != "" {
		b.WriteString("  ; ")
		b.WriteString(in.Comment)
	}
	return b.String()
}

// Defs returns the registers an instruction writes, used to find the set
// of registers a method body modifies.
func (in Instr) Defs(t target.Target) target.RegMask {
	var m target.RegMask
	switch in.Op {
	case OpMov, OpLoad, OpLea, OpAdd, OpSub, OpZero, OpPop:
		if in.Dst.Kind == KindReg {
			m = m.With(in.Dst.Reg)
		}
	case OpLoadPair:
		m = m.With(in.Dst.Reg).With(in.Dst2.Reg)
	case OpXchg:
		m = m.With(in.Dst.Reg).With(in.Src.Reg)
	case OpCall:
		m = t.Volatile()
	}
	return m
}
