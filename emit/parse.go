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
	"strconv"
	"strings"
	"sync"

	packrat "github.com/launix-de/go-packrat/v2"
	"github.com/launix-de/jitcore/target"
)

// LocalResolver maps a local variable name to its number.
type LocalResolver func(name string) (int, bool)

type synKind uint8

const (
	synNone synKind = iota
	synReg
	synImm
	synLabel
	synSym
	synLocal
	synMem
	synDisp  // memory displacement term
	synIndex // memory register term, aux is the scale
	synList
	synInstr // text is the mnemonic, aux the size
	synOther
)

// syn is the target independent parse tree; registers and locals are
// resolved after the text has been accepted.
type syn struct {
	kind    synKind
	text    string
	aux     string
	neg     bool
	parts   []syn
	comment string
}

type grammar struct {
	operand packrat.Parser[syn]
	instr   packrat.Parser[syn]
}

// parsers keep per-match state, so each goroutine takes its own grammar
var grammars = sync.Pool{New: func() any { return newGrammar() }}

const numberRegex = `(?:0[xX][0-9a-fA-F]+|[0-9]+)`

func leaf(kind synKind) func(string) syn {
	return func(s string) syn { return syn{kind: kind, text: s} }
}

func pick(i int) func(string, ...syn) syn {
	return func(_ string, a ...syn) syn { return a[i] }
}

func list(_ string, a ...syn) syn {
	return syn{kind: synList, parts: append([]syn(nil), a...)}
}

func newGrammar() *grammar {
	atom := func(s string) *packrat.AtomParser[syn] {
		return packrat.NewAtomParser(syn{text: s}, s, false, true)
	}
	sign := packrat.NewRegexParser(leaf(synNone), `[+-]`, false, true)
	regName := packrat.NewRegexParser(leaf(synReg), `[A-Za-z][A-Za-z0-9_]*`, false, true)

	imm := packrat.NewAndParser[syn](func(_ string, a ...syn) syn {
		return syn{kind: synImm, text: a[1].text}
	}, atom("#"), packrat.NewRegexParser(leaf(synNone), `-?`+numberRegex, false, false))
	label := packrat.NewRegexParser(func(s string) syn {
		return syn{kind: synLabel, text: s[2:]}
	}, `@L[0-9]+`, false, true)
	sym := packrat.NewRegexParser(func(s string) syn {
		return syn{kind: synSym, text: s[4:]}
	}, `sym:[^\s,;\]]+`, false, true)
	local := packrat.NewAndParser[syn](func(_ string, a ...syn) syn {
		return syn{kind: synLocal, text: a[0].text[6:], aux: a[1].text}
	}, packrat.NewRegexParser(leaf(synNone), `local:[^\s,;+\-\]]+`, false, true),
		packrat.NewMaybeParser[syn](syn{}, packrat.NewRegexParser(leaf(synNone), `[+-]`+numberRegex, false, false)))

	// base, index*scale or displacement
	term := packrat.NewOrParser[syn](
		packrat.NewRegexParser(leaf(synDisp), numberRegex, false, true),
		packrat.NewAndParser[syn](func(_ string, a ...syn) syn {
			return syn{kind: synIndex, text: a[0].text, aux: a[1].text}
		}, regName, packrat.NewMaybeParser[syn](syn{}, packrat.NewAndParser[syn](pick(1), atom("*"), packrat.NewRegexParser(leaf(synNone), `[0-9]+`, false, true)))),
	)
	signed := func(_ string, a ...syn) syn {
		t := a[1]
		t.neg = a[0].text == "-"
		return t
	}
	mem := packrat.NewAndParser[syn](func(_ string, a ...syn) syn {
		return syn{kind: synMem, parts: append([]syn{a[1]}, a[2].parts...)}
	}, atom("["),
		packrat.NewAndParser[syn](signed, packrat.NewMaybeParser[syn](syn{}, sign), term),
		packrat.NewKleeneParser[syn](list, packrat.NewAndParser[syn](signed, sign, term), nil),
		atom("]"))

	// registers last: "local" and "sym" would otherwise read as names
	operand := packrat.NewOrParser[syn](imm, label, mem, local, sym, regName)

	comment := packrat.NewAndParser[syn](func(_ string, a ...syn) syn {
		return syn{text: strings.TrimSpace(a[1].text)}
	}, atom(";"), packrat.NewRestParser(leaf(synNone)))
	other := packrat.NewAndParser[syn](func(_ string, a ...syn) syn {
		return syn{kind: synOther, comment: strings.TrimSpace(a[1].text)}
	}, atom("other"), packrat.NewRestParser(leaf(synNone)))
	instr := packrat.NewAndParser[syn](func(_ string, a ...syn) syn {
		return syn{kind: synInstr, text: a[0].text, aux: strings.TrimPrefix(a[1].text, "."), parts: a[2].parts, comment: a[3].text}
	}, packrat.NewRegexParser(leaf(synNone), `[A-Za-z]+`, false, true),
		packrat.NewMaybeParser[syn](syn{}, packrat.NewRegexParser(leaf(synNone), `\.[0-9]+`, false, false)),
		packrat.NewKleeneParser[syn](list, operand, atom(",")),
		packrat.NewMaybeParser[syn](syn{}, comment))

	return &grammar{operand: operand, instr: packrat.NewOrParser[syn](other, instr)}
}

func parse(s string, rule func(*grammar) packrat.Parser[syn]) (syn, error) {
	g := grammars.Get().(*grammar)
	defer grammars.Put(g)
	node, perr := packrat.Parse(rule(g), packrat.NewScanner[syn](s, packrat.SkipWhitespaceRegex))
	if perr != nil {
		return syn{}, fmt.Errorf("syntax error at column %d", perr.Position+1)
	}
	return node.Payload, nil
}

// ParseOperand reads the text form produced by Operand.Format.
func ParseOperand(t target.Target, s string, locals LocalResolver) (Operand, error) {
	if strings.TrimSpace(s) == "" {
		return Operand{}, nil
	}
	n, err := parse(s, func(g *grammar) packrat.Parser[syn] { return g.operand })
	if err != nil {
		return Operand{}, fmt.Errorf("operand %q: %w", s, err)
	}
	return resolveOperand(t, n, locals)
}

func resolveOperand(t target.Target, n syn, locals LocalResolver) (Operand, error) {
	switch n.kind {
	case synImm:
		v, err := strconv.ParseInt(n.text, 0, 64)
		if err != nil {
			return Operand{}, fmt.Errorf("immediate #%s: %w", n.text, err)
		}
		return Imm(v), nil
	case synLabel:
		v, err := strconv.Atoi(n.text)
		if err != nil {
			return Operand{}, fmt.Errorf("label @L%s: %w", n.text, err)
		}
		return L(Label(v)), nil
	case synSym:
		return Sym(n.text), nil
	case synLocal:
		return resolveLocal(n, locals)
	case synMem:
		return resolveMem(t, n)
	case synReg:
		r, ok := t.ParseReg(n.text)
		if !ok {
			return Operand{}, fmt.Errorf("unknown register %q for %s", n.text, t.Name())
		}
		return R(r), nil
	}
	return Operand{}, fmt.Errorf("unexpected operand")
}

func resolveLocal(n syn, locals LocalResolver) (Operand, error) {
	var disp int64
	if n.aux != "" {
		v, err := strconv.ParseInt(n.aux, 0, 64)
		if err != nil {
			return Operand{}, fmt.Errorf("local displacement %q: %w", n.aux, err)
		}
		disp = v
	}
	if v, err := strconv.Atoi(n.text); err == nil {
		return Local(v, disp), nil
	}
	if locals != nil {
		if v, ok := locals(n.text); ok {
			return Local(v, disp), nil
		}
	}
	return Operand{}, fmt.Errorf("unknown local %q", n.text)
}

// resolveMem folds base+index*scale+disp, every part optional.
func resolveMem(t target.Target, n syn) (Operand, error) {
	o := Operand{Kind: KindMem, Base: target.RegNone, Index: target.RegNone}
	for _, term := range n.parts {
		if term.kind == synDisp {
			v, err := strconv.ParseInt(term.text, 0, 64)
			if err != nil {
				return Operand{}, fmt.Errorf("memory displacement %q: %w", term.text, err)
			}
			if term.neg {
				v = -v
			}
			o.Disp += v
			continue
		}
		if term.neg {
			return Operand{}, fmt.Errorf("memory operand: negative register %s", term.text)
		}
		scale := 1
		if term.aux != "" {
			v, err := strconv.Atoi(term.aux)
			if err != nil || !t.LegalScale(v) {
				return Operand{}, fmt.Errorf("memory operand: bad scale %s", term.aux)
			}
			scale = v
		}
		r, ok := t.ParseReg(term.text)
		if !ok {
			return Operand{}, fmt.Errorf("memory operand: unknown register %q", term.text)
		}
		switch {
		case scale == 1 && o.Base == target.RegNone:
			o.Base = r
		case o.Index == target.RegNone:
			o.Index, o.Scale = r, uint8(scale)
		default:
			return Operand{}, fmt.Errorf("memory operand: too many registers")
		}
	}
	return o, nil
}

// operand slots filled from the text, in display order
func operandSlots(op Op) []func(*Instr) *Operand {
	dst := func(in *Instr) *Operand { return &in.Dst }
	dst2 := func(in *Instr) *Operand { return &in.Dst2 }
	src := func(in *Instr) *Operand { return &in.Src }
	src2 := func(in *Instr) *Operand { return &in.Src2 }
	switch op {
	case OpMov, OpLoad, OpStore, OpLea, OpXchg:
		return []func(*Instr) *Operand{dst, src}
	case OpAdd, OpSub, OpStorePair:
		return []func(*Instr) *Operand{dst, src, src2}
	case OpLoadPair:
		return []func(*Instr) *Operand{dst, dst2, src}
	case OpZero, OpPop, OpJcc, OpJmp, OpCall, OpTailJmp:
		return []func(*Instr) *Operand{dst}
	case OpPush, OpProbe:
		return []func(*Instr) *Operand{src}
	case OpCmp:
		return []func(*Instr) *Operand{src, src2}
	}
	return nil
}

// ParseInstr reads the text form produced by Instr.Format, e.g.
// "mov.4 rax, [rbx+rcx*8+16]  ; comment".
func ParseInstr(t target.Target, s string, locals LocalResolver) (Instr, error) {
	var in Instr
	n, err := parse(s, func(g *grammar) packrat.Parser[syn] { return g.instr })
	if err != nil {
		return in, fmt.Errorf("instruction %q: %w", s, err)
	}
	if n.kind == synOther {
		in.Op, in.Comment = OpOther, n.comment
		return in, nil
	}
	in.Comment = n.comment
	if n.aux != "" {
		size, err := strconv.Atoi(n.aux)
		if err != nil || size <= 0 || size > 16 {
			return in, fmt.Errorf("instruction %q: bad size", s)
		}
		in.Size = uint8(size)
	}
	op, ok := ParseOp(n.text)
	if !ok && strings.HasPrefix(n.text, "j") {
		if cond, okc := ParseCond(n.text[1:]); okc {
			op, ok, in.Cond = OpJcc, true, cond
		}
	}
	if !ok || op == OpJcc && n.text == "j" {
		return in, fmt.Errorf("instruction %q: unknown mnemonic %q", s, n.text)
	}
	in.Op = op

	slots := operandSlots(op)
	if len(n.parts) != len(slots) {
		return in, fmt.Errorf("instruction %q: %s takes %d operands, got %d", s, op, len(slots), len(n.parts))
	}
	for i, part := range n.parts {
		o, err := resolveOperand(t, part, locals)
		if err != nil {
			return in, fmt.Errorf("instruction %q: %w", s, err)
		}
		*slots[i](&in) = o
	}
	return in, nil
}
