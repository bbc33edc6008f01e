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

package main

import (
	"fmt"
	"go/types"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/launix-de/jitcore/target"
)

// the subset of the method description format that is derived from SSA

type local struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Size      int      `json:"size,omitempty"`
	GCLayout  []string `json:"gc_layout,omitempty"`
	Param     bool     `json:"param,omitempty"`
	ArgReg    string   `json:"arg_reg,omitempty"`
	ArgOffset int      `json:"arg_offset,omitempty"`
	Tracked   bool     `json:"tracked,omitempty"`
	Reg       string   `json:"reg,omitempty"`
	OnFrame   bool     `json:"on_frame,omitempty"`
	MustInit  bool     `json:"must_init,omitempty"`
}

type call struct {
	Target  string `json:"target"`
	Ret     string `json:"ret,omitempty"`
	RetKind string `json:"ret_kind,omitempty"`
}

type node struct {
	Kind   string   `json:"kind"`
	Local  string   `json:"local,omitempty"`
	Death  bool     `json:"death,omitempty"`
	Instrs []string `json:"instrs,omitempty"`
	Call   *call    `json:"call,omitempty"`
}

type block struct {
	Kind   string   `json:"kind,omitempty"`
	LiveIn []string `json:"live_in,omitempty"`
	Nodes  []node   `json:"nodes"`
}

type method struct {
	Name            string   `json:"name"`
	Flags           []string `json:"flags,omitempty"`
	OutgoingArgSize int      `json:"outgoing_arg_size,omitempty"`
	RetType         string   `json:"ret_type,omitempty"`
	Locals          []local  `json:"locals"`
	Blocks          []block  `json:"blocks"`
}

// typeClass describes how a Go type is held by the generated code.
type typeClass struct {
	name   string   // codegen type name
	size   int      // bytes
	layout []string // gc kind per pointer sized word of a struct
	inReg  bool     // fits one integer register
}

type describer struct {
	t     target.Target
	sizes types.Sizes
	fn    *ssa.Function

	m       method
	tracked map[ssa.Value]string // parameter -> local name
	saved   []target.Reg         // callee-saved registers not handed out yet
}

// describe derives a method description from the SSA form of fn.
// Parameters are the only tracked locals; every other value is a temporary
// of the body and never crosses a node.
func describe(fn *ssa.Function, t target.Target) (*method, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%s has no body", fn)
	}
	sizes := types.SizesFor("gc", t.Name())
	if sizes == nil {
		return nil, fmt.Errorf("no Go type sizes for %s", t.Name())
	}
	d := &describer{t: t, sizes: sizes, fn: fn, tracked: make(map[ssa.Value]string)}
	d.m.Name = symbol(fn)
	// Go zeroes every local
	d.m.Flags = []string{"init_locals"}
	for _, r := range t.CalleeSaved().Regs() {
		if r != t.FP() && r != t.LR() && r != t.SP() && !t.IsFloat(r) {
			d.saved = append(d.saved, r)
		}
	}
	if res := fn.Signature.Results(); res.Len() == 1 {
		c := d.classify(res.At(0).Type())
		if c.inReg {
			d.m.RetType = c.name
		}
	}
	d.params()
	d.frameLocals()
	if err := d.blocks(); err != nil {
		return nil, err
	}
	return &d.m, nil
}

func symbol(fn *ssa.Function) string {
	name := fn.RelString(nil)
	return strings.NewReplacer(" ", "", ",", "_", ";", "_").Replace(name)
}

func (d *describer) classify(typ types.Type) typeClass {
	ptr := d.t.PtrSize()
	size := int(d.sizes.Sizeof(typ))
	switch u := typ.Underlying().(type) {
	case *types.Basic:
		var name string
		switch u.Kind() {
		case types.Bool:
			name = "bool"
		case types.Int8:
			name = "byte"
		case types.Uint8:
			name = "ubyte"
		case types.Int16:
			name = "short"
		case types.Uint16:
			name = "ushort"
		case types.Int32:
			name = "int"
		case types.Uint32:
			name = "uint"
		case types.Int64:
			name = "long"
		case types.Uint64:
			name = "ulong"
		case types.Int, types.Uint, types.Uintptr:
			name = "nint"
		case types.Float32:
			return typeClass{name: "float", size: 4}
		case types.Float64:
			return typeClass{name: "double", size: 8}
		case types.UnsafePointer:
			return typeClass{name: "ref", size: ptr, inReg: true}
		}
		if name != "" {
			return typeClass{name: name, size: size, inReg: size <= ptr}
		}
	case *types.Pointer, *types.Map, *types.Chan, *types.Signature:
		return typeClass{name: "ref", size: ptr, inReg: true}
	}
	return typeClass{name: "struct", size: size, layout: d.layout(typ)}
}

// layout lists the gc kind of each word of typ, trimmed after the last
// pointer.
func (d *describer) layout(typ types.Type) []string {
	ptr := int64(d.t.PtrSize())
	words := make([]string, (d.sizes.Sizeof(typ)+ptr-1)/ptr)
	for i := range words {
		words[i] = "-"
	}
	var walk func(typ types.Type, off int64)
	walk = func(typ types.Type, off int64) {
		switch u := typ.Underlying().(type) {
		case *types.Basic:
			switch u.Kind() {
			case types.UnsafePointer:
				words[off/ptr] = "ref"
			case types.String:
				words[off/ptr] = "ref"
			}
		case *types.Pointer, *types.Map, *types.Chan, *types.Signature:
			words[off/ptr] = "ref"
		case *types.Slice:
			words[off/ptr] = "ref"
		case *types.Interface:
			// the type word points to static data
			words[off/ptr+1] = "ref"
		case *types.Array:
			es := d.sizes.Sizeof(u.Elem())
			for i := int64(0); i < u.Len(); i++ {
				walk(u.Elem(), off+i*es)
			}
		case *types.Struct:
			fields := make([]*types.Var, u.NumFields())
			for i := range fields {
				fields[i] = u.Field(i)
			}
			offs := d.sizes.Offsetsof(fields)
			for i, f := range fields {
				walk(f.Type(), off+offs[i])
			}
		}
	}
	walk(typ, 0)
	last := -1
	for i, w := range words {
		if w != "-" {
			last = i
		}
	}
	return words[:last+1]
}

func used(v ssa.Value) bool {
	refs := v.Referrers()
	if refs == nil {
		return false
	}
	for _, r := range *refs {
		if _, ok := r.(*ssa.DebugRef); !ok {
			return true
		}
	}
	return false
}

// params places the parameters: word sized integer and reference
// parameters arrive in the integer argument registers and are homed to a
// callee-saved register while one is left, everything else is passed on
// the stack.
func (d *describer) params() {
	ptr := d.t.PtrSize()
	intArgs := d.t.IntArgRegs()
	nInt, stackOff := 0, 0
	for i, p := range d.fn.Params {
		c := d.classify(p.Type())
		name := p.Name()
		if name == "" || name == "_" {
			name = fmt.Sprintf("arg%d", i)
		}
		l := local{Name: name, Type: c.name, Param: true}
		if c.name == "struct" {
			l.Size = max(c.size, 1)
			l.GCLayout = c.layout
		}
		live := used(p)
		switch {
		case c.inReg && nInt < len(intArgs):
			l.ArgReg = d.t.RegName(intArgs[nInt])
			nInt++
			switch {
			case !live:
				l.Reg = l.ArgReg
			case len(d.saved) > 0:
				l.Reg, l.Tracked = d.t.RegName(d.saved[0]), true
				d.saved = d.saved[1:]
			default:
				l.OnFrame, l.Tracked = true, true
			}
		default:
			l.OnFrame = true
			l.ArgOffset = stackOff
			stackOff += (max(c.size, 1) + ptr - 1) / ptr * ptr
			l.Tracked = live && c.name != "struct"
		}
		if l.Tracked {
			d.tracked[p] = l.Name
		}
		d.m.Locals = append(d.m.Locals, l)
	}
}

// frameLocals gives every stack allocated variable a frame slot.
func (d *describer) frameLocals() {
	for _, a := range d.fn.Locals {
		if a.Heap {
			continue
		}
		elem := a.Type().(*types.Pointer).Elem()
		c := d.classify(elem)
		if c.size == 0 {
			continue
		}
		name := a.Name()
		if a.Comment != "" {
			name = a.Comment + "." + name
		}
		l := local{Name: name, Type: "struct", Size: c.size, OnFrame: true, GCLayout: c.layout}
		if c.name != "struct" {
			l.GCLayout = nil
			if c.name == "ref" {
				l.GCLayout = []string{"ref"}
			}
		}
		l.MustInit = len(l.GCLayout) > 0
		d.m.Locals = append(d.m.Locals, l)
	}
}

// paramUses lists the tracked parameters among the operands of instr.
func (d *describer) paramUses(instr ssa.Instruction) []ssa.Value {
	var uses []ssa.Value
	for _, op := range instr.Operands(nil) {
		if op == nil || *op == nil {
			continue
		}
		if _, ok := d.tracked[*op]; !ok {
			continue
		}
		dup := false
		for _, u := range uses {
			dup = dup || u == *op
		}
		if !dup {
			uses = append(uses, *op)
		}
	}
	return uses
}

type paramSet map[ssa.Value]bool

// liveness computes the tracked parameters live into and out of each
// block. A phi operand is used at the end of its predecessor.
func (d *describer) liveness() (in, out []paramSet) {
	n := len(d.fn.Blocks)
	use := make([]paramSet, n)
	in, out = make([]paramSet, n), make([]paramSet, n)
	for i := range use {
		use[i], in[i], out[i] = paramSet{}, paramSet{}, paramSet{}
	}
	for _, b := range d.fn.Blocks {
		for _, instr := range b.Instrs {
			if phi, ok := instr.(*ssa.Phi); ok {
				for j, e := range phi.Edges {
					if _, ok := d.tracked[e]; ok {
						use[b.Preds[j].Index][e] = true
					}
				}
				continue
			}
			for _, p := range d.paramUses(instr) {
				use[b.Index][p] = true
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for i := n - 1; i >= 0; i-- {
			b := d.fn.Blocks[i]
			for _, s := range b.Succs {
				for p := range in[s.Index] {
					if !out[i][p] {
						out[i][p] = true
						changed = true
					}
				}
			}
			for _, set := range []paramSet{use[i], out[i]} {
				for p := range set {
					if !in[i][p] {
						in[i][p] = true
						changed = true
					}
				}
			}
		}
	}
	return in, out
}

func (d *describer) names(set paramSet) []string {
	var names []string
	for _, p := range d.fn.Params {
		if set[p] {
			names = append(names, d.tracked[p])
		}
	}
	return names
}

// runtimeCall is the helper an instruction turns into, "" when it
// generates no call.
func runtimeCall(instr ssa.Instruction) (string, bool) {
	switch v := instr.(type) {
	case *ssa.Alloc:
		if v.Heap {
			return "runtime.newobject", true
		}
	case *ssa.MakeSlice:
		return "runtime.makeslice", true
	case *ssa.MakeMap:
		return "runtime.makemap", true
	case *ssa.MakeChan:
		return "runtime.makechan", true
	case *ssa.MakeClosure:
		return "runtime.newobject", true
	case *ssa.Go:
		return "runtime.newproc", false
	case *ssa.Defer:
		return "runtime.deferprocStack", false
	case *ssa.RunDefers:
		return "runtime.deferreturn", false
	case *ssa.Panic:
		return "runtime.gopanic", false
	case *ssa.Send:
		return "runtime.chansend1", false
	case *ssa.Select:
		return "runtime.selectgo", false
	case *ssa.MapUpdate:
		return "runtime.mapassign", false
	case *ssa.Lookup:
		if _, ok := v.X.Type().Underlying().(*types.Map); ok {
			return "runtime.mapaccess2", false
		}
	}
	return "", false
}

func (d *describer) callNode(instr ssa.Instruction) *node {
	intRet := d.t.RegName(d.t.IntReturn())
	refResult := func(c *call, typ types.Type) {
		if typ == nil {
			return
		}
		if tc := d.classify(typ); tc.name == "ref" {
			c.Ret, c.RetKind = intRet, "ref"
		}
	}
	if helper, ref := runtimeCall(instr); helper != "" {
		c := &call{Target: "sym:" + helper}
		if ref {
			c.Ret, c.RetKind = intRet, "ref"
		}
		return &node{Kind: "call", Call: c}
	}
	ci, ok := instr.(*ssa.Call)
	if !ok {
		return nil
	}
	c := &call{}
	common := ci.Common()
	switch {
	case common.IsInvoke():
		c.Target = d.t.RegName(d.t.ScratchRegs()[0])
	case common.StaticCallee() != nil:
		c.Target = "sym:" + symbol(common.StaticCallee())
	default:
		if b, ok := common.Value.(*ssa.Builtin); ok {
			switch b.Name() {
			case "len", "cap", "real", "imag", "complex", "min", "max", "ssa:wrapnilchk":
				return nil
			}
			c.Target = "sym:runtime." + b.Name()
		} else {
			c.Target = d.t.RegName(d.t.ScratchRegs()[0])
		}
	}
	if res := ci.Type(); res != nil {
		if _, tuple := res.(*types.Tuple); !tuple {
			refResult(c, res)
		}
	}
	return &node{Kind: "call", Call: c}
}

func (d *describer) blocks() error {
	in, out := d.liveness()
	intRet := d.t.RegName(d.t.IntReturn())
	ptr := d.t.PtrSize()
	nInt := len(d.t.IntArgRegs())
	for _, b := range d.fn.Blocks {
		blk := block{LiveIn: d.names(in[b.Index]), Nodes: []node{}}
		last := map[ssa.Value]int{}
		for i, instr := range b.Instrs {
			for _, p := range d.paramUses(instr) {
				if _, phi := instr.(*ssa.Phi); !phi {
					last[p] = i
				}
			}
		}
		// phi operands flowing to the successors are used at the end
		var edgeUses []ssa.Value
		for _, s := range b.Succs {
			j := 0
			for k, pred := range s.Preds {
				if pred == b {
					j = k
				}
			}
			for _, instr := range s.Instrs {
				phi, ok := instr.(*ssa.Phi)
				if !ok {
					break
				}
				e := phi.Edges[j]
				if _, ok := d.tracked[e]; ok && last[e] != len(b.Instrs) {
					edgeUses = append(edgeUses, e)
					last[e] = len(b.Instrs)
				}
			}
		}
		use := func(p ssa.Value, at int) {
			blk.Nodes = append(blk.Nodes, node{Kind: "use", Local: d.tracked[p], Death: last[p] == at && !out[b.Index][p]})
		}

		for i, instr := range b.Instrs {
			if _, phi := instr.(*ssa.Phi); phi {
				continue
			}
			for _, p := range d.paramUses(instr) {
				use(p, i)
			}
			if i == len(b.Instrs)-1 {
				for _, p := range edgeUses {
					use(p, len(b.Instrs))
				}
			}
			if n := d.callNode(instr); n != nil {
				blk.Nodes = append(blk.Nodes, *n)
				if c, ok := instr.(ssa.CallInstruction); ok {
					if extra := len(c.Common().Args) - nInt; extra > 0 && extra*ptr > d.m.OutgoingArgSize {
						d.m.OutgoingArgSize = extra * ptr
					}
				}
			}
			switch v := instr.(type) {
			case *ssa.If:
				ins := []string{"cmp " + intRet + ", #0", fmt.Sprintf("jne @L%d", v.Block().Succs[0].Index)}
				if next := v.Block().Succs[1].Index; next != b.Index+1 {
					ins = append(ins, fmt.Sprintf("jmp @L%d", next))
				}
				blk.Nodes = append(blk.Nodes, node{Kind: "instr", Instrs: ins})
			case *ssa.Jump:
				if next := v.Block().Succs[0].Index; next != b.Index+1 {
					blk.Nodes = append(blk.Nodes, node{Kind: "instr", Instrs: []string{fmt.Sprintf("jmp @L%d", next)}})
				}
			case *ssa.Return:
				blk.Kind = "return"
			case *ssa.Panic:
				blk.Kind = "throw"
			}
		}
		d.m.Blocks = append(d.m.Blocks, blk)
	}
	return nil
}
