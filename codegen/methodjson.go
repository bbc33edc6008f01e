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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/target"
)

/*
Method Description Format
=========================

LoadMethod reads the JSON form of a Method. Locals are referenced by name,
registers by their target name ("stk" for the frame half of a partially
enregistered pair), instructions by their listing text:

	{
	  "name": "swap",
	  "flags": ["init_locals"],
	  "locals": [
	    {"name": "a", "type": "ref", "param": true, "arg_reg": "rcx",
	     "reg": "rdx", "tracked": true}
	  ],
	  "exprs": [{"kind": "lcl", "local": "a", "type": "ref"}],
	  "blocks": [
	    {"kind": "return", "live_in": ["a"], "nodes": [
	      {"kind": "use", "local": "a", "death": true,
	       "instrs": ["mov rax, rdx"]}
	    ]}
	  ],
	  "regions": []
	}

Branch targets are block labels: "@L2" jumps to block 2.
*/

type jsonLocal struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Size        int         `json:"size,omitempty"`
	GCLayout    []string    `json:"gc_layout,omitempty"`
	Param       bool        `json:"param,omitempty"`
	ArgReg      string      `json:"arg_reg,omitempty"`
	ArgReg2     string      `json:"arg_reg2,omitempty"`
	ArgOffset   int         `json:"arg_offset,omitempty"`
	PreSpill    bool        `json:"pre_spill,omitempty"`
	Tracked     bool        `json:"tracked,omitempty"`
	Reg         string      `json:"reg,omitempty"`
	Reg2        string      `json:"reg2,omitempty"`
	OnFrame     bool        `json:"on_frame,omitempty"`
	MustInit    bool        `json:"must_init,omitempty"`
	AddrExposed bool        `json:"addr_exposed,omitempty"`
	Temp        bool        `json:"temp,omitempty"`
	Dependent   bool        `json:"dependent,omitempty"`
	FieldOffset int         `json:"field_offset,omitempty"`
	Fields      []jsonLocal `json:"fields,omitempty"`
}

type jsonCall struct {
	Target  string   `json:"target"`
	Tail    bool     `json:"tail,omitempty"`
	Ret     string   `json:"ret,omitempty"`
	RetKind string   `json:"ret_kind,omitempty"`
	ArgRegs []string `json:"arg_regs,omitempty"`
}

type jsonMem struct {
	Op      string `json:"op"`
	Reg     string `json:"reg"`
	Addr    *int   `json:"addr,omitempty"`
	Size    uint8  `json:"size,omitempty"`
	AddrReg string `json:"addr_reg,omitempty"`
}

type jsonNode struct {
	Kind   string    `json:"kind"`
	Local  string    `json:"local,omitempty"`
	Birth  bool      `json:"birth,omitempty"`
	Death  bool      `json:"death,omitempty"`
	Dying  []string  `json:"dying,omitempty"`
	Instrs []string  `json:"instrs,omitempty"`
	Call   *jsonCall `json:"call,omitempty"`
	Mem    *jsonMem  `json:"mem,omitempty"`
}

type jsonBlock struct {
	Kind               string     `json:"kind"`
	LiveIn             []string   `json:"live_in,omitempty"`
	Funclet            *int       `json:"funclet,omitempty"`
	FuncletEntry       bool       `json:"funclet_entry,omitempty"`
	ClonedFinallyBegin bool       `json:"cloned_finally_begin,omitempty"`
	ClonedFinallyEnd   bool       `json:"cloned_finally_end,omitempty"`
	Nodes              []jsonNode `json:"nodes"`
}

type jsonExpr struct {
	Kind         string `json:"kind"`
	Type         string `json:"type,omitempty"`
	A            int    `json:"a,omitempty"`
	B            int    `json:"b,omitempty"`
	Const        int64  `json:"const,omitempty"`
	Local        string `json:"local,omitempty"`
	Reg          string `json:"reg,omitempty"`
	Overflow     bool   `json:"overflow,omitempty"`
	RangeChecked bool   `json:"range_checked,omitempty"`
}

type jsonRegion struct {
	Kind         string `json:"kind"`
	Try          [2]int `json:"try"`
	Handler      [2]int `json:"handler"`
	Filter       *int   `json:"filter,omitempty"`
	EnclosingTry *int   `json:"enclosing_try,omitempty"`
	EnclosingHnd *int   `json:"enclosing_hnd,omitempty"`
	CatchType    uint32 `json:"catch_type,omitempty"`
}

type jsonMethod struct {
	Name            string       `json:"name"`
	Flags           []string     `json:"flags,omitempty"`
	GenericContext  string       `json:"generic_context,omitempty"`
	OutgoingArgSize int          `json:"outgoing_arg_size,omitempty"`
	RetType         string       `json:"ret_type,omitempty"`
	Locals          []jsonLocal  `json:"locals"`
	Exprs           []jsonExpr   `json:"exprs,omitempty"`
	Blocks          []jsonBlock  `json:"blocks"`
	Regions         []jsonRegion `json:"regions,omitempty"`
}

var methodFlagNames = map[string]MethodFlags{
	"init_locals":     FlagInitLocals,
	"unmanaged_calls": FlagUnmanagedCalls,
	"localloc":        FlagLocalloc,
	"varargs":         FlagVarargs,
	"unsafe_buffers":  FlagUnsafeBuffers,
}

var nodeKindByName = map[string]NodeKind{
	"instr": NodeInstr, "def": NodeDef, "use": NodeUse, "indir": NodeIndirAddr,
	"call": NodeCall, "spill": NodeSpill, "reload": NodeReload, "mem": NodeMem,
}

var blockKindNames = map[string]BlockKind{
	"normal": BlockNormal, "": BlockNormal, "return": BlockReturn, "tailcall": BlockTailCall,
	"throw": BlockThrow, "handler_return": BlockHandlerReturn,
}

var exprKindNames = map[string]ExprKind{
	"const": ExprConst, "lcl": ExprLcl, "reg": ExprReg, "add": ExprAdd, "mul": ExprMul, "lsh": ExprLsh,
}

var ehKindByName = map[string]EHKind{
	"catch": EHCatch, "finally": EHFinally, "fault": EHFault, "filter": EHFilter,
}

var gcKindByName = map[string]GCKind{
	"": GCNone, "none": GCNone, "-": GCNone, "ref": GCRef, "byref": GCByref,
}

type methodLoader struct {
	t      target.Target
	m      *Method
	byName map[string]LclNum
}

func (l *methodLoader) reg(s string, allowStack bool) (target.Reg, error) {
	switch s {
	case "":
		return target.RegNone, nil
	case "stk":
		if allowStack {
			return target.RegStack, nil
		}
	}
	r, ok := l.t.ParseReg(s)
	if !ok {
		return target.RegNone, fmt.Errorf("unknown register %q for %s", s, l.t.Name())
	}
	return r, nil
}

func (l *methodLoader) lcl(name string) (LclNum, error) {
	if name == "" {
		return NoLcl, nil
	}
	n, ok := l.byName[name]
	if !ok {
		return NoLcl, fmt.Errorf("unknown local %q", name)
	}
	return n, nil
}

func (l *methodLoader) resolver() emit.LocalResolver {
	return func(name string) (int, bool) {
		n, ok := l.byName[name]
		return int(n), ok
	}
}

func (l *methodLoader) local(j *jsonLocal) (LocalVar, error) {
	vt, err := ParseVarType(j.Type)
	if err != nil {
		return LocalVar{}, fmt.Errorf("local %s: %w", j.Name, err)
	}
	v := NewLocal(j.Name, vt)
	v.Size = j.Size
	for _, g := range j.GCLayout {
		k, ok := gcKindByName[strings.ToLower(g)]
		if !ok {
			return v, fmt.Errorf("local %s: unknown gc kind %q", j.Name, g)
		}
		v.GCLayout = append(v.GCLayout, k)
	}
	v.IsParam, v.ArgOffset, v.PreSpill = j.Param, j.ArgOffset, j.PreSpill
	v.Tracked, v.OnFrame, v.MustInit, v.AddrExposed, v.IsTemp = j.Tracked, j.OnFrame, j.MustInit, j.AddrExposed, j.Temp
	v.DependentPromotion, v.FieldOffset = j.Dependent, j.FieldOffset
	regs := []struct {
		dst   *target.Reg
		src   string
		stack bool
	}{{&v.ArgReg, j.ArgReg, false}, {&v.ArgReg2, j.ArgReg2, false}, {&v.Reg, j.Reg, false}, {&v.Reg2, j.Reg2, true}}
	for _, r := range regs {
		if *r.dst, err = l.reg(r.src, r.stack); err != nil {
			return v, fmt.Errorf("local %s: %w", j.Name, err)
		}
	}
	return v, nil
}

func (l *methodLoader) addLocal(j *jsonLocal) error {
	if _, dup := l.byName[j.Name]; dup || j.Name == "" {
		return fmt.Errorf("local name %q empty or used twice", j.Name)
	}
	v, err := l.local(j)
	if err != nil {
		return err
	}
	fields := make([]LocalVar, len(j.Fields))
	for i := range j.Fields {
		if fields[i], err = l.local(&j.Fields[i]); err != nil {
			return err
		}
	}
	p, ids := l.m.AddStruct(v, fields...)
	l.byName[j.Name] = p
	for i, id := range ids {
		if _, dup := l.byName[j.Fields[i].Name]; dup {
			return fmt.Errorf("local name %q used twice", j.Fields[i].Name)
		}
		l.byName[j.Fields[i].Name] = id
	}
	return nil
}

func (l *methodLoader) instrs(texts []string) ([]emit.Instr, error) {
	result := make([]emit.Instr, 0, len(texts))
	for _, s := range texts {
		in, err := emit.ParseInstr(l.t, s, l.resolver())
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, nil
}

func (l *methodLoader) node(j *jsonNode) (Node, error) {
	kind, ok := nodeKindByName[j.Kind]
	if !ok {
		return Node{}, fmt.Errorf("unknown node kind %q", j.Kind)
	}
	n := Node{Kind: kind, Birth: j.Birth, Death: j.Death}
	var err error
	if n.Lcl, err = l.lcl(j.Local); err != nil {
		return n, err
	}
	for _, d := range j.Dying {
		f, err := l.lcl(d)
		if err != nil {
			return n, err
		}
		n.DyingFields = append(n.DyingFields, f)
	}
	if n.Instrs, err = l.instrs(j.Instrs); err != nil {
		return n, err
	}
	if j.Call != nil {
		ci := &CallInfo{Tail: j.Call.Tail}
		if ci.Target, err = emit.ParseOperand(l.t, j.Call.Target, nil); err != nil {
			return n, err
		}
		if ci.ReturnReg, err = l.reg(j.Call.Ret, false); err != nil {
			return n, err
		}
		if ci.ReturnKind, ok = gcKindByName[j.Call.RetKind]; !ok {
			return n, fmt.Errorf("unknown gc kind %q", j.Call.RetKind)
		}
		for _, a := range j.Call.ArgRegs {
			r, err := l.reg(a, false)
			if err != nil {
				return n, err
			}
			ci.ArgRegs = ci.ArgRegs.With(r)
		}
		n.Call = ci
	}
	if j.Mem != nil {
		ma := &MemAccess{Size: j.Mem.Size, Addr: NoExpr}
		if ma.Op, ok = emit.ParseOp(j.Mem.Op); !ok {
			return n, fmt.Errorf("unknown memory op %q", j.Mem.Op)
		}
		if j.Mem.Addr != nil {
			ma.Addr = ExprID(*j.Mem.Addr)
		}
		if ma.Reg, err = l.reg(j.Mem.Reg, false); err != nil {
			return n, err
		}
		if ma.AddrReg, err = l.reg(j.Mem.AddrReg, false); err != nil {
			return n, err
		}
		n.Mem = ma
	}
	return n, nil
}

func (l *methodLoader) expr(j *jsonExpr) (Expr, error) {
	kind, ok := exprKindNames[j.Kind]
	if !ok {
		return Expr{}, fmt.Errorf("unknown expression kind %q", j.Kind)
	}
	e := Expr{Kind: kind, A: ExprID(j.A), B: ExprID(j.B), Const: j.Const, Overflow: j.Overflow, RangeChecked: j.RangeChecked}
	var err error
	if j.Type != "" {
		if e.Type, err = ParseVarType(j.Type); err != nil {
			return e, err
		}
	}
	if e.Lcl, err = l.lcl(j.Local); err != nil {
		return e, err
	}
	if e.Reg, err = l.reg(j.Reg, false); err != nil {
		return e, err
	}
	return e, nil
}

func optIndex(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// LoadMethod reads a method description and validates it for t.
func LoadMethod(r io.Reader, t target.Target) (*Method, error) {
	var j jsonMethod
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMethod, err)
	}
	m, err := buildMethod(&j, t)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrInvalidMethod, j.Name, err)
	}
	if err := m.Validate(t); err != nil {
		return nil, err
	}
	return m, nil
}

func buildMethod(j *jsonMethod, t target.Target) (*Method, error) {
	m := NewMethod(j.Name)
	l := &methodLoader{t: t, m: m, byName: make(map[string]LclNum)}
	for _, f := range j.Flags {
		flag, ok := methodFlagNames[f]
		if !ok {
			return nil, fmt.Errorf("unknown flag %q", f)
		}
		m.Flags |= flag
	}
	m.OutgoingArgSize = j.OutgoingArgSize
	if j.RetType != "" {
		rt, err := ParseVarType(j.RetType)
		if err != nil {
			return nil, err
		}
		m.RetType = rt
	}
	for i := range j.Locals {
		if err := l.addLocal(&j.Locals[i]); err != nil {
			return nil, err
		}
	}
	var err error
	if m.GenericContext, err = l.lcl(j.GenericContext); err != nil {
		return nil, err
	}
	for i := range j.Exprs {
		e, err := l.expr(&j.Exprs[i])
		if err != nil {
			return nil, fmt.Errorf("expr %d: %w", i, err)
		}
		m.AddExpr(e)
	}
	for bi := range j.Blocks {
		jb := &j.Blocks[bi]
		kind, ok := blockKindNames[jb.Kind]
		if !ok {
			return nil, fmt.Errorf("block %d: unknown kind %q", bi, jb.Kind)
		}
		b := NewBlock(kind)
		for _, name := range jb.LiveIn {
			lcl, err := l.lcl(name)
			if err != nil {
				return nil, fmt.Errorf("block %d: %w", bi, err)
			}
			b.LiveIn = append(b.LiveIn, lcl)
		}
		b.Funclet = optIndex(jb.Funclet)
		b.FuncletEntry = jb.FuncletEntry
		b.ClonedFinallyBegin, b.ClonedFinallyEnd = jb.ClonedFinallyBegin, jb.ClonedFinallyEnd
		nodes := make([]Node, len(jb.Nodes))
		for ni := range jb.Nodes {
			if nodes[ni], err = l.node(&jb.Nodes[ni]); err != nil {
				return nil, fmt.Errorf("block %d node %d: %w", bi, ni, err)
			}
		}
		m.AddBlock(b, nodes...)
	}
	for i := range j.Regions {
		jr := &j.Regions[i]
		kind, ok := ehKindByName[jr.Kind]
		if !ok {
			return nil, fmt.Errorf("region %d: unknown kind %q", i, jr.Kind)
		}
		r := NewRegion(kind, BlockID(jr.Try[0]), BlockID(jr.Try[1]), BlockID(jr.Handler[0]), BlockID(jr.Handler[1]))
		r.FilterBeg = BlockID(optIndex(jr.Filter))
		r.EnclosingTry = optIndex(jr.EnclosingTry)
		r.EnclosingHnd = optIndex(jr.EnclosingHnd)
		r.CatchType = jr.CatchType
		m.AddRegion(r)
	}
	return m, nil
}
