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
	"errors"
	"fmt"

	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/target"
)

/*
Method IR
=========

A Method is the arena of everything code generation consumes for one
method: locals with their register allocation, blocks in final layout
order, nodes in execution order, address expressions and EH regions. All
cross references are indexes into the arena slices (LclNum, BlockID,
NodeID, ExprID). Code generation reads the arena and never writes it, so a
method can be compiled again (policy fallback) or concurrently for
different targets.

Node kinds and their payload:

	NodeInstr      Instrs only, no liveness effect
	NodeDef        Lcl born (Death too: dead store)
	NodeUse        Lcl read, Death marks its last use
	NodeIndirAddr  access through the address of Lcl, DyingFields optional
	NodeCall       Call (arguments are set up by Instrs)
	NodeSpill      Lcl moves from its register to its frame home
	NodeReload     Lcl moves back into its register
	NodeMem        Mem: load/store/lea through an address expression
*/

type LclNum int32
type BlockID int32
type NodeID int32
type ExprID int32

const (
	NoLcl   LclNum  = -1
	NoBlock BlockID = -1
	NoExpr  ExprID  = -1
)

// ErrInvalidMethod is returned for method descriptions that violate the
// input contract.
var ErrInvalidMethod = errors.New("invalid method")

type LocalVar struct {
	Name     string
	Type     VarType
	Size     int      // bytes, structs only
	GCLayout []GCKind // structs: kind of every pointer sized slot

	IsParam   bool
	ArgReg    target.Reg // incoming register, RegNone when passed on the stack
	ArgReg2   target.Reg // second incoming register of a wide or two-register value
	ArgOffset int        // stack passed: offset inside the incoming argument area
	PreSpill  bool       // spilled next to the stack arguments by the prolog

	// register allocation
	Tracked     bool
	Reg         target.Reg // RegNone when the local lives on the frame only
	Reg2        target.Reg // second register of a pair; RegStack when that half is on the frame
	OnFrame     bool       // has a frame home
	MustInit    bool
	AddrExposed bool
	IsTemp      bool

	Promoted           bool
	DependentPromotion bool     // fields are reported through the parent
	Fields             []LclNum // promoted fields
	Parent             LclNum
	FieldOffset        int
}

// NewLocal returns a local without register or frame assignment.
func NewLocal(name string, t VarType) LocalVar {
	return LocalVar{
		Name:    name,
		Type:    t,
		ArgReg:  target.RegNone,
		ArgReg2: target.RegNone,
		Reg:     target.RegNone,
		Reg2:    target.RegNone,
		Parent:  NoLcl,
	}
}

// NewParam returns a parameter arriving in reg (RegNone: on the stack).
func NewParam(name string, t VarType, reg target.Reg) LocalVar {
	v := NewLocal(name, t)
	v.IsParam = true
	v.ArgReg = reg
	return v
}

func (v *LocalVar) ByteSize(ptrSize int) int {
	if v.Type == TypeStruct {
		return v.Size
	}
	return TypeSize(v.Type, ptrSize)
}

func (v *LocalVar) Enregistered() bool {
	return v.Reg.Valid()
}

// PartiallyEnregistered: low half in a register, high half on the frame.
func (v *LocalVar) PartiallyEnregistered() bool {
	return v.Reg.Valid() && v.Reg2 == target.RegStack
}

// GCSlots returns the collector kind of every pointer sized slot.
func (v *LocalVar) GCSlots(ptrSize int) []GCKind {
	if v.Type == TypeStruct {
		return v.GCLayout
	}
	if k := GCKindOf(v.Type); k != GCNone {
		return []GCKind{k}
	}
	return nil
}

func (v *LocalVar) GCCount(ptrSize int) (n int) {
	for _, k := range v.GCSlots(ptrSize) {
		if k != GCNone {
			n++
		}
	}
	return
}

type NodeKind uint8

const (
	NodeInstr NodeKind = iota
	NodeDef
	NodeUse
	NodeIndirAddr
	NodeCall
	NodeSpill
	NodeReload
	NodeMem
)

var nodeKindNames = [...]string{"instr", "def", "use", "indir", "call", "spill", "reload", "mem"}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return fmt.Sprintf("node%d", k)
}

type Node struct {
	Kind        NodeKind
	Lcl         LclNum
	Birth       bool
	Death       bool
	DyingFields []LclNum // NodeIndirAddr: only these fields die
	Instrs      []emit.Instr
	Call        *CallInfo
	Mem         *MemAccess
}

type CallInfo struct {
	Target     emit.Operand // sym or reg
	Tail       bool
	ReturnReg  target.Reg // RegNone for void
	ReturnKind GCKind
	ArgRegs    target.RegMask // outgoing argument registers still live at a tail call
}

type MemAccess struct {
	Op      emit.Op    // OpLoad, OpStore or OpLea
	Reg     target.Reg // loaded/stored register
	Addr    ExprID
	Size    uint8
	AddrReg target.Reg // holds the evaluated address when Addr cannot be folded
}

func InstrNode(instrs ...emit.Instr) Node {
	return Node{Kind: NodeInstr, Lcl: NoLcl, Instrs: instrs}
}

func DefNode(lcl LclNum, instrs ...emit.Instr) Node {
	return Node{Kind: NodeDef, Lcl: lcl, Birth: true, Instrs: instrs}
}

// DeadStoreNode defines lcl with a value nobody reads.
func DeadStoreNode(lcl LclNum, instrs ...emit.Instr) Node {
	return Node{Kind: NodeDef, Lcl: lcl, Birth: true, Death: true, Instrs: instrs}
}

func UseNode(lcl LclNum, last bool, instrs ...emit.Instr) Node {
	return Node{Kind: NodeUse, Lcl: lcl, Death: last, Instrs: instrs}
}

func IndirNode(lcl LclNum, dying []LclNum, last bool, instrs ...emit.Instr) Node {
	return Node{Kind: NodeIndirAddr, Lcl: lcl, Death: last, DyingFields: dying, Instrs: instrs}
}

func CallNode(ci CallInfo, instrs ...emit.Instr) Node {
	return Node{Kind: NodeCall, Lcl: NoLcl, Call: &ci, Instrs: instrs}
}

func SpillNode(lcl LclNum) Node {
	return Node{Kind: NodeSpill, Lcl: lcl}
}

func ReloadNode(lcl LclNum) Node {
	return Node{Kind: NodeReload, Lcl: lcl}
}

func MemNode(ma MemAccess) Node {
	return Node{Kind: NodeMem, Lcl: NoLcl, Mem: &ma}
}

func (n *Node) validate(m *Method) error {
	needsLcl := false
	switch n.Kind {
	case NodeInstr:
	case NodeDef:
		if !n.Birth {
			return fmt.Errorf("def node without birth")
		}
		needsLcl = true
	case NodeUse, NodeIndirAddr, NodeSpill, NodeReload:
		needsLcl = true
	case NodeCall:
		if n.Call == nil {
			return fmt.Errorf("call node without call info")
		}
	case NodeMem:
		if n.Mem == nil {
			return fmt.Errorf("mem node without access")
		}
		if n.Mem.Addr == NoExpr {
			if !n.Mem.AddrReg.Valid() {
				return fmt.Errorf("mem node without address")
			}
		} else if int(n.Mem.Addr) < 0 || int(n.Mem.Addr) >= len(m.Exprs) {
			return fmt.Errorf("mem node: expression %d out of range", n.Mem.Addr)
		}
	default:
		return fmt.Errorf("unknown node kind %d", n.Kind)
	}
	if needsLcl && (n.Lcl < 0 || int(n.Lcl) >= len(m.Locals)) {
		return fmt.Errorf("%s node: local %d out of range", n.Kind, n.Lcl)
	}
	if n.Kind != NodeCall && n.Call != nil || n.Kind != NodeMem && n.Mem != nil {
		return fmt.Errorf("%s node carries a foreign payload", n.Kind)
	}
	if n.DyingFields != nil && n.Kind != NodeIndirAddr {
		return fmt.Errorf("%s node carries dying fields", n.Kind)
	}
	for _, f := range n.DyingFields {
		if f < 0 || int(f) >= len(m.Locals) || m.Locals[f].Parent != n.Lcl {
			return fmt.Errorf("dying field %d is not a field of %d", f, n.Lcl)
		}
	}
	return nil
}

type BlockKind uint8

const (
	BlockNormal        BlockKind = iota
	BlockReturn                  // ends with the epilog
	BlockTailCall                // last node is a tail call
	BlockThrow                   // ends in a call that does not return
	BlockHandlerReturn           // leaves a handler (endfinally, end of catch)
)

type Block struct {
	Kind   BlockKind
	Nodes  []NodeID
	LiveIn []LclNum // tracked locals live on entry, computed by dataflow

	Funclet      int  // region whose handler or filter contains the block, -1 for the main body
	FuncletEntry bool // first block of a handler or filter

	ClonedFinallyBegin bool
	ClonedFinallyEnd   bool
}

func NewBlock(kind BlockKind, liveIn ...LclNum) Block {
	return Block{Kind: kind, LiveIn: liveIn, Funclet: -1}
}

type EHKind uint8

const (
	EHCatch EHKind = iota
	EHFinally
	EHFault
	EHFilter
)

var ehKindNames = [...]string{"catch", "finally", "fault", "filter"}

func (k EHKind) String() string {
	if int(k) < len(ehKindNames) {
		return ehKindNames[k]
	}
	return fmt.Sprintf("eh%d", k)
}

// EHRegion is one try with its handler. Regions are ordered innermost
// first: an enclosing region always has a higher index.
type EHRegion struct {
	Kind         EHKind
	TryBeg       BlockID
	TryLast      BlockID
	HndBeg       BlockID
	HndLast      BlockID
	FilterBeg    BlockID // EHFilter only
	EnclosingTry int     // innermost region whose try contains this region, -1
	EnclosingHnd int     // innermost region whose handler contains this region, -1
	CatchType    uint32
}

func NewRegion(kind EHKind, tryBeg, tryLast, hndBeg, hndLast BlockID) EHRegion {
	return EHRegion{
		Kind: kind, TryBeg: tryBeg, TryLast: tryLast, HndBeg: hndBeg, HndLast: hndLast,
		FilterBeg: NoBlock, EnclosingTry: -1, EnclosingHnd: -1,
	}
}

// MutualProtect reports whether two regions guard the identical try range.
func (r *EHRegion) MutualProtect(o *EHRegion) bool {
	return r.TryBeg == o.TryBeg && r.TryLast == o.TryLast
}

func (r *EHRegion) HandlerStart() BlockID {
	if r.Kind == EHFilter && r.FilterBeg != NoBlock {
		return r.FilterBeg
	}
	return r.HndBeg
}

type ExprKind uint8

const (
	ExprConst ExprKind = iota
	ExprLcl
	ExprReg
	ExprAdd
	ExprMul
	ExprLsh
)

type Expr struct {
	Kind         ExprKind
	Type         VarType
	A, B         ExprID
	Const        int64
	Lcl          LclNum
	Reg          target.Reg
	Overflow     bool // checked arithmetic
	RangeChecked bool // array index proven in range
}

type MethodFlags uint32

const (
	FlagInitLocals MethodFlags = 1 << iota
	FlagUnmanagedCalls
	FlagLocalloc
	FlagVarargs
	FlagUnsafeBuffers // needs the security cookie
)

type Method struct {
	Name            string
	Locals          []LocalVar
	Blocks          []Block
	Nodes           []Node
	Exprs           []Expr
	Regions         []EHRegion
	Flags           MethodFlags
	GenericContext  LclNum // reported at a fixed frame slot, NoLcl if none
	OutgoingArgSize int    // stack bytes for outgoing call arguments
	RetType         VarType
}

func NewMethod(name string) *Method {
	return &Method{Name: name, GenericContext: NoLcl}
}

func (m *Method) AddLocal(v LocalVar) LclNum {
	m.Locals = append(m.Locals, v)
	return LclNum(len(m.Locals) - 1)
}

// AddStruct adds a promoted struct and its fields. The fields are
// scalar locals laid out at their offsets inside the parent.
func (m *Method) AddStruct(parent LocalVar, fields ...LocalVar) (LclNum, []LclNum) {
	parent.Promoted = len(fields) > 0
	p := m.AddLocal(parent)
	ids := make([]LclNum, len(fields))
	for i, f := range fields {
		f.Parent = p
		ids[i] = m.AddLocal(f)
	}
	m.Locals[p].Fields = ids
	return p, ids
}

func (m *Method) AddNode(n Node) NodeID {
	m.Nodes = append(m.Nodes, n)
	return NodeID(len(m.Nodes) - 1)
}

// AddBlock appends a block that owns the given nodes.
func (m *Method) AddBlock(b Block, nodes ...Node) BlockID {
	for _, n := range nodes {
		b.Nodes = append(b.Nodes, m.AddNode(n))
	}
	m.Blocks = append(m.Blocks, b)
	return BlockID(len(m.Blocks) - 1)
}

func (m *Method) AddExpr(e Expr) ExprID {
	m.Exprs = append(m.Exprs, e)
	return ExprID(len(m.Exprs) - 1)
}

func (m *Method) AddRegion(r EHRegion) int {
	m.Regions = append(m.Regions, r)
	return len(m.Regions) - 1
}

func (m *Method) HasCalls() bool {
	for i := range m.Nodes {
		if m.Nodes[i].Kind == NodeCall {
			return true
		}
		for _, in := range m.Nodes[i].Instrs {
			if in.Op == emit.OpCall {
				return true
			}
		}
	}
	return false
}

func (m *Method) HasFunclets() bool {
	for i := range m.Blocks {
		if m.Blocks[i].Funclet >= 0 {
			return true
		}
	}
	return false
}

func (m *Method) regOK(t target.Target, r target.Reg, allowStack bool) bool {
	if r == target.RegNone || allowStack && r == target.RegStack {
		return true
	}
	return r.Valid() && int(r) < t.NumRegs() && r != t.SP()
}

// Validate checks the structural input contract. Register allocation
// conflicts that need the frame decisions are checked later and are
// internal errors.
func (m *Method) Validate(t target.Target) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w %s: %s", ErrInvalidMethod, m.Name, fmt.Sprintf(format, args...))
	}
	ptr := t.PtrSize()
	for i := range m.Locals {
		v := &m.Locals[i]
		if !m.regOK(t, v.Reg, false) || !m.regOK(t, v.Reg2, true) || !m.regOK(t, v.ArgReg, false) || !m.regOK(t, v.ArgReg2, false) {
			return bad("local %d (%s): bad register", i, v.Name)
		}
		if !v.Reg.Valid() && !v.OnFrame {
			return bad("local %d (%s) has neither a register nor a frame slot", i, v.Name)
		}
		if v.Reg2 == target.RegStack && !v.OnFrame {
			return bad("local %d (%s) is partially enregistered without a frame slot", i, v.Name)
		}
		if v.Reg2 != target.RegNone && !v.Reg.Valid() {
			return bad("local %d (%s): second register without a first", i, v.Name)
		}
		if v.Type == TypeStruct {
			if v.Size <= 0 {
				return bad("struct local %d (%s) without size", i, v.Name)
			}
			if len(v.GCLayout) > SlotCount(v.Size, ptr) {
				return bad("struct local %d (%s): gc layout exceeds size", i, v.Name)
			}
		} else if len(v.GCLayout) > 0 {
			return bad("scalar local %d (%s) with gc layout", i, v.Name)
		}
		if v.PreSpill && (!t.PreSpillsArgs() || !v.ArgReg.Valid()) {
			return bad("local %d (%s): pre-spill not possible", i, v.Name)
		}
		for _, f := range v.Fields {
			if f < 0 || int(f) >= len(m.Locals) || m.Locals[f].Parent != LclNum(i) {
				return bad("local %d (%s): field %d does not point back", i, v.Name, f)
			}
		}
		if v.Parent != NoLcl && (v.Parent < 0 || int(v.Parent) >= len(m.Locals)) {
			return bad("local %d (%s): parent out of range", i, v.Name)
		}
	}
	if m.GenericContext != NoLcl && (m.GenericContext < 0 || int(m.GenericContext) >= len(m.Locals)) {
		return bad("generic context local out of range")
	}
	if len(m.Blocks) == 0 {
		return bad("no blocks")
	}
	seen := make([]bool, len(m.Nodes))
	for bi := range m.Blocks {
		b := &m.Blocks[bi]
		for _, id := range b.Nodes {
			if id < 0 || int(id) >= len(m.Nodes) {
				return bad("block %d: node %d out of range", bi, id)
			}
			if seen[id] {
				return bad("node %d appears twice", id)
			}
			seen[id] = true
		}
		for _, l := range b.LiveIn {
			if l < 0 || int(l) >= len(m.Locals) || !m.Locals[l].Tracked {
				return bad("block %d: live-in local %d is not tracked", bi, l)
			}
		}
		if b.Funclet >= len(m.Regions) {
			return bad("block %d: funclet region %d out of range", bi, b.Funclet)
		}
		if b.Kind == BlockTailCall {
			if len(b.Nodes) == 0 {
				return bad("block %d: tail call block without a call", bi)
			}
			last := m.Nodes[b.Nodes[len(b.Nodes)-1]]
			if last.Kind != NodeCall || !last.Call.Tail {
				return bad("block %d: tail call block does not end in a tail call", bi)
			}
		}
	}
	for i := range m.Nodes {
		if err := m.Nodes[i].validate(m); err != nil {
			return bad("node %d: %v", i, err)
		}
	}
	for i := range m.Exprs {
		e := &m.Exprs[i]
		switch e.Kind {
		case ExprAdd, ExprMul, ExprLsh:
			if e.A < 0 || int(e.A) >= i || e.B < 0 || int(e.B) >= i {
				return bad("expr %d: operands must precede it", i)
			}
		case ExprLcl:
			if e.Lcl < 0 || int(e.Lcl) >= len(m.Locals) {
				return bad("expr %d: local out of range", i)
			}
		}
	}
	nb := BlockID(len(m.Blocks))
	inRange := func(b BlockID) bool { return b >= 0 && b < nb }
	for i := range m.Regions {
		r := &m.Regions[i]
		if !inRange(r.TryBeg) || !inRange(r.TryLast) || !inRange(r.HndBeg) || !inRange(r.HndLast) {
			return bad("region %d: block out of range", i)
		}
		if r.TryBeg > r.TryLast || r.HndBeg > r.HndLast {
			return bad("region %d: empty range", i)
		}
		if r.Kind == EHFilter && !inRange(r.FilterBeg) {
			return bad("region %d: filter without filter block", i)
		}
		if r.EnclosingTry >= len(m.Regions) || r.EnclosingHnd >= len(m.Regions) ||
			r.EnclosingTry >= 0 && r.EnclosingTry <= i || r.EnclosingHnd >= 0 && r.EnclosingHnd <= i {
			return bad("region %d: enclosing region must follow it", i)
		}
	}
	return nil
}
