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

	"github.com/google/uuid"
	"github.com/launix-de/go-mysqlstack/xlog"

	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/target"
)

// Result is everything the runtime needs to install a compiled method.
type Result struct {
	ID          uuid.UUID
	Method      string
	Target      string
	Code        []byte // nil when the encoder only measures
	CodeSize    uint32
	PrologSize  uint32
	EpilogSizes []uint32
	GCInfo      []byte
	EH          []EHClause
	Unwind      []UnwindInfo
	Frame       FrameLayout
	Listing     []string
	Relocs      []emit.Reloc
	Fallback    bool // compiled by the conservative retry
}

type options struct {
	encoder func(target.Target) (emit.Encoder, error)
	log     *xlog.Log
	trace   *Tracefile
}

type Option func(*options)

// WithEncoder replaces the encoder factory, e.g. to force a Listing.
func WithEncoder(f func(target.Target) (emit.Encoder, error)) Option {
	return func(o *options) { o.encoder = f }
}

func WithLogger(l *xlog.Log) Option {
	return func(o *options) { o.log = l }
}

// WithTrace records every compilation phase into a chrome trace.
func WithTrace(t *Tracefile) Option {
	return func(o *options) { o.trace = t }
}

// ListingEncoder is an encoder factory for the target independent listing.
func ListingEncoder(t target.Target) (emit.Encoder, error) {
	return emit.NewListing(t), nil
}

// NewEncoder returns the machine code encoder for amd64 and the listing
// encoder for every other target.
func NewEncoder(t target.Target) (emit.Encoder, error) {
	if t.Name() == "amd64" {
		return emit.NewAsmEncoder()
	}
	return emit.NewListing(t), nil
}

// Compile generates prolog, body, epilogs and all runtime tables for one
// method. Internal errors abort the method and are returned, never
// propagated as panics. A policy fallback is retried exactly once with
// conservative settings.
func Compile(m *Method, t target.Target, s Settings, opts ...Option) (*Result, error) {
	o := options{encoder: NewEncoder}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = s.Logger()
	}
	if err := m.Validate(t); err != nil {
		return nil, err
	}
	res, err := compileOnce(m, t, s, &o)
	if errors.Is(err, ErrPolicyFallback) {
		o.log.Warning("jit %s: %v, retrying with conservative settings", m.Name, err)
		res, err = compileOnce(m, t, s.Conservative(), &o)
		switch {
		case err == nil:
			res.Fallback = true
		case errors.Is(err, ErrPolicyFallback):
			err = InternalError{Phase: PhaseLayout, Method: m.Name, Msg: "conservative retry asked for another fallback"}
		}
	}
	if err != nil {
		o.log.Error("jit %s: %v", m.Name, err)
		return nil, err
	}
	return res, nil
}

func compileOnce(m *Method, t target.Target, s Settings, o *options) (res *Result, err error) {
	enc, err := o.encoder(t)
	if err != nil {
		return nil, err
	}
	c := newContext(m, t, s, enc, o.log)
	if o.trace != nil {
		c.trace = o.trace
		c.tid = o.trace.newTid()
		defer func() {
			if c.phase != PhaseDone {
				c.trace.EventHalf(c.phase.String(), "jit", "E", c.tid, 0)
			}
		}()
	}
	defer recoverCompile(c, &err)

	c.enter(PhaseLayout)
	if s.StressFallback {
		requestFallback("stress mode")
	}
	c.freeze(buildFrame(c))
	c.logFrame(c.frame)
	c.live = newLiveTracker(c)
	c.gc = newGCRecorder(c)
	c.unwind = &unwindBuilder{}

	c.enter(PhaseProlog)
	c.blockLabel = make([]emit.Label, len(m.Blocks))
	for i := range m.Blocks {
		c.blockLabel[i] = enc.NewLabel()
	}
	c.genProlog()

	c.enter(PhaseBody)
	c.genBody()

	c.enter(PhaseFinish)
	code, err := enc.Finish()
	if err != nil {
		return nil, fmt.Errorf("jit %s: %w", m.Name, err)
	}

	c.enter(PhaseTables)
	res = c.tables(code)
	c.enter(PhaseDone)
	return res, nil
}

func (c *Context) tables(code *emit.Code) *Result {
	m := c.Method
	res := &Result{
		ID:         c.ID,
		Method:     m.Name,
		Target:     c.Target.Name(),
		Code:       code.Bytes,
		CodeSize:   code.Size(),
		PrologSize: code.Offset(c.prologEnd),
		Frame:      *c.frame,
		Listing:    code.Listing,
		Relocs:     code.Relocs,
	}
	for _, e := range c.epilogs {
		res.EpilogSizes = append(res.EpilogSizes, code.Offset(e.end)-code.Offset(e.start))
	}
	offsets := make([]uint32, len(m.Blocks)+1)
	for i := range m.Blocks {
		offsets[i] = code.Offset(c.blockBegin[i])
	}
	offsets[len(m.Blocks)] = code.Size()
	eh, err := ReportEH(m, c.Settings.Funclets, offsets)
	if err != nil {
		panic(err)
	}
	res.EH = eh
	res.GCInfo = c.gc.encode(code)
	res.Unwind = c.unwind.finish(code)
	c.Log.Debug("jit %s [%s]: %d bytes, prolog %d, %d epilogs, %d EH clauses, %d bytes GC info",
		m.Name, c.ID, res.CodeSize, res.PrologSize, len(res.EpilogSizes), len(res.EH), len(res.GCInfo))
	return res
}

// liveIn converts a block's live-in list into a live set.
func (c *Context) liveIn(b *Block) LiveSet {
	s := NewLiveSet(len(c.tracked))
	for _, l := range b.LiveIn {
		s.Set(c.trackedIdx[l])
	}
	return s
}

func (c *Context) genBody() {
	m := c.Method
	c.blockBegin = make([]emit.Loc, len(m.Blocks))
	c.blockEnd = make([]emit.Loc, len(m.Blocks))
	c.gc.beginInterruptible(c.prologEnd)
	funclets := c.Settings.Funclets
	for i := range m.Blocks {
		b := &m.Blocks[i]
		c.blockBegin[i] = c.enc.CurrentLoc()
		c.enc.PlaceLabel(c.blockLabel[i])
		if funclets && b.FuncletEntry {
			c.genFuncletProlog(b.Funclet)
		}
		c.live.UpdateForNewLiveSet(c.liveIn(b))
		c.gc.snapshot()
		for _, id := range b.Nodes {
			c.genNode(id)
		}
		switch b.Kind {
		case BlockReturn:
			c.genEpilog(nil)
		case BlockHandlerReturn:
			if funclets && b.Funclet >= 0 {
				c.genFuncletEpilog()
			} else {
				c.emit(emit.Instr{Op: emit.OpRet})
			}
		}
		c.blockEnd[i] = c.enc.CurrentLoc()
	}
	c.gc.endInterruptible(c.enc.CurrentLoc())
}

func (c *Context) genNode(id NodeID) {
	n := &c.Method.Nodes[id]
	for _, in := range n.Instrs {
		c.emit(in)
	}
	switch n.Kind {
	case NodeCall:
		ci := n.Call
		if ci.Tail {
			c.live.UpdateForNode(id)
			c.genEpilog(ci)
			return
		}
		c.ins(emit.OpCall, ci.Target, emit.Operand{})
		c.live.KillCallTrash(c.Target.Volatile())
		c.live.UpdateForNode(id)
		c.gc.callSite(c.enc.CurrentLoc())
		if ci.ReturnReg.Valid() {
			c.live.MarkReturnValue(ci.ReturnReg, ci.ReturnKind)
		}
	case NodeSpill, NodeReload:
		c.genSpillReload(n)
		c.live.UpdateForNode(id)
	case NodeMem:
		c.genMem(n.Mem)
		c.live.UpdateForNode(id)
	default:
		c.live.UpdateForNode(id)
	}
	c.gc.snapshot()
}

// genSpillReload copies a local between its registers and its home.
func (c *Context) genSpillReload(n *Node) {
	t := c.Target
	v := c.local(n.Lcl)
	for half, r := range c.regsOf(n.Lcl) {
		size := t.PtrSize()
		if t.IsFloat(r) {
			size = TypeSize(v.Type, t.PtrSize())
		}
		home := emit.Local(int(n.Lcl), int64(half*t.PtrSize()))
		if n.Kind == NodeSpill {
			c.emit(emit.Instr{Op: emit.OpStore, Dst: home, Src: c.reg(r), Size: uint8(size), Comment: "spill " + v.Name})
		} else {
			c.emit(emit.Instr{Op: emit.OpLoad, Dst: c.reg(r), Src: home, Size: uint8(size), Comment: "reload " + v.Name})
		}
	}
}

// exprReg returns the register holding an address operand.
func (c *Context) exprReg(id ExprID) (target.Reg, bool) {
	if id == NoExpr {
		return target.RegNone, true
	}
	e := &c.Method.Exprs[id]
	switch e.Kind {
	case ExprReg:
		return e.Reg, true
	case ExprLcl:
		v := c.local(e.Lcl)
		if v.Reg.Valid() && !v.PartiallyEnregistered() && c.inRegister(e.Lcl) {
			return v.Reg, true
		}
	}
	return target.RegNone, false
}

// genMem emits a load, store or lea through the richest addressing mode
// whose operands already sit in registers.
func (c *Context) genMem(ma *MemAccess) {
	addr := emit.Mem(ma.AddrReg, 0)
	if ma.Addr != NoExpr {
		if mode, ok := SelectAddrMode(c.Method, c.Target, ma.Addr); ok {
			base, okb := c.exprReg(mode.Base)
			index, oki := c.exprReg(mode.Index)
			if okb && oki {
				addr = emit.MemIdx(base, index, mode.Scale, mode.Disp)
			}
		}
	}
	assert(addr.Base.Valid() || addr.Index.Valid(), "memory access without an address register")
	in := emit.Instr{Op: ma.Op, Size: ma.Size}
	if ma.Op == emit.OpStore {
		in.Dst, in.Src = addr, c.reg(ma.Reg)
	} else {
		in.Dst, in.Src = c.reg(ma.Reg), addr
	}
	c.emit(in)
}
