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
	"fmt"

	"github.com/google/uuid"
	"github.com/launix-de/go-mysqlstack/xlog"

	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/target"
)

// Phase orders the stages of one compilation. A stage may only read what
// earlier stages produced.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseLayout
	PhaseFrozen // frame layout final, offsets may be emitted
	PhaseProlog
	PhaseBody
	PhaseFinish
	PhaseTables
	PhaseDone
)

var phaseNames = [...]string{"init", "layout", "frozen", "prolog", "body", "finish", "tables", "done"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase%d", p)
}

type locRange struct {
	start, end emit.Loc
}

// Context is the state of one method compilation. It is created per
// attempt and owned by the goroutine compiling the method.
type Context struct {
	ID       uuid.UUID
	Method   *Method
	Target   target.Target
	Settings Settings
	Log      *xlog.Log

	phase Phase
	trace *Tracefile
	tid   int
	enc   emit.Encoder

	frame  *FrameLayout
	homing *homingPlan
	live   *LiveTracker
	gc     *gcRecorder
	unwind *unwindBuilder

	trackedIdx []int // per local, -1 when untracked
	tracked    []LclNum

	blockLabel []emit.Label
	blockBegin []emit.Loc
	blockEnd   []emit.Loc
	prologEnd  emit.Loc
	epilogs    []locRange
	funclets   []funcletRange
}

type funcletRange struct {
	region    int
	start     emit.Loc
	prologEnd emit.Loc
	end       emit.Loc
}

func newContext(m *Method, t target.Target, s Settings, enc emit.Encoder, log *xlog.Log) *Context {
	id, err := uuid.NewRandom()
	if err != nil {
		id = uuid.Nil
	}
	c := &Context{ID: id, Method: m, Target: t, Settings: s, Log: log, enc: enc}
	c.trackedIdx = make([]int, len(m.Locals))
	for i := range m.Locals {
		c.trackedIdx[i] = -1
		if m.Locals[i].Tracked {
			c.trackedIdx[i] = len(c.tracked)
			c.tracked = append(c.tracked, LclNum(i))
		}
	}
	return c
}

func (c *Context) Phase() Phase {
	return c.phase
}

func (c *Context) enter(p Phase) {
	assert(p > c.phase, "phase %s entered after %s", p, c.phase)
	if c.trace != nil {
		if c.phase != PhaseInit {
			c.trace.EventHalf(c.phase.String(), "jit", "E", c.tid, 0)
		}
		if p != PhaseDone {
			c.trace.EventHalf(p.String(), "jit", "B", c.tid, 0)
		}
	}
	c.Log.Debug("jit %s [%s]: %s", c.Method.Name, c.ID, p)
	c.phase = p
}

// Frame returns the finalized frame layout. Reading it before the frame
// builder froze it is an internal error.
func (c *Context) Frame() FrameLayout {
	assert(c.phase >= PhaseFrozen && c.frame != nil, "frame layout read before it was finalized")
	return *c.frame
}

func (c *Context) freeze(f *FrameLayout) {
	assert(c.phase == PhaseLayout, "frame layout finalized in phase %s", c.phase)
	assert(c.frame == nil, "frame layout computed twice")
	c.frame = f
	c.enter(PhaseFrozen)
}

func (c *Context) local(l LclNum) *LocalVar {
	return &c.Method.Locals[l]
}

// TrackedIndex returns the live set bit of a local, -1 if untracked.
func (c *Context) TrackedIndex(l LclNum) int {
	return c.trackedIdx[l]
}

func (c *Context) emit(in emit.Instr) emit.Loc {
	in.Dst = c.resolve(in.Dst)
	in.Src = c.resolve(in.Src)
	in.Src2 = c.resolve(in.Src2)
	return c.enc.Emit(in)
}

func (c *Context) ins(op emit.Op, dst, src emit.Operand) emit.Loc {
	return c.emit(emit.Instr{Op: op, Dst: dst, Src: src})
}

func (c *Context) ins3(op emit.Op, dst, src, src2 emit.Operand) emit.Loc {
	return c.emit(emit.Instr{Op: op, Dst: dst, Src: src, Src2: src2})
}

func (c *Context) sized(op emit.Op, size int, dst, src emit.Operand) emit.Loc {
	return c.emit(emit.Instr{Op: op, Dst: dst, Src: src, Size: uint8(size)})
}
