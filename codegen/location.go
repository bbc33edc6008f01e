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
	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/target"
)

type LocKind uint8

const (
	LocNone     LocKind = iota
	LocReg              // one register
	LocRegPair          // wide value in two registers
	LocRegStack         // low half in Reg, high half on the frame
	LocStack            // frame home only
)

// VarLoc is where a local lives at the current point of emission.
type VarLoc struct {
	Kind LocKind
	Reg  target.Reg
	Reg2 target.Reg
	Base target.Reg // frame home, LocStack and LocRegStack
	Disp int64
}

// regsOf lists the registers assigned to a local, ignoring spills.
func (c *Context) regsOf(lcl LclNum) []target.Reg {
	v := c.local(lcl)
	var result []target.Reg
	if v.Reg.Valid() {
		result = append(result, v.Reg)
	}
	if v.Reg2.Valid() {
		result = append(result, v.Reg2)
	}
	return result
}

// gcKindOfLocal is the kind reported for a tracked local. Structs report
// their GC slots frame wide instead.
func (c *Context) gcKindOfLocal(lcl LclNum) GCKind {
	v := c.local(lcl)
	if v.Type == TypeStruct {
		return GCNone
	}
	return GCKindOf(v.Type)
}

func (c *Context) inRegister(lcl LclNum) bool {
	if c.live != nil {
		return c.live.InRegister(lcl)
	}
	return c.local(lcl).Enregistered()
}

// LocationMask returns the registers a local currently occupies. A
// promoted struct occupies the registers of its fields.
func (c *Context) LocationMask(lcl LclNum) target.RegMask {
	v := c.local(lcl)
	if v.Promoted && len(v.Fields) > 0 {
		var m target.RegMask
		for _, f := range v.Fields {
			m |= c.LocationMask(f)
		}
		return m
	}
	if !c.inRegister(lcl) {
		return 0
	}
	return target.MaskOf(c.regsOf(lcl)...)
}

func (c *Context) VarLocation(lcl LclNum) VarLoc {
	v := c.local(lcl)
	loc := VarLoc{Reg: target.RegNone, Reg2: target.RegNone, Base: target.RegNone}
	if v.OnFrame && c.frame != nil {
		loc.Base, loc.Disp = c.FrameAddress(lcl)
	}
	switch {
	case !c.inRegister(lcl):
		if v.OnFrame {
			loc.Kind = LocStack
		}
	case v.PartiallyEnregistered():
		loc.Kind, loc.Reg = LocRegStack, v.Reg
	case v.Reg2.Valid():
		loc.Kind, loc.Reg, loc.Reg2 = LocRegPair, v.Reg, v.Reg2
	default:
		loc.Kind, loc.Reg = LocReg, v.Reg
	}
	return loc
}

// FrameAddress returns base register and displacement of a local's frame
// home.
func (c *Context) FrameAddress(lcl LclNum) (target.Reg, int64) {
	f := c.Frame()
	off, ok := f.LocalOffset(lcl)
	assert(ok, "local %d (%s) has no frame home", lcl, c.local(lcl).Name)
	return f.Addr(off)
}

func (c *Context) resolve(o emit.Operand) emit.Operand {
	if o.Kind != emit.KindLocal {
		return o
	}
	base, disp := c.FrameAddress(LclNum(o.Lcl))
	return emit.Mem(base, disp+o.Disp)
}

// homeOperand addresses the frame home of a local plus an offset.
func (c *Context) homeOperand(lcl LclNum, disp int) emit.Operand {
	return emit.Local(int(lcl), int64(disp))
}
