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
	"math"

	"github.com/launix-de/jitcore/target"
)

// AddrMode is a folded address: Base + Index*Scale + Disp. Base and Index
// are expression ids of the operands left for the register allocator,
// NoExpr when absent.
type AddrMode struct {
	Base  ExprID
	Index ExprID
	Scale int
	Disp  int64
}

func (a AddrMode) String() string {
	return fmt.Sprintf("[e%d + e%d*%d + %d]", a.Base, a.Index, a.Scale, a.Disp)
}

type addrTerm struct {
	expr  ExprID
	scale int
}

type addrFolder struct {
	m     *Method
	t     target.Target
	disp  int64
	terms []addrTerm
}

func addOverflows(a, b int64) bool {
	s := a + b
	return (a > 0 && b > 0 && s < 0) || (a < 0 && b < 0 && s >= 0)
}

// scaleOf peels multiplications by a power of two and small left shifts
// off an expression. It returns the unscaled operand and the factor.
func (a *addrFolder) scaleOf(id ExprID) (ExprID, int64) {
	factor := int64(1)
	for {
		e := &a.m.Exprs[id]
		if e.Overflow {
			return id, factor
		}
		var k int64
		var inner ExprID
		switch e.Kind {
		case ExprMul:
			switch {
			case a.m.Exprs[e.B].Kind == ExprConst:
				k, inner = a.m.Exprs[e.B].Const, e.A
			case a.m.Exprs[e.A].Kind == ExprConst:
				k, inner = a.m.Exprs[e.A].Const, e.B
			default:
				return id, factor
			}
			if k <= 0 || k&(k-1) != 0 {
				return id, factor
			}
		case ExprLsh:
			b := &a.m.Exprs[e.B]
			if b.Kind != ExprConst || b.Const < 0 || b.Const > 3 {
				return id, factor
			}
			k, inner = 1<<b.Const, e.A
		default:
			return id, factor
		}
		if factor*k > 8 {
			return id, factor
		}
		factor *= k
		id = inner
	}
}

// flatten splits an address into a displacement and up to two
// non-constant terms. It returns false when the address has to be
// computed into a register.
func (a *addrFolder) flatten(root ExprID) bool {
	work := []ExprID{root}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		e := &a.m.Exprs[id]
		if e.Overflow {
			return false
		}
		switch e.Kind {
		case ExprConst:
			if addOverflows(a.disp, e.Const) {
				return false
			}
			a.disp += e.Const
		case ExprAdd:
			work = append(work, e.B, e.A)
		default:
			if folded, ok := a.foldConstIndex(id); ok {
				if addOverflows(a.disp, folded) {
					return false
				}
				a.disp += folded
				continue
			}
			inner, factor := a.scaleOf(id)
			if !a.t.LegalScale(int(factor)) {
				inner, factor = id, 1
			}
			a.terms = append(a.terms, addrTerm{inner, int(factor)})
			if len(a.terms) > 2 {
				return false
			}
		}
	}
	return true
}

// foldConstIndex folds a scaled constant whose range was already checked,
// e.g. a constant array index times the element size.
func (a *addrFolder) foldConstIndex(id ExprID) (int64, bool) {
	e := &a.m.Exprs[id]
	if !e.RangeChecked || e.Kind != ExprMul {
		return 0, false
	}
	x, y := &a.m.Exprs[e.A], &a.m.Exprs[e.B]
	if x.Kind != ExprConst || y.Kind != ExprConst {
		return 0, false
	}
	for _, v := range []int64{x.Const, y.Const} {
		if v > math.MaxInt32 || v < math.MinInt32 {
			return 0, false
		}
	}
	return x.Const * y.Const, true
}

func (a *addrFolder) isGC(id ExprID) bool {
	return GCKindOf(a.m.Exprs[id].Type) != GCNone
}

// SelectAddrMode folds an address expression into the richest addressing
// mode the target supports. It never changes the computed address: on
// any doubt (checked arithmetic, displacement overflow, more than two
// register operands, an encoding the target rejects) it returns false and
// the caller computes the address into a register.
func SelectAddrMode(m *Method, t target.Target, root ExprID) (AddrMode, bool) {
	none := AddrMode{Base: NoExpr, Index: NoExpr}
	if root < 0 || int(root) >= len(m.Exprs) {
		return none, false
	}
	a := &addrFolder{m: m, t: t}
	if !a.flatten(root) {
		return none, false
	}
	mode := AddrMode{Base: NoExpr, Index: NoExpr, Scale: 1, Disp: a.disp}
	switch len(a.terms) {
	case 0:
	case 1:
		tm := a.terms[0]
		if tm.scale == 1 {
			mode.Base = tm.expr
		} else {
			mode.Index, mode.Scale = tm.expr, tm.scale
			if !t.AddrModeLegal(false, true, tm.scale, mode.Disp) {
				// materialize the scaled value, use it as base
				mode.Base, mode.Index, mode.Scale = a.scaledRoot(root, tm), NoExpr, 1
				if mode.Base == NoExpr {
					return none, false
				}
			}
		}
	case 2:
		x, y := a.terms[0], a.terms[1]
		if x.scale != 1 && y.scale != 1 {
			// only one operand can be scaled, the other is computed whole
			x = addrTerm{a.scaledRoot(root, x), 1}
			if x.expr == NoExpr {
				return none, false
			}
		}
		if x.scale != 1 {
			x, y = y, x
		}
		mode.Base, mode.Index, mode.Scale = x.expr, y.expr, y.scale
		// the base should carry the GC pointer
		if mode.Scale == 1 && a.isGC(mode.Index) && !a.isGC(mode.Base) {
			mode.Base, mode.Index = mode.Index, mode.Base
		}
	}
	hasBase, hasIndex := mode.Base != NoExpr, mode.Index != NoExpr
	if !t.AddrModeLegal(hasBase, hasIndex, mode.Scale, mode.Disp) {
		return none, false
	}
	if !hasIndex {
		mode.Scale = 0
	}
	return mode, true
}

// scaledRoot finds the expression that computes term tm scaled, so the
// whole product can act as a base register.
func (a *addrFolder) scaledRoot(root ExprID, tm addrTerm) ExprID {
	work := []ExprID{root}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		e := &a.m.Exprs[id]
		if e.Kind == ExprAdd {
			work = append(work, e.B, e.A)
			continue
		}
		if e.Kind == ExprConst {
			continue
		}
		if inner, factor := a.scaleOf(id); inner == tm.expr && int(factor) == tm.scale {
			return id
		}
	}
	return NoExpr
}
