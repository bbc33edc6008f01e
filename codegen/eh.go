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
	"strings"
)

// EHFlags describe a reported clause. The kind occupies the low bits,
// Duplicate marks clauses derived for relocated handlers.
type EHFlags uint32

const (
	ClauseCatch     EHFlags = 0
	ClauseFilter    EHFlags = 1
	ClauseFinally   EHFlags = 2
	ClauseFault     EHFlags = 4
	ClauseDuplicate EHFlags = 8
)

func clauseKind(k EHKind) EHFlags {
	switch k {
	case EHFilter:
		return ClauseFilter
	case EHFinally:
		return ClauseFinally
	case EHFault:
		return ClauseFault
	}
	return ClauseCatch
}

func (f EHFlags) String() string {
	var kind string
	switch f &^ ClauseDuplicate {
	case ClauseCatch:
		kind = "catch"
	case ClauseFilter:
		kind = "filter"
	case ClauseFinally:
		kind = "finally"
	case ClauseFault:
		kind = "fault"
	default:
		kind = fmt.Sprintf("kind%d", uint32(f&^ClauseDuplicate))
	}
	if f&ClauseDuplicate != 0 {
		return kind + "|dup"
	}
	return kind
}

// EHClause is one protected-range-to-handler entry as the runtime scans
// it. Offsets are code offsets, end offsets are exclusive. FilterOrClass
// is the filter offset for filters and the catch type token otherwise.
type EHClause struct {
	Flags         EHFlags
	TryStart      uint32
	TryEnd        uint32
	HandlerStart  uint32
	HandlerEnd    uint32
	FilterOrClass uint32
}

func (c EHClause) String() string {
	return fmt.Sprintf("%s try [%04x,%04x) handler [%04x,%04x) %#x", c.Flags, c.TryStart, c.TryEnd, c.HandlerStart, c.HandlerEnd, c.FilterOrClass)
}

// FormatEH renders a clause table one clause per line.
func FormatEH(clauses []EHClause) string {
	var b strings.Builder
	for i, c := range clauses {
		fmt.Fprintf(&b, "%2d: %s\n", i, c)
	}
	return b.String()
}

// ehReporter converts block indexes into code offsets. blockOffsets holds
// the start of every block plus the end of the code.
type ehReporter struct {
	m            *Method
	funclets     bool
	blockOffsets []uint32
}

func (e *ehReporter) begin(b BlockID) uint32 {
	return e.blockOffsets[b]
}

func (e *ehReporter) end(b BlockID) uint32 {
	return e.blockOffsets[b+1]
}

// relocated reports whether the handler of region r was emitted as a
// separate funclet.
func (e *ehReporter) relocated(r int) bool {
	return e.funclets && e.m.Blocks[e.m.Regions[r].HandlerStart()].Funclet == r
}

// trueEnclosingTry skips sibling clauses that protect the same try range;
// they are alternatives, not an enclosing level.
func (e *ehReporter) trueEnclosingTry(r int) int {
	reg := &e.m.Regions[r]
	x := reg.EnclosingTry
	for x >= 0 && e.m.Regions[x].MutualProtect(reg) {
		x = e.m.Regions[x].EnclosingTry
	}
	return x
}

// duplicateLevels lists the enclosing tries a relocated handler must be
// reported under, innermost first. The walk stops at an enclosing
// handler: the runtime already treats that handler's funclet as the
// protected code.
func (e *ehReporter) duplicateLevels(r int) []int {
	if !e.relocated(r) {
		return nil
	}
	stop := e.m.Regions[r].EnclosingHnd
	var levels []int
	for x := e.trueEnclosingTry(r); x >= 0; x = e.m.Regions[x].EnclosingTry {
		if stop >= 0 && x > stop {
			break
		}
		levels = append(levels, x)
	}
	return levels
}

type clonedRange struct {
	begin, end BlockID
}

func (e *ehReporter) clonedFinallies() []clonedRange {
	var result []clonedRange
	open := NoBlock
	for i := range e.m.Blocks {
		b := &e.m.Blocks[i]
		if b.ClonedFinallyBegin {
			assert(open == NoBlock, "cloned finally at block %d starts inside another one", i)
			open = BlockID(i)
		}
		if b.ClonedFinallyEnd {
			assert(open != NoBlock, "cloned finally ends at block %d without a begin", i)
			result = append(result, clonedRange{open, BlockID(i)})
			open = NoBlock
		}
	}
	assert(open == NoBlock, "cloned finally starting at block %d never ends", open)
	return result
}

func (e *ehReporter) clause(x int) EHClause {
	reg := &e.m.Regions[x]
	c := EHClause{
		Flags:         clauseKind(reg.Kind),
		TryStart:      e.begin(reg.TryBeg),
		TryEnd:        e.end(reg.TryLast),
		HandlerStart:  e.begin(reg.HndBeg),
		HandlerEnd:    e.end(reg.HndLast),
		FilterOrClass: reg.CatchType,
	}
	if reg.Kind == EHFilter {
		c.FilterOrClass = e.begin(reg.FilterBeg)
	}
	return c
}

func (e *ehReporter) validate() {
	m := e.m
	for i := range m.Regions {
		r := &m.Regions[i]
		if x := r.EnclosingTry; x >= 0 {
			o := &m.Regions[x]
			assert(o.TryBeg <= r.TryBeg && r.TryLast <= o.TryLast,
				"region %d is not nested in the try of its enclosing region %d", i, x)
		}
		if x := r.EnclosingHnd; x >= 0 {
			o := &m.Regions[x]
			assert(o.HandlerStart() <= r.TryBeg && r.TryLast <= o.HndLast,
				"region %d is not nested in the handler of its enclosing region %d", i, x)
		}
	}
}

func (e *ehReporter) report() []EHClause {
	e.validate()
	m := e.m
	assert(len(e.blockOffsets) == len(m.Blocks)+1, "%d block offsets for %d blocks", len(e.blockOffsets), len(m.Blocks))

	// counting pass
	dups := 0
	for i := range m.Regions {
		dups += len(e.duplicateLevels(i))
	}
	cloned := e.clonedFinallies()
	want := len(m.Regions) + dups + len(cloned)

	result := make([]EHClause, 0, want)
	for i := range m.Regions {
		result = append(result, e.clause(i))
	}
	for i := range m.Regions {
		r := &m.Regions[i]
		for _, x := range e.duplicateLevels(i) {
			c := e.clause(x)
			c.Flags |= ClauseDuplicate
			c.TryStart = e.begin(r.HandlerStart())
			c.TryEnd = e.end(r.HndLast)
			result = append(result, c)
		}
	}
	for _, cf := range cloned {
		at := e.begin(cf.begin)
		result = append(result, EHClause{
			Flags:        ClauseFinally | ClauseDuplicate,
			TryStart:     at,
			TryEnd:       at,
			HandlerStart: at,
			HandlerEnd:   e.end(cf.end),
		})
	}
	assert(len(result) == want, "reported %d EH clauses, expected %d", len(result), want)
	return result
}

// ReportEH builds the clause table the runtime scans first-match-wins:
// the non-duplicate regions innermost first, then one duplicate per enclosing
// try of every relocated handler, then one clause per cloned finally.
// blockOffsets holds the code offset of every block plus the code end.
func ReportEH(m *Method, funclets bool, blockOffsets []uint32) (clauses []EHClause, err error) {
	defer func() {
		if err != nil {
			if ie, ok := err.(InternalError); ok {
				ie.Method, ie.Phase = m.Name, PhaseTables
				err = ie
			}
		}
	}()
	defer recoverCompile(nil, &err)
	e := &ehReporter{m: m, funclets: funclets, blockOffsets: blockOffsets}
	return e.report(), nil
}
