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
	"encoding/binary"
	"fmt"

	"github.com/launix-de/jitcore/emit"
	"github.com/launix-de/jitcore/target"
)

type UnwindOp uint8

const (
	UnwindPushReg     UnwindOp = iota // Reg pushed
	UnwindAllocStack                  // SP lowered by Offset bytes
	UnwindSetFP                       // FP = SP + Offset
	UnwindSaveReg                     // Reg stored at SP + Offset
	UnwindSaveRegPair                 // Reg, Reg2 stored at SP + Offset
)

var unwindOpNames = [...]string{"push", "alloc", "setfp", "save", "savepair"}

func (o UnwindOp) String() string {
	if int(o) < len(unwindOpNames) {
		return unwindOpNames[o]
	}
	return fmt.Sprintf("unwind%d", o)
}

// UnwindCode is one prolog action. CodeOffset is the offset right after
// the instruction, relative to the start of the function or funclet.
type UnwindCode struct {
	Op         UnwindOp
	CodeOffset uint32
	Reg        target.Reg
	Reg2       target.Reg
	Offset     int32
}

type EpilogRange struct {
	Start, End uint32 // relative to the start of the function or funclet
}

// UnwindInfo describes the main body or one funclet. Undoing Codes in
// reverse order restores the caller's registers.
type UnwindInfo struct {
	Funclet    int // region index, -1 for the main body
	Start      uint32
	End        uint32
	PrologSize uint32
	Codes      []UnwindCode
	Epilogs    []EpilogRange
}

// Encode serializes the info as uvarint fields.
func (u *UnwindInfo) Encode() []byte {
	var b []byte
	b = binary.AppendVarint(b, int64(u.Funclet))
	b = binary.AppendUvarint(b, uint64(u.Start))
	b = binary.AppendUvarint(b, uint64(u.End-u.Start))
	b = binary.AppendUvarint(b, uint64(u.PrologSize))
	b = binary.AppendUvarint(b, uint64(len(u.Codes)))
	for _, c := range u.Codes {
		b = append(b, byte(c.Op), byte(c.Reg), byte(c.Reg2))
		b = binary.AppendUvarint(b, uint64(c.CodeOffset))
		b = binary.AppendVarint(b, int64(c.Offset))
	}
	b = binary.AppendUvarint(b, uint64(len(u.Epilogs)))
	for _, e := range u.Epilogs {
		b = binary.AppendUvarint(b, uint64(e.Start))
		b = binary.AppendUvarint(b, uint64(e.End-e.Start))
	}
	return b
}

// DecodeUnwind reads one UnwindInfo and returns the remaining bytes.
func DecodeUnwind(b []byte) (UnwindInfo, []byte, error) {
	var u UnwindInfo
	var err error
	uv := func() uint64 {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			err = fmt.Errorf("unwind info truncated")
			return 0
		}
		b = b[n:]
		return v
	}
	sv := func() int64 {
		v, n := binary.Varint(b)
		if n <= 0 {
			err = fmt.Errorf("unwind info truncated")
			return 0
		}
		b = b[n:]
		return v
	}
	u.Funclet = int(sv())
	u.Start = uint32(uv())
	u.End = u.Start + uint32(uv())
	u.PrologSize = uint32(uv())
	n := uv()
	for i := uint64(0); i < n && err == nil; i++ {
		if len(b) < 3 {
			return u, b, fmt.Errorf("unwind code truncated")
		}
		c := UnwindCode{Op: UnwindOp(b[0]), Reg: target.Reg(b[1]), Reg2: target.Reg(b[2])}
		b = b[3:]
		c.CodeOffset = uint32(uv())
		c.Offset = int32(sv())
		u.Codes = append(u.Codes, c)
	}
	n = uv()
	for i := uint64(0); i < n && err == nil; i++ {
		e := EpilogRange{Start: uint32(uv())}
		e.End = e.Start + uint32(uv())
		u.Epilogs = append(u.Epilogs, e)
	}
	return u, b, err
}

type pendingCode struct {
	code UnwindCode
	loc  emit.Loc // location of the instruction the code belongs to
}

type pendingUnwind struct {
	funclet   int
	start     emit.Loc
	prologEnd emit.Loc
	end       emit.Loc
	codes     []pendingCode
	epilogs   []locRange
}

// unwindBuilder collects codes by emitter location; offsets are known
// only after the encoder finished.
type unwindBuilder struct {
	infos []pendingUnwind
	cur   *pendingUnwind
}

func (u *unwindBuilder) begin(funclet int, loc emit.Loc) {
	if u.cur != nil {
		u.cur.end = loc
	}
	u.infos = append(u.infos, pendingUnwind{funclet: funclet, start: loc, prologEnd: -1})
	u.cur = &u.infos[len(u.infos)-1]
}

func (u *unwindBuilder) add(loc emit.Loc, code UnwindCode) {
	assert(u.cur != nil && u.cur.prologEnd < 0, "unwind code outside a prolog")
	u.cur.codes = append(u.cur.codes, pendingCode{code, loc})
}

func (u *unwindBuilder) endProlog(loc emit.Loc) {
	u.cur.prologEnd = loc
}

func (u *unwindBuilder) epilog(start, end emit.Loc) {
	u.cur.epilogs = append(u.cur.epilogs, locRange{start, end})
}

func (u *unwindBuilder) finish(code *emit.Code) []UnwindInfo {
	if u.cur != nil {
		u.cur.end = emit.Loc(len(code.Offsets) - 1)
	}
	result := make([]UnwindInfo, len(u.infos))
	for i, p := range u.infos {
		start := code.Offset(p.start)
		info := UnwindInfo{
			Funclet:    p.funclet,
			Start:      start,
			End:        code.Offset(p.end),
			PrologSize: code.Offset(p.prologEnd) - start,
		}
		for _, c := range p.codes {
			c.code.CodeOffset = code.Offset(c.loc+1) - start
			info.Codes = append(info.Codes, c.code)
		}
		for _, e := range p.epilogs {
			info.Epilogs = append(info.Epilogs, EpilogRange{code.Offset(e.start) - start, code.Offset(e.end) - start})
		}
		result[i] = info
	}
	return result
}
