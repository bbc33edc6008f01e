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
	"reflect"
	"testing"

	"github.com/launix-de/jitcore/target"
)

func TestUnwindEncoding(t *testing.T) {
	infos := []UnwindInfo{
		{
			Funclet: -1, Start: 0, End: 96, PrologSize: 12,
			Codes: []UnwindCode{
				{Op: UnwindPushReg, CodeOffset: 1, Reg: target.RegRBP, Reg2: target.RegNone},
				{Op: UnwindSetFP, CodeOffset: 4, Reg: target.RegRBP, Reg2: target.RegNone},
				{Op: UnwindAllocStack, CodeOffset: 12, Reg: target.RegNone, Reg2: target.RegNone, Offset: 4136},
			},
			Epilogs: []EpilogRange{{40, 46}, {90, 96}},
		},
		{
			Funclet: 2, Start: 96, End: 120, PrologSize: 8,
			Codes: []UnwindCode{{Op: UnwindSaveRegPair, CodeOffset: 4, Reg: 29, Reg2: 30, Offset: -16}},
		},
	}
	var b []byte
	for i := range infos {
		b = append(b, infos[i].Encode()...)
	}
	rest := b
	for i := range infos {
		got, r, err := DecodeUnwind(rest)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, infos[i]) {
			t.Errorf("info %d = %+v, want %+v", i, got, infos[i])
		}
		rest = r
	}
	if len(rest) != 0 {
		t.Errorf("%d bytes left", len(rest))
	}

	one := infos[0].Encode()
	for n := 0; n < len(one); n++ {
		if _, _, err := DecodeUnwind(one[:n]); err == nil {
			t.Errorf("truncated to %d bytes decodes", n)
		}
	}
}

func TestUnwindMatchesFrame(t *testing.T) {
	x := target.AMD64()
	m, _ := refAcrossCall()
	c := compileListing(t, m, x, testSettings())
	if len(c.Unwind) != 1 {
		t.Fatalf("unwind %+v", c.Unwind)
	}
	u := c.Unwind[0]
	if u.Funclet != -1 || u.Start != 0 || u.End != c.CodeSize || u.PrologSize != c.PrologSize {
		t.Errorf("unwind header %+v", u)
	}
	if len(u.Epilogs) != 1 || u.Epilogs[0].End-u.Epilogs[0].Start != c.EpilogSizes[0] {
		t.Errorf("epilogs %+v, sizes %v", u.Epilogs, c.EpilogSizes)
	}
	// undoing the codes gives back the whole frame
	depth := 0
	prev := uint32(0)
	for _, code := range u.Codes {
		if code.CodeOffset <= prev || code.CodeOffset > u.PrologSize {
			t.Errorf("code %s at %d", code.Op, code.CodeOffset)
		}
		prev = code.CodeOffset
		switch code.Op {
		case UnwindPushReg:
			depth += x.PtrSize()
			if !c.Frame.Saved.Has(code.Reg) && code.Reg != x.FP() {
				t.Errorf("push of %s that is not saved", x.RegName(code.Reg))
			}
		case UnwindAllocStack:
			depth += int(code.Offset)
		}
	}
	if depth != c.Frame.InitialSPDelta {
		t.Errorf("unwind codes cover %d bytes, frame %d", depth, c.Frame.InitialSPDelta)
	}
	if UnwindSaveRegPair.String() != "savepair" || UnwindOp(42).String() != "unwind42" {
		t.Errorf("op names")
	}
}
