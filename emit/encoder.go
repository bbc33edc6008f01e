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

package emit

import "errors"

// ErrUndefinedLabel is returned by Finish when a referenced label was never
// placed.
var ErrUndefinedLabel = errors.New("emit: undefined label")

// Encoder buffers instructions until Finish, so branch targets may be
// placed after they are referenced.
type Encoder interface {
	Emit(in Instr) Loc
	NewLabel() Label
	PlaceLabel(l Label)
	CurrentLoc() Loc
	Finish() (*Code, error)
}

// Reloc marks an absolute reference to an external symbol.
type Reloc struct {
	Offset uint32 // byte offset of the patched field
	Loc    Loc
	Sym    string
}

// Code is the result of Finish.
type Code struct {
	Bytes   []byte   // nil for encoders that only measure
	Offsets []uint32 // byte offset of every Loc, one extra entry for the end
	Listing []string
	Relocs  []Reloc
}

// Offset converts an emitter location into a code offset.
func (c *Code) Offset(l Loc) uint32 {
	if int(l) >= len(c.Offsets) {
		return c.Size()
	}
	return c.Offsets[l]
}

func (c *Code) Size() uint32 {
	if len(c.Offsets) == 0 {
		return 0
	}
	return c.Offsets[len(c.Offsets)-1]
}
