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

// VarType is the semantic type of a local.
type VarType uint8

const (
	TypeUndef VarType = iota
	TypeBool
	TypeByte
	TypeUByte
	TypeShort
	TypeUShort
	TypeInt
	TypeUInt
	TypeLong
	TypeULong
	TypeNativeInt
	TypeFloat
	TypeDouble
	TypeRef   // object reference, reported to the GC
	TypeByref // interior pointer, reported to the GC as byref
	TypeStruct
)

// GCKind classifies a value for the collector.
type GCKind uint8

const (
	GCNone GCKind = iota
	GCRef
	GCByref
)

func (k GCKind) String() string {
	switch k {
	case GCRef:
		return "ref"
	case GCByref:
		return "byref"
	}
	return "none"
}

type typeInfo struct {
	name   string
	size   int // -1 pointer sized, 0 from the struct layout
	actual VarType
	float  bool
	gc     GCKind
}

var typeTable = [...]typeInfo{
	TypeUndef:     {"undef", 0, TypeUndef, false, GCNone},
	TypeBool:      {"bool", 1, TypeInt, false, GCNone},
	TypeByte:      {"byte", 1, TypeInt, false, GCNone},
	TypeUByte:     {"ubyte", 1, TypeInt, false, GCNone},
	TypeShort:     {"short", 2, TypeInt, false, GCNone},
	TypeUShort:    {"ushort", 2, TypeInt, false, GCNone},
	TypeInt:       {"int", 4, TypeInt, false, GCNone},
	TypeUInt:      {"uint", 4, TypeInt, false, GCNone},
	TypeLong:      {"long", 8, TypeLong, false, GCNone},
	TypeULong:     {"ulong", 8, TypeLong, false, GCNone},
	TypeNativeInt: {"nint", -1, TypeNativeInt, false, GCNone},
	TypeFloat:     {"float", 4, TypeFloat, true, GCNone},
	TypeDouble:    {"double", 8, TypeDouble, true, GCNone},
	TypeRef:       {"ref", -1, TypeRef, false, GCRef},
	TypeByref:     {"byref", -1, TypeByref, false, GCByref},
	TypeStruct:    {"struct", 0, TypeStruct, false, GCNone},
}

func (t VarType) String() string {
	if int(t) < len(typeTable) {
		return typeTable[t].name
	}
	return fmt.Sprintf("type%d", t)
}

func ParseVarType(s string) (VarType, error) {
	s = strings.ToLower(s)
	for i, ti := range typeTable {
		if ti.name == s {
			return VarType(i), nil
		}
	}
	return TypeUndef, fmt.Errorf("unknown type %q", s)
}

// TypeSize returns the size of a non-struct type; structs carry their own
// size and return 0.
func TypeSize(t VarType, ptrSize int) int {
	sz := typeTable[t].size
	if sz < 0 {
		return ptrSize
	}
	return sz
}

func TypeAlign(t VarType, ptrSize int) int {
	sz := TypeSize(t, ptrSize)
	if sz == 0 || sz > ptrSize {
		return ptrSize
	}
	return sz
}

// ActualType widens small integers to the register type they compute in.
func ActualType(t VarType) VarType {
	return typeTable[t].actual
}

func GCKindOf(t VarType) GCKind {
	return typeTable[t].gc
}

func (t VarType) IsFloat() bool {
	return typeTable[t].float
}

func (t VarType) IsStruct() bool {
	return t == TypeStruct
}

// IsWide reports whether a value of t needs two registers on a target with
// the given pointer size.
func (t VarType) IsWide(ptrSize int) bool {
	return !t.IsFloat() && TypeSize(t, ptrSize) > ptrSize
}

// SlotCount is the number of pointer sized slots that cover size bytes.
func SlotCount(size, ptrSize int) int {
	return (size + ptrSize - 1) / ptrSize
}
