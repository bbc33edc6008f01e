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
	"math/bits"
	"strconv"
	"strings"
)

// LiveSet is a bitset over tracked local indexes. Sets of different
// lengths compare as if padded with zero words.
type LiveSet []uint64

func NewLiveSet(n int) LiveSet {
	return make(LiveSet, (n+63)/64)
}

func (s LiveSet) Has(i int) bool {
	w := i / 64
	return w < len(s) && s[w]&(1<<uint(i%64)) != 0
}

func (s LiveSet) Set(i int) {
	s[i/64] |= 1 << uint(i%64)
}

func (s LiveSet) Clear(i int) {
	if w := i / 64; w < len(s) {
		s[w] &^= 1 << uint(i%64)
	}
}

func (s LiveSet) Clone() LiveSet {
	result := make(LiveSet, len(s))
	copy(result, s)
	return result
}

func (s LiveSet) word(i int) uint64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// Union returns s | o as a new set.
func (s LiveSet) Union(o LiveSet) LiveSet {
	n := max(len(s), len(o))
	result := make(LiveSet, n)
	for i := range result {
		result[i] = s.word(i) | o.word(i)
	}
	return result
}

// Diff returns s &^ o as a new set.
func (s LiveSet) Diff(o LiveSet) LiveSet {
	result := make(LiveSet, len(s))
	for i := range result {
		result[i] = s[i] &^ o.word(i)
	}
	return result
}

func (s LiveSet) Equal(o LiveSet) bool {
	n := max(len(s), len(o))
	for i := 0; i < n; i++ {
		if s.word(i) != o.word(i) {
			return false
		}
	}
	return true
}

func (s LiveSet) Empty() bool {
	for _, w := range s {
		if w != 0 {
			return false
		}
	}
	return true
}

func (s LiveSet) Count() (n int) {
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return
}

// Each calls fn for every member in ascending order.
func (s LiveSet) Each(fn func(i int)) {
	for wi, w := range s {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			fn(wi*64 + b)
			w &^= 1 << uint(b)
		}
	}
}

func (s LiveSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	s.Each(func(i int) {
		if !first {
			b.WriteByte(' ')
		}
		first = false
		b.WriteString(strconv.Itoa(i))
	})
	b.WriteByte('}')
	return b.String()
}
