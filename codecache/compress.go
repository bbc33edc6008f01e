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

package codecache

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Compression is stored as the first byte of every artifact.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressLZ4              // fast, used for the working set
	CompressXZ               // small, used for archives
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressLZ4:
		return "lz4"
	case CompressXZ:
		return "xz"
	}
	return fmt.Sprintf("compression%d", uint8(c))
}

func ParseCompression(s string) (Compression, error) {
	for c := CompressNone; c <= CompressXZ; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("codecache: unknown compression %q", s)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressor writes the compression byte and wraps w. Closing the result
// flushes the compressor but leaves w open.
func compressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	if _, err := w.Write([]byte{byte(c)}); err != nil {
		return nil, err
	}
	switch c {
	case CompressNone:
		return nopWriteCloser{w}, nil
	case CompressLZ4:
		return lz4.NewWriter(w), nil
	case CompressXZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return xw, nil
	}
	return nil, fmt.Errorf("codecache: unknown compression %d", c)
}

// decompressor reads the compression byte and returns the payload reader.
func decompressor(r io.Reader) (io.Reader, Compression, error) {
	br := bufio.NewReader(r)
	b, err := br.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("codecache: empty artifact: %w", err)
	}
	switch c := Compression(b); c {
	case CompressNone:
		return br, c, nil
	case CompressLZ4:
		return lz4.NewReader(br), c, nil
	case CompressXZ:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, c, err
		}
		return xr, c, nil
	default:
		return nil, c, fmt.Errorf("codecache: unknown compression %d", b)
	}
}
