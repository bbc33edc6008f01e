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

package main

import (
	"bytes"
	"encoding/json"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"strings"
	"testing"

	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/launix-de/jitcore/codegen"
	"github.com/launix-de/jitcore/target"
)

const demoSrc = `package demo

type node struct {
	next *node
	val  int
}

func visit(n *node) *node

func Walk(n *node, k int) int {
	sum := 0
	for n != nil {
		sum += n.val * k
		n = visit(n)
	}
	return sum
}

func Pick(s string, p *int, a, b, c, d, e int) *int {
	if len(s) > a+b+c+d+e {
		return p
	}
	return nil
}

func Local(i int) *int {
	var buf [4]*int
	buf[i] = new(int)
	return buf[i]
}

func Unused(a *node, b int) int {
	return b
}
`

func buildDemo(t *testing.T) *ssa.Package {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "demo.go", demoSrc, 0)
	if err != nil {
		t.Fatal(err)
	}
	pkg, _, err := ssautil.BuildPackage(&types.Config{Importer: importer.Default()}, fset,
		types.NewPackage("demo", "demo"), []*ast.File{f}, ssa.SanityCheckFunctions)
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

// compileDescription feeds the description through the JSON loader and
// the compiler, as the CLI does with the written files.
func compileDescription(t *testing.T, m *method, tgt target.Target) *codegen.Result {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	cm, err := codegen.LoadMethod(bytes.NewReader(data), tgt)
	if err != nil {
		t.Fatalf("%s: %v\n%s", m.Name, err, data)
	}
	res, err := codegen.Compile(cm, tgt, codegen.DefaultSettings(), codegen.WithEncoder(codegen.ListingEncoder))
	if err != nil {
		t.Fatalf("%s on %s: %v\n%s", m.Name, tgt.Name(), err, data)
	}
	return res
}

func findLocal(m *method, name string) *local {
	for i := range m.Locals {
		if m.Locals[i].Name == name {
			return &m.Locals[i]
		}
	}
	return nil
}

func TestDescribeCompiles(t *testing.T) {
	pkg := buildDemo(t)
	for _, tgt := range []target.Target{target.AMD64(), target.ARM64(), target.ARM()} {
		for _, name := range []string{"Walk", "Pick", "Local", "Unused"} {
			fn := pkg.Func(name)
			m, err := describe(fn, tgt)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if len(m.Blocks) != len(fn.Blocks) || m.Name != "demo."+name {
				t.Errorf("%s: %d blocks for %d", m.Name, len(m.Blocks), len(fn.Blocks))
			}
			res := compileDescription(t, m, tgt)
			if res.CodeSize == 0 || len(res.Listing) == 0 {
				t.Errorf("%s on %s: empty code", name, tgt.Name())
			}
		}
	}
	if _, err := describe(pkg.Func("visit"), target.AMD64()); err == nil {
		t.Errorf("function without body described")
	}
}

func TestDescribeWalk(t *testing.T) {
	x := target.AMD64()
	m, err := describe(buildDemo(t).Func("Walk"), x)
	if err != nil {
		t.Fatal(err)
	}
	n := findLocal(m, "n")
	if n == nil || n.Type != "ref" || n.ArgReg != "rcx" || !n.Tracked {
		t.Fatalf("parameter n %+v", n)
	}
	r, ok := x.ParseReg(n.Reg)
	if !ok || !x.CalleeSaved().Has(r) {
		t.Errorf("n lives in %q across calls", n.Reg)
	}
	if m.RetType != "nint" || len(m.Flags) != 1 || m.Flags[0] != "init_locals" {
		t.Errorf("header %+v", m)
	}
	calls := 0
	for _, b := range m.Blocks {
		for _, nd := range b.Nodes {
			if nd.Kind == "call" && nd.Call.Target == "sym:demo.visit" {
				calls++
				if nd.Call.RetKind != "ref" || nd.Call.Ret != "rax" {
					t.Errorf("call result %+v", nd.Call)
				}
			}
		}
	}
	if calls != 1 {
		t.Errorf("%d calls of visit", calls)
	}
	if got := strings.Join(m.Blocks[0].LiveIn, ","); !strings.Contains(got, "n") || !strings.Contains(got, "k") {
		t.Errorf("entry live-in %q", got)
	}
}

func TestDescribePick(t *testing.T) {
	x := target.AMD64()
	m, err := describe(buildDemo(t).Func("Pick"), x)
	if err != nil {
		t.Fatal(err)
	}
	s := findLocal(m, "s")
	if s == nil || s.Type != "struct" || s.Size != 16 || !s.OnFrame || s.ArgReg != "" || s.Tracked {
		t.Errorf("string parameter %+v", s)
	}
	if len(s.GCLayout) != 1 || s.GCLayout[0] != "ref" {
		t.Errorf("string layout %v", s.GCLayout)
	}
	// p, a, b and c take the four argument registers, d and e follow s on the stack
	for name, reg := range map[string]string{"p": "rcx", "a": "rdx", "b": "r8", "c": "r9"} {
		if l := findLocal(m, name); l == nil || l.ArgReg != reg {
			t.Errorf("%s: %+v", name, l)
		}
	}
	if d, e := findLocal(m, "d"), findLocal(m, "e"); d.ArgOffset != 16 || e.ArgOffset != 24 || !d.OnFrame {
		t.Errorf("stack parameters %+v %+v", d, e)
	}
}

func TestDescribeLocal(t *testing.T) {
	m, err := describe(buildDemo(t).Func("Local"), target.ARM64())
	if err != nil {
		t.Fatal(err)
	}
	var buf *local
	for i := range m.Locals {
		if strings.HasPrefix(m.Locals[i].Name, "buf.") {
			buf = &m.Locals[i]
		}
	}
	if buf == nil || buf.Size != 32 || !buf.MustInit || len(buf.GCLayout) != 4 {
		t.Fatalf("frame local %+v", buf)
	}
	res := compileDescription(t, m, target.ARM64())
	if res.Frame.ZeroInitHi <= res.Frame.ZeroInitLo {
		t.Errorf("frame local not zeroed: %+v", res.Frame)
	}
	allocs := 0
	for _, b := range m.Blocks {
		for _, nd := range b.Nodes {
			if nd.Kind == "call" && nd.Call.Target == "sym:runtime.newobject" {
				allocs++
			}
		}
	}
	if allocs != 1 {
		t.Errorf("%d heap allocations", allocs)
	}
}

func TestDescribeUnused(t *testing.T) {
	m, err := describe(buildDemo(t).Func("Unused"), target.AMD64())
	if err != nil {
		t.Fatal(err)
	}
	a := findLocal(m, "a")
	if a.Tracked || a.Reg != a.ArgReg {
		t.Errorf("unused parameter %+v", a)
	}
}

func TestLayout(t *testing.T) {
	d := &describer{t: target.AMD64(), sizes: types.SizesFor("gc", "amd64")}
	iface := types.NewInterfaceType(nil, nil)
	fields := []*types.Var{
		types.NewField(token.NoPos, nil, "n", types.Typ[types.Int], false),
		types.NewField(token.NoPos, nil, "i", iface, false),
		types.NewField(token.NoPos, nil, "f", types.Typ[types.Float64], false),
	}
	st := types.NewStruct(fields, nil)
	if got := strings.Join(d.layout(st), " "); got != "- - ref" {
		t.Errorf("layout %q", got)
	}
	if got := d.layout(types.Typ[types.Int]); len(got) != 0 {
		t.Errorf("scalar layout %v", got)
	}
	if c := d.classify(types.NewSlice(types.Typ[types.Int])); c.name != "struct" || c.size != 24 || len(c.layout) != 1 {
		t.Errorf("slice %+v", c)
	}
}
