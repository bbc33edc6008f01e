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

// methodgen loads Go packages, builds SSA for their functions and writes a
// method description per function, ready for the jitcore compiler.
//
// Usage:
//
//	go run ./tools/methodgen/ ./codecache                 # list functions
//	go run ./tools/methodgen/ -run=Flush -o out ./codecache
//	go run ./tools/methodgen/ -target=arm64 -dump=Flush ./codecache
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/launix-de/jitcore/target"
)

func main() {
	tgtName := flag.String("target", "amd64", "Target architecture: amd64, arm64 or arm")
	run := flag.String("run", "", "Only functions whose name matches this regexp")
	outDir := flag.String("o", "", "Write <function>.json files into this folder")
	dump := flag.String("dump", "", "Print the SSA of the named function")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: methodgen [-target=T] [-run=RE] [-o DIR] [-dump=F] <package> ...\n")
		os.Exit(1)
	}
	t, err := target.ByName(*tgtName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	filter, err := regexp.Compile(*run)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Load packages with full type info for SSA
	cfg := &packages.Config{
		Mode: packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedDeps | packages.NeedImports | packages.NeedName,
	}
	pkgs, err := packages.Load(cfg, flag.Args()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load packages: %v\n", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, 0)
	prog.Build()

	failed := 0
	for _, fn := range functions(prog, ssaPkgs) {
		if !filter.MatchString(fn.RelString(nil)) {
			continue
		}
		if *dump != "" && fn.Name() == *dump {
			fn.WriteTo(os.Stdout)
		}
		m, err := describe(fn, t)
		if err != nil {
			fmt.Printf("  %s SKIP: %v\n", fn, err)
			continue
		}
		if err := write(*outDir, m); err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", fn, err)
			failed++
			continue
		}
		fmt.Printf("  %s OK (%d blocks, %d locals)\n", m.Name, len(m.Blocks), len(m.Locals))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// functions lists the source functions of the given packages in a stable
// order, methods and closures included.
func functions(prog *ssa.Program, pkgs []*ssa.Package) []*ssa.Function {
	roots := make(map[*ssa.Package]bool)
	for _, p := range pkgs {
		if p != nil {
			roots[p] = true
		}
	}
	var fns []*ssa.Function
	for fn := range ssautil.AllFunctions(prog) {
		if fn.Synthetic != "" || len(fn.Blocks) == 0 {
			continue
		}
		pkg := fn.Package()
		if pkg == nil && fn.Parent() != nil {
			pkg = fn.Parent().Package()
		}
		if roots[pkg] {
			fns = append(fns, fn)
		}
	}
	sort.Slice(fns, func(i, j int) bool {
		return fns[i].RelString(nil) < fns[j].RelString(nil)
	})
	return fns
}

func write(dir string, m *method) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if dir == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	name := strings.NewReplacer("/", "_", "*", "", "(", "", ")", "", "$", "_").Replace(m.Name)
	return os.WriteFile(filepath.Join(dir, name+".json"), append(data, '\n'), 0640)
}
