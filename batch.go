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
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/docker/go-units"
	"github.com/jtolds/gls"

	"github.com/launix-de/jitcore/codegen"
)

// compileFile loads one method description and compiles it with the
// current target and settings. The result is registered in the cache.
func (s *session) compileFile(path string) (*codegen.Result, error) {
	tgt, settings := s.config()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := codegen.LoadMethod(f, tgt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var opts []codegen.Option
	if s.trace != nil {
		opts = append(opts, codegen.WithTrace(s.trace))
	}
	res, err := codegen.Compile(m, tgt, settings, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.registry.Put(res)
	return res, nil
}

func report(w io.Writer, res *codegen.Result, listing bool) {
	var flags []string
	if res.Frame.UsesFP {
		flags = append(flags, "fp")
	}
	if res.Fallback {
		flags = append(flags, "fallback")
	}
	if len(res.EH) > 0 {
		flags = append(flags, fmt.Sprintf("%d eh", len(res.EH)))
	}
	fmt.Fprintf(w, "%s/%s: code %s, prolog %d, frame %s, gcinfo %s, %d relocs [%s]\n",
		res.Target, res.Method,
		units.BytesSize(float64(res.CodeSize)), res.PrologSize,
		units.BytesSize(float64(res.Frame.TotalSize())),
		units.BytesSize(float64(len(res.GCInfo))),
		len(res.Relocs), strings.Join(flags, " "))
	if listing {
		for _, l := range res.Listing {
			fmt.Fprintln(w, "    "+l)
		}
	}
}

type batchResult struct {
	i   int
	res *codegen.Result
	err error
}

// batch compiles files in parallel and prints the reports in input order.
// It returns the number of failed files.
func (s *session) batch(w io.Writer, files []string, jobs int, listing bool) int {
	if jobs <= 0 || jobs > len(files) {
		jobs = len(files)
	}
	if limit := 4 * runtime.NumCPU(); jobs > limit {
		jobs = limit
	}
	todo := make(chan int, len(files))
	for i := range files {
		todo <- i
	}
	close(todo)
	done := make(chan batchResult, len(files))
	for j := 0; j < jobs; j++ {
		gls.Go(func() {
			for i := range todo {
				func() {
					defer func() {
						if r := recover(); r != nil {
							done <- batchResult{i: i, err: fmt.Errorf("%s: panic: %v\n%s", files[i], r, debug.Stack())}
						}
					}()
					res, err := s.compileFile(files[i])
					done <- batchResult{i, res, err}
				}()
			}
		})
	}

	results := make([]batchResult, len(files))
	for range files {
		r := <-done
		results[r.i] = r
	}
	failed := 0
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintln(w, "error:", r.err)
			failed++
			continue
		}
		report(w, r.res, listing)
	}
	if len(files) > 1 {
		fmt.Fprintf(w, "%d compiled, %d failed, cache: %s\n", len(files)-failed, failed, s.registry)
	}
	return failed
}
