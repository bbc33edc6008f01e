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
	"errors"
	"fmt"
)

// ErrInternal wraps every internal consistency violation. Such an error
// means the compiler itself is wrong; the method must not run the code.
var ErrInternal = errors.New("internal compiler error")

// ErrPolicyFallback asks the driver to recompile with conservative settings.
var ErrPolicyFallback = errors.New("policy fallback requested")

type InternalError struct {
	Phase  Phase
	Method string
	Msg    string
}

func (e InternalError) Error() string {
	return fmt.Sprintf("jit: %s (method %s, phase %s)", e.Msg, e.Method, e.Phase)
}

func (e InternalError) Unwrap() error {
	return ErrInternal
}

type fallbackSignal struct {
	reason string
}

// noway aborts the compilation of the current method.
func noway(format string, args ...any) {
	panic(InternalError{Msg: fmt.Sprintf(format, args...)})
}

func assert(cond bool, format string, args ...any) {
	if !cond {
		noway(format, args...)
	}
}

func requestFallback(reason string) {
	panic(fallbackSignal{reason})
}

// recoverCompile turns a panic raised below the driver into an error. Go
// runtime errors (nil dereference, index out of range) are reported as
// internal errors as well, the method is never half compiled.
func recoverCompile(ctx *Context, err *error) {
	r := recover()
	if r == nil {
		return
	}
	var phase Phase
	var method string
	if ctx != nil {
		phase, method = ctx.phase, ctx.Method.Name
	}
	switch v := r.(type) {
	case InternalError:
		v.Phase, v.Method = phase, method
		*err = v
	case fallbackSignal:
		*err = fmt.Errorf("%w: %s", ErrPolicyFallback, v.reason)
	case error:
		*err = InternalError{Phase: phase, Method: method, Msg: v.Error()}
	default:
		*err = InternalError{Phase: phase, Method: method, Msg: fmt.Sprint(v)}
	}
}
