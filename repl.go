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
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/chzyer/readline"

	"github.com/launix-de/jitcore/target"
)

const newprompt = "\033[32mjit>\033[0m "
const resultprompt = "\033[31m=\033[0m "

const replHelp = `commands:
  compile FILE...     compile method descriptions and cache the results
  asm FILE            compile and print the listing
  show METHOD         print the listing of a cached method
  list                list cached methods
  drop METHOD         remove a method from the cache
  load                read all artifacts of the cache store
  flush               write the cache store
  target [NAME]       show or switch the target
  settings            show all settings
  get KEY             show one setting
  set KEY VALUE       change one setting
  exit
`

var replCommands = []string{"compile", "asm", "show", "list", "drop", "load", "flush", "target", "settings", "get", "set", "help", "exit"}

func (s *session) completer() *readline.PrefixCompleter {
	files := readline.PcItemDynamic(func(line string) []string {
		matches, _ := filepath.Glob("*.json")
		return matches
	})
	keys := readline.PcItemDynamic(func(string) []string {
		_, settings := s.config()
		return settings.Names()
	})
	methods := readline.PcItemDynamic(func(string) []string {
		var names []string
		for _, e := range s.registry.All() {
			names = append(names, e.Result.Method)
		}
		return names
	})
	var items []readline.PrefixCompleterInterface
	for _, c := range replCommands {
		switch c {
		case "compile", "asm":
			items = append(items, readline.PcItem(c, files))
		case "get", "set":
			items = append(items, readline.PcItem(c, keys))
		case "show", "drop":
			items = append(items, readline.PcItem(c, methods))
		case "target":
			items = append(items, readline.PcItem(c, readline.PcItem("amd64"), readline.PcItem("arm64"), readline.PcItem("arm")))
		default:
			items = append(items, readline.PcItem(c))
		}
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *session) repl() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".jitcore-history.tmp",
		AutoComplete:      s.completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		s.log.Error("prompt: %v", err)
		return
	}
	defer l.Close()
	l.CaptureExitSignal()

	fmt.Print("\n    Type help to show help\n\n")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			s.log.Error("prompt: %v", err)
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		// anti-panic func
		quit := func() (quit bool) {
			defer func() {
				if r := recover(); r != nil {
					fmt.Println("panic:", r, string(debug.Stack()))
				}
			}()
			quit, err := s.command(l.Stdout(), line)
			if err != nil {
				fmt.Fprintln(l.Stdout(), resultprompt+"error: "+err.Error())
			}
			return quit
		}()
		if quit {
			break
		}
	}
}

// command executes one prompt line. It reports whether the prompt should end.
func (s *session) command(w io.Writer, line string) (bool, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}
	cmd, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s expects %d arguments, got %d", cmd, n, len(args))
		}
		return nil
	}

	switch cmd {
	case "help":
		fmt.Fprint(w, replHelp)
	case "exit", "quit":
		return true, nil
	case "compile":
		if len(args) == 0 {
			return false, fmt.Errorf("compile expects files")
		}
		if failed := s.batch(w, args, 0, false); failed > 0 {
			return false, fmt.Errorf("%d of %d files failed", failed, len(args))
		}
	case "asm":
		if err := need(1); err != nil {
			return false, err
		}
		res, err := s.compileFile(args[0])
		if err != nil {
			return false, err
		}
		report(w, res, true)
	case "show":
		if err := need(1); err != nil {
			return false, err
		}
		tgt, _ := s.config()
		e, err := s.registry.Get(tgt.Name(), args[0])
		if err != nil {
			return false, err
		}
		report(w, e.Result, true)
	case "list":
		for _, e := range s.registry.All() {
			fmt.Fprintf(w, "%s  %s\n", e.ID, e.Name)
		}
		fmt.Fprintln(w, resultprompt+s.registry.String())
	case "drop":
		if err := need(1); err != nil {
			return false, err
		}
		tgt, _ := s.config()
		if !s.registry.Remove(tgt.Name(), args[0]) {
			return false, fmt.Errorf("%s is not cached for %s", args[0], tgt.Name())
		}
	case "load":
		n, err := s.registry.LoadAll()
		fmt.Fprintf(w, "%sloaded %d artifacts\n", resultprompt, n)
		return false, err
	case "flush":
		return false, s.registry.Flush()
	case "target":
		if len(args) == 0 {
			tgt, _ := s.config()
			fmt.Fprintln(w, resultprompt+tgt.Name())
			return false, nil
		}
		if err := need(1); err != nil {
			return false, err
		}
		tgt, err := target.ByName(args[0])
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.tgt = tgt
		s.mu.Unlock()
	case "settings":
		_, settings := s.config()
		for _, k := range settings.Names() {
			v, _ := settings.Get(k)
			fmt.Fprintf(w, "%-20s %s\n", k, v)
		}
	case "get":
		if err := need(1); err != nil {
			return false, err
		}
		_, settings := s.config()
		v, err := settings.Get(args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintln(w, resultprompt+v)
	case "set":
		if err := need(2); err != nil {
			return false, err
		}
		s.mu.Lock()
		err := s.settings.Set(args[0], args[1])
		s.mu.Unlock()
		if err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
	return false, nil
}
