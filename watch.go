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
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch recompiles files whenever they change until SIGINT or SIGTERM.
func (s *session) watch(w io.Writer, files []string, listing bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// text editors rename on save, so the directories are watched
	wanted := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		wanted[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "watching %d files\n", len(wanted))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(stop)

	pending := make(map[string]bool)
	var settle <-chan time.Time
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !wanted[ev.Name] || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			pending[ev.Name] = true
			// delay a bit, so we don't read half written files
			settle = time.After(50 * time.Millisecond)
		case <-settle:
			settle = nil
			for f := range pending {
				if _, err := os.Stat(f); err != nil {
					continue // renamed away, the Create follows
				}
				res, err := s.compileFile(f)
				if err != nil {
					fmt.Fprintln(w, "error:", err)
					continue
				}
				report(w, res, listing)
			}
			pending = make(map[string]bool)
			if err := s.registry.Flush(); err != nil {
				s.log.Error("flushing artifact cache: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warning("watch: %v", err)
		case <-stop:
			return nil
		}
	}
}
