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

/*
jitcore: code generation core of a method JIT

compiles method descriptions (JSON) into machine code plus GC info,
EH clauses and unwind info for amd64, arm64 and arm
*/
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"

	"github.com/dc0d/onexit"
	"github.com/google/uuid"
	"github.com/launix-de/go-mysqlstack/xlog"

	"github.com/launix-de/jitcore/codecache"
	"github.com/launix-de/jitcore/codegen"
	"github.com/launix-de/jitcore/target"
)

// workaround for flags package to allow multiple values
type arrayFlags []string

func (i *arrayFlags) String() string {
	return strings.Join(*i, ",")
}

func (i *arrayFlags) Set(value string) error {
	*i = append(*i, value)
	return nil
}

func main() {
	// init random generator for UUIDs
	uuid.SetRand(rand.Reader)

	var sets arrayFlags
	flag.Var(&sets, "set", "Override a setting, e.g. -set PageSize=16KiB (repeatable)")
	tgtName := flag.String("target", "amd64", "Target architecture: amd64, arm64 or arm")
	settingsFile := flag.String("settings", "", "JSON file with compiler settings")
	cacheCfg := flag.String("cache", "", "Artifact cache: a directory or a backend config .json")
	compression := flag.String("compress", "lz4", "Artifact compression: none, lz4 or xz")
	traceDir := flag.String("trace", "", "Write a chrome trace of all compiles into this folder")
	listing := flag.Bool("S", false, "Print the assembly listing of each method")
	watch := flag.Bool("watch", false, "Recompile the given files whenever they change")
	interactive := flag.Bool("i", false, "Start the interactive prompt after compiling the given files")
	jobs := flag.Int("j", 0, "Number of parallel compiles (0 = number of files)")
	verbose := flag.Bool("v", false, "Log compile decisions")
	debug := flag.Bool("vv", false, "Log everything")
	profile := flag.String("profile", "", "Write a CPU profile to this file")
	flag.Parse()
	files := flag.Args()

	s, err := loadSettings(*settingsFile, sets, *verbose, *debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	tgt, err := target.ByName(*tgtName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	sess := newSession(tgt, s)
	if *cacheCfg != "" {
		if err := sess.openCache(*cacheCfg, *compression); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if *traceDir != "" || s.Trace {
		dir := *traceDir
		if dir == "" {
			dir = "."
		}
		if sess.trace, err = codegen.OpenTrace(dir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if *profile != "" {
		f, err := os.Create(*profile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		defer f.Close()
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// install exit handler
	onexit.Register(sess.shutdown)
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-cancelChan
		sess.shutdown()
		os.Exit(1)
	}()

	failed := 0
	if len(files) > 0 {
		failed = sess.batch(os.Stdout, files, *jobs, *listing)
	}
	switch {
	case *watch && len(files) > 0:
		if err := sess.watch(os.Stdout, files, *listing); err != nil {
			sess.log.Error("watch: %v", err)
			failed++
		}
	case *interactive || len(files) == 0:
		sess.repl()
	}

	sess.shutdown()
	if failed > 0 {
		os.Exit(1)
	}
}

func loadSettings(file string, sets []string, verbose, debug bool) (codegen.Settings, error) {
	s := codegen.DefaultSettings()
	if file != "" {
		var err error
		if s, err = codegen.LoadSettings(file); err != nil {
			return s, err
		}
	}
	switch {
	case debug:
		s.LogLevel = "DEBUG"
	case verbose:
		s.LogLevel = "INFO"
	}
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return s, fmt.Errorf("-set %s: expecting KEY=VALUE", kv)
		}
		if err := s.Set(k, v); err != nil {
			return s, err
		}
	}
	return s, nil
}

// session is the state shared by batch, watch and the prompt.
type session struct {
	mu       sync.Mutex // guards tgt and settings
	tgt      target.Target
	settings codegen.Settings

	log      *xlog.Log
	registry *codecache.Registry
	trace    *codegen.Tracefile
	closing  sync.Once
}

func newSession(tgt target.Target, s codegen.Settings) *session {
	log := s.Logger()
	return &session{
		tgt:      tgt,
		settings: s,
		log:      log,
		registry: codecache.NewRegistry(nil, codecache.CompressNone, log),
	}
}

func (s *session) openCache(cfgPath, compression string) error {
	c, err := codecache.ParseCompression(compression)
	if err != nil {
		return err
	}
	cfg := codecache.BackendConfig{Backend: "file", Path: cfgPath}
	if strings.HasSuffix(cfgPath, ".json") {
		if cfg, err = codecache.LoadBackendConfig(cfgPath); err != nil {
			return err
		}
	}
	store, err := codecache.OpenStore(cfg)
	if err != nil {
		return err
	}
	s.registry = codecache.NewRegistry(store, c, s.log)
	return nil
}

func (s *session) config() (target.Target, codegen.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tgt, s.settings
}

func (s *session) shutdown() {
	s.closing.Do(func() {
		if err := s.registry.Flush(); err != nil {
			s.log.Error("flushing artifact cache: %v", err)
		}
		if s.trace != nil {
			s.trace.Close()
		}
	})
}
