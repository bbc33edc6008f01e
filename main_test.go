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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/launix-de/jitcore/codecache"
	"github.com/launix-de/jitcore/codegen"
	"github.com/launix-de/jitcore/target"
)

const methodJSON = `{
  "name": "NAME",
  "locals": [
    {"name": "o", "type": "ref", "param": true, "arg_reg": "ARG", "reg": "SAVED", "tracked": true}
  ],
  "blocks": [
    {"kind": "return", "live_in": ["o"], "nodes": [
      {"kind": "call", "call": {"target": "sym:Work"}},
      {"kind": "use", "local": "o", "death": true}
    ]}
  ]
}`

func writeMethod(t *testing.T, dir, name, arg, saved string) string {
	t.Helper()
	r := strings.NewReplacer("NAME", name, "ARG", arg, "SAVED", saved)
	path := filepath.Join(dir, name+".json")
	if err := os.WriteFile(path, []byte(r.Replace(methodJSON)), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testSession(t *testing.T) (*session, string) {
	t.Helper()
	dir := t.TempDir()
	s := newSession(target.AMD64(), codegen.DefaultSettings())
	if err := s.openCache(filepath.Join(dir, "cache"), "xz"); err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestBatch(t *testing.T) {
	s, dir := testSession(t)
	files := []string{
		writeMethod(t, dir, "First", "rcx", "rbx"),
		writeMethod(t, dir, "Second", "rdx", "rsi"),
		filepath.Join(dir, "Missing.json"),
	}
	var out bytes.Buffer
	if failed := s.batch(&out, files, 2, true); failed != 1 {
		t.Errorf("%d failed:\n%s", failed, out.String())
	}
	text := out.String()
	first := strings.Index(text, "amd64/First:")
	second := strings.Index(text, "amd64/Second:")
	if first < 0 || second < first || !strings.Contains(text, "call sym:Work") {
		t.Errorf("report out of order or incomplete:\n%s", text)
	}
	if !strings.Contains(text, "2 compiled, 1 failed") {
		t.Errorf("summary missing:\n%s", text)
	}
	if len(s.registry.All()) != 2 {
		t.Errorf("registry %s", s.registry)
	}

	// the cache survives the session
	s.shutdown()
	s.shutdown()
	reopened := codecache.NewRegistry(codecache.NewFileStore(filepath.Join(dir, "cache")), codecache.CompressLZ4, nil)
	if e, err := reopened.Get("amd64", "Second"); err != nil || e.Result.Method != "Second" || len(e.Result.Code) == 0 {
		t.Errorf("persisted artifact: %v", err)
	}
}

func TestCommands(t *testing.T) {
	s, dir := testSession(t)
	path := writeMethod(t, dir, "Cmd", "x0", "x19")
	run := func(line string) string {
		t.Helper()
		var out bytes.Buffer
		quit, err := s.command(&out, line)
		if err != nil || quit {
			t.Fatalf("%s: %v %v", line, quit, err)
		}
		return out.String()
	}
	fails := func(line string) {
		t.Helper()
		if _, err := s.command(&bytes.Buffer{}, line); err == nil {
			t.Errorf("%s succeeded", line)
		}
	}

	if !strings.Contains(run("help"), "compile FILE") {
		t.Errorf("help text")
	}
	fails("compile " + path) // x0 is no amd64 register
	run("target arm64")
	if !strings.Contains(run("target"), "arm64") {
		t.Errorf("target not switched")
	}
	if out := run("asm " + path); !strings.Contains(out, "arm64/Cmd:") || !strings.Contains(out, "fp") {
		t.Errorf("asm:\n%s", out)
	}
	if out := run("show Cmd"); !strings.Contains(out, "call sym:Work") {
		t.Errorf("show:\n%s", out)
	}
	if out := run("list"); !strings.Contains(out, "arm64/Cmd.jit") || !strings.Contains(out, "1 methods") {
		t.Errorf("list:\n%s", out)
	}

	run("set BlockInitSlack 9")
	if out := run("get BlockInitSlack"); !strings.Contains(out, "9") {
		t.Errorf("get: %q", out)
	}
	if out := run("settings"); !strings.Contains(out, "BlockInitSlack") {
		t.Errorf("settings:\n%s", out)
	}
	fails("set BlockInitSlack")
	fails("set NoSuchKey 1")
	fails("get NoSuchKey")
	fails("target z80")
	fails("frobnicate")

	run("flush")
	run("drop Cmd")
	fails("drop Cmd")
	fails("show Cmd")
	run("flush")
	if out := run("load"); !strings.Contains(out, "loaded 0") {
		t.Errorf("dropped method reloaded:\n%s", out)
	}
	if quit, err := s.command(&bytes.Buffer{}, "exit"); !quit || err != nil {
		t.Errorf("exit: %v %v", quit, err)
	}
}

func TestLoadSettingsFlags(t *testing.T) {
	s, err := loadSettings("", []string{"PageSize=16KiB", "Funclets=false"}, true, false)
	if err != nil || s.PageSize != 16<<10 || s.Funclets || s.LogLevel != "INFO" {
		t.Errorf("settings %+v, %v", s, err)
	}
	if s, _ := loadSettings("", nil, true, true); s.LogLevel != "DEBUG" {
		t.Errorf("-vv gives %s", s.LogLevel)
	}
	if _, err := loadSettings("", []string{"PageSize"}, false, false); err == nil {
		t.Errorf("missing value accepted")
	}
	if _, err := loadSettings(filepath.Join(t.TempDir(), "none.json"), nil, false, false); err == nil {
		t.Errorf("missing settings file accepted")
	}
}
