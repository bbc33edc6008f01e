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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tracefile writes compile phases in the chrome trace event format
// (chrome://tracing, perfetto). One file may be shared by concurrent
// compilations, each compilation uses its own tid.
type Tracefile struct {
	isFirst bool
	file    io.WriteCloser
	m       sync.Mutex
	nextTid int
}

var traceStart = time.Now()

// OpenTrace creates trace_<unix time>.json inside dir.
func OpenTrace(dir string) (*Tracefile, error) {
	f, err := os.Create(filepath.Join(dir, "trace_"+fmt.Sprint(time.Now().Unix())+".json"))
	if err != nil {
		return nil, err
	}
	return NewTrace(f), nil
}

func NewTrace(file io.WriteCloser) *Tracefile {
	file.Write([]byte("["))
	result := new(Tracefile)
	result.file = file
	result.isFirst = true
	return result
}

func (t *Tracefile) Close() {
	t.m.Lock()
	defer t.m.Unlock()
	t.file.Write([]byte("]"))
	t.file.Close()
}

func (t *Tracefile) newTid() int {
	t.m.Lock()
	defer t.m.Unlock()
	t.nextTid++
	return t.nextTid
}

func (t *Tracefile) Duration(name string, cat string, tid int, f func()) {
	t.EventHalf(name, cat, "B", tid, 0)
	defer t.EventHalf(name, cat, "E", tid, 0)
	f()
}

func (t *Tracefile) EventHalf(name string, cat string, typ string, tid int, pid int) {
	ts := time.Since(traceStart).Microseconds()
	t.EventFull(name, cat, typ, ts, tid, pid)
}

/*
@name string phase or method
@cat string comma separated categories (for filtering)
@typ B/E for begin/end, X for events
@ts timestamp in microseconds
@pid process id
@tid compilation id
*/
func (t *Tracefile) EventFull(name string, cat string, typ string, ts int64, tid int, pid int) {
	t.m.Lock()
	defer t.m.Unlock()
	if t.isFirst {
		t.isFirst = false
	} else {
		t.file.Write([]byte(",\n"))
	}
	t.file.Write([]byte("{\"name\": "))
	b, _ := json.Marshal(name)
	t.file.Write(b)
	t.file.Write([]byte(", \"cat\": "))
	b, _ = json.Marshal(cat)
	t.file.Write(b)
	t.file.Write([]byte(", \"ph\": \""))
	t.file.Write([]byte(typ))
	t.file.Write([]byte("\", \"ts\": "))
	b, _ = json.Marshal(ts)
	t.file.Write(b)
	t.file.Write([]byte(", \"pid\": "))
	b, _ = json.Marshal(pid)
	t.file.Write(b)
	t.file.Write([]byte(", \"tid\": "))
	b, _ = json.Marshal(tid)
	t.file.Write(b)
	t.file.Write([]byte(", \"s\": \"g\"}"))
}
