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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/launix-de/NonLockingReadMap"
	"github.com/launix-de/go-mysqlstack/xlog"

	"github.com/launix-de/jitcore/codegen"
)

const artifactVersion = 1

// Entry is one compiled method. Entries are immutable; a recompile
// replaces the whole entry.
type Entry struct {
	Name   string // storage name, <target>/<method>.jit
	ID     uuid.UUID
	Result *codegen.Result
}

/* implement NonLockingReadMap */
func (e Entry) GetKey() string {
	return e.Name
}

func (e Entry) ComputeSize() uint {
	r := e.Result
	sz := uint(len(e.Name)) + 16 + 8
	if r == nil {
		return sz
	}
	sz += uint(len(r.Code) + len(r.GCInfo) + 24*len(r.EH) + 4*len(r.EpilogSizes))
	for _, u := range r.Unwind {
		sz += uint(32 + 24*len(u.Codes) + 8*len(u.Epilogs))
	}
	for _, l := range r.Listing {
		sz += uint(16 + len(l))
	}
	return sz
}

type artifact struct {
	Version int             `json:"version"`
	ID      uuid.UUID       `json:"id"`
	Result  *codegen.Result `json:"result"`
}

// Registry maps (target, method) to the latest compiled entry. Reads never
// block; writes are rare and go to the store on Flush.
type Registry struct {
	entries     NonLockingReadMap.NonLockingReadMap[Entry, string]
	store       Store // nil keeps everything in memory
	compression Compression
	log         *xlog.Log

	mu    sync.Mutex      // serializes writers of entries and dirty
	dirty map[string]bool // names to write (true) or remove (false)
}

func NewRegistry(store Store, c Compression, log *xlog.Log) *Registry {
	if log == nil {
		log = xlog.NewStdLog(xlog.Level(xlog.ERROR))
	}
	return &Registry{
		entries:     NonLockingReadMap.New[Entry, string](),
		store:       store,
		compression: c,
		log:         log,
		dirty:       make(map[string]bool),
	}
}

// Put registers a compile result, replacing an older one of the same method.
func (r *Registry) Put(res *codegen.Result) *Entry {
	e := &Entry{Name: objectName(res.Target, res.Method), ID: res.ID, Result: res}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Set appends instead of replacing an existing key
	if old := r.entries.Remove(e.Name); old != nil {
		r.log.Debug("codecache: replacing %s %s by %s", e.Name, old.ID, e.ID)
	}
	r.entries.Set(e)
	r.dirty[e.Name] = true
	return e
}

// Lookup only consults memory.
func (r *Registry) Lookup(tgt, method string) *Entry {
	return r.entries.Get(objectName(tgt, method))
}

// Get consults memory and then the store.
func (r *Registry) Get(tgt, method string) (*Entry, error) {
	name := objectName(tgt, method)
	if e := r.entries.Get(name); e != nil {
		return e, nil
	}
	if r.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.load(name)
}

func (r *Registry) load(name string) (*Entry, error) {
	rc, err := r.store.Read(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	payload, c, err := decompressor(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	var a artifact
	dec := json.NewDecoder(payload)
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("codecache: %s: %w", name, err)
	}
	if a.Version != artifactVersion || a.Result == nil {
		return nil, fmt.Errorf("codecache: %s: unsupported artifact version %d", name, a.Version)
	}
	e := &Entry{Name: name, ID: a.ID, Result: a.Result}
	// an entry put in the meantime wins
	r.mu.Lock()
	if cur := r.entries.Get(name); cur != nil {
		r.mu.Unlock()
		return cur, nil
	}
	r.entries.Set(e)
	r.mu.Unlock()
	r.log.Debug("codecache: loaded %s (%s, %s)", name, c, units.BytesSize(float64(e.ComputeSize())))
	return e, nil
}

// LoadAll reads every artifact of the store into memory.
func (r *Registry) LoadAll() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	names, err := r.store.List()
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, name := range names {
		if r.entries.Get(name) != nil {
			continue
		}
		if _, err := r.load(name); err != nil {
			r.log.Warning("codecache: skipping %s: %v", name, err)
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (r *Registry) Remove(tgt, method string) bool {
	name := objectName(tgt, method)
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.entries.Remove(name)
	r.dirty[name] = false
	return old != nil
}

// All returns the entries ordered by name.
func (r *Registry) All() []*Entry {
	return r.entries.GetAll()
}

func (r *Registry) Size() uint {
	return r.entries.ComputeSize()
}

func (r *Registry) String() string {
	return fmt.Sprintf("%d methods, %s", len(r.All()), units.BytesSize(float64(r.Size())))
}

// Flush writes changed entries to the store and deletes removed ones.
func (r *Registry) Flush() error {
	r.mu.Lock()
	dirty := r.dirty
	r.dirty = make(map[string]bool)
	r.mu.Unlock()
	if r.store == nil {
		return nil
	}

	names := make([]string, 0, len(dirty))
	for name := range dirty {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		var err error
		if e := r.entries.Get(name); e != nil && dirty[name] {
			err = r.write(e)
		} else if e == nil {
			err = r.store.Remove(name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			// retry with the next flush
			r.mu.Lock()
			if _, again := r.dirty[name]; !again {
				r.dirty[name] = dirty[name]
			}
			r.mu.Unlock()
		}
	}
	if len(names) > 0 {
		r.log.Info("codecache: flushed %d artifacts, %s", len(names), r)
	}
	return errors.Join(errs...)
}

func (r *Registry) write(e *Entry) error {
	w, err := r.store.Write(e.Name)
	if err != nil {
		return err
	}
	cw, err := compressor(w, r.compression)
	if err != nil {
		w.Close()
		return err
	}
	err = json.NewEncoder(cw).Encode(artifact{Version: artifactVersion, ID: e.ID, Result: e.Result})
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}
