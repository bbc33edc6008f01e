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
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

/*

artifact stores

A compiled method is persisted as one object per (target, method):
 - file system: in <basepath>/<target>/<method>.jit
 - s3: in <prefix>/<target>/<method>.jit

A store must implement the following operations:
 - read an object
 - write an object (visible after Close)
 - remove an object
 - list all object names

*/

type Store interface {
	Read(name string) (io.ReadCloser, error)
	Write(name string) (io.WriteCloser, error)
	Remove(name string) error
	List() ([]string, error)
}

var ErrNotFound = errors.New("codecache: artifact not found")

// BackendConfig selects and configures a store, e.g. read from cache.json.
type BackendConfig struct {
	Backend string `json:"backend"` // "file" or "s3"
	Path    string `json:"path,omitempty"`
	Prefix  string `json:"prefix,omitempty"`

	// S3-specific fields
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"` // MinIO and other S3-compatible services
	Bucket          string `json:"bucket,omitempty"`
	ForcePathStyle  bool   `json:"force_path_style,omitempty"`
}

func LoadBackendConfig(path string) (BackendConfig, error) {
	var cfg BackendConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func OpenStore(cfg BackendConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("codecache: file backend without path")
		}
		return NewFileStore(cfg.Path), nil
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("codecache: s3 backend without bucket")
		}
		return NewS3Store(cfg), nil
	}
	return nil, fmt.Errorf("codecache: unknown backend %q", cfg.Backend)
}

// objectName maps a method to a storage name; long method names are hashed.
func objectName(tgt, method string) string {
	if len(method) >= 64 || strings.ContainsAny(method, "/\\") {
		sum := sha256.Sum256([]byte(method))
		method = fmt.Sprintf("%x", sum[:8])
	}
	return tgt + "/" + method + ".jit"
}

type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) file(name string) string {
	return filepath.Join(s.path, filepath.FromSlash(name))
}

func (s *FileStore) Read(name string) (io.ReadCloser, error) {
	f, err := os.Open(s.file(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, err
}

// fileWriter writes to a temporary file and renames it on Close, so readers
// never see a half written artifact.
type fileWriter struct {
	*os.File
	final string
}

func (w *fileWriter) Close() error {
	if err := w.File.Close(); err != nil {
		os.Remove(w.File.Name())
		return err
	}
	return os.Rename(w.File.Name(), w.final)
}

func (s *FileStore) Write(name string) (io.WriteCloser, error) {
	p := s.file(name)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return nil, err
	}
	return &fileWriter{File: f, final: p}, nil
}

func (s *FileStore) Remove(name string) error {
	err := os.Remove(s.file(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == s.path {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".jit") {
			return nil
		}
		rel, err := filepath.Rel(s.path, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(names)
	return names, err
}
