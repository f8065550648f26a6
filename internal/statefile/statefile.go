// Package statefile stores small JSON documents on disk with atomic
// replacement, for state that must survive restarts without a database
// round trip: shutdown markers, silenced devices, broadcast catalog,
// version-check bookkeeping, anomaly snapshots.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/netmapper/fabric/internal/domain/model"
)

// Dir hands out documents rooted in one directory, created on demand.
type Dir struct {
	root string

	mu    sync.Mutex
	files map[string]*File
}

func NewDir(root string) *Dir {
	return &Dir{root: root, files: make(map[string]*File)}
}

// File returns the document with the given name; ".json" is appended when
// the name carries no extension. Documents are cached so concurrent users
// share one lock.
func (d *Dir) File(name string) *File {
	if filepath.Ext(name) == "" {
		name += ".json"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[name]
	if !ok {
		f = &File{path: filepath.Join(d.root, name)}
		d.files[name] = f
	}
	return f
}

// File is one JSON document with atomic writes.
type File struct {
	path string
	mu   sync.Mutex
}

// Load unmarshals the document into v; a missing file is model.ErrNotFound.
func (f *File) Load(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read state file %s: %w", f.path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode state file %s: %w", f.path, err)
	}
	return nil
}

// Save writes the document via a temp file and rename, so readers never see
// a torn write.
func (f *File) Save(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// Remove deletes the document; missing is not an error.
func (f *File) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
