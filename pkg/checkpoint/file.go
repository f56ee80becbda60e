package checkpoint

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
)

// File keeps every source's checkpoint in one YAML file. Each save rewrites
// the file through a temporary file and a rename, so a crash never leaves a
// half-written checkpoint behind.
type File struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*File)(nil)

type fileDoc struct {
	Checkpoints []Entry `yaml:"checkpoints"`
}

// OpenFile loads the checkpoint file at path. A missing file is an empty
// store.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.NewConfigError("checkpoint", "file path is required", nil)
	}
	f := &File{path: path, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, errors.WrapIO("read", path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapParse("yaml", path, err)
	}
	for _, e := range doc.Checkpoints {
		f.entries[e.Source] = e
	}
	return f, nil
}

// Path returns the checkpoint file path.
func (f *File) Path() string { return f.path }

// Load implements Store.
func (f *File) Load(_ context.Context, source string) (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[source]
	return e, ok, nil
}

// Save implements Store.
func (f *File) Save(_ context.Context, entry Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.entries[entry.Source]
	f.entries[entry.Source] = entry
	if err := f.flush(); err != nil {
		if had {
			f.entries[entry.Source] = prev
		} else {
			delete(f.entries, entry.Source)
		}
		return err
	}
	return nil
}

// List implements Store.
func (f *File) List(context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sorted(f.entries), nil
}

// Close implements Store.
func (f *File) Close() error { return nil }

func (f *File) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), constants.DirPermissions); err != nil {
		return errors.WrapIO("create", filepath.Dir(f.path), err)
	}
	data, err := yaml.Marshal(fileDoc{Checkpoints: sorted(f.entries)})
	if err != nil {
		return errors.WrapParse("yaml", f.path, err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, constants.FilePermissions); err != nil {
		return errors.WrapIO("write", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapIO("rename", f.path, err)
	}
	return nil
}

func validate(e Entry) error {
	if e.Source == "" {
		return errors.NewValidationError("source", e.Source, "checkpoint source is required")
	}
	return nil
}
