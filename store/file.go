package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// File is a durable KeyValueStore kept in a single sealed file.
//
// The whole map is CBOR encoded and sealed on every write, then swapped in
// with a rename, so a reader never observes a half-applied Update.
type File struct {
	mu     sync.Mutex
	path   string
	sealer *Sealer
}

// NewFile returns a File store at path. The file is created on first write.
func NewFile(path string, sealer *Sealer) *File {
	return &File{path: path, sealer: sealer}
}

// aad binds the sealed content to the file name.
func (f *File) aad() []byte {
	return []byte("zkauth:" + filepath.Base(f.path))
}

func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := f.sealer.Open(raw, f.aad())
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := cbor.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return m, nil
}

func (f *File) save(m map[string]string) error {
	plain, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	sealed, err := f.sealer.Seal(plain, f.aad())
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (f *File) Set(ctx context.Context, key, value string) error {
	return f.Update(ctx, Changes{}.Put(key, value))
}

func (f *File) Delete(ctx context.Context, key string) error {
	return f.Update(ctx, Changes{}.Remove(key))
}

func (f *File) Update(ctx context.Context, changes Changes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return err
	}
	changes.apply(m)
	return f.save(m)
}

var _ KeyValueStore = (*File)(nil)
