package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const fileExt = ".session"

// FileStore maps identities to <dir>/<identity>.session, with '+' replaced by '_'.
type FileStore struct {
	dir     string
	minSize int64
}

func NewFileStore(cfg Config) *FileStore {
	cfg = cfg.withDefaults()
	return &FileStore{dir: cfg.Dir, minSize: cfg.MinValidSize}
}

func (f *FileStore) Dir() string { return f.dir }

// Path resolves identity to its session file. Identities that would escape
// the store directory are rejected.
func (f *FileStore) Path(identity string) (string, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return "", errors.New("session: identity is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("session: invalid identity %q", identity)
	}
	return filepath.Join(f.dir, strings.ReplaceAll(id, "+", "_")+fileExt), nil
}

// Size returns the persisted size. A missing file reports fs.ErrNotExist.
func (f *FileStore) Size(identity string) (int64, error) {
	p, err := f.Path(identity)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Remove deletes the session file and its sqlite sidecars. Missing files are fine.
func (f *FileStore) Remove(identity string) error {
	p, err := f.Path(identity)
	if err != nil {
		return err
	}
	for _, name := range []string{p, p + "-journal", p + "-wal", p + "-shm"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// CheckIntegrity returns a CorruptResourceError for files smaller than the
// minimum valid size. A missing file is a fresh session and passes.
func (f *FileStore) CheckIntegrity(identity string) error {
	size, err := f.Size(identity)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if size < f.minSize {
		return &CorruptResourceError{Identity: identity, Err: fmt.Errorf("size %d below minimum %d", size, f.minSize)}
	}
	return nil
}

func (f *FileStore) ensureDir() error {
	return os.MkdirAll(f.dir, 0o700)
}
