package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqlite3 "modernc.org/sqlite/lib"

	logx "completiond/pkg/logx"
)

func TestFileStorePath(t *testing.T) {
	t.Parallel()

	fs := NewFileStore(Config{Dir: "/var/lib/s"})
	got, err := fs.Path("+15550001")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if want := filepath.Join("/var/lib/s", "_15550001.session"); got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
	for _, bad := range []string{"", "..", "a/b", `a\b`} {
		if _, err := fs.Path(bad); err == nil {
			t.Fatalf("Path(%q) accepted", bad)
		}
	}
}

func TestFileStoreIntegrity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := NewFileStore(Config{Dir: dir})

	if err := fs.CheckIntegrity("fresh"); err != nil {
		t.Fatalf("missing file should pass: %v", err)
	}

	p, _ := fs.Path("tiny")
	if err := os.WriteFile(p, make([]byte, 100), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := fs.CheckIntegrity("tiny"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("tiny file err = %v, want ErrCorrupt", err)
	}
	if err := fs.Remove("tiny"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("file still present after Remove")
	}
	if err := fs.Remove("tiny"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestSQLiteOpenerCreatesValidSession(t *testing.T) {
	t.Parallel()

	cfg := Config{Dir: filepath.Join(t.TempDir(), "sessions")}
	store := NewFileStore(cfg)
	opener := NewSQLiteOpener(store, cfg)

	res, err := opener.Open(context.Background(), "+4400")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := res.(*Session)
	if !strings.HasSuffix(s.Path, "_4400.session") {
		t.Fatalf("Path = %q", s.Path)
	}
	if err := res.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	size, err := store.Size("+4400")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size < 1024 {
		t.Fatalf("size = %d, want >= 1024 so the session is reusable", size)
	}
	res, err = opener.Open(context.Background(), "+4400")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = res.Close()
}

func TestSQLiteOpenerRecoversFromGarbage(t *testing.T) {
	t.Parallel()

	cfg := Config{Dir: t.TempDir()}
	store := NewFileStore(cfg)
	p, _ := store.Path("carol")
	junk := []byte(strings.Repeat("not a database ", 200))
	if err := os.WriteFile(p, junk, 0o600); err != nil {
		t.Fatal(err)
	}

	opener := NewSQLiteOpener(store, cfg)
	if _, err := opener.Open(context.Background(), "carol"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Open(garbage) err = %v, want ErrCorrupt", err)
	}

	a := NewAcquirer(cfg, store, logx.Nop())
	res, err := a.Acquire(context.Background(), "carol", opener.Open)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = res.Close()
}

func TestClassifyCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want error
	}{
		{sqlite3.SQLITE_BUSY, ErrBusy},
		{sqlite3.SQLITE_LOCKED, ErrBusy},
		{sqlite3.SQLITE_BUSY | (2 << 8), ErrBusy},
		{sqlite3.SQLITE_CORRUPT, ErrCorrupt},
		{sqlite3.SQLITE_NOTADB, ErrCorrupt},
		{sqlite3.SQLITE_PERM, nil},
	}
	for _, tt := range tests {
		if got := classifyCode(tt.code); got != tt.want {
			t.Fatalf("classifyCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
