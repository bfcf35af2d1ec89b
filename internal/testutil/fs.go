package testutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"tm-go/internal/tm"
)

// FaultyFileSystem wraps a tm.FileSystem and fails selected operations.
// Faults match on the operation name and a path suffix.
type FaultyFileSystem struct {
	tm.FileSystem

	mu     sync.Mutex
	faults []fault
	calls  map[string]int
}

type fault struct {
	op     string
	suffix string
	err    error
}

// NewFaultyFileSystem wraps base. With no faults registered it behaves
// exactly like base.
func NewFaultyFileSystem(base tm.FileSystem) *FaultyFileSystem {
	return &FaultyFileSystem{FileSystem: base, calls: make(map[string]int)}
}

// FailOn makes op ("open", "create", "link", "mkdir", "readdir",
// "writefile", "removeall") fail with err for paths ending in suffix.
func (f *FaultyFileSystem) FailOn(op, suffix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault{op: op, suffix: suffix, err: err})
}

// Calls returns how often op was invoked.
func (f *FaultyFileSystem) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyFileSystem) check(op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for _, ft := range f.faults {
		if ft.op == op && strings.HasSuffix(path, ft.suffix) {
			return &fs.PathError{Op: op, Path: path, Err: ft.err}
		}
	}
	return nil
}

func (f *FaultyFileSystem) Open(path string) (io.ReadCloser, error) {
	if err := f.check("open", path); err != nil {
		return nil, err
	}
	return f.FileSystem.Open(path)
}

func (f *FaultyFileSystem) Create(path string, perm fs.FileMode) (io.WriteCloser, error) {
	if err := f.check("create", path); err != nil {
		return nil, err
	}
	return f.FileSystem.Create(path, perm)
}

func (f *FaultyFileSystem) Link(oldname, newname string) error {
	if err := f.check("link", newname); err != nil {
		return err
	}
	return f.FileSystem.Link(oldname, newname)
}

func (f *FaultyFileSystem) Mkdir(path string, perm fs.FileMode) error {
	if err := f.check("mkdir", path); err != nil {
		return err
	}
	return f.FileSystem.Mkdir(path, perm)
}

func (f *FaultyFileSystem) ReadDir(path string) ([]fs.DirEntry, error) {
	if err := f.check("readdir", path); err != nil {
		return nil, err
	}
	return f.FileSystem.ReadDir(path)
}

func (f *FaultyFileSystem) WriteFile(path string, data []byte, perm fs.FileMode) error {
	if err := f.check("writefile", path); err != nil {
		return err
	}
	return f.FileSystem.WriteFile(path, data, perm)
}

func (f *FaultyFileSystem) RemoveAll(path string) error {
	if err := f.check("removeall", path); err != nil {
		return err
	}
	return f.FileSystem.RemoveAll(path)
}

// WriteTree creates files under root. Keys are slash-separated relative
// paths, values the file content.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("creating %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
}

// ReadFile returns the content of path, failing the test on error.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

// Inode returns the inode number of path without following symlinks.
func Inode(t *testing.T, path string) uint64 {
	t.Helper()
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		t.Fatalf("lstat %s: %v", path, err)
	}
	return uint64(st.Ino)
}

// ListTree returns the slash-separated relative paths of all regular files
// and symlinks below root, in lexical order.
func ListTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("walking %s: %v", root, err)
	}
	return out
}
