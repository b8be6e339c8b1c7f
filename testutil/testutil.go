// Package testutil provides shared test utilities for buddymirror tests.
package testutil

import (
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// WriteChunk creates root/rel with data, including parent directories.
func WriteChunk(t *testing.T, root, rel string, data []byte) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create chunk dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write chunk: %v", err)
	}
	return path
}

// ReadChunk returns the content of root/rel.
func ReadChunk(t *testing.T, root, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatalf("failed to read chunk: %v", err)
	}
	return data
}

// SetTimes sets atime and mtime of root/rel.
func SetTimes(t *testing.T, root, rel string, ts time.Time) {
	t.Helper()
	if err := os.Chtimes(filepath.Join(root, rel), ts, ts); err != nil {
		t.Fatalf("failed to set times: %v", err)
	}
}

// ListFiles returns all regular files below root as sorted relative paths.
func ListFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to list %s: %v", root, err)
	}
	sort.Strings(out)
	return out
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// WaitFor polls cond every interval until it holds or timeout passes.
func WaitFor(t *testing.T, timeout, interval time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(interval)
	}
	return cond()
}
