// Package storage holds the byte-oriented storage adapters the autosave
// engine persists through. Paths are slash-separated and relative to the
// adapter's root.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("storage: not found")

// Adapter is the narrow storage surface consumed by the writer, history
// ledger and fallback lease. Write need not be atomic; callers that need
// atomic replacement write a temporary path and Rename it.
type Adapter interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Rename(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, name string) error
	// List returns the base names of the files directly inside dir, sorted.
	// A missing dir yields an empty list.
	List(ctx context.Context, dir string) ([]string, error)
}

// Clean validates a logical path and returns its canonical form.
func Clean(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("storage: empty path")
	}
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("storage: absolute path %q", name)
	}
	c := path.Clean(name)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("storage: path %q escapes root", name)
	}
	return c, nil
}

// childNames filters flat keys down to the direct children of dir.
func childNames(keys []string, dir string) []string {
	prefix := ""
	if d := path.Clean(dir); d != "." && d != "" {
		prefix = d + "/"
	}
	var out []string
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out
}
