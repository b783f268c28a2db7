package storage

import (
	"path"
	"strings"
	"time"
)

// Layout maps the logical autosave files onto adapter paths under Root.
type Layout struct {
	Root string
}

func DefaultLayout() Layout { return Layout{Root: "autosave"} }

func (l Layout) join(elem ...string) string {
	return path.Join(append([]string{l.Root}, elem...)...)
}

func (l Layout) Current() string    { return l.join("current.json") }
func (l Layout) Index() string      { return l.join("index.json") }
func (l Layout) HistoryDir() string { return l.join("history") }
func (l Layout) Lease() string      { return l.join("project.lock") }

func (l Layout) History(name string) string { return l.join("history", name) }

// SnapshotName renders ts as a file name that sorts chronologically and is
// safe on every adapter.
func SnapshotName(ts time.Time, ext string) string {
	s := ts.UTC().Format("20060102T150405.000000000Z")
	s = strings.ReplaceAll(s, ".", "-")
	return s + ext
}
