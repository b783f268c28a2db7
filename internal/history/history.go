// Package history keeps the bounded ledger of retained document snapshots.
//
// The ledger lives in an index file listing entries oldest-first. New
// entries are appended at the newest end; eviction removes from the oldest
// end until both the generation cap and the byte cap hold. A snapshot file
// is always committed before the index that references it, and evicted
// files are deleted only after the index that drops them is committed, so
// the index never names a missing file.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
	"github.com/RNA4219/Conimgponic-sub000/internal/writer"
)

const (
	IndexVersion = 1

	DefaultMaxGenerations = 20
	DefaultMaxBytes       = 50 << 20
)

// ErrNoSnapshot is returned when no ledger entry matches a timestamp.
var ErrNoSnapshot = errors.New("history: no snapshot for timestamp")

type Location string

const (
	LocationCurrent Location = "current"
	LocationHistory Location = "history"
)

type Entry struct {
	Generation uint32    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
	File       string    `json:"file"`
	Bytes      uint64    `json:"bytes"`
	RawBytes   uint64    `json:"rawBytes"`
	Codec      string    `json:"codec"`
	Location   Location  `json:"location"`
	Retained   bool      `json:"retained"`
}

// Index is the persisted ledger.
type Index struct {
	Version        int     `json:"version"`
	NextGeneration uint32  `json:"nextGeneration"`
	TotalBytes     uint64  `json:"totalBytes"`
	Entries        []Entry `json:"entries"`
}

func emptyIndex() *Index {
	return &Index{Version: IndexVersion, NextGeneration: 1, Entries: []Entry{}}
}

type Limits struct {
	MaxGenerations int
	MaxBytes       uint64
}

func DefaultLimits() Limits {
	return Limits{MaxGenerations: DefaultMaxGenerations, MaxBytes: DefaultMaxBytes}
}

func totalBytes(entries []Entry) uint64 {
	var n uint64
	for _, e := range entries {
		n += e.Bytes
	}
	return n
}

// Rotate appends next to ledger and evicts from the oldest end until both
// caps hold. ledger is not modified. If the caps cannot be met even with
// every older entry evicted, Rotate returns a history-overflow error and
// no plan.
func Rotate(ledger []Entry, next Entry, limits Limits) (kept, evicted []Entry, err error) {
	if limits.MaxGenerations < 1 || next.Bytes > limits.MaxBytes {
		return nil, nil, failure.Fatal(failure.HistoryOverflow, "rotate",
			fmt.Errorf("entry of %d bytes cannot fit limits (max %d entries, %d bytes)",
				next.Bytes, limits.MaxGenerations, limits.MaxBytes))
	}

	all := make([]Entry, 0, len(ledger)+1)
	all = append(all, ledger...)
	all = append(all, next)

	total := totalBytes(all)
	cut := 0
	for cut < len(all)-1 && (len(all)-cut > limits.MaxGenerations || total > limits.MaxBytes) {
		total -= all[cut].Bytes
		cut++
	}

	for i := range all[:cut] {
		all[i].Retained = false
	}
	return all[cut:], append([]Entry(nil), all[:cut]...), nil
}

type Options struct {
	Layout        storage.Layout
	Limits        Limits
	Codec         Codec
	Logger        *obs.Logger
	Metrics       *obs.Metrics
	GCConcurrency int
}

// Manager reads and rotates the ledger. It holds no ledger cache: the
// index is reloaded on every operation because other instances commit it
// under the shared lease.
type Manager struct {
	store  storage.Adapter
	writer *writer.Writer
	opts   Options

	mu sync.Mutex
}

func NewManager(store storage.Adapter, w *writer.Writer, opts Options) *Manager {
	if opts.Layout.Root == "" {
		opts.Layout = storage.DefaultLayout()
	}
	if opts.Limits.MaxGenerations == 0 && opts.Limits.MaxBytes == 0 {
		opts.Limits = DefaultLimits()
	}
	if opts.Codec == nil {
		opts.Codec = noneCodec{}
	}
	if opts.GCConcurrency <= 0 {
		opts.GCConcurrency = 4
	}
	return &Manager{store: store, writer: w, opts: opts}
}

func (m *Manager) Limits() Limits { return m.opts.Limits }

// Load reads the index. A missing index is an empty ledger; one that does
// not parse is data-corrupted.
func (m *Manager) Load(ctx context.Context) (*Index, error) {
	raw, err := m.store.Read(ctx, m.opts.Layout.Index())
	if errors.Is(err, storage.ErrNotFound) {
		return emptyIndex(), nil
	}
	if err != nil {
		return nil, failure.Wrap(failure.WriteFailed, "read index", err)
	}
	return ParseIndex(raw)
}

// ParseIndex validates and decodes raw index bytes.
func ParseIndex(raw []byte) (*Index, error) {
	if err := validateIndex(raw); err != nil {
		return nil, failure.Fatal(failure.DataCorrupted, "parse index", err)
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, failure.Fatal(failure.DataCorrupted, "parse index", err)
	}
	if idx.Version != IndexVersion {
		return nil, failure.Fatal(failure.DataCorrupted, "parse index",
			fmt.Errorf("unsupported index version %d", idx.Version))
	}
	var prev uint32
	for i, e := range idx.Entries {
		if i > 0 && e.Generation <= prev {
			return nil, failure.Fatal(failure.DataCorrupted, "parse index",
				fmt.Errorf("generation %d out of order after %d", e.Generation, prev))
		}
		prev = e.Generation
	}
	if idx.NextGeneration <= prev {
		idx.NextGeneration = prev + 1
	}
	if idx.Entries == nil {
		idx.Entries = []Entry{}
	}
	idx.TotalBytes = totalBytes(idx.Entries)
	return &idx, nil
}

// Commit describes one recorded snapshot.
type Commit struct {
	Entry   Entry
	Evicted []Entry
	Index   *Index
}

// NextGeneration reports the generation the next Record will assign.
func (m *Manager) NextGeneration(ctx context.Context) (uint32, error) {
	idx, err := m.Load(ctx)
	if err != nil {
		return 0, err
	}
	return idx.NextGeneration, nil
}

// Record writes payload as a new history snapshot and commits an index that
// includes it and drops whatever rotation evicts. Evicted files are left for
// Collect. Overflow is detected before anything is written.
func (m *Manager) Record(ctx context.Context, payload []byte, ts time.Time) (Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	idx, err := m.Load(ctx)
	if err != nil {
		return Commit{}, err
	}

	encoded, err := m.opts.Codec.Encode(payload)
	if err != nil {
		return Commit{}, failure.Fatal(failure.WriteFailed, "encode snapshot", err)
	}

	gen := idx.NextGeneration
	entry := Entry{
		Generation: gen,
		Timestamp:  ts.UTC(),
		File:       m.fileName(idx, ts, gen),
		Bytes:      uint64(len(encoded)),
		RawBytes:   uint64(len(payload)),
		Codec:      m.opts.Codec.Name(),
		Location:   LocationHistory,
		Retained:   true,
	}

	kept, evicted, err := Rotate(idx.Entries, entry, m.opts.Limits)
	if err != nil {
		return Commit{}, err
	}

	if err := m.writer.WriteFile(ctx, m.opts.Layout.History(entry.File), encoded); err != nil {
		return Commit{}, err
	}

	next := &Index{
		Version:        IndexVersion,
		NextGeneration: gen + 1,
		TotalBytes:     totalBytes(kept),
		Entries:        kept,
	}
	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return Commit{}, failure.Fatal(failure.WriteFailed, "encode index", err)
	}
	if err := m.writer.WriteFile(ctx, m.opts.Layout.Index(), raw); err != nil {
		// The old index is still in place and does not name the new file.
		if derr := m.store.Delete(ctx, m.opts.Layout.History(entry.File)); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			err = multierr.Append(err, derr)
		}
		return Commit{}, err
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.HistoryEntries.Set(float64(len(next.Entries)))
		m.opts.Metrics.HistoryBytes.Set(float64(next.TotalBytes))
	}
	if m.opts.Logger != nil {
		m.opts.Logger.Info(map[string]interface{}{
			"op":          "history_record",
			"generation":  gen,
			"file":        entry.File,
			"bytes":       entry.Bytes,
			"entries":     len(next.Entries),
			"total_bytes": next.TotalBytes,
			"evicted":     len(evicted),
			"latency_ms":  time.Since(start).Milliseconds(),
		})
	}
	return Commit{Entry: entry, Evicted: evicted, Index: next}, nil
}

func (m *Manager) fileName(idx *Index, ts time.Time, gen uint32) string {
	ext := m.opts.Codec.Ext()
	name := storage.SnapshotName(ts, ext)
	for _, e := range idx.Entries {
		if e.File == name {
			return strings.TrimSuffix(name, ext) + fmt.Sprintf("-g%d", gen) + ext
		}
	}
	return name
}

// Collect deletes the backing files of evicted entries. Files already gone
// are ignored.
func (m *Manager) Collect(ctx context.Context, evicted []Entry) error {
	if len(evicted) == 0 {
		return nil
	}
	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.GCConcurrency)
	for _, e := range evicted {
		p := m.opts.Layout.History(e.File)
		g.Go(func() error {
			if err := m.store.Delete(gctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", p, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// RecordAndRotate is Record followed by Collect.
func (m *Manager) RecordAndRotate(ctx context.Context, payload []byte, ts time.Time) (Commit, error) {
	c, err := m.Record(ctx, payload, ts)
	if err != nil {
		return c, err
	}
	return c, m.Collect(ctx, c.Evicted)
}

// List returns the retained entries, oldest first.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	idx, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), idx.Entries...), nil
}

// Latest returns the newest entry, or nil for an empty ledger.
func (m *Manager) Latest(ctx context.Context) (*Entry, error) {
	idx, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(idx.Entries) == 0 {
		return nil, nil
	}
	e := idx.Entries[len(idx.Entries)-1]
	return &e, nil
}

// Read returns the decoded snapshot recorded at ts.
func (m *Manager) Read(ctx context.Context, ts time.Time) ([]byte, Entry, error) {
	idx, err := m.Load(ctx)
	if err != nil {
		return nil, Entry{}, err
	}
	for i := len(idx.Entries) - 1; i >= 0; i-- {
		if idx.Entries[i].Timestamp.Equal(ts) {
			b, err := m.ReadEntry(ctx, idx.Entries[i])
			return b, idx.Entries[i], err
		}
	}
	return nil, Entry{}, ErrNoSnapshot
}

// ReadEntry loads and decodes the file behind e. A missing file, a decode
// failure or a payload that is not JSON is data-corrupted.
func (m *Manager) ReadEntry(ctx context.Context, e Entry) ([]byte, error) {
	p := m.opts.Layout.History(e.File)
	raw, err := m.store.Read(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, failure.Fatal(failure.DataCorrupted, "read snapshot", fmt.Errorf("%s referenced by index is missing", p))
	}
	if err != nil {
		return nil, failure.Wrap(failure.WriteFailed, "read snapshot", err)
	}
	codec, err := CodecByName(e.Codec)
	if err != nil {
		return nil, failure.Fatal(failure.DataCorrupted, "read snapshot", err)
	}
	doc, err := codec.Decode(raw)
	if err != nil {
		return nil, failure.Fatal(failure.DataCorrupted, "decode snapshot "+p, err)
	}
	if !json.Valid(doc) {
		return nil, failure.Fatal(failure.DataCorrupted, "parse snapshot", fmt.Errorf("%s is not valid JSON", p))
	}
	return doc, nil
}

// Orphans lists files in the history directory that the index does not
// reference, such as snapshots left by a crash before their index commit
// and leftover temporary files. It only reads.
func (m *Manager) Orphans(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphansLocked(ctx)
}

func (m *Manager) orphansLocked(ctx context.Context) ([]string, error) {
	idx, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	names, err := m.store.List(ctx, m.opts.Layout.HistoryDir())
	if err != nil {
		return nil, failure.Wrap(failure.WriteFailed, "list history", err)
	}
	referenced := make(map[string]struct{}, len(idx.Entries))
	for _, e := range idx.Entries {
		referenced[e.File] = struct{}{}
	}
	var out []string
	for _, name := range names {
		if _, ok := referenced[name]; !ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// Prune deletes the files Orphans reports and returns their names. Callers
// hold the flush lease: a file written by another instance that has not
// committed its index yet looks orphaned too.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orphans, err := m.orphansLocked(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs error
	for _, name := range orphans {
		if err := m.store.Delete(ctx, m.opts.Layout.History(name)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = multierr.Append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 && m.opts.Logger != nil {
		m.opts.Logger.Info(map[string]interface{}{
			"op":      "history_prune",
			"removed": removed,
		})
	}
	return removed, errs
}
