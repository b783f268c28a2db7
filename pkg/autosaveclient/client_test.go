package autosaveclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RNA4219/Conimgponic-sub000/internal/api"
	"github.com/RNA4219/Conimgponic-sub000/internal/autosave"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

func TestFlushWithRetry_SucceedsAfterUnavailable(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/flush" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		n := atomic.AddInt32(&calls, 1)

		w.Header().Set("Content-Type", "application/json")
		// First 2 calls: storage unavailable
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"write-failed: rename","code":"write-failed","retryable":true}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"phase":"idle","pendingBytes":0,"retryCount":0,"lastSuccessAt":"2026-01-02T03:04:05Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, &http.Client{Timeout: 2 * time.Second})

	st, err := c.FlushWithRetry(context.Background(), FlushOptions{
		MaxRetries:   10,
		MaxTotalWait: time.Second,
		MinRetry:     5 * time.Millisecond,
		MaxRetry:     20 * time.Millisecond,
		JitterFrac:   -1, // deterministic
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if !st.Idle() || st.LastSuccessAt == nil {
		t.Fatalf("unexpected status: %+v", st)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestFlushWithRetry_StopsOnFatal(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{
			"error": "history-overflow: record",
			"code": "history-overflow",
			"retryable": false,
			"status": {"phase":"disabled","pendingBytes":0,"retryCount":0,"stopped":true,
				"lastError":{"code":"history-overflow","message":"history-overflow: record","retryable":false}}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.FlushWithRetry(context.Background(), FlushOptions{MinRetry: time.Millisecond, JitterFrac: -1})

	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if re.Code != "history-overflow" || re.Retryable || re.Status != http.StatusConflict {
		t.Fatalf("unexpected error: %+v", re)
	}
	if re.Engine == nil || !re.Engine.Stopped || !re.Engine.Disabled() {
		t.Fatalf("expected stopped engine status, got %+v", re.Engine)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fatal flush must not be retried, got %d calls", got)
	}
}

func TestFlushWithRetry_HonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(srv.URL, nil)
	_, err := c.FlushWithRetry(ctx, FlushOptions{MaxRetries: 100, MinRetry: 10 * time.Millisecond, JitterFrac: -1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type board struct{ rev int64 }

func (b *board) provide(context.Context) (any, error) {
	return map[string]int64{"rev": atomic.AddInt64(&b.rev, 1)}, nil
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	e, err := autosave.Start(ctx, autosave.Options{
		Store:    storage.NewMemory(),
		Provider: (&board{}).provide,
		Debounce: 10 * time.Millisecond,
		Idle:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Dispose(ctx)

	srv := httptest.NewServer(api.NewServer(e, nil, nil).Handler())
	defer srv.Close()
	c := New(srv.URL, nil)

	if p, err := c.RestorePrompt(ctx); err != nil || p != nil {
		t.Fatalf("expected no prompt, got %+v err=%v", p, err)
	}
	if _, err := c.RestoreCurrent(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	st, err := c.MarkDirty(ctx, 512)
	if err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
	if st.Phase != "debouncing" || st.PendingBytes != 512 {
		t.Fatalf("unexpected status after mark: %+v", st)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	st, err = c.WaitIdle(waitCtx, PollOptions{Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if st.LastSuccessAt == nil {
		t.Fatalf("expected a completed flush, got %+v", st)
	}

	if _, err := c.FlushWithRetry(ctx, FlushOptions{}); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, err := c.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	doc, err := c.RestoreAt(ctx, entries[0].Timestamp)
	if err != nil {
		t.Fatalf("restore at: %v", err)
	}
	if strings.TrimSpace(string(doc)) != `{"rev":1}` {
		t.Fatalf("unexpected first snapshot %s", doc)
	}
	doc, err = c.RestoreCurrent(ctx)
	if err != nil {
		t.Fatalf("restore current: %v", err)
	}
	if strings.TrimSpace(string(doc)) != `{"rev":2}` {
		t.Fatalf("unexpected current %s", doc)
	}

	p, err := c.RestorePrompt(ctx)
	if err != nil || p == nil || !p.HasCurrent || p.Latest == nil || p.Latest.Generation != 2 {
		t.Fatalf("unexpected prompt %+v err=%v", p, err)
	}
	if _, err := c.RestoreAt(ctx, entries[0].Timestamp.Add(-time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown timestamp, got %v", err)
	}
}

func TestPollStatusStopsWhenDisabled(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case n <= 2:
			w.Write([]byte(`{"phase":"idle"}`))
		case n <= 4:
			w.Write([]byte(`{"phase":"error","retryCount":1,"degraded":true}`))
		default:
			w.Write([]byte(`{"phase":"disabled","stopped":true}`))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var phases []string
	for st := range New(srv.URL, nil).PollStatus(ctx, PollOptions{Interval: time.Millisecond}) {
		phases = append(phases, st.Phase)
	}
	want := []string{"idle", "error", "disabled"}
	if strings.Join(phases, ",") != strings.Join(want, ",") {
		t.Fatalf("phases=%v want %v", phases, want)
	}
}
