package autosaveclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/RNA4219/Conimgponic-sub000/internal/retry"
)

type Client struct {
	baseURL string
	http    *http.Client

	mu  sync.Mutex
	rng *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ---- Wire format ----

type dirtyReq struct {
	Bytes uint64 `json:"bytes"`
}

type errorResp struct {
	Error     string  `json:"error"`
	Code      string  `json:"code,omitempty"`
	Retryable bool    `json:"retryable"`
	Status    *Status `json:"status,omitempty"`
}

type historyResp struct {
	Entries []HistoryEntry `json:"entries"`
}

// ---- Operations ----

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	path := c.baseURL + "/v1/status"
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return Status{}, err
	}
	if code != http.StatusOK {
		return Status{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return out, nil
}

func (c *Client) MarkDirty(ctx context.Context, estimatedBytes uint64) (Status, error) {
	var out Status
	path := c.baseURL + "/v1/dirty"
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, dirtyReq{Bytes: estimatedBytes}, &out)
	if err != nil {
		return Status{}, err
	}
	if code != http.StatusAccepted {
		return Status{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
	return out, nil
}

// FlushOnce asks the engine to flush now and waits for the outcome. A
// failed flush comes back as a *RequestError carrying the engine status.
func (c *Client) FlushOnce(ctx context.Context) (Status, error) {
	path := c.baseURL + "/v1/flush"
	body, code, raw, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return Status{}, err
	}
	switch {
	case code == http.StatusOK:
		var out Status
		if err := json.Unmarshal(body, &out); err != nil {
			return Status{}, fmt.Errorf("decode status: %w", err)
		}
		return out, nil
	case code == http.StatusConflict || code >= http.StatusInternalServerError:
		return Status{}, requestError("flush", code, body, raw)
	}
	return Status{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	path := c.baseURL + "/v1/history"
	body, code, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, requestError("history", code, body, raw)
	}
	var out historyResp
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out.Entries, nil
}

// RestorePrompt returns nil when there is nothing to restore.
func (c *Client) RestorePrompt(ctx context.Context) (*RestorePrompt, error) {
	path := c.baseURL + "/v1/restore/prompt"
	body, code, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var out RestorePrompt
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode prompt: %w", err)
		}
		return &out, nil
	}
	return nil, requestError("restore prompt", code, body, raw)
}

// RestoreCurrent returns the committed document bytes.
func (c *Client) RestoreCurrent(ctx context.Context) ([]byte, error) {
	return c.restore(ctx, "current")
}

// RestoreAt returns the history snapshot recorded at ts.
func (c *Client) RestoreAt(ctx context.Context, ts time.Time) ([]byte, error) {
	return c.restore(ctx, url.PathEscape(ts.UTC().Format(time.RFC3339Nano)))
}

func (c *Client) restore(ctx context.Context, what string) ([]byte, error) {
	path := c.baseURL + "/v1/restore/" + what
	body, code, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil, requestError("restore", code, body, raw)
}

func requestError(op string, code int, body []byte, raw string) error {
	var out errorResp
	if err := json.Unmarshal(body, &out); err != nil || out.Error == "" {
		return &RequestError{Op: op, Status: code, Message: raw, Retryable: code >= http.StatusInternalServerError}
	}
	return &RequestError{
		Op:        op,
		Status:    code,
		Code:      out.Code,
		Message:   out.Error,
		Retryable: out.Retryable || code == http.StatusServiceUnavailable,
		Engine:    out.Status,
	}
}

// doJSON sends JSON and optionally decodes a JSON response.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	body, code, raw, err := c.do(ctx, method, url, req)
	if err != nil {
		return 0, "", err
	}
	if resp != nil && len(body) > 0 {
		_ = json.Unmarshal(body, resp) // tolerate non-JSON error bodies
	}
	return code, raw, nil
}

func (c *Client) do(ctx context.Context, method, url string, req any) ([]byte, int, string, error) {
	var rdr io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return nil, 0, "", err
		}
		rdr = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, "", err
	}
	defer rsp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(rsp.Body, 64<<20))
	return body, rsp.StatusCode, strings.TrimSpace(string(body[:min(len(body), 4096)])), nil
}

// ---- Retry wrapper ----

// FlushWithRetry retries transport failures and retryable answers with
// jittered exponential backoff. A non-retryable *RequestError (for example
// a disabled engine) is returned at once.
func (c *Client) FlushWithRetry(ctx context.Context, opt FlushOptions) (Status, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 5
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 500 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 4 * time.Second
	}
	if opt.JitterFrac < 0 {
		opt.JitterFrac = 0
	} else if opt.JitterFrac == 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			break
		}

		st, err := c.FlushOnce(ctx)
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		var re *RequestError
		if errors.As(err, &re) && !re.Retryable {
			return Status{}, err
		}
		var ue *UnexpectedStatusError
		if errors.As(err, &ue) {
			return Status{}, err
		}
		lastErr = err

		sleep := time.Duration(float64(opt.MinRetry) * math.Pow(2, float64(attempt)))
		if sleep > opt.MaxRetry || sleep <= 0 {
			sleep = opt.MaxRetry
		}
		c.mu.Lock()
		sleep = retry.AddJitter(c.rng, sleep, opt.JitterFrac)
		c.mu.Unlock()

		if err := retry.Wait(ctx, sleep); err != nil {
			return Status{}, err
		}
	}

	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return Status{}, lastErr
}
