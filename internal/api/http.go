package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RNA4219/Conimgponic-sub000/internal/autosave"
	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
)

// Server bridges an autosave handle to HTTP. The handle may be an inert
// one; every route still answers.
type Server struct {
	h      autosave.Handle
	hub    *Hub
	logger *obs.Logger
	mux    *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// NewServer serves h. hub may be nil, in which case /v1/events is absent.
func NewServer(h autosave.Handle, hub *Hub, logger *obs.Logger) *Server {
	s := &Server{h: h, hub: hub, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("/v1/status", s.get(s.handleStatus))
	s.mux.HandleFunc("/v1/dirty", s.post(s.handleDirty))
	s.mux.HandleFunc("/v1/flush", s.post(s.handleFlush))
	s.mux.HandleFunc("/v1/history", s.get(s.handleHistory))
	// /v1/restore/prompt, /v1/restore/current, /v1/restore/{ts}
	s.mux.HandleFunc("/v1/restore/", s.get(s.handleRestore))
	if s.hub != nil {
		s.mux.HandleFunc("/v1/events", s.get(s.hub.ServeWS))
	}
}

func (s *Server) get(fn http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodGet, fn)
}

func (s *Server) post(fn http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodPost, fn)
}

func method(m string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	}
}

// --- Handlers ---

type statusResp struct {
	autosave.StatusSnapshot
	Degraded bool `json:"degraded"`
	Stopped  bool `json:"stopped"`
}

func statusOf(s autosave.StatusSnapshot) statusResp {
	return statusResp{StatusSnapshot: s, Degraded: s.Degraded(), Stopped: s.Stopped()}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusOf(s.h.Snapshot()))
}

type dirtyReq struct {
	Bytes uint64 `json:"bytes"`
}

func (s *Server) handleDirty(w http.ResponseWriter, r *http.Request) {
	var req dirtyReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	s.h.MarkDirty(req.Bytes)
	writeJSON(w, http.StatusAccepted, statusOf(s.h.Snapshot()))
}

type errorResp struct {
	Error     string       `json:"error"`
	Code      failure.Code `json:"code,omitempty"`
	Retryable bool         `json:"retryable"`
	Status    *statusResp  `json:"status,omitempty"`
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := s.h.FlushNow(r.Context())
	snap := statusOf(s.h.Snapshot())
	s.logger.Info(map[string]interface{}{
		"op":         "api_flush",
		"req_id":     requestID(r.Context()),
		"phase":      string(snap.Phase),
		"ok":         err == nil,
		"latency_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		code := failure.CodeOf(err)
		if errors.Is(err, autosave.ErrDisposed) {
			code = failure.Disabled
		}
		writeJSON(w, http.StatusConflict, errorResp{
			Error:     err.Error(),
			Code:      code,
			Retryable: failure.IsRetryable(err),
			Status:    &snap,
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type historyResp struct {
	Entries []history.Entry `json:"entries"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.h.ListHistory(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResp{Entries: entries})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/restore/"), "/")
	switch {
	case rest == "":
		writeErr(w, http.StatusNotFound, "invalid path")
	case rest == "prompt":
		p, err := s.h.RestorePrompt(r.Context())
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		if p == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case rest == "current":
		doc, err := s.h.RestoreFromCurrent(r.Context())
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeRaw(w, doc)
	case strings.Contains(rest, "/"):
		writeErr(w, http.StatusNotFound, "invalid path")
	default:
		ts, err := time.Parse(time.RFC3339Nano, rest)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "timestamp must be RFC 3339")
			return
		}
		doc, err := s.h.RestoreFrom(r.Context(), ts)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeRaw(w, doc)
	}
}

// writeFailure maps restore and history errors to statuses. None of them
// touch the engine's phase.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, autosave.ErrNothingToRestore), errors.Is(err, history.ErrNoSnapshot):
		status = http.StatusNotFound
	case failure.Is(err, failure.DataCorrupted):
		status = http.StatusUnprocessableEntity
	case failure.Is(err, failure.Disabled):
		status = http.StatusConflict
	case failure.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
		s.logger.Warn(map[string]interface{}{
			"op":     "api_read",
			"req_id": requestID(r.Context()),
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
	}
	writeJSON(w, status, errorResp{
		Error:     err.Error(),
		Code:      failure.CodeOf(err),
		Retryable: failure.IsRetryable(err),
	})
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
