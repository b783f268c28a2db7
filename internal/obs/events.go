package obs

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one lifecycle, lock or error notification.
type Event struct {
	Time     time.Time              `json:"ts"`
	Source   string                 `json:"source"` // engine | lock
	Type     string                 `json:"type"`
	Severity Severity               `json:"severity"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Sink receives telemetry events. Emit must not block for long; it is
// called from the flush pipeline.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type multiSink []Sink

func (m multiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans events out to every non-nil sink. It returns nil when no sink
// remains.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the Type of every event from source, in order. An empty
// source matches all.
func (r *Recorder) Types(source string) []string {
	var out []string
	for _, e := range r.Events() {
		if source == "" || e.Source == source {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *Recorder) Count(source, typ string) int {
	n := 0
	for _, e := range r.Events() {
		if (source == "" || e.Source == source) && e.Type == typ {
			n++
		}
	}
	return n
}

// LogSink writes events through a Logger; severity picks the level.
type LogSink struct {
	Logger *Logger
}

func (s LogSink) Emit(e Event) {
	fields := make(map[string]interface{}, len(e.Fields)+3)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields["op"] = e.Source + "." + e.Type
	switch e.Severity {
	case SeverityError:
		s.Logger.Error(fields)
	case SeverityWarn:
		s.Logger.Warn(fields)
	case SeverityDebug:
		s.Logger.Debug(fields)
	default:
		s.Logger.Info(fields)
	}
}

// MetricsSink counts lock events and phase transitions.
type MetricsSink struct {
	Metrics *Metrics
}

func (s MetricsSink) Emit(e Event) {
	if s.Metrics == nil {
		return
	}
	switch {
	case e.Source == "lock":
		s.Metrics.LockEvents.WithLabelValues(e.Type).Inc()
	case e.Source == "engine" && e.Type == "phase":
		if p, ok := e.Fields["phase"].(string); ok {
			s.Metrics.PhaseTotal.WithLabelValues(p).Inc()
		}
	}
}

// RateLimited forwards warn and error events unconditionally and drops
// lower-severity events beyond the limiter's rate.
type RateLimited struct {
	Next    Sink
	Limiter *rate.Limiter

	mu      sync.Mutex
	dropped int
}

func NewRateLimited(next Sink, perSecond float64, burst int) *RateLimited {
	return &RateLimited{Next: next, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Emit(e Event) {
	if r.Next == nil {
		return
	}
	if e.Severity == SeverityWarn || e.Severity == SeverityError || r.Limiter.Allow() {
		r.Next.Emit(e)
		return
	}
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func (r *RateLimited) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
