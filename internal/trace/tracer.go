// Package trace allocates per-request trace identifiers and keeps an
// in-memory history of request outcomes for observability.
package trace

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Kind is the logical category of a request.
type Kind string

const (
	KindAgent Kind = "agent"
	KindModel Kind = "model"
	KindChat  Kind = "chat"
	KindUser  Kind = "user"
	KindICube Kind = "icube"
	KindTrae  Kind = "trae"
	KindSolo  Kind = "solo"
	KindOther Kind = "other"
)

// Status is the recorded outcome of a request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Record is one completed request. Append-only; the tracer hands out
// copies of its history, never the backing slice.
type Record struct {
	TraceID  string        `json:"trace_id"`
	Kind     Kind          `json:"kind"`
	Method   string        `json:"method"`
	Path     string        `json:"path"`
	Status   Status        `json:"status"`
	Cost     time.Duration `json:"cost_ms"`
	Started  time.Time     `json:"started"`
	Summary  string        `json:"summary,omitempty"`
}

// Report aggregates the history.
type Report struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AvgCostMs          float64 `json:"avg_cost_ms"`
}

// Sink receives every finished record, e.g. for persistence. Sink
// failures are ignored by the tracer; persistence is best effort.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Tracer allocates trace ids and records request outcomes in
// completion order. Safe for concurrent use.
type Tracer struct {
	mu         sync.Mutex
	records    []Record
	maxHistory int
	sink       Sink
	otel       oteltrace.Tracer
	clock      func() time.Time
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithMaxHistory caps the in-memory history; the oldest records are
// dropped once the cap is reached. Zero means unbounded.
func WithMaxHistory(n int) Option {
	return func(t *Tracer) { t.maxHistory = n }
}

// WithSink mirrors every finished record into a persistent store.
func WithSink(s Sink) Option {
	return func(t *Tracer) { t.sink = s }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracer) { t.clock = clock }
}

// New creates a Tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		otel:  otel.Tracer("traego/transport"),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle is an in-flight request's trace state. Finish it exactly once;
// later calls are no-ops.
type Handle struct {
	TraceID string
	kind    Kind
	method  string
	path    string
	started time.Time
	span    oteltrace.Span
	done    atomic.Bool
}

// NewTraceID allocates a 128-bit hexadecimal identifier.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Start allocates a trace id, opens a span, and starts the timer.
func (t *Tracer) Start(ctx context.Context, kind Kind, method, path string) (context.Context, *Handle) {
	ctx, span := t.otel.Start(ctx, string(kind)+" "+path)
	h := &Handle{
		TraceID: NewTraceID(),
		kind:    kind,
		method:  method,
		path:    path,
		started: t.clock(),
		span:    span,
	}
	return ctx, h
}

// Finish appends the record for h. The first call wins; a second
// Finish on the same handle does nothing.
func (t *Tracer) Finish(ctx context.Context, h *Handle, status Status, summary string) {
	if h == nil || !h.done.CompareAndSwap(false, true) {
		return
	}
	h.span.End()

	rec := Record{
		TraceID: h.TraceID,
		Kind:    h.kind,
		Method:  h.method,
		Path:    h.path,
		Status:  status,
		Cost:    t.clock().Sub(h.started),
		Started: h.started,
		Summary: summary,
	}

	t.mu.Lock()
	t.records = append(t.records, rec)
	if t.maxHistory > 0 && len(t.records) > t.maxHistory {
		t.records = append(t.records[:0], t.records[len(t.records)-t.maxHistory:]...)
	}
	t.mu.Unlock()

	if t.sink != nil {
		_ = t.sink.Append(ctx, rec)
	}
}

// History returns a copy of the records in completion order.
func (t *Tracer) History() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Reset clears the history.
func (t *Tracer) Reset() {
	t.mu.Lock()
	t.records = t.records[:0]
	t.mu.Unlock()
}

// Report aggregates the history. An empty history yields zeros, not an
// error.
func (t *Tracer) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Report{TotalRequests: len(t.records)}
	if r.TotalRequests == 0 {
		return r
	}

	var totalCost time.Duration
	for _, rec := range t.records {
		if rec.Status == StatusSuccess {
			r.SuccessfulRequests++
		}
		totalCost += rec.Cost
	}
	r.SuccessRate = float64(r.SuccessfulRequests) / float64(r.TotalRequests) * 100
	r.AvgCostMs = float64(totalCost.Milliseconds()) / float64(r.TotalRequests)
	return r
}
