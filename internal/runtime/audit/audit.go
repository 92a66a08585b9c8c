// Package audit implements the audit emitter: it builds an append-only
// record from a completed request and enqueues it onto a bounded,
// fire-and-forget queue drained by a background worker, so a slow or
// unavailable audit store never adds latency to the request path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ailink/gateway/internal/metrics"
)

// LogLevel mirrors the token's log level, controlling how much body
// content the audit record retains.
type LogLevel string

const (
	LogOff      LogLevel = "off"
	LogMetadata LogLevel = "metadata"
	LogRedacted LogLevel = "redacted"
	LogFull     LogLevel = "full"
)

// Latency breaks down where request time was spent.
type Latency struct {
	Queue    time.Duration
	Policy   time.Duration
	Upstream time.Duration
	Total    time.Duration
}

// MatchedPolicy names one policy that matched the request along with the
// mode it ran in.
type MatchedPolicy struct {
	PolicyID string
	Mode     string
}

// ShadowViolation records a terminal action a shadow-mode policy would
// have taken.
type ShadowViolation struct {
	PolicyID  string
	RuleIndex int
	Reason    string
}

// Record is one audit event, built after a request terminates,
// successfully or not — emission happens for every terminated request,
// including denials and upstream errors.
type Record struct {
	RequestID  string
	OccurredAt time.Time

	TokenID      string
	UpstreamURL  string
	Method       string
	Path         string
	UpstreamHTTP int

	Latency Latency

	BytesIn  int64
	BytesOut int64

	MatchedPolicies  []MatchedPolicy
	ShadowViolations []ShadowViolation
	DenyReason       string
	ApprovalRef      string

	EstimatedCostMicroUSD int64
	RedactionsApplied     []string

	InputTokens  int64
	OutputTokens int64
	Model        string
	ToolCalls    int

	CacheHit         bool
	SessionID        string
	ExperimentVariant string

	LogLevel     LogLevel
	RequestBody  string // populated only at LogRedacted/LogFull
	ResponseBody string // populated only at LogRedacted/LogFull
}

// Store persists audit records. A concrete implementation is expected to be
// backed by Postgres via jackc/pgx/v5 (see PostgresStore); an in-memory
// double exists for tests.
type Store interface {
	Insert(ctx context.Context, record Record) error
}

// Emitter is the bounded async audit queue. Enqueue never blocks the
// request path: when the buffer is full, the oldest queued record is
// dropped to make room and a drop counter is incremented. The drop policy
// is plain FIFO-oldest-first with no record-kind priority, so
// policy-violation records are never dropped preferentially.
type Emitter struct {
	store   Store
	metrics *metrics.Recorder
	log     *slog.Logger

	mu       sync.Mutex
	buf      []Record
	capacity int
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
}

// NewEmitter constructs an Emitter with the given buffer capacity and
// starts its background drain worker. Call Close to drain remaining records
// and stop the worker.
func NewEmitter(store Store, capacity int, m *metrics.Recorder, log *slog.Logger) *Emitter {
	if capacity <= 0 {
		capacity = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Emitter{
		store:    store,
		metrics:  m,
		log:      log,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Enqueue adds a record to the queue, dropping the oldest queued record if
// the buffer is full. It never blocks on the store.
func (e *Emitter) Enqueue(record Record) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if len(e.buf) >= e.capacity {
		e.buf = e.buf[1:]
		if e.metrics != nil {
			e.metrics.IncAuditDropped()
		}
		e.log.Warn("audit queue overflow, dropping oldest record")
	}
	e.buf = append(e.buf, record)
	depth := len(e.buf)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetAuditQueueDepth(depth)
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter) run() {
	defer close(e.stopped)
	ctx := context.Background()
	for {
		select {
		case <-e.wake:
			e.drain(ctx)
		case <-e.done:
			e.drain(ctx)
			return
		}
	}
}

func (e *Emitter) drain(ctx context.Context) {
	for {
		e.mu.Lock()
		if len(e.buf) == 0 {
			e.mu.Unlock()
			return
		}
		record := e.buf[0]
		e.buf = e.buf[1:]
		depth := len(e.buf)
		e.mu.Unlock()

		if e.metrics != nil {
			e.metrics.SetAuditQueueDepth(depth)
		}
		if err := e.store.Insert(ctx, record); err != nil {
			e.log.Error("audit insert failed", "error", err, "request_id", record.RequestID)
		}
	}
}

// Close stops accepting new records, flushes whatever remains, and waits
// for the worker to exit.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.done)
	<-e.stopped
}
