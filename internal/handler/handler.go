// Package handler maintains the live trace trees: it maps run identifiers to
// open spans, enforces the span lifecycle, and forwards every mutation to
// the sink.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kataru/internal/model"
	"github.com/ashita-ai/kataru/internal/sink"
)

var (
	// ErrDuplicateRun is returned when a run id already has an open span.
	ErrDuplicateRun = errors.New("handler: duplicate run id")
	// ErrUnknownRun is returned when no open span exists for a run id.
	ErrUnknownRun = errors.New("handler: unknown run id")
	// ErrTraceUnknown is returned when the referenced trace does not exist.
	ErrTraceUnknown = errors.New("handler: unknown trace")
	// ErrTraceFinalized is returned on any mutation of a finalized trace.
	ErrTraceFinalized = errors.New("handler: trace already finalized")
)

// ErrorKindTimeout marks spans auto-closed by the orphan reaper.
const ErrorKindTimeout = "timeout"

type runEntry struct {
	spanID     uuid.UUID
	traceID    uuid.UUID
	lastActive time.Time
}

// Handler owns all live traces and the run registry. All state is guarded by
// a single mutex; operations are short and never block on I/O (the sink
// enqueue is non-blocking by contract).
type Handler struct {
	logger        *slog.Logger
	sink          sink.Sink
	spanTimeout   time.Duration
	sweepInterval time.Duration
	clock         func() time.Time

	mu     sync.Mutex
	traces map[uuid.UUID]*model.Trace
	runs   map[string]runEntry

	started     atomic.Bool
	cancelSweep context.CancelFunc
	done        chan struct{}
}

// New creates a handler delivering records to snk. spanTimeout bounds how
// long a span may stay open without activity before the reaper closes it.
func New(logger *slog.Logger, snk sink.Sink, spanTimeout, sweepInterval time.Duration) *Handler {
	return &Handler{
		logger:        logger,
		sink:          snk,
		spanTimeout:   spanTimeout,
		sweepInterval: sweepInterval,
		clock:         time.Now,
		traces:        make(map[uuid.UUID]*model.Trace),
		runs:          make(map[string]runEntry),
	}
}

// SetClock replaces the time source. Test hook.
func (h *Handler) SetClock(clock func() time.Time) { h.clock = clock }

// Start launches the orphan-span reaper. Idempotent; call Stop to
// terminate it.
func (h *Handler) Start(ctx context.Context) {
	if !h.started.CompareAndSwap(false, true) {
		h.logger.Warn("handler: Start called twice, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancelSweep = cancel
	h.done = make(chan struct{})
	go h.sweepLoop(loopCtx)
}

// Stop terminates the reaper loop and waits for it to exit.
func (h *Handler) Stop() {
	if h.cancelSweep == nil {
		return
	}
	h.cancelSweep()
	<-h.done
}

// StartTrace creates a trace for the given correlation id, or returns the
// existing one. A nil traceID means no external correlation was supplied
// and a fresh id is minted.
func (h *Handler) StartTrace(sessionID, storyID string, traceID uuid.UUID) uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()

	if traceID != uuid.Nil {
		if _, ok := h.traces[traceID]; ok {
			return traceID
		}
	} else {
		traceID = uuid.New()
	}
	h.traces[traceID] = &model.Trace{
		ID:        traceID,
		SessionID: sessionID,
		StoryID:   storyID,
	}
	return traceID
}

// StartSpanRequest carries everything needed to open a span.
type StartSpanRequest struct {
	RunID       string
	ParentRunID string // empty for a root-level span
	TraceID     uuid.UUID
	Name        string
	Category    model.Category
	KindKey     string
	Input       map[string]any
	Metadata    map[string]any
}

// StartSpan opens a span for the request's run id. The parent is resolved
// through the run registry; an empty or unknown parent run attaches the span
// under the trace root. The first span of a trace becomes its root.
func (h *Handler) StartSpan(req StartSpanRequest) (uuid.UUID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.traces[req.TraceID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrTraceUnknown, req.TraceID)
	}
	if t.Finalized {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrTraceFinalized, t.ID)
	}
	if _, open := h.runs[req.RunID]; open {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrDuplicateRun, req.RunID)
	}

	var parentID *uuid.UUID
	if req.ParentRunID != "" {
		if entry, ok := h.runs[req.ParentRunID]; ok && entry.traceID == t.ID {
			pid := entry.spanID
			parentID = &pid
		}
	}
	if parentID == nil && t.RootSpanID != uuid.Nil {
		pid := t.RootSpanID
		parentID = &pid
	}

	now := h.clock()
	s := &model.Span{
		ID:           uuid.New(),
		TraceID:      t.ID,
		ParentSpanID: parentID,
		Name:         req.Name,
		Category:     req.Category,
		KindKey:      req.KindKey,
		StartedAt:    now,
		Status:       model.StatusOpen,
		Input:        req.Input,
		Metadata:     req.Metadata,
	}
	t.Spans = append(t.Spans, s)
	if t.RootSpanID == uuid.Nil {
		t.RootSpanID = s.ID
	}
	h.runs[req.RunID] = runEntry{spanID: s.ID, traceID: t.ID, lastActive: now}

	h.sink.Enqueue(sink.FromSpan(s, t.SessionID, t.StoryID))
	return s.ID, nil
}

// EndSpan closes the run's span with status OK, attaches the output, and
// removes the run from the registry. No trace state changes on error.
func (h *Handler) EndSpan(runID string, output map[string]any, usage *model.Usage) error {
	return h.closeSpan(runID, func(s *model.Span) {
		s.Status = model.StatusOK
		s.Output = output
		s.Usage = usage
	})
}

// RecordError closes the run's span with status ERROR and the given error
// detail, and removes the run from the registry.
func (h *Handler) RecordError(runID, errKind, errMsg string) error {
	return h.closeSpan(runID, func(s *model.Span) {
		s.Status = model.StatusError
		s.ErrorKind = errKind
		s.ErrorMessage = errMsg
	})
}

func (h *Handler) closeSpan(runID string, apply func(*model.Span)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	t := h.traces[entry.traceID]
	if t.Finalized {
		return fmt.Errorf("%w: %s", ErrTraceFinalized, t.ID)
	}
	s := t.SpanByID(entry.spanID)

	now := h.clock()
	s.EndedAt = &now
	apply(s)
	delete(h.runs, runID)

	h.sink.Enqueue(sink.FromSpan(s, t.SessionID, t.StoryID))
	return nil
}

// RecordAnomaly appends an already-closed ERROR span to the trace, outside
// the run registry. Used for lifecycle anomalies that must be visible in the
// tree without belonging to any run.
func (h *Handler) RecordAnomaly(traceID uuid.UUID, name, errKind, errMsg string, metadata map[string]any) (uuid.UUID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.traces[traceID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrTraceUnknown, traceID)
	}
	if t.Finalized {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrTraceFinalized, t.ID)
	}

	now := h.clock()
	var parentID *uuid.UUID
	if t.RootSpanID != uuid.Nil {
		pid := t.RootSpanID
		parentID = &pid
	}
	s := &model.Span{
		ID:           uuid.New(),
		TraceID:      t.ID,
		ParentSpanID: parentID,
		Name:         name,
		Category:     model.CategoryGeneric,
		StartedAt:    now,
		EndedAt:      &now,
		Status:       model.StatusError,
		ErrorKind:    errKind,
		ErrorMessage: errMsg,
		Metadata:     metadata,
	}
	t.Spans = append(t.Spans, s)
	h.sink.Enqueue(sink.FromSpan(s, t.SessionID, t.StoryID))
	return s.ID, nil
}

// Finalize closes the trace's root span if still open, attaches the final
// output and metrics, freezes the trace, and enqueues a completion marker.
// Runs still registered for the trace are discarded; their spans stay as
// they are in the frozen tree.
func (h *Handler) Finalize(traceID uuid.UUID, finalOutput map[string]any, m *model.Metrics) (*model.Trace, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.traces[traceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTraceUnknown, traceID)
	}
	if t.Finalized {
		return nil, fmt.Errorf("%w: %s", ErrTraceFinalized, t.ID)
	}

	now := h.clock()
	if root := t.RootSpan(); root != nil && root.Open() {
		root.EndedAt = &now
		root.Status = model.StatusOK
		root.Output = finalOutput
		h.sink.Enqueue(sink.FromSpan(root, t.SessionID, t.StoryID))
	}

	for runID, entry := range h.runs {
		if entry.traceID == t.ID {
			delete(h.runs, runID)
		}
	}

	t.Finalize(now, finalOutput, m)
	h.sink.Enqueue(sink.Record{
		Kind:      sink.RecordTraceComplete,
		TraceID:   t.ID,
		SpanID:    t.RootSpanID,
		SessionID: t.SessionID,
		StoryID:   t.StoryID,
		StartedAt: now,
		Status:    t.AggregateStatus(),
		Output:    finalOutput,
	})

	return t.Snapshot(), nil
}

// Trace returns a snapshot of the trace, or false when unknown.
func (h *Handler) Trace(traceID uuid.UUID) (*model.Trace, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.traces[traceID]
	if !ok {
		return nil, false
	}
	return t.Snapshot(), true
}

// RunTrace resolves the trace that owns the given open run.
func (h *Handler) RunTrace(runID string) (uuid.UUID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.runs[runID]
	if !ok {
		return uuid.Nil, false
	}
	return entry.traceID, true
}

// Forget drops a finalized trace from memory. The archive keeps the durable
// copy; the handler only serves live trees.
func (h *Handler) Forget(traceID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.traces, traceID)
}

func (h *Handler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep closes every registered span idle past the timeout with status
// ERROR and kind "timeout", and removes its registry entry. Returns the
// number of spans reaped. Root spans are exempt: a story legitimately stays
// open for its whole run.
func (h *Handler) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock()
	reaped := 0
	for runID, entry := range h.runs {
		if now.Sub(entry.lastActive) < h.spanTimeout {
			continue
		}
		t := h.traces[entry.traceID]
		if t == nil || t.Finalized || entry.spanID == t.RootSpanID {
			continue
		}
		s := t.SpanByID(entry.spanID)
		end := now
		s.EndedAt = &end
		s.Status = model.StatusError
		s.ErrorKind = ErrorKindTimeout
		s.ErrorMessage = fmt.Sprintf("span open for more than %s without completion", h.spanTimeout)
		delete(h.runs, runID)
		reaped++

		h.sink.Enqueue(sink.FromSpan(s, t.SessionID, t.StoryID))
		h.logger.Warn("handler: reaped orphan span",
			"run_id", runID,
			"span_id", s.ID,
			"trace_id", t.ID,
			"idle", now.Sub(entry.lastActive).String(),
		)
	}
	return reaped
}

// OpenRuns returns the number of runs currently registered.
func (h *Handler) OpenRuns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}
