// Package kataru is the public API for narrative trace correlation.
//
// A host pipeline embeds the Tracer to turn its lifecycle events into a
// causally ordered span tree per story:
//
//	tracer, err := kataru.New(
//	    kataru.WithLogger(logger),
//	    kataru.WithSessionID("session-42"),
//	)
//	if err != nil { ... }
//	root, _ := tracer.StartStory("story-7", "", uuid.Nil)
//	tracer.StartSpan(kataru.SpanRequest{
//	    RunID:   "run-1",
//	    TraceID: root.TraceID,
//	    Name:    "Beat 1",
//	    KindKey: "narrative.beat.created",
//	})
//	tracer.EndSpan("run-1", beatOutput, nil)
//	completed, _ := tracer.FinalizeStory(root.TraceID, finalOutput)
//
// The import graph enforces a strict no-cycle rule: kataru (root) imports
// internal/*, but internal/* never imports kataru (root). Conversion helpers
// between internal and public types live here because this is the only file
// that sees both sides of the boundary.
package kataru

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kataru/internal/archive"
	"github.com/ashita-ai/kataru/internal/config"
	"github.com/ashita-ai/kataru/internal/format"
	"github.com/ashita-ai/kataru/internal/handler"
	"github.com/ashita-ai/kataru/internal/model"
	"github.com/ashita-ai/kataru/internal/sink"
	"github.com/ashita-ai/kataru/internal/taxonomy"
	"github.com/ashita-ai/kataru/internal/telemetry"
)

// Secondary correlation headers, fixed. The primary trace id header is
// configurable via KATARU_CORRELATION_HEADER / WithCorrelationHeader.
const (
	HeaderStoryID      = "X-Story-Id"
	HeaderSessionID    = "X-Session-Id"
	HeaderParentSpanID = "X-Parent-Span-Id"
)

// Errors surfaced by handler operations, re-exported so callers never import
// internal packages.
var (
	ErrDuplicateRun       = handler.ErrDuplicateRun
	ErrUnknownRun         = handler.ErrUnknownRun
	ErrTraceUnknown       = handler.ErrTraceUnknown
	ErrTraceFinalized     = handler.ErrTraceFinalized
	ErrUnknownEventKind   = taxonomy.ErrUnknownEventKind
	ErrBackendUnavailable = sink.ErrBackendUnavailable
)

// Tracer is the narrative tracing lifecycle. Construct with New(), shut down
// with Close(). Tracer has no public fields; use New() options to
// configure it.
type Tracer struct {
	cfg          config.Config
	logger       *slog.Logger
	handler      *handler.Handler
	snk          sink.Sink
	store        *archive.Store // nil when archiving is disabled
	otelShutdown telemetry.Shutdown
	cancelBG     context.CancelFunc
	enabled      bool
	version      string
}

// New initialises the tracer. It loads configuration, wires the sink and
// handler, and starts the background flush and reaper loops. When backend
// credentials are absent and no custom sink is provided, the tracer runs
// disabled: every call succeeds and records nothing.
func New(opts ...Option) (*Tracer, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.publicKey != "" {
		cfg.PublicKey = o.publicKey
		cfg.SecretKey = o.secretKey
	}
	if o.host != "" {
		cfg.Host = o.host
	}
	if o.sessionID != "" {
		cfg.SessionID = o.sessionID
	}
	if o.correlationHeader != "" {
		cfg.CorrelationHeader = o.correlationHeader
	}
	if o.spanTimeout > 0 {
		cfg.SpanTimeout = o.spanTimeout
	}
	if o.archivePath != "" {
		cfg.ArchivePath = o.archivePath
	}
	if o.strict != nil {
		cfg.Strict = *o.strict
	}
	if o.enabled != nil {
		cfg.Enabled = *o.enabled
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	enabled := cfg.Enabled && (cfg.HasCredentials() || o.sink != nil)
	if !enabled {
		if cfg.Strict && cfg.Enabled {
			return nil, fmt.Errorf("kataru: strict mode: backend credentials missing")
		}
		logger.Info("kataru disabled, tracing is a no-op",
			"has_credentials", cfg.HasCredentials(),
			"enabled", cfg.Enabled,
		)
		return &Tracer{cfg: cfg, logger: logger, enabled: false, version: version}, nil
	}

	bgCtx, cancel := context.WithCancel(context.Background())

	otelShutdown, err := telemetry.Init(bgCtx, cfg.OTELEndpoint, cfg.ServiceName, version)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var snk sink.Sink
	if o.sink != nil {
		snk = &sinkAdapter{inner: o.sink}
	} else {
		exporter := sink.NewHTTPExporter(cfg.Host, cfg.PublicKey, cfg.SecretKey, cfg.MaxPayloadBytes)
		buf := sink.NewBuffer(exporter, logger, cfg.SinkBufferSize, cfg.SinkFlushInterval)
		buf.Start(bgCtx)
		snk = buf
	}

	h := handler.New(logger, snk, cfg.SpanTimeout, cfg.SweepInterval)
	h.Start(bgCtx)

	var store *archive.Store
	if cfg.ArchivePath != "" {
		store, err = archive.Open(cfg.ArchivePath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("kataru: open archive: %w", err)
		}
	}

	logger.Info("kataru started",
		"version", version,
		"host", cfg.Host,
		"span_timeout", cfg.SpanTimeout.String(),
		"archive", cfg.ArchivePath != "",
	)

	return &Tracer{
		cfg:          cfg,
		logger:       logger,
		handler:      h,
		snk:          snk,
		store:        store,
		otelShutdown: otelShutdown,
		cancelBG:     cancel,
		enabled:      true,
		version:      version,
	}, nil
}

// Enabled reports whether the tracer records anything.
func (t *Tracer) Enabled() bool { return t.enabled }

// RootTrace identifies a started story trace.
type RootTrace struct {
	TraceID    uuid.UUID
	RootSpanID uuid.UUID
	StoryID    string
	SessionID  string

	rootRunID string
}

// StartStory opens a trace and its root span for one story generation run.
// An empty sessionID falls back to the configured default; a Nil traceID
// mints a fresh correlation id. Calling StartStory again with the same
// traceID reuses the existing trace.
func (t *Tracer) StartStory(storyID, sessionID string, traceID uuid.UUID) (*RootTrace, error) {
	if sessionID == "" {
		sessionID = t.cfg.SessionID
	}
	if traceID == uuid.Nil && t.cfg.TraceID != "" {
		if id, err := uuid.Parse(t.cfg.TraceID); err == nil {
			traceID = id
		}
	}
	if !t.enabled {
		if traceID == uuid.Nil {
			traceID = uuid.New()
		}
		return &RootTrace{TraceID: traceID, StoryID: storyID, SessionID: sessionID}, nil
	}

	traceID = t.handler.StartTrace(sessionID, storyID, traceID)
	rootRunID := "story:" + traceID.String()

	spanID, err := t.handler.StartSpan(handler.StartSpanRequest{
		RunID:    rootRunID,
		TraceID:  traceID,
		Name:     "Story Generation: " + storyID,
		Category: model.CategoryGeneric,
		KindKey:  taxonomy.StoryStart,
		Metadata: map[string]any{
			"story_id": storyID,
		},
	})
	if errors.Is(err, ErrDuplicateRun) {
		// Idempotent restart of a known story: reuse the open root span.
		snap, ok := t.handler.Trace(traceID)
		if !ok {
			return nil, fmt.Errorf("kataru: start story %q: %w", storyID, ErrTraceUnknown)
		}
		return &RootTrace{
			TraceID:    traceID,
			RootSpanID: snap.RootSpanID,
			StoryID:    storyID,
			SessionID:  sessionID,
			rootRunID:  rootRunID,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kataru: start story %q: %w", storyID, err)
	}

	return &RootTrace{
		TraceID:    traceID,
		RootSpanID: spanID,
		StoryID:    storyID,
		SessionID:  sessionID,
		rootRunID:  rootRunID,
	}, nil
}

// SpanRequest describes a span to open for a pipeline run.
type SpanRequest struct {
	RunID       string
	ParentRunID string // empty attaches the span under the trace root
	TraceID     uuid.UUID
	Name        string
	KindKey     string // taxonomy key; unknown keys degrade to the generic category
	Input       map[string]any
	Metadata    map[string]any
}

// StartSpan opens a span for the request's run. Lifecycle anomalies never
// abort the host: a duplicate run id leaves the first span untouched and
// records a synthetic ERROR span on the same trace, an unknown trace is
// logged and dropped. Returns uuid.Nil when no span was opened.
func (t *Tracer) StartSpan(req SpanRequest) uuid.UUID {
	if !t.enabled {
		return uuid.Nil
	}

	spanID, err := t.handler.StartSpan(handler.StartSpanRequest{
		RunID:       req.RunID,
		ParentRunID: req.ParentRunID,
		TraceID:     req.TraceID,
		Name:        req.Name,
		Category:    taxonomy.CategoryOf(req.KindKey),
		KindKey:     req.KindKey,
		Input:       req.Input,
		Metadata:    req.Metadata,
	})
	if err == nil {
		return spanID
	}

	switch {
	case errors.Is(err, ErrDuplicateRun):
		t.recordAnomaly(req.TraceID, "duplicate run: "+req.RunID, "duplicate_run", err.Error(), map[string]any{
			"run_id": req.RunID,
		})
	default:
		t.logger.Warn("kataru: start span dropped", "run_id", req.RunID, "error", err)
	}
	return uuid.Nil
}

// ChildSpan opens a span under the given parent run. Thin wrapper over
// StartSpan for hosts that track parent runs instead of trace ids.
func (t *Tracer) ChildSpan(parentRunID, runID, name, kindKey string, metadata map[string]any) uuid.UUID {
	if !t.enabled {
		return uuid.Nil
	}
	traceID, ok := t.handler.RunTrace(parentRunID)
	if !ok {
		t.logger.Warn("kataru: child span dropped, unknown parent run", "parent_run_id", parentRunID, "run_id", runID)
		return uuid.Nil
	}
	return t.StartSpan(SpanRequest{
		RunID:       runID,
		ParentRunID: parentRunID,
		TraceID:     traceID,
		Name:        name,
		KindKey:     kindKey,
		Metadata:    metadata,
	})
}

// EndSpan closes the run's span with status OK. Unknown runs are logged and
// dropped; the span sets of every trace stay unchanged.
func (t *Tracer) EndSpan(runID string, output map[string]any) {
	if !t.enabled {
		return
	}
	if err := t.handler.EndSpan(runID, output, nil); err != nil {
		t.logger.Warn("kataru: end span dropped", "run_id", runID, "error", err)
	}
}

// EndSpanWithUsage closes the run's span with status OK and token usage.
func (t *Tracer) EndSpanWithUsage(runID string, output map[string]any, prompt, completion int64) {
	if !t.enabled {
		return
	}
	usage := &model.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	if err := t.handler.EndSpan(runID, output, usage); err != nil {
		t.logger.Warn("kataru: end span dropped", "run_id", runID, "error", err)
	}
}

// RecordError closes the run's span with status ERROR and the given detail.
func (t *Tracer) RecordError(runID, errKind, errMsg string) {
	if !t.enabled {
		return
	}
	if err := t.handler.RecordError(runID, errKind, errMsg); err != nil {
		t.logger.Warn("kataru: record error dropped", "run_id", runID, "error", err)
	}
}

func (t *Tracer) recordAnomaly(traceID uuid.UUID, name, kind, msg string, metadata map[string]any) {
	if _, err := t.handler.RecordAnomaly(traceID, name, kind, msg, metadata); err != nil {
		t.logger.Warn("kataru: anomaly span dropped", "trace_id", traceID, "error", err)
	}
}

// Correlation is the full set of identifiers extracted from incoming
// request headers.
type Correlation struct {
	TraceID      uuid.UUID
	StoryID      string
	SessionID    string
	ParentSpanID uuid.UUID // Nil when absent
}

// InjectCorrelation returns a copy of headers with the correlation headers
// for the given trace added. The input map is never mutated. Unknown traces
// get only the trace id header.
func (t *Tracer) InjectCorrelation(headers map[string]string, traceID uuid.UUID, parentSpanID uuid.UUID) map[string]string {
	out := make(map[string]string, len(headers)+4)
	for k, v := range headers {
		out[k] = v
	}
	out[t.correlationHeader()] = traceID.String()
	if t.enabled {
		if snap, ok := t.handler.Trace(traceID); ok {
			if snap.StoryID != "" {
				out[HeaderStoryID] = snap.StoryID
			}
			if snap.SessionID != "" {
				out[HeaderSessionID] = snap.SessionID
			}
		}
	}
	if parentSpanID != uuid.Nil {
		out[HeaderParentSpanID] = parentSpanID.String()
	}
	return out
}

// ExtractCorrelation reads the trace id from incoming headers. A missing or
// malformed header yields ok=false, never an error.
func (t *Tracer) ExtractCorrelation(headers map[string]string) (uuid.UUID, bool) {
	c, ok := t.ExtractCorrelationContext(headers)
	return c.TraceID, ok
}

// ExtractCorrelationContext reads every correlation header from an incoming
// request. ok is false when the primary trace id header is missing or
// malformed; the secondary headers are best-effort.
func (t *Tracer) ExtractCorrelationContext(headers map[string]string) (Correlation, bool) {
	raw, found := headerValue(headers, t.correlationHeader())
	if !found {
		return Correlation{}, false
	}
	traceID, err := uuid.Parse(raw)
	if err != nil {
		return Correlation{}, false
	}
	c := Correlation{TraceID: traceID}
	if v, ok := headerValue(headers, HeaderStoryID); ok {
		c.StoryID = v
	}
	if v, ok := headerValue(headers, HeaderSessionID); ok {
		c.SessionID = v
	}
	if v, ok := headerValue(headers, HeaderParentSpanID); ok {
		if id, err := uuid.Parse(v); err == nil {
			c.ParentSpanID = id
		}
	}
	return c, true
}

func (t *Tracer) correlationHeader() string {
	if t.cfg.CorrelationHeader != "" {
		return t.cfg.CorrelationHeader
	}
	return "X-Narrative-Trace-Id"
}

// headerValue looks a header up by exact name, then by canonical form.
func headerValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok && v != "" {
		return v, true
	}
	canonical := http.CanonicalHeaderKey(name)
	if v, ok := headers[canonical]; ok && v != "" {
		return v, true
	}
	return "", false
}

// FinalizeStory closes the root span, freezes the trace, computes metrics
// from the spans, archives the result, and requests an async sink flush.
// After finalize every further mutation of the trace fails with
// ErrTraceFinalized.
func (t *Tracer) FinalizeStory(traceID uuid.UUID, finalOutput map[string]any) (*CompletedTrace, error) {
	if !t.enabled {
		return &CompletedTrace{ID: traceID, Status: string(model.StatusOK), snapshot: &model.Trace{ID: traceID}}, nil
	}

	snap, err := t.handler.Finalize(traceID, finalOutput, nil)
	if err != nil {
		return nil, fmt.Errorf("kataru: finalize story: %w", err)
	}
	snap.Metrics = format.ExtractMetrics(snap)

	if t.store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.store.Save(saveCtx, snap); err != nil {
			t.logger.Error("kataru: archive save failed", "trace_id", traceID, "error", err)
		}
		cancel()
	}

	t.handler.Forget(traceID)

	go func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), t.cfg.FlushTimeout)
		defer cancel()
		if !t.snk.Flush(flushCtx) {
			t.logger.Warn("kataru: post-finalize flush incomplete", "trace_id", traceID)
		}
	}()

	return toPublicTrace(snap), nil
}

// Flush synchronously pushes pending records to the backend, bounded by
// timeout. Reports whether everything was delivered.
func (t *Tracer) Flush(timeout time.Duration) bool {
	if !t.enabled {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.snk.Flush(ctx)
}

// Close drains the sink, stops the reaper, and shuts down telemetry. The
// ctx deadline bounds the whole shutdown.
func (t *Tracer) Close(ctx context.Context) error {
	if !t.enabled {
		return nil
	}

	var g errgroup.Group
	g.Go(func() error {
		t.snk.Drain(ctx)
		return nil
	})
	g.Go(func() error {
		t.handler.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if t.cancelBG != nil {
		t.cancelBG()
	}

	var firstErr error
	if t.store != nil {
		if err := t.store.Close(); err != nil {
			firstErr = err
		}
	}
	if t.otelShutdown != nil {
		if err := t.otelShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("kataru: close: %w", firstErr)
	}
	return nil
}

// Sweep runs one orphan-reaper pass immediately and returns the number of
// spans closed. The background loop does this on its own schedule; Sweep
// exists for hosts that want deterministic cleanup points.
func (t *Tracer) Sweep() int {
	if !t.enabled {
		return 0
	}
	return t.handler.Sweep()
}

// Trace returns a public snapshot of a live (not yet finalized) trace.
func (t *Tracer) Trace(traceID uuid.UUID) (*CompletedTrace, bool) {
	if !t.enabled {
		return nil, false
	}
	snap, ok := t.handler.Trace(traceID)
	if !ok {
		return nil, false
	}
	return toPublicTrace(snap), true
}

// sinkAdapter bridges a caller-provided Sink to the internal contract.
type sinkAdapter struct {
	inner Sink
}

func (a *sinkAdapter) Enqueue(rec sink.Record)        { a.inner.Enqueue(toPublicRecord(rec)) }
func (a *sinkAdapter) Flush(ctx context.Context) bool { return a.inner.Flush(ctx) }
func (a *sinkAdapter) Drain(ctx context.Context)      { a.inner.Drain(ctx) }

func toPublicRecord(rec sink.Record) Record {
	return Record{
		Kind:         string(rec.Kind),
		SpanID:       rec.SpanID,
		TraceID:      rec.TraceID,
		ParentSpanID: rec.ParentSpanID,
		Name:         rec.Name,
		Category:     string(rec.Category),
		KindKey:      rec.KindKey,
		SessionID:    rec.SessionID,
		StoryID:      rec.StoryID,
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
		Status:       string(rec.Status),
		Input:        rec.Input,
		Output:       rec.Output,
		ErrorKind:    rec.ErrorKind,
		ErrorMessage: rec.ErrorMessage,
		Metadata:     rec.Metadata,
	}
}

func toPublicSpan(s *model.Span) Span {
	return Span{
		ID:           s.ID,
		TraceID:      s.TraceID,
		ParentSpanID: s.ParentSpanID,
		Name:         s.Name,
		Category:     string(s.Category),
		KindKey:      s.KindKey,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Status:       string(s.Status),
		Input:        s.Input,
		Output:       s.Output,
		ErrorKind:    s.ErrorKind,
		ErrorMessage: s.ErrorMessage,
		Metadata:     s.Metadata,
	}
}

func toPublicMetrics(m *model.Metrics) *Metrics {
	if m == nil {
		return nil
	}
	counts := make(map[string]int, len(m.CategoryCounts))
	for cat, n := range m.CategoryCounts {
		counts[string(cat)] = n
	}
	return &Metrics{
		SpanCount:         m.SpanCount,
		CategoryCounts:    counts,
		TotalDurationMs:   m.TotalDurationMs,
		AvgSpanDurationMs: m.AvgSpanDurationMs,
		ErrorRate:         m.ErrorRate,
		Scores:            m.Scores,
		OverallQuality:    m.OverallQuality,
	}
}

func toPublicTrace(snap *model.Trace) *CompletedTrace {
	spans := make([]Span, len(snap.Spans))
	for i, s := range snap.Spans {
		spans[i] = toPublicSpan(s)
	}
	c := &CompletedTrace{
		ID:          snap.ID,
		StoryID:     snap.StoryID,
		SessionID:   snap.SessionID,
		Status:      string(snap.AggregateStatus()),
		Spans:       spans,
		Metrics:     toPublicMetrics(snap.Metrics),
		FinalOutput: snap.FinalOutput,
		snapshot:    snap,
	}
	if snap.FinalizedAt != nil {
		c.FinalizedAt = *snap.FinalizedAt
	}
	return c
}
