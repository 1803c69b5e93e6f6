// Package recorder is the flight recorder: it captures one trace per proxied
// request and persists them with buffered COPY-based batch writes.
//
// Denials take an immediate, synchronous write so the audit row exists
// before the 403 leaves the process. Everything else is enqueued and flushed
// every second in batches; a failed batch is re-prepended for retry, which
// preserves order at the cost of possible duplicates (trace ids are unique,
// so duplicates are tolerable).
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered traces. Beyond it,
// new traces are dropped and counted; trace capture must never block or fail
// a live request.
const maxBufferCapacity = 100_000

// reasoningStepLimit caps each extracted reasoning step.
const reasoningStepLimit = 500

// burnBucketTTL keeps per-minute burn counters long enough for an hour of
// burn-rate history plus slack.
const burnBucketTTL = 2 * time.Hour

// traceStore is the slice of the storage layer the recorder writes through.
type traceStore interface {
	InsertTraces(ctx context.Context, traces []model.Trace) (int64, error)
	InsertTrace(ctx context.Context, t model.Trace) error
	UpsertAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
}

// RequestContext carries trace identity and timing for one proxied request.
type RequestContext struct {
	TraceID      uuid.UUID
	SpanID       uuid.UUID
	ParentSpanID *uuid.UUID
	StartTime    time.Time
}

// NewContext mints a request context. A parent links the new span under the
// parent's trace.
func NewContext(parent *RequestContext) RequestContext {
	ctx := RequestContext{
		TraceID:   uuid.New(),
		SpanID:    uuid.New(),
		StartTime: time.Now().UTC(),
	}
	if parent != nil {
		ctx.TraceID = parent.TraceID
		span := parent.SpanID
		ctx.ParentSpanID = &span
	}
	return ctx
}

// Recorder buffers traces and owns their derivation rules.
type Recorder struct {
	db            traceStore
	store         *kv.Store
	fanout        *events.Fanout
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	traces []model.Trace

	seenMu sync.Mutex
	seen   map[string]struct{} // org:agent pairs already upserted

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// New creates a recorder. store may be nil to disable burn counters.
func New(db traceStore, store *kv.Store, logger *slog.Logger, batchSize int, flushInterval time.Duration) *Recorder {
	return &Recorder{
		db:            db,
		store:         store,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		seen:          make(map[string]struct{}),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// AttachFanout enables burn_rate events after cost accounting. Optional;
// without it the counters still accumulate for the burn-rate API.
func (r *Recorder) AttachFanout(f *events.Fanout) {
	r.fanout = f
}

// Start begins the background flush loop and registers OTEL gauges. Call
// Drain to stop.
func (r *Recorder) Start(ctx context.Context) {
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.flushLoop(loopCtx)
}

// Record derives the trace's missing fields and persists it according to the
// write policy: denials synchronously, everything else via the buffer. The
// returned error is non-nil only for a failed immediate write.
func (r *Recorder) Record(ctx context.Context, reqCtx RequestContext, t model.Trace) error {
	t.TraceID = reqCtx.TraceID
	t.SpanID = reqCtx.SpanID
	t.ParentSpanID = reqCtx.ParentSpanID
	if t.Timestamp.IsZero() {
		t.Timestamp = reqCtx.StartTime
	}
	if t.DurationMs == 0 {
		t.DurationMs = time.Since(reqCtx.StartTime).Milliseconds()
	}

	r.derive(&t)
	r.upsertAgentOnFirstSight(ctx, &t)
	r.accountBurn(ctx, t)

	if t.ActionTaken == model.ActionBlocked || t.ActionTaken == model.ActionShadowBlocked {
		if err := r.db.InsertTrace(ctx, t); err != nil {
			r.logger.Warn("recorder: immediate trace write failed", "trace_id", t.TraceID, "error", err)
			return fmt.Errorf("recorder: immediate write: %w", err)
		}
		return nil
	}

	r.enqueue(t)
	return nil
}

// derive fills token, cost, reasoning, and tool-call fields from the opaque
// bodies when the caller did not supply them.
func (r *Recorder) derive(t *model.Trace) {
	req := parseRequestBody(t.RequestBody)
	resp := parseResponseBody(t.ResponseBody)

	if t.InputTokens == nil {
		if n := resp.promptTokens; n > 0 {
			t.InputTokens = &n
		} else if est := estimateTokens(req.rawMessages); est > 0 {
			t.InputTokens = &est
		}
	}
	if t.OutputTokens == nil && resp.completionTokens > 0 {
		n := resp.completionTokens
		t.OutputTokens = &n
	}
	if t.CostUSD == nil && t.ModelName != nil && (t.InputTokens != nil || t.OutputTokens != nil) {
		var in, out int
		if t.InputTokens != nil {
			in = *t.InputTokens
		}
		if t.OutputTokens != nil {
			out = *t.OutputTokens
		}
		cost := DeriveCost(*t.ModelName, in, out)
		t.CostUSD = &cost
	}
	if t.ReasoningSteps == nil {
		t.ReasoningSteps = req.reasoningSteps
	}
	if t.ToolCalls == nil {
		t.ToolCalls = resp.toolCalls
	}
}

type parsedRequest struct {
	rawMessages    json.RawMessage
	reasoningSteps []string
}

func parseRequestBody(body json.RawMessage) parsedRequest {
	var p parsedRequest
	if len(body) == 0 {
		return p
	}
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return p
	}
	var raw struct {
		Messages json.RawMessage `json:"messages"`
	}
	_ = json.Unmarshal(body, &raw)
	p.rawMessages = raw.Messages

	for _, m := range req.Messages {
		if m.Role != "assistant" || m.Content == "" {
			continue
		}
		step := m.Content
		if len(step) > reasoningStepLimit {
			step = step[:reasoningStepLimit]
		}
		p.reasoningSteps = append(p.reasoningSteps, step)
	}
	return p
}

type parsedResponse struct {
	promptTokens     int
	completionTokens int
	toolCalls        []model.ToolCall
}

func parseResponseBody(body json.RawMessage) parsedResponse {
	var p parsedResponse
	if len(body) == 0 {
		return p
	}
	var resp struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
		Choices []struct {
			Message struct {
				ToolCalls []model.ToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return p
	}
	p.promptTokens = resp.Usage.PromptTokens
	p.completionTokens = resp.Usage.CompletionTokens
	if len(resp.Choices) > 0 {
		p.toolCalls = resp.Choices[0].Message.ToolCalls
	}
	return p
}

// estimateTokens approximates ceil(len(serialized messages)/4).
func estimateTokens(rawMessages json.RawMessage) int {
	if len(rawMessages) == 0 {
		return 0
	}
	return (len(rawMessages) + 3) / 4
}

// upsertAgentOnFirstSight registers the agent once per process lifetime.
// Best-effort: a storage failure only delays registration to the next
// process start.
func (r *Recorder) upsertAgentOnFirstSight(ctx context.Context, t *model.Trace) {
	if t.AgentID == "" {
		return
	}
	key := t.OrgID.String() + ":" + t.AgentID
	r.seenMu.Lock()
	_, known := r.seen[key]
	if !known {
		r.seen[key] = struct{}{}
	}
	r.seenMu.Unlock()
	if known {
		return
	}

	agent := model.Agent{OrgID: t.OrgID, AgentID: t.AgentID}
	if t.AgentName != nil {
		agent.Name = *t.AgentName
	}
	if t.AgentFramework != nil {
		agent.Framework = *t.AgentFramework
	}
	if _, err := r.db.UpsertAgent(ctx, agent); err != nil {
		r.logger.Warn("recorder: agent upsert failed", "agent_id", t.AgentID, "error", err)
		r.seenMu.Lock()
		delete(r.seen, key)
		r.seenMu.Unlock()
	}
}

// accountBurn bumps the per-minute burn counters for the org and the agent.
// Best-effort; the trace row remains the durable record.
func (r *Recorder) accountBurn(ctx context.Context, t model.Trace) {
	if r.store == nil || t.CostUSD == nil {
		return
	}
	bucket := t.Timestamp.UTC().Format("2006-01-02T15:04")
	scopes := []string{t.OrgID.String()}
	if t.AgentID != "" {
		scopes = append(scopes, t.AgentID)
	}
	var orgRate float64
	for i, scope := range scopes {
		total, err := r.store.IncrByFloat(ctx, kv.CostKey(scope, bucket), *t.CostUSD, burnBucketTTL)
		if err != nil {
			r.logger.Warn("recorder: burn counter failed", "scope", scope, "error", err)
			return
		}
		if i == 0 {
			orgRate = total
		}
		if _, err := r.store.IncrBy(ctx, kv.CostRequestsKey(scope, bucket), 1, burnBucketTTL); err != nil {
			r.logger.Warn("recorder: request counter failed", "scope", scope, "error", err)
			return
		}
	}

	if r.fanout != nil {
		r.fanout.Emit(t.OrgID, model.EventBurnRate, map[string]any{
			"minute":      bucket,
			"currentRate": orgRate,
			"agentId":     t.AgentID,
		})
	}
}

func (r *Recorder) enqueue(t model.Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.traces) >= maxBufferCapacity {
		r.dropped.Add(1)
		r.logger.Error("recorder: buffer at capacity, dropping trace", "trace_id", t.TraceID)
		return
	}
	r.traces = append(r.traces, t)

	if len(r.traces) >= r.batchSize {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with the drain context; the loop context is
			// already cancelled.
			drainCtx := r.drainCtx
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			for r.Len() > 0 {
				if !r.flush(drainCtx) {
					break
				}
			}
			close(r.done)
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

// flush writes up to one batch. Returns false when the write failed and the
// batch was re-prepended.
func (r *Recorder) flush(ctx context.Context) bool {
	r.mu.Lock()
	if len(r.traces) == 0 {
		r.mu.Unlock()
		return true
	}
	n := len(r.traces)
	if n > r.batchSize {
		n = r.batchSize
	}
	batch := r.traces[:n]
	r.traces = append([]model.Trace(nil), r.traces[n:]...)
	r.mu.Unlock()

	start := time.Now()
	count, err := r.db.InsertTraces(ctx, batch)
	if err != nil {
		r.logger.Error("recorder: flush failed", "error", err, "batch_size", len(batch))
		r.mu.Lock()
		r.traces = append(batch, r.traces...)
		r.mu.Unlock()
		return false
	}

	r.logger.Debug("recorder: batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)

	// More than one batch may be waiting after a burst.
	if r.Len() >= r.batchSize {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
	return true
}

// Drain stops the flush loop and waits for the final flush, bounded by ctx.
func (r *Recorder) Drain(ctx context.Context) {
	r.drainCtx = ctx
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("recorder: drain timed out waiting for flush loop")
	}
}

// Len returns the number of buffered traces.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traces)
}

// Dropped returns the number of traces lost to buffer exhaustion.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) registerMetrics() {
	meter := telemetry.Meter(telemetry.ScopeRecorder)

	_, _ = meter.Int64ObservableGauge("switchboard.recorder.buffer_depth",
		metric.WithDescription("Current number of traces in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("switchboard.recorder.dropped_total",
		metric.WithDescription("Total traces dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.Dropped())
			return nil
		}),
	)
}
