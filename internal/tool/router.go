// Package tool routes tool calls to worker classes. The route table is the
// single source of truth for which tools exist: a name absent from it is
// rejected with tool_not_allowed no matter who asked. The router retries a
// lost worker at most once, and only for idempotent tools.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/rpc"
	"github.com/cantoria/cantoria/internal/worker"
)

// retryMinimum is the floor allotted to a retry attempt after worker_lost,
// even when the caller's deadline has less remaining.
const retryMinimum = 10 * time.Second

// routes maps every dispatchable tool to its worker class. Tools the
// workers implement but that must never be callable (modify_score,
// synthesize_mel, vocode) are simply absent.
var routes = map[string]worker.Class{
	"parse_score":               worker.ClassCPU,
	"preprocess_voice_parts":    worker.ClassCPU,
	"phonemize":                 worker.ClassCPU,
	"align_phonemes_to_notes":   worker.ClassCPU,
	"list_voicebanks":           worker.ClassCPU,
	"get_voicebank_info":        worker.ClassCPU,
	"estimate_credits":          worker.ClassCPU,
	"persist_transformed_score": worker.ClassCPU,

	"predict_durations": worker.ClassGPU,
	"predict_pitch":     worker.ClassGPU,
	"predict_variance":  worker.ClassGPU,
	"synthesize_audio":  worker.ClassGPU,
	"synthesize":        worker.ClassGPU,
	"save_audio":        worker.ClassGPU,
}

// nonIdempotent tools are never retried; a worker_lost mid-call could mean
// the side effect already happened.
var nonIdempotent = map[string]struct{}{
	"save_audio":                {},
	"persist_transformed_score": {},
}

// internalOnly tools are dispatchable by the orchestrator but hidden from
// the catalogue offered to the planner.
var internalOnly = map[string]struct{}{
	"persist_transformed_score": {},
}

// Dispatcher is the worker-pool surface the router needs. Satisfied by
// [*worker.Pool].
type Dispatcher interface {
	Call(ctx context.Context, class worker.Class, method string, params any) ([]byte, error)
	Tools(class worker.Class) []worker.ToolInfo
}

var _ Dispatcher = (*worker.Pool)(nil)

// Recorder receives one record per dispatch attempt. Satisfied by
// observe.Metrics; nil disables metric recording (the slog record is
// always emitted).
type Recorder interface {
	RecordToolCall(ctx context.Context, tool string, class string, attempt int, duration time.Duration, outcome string)
}

// Router dispatches validated tool calls to the worker pool.
type Router struct {
	pool     Dispatcher
	logger   *slog.Logger
	recorder Recorder
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) RouterOption {
	return func(rt *Router) { rt.recorder = r }
}

// NewRouter creates a Router over the given pool.
func NewRouter(pool Dispatcher, opts ...RouterOption) *Router {
	r := &Router{
		pool:   pool,
		logger: slog.Default().With("component", "toolrouter"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Class resolves a tool name to its worker class.
func (r *Router) Class(name string) (worker.Class, bool) {
	c, ok := routes[name]
	return c, ok
}

// Exposed reports whether name may appear in the planner's tool catalogue.
func (r *Router) Exposed(name string) bool {
	if _, ok := routes[name]; !ok {
		return false
	}
	_, hidden := internalOnly[name]
	return !hidden
}

// Catalog returns the tools offered to the planner: the intersection of
// the route table and what the workers actually report, minus
// internal-only tools, sorted by name.
func (r *Router) Catalog() []worker.ToolInfo {
	var out []worker.ToolInfo
	for _, class := range []worker.Class{worker.ClassCPU, worker.ClassGPU} {
		for _, t := range r.pool.Tools(class) {
			if r.Exposed(t.Name) {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schema returns the input schema the worker reported for name.
func (r *Router) Schema(name string) (json.RawMessage, bool) {
	class, ok := routes[name]
	if !ok {
		return nil, false
	}
	for _, t := range r.pool.Tools(class) {
		if t.Name == name {
			return t.InputSchema, true
		}
	}
	return nil, false
}

// callParams is the tools/call request payload.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Call dispatches one tool call. args must already be validated against the
// tool's schema by the caller. Lost-worker failures are retried once for
// idempotent tools, with at least [retryMinimum] allotted to the attempt.
func (r *Router) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	class, ok := routes[name]
	if !ok {
		return nil, fault.Newf(fault.ToolNotAllowed, "tool %q is not available", name)
	}
	params := callParams{Name: name, Arguments: args}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx := ctx
		if attempt > 0 {
			// The user-visible deadline stands, but the retry gets a
			// floor to actually attempt the call.
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < retryMinimum {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), retryMinimum)
				defer cancel()
			}
		}

		requestID := uuid.NewString()
		start := time.Now()
		raw, err := r.pool.Call(callCtx, class, "tools/call", params)
		if err != nil {
			var respErr *rpc.ResponseError
			if errors.As(err, &respErr) {
				err = mapResponseError(name, respErr)
			}
		}
		r.record(ctx, name, class, attempt, requestID, time.Since(start), err)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if !fault.KindOf(err).Retryable() {
			return nil, err
		}
		if _, unsafe := nonIdempotent[name]; unsafe {
			return nil, err
		}
	}
	return nil, lastErr
}

// record emits the per-attempt structured call record.
func (r *Router) record(ctx context.Context, name string, class worker.Class, attempt int, requestID string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(fault.KindOf(err))
	}
	r.logger.Info("tool call",
		"tool", name,
		"class", class,
		"attempt", attempt+1,
		"request_id", requestID,
		"duration_ms", d.Milliseconds(),
		"outcome", outcome,
	)
	if r.recorder != nil {
		r.recorder.RecordToolCall(ctx, name, string(class), attempt+1, d, outcome)
	}
}

// mapResponseError converts a worker's application-level error into a typed
// fault. Workers may tag the error data with a kind; untagged errors fall
// back on the JSON-RPC code.
func mapResponseError(name string, e *rpc.ResponseError) error {
	if len(e.Data) > 0 {
		var data struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(e.Data, &data); err == nil {
			if k := fault.Kind(data.Kind); k.IsValid() {
				return fault.New(k, e.Message)
			}
		}
	}
	if e.Code == -32602 {
		return fault.New(fault.InvalidInput, e.Message)
	}
	return fault.Newf(fault.Internal, "tool %s: %s", name, e.Message)
}
