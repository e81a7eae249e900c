package tool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/rpc"
	"github.com/cantoria/cantoria/internal/worker"
)

// fakePool scripts worker-pool responses per attempt.
type fakePool struct {
	mu        sync.Mutex
	calls     []fakeCall
	responses []fakeReply // consumed in order
	tools     map[worker.Class][]worker.ToolInfo
}

type fakeCall struct {
	class  worker.Class
	params callParams
	// hadDeadline / remaining capture the context the attempt ran under.
	hadDeadline bool
	remaining   time.Duration
}

type fakeReply struct {
	result []byte
	err    error
}

func (f *fakePool) Call(ctx context.Context, class worker.Class, method string, params any) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp, _ := params.(callParams)
	call := fakeCall{class: class, params: cp}
	if dl, ok := ctx.Deadline(); ok {
		call.hadDeadline = true
		call.remaining = time.Until(dl)
	}
	f.calls = append(f.calls, call)

	if len(f.responses) == 0 {
		return []byte(`{}`), nil
	}
	reply := f.responses[0]
	f.responses = f.responses[1:]
	return reply.result, reply.err
}

func (f *fakePool) Tools(class worker.Class) []worker.ToolInfo {
	return f.tools[class]
}

func (f *fakePool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestCallUnroutedToolRejected(t *testing.T) {
	r := NewRouter(&fakePool{})
	for _, name := range []string{"modify_score", "synthesize_mel", "vocode", "made_up_tool"} {
		_, err := r.Call(context.Background(), name, nil)
		if fault.KindOf(err) != fault.ToolNotAllowed {
			t.Errorf("%s: kind = %q, want tool_not_allowed", name, fault.KindOf(err))
		}
	}
}

func TestCallRoutesToClass(t *testing.T) {
	pool := &fakePool{responses: []fakeReply{
		{result: []byte(`{"parsed":true}`)},
		{result: []byte(`{"audio":"out.wav"}`)},
	}}
	r := NewRouter(pool)

	if _, err := r.Call(context.Background(), "parse_score", json.RawMessage(`{"path":"a.xml"}`)); err != nil {
		t.Fatalf("parse_score: %v", err)
	}
	if _, err := r.Call(context.Background(), "synthesize", nil); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	if pool.calls[0].class != worker.ClassCPU {
		t.Errorf("parse_score routed to %s", pool.calls[0].class)
	}
	if pool.calls[0].params.Name != "parse_score" {
		t.Errorf("params.Name = %q", pool.calls[0].params.Name)
	}
	if pool.calls[1].class != worker.ClassGPU {
		t.Errorf("synthesize routed to %s", pool.calls[1].class)
	}
}

func TestCallRetriesWorkerLostOnce(t *testing.T) {
	pool := &fakePool{responses: []fakeReply{
		{err: fault.New(fault.WorkerLost, "gpu worker lost")},
		{result: []byte(`{"ok":true}`)},
	}}
	r := NewRouter(pool)

	result, err := r.Call(context.Background(), "predict_pitch", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
	if pool.callCount() != 2 {
		t.Errorf("attempts = %d, want 2", pool.callCount())
	}
}

func TestCallRetryBudgetIsOne(t *testing.T) {
	lost := fault.New(fault.WorkerLost, "gpu worker lost")
	pool := &fakePool{responses: []fakeReply{{err: lost}, {err: lost}, {result: []byte(`{}`)}}}
	r := NewRouter(pool)

	_, err := r.Call(context.Background(), "predict_pitch", nil)
	if fault.KindOf(err) != fault.WorkerLost {
		t.Fatalf("kind = %q, want worker_lost", fault.KindOf(err))
	}
	if pool.callCount() != 2 {
		t.Errorf("attempts = %d, want 2", pool.callCount())
	}
}

func TestCallNonIdempotentNotRetried(t *testing.T) {
	pool := &fakePool{responses: []fakeReply{
		{err: fault.New(fault.WorkerLost, "gpu worker lost")},
		{result: []byte(`{}`)},
	}}
	r := NewRouter(pool)

	_, err := r.Call(context.Background(), "save_audio", nil)
	if fault.KindOf(err) != fault.WorkerLost {
		t.Fatalf("kind = %q, want worker_lost", fault.KindOf(err))
	}
	if pool.callCount() != 1 {
		t.Errorf("attempts = %d, want 1", pool.callCount())
	}
}

func TestCallNonRetryableErrorSurfaced(t *testing.T) {
	pool := &fakePool{responses: []fakeReply{
		{err: fault.New(fault.Backpressure, "gpu worker queue is full")},
	}}
	r := NewRouter(pool)

	_, err := r.Call(context.Background(), "synthesize", nil)
	if fault.KindOf(err) != fault.Backpressure {
		t.Fatalf("kind = %q, want backpressure", fault.KindOf(err))
	}
	if pool.callCount() != 1 {
		t.Errorf("attempts = %d, want 1", pool.callCount())
	}
}

func TestCallRetryGetsMinimumDeadline(t *testing.T) {
	pool := &fakePool{responses: []fakeReply{
		{err: fault.New(fault.WorkerLost, "cpu worker lost")},
		{result: []byte(`{}`)},
	}}
	r := NewRouter(pool)

	// Caller deadline nearly exhausted: the retry still gets its floor.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := r.Call(ctx, "phonemize", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	retry := pool.calls[1]
	if !retry.hadDeadline {
		t.Fatal("retry context has no deadline")
	}
	if retry.remaining < 5*time.Second {
		t.Errorf("retry remaining = %v, want >= retry minimum", retry.remaining)
	}
}

func TestCallMapsWorkerErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		resp *rpc.ResponseError
		want fault.Kind
	}{
		{
			"tagged kind",
			&rpc.ResponseError{Code: -32000, Message: "preprocess first", Data: json.RawMessage(`{"kind":"action_required"}`)},
			fault.ActionRequired,
		},
		{
			"invalid params code",
			&rpc.ResponseError{Code: -32602, Message: "missing field voicebank"},
			fault.InvalidInput,
		},
		{
			"untagged",
			&rpc.ResponseError{Code: -32000, Message: "cuda OOM"},
			fault.Internal,
		},
		{
			"unknown kind tag",
			&rpc.ResponseError{Code: -32000, Message: "weird", Data: json.RawMessage(`{"kind":"martian"}`)},
			fault.Internal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool := &fakePool{responses: []fakeReply{{err: tc.resp}}}
			r := NewRouter(pool)
			_, err := r.Call(context.Background(), "parse_score", nil)
			if fault.KindOf(err) != tc.want {
				t.Errorf("kind = %q, want %q", fault.KindOf(err), tc.want)
			}
		})
	}
}

func TestCatalogFiltersInternalTools(t *testing.T) {
	pool := &fakePool{tools: map[worker.Class][]worker.ToolInfo{
		worker.ClassCPU: {
			{Name: "parse_score"},
			{Name: "persist_transformed_score"}, // internal only
			{Name: "modify_score"},              // unrouted
		},
		worker.ClassGPU: {
			{Name: "synthesize"},
			{Name: "vocode"}, // unrouted
		},
	}}
	r := NewRouter(pool)

	catalog := r.Catalog()
	var names []string
	for _, info := range catalog {
		names = append(names, info.Name)
	}
	want := []string{"parse_score", "synthesize"}
	if len(names) != len(want) {
		t.Fatalf("catalog = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("catalog = %v, want %v", names, want)
		}
	}
}

func TestSchemaLookup(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["voicebank"]}`)
	pool := &fakePool{tools: map[worker.Class][]worker.ToolInfo{
		worker.ClassGPU: {{Name: "synthesize", InputSchema: schema}},
	}}
	r := NewRouter(pool)

	got, ok := r.Schema("synthesize")
	if !ok || string(got) != string(schema) {
		t.Errorf("Schema = %s, %v", got, ok)
	}
	if _, ok := r.Schema("modify_score"); ok {
		t.Error("unrouted tool should have no schema")
	}
}
