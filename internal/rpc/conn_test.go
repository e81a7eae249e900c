package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

// fakeWorker is an in-process peer speaking framed JSON-RPC over pipes.
// handle receives each decoded request and returns the response body; a nil
// return means "reply with nothing" (the request stays pending).
type fakeWorker struct {
	stdin  io.ReadCloser  // worker's view of our writes
	stdout io.WriteCloser // worker's view of our reads
	handle func(req Request) *Response
}

// startFakeWorker wires a Conn to an in-process worker loop.
func startFakeWorker(t *testing.T, handle func(req Request) *Response) (*Conn, *fakeWorker) {
	t.Helper()
	inR, inW := io.Pipe()   // conn stdin → worker
	outR, outW := io.Pipe() // worker → conn stdout

	w := &fakeWorker{stdin: inR, stdout: outW, handle: handle}
	go w.serve()

	conn := NewConn("fake", inW, outR, nil)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = outW.Close()
	})
	return conn, w
}

func (w *fakeWorker) serve() {
	r := bufio.NewReader(w.stdin)
	for {
		body, err := ReadFrame(r)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			return
		}
		resp := w.handle(req)
		if resp == nil {
			continue
		}
		out, _ := json.Marshal(resp)
		if err := WriteFrame(w.stdout, out); err != nil {
			return
		}
	}
}

// notify emits an id-less notification from the worker side.
func (w *fakeWorker) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	out, _ := json.Marshal(Notification{JSONRPC: Version, Method: method, Params: raw})
	_ = WriteFrame(w.stdout, out)
}

func TestCallRoundTrip(t *testing.T) {
	conn, _ := startFakeWorker(t, func(req Request) *Response {
		if req.Method != "tools/call" {
			t.Errorf("method = %q", req.Method)
		}
		return &Response{JSONRPC: Version, ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
	})

	result, err := conn.Call(context.Background(), "tools/call", map[string]any{"name": "parse_score"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestCallApplicationError(t *testing.T) {
	conn, _ := startFakeWorker(t, func(req Request) *Response {
		return &Response{JSONRPC: Version, ID: req.ID, Error: &ResponseError{Code: -32000, Message: "no such voicebank"}}
	})

	_, err := conn.Call(context.Background(), "tools/call", nil)
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("want *ResponseError, got %v", err)
	}
	if respErr.Message != "no such voicebank" {
		t.Errorf("message = %q", respErr.Message)
	}
}

func TestCallIDsAreMonotonic(t *testing.T) {
	var ids []int64
	conn, _ := startFakeWorker(t, func(req Request) *Response {
		ids = append(ids, req.ID)
		return &Response{JSONRPC: Version, ID: req.ID, Result: json.RawMessage(`{}`)}
	})

	for i := 0; i < 3; i++ {
		if _, err := conn.Call(context.Background(), "ping", nil); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not monotonic: %v", ids)
		}
	}
}

func TestCallContextCancelled(t *testing.T) {
	conn, _ := startFakeWorker(t, func(req Request) *Response {
		return nil // never reply
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := conn.Call(ctx, "tools/call", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
}

func TestNotificationsForwarded(t *testing.T) {
	conn, w := startFakeWorker(t, func(req Request) *Response { return nil })

	w.notify("job/progress", map[string]any{"job_id": "j1", "step": "vocoding", "progress": 0.5})

	select {
	case n := <-conn.Notifications():
		if n.Method != "job/progress" {
			t.Errorf("method = %q", n.Method)
		}
		var p struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(n.Params, &p); err != nil || p.JobID != "j1" {
			t.Errorf("params = %s (err %v)", n.Params, err)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestWorkerDeathFailsPendingCalls(t *testing.T) {
	conn, w := startFakeWorker(t, func(req Request) *Response { return nil })

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "tools/call", nil)
		errCh <- err
	}()

	// Simulate the process dying: close its stdout.
	time.Sleep(10 * time.Millisecond)
	_ = w.stdout.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail")
	}

	// Subsequent calls fail fast.
	if _, err := conn.Call(context.Background(), "ping", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed on dead conn, got %v", err)
	}

	// Done is signalled and the notification channel is closed.
	select {
	case <-conn.Done():
	default:
		t.Error("Done not signalled")
	}
	if _, ok := <-conn.Notifications(); ok {
		t.Error("notification channel should be closed")
	}
}
