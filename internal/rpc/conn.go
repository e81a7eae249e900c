package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by [Conn.Call] when the transport has failed or been
// closed. Outstanding requests at that moment fail with the same error and
// become retry candidates for the tool router.
var ErrClosed = errors.New("rpc: connection closed")

// notificationBuffer bounds queued worker notifications. Progress events
// beyond the buffer are dropped rather than stalling the read loop.
const notificationBuffer = 64

// Conn is one framed JSON-RPC connection to a worker subprocess. It owns a
// reader goroutine that correlates responses to in-flight requests by id and
// forwards notifications, and a drain goroutine that logs worker stderr.
//
// Conn does not own the process itself; the worker pool handles spawn, wait
// and kill. All methods are safe for concurrent use.
type Conn struct {
	name   string
	logger *slog.Logger

	stdin   io.WriteCloser
	writeMu sync.Mutex

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	notes chan Notification

	done     chan struct{}
	doneOnce sync.Once
	failure  atomic.Pointer[error]

	closeOnce sync.Once
}

// NewConn wraps the given subprocess pipes and starts the reader and stderr
// goroutines. name appears in log records. stderr may be nil.
func NewConn(name string, stdin io.WriteCloser, stdout io.Reader, stderr io.Reader) *Conn {
	c := &Conn{
		name:    name,
		logger:  slog.Default().With("worker", name),
		stdin:   stdin,
		pending: make(map[int64]chan *Response),
		notes:   make(chan Notification, notificationBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(stdout))
	if stderr != nil {
		go c.drainStderr(stderr)
	}
	return c
}

// Call sends a request and waits for the matching response, ctx expiry, or
// transport failure. params is JSON-marshalled; pass nil for no params.
//
// An application-level failure is returned as a [*ResponseError]; transport
// failure is reported as (a wrapped) [ErrClosed].
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, c.err()
	default:
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal params for %s: %w", method, err)
		}
		raw = data
	}

	id := c.nextID.Add(1)
	req := Request{JSONRPC: Version, ID: id, Method: method, Params: raw}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request %s: %w", method, err)
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = WriteFrame(c.stdin, body)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return nil, c.err()
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			// Channel closed by fail: the transport died under us.
			return nil, c.err()
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err()
	}
}

// Notifications returns the channel of worker notifications. The channel is
// closed when the transport dies.
func (c *Conn) Notifications() <-chan Notification {
	return c.notes
}

// Done is closed when the transport has failed or reached EOF. The worker
// pool uses it to detect process death.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the worker's stdin, signalling it to exit. The reader
// goroutine winds down when the process closes its end of stdout.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stdin.Close()
	})
	return err
}

// err returns the recorded transport failure wrapped in ErrClosed.
func (c *Conn) err() error {
	if p := c.failure.Load(); p != nil && !errors.Is(*p, io.EOF) {
		return fmt.Errorf("%w: %w", ErrClosed, *p)
	}
	return ErrClosed
}

// fail records the first transport error, releases all waiters, and closes
// the notification channel.
func (c *Conn) fail(cause error) {
	c.doneOnce.Do(func() {
		c.failure.Store(&cause)
		close(c.done)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.pendingMu.Unlock()

		close(c.notes)
	})
}

// readLoop decodes frames until the stream errors or closes.
func (c *Conn) readLoop(r *bufio.Reader) {
	for {
		body, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("transport read failed", "err", err)
			}
			c.fail(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			c.logger.Warn("malformed frame", "err", err)
			c.fail(fmt.Errorf("rpc: malformed frame: %w", err))
			return
		}

		switch {
		case env.ID != nil:
			resp := &Response{JSONRPC: env.JSONRPC, ID: *env.ID, Result: env.Result, Error: env.Error}
			c.pendingMu.Lock()
			ch, ok := c.pending[*env.ID]
			if ok {
				delete(c.pending, *env.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- resp
			} else {
				c.logger.Debug("response for unknown request id", "id", *env.ID)
			}

		case env.Method != "":
			select {
			case c.notes <- Notification{JSONRPC: env.JSONRPC, Method: env.Method, Params: env.Params}:
			default:
				c.logger.Warn("notification buffer full, dropping", "method", env.Method)
			}

		default:
			c.logger.Debug("ignoring message with neither id nor method")
		}
	}
}

// drainStderr logs worker stderr line by line as diagnostics.
func (c *Conn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("worker stderr", "line", line)
		}
	}
}
