package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/rpc"
)

// ErrStartup wraps failures to bring up a worker class at process start.
// The entry point maps it to exit code 70.
var ErrStartup = errors.New("worker: startup failed")

// poolNotificationBuffer bounds the merged notification stream.
const poolNotificationBuffer = 256

// Pool owns one worker per class and their transports. The tool router
// borrows workers through [Pool.Call] for the duration of a single request;
// nothing else touches a worker handle.
//
// All exported methods are safe for concurrent use.
type Pool struct {
	launch  launcher
	classes map[Class]*managed
	notes   chan rpc.Notification
	logger  *slog.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// managed is the pool's record of one worker class.
type managed struct {
	class Class
	cfg   ClassConfig

	slots  chan struct{}
	queued atomic.Int32

	mu           sync.Mutex
	conn         *rpc.Conn
	stop         stopFunc
	gen          int
	tools        []ToolInfo // allow-list baseline, recorded at first start
	ready        bool
	readyCh      chan struct{} // closed while ready; replaced on loss
	failedClosed bool
	restarts     int
	lastUsed     time.Time
}

// Option configures a [Pool] during construction.
type Option func(*Pool)

// WithLauncher substitutes the process launcher. Used by tests to run
// in-process workers.
func WithLauncher(l launcher) Option {
	return func(p *Pool) { p.launch = l }
}

// NewPool creates a Pool for the given class configurations. Call
// [Pool.Start] before dispatching.
func NewPool(cfgs map[Class]ClassConfig, opts ...Option) *Pool {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	p := &Pool{
		launch:   execLaunch,
		classes:  make(map[Class]*managed, len(cfgs)),
		notes:    make(chan rpc.Notification, poolNotificationBuffer),
		logger:   slog.Default().With("component", "workerpool"),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	for class, cfg := range cfgs {
		cfg = cfg.withDefaults(class)
		p.classes[class] = &managed{
			class:   class,
			cfg:     cfg,
			slots:   make(chan struct{}, cfg.Concurrency),
			readyCh: make(chan struct{}),
		}
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start spawns all configured workers and verifies readiness. Any failure
// is wrapped in [ErrStartup]; a partially started pool is torn down.
func (p *Pool) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range p.classes {
		g.Go(func() error {
			if err := p.spawn(ctx, m); err != nil {
				return fmt.Errorf("%w: class %s: %w", ErrStartup, m.class, err)
			}
			p.wg.Add(1)
			go p.healthLoop(m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.Close()
		return err
	}
	return nil
}

// spawn launches a worker for m, probes it, and installs the connection.
// On restart it enforces that the tool set matches the recorded baseline.
func (p *Pool) spawn(ctx context.Context, m *managed) error {
	conn, stop, err := p.launch(m.class, m.cfg)
	if err != nil {
		return err
	}

	tools, err := listTools(ctx, conn, m.cfg.ReadyTimeout)
	if err != nil {
		stop(m.cfg.ShutdownGrace)
		return fmt.Errorf("readiness probe: %w", err)
	}

	m.mu.Lock()
	if m.tools == nil {
		m.tools = tools
	} else if !sameToolSet(m.tools, tools) {
		// Fail closed: a worker that comes back with a different tool
		// surface must not serve traffic. Wake anyone waiting for the
		// class so they see the failure.
		m.failedClosed = true
		close(m.readyCh)
		m.mu.Unlock()
		stop(m.cfg.ShutdownGrace)
		p.logger.Error("restarted worker reports different tool set, failing closed", "class", m.class)
		return fmt.Errorf("tool set changed across restart")
	}
	m.conn = conn
	m.stop = stop
	m.gen++
	m.ready = true
	close(m.readyCh)
	gen := m.gen
	m.mu.Unlock()

	p.logger.Info("worker ready", "class", m.class, "tools", len(tools), "generation", gen)

	p.wg.Add(2)
	go p.pump(conn)
	go p.watch(m, conn, gen)
	return nil
}

// pump forwards one connection's notifications into the merged stream.
func (p *Pool) pump(conn *rpc.Conn) {
	defer p.wg.Done()
	for n := range conn.Notifications() {
		select {
		case p.notes <- n:
		default:
			p.logger.Warn("pool notification buffer full, dropping", "method", n.Method)
		}
	}
}

// watch waits for the connection to die and drives the restart loop.
func (p *Pool) watch(m *managed, conn *rpc.Conn, gen int) {
	defer p.wg.Done()

	select {
	case <-conn.Done():
	case <-p.bgCtx.Done():
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.ready = false
	m.readyCh = make(chan struct{})
	m.conn = nil
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		stop(m.cfg.ShutdownGrace)
	}
	if p.closed.Load() {
		return
	}
	p.logger.Warn("worker lost, restarting", "class", m.class)

	for attempt := 0; ; attempt++ {
		select {
		case <-time.After(restartBackoff(attempt)):
		case <-p.bgCtx.Done():
			return
		}

		m.mu.Lock()
		m.restarts++
		restarts := m.restarts
		failedClosed := m.failedClosed
		m.mu.Unlock()
		if failedClosed {
			return
		}

		err := p.spawn(p.bgCtx, m)
		if err == nil {
			p.logger.Info("worker restarted", "class", m.class, "restarts", restarts)
			return
		}
		m.mu.Lock()
		failedClosed = m.failedClosed
		m.mu.Unlock()
		if failedClosed {
			return
		}
		p.logger.Warn("worker restart failed", "class", m.class, "attempt", attempt+1, "err", err)
	}
}

// healthLoop probes an idle worker every HealthInterval. A failed probe
// terminates the worker; the watcher then restarts it.
func (p *Pool) healthLoop(m *managed) {
	defer p.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.bgCtx.Done():
			return
		}

		m.mu.Lock()
		conn := m.conn
		stop := m.stop
		idle := time.Since(m.lastUsed) >= m.cfg.HealthInterval
		m.mu.Unlock()

		if conn == nil || !idle {
			continue
		}
		if _, err := listTools(p.bgCtx, conn, m.cfg.ReadyTimeout); err != nil {
			p.logger.Warn("health check failed, recycling worker", "class", m.class, "err", err)
			if stop != nil {
				stop(m.cfg.ShutdownGrace)
			}
		}
	}
}

// Call dispatches one JSON-RPC request to the class's worker, enforcing the
// class's concurrency limit and queue depth. A class whose worker is being
// restarted is waited on, bounded by the caller's deadline, so a retry after
// worker_lost can land on the respawned worker instead of failing while the
// restart backoff is still pending. Transport failures are classified as
// worker_lost / timeout / cancelled; application-level errors pass through
// as [*rpc.ResponseError] for the router to interpret.
func (p *Pool) Call(ctx context.Context, class Class, method string, params any) (result []byte, err error) {
	m, ok := p.classes[class]
	if !ok {
		return nil, fault.Newf(fault.Internal, "no worker class %q", class)
	}

	// Admission: take a slot immediately or join the bounded queue.
	select {
	case m.slots <- struct{}{}:
	default:
		if int(m.queued.Add(1)) > m.cfg.QueueDepth {
			m.queued.Add(-1)
			return nil, fault.Newf(fault.Backpressure, "%s worker queue is full", class)
		}
		select {
		case m.slots <- struct{}{}:
			m.queued.Add(-1)
		case <-ctx.Done():
			m.queued.Add(-1)
			return nil, classifyCtx(ctx.Err(), class)
		}
	}
	defer func() { <-m.slots }()

	var conn *rpc.Conn
	for {
		m.mu.Lock()
		conn = m.conn
		ready := m.ready && !m.failedClosed
		failedClosed := m.failedClosed
		readyCh := m.readyCh
		m.lastUsed = time.Now()
		m.mu.Unlock()

		if ready && conn != nil {
			break
		}
		if failedClosed || p.closed.Load() {
			return nil, fault.Newf(fault.WorkerLost, "%s worker unavailable", class)
		}
		select {
		case <-readyCh:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fault.Wrap(fault.WorkerLost, ctx.Err(), fmt.Sprintf("%s worker did not come back in time", class))
			}
			return nil, classifyCtx(ctx.Err(), class)
		case <-p.bgCtx.Done():
			return nil, fault.Newf(fault.WorkerLost, "%s worker unavailable", class)
		}
	}

	raw, err := conn.Call(ctx, method, params)
	if err != nil {
		var respErr *rpc.ResponseError
		switch {
		case errors.As(err, &respErr):
			return nil, err
		case errors.Is(err, rpc.ErrClosed):
			return nil, fault.Wrap(fault.WorkerLost, err, fmt.Sprintf("%s worker lost", class))
		default:
			return nil, classifyCtx(err, class)
		}
	}
	return raw, nil
}

// classifyCtx maps context errors onto stable kinds.
func classifyCtx(err error, class Class) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.Timeout, err, fmt.Sprintf("%s worker deadline exceeded", class))
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.Cancelled, err, "call cancelled")
	default:
		return fault.Wrap(fault.Internal, err, "worker call failed")
	}
}

// Tools returns a copy of the class's recorded tool catalogue.
func (p *Pool) Tools(class Class) []ToolInfo {
	m, ok := p.classes[class]
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolInfo, len(m.tools))
	copy(out, m.tools)
	return out
}

// Healthy reports whether the class has a ready worker.
func (p *Pool) Healthy(class Class) bool {
	m, ok := p.classes[class]
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready && !m.failedClosed
}

// Notifications returns the merged worker notification stream (job/progress
// events). The channel is never closed; consumers should select on their
// own shutdown signal.
func (p *Pool) Notifications() <-chan rpc.Notification {
	return p.notes
}

// Close terminates all workers and background loops. Safe to call more
// than once.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.bgCancel()
	for _, m := range p.classes {
		m.mu.Lock()
		stop := m.stop
		m.conn = nil
		m.stop = nil
		m.ready = false
		m.mu.Unlock()
		if stop != nil {
			stop(m.cfg.ShutdownGrace)
		}
	}
	p.wg.Wait()
}
