// Package worker manages Cantoria's tool worker subprocesses: one per class
// (cpu for preprocessing, gpu for inference). The pool spawns each worker,
// imports its tool catalogue via tools/list, probes readiness, enforces the
// per-class concurrency model, and restarts crashed workers with exponential
// backoff. A restarted worker must report the same tool set as before or the
// class fails closed.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cantoria/cantoria/internal/rpc"
)

// Class identifies a worker subprocess type.
type Class string

const (
	// ClassCPU runs parsing, phonemization and other preprocessing tools.
	ClassCPU Class = "cpu"

	// ClassGPU runs model inference. GPU workers serialize requests to
	// avoid device-memory contention.
	ClassGPU Class = "gpu"
)

// IsValid reports whether c is a recognised class.
func (c Class) IsValid() bool {
	return c == ClassCPU || c == ClassGPU
}

// ToolInfo describes one tool exported by a worker's tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ClassConfig configures one worker class.
type ClassConfig struct {
	// Command is the worker executable; Args and Env are passed through.
	Command string
	Args    []string
	Env     map[string]string

	// Concurrency is the number of requests served at once. GPU workers
	// should use 1.
	Concurrency int

	// QueueDepth bounds callers blocked waiting for a request slot.
	// Overflow fails fast with backpressure.
	QueueDepth int

	// ReadyTimeout bounds the startup / health tools/list probe.
	ReadyTimeout time.Duration

	// HealthInterval is how often an idle worker is probed.
	HealthInterval time.Duration

	// ShutdownGrace is how long a worker gets to exit after stdin closes
	// before it is killed.
	ShutdownGrace time.Duration
}

// withDefaults fills zero fields.
func (c ClassConfig) withDefaults(class Class) ClassConfig {
	if c.Concurrency <= 0 {
		if class == ClassGPU {
			c.Concurrency = 1
		} else {
			c.Concurrency = 4
		}
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 3 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// stopFunc terminates a worker process: close stdin, wait up to grace for a
// clean exit, then kill.
type stopFunc func(grace time.Duration)

// launcher spawns one worker process and returns its transport plus a stop
// function. Tests substitute an in-process implementation.
type launcher func(class Class, cfg ClassConfig) (*rpc.Conn, stopFunc, error)

// execLaunch is the production launcher: it runs cfg.Command as a subprocess
// with piped stdio.
func execLaunch(class Class, cfg ClassConfig) (*rpc.Conn, stopFunc, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("worker: start %q: %w", cfg.Command, err)
	}

	conn := rpc.NewConn(string(class), stdin, stdout, stderr)

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	stop := func(grace time.Duration) {
		_ = conn.Close()
		select {
		case <-exited:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	return conn, stop, nil
}

// listTools performs the tools/list request that doubles as the readiness
// and health probe.
func listTools(ctx context.Context, conn *rpc.Conn, timeout time.Duration) ([]ToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := conn.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("worker: tools/list: %w", err)
	}
	var payload struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("worker: decode tools/list: %w", err)
	}
	return payload.Tools, nil
}

// sameToolSet reports whether two catalogues expose the same tool names.
func sameToolSet(a, b []ToolInfo) bool {
	if len(a) != len(b) {
		return false
	}
	names := make(map[string]struct{}, len(a))
	for _, t := range a {
		names[t.Name] = struct{}{}
	}
	for _, t := range b {
		if _, ok := names[t.Name]; !ok {
			return false
		}
	}
	return true
}

// restartBackoff is the delay before restart attempt n (0-based). The
// schedule is 250 ms, 500 ms, 1 s, then capped at 5 s.
func restartBackoff(attempt int) time.Duration {
	schedule := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return 5 * time.Second
}
