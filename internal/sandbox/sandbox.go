// Package sandbox executes user-registered worker scripts around the proxy
// pipeline.
//
// Workers are WebAssembly modules run under WASI with deny-by-default
// capabilities: no filesystem, no network, no environment leakage. A worker
// reads one JSON document from stdin and may write one back on stdout;
// execution is hard-capped at 50 ms, and any error or timeout skips the
// worker without affecting the request.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// execTimeout is the hard cap on one worker execution.
const execTimeout = 50 * time.Millisecond

// memoryLimitPages caps worker memory at 16 MiB (wazero pages are 64 KiB).
const memoryLimitPages = 256

// Trigger is the pipeline position a worker runs at.
type Trigger string

const (
	TriggerPreRequest   Trigger = "pre_request"
	TriggerPostResponse Trigger = "post_response"
)

// Worker is one registered user script.
type Worker struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Trigger Trigger `json:"trigger"`
	Order   int     `json:"order"`
	Enabled bool    `json:"enabled"`

	// Module is the compiled WebAssembly binary.
	Module []byte `json:"-"`
}

// Input is the document a worker receives on stdin.
type Input struct {
	Request  json.RawMessage   `json:"request"`
	Response json.RawMessage   `json:"response,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// Output is the document a worker may write on stdout. An empty stdout means
// the worker made no changes.
type Output struct {
	Modified bool            `json:"modified"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

type compiledWorker struct {
	worker   Worker
	compiled wazero.CompiledModule
}

// Runner owns the shared WebAssembly runtime and the registered workers.
type Runner struct {
	runtime wazero.Runtime
	modCfg  wazero.ModuleConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	workers []*compiledWorker // sorted by (Order, ID)
}

// NewRunner creates the sandbox runtime. CPU time is bounded by context
// deadline, which requires close-on-context-done at the runtime level.
func NewRunner(ctx context.Context, logger *slog.Logger) (*Runner, error) {
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	// Deny-by-default: no filesystem mounts, no clock, no random source
	// beyond wazero's defaults for WASI.
	modCfg := wazero.NewModuleConfig().WithStartFunctions("_start")

	return &Runner{
		runtime: r,
		modCfg:  modCfg,
		logger:  logger,
	}, nil
}

// Register compiles and installs a worker. Replaces any worker with the same
// id.
func (r *Runner) Register(ctx context.Context, w Worker) error {
	compiled, err := r.runtime.CompileModule(ctx, w.Module)
	if err != nil {
		return fmt.Errorf("sandbox: compile worker %s: %w", w.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cw := range r.workers {
		if cw.worker.ID == w.ID {
			_ = cw.compiled.Close(ctx)
			r.workers[i] = &compiledWorker{worker: w, compiled: compiled}
			r.sortLocked()
			return nil
		}
	}
	r.workers = append(r.workers, &compiledWorker{worker: w, compiled: compiled})
	r.sortLocked()
	return nil
}

// Unregister removes a worker by id.
func (r *Runner) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cw := range r.workers {
		if cw.worker.ID == id {
			_ = cw.compiled.Close(ctx)
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			return true
		}
	}
	return false
}

// Workers lists registered workers in execution order.
func (r *Runner) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, cw := range r.workers {
		out = append(out, cw.worker)
	}
	return out
}

func (r *Runner) sortLocked() {
	sort.SliceStable(r.workers, func(i, j int) bool {
		if r.workers[i].worker.Order != r.workers[j].worker.Order {
			return r.workers[i].worker.Order < r.workers[j].worker.Order
		}
		return r.workers[i].worker.ID < r.workers[j].worker.ID
	})
}

// RunPre executes the enabled pre_request workers in order. Returns the
// possibly rewritten request, plus a short-circuit response when a worker
// produced one; the pipeline must return that response without forwarding.
func (r *Runner) RunPre(ctx context.Context, request []byte, env map[string]string) (out []byte, shortCircuit []byte) {
	out = request
	for _, cw := range r.snapshot(TriggerPreRequest) {
		result, err := r.runOne(ctx, cw, Input{Request: out, Env: env})
		if err != nil {
			r.logger.Warn("sandbox: pre-request worker skipped", "worker_id", cw.worker.ID, "error", err)
			continue
		}
		if !result.Modified {
			continue
		}
		if len(result.Response) > 0 {
			return out, result.Response
		}
		if len(result.Request) > 0 {
			out = result.Request
		}
	}
	return out, nil
}

// RunPost executes the enabled post_response workers in order, returning the
// possibly rewritten response.
func (r *Runner) RunPost(ctx context.Context, request, response []byte, env map[string]string) []byte {
	out := response
	for _, cw := range r.snapshot(TriggerPostResponse) {
		result, err := r.runOne(ctx, cw, Input{Request: request, Response: out, Env: env})
		if err != nil {
			r.logger.Warn("sandbox: post-response worker skipped", "worker_id", cw.worker.ID, "error", err)
			continue
		}
		if result.Modified && len(result.Response) > 0 {
			out = result.Response
		}
	}
	return out
}

func (r *Runner) snapshot(trigger Trigger) []*compiledWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*compiledWorker
	for _, cw := range r.workers {
		if cw.worker.Enabled && cw.worker.Trigger == trigger {
			out = append(out, cw)
		}
	}
	return out
}

func (r *Runner) runOne(ctx context.Context, cw *compiledWorker, input Input) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	stdin, err := json.Marshal(input)
	if err != nil {
		return Output{}, fmt.Errorf("sandbox: marshal input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cfg := r.modCfg.
		WithName(""). // anonymous instance per run
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.runtime.InstantiateModule(ctx, cw.compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, fmt.Errorf("sandbox: worker %s timed out after %v", cw.worker.ID, execTimeout)
		}
		return Output{}, fmt.Errorf("sandbox: worker %s failed: %w", cw.worker.ID, err)
	}
	_ = mod.Close(ctx)

	// Worker stderr is its logging sink.
	for _, line := range strings.Split(strings.TrimSpace(stderr.String()), "\n") {
		if line != "" {
			r.logger.Info("sandbox: worker log", "worker_id", cw.worker.ID, "line", line)
		}
	}

	if stdout.Len() == 0 {
		return Output{}, nil
	}
	var out Output
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Output{}, fmt.Errorf("sandbox: worker %s output: %w", cw.worker.ID, err)
	}
	return out, nil
}

// Close releases the runtime and all compiled workers.
func (r *Runner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.runtime.Close(ctx)
}
