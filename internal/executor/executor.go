// Package executor runs Phase 2 specialist tasks one at a time against the
// local inference server.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/danshapiro/helixmix/internal/backend"
	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/prompt"
	"github.com/danshapiro/helixmix/internal/runtime"
)

const (
	DefaultHeartbeat = 3 * time.Second
	probeTimeout     = 10 * time.Second
)

// localServer serialises specialist calls across every executor in the
// process: the server can hold only one large model at a time.
var localServer = semaphore.NewWeighted(1)

// Router resolves the backend serving a specialist model.
type Router interface {
	Specialist(model string, cfg runtime.Configuration) (backend.Route, error)
}

// MemoryRetriever supplies the memory block prepended to a task prompt.
type MemoryRetriever interface {
	ContextFor(ctx context.Context, prompt string) (string, error)
}

// Hooks observe a RunAll pass. Every field is optional.
type Hooks struct {
	OnStart    func(spec runtime.TaskSpec)
	OnFinish   func(res runtime.TaskResult)
	OnProgress func(done, total int)
}

type Executor struct {
	Router    Router
	Config    runtime.Configuration
	Memory    MemoryRetriever
	Publisher events.Publisher
	Heartbeat time.Duration
	Log       *zap.Logger
	// Lock overrides the process-wide local server lock.
	Lock *semaphore.Weighted
}

func New(router Router, cfg runtime.Configuration, pub events.Publisher, log *zap.Logger) *Executor {
	return &Executor{Router: router, Config: cfg, Publisher: pub, Log: log}
}

func (e *Executor) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Executor) publish(ev events.Event) {
	if e.Publisher != nil {
		e.Publisher.Publish(ev)
	}
}

func (e *Executor) lock() *semaphore.Weighted {
	if e.Lock != nil {
		return e.Lock
	}
	return localServer
}

// RunAll executes the runnable specs in order (Order, then category) one at a
// time. Cancellation is checked before each task; the result of a task that
// was running when ctx ended is kept and no further task starts. The error is
// ctx.Err() when the pass was cut short.
func (e *Executor) RunAll(ctx context.Context, specs []runtime.TaskSpec, hooks Hooks) ([]runtime.TaskResult, error) {
	var queue []runtime.TaskSpec
	for _, s := range specs {
		if s.Runnable() {
			queue = append(queue, s)
		}
	}
	runtime.SortTaskSpecs(queue)

	results := make([]runtime.TaskResult, 0, len(queue))
	for i, spec := range queue {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if hooks.OnStart != nil {
			hooks.OnStart(spec)
		}
		res := e.Run(ctx, spec)
		results = append(results, res)
		if hooks.OnFinish != nil {
			hooks.OnFinish(res)
		}
		if hooks.OnProgress != nil {
			hooks.OnProgress(i+1, len(queue))
		}
	}
	return results, ctx.Err()
}

// Run executes one spec. It never fails: every error becomes an unsuccessful
// result whose response says what went wrong. The response is filtered for
// leaked reasoning and normalised to the task response object.
func (e *Executor) Run(ctx context.Context, spec runtime.TaskSpec) runtime.TaskResult {
	start := time.Now()
	text, err := e.execute(ctx, spec)
	success := err == nil
	if err != nil {
		text = failureMessage(err, spec.EffectiveTimeout())
		e.log().Warn("specialist task failed",
			zap.String("category", string(spec.Category)),
			zap.String("model", spec.Model),
			zap.String("kind", string(llm.KindOf(err))),
			zap.Error(err),
		)
	} else {
		text = FilterChainOfThought(text)
	}
	return runtime.TaskResult{
		Category:       spec.Category,
		Model:          spec.Model,
		Success:        success,
		Response:       runtime.NormalizeTaskResponse(spec.Category, spec.Model, text, success),
		Elapsed:        time.Since(start),
		Order:          spec.Order,
		OriginalPrompt: spec.Prompt,
		ExpectedOutput: spec.ExpectedOutput,
	}
}

type prober interface {
	Probe(ctx context.Context, model string) bool
}

func (e *Executor) execute(ctx context.Context, spec runtime.TaskSpec) (string, error) {
	if e.Router == nil {
		return "", &llm.ConfigurationError{Message: "no specialist router configured"}
	}
	route, err := e.Router.Specialist(spec.Model, e.Config)
	if err != nil {
		return "", err
	}

	sem := e.lock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer sem.Release(1)

	timeout := spec.EffectiveTimeout()
	if p, ok := route.Backend.(prober); ok {
		// The readiness probe spends the task's own budget.
		started := time.Now()
		pctx, cancel := context.WithTimeout(ctx, min(probeTimeout, timeout))
		p.Probe(pctx, route.Model)
		cancel()
		timeout -= time.Since(started)
		if timeout <= 0 {
			return "", &llm.TimeoutError{Backend: route.Backend.Name(), After: spec.EffectiveTimeout()}
		}
	}

	text := spec.Prompt
	if e.Memory != nil {
		mem, err := e.Memory.ContextFor(ctx, spec.Prompt)
		if err != nil {
			e.log().Warn("memory retrieval failed; continuing without it", zap.Error(err))
		}
		text = prompt.Specialist(spec.Prompt, mem)
	}

	e.publish(events.Monitor(events.MonitorStart, spec.Model, string(spec.Category)))
	stop := e.startHeartbeat(ctx, spec)
	out, err := route.Backend.Execute(ctx, backend.Call{
		Prompt:  text,
		Model:   route.Model,
		Timeout: timeout,
		WorkDir: e.Config.ProjectDir,
		Effort:  e.Config.GPTReasoningEffort,
	})
	stop()
	if err != nil {
		e.publish(events.Monitor(events.MonitorError, spec.Model, llm.Tagged(err)))
		return "", err
	}
	e.publish(events.Monitor(events.MonitorOutput, spec.Model, fmt.Sprintf("%d chars", len(out))))
	e.publish(events.Monitor(events.MonitorFinish, spec.Model, string(spec.Category)))
	return out, nil
}

// startHeartbeat emits heartbeat monitor events until the returned stop
// function is called.
func (e *Executor) startHeartbeat(ctx context.Context, spec runtime.TaskSpec) func() {
	interval := e.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	keepaliveStop := make(chan struct{})
	keepaliveDone := make(chan struct{})
	started := time.Now()
	go func() {
		defer close(keepaliveDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.publish(events.Monitor(events.MonitorHeartbeat, spec.Model,
					fmt.Sprintf("%s running %.0fs", spec.Category, time.Since(started).Seconds())))
			case <-keepaliveStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(keepaliveStop)
		<-keepaliveDone
	}
}

// failureMessage is the response text of an unsuccessful task.
func failureMessage(err error, timeout time.Duration) string {
	var (
		te  *llm.TimeoutError
		bu  *llm.BackendUnavailableError
		bf  *llm.BackendFailedError
		cfg *llm.ConfigurationError
	)
	switch {
	case errors.As(err, &te):
		return fmt.Sprintf("timeout (%ds)", int(timeout.Seconds()))
	case errors.Is(err, context.Canceled), errors.Is(err, llm.ErrCancelled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timeout (%ds)", int(timeout.Seconds()))
	case errors.As(err, &bu):
		if bu.Backend == "local" || strings.HasPrefix(bu.Backend, "ollama") {
			return "local server unreachable; check that it is running: " + err.Error()
		}
		return "backend unavailable: " + err.Error()
	case errors.As(err, &bf):
		return err.Error()
	case errors.As(err, &cfg):
		return "configuration error: " + cfg.Message
	default:
		return "error: " + err.Error()
	}
}
