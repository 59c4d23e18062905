// Package engine drives one request through the phases: plan (1), specialist
// fan-out (2), integration with bounded retry (3), optional review (3.5) and
// optional apply (4).
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/prompt"
	"github.com/danshapiro/helixmix/internal/runtime"
)

var ErrAlreadyRunning = errors.New("engine: a run is already in progress")

type Options struct {
	Router    Router
	Publisher events.Publisher

	// SessionBase is the directory holding sessions/. Empty disables
	// session artefacts.
	SessionBase string

	Memory   MemoryProvider
	Project  ProjectContextProvider
	Bible    BibleManager
	Notifier Notifier
	Fetcher  URLFetcher

	PrefixCache *prompt.PrefixCache

	// Heartbeat is the Phase 2 heartbeat interval; zero means the executor default.
	Heartbeat time.Duration
	// LocalLock overrides the process-wide local server lock.
	LocalLock *semaphore.Weighted

	Log *zap.Logger
	Now func() time.Time
}

// Engine runs one request at a time. Cancel may be called from any goroutine.
type Engine struct {
	Options Options

	mu        sync.Mutex
	running   bool
	cancelled bool
	cancel    context.CancelFunc

	warningsMu sync.Mutex
	warnings   []string
}

func New(opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.PrefixCache == nil {
		opts.PrefixCache = prompt.NewPrefixCache()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{Options: opts}
}

// NewRunID returns a fresh, sortable, filesystem-safe run id.
func NewRunID() string {
	return ulid.Make().String()
}

// Result is what a run produced. FinalAnswer is the best available answer:
// the Phase 3 integration, or the Phase 1 answer when Phase 2 was skipped.
type Result struct {
	RunID         string
	Status        runtime.FinalStatus
	FinalAnswer   string
	Plan          runtime.PlanPayload
	Results       []runtime.TaskResult
	Integration   *runtime.IntegrationPayload
	Review        *runtime.ReviewVerdict
	Phase2Skipped bool
	Retries       int
	Phase35Reruns int
	PhaseTimes    map[string]float64
	ParseFailures []string
	SessionDir    string
}

// Cancel stops the current run: the in-flight call is killed, no new work
// starts, and the run ends with Error("cancelled"). Called while no run is
// active, it cancels the next run before Phase 1.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Engine) begin(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.warningsMu.Lock()
	e.warnings = nil
	e.warningsMu.Unlock()
	ctx, e.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (e *Engine) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = nil
	e.cancelled = false
	e.running = false
}

// Run executes req. The configuration is validated before anything else: a
// missing reasoner fails with ConfigurationError("no model configured")
// before any backend is contacted or session directory created. Errors are
// also reported as an Error event; a successful run ends with exactly one
// AllFinished event.
func (e *Engine) Run(ctx context.Context, req runtime.Request) (Result, error) {
	cfg := req.Config
	cfg.ApplyDefaults()
	req.Config = cfg
	if err := cfg.Validate(); err != nil {
		e.Options.Publisher.Publish(events.Error(errorMessage(err), string(llm.KindOf(err))))
		e.Options.Log.Error("invalid configuration", zap.Error(err))
		return Result{Status: runtime.FinalFailed}, err
	}
	if e.Options.Router == nil {
		err := &llm.ConfigurationError{Message: "no backend router configured"}
		e.Options.Publisher.Publish(events.Error(errorMessage(err), string(llm.KindOf(err))))
		return Result{Status: runtime.FinalFailed}, err
	}

	ctx, err := e.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer e.end()

	r := newRun(e, req)
	return r.execute(ctx)
}

func (e *Engine) warn(msg string) {
	e.warningsMu.Lock()
	e.warnings = append(e.warnings, msg)
	e.warningsMu.Unlock()
}

// Warnings returns the non-fatal problems of the current or last run.
func (e *Engine) Warnings() []string {
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string(nil), e.warnings...)
}

// errorMessage renders err for an Error event: "[kind] message", except for
// the literal cancelled and missing-model messages.
func errorMessage(err error) string {
	var ce *llm.ConfigurationError
	if errors.As(err, &ce) && ce.Message == runtime.NoModelConfigured {
		return runtime.NoModelConfigured
	}
	if llm.KindOf(err) == llm.KindCancelled {
		return "cancelled"
	}
	return llm.Tagged(err)
}
