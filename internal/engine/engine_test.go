package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/danshapiro/helixmix/internal/backend"
	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/notify"
	"github.com/danshapiro/helixmix/internal/runtime"
	"github.com/danshapiro/helixmix/internal/session"
)

// scripted answers reasoner or specialist calls through reply and records
// every call it receives.
type scripted struct {
	name  string
	mu    sync.Mutex
	calls []backend.Call
	reply func(ctx context.Context, n int, call backend.Call) (string, error)
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Execute(ctx context.Context, call backend.Call) (string, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	return s.reply(ctx, n, call)
}

func (s *scripted) Stream(ctx context.Context, call backend.Call, onChunk func(string)) (string, error) {
	out, err := s.Execute(ctx, call)
	if err == nil {
		onChunk(out)
	}
	return out, err
}

func (s *scripted) Calls() []backend.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Call(nil), s.calls...)
}

// replies returns the given outputs in order, repeating the last one.
func replies(outs ...string) func(context.Context, int, backend.Call) (string, error) {
	return func(_ context.Context, n int, _ backend.Call) (string, error) {
		if n >= len(outs) {
			n = len(outs) - 1
		}
		return outs[n], nil
	}
}

type testRouter struct {
	mu        sync.Mutex
	reasoners map[string]*scripted
	local     *scripted
	resolved  []string
}

func (r *testRouter) Reasoner(model string, _ runtime.Configuration) (backend.Route, error) {
	r.mu.Lock()
	r.resolved = append(r.resolved, model)
	r.mu.Unlock()
	b, ok := r.reasoners[model]
	if !ok {
		return backend.Route{}, &llm.ConfigurationError{Message: "unknown model " + model}
	}
	return backend.Route{
		Resolution: backend.Resolution{Provider: "anthropic", Method: backend.MethodCLI, Backend: b},
		Model:      model,
	}, nil
}

func (r *testRouter) Specialist(model string, _ runtime.Configuration) (backend.Route, error) {
	return backend.Route{
		Resolution: backend.Resolution{Provider: "ollama", Method: backend.MethodLocal, Backend: r.local},
		Model:      model,
	}, nil
}

func (r *testRouter) Resolved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resolved...)
}

// syncPublisher records events synchronously.
type syncPublisher struct {
	mu  sync.Mutex
	evs []events.Event
}

func (p *syncPublisher) Publish(ev events.Event) events.Event {
	p.mu.Lock()
	p.evs = append(p.evs, ev)
	p.mu.Unlock()
	return ev
}

func (p *syncPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.evs...)
}

func (p *syncPublisher) OfType(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range p.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (p *syncPublisher) Phases() []events.Phase {
	var out []events.Phase
	for _, ev := range p.OfType(events.TypePhaseEntered) {
		out = append(out, ev.Phase)
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (n *recordingNotifier) Notify(m notify.Message) bool {
	n.mu.Lock()
	n.statuses = append(n.statuses, m.Status)
	n.mu.Unlock()
	return true
}

type memoryStub struct {
	mu       sync.Mutex
	recorded []string
}

func (m *memoryStub) ContextFor(context.Context, string) (string, error) {
	return "remember: tabs not spaces", nil
}

func (m *memoryStub) Record(_ context.Context, prompt, answer string) error {
	m.mu.Lock()
	m.recorded = append(m.recorded, prompt+" => "+answer)
	m.mu.Unlock()
	return nil
}

type fixture struct {
	router   *testRouter
	reasoner *scripted
	local    *scripted
	pub      *syncPublisher
	notifier *recordingNotifier
	engine   *Engine
	base     string
}

func newFixture(t *testing.T, reasoner func(context.Context, int, backend.Call) (string, error)) *fixture {
	t.Helper()
	f := &fixture{
		reasoner: &scripted{name: "claude_cli", reply: reasoner},
		local: &scripted{name: "local", reply: func(_ context.Context, _ int, call backend.Call) (string, error) {
			return "done by " + call.Model, nil
		}},
		pub:      &syncPublisher{},
		notifier: &recordingNotifier{},
		base:     t.TempDir(),
	}
	f.router = &testRouter{reasoners: map[string]*scripted{"R-A": f.reasoner}, local: f.local}
	f.engine = New(Options{
		Router:      f.router,
		Publisher:   f.pub,
		SessionBase: f.base,
		Notifier:    f.notifier,
		Heartbeat:   time.Hour,
		LocalLock:   semaphore.NewWeighted(1),
	})
	return f
}

func request(prompt string) runtime.Request {
	return runtime.Request{
		UserPrompt: prompt,
		CategoryToModel: map[runtime.Category]string{
			runtime.CategoryCoding:   "L-1",
			runtime.CategoryResearch: "L-2",
		},
		Config: runtime.Configuration{ReasonerEngine: "R-A"},
	}
}

func fenced(v any) string {
	b, _ := json.Marshal(v)
	return "Here is the result.\n```json\n" + string(b) + "\n```\n"
}

var simplePlan = fenced(map[string]any{
	"claude_answer":          "The answer is 4.",
	"complexity":             "simple",
	"skip_phase2":            true,
	"local_llm_instructions": map[string]any{},
})

var twoTaskPlan = fenced(map[string]any{
	"claude_answer": "Draft: write a parser.",
	"complexity":    "moderate",
	"local_llm_instructions": map[string]any{
		"research": map[string]any{"prompt": "survey parsers", "order": 2},
		"coding": map[string]any{
			"prompt":              "write the parser",
			"order":               1,
			"acceptance_criteria": []string{"handles empty input"},
		},
		"vision": map[string]any{"prompt": "look at this", "skip": true},
	},
})

func integration(status, answer string, extra map[string]any) string {
	v := map[string]any{"status": status, "final_answer": answer}
	for k, x := range extra {
		v[k] = x
	}
	return fenced(v)
}

func readFinal(t *testing.T, dir string) runtime.FinalOutcome {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, session.FinalFile))
	require.NoError(t, err)
	var fo runtime.FinalOutcome
	require.NoError(t, json.Unmarshal(b, &fo))
	return fo
}

func readMetadata(t *testing.T, dir string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, session.MetadataFile))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestRun_SimplePlanSkipsSpecialists(t *testing.T) {
	f := newFixture(t, replies(simplePlan))

	res, err := f.engine.Run(context.Background(), request("what is 2+2?"))
	require.NoError(t, err)

	assert.Equal(t, runtime.FinalComplete, res.Status)
	assert.Equal(t, "The answer is 4.", res.FinalAnswer)
	assert.True(t, res.Phase2Skipped)
	assert.Empty(t, f.local.Calls())
	assert.Equal(t, []events.Phase{events.Phase1}, f.pub.Phases())
	assert.Empty(t, f.pub.OfType(events.TypeTaskStarted))

	all := f.pub.OfType(events.TypeAllFinished)
	require.Len(t, all, 1)
	assert.Equal(t, "The answer is 4.", all[0].FinalAnswer)
	last := f.pub.Events()[len(f.pub.Events())-1]
	assert.Equal(t, events.TypeAllFinished, last.Type)
	assert.Empty(t, f.pub.OfType(events.TypeError))

	require.NotEmpty(t, res.SessionDir)
	assert.FileExists(t, filepath.Join(res.SessionDir, session.PlanFile))
	b, err := os.ReadFile(filepath.Join(res.SessionDir, session.PlanAnswerFile))
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4.", string(b))
	md := readMetadata(t, res.SessionDir)
	assert.Equal(t, true, md["phase2_skipped"])
	assert.Equal(t, res.RunID, md["run_id"])
	assert.Equal(t, runtime.FinalComplete, readFinal(t, res.SessionDir).Status)

	assert.Equal(t, []string{notify.StatusStarted, notify.StatusCompleted}, f.notifier.statuses)
}

func TestRun_SpecialistsThenIntegration(t *testing.T) {
	f := newFixture(t, replies(twoTaskPlan, integration("complete", "Final parser.", nil)))

	res, err := f.engine.Run(context.Background(), request("build a parser"))
	require.NoError(t, err)

	assert.Equal(t, "Final parser.", res.FinalAnswer)
	assert.False(t, res.Phase2Skipped)
	assert.Equal(t, []events.Phase{events.Phase1, events.Phase2, events.Phase3}, f.pub.Phases())

	started := f.pub.OfType(events.TypeTaskStarted)
	require.Len(t, started, 2)
	assert.Equal(t, runtime.CategoryCoding, started[0].Category)
	assert.Equal(t, "L-1", started[0].Model)
	assert.Equal(t, runtime.CategoryResearch, started[1].Category)
	assert.Equal(t, "L-2", started[1].Model)

	progress := f.pub.OfType(events.TypePhaseProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, 2, progress[1].Done)
	assert.Equal(t, 2, progress[1].Total)

	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.True(t, r.Success)
	}

	calls := f.reasoner.Calls()
	require.Len(t, calls, 2)
	p3 := calls[1].Prompt
	assert.Contains(t, p3, "### coding (L-1): ok")
	assert.Contains(t, p3, "### research (L-2): ok")
	assert.Contains(t, p3, "handles empty input")
	assert.NotEmpty(t, calls[1].SystemPrompt)

	entries, err := os.ReadDir(filepath.Join(res.SessionDir, session.Phase2Dir))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	b, err := os.ReadFile(filepath.Join(res.SessionDir, session.IntegrationFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Final parser.")
	assert.Equal(t, float64(2), readMetadata(t, res.SessionDir)["phase2_results_count"])
}

func TestRun_PhaseEventsFollowPhaseOrder(t *testing.T) {
	f := newFixture(t, replies(twoTaskPlan, integration("complete", "ok", nil)))
	_, err := f.engine.Run(context.Background(), request("x"))
	require.NoError(t, err)

	rank := 0
	for _, ev := range f.pub.Events() {
		if ev.Type != events.TypePhaseEntered {
			continue
		}
		assert.GreaterOrEqual(t, ev.Phase.Rank(), rank, "phase %s entered out of order", ev.Phase)
		rank = ev.Phase.Rank()
	}
}

func TestRun_RetryReplacesResultsByCategory(t *testing.T) {
	retry := integration("retry_needed", "partial", map[string]any{
		"retry_reason": "coding incomplete",
		"retry_tasks": []map[string]any{
			{"category": "coding", "instruction": "finish the parser"},
		},
	})
	f := newFixture(t, replies(twoTaskPlan, retry, integration("complete", "Complete parser.", nil)))
	f.local.reply = func(_ context.Context, n int, call backend.Call) (string, error) {
		if strings.Contains(call.Prompt, "finish the parser") {
			return "second attempt", nil
		}
		return "first attempt", nil
	}

	res, err := f.engine.Run(context.Background(), request("build a parser"))
	require.NoError(t, err)

	assert.Equal(t, "Complete parser.", res.FinalAnswer)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, []events.Phase{
		events.Phase1, events.Phase2, events.Phase3, events.Phase2, events.Phase3,
	}, f.pub.Phases())
	assert.Len(t, f.local.Calls(), 3)

	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		if r.Category == runtime.CategoryCoding {
			assert.Contains(t, r.Response, "second attempt")
		} else {
			assert.Contains(t, r.Response, "first attempt")
		}
	}
	assert.Contains(t, f.reasoner.Calls()[2].Prompt, "second attempt")
}

func TestRun_RetryBudgetBoundsPhase3(t *testing.T) {
	retry := integration("retry_needed", "best effort", map[string]any{
		"retry_tasks": []map[string]any{{"category": "coding", "instruction": "again"}},
	})
	for _, budget := range []int{0, 1, 2} {
		f := newFixture(t, replies(twoTaskPlan, retry))
		req := request("x")
		req.Config.MaxRetries = &budget

		res, err := f.engine.Run(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, "best effort", res.FinalAnswer)
		assert.Equal(t, budget, res.Retries)
		assert.Len(t, f.reasoner.Calls(), 1+budget+1, "max_retries=%d", budget)
		assert.Equal(t, runtime.IntegrationRetryNeeded, res.Integration.Status)
	}
}

func TestRun_UnparseablePlanFallsBackToText(t *testing.T) {
	f := newFixture(t, replies("I could not produce JSON, but the answer is 42."))

	res, err := f.engine.Run(context.Background(), request("x"))
	require.NoError(t, err)

	assert.Equal(t, "I could not produce JSON, but the answer is 42.", res.FinalAnswer)
	assert.True(t, res.Phase2Skipped)
	assert.NotEmpty(t, res.ParseFailures)
	assert.Empty(t, f.local.Calls())
	require.Len(t, f.pub.OfType(events.TypeAllFinished), 1)
	assert.Empty(t, f.pub.OfType(events.TypeError))
}

func TestRun_CancelDuringSpecialist(t *testing.T) {
	f := newFixture(t, replies(twoTaskPlan, integration("complete", "never", nil)))
	f.local.reply = func(ctx context.Context, _ int, call backend.Call) (string, error) {
		f.engine.Cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}

	res, err := f.engine.Run(context.Background(), request("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrCancelled))
	assert.Equal(t, runtime.FinalCancelled, res.Status)

	assert.Len(t, f.local.Calls(), 1)
	assert.Len(t, f.reasoner.Calls(), 1)
	assert.Empty(t, f.pub.OfType(events.TypeAllFinished))
	assert.NotContains(t, f.pub.Phases(), events.Phase3)

	last := f.pub.Events()[len(f.pub.Events())-1]
	assert.Equal(t, events.TypeError, last.Type)
	assert.Equal(t, "cancelled", last.Message)
	assert.Equal(t, string(llm.KindCancelled), last.ErrorKind)

	assert.Equal(t, runtime.FinalCancelled, readFinal(t, res.SessionDir).Status)
	assert.Equal(t, []string{notify.StatusStarted}, f.notifier.statuses)
}

func TestRun_MissingModelFailsBeforeAnyWork(t *testing.T) {
	f := newFixture(t, replies(simplePlan))
	req := request("x")
	req.Config.ReasonerEngine = "  "

	res, err := f.engine.Run(context.Background(), req)
	var ce *llm.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, runtime.NoModelConfigured, ce.Message)
	assert.Equal(t, runtime.FinalFailed, res.Status)

	assert.Empty(t, f.router.Resolved())
	assert.Empty(t, f.reasoner.Calls())
	assert.NoDirExists(t, filepath.Join(f.base, "sessions"))

	evs := f.pub.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeError, evs[0].Type)
	assert.Equal(t, runtime.NoModelConfigured, evs[0].Message)
	assert.Equal(t, string(llm.KindConfiguration), evs[0].ErrorKind)
}

func TestRun_ReasonerFailureIsTagged(t *testing.T) {
	f := newFixture(t, func(context.Context, int, backend.Call) (string, error) {
		return "", &llm.BackendFailedError{Backend: "claude", ExitCode: 2, Message: "boom"}
	})

	res, err := f.engine.Run(context.Background(), request("x"))
	require.Error(t, err)
	assert.Equal(t, runtime.FinalFailed, res.Status)

	errs := f.pub.OfType(events.TypeError)
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0].Message, "[backend_failed] "), errs[0].Message)
	assert.Empty(t, f.pub.OfType(events.TypeAllFinished))

	fo := readFinal(t, res.SessionDir)
	assert.Equal(t, runtime.FinalFailed, fo.Status)
	assert.Equal(t, string(llm.KindBackendFailed), fo.ErrorKind)
	assert.Equal(t, []string{notify.StatusStarted, notify.StatusError}, f.notifier.statuses)
}

func TestRun_ReviewRerunsIntegrationOnce(t *testing.T) {
	f := newFixture(t, replies(twoTaskPlan, integration("complete", "v1", nil), integration("complete", "v2", nil)))
	reviewer := &scripted{name: "claude_cli", reply: replies(fenced(map[string]any{
		"action": "rerun_phase3", "quality_score": 0.3, "issues": []string{"missing tests"},
	}))}
	f.router.reasoners["R-B"] = reviewer
	req := request("x")
	req.Config.Phase35Model = "R-B"

	res, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "v2", res.FinalAnswer)
	assert.Equal(t, 1, res.Phase35Reruns)
	assert.Len(t, reviewer.Calls(), 1)
	assert.Equal(t, []events.Phase{
		events.Phase1, events.Phase2, events.Phase3, events.Phase35, events.Phase3,
	}, f.pub.Phases())
	assert.Contains(t, reviewer.Calls()[0].Prompt, "v1")
	assert.FileExists(t, filepath.Join(res.SessionDir, session.ReviewFile))
}

func TestRun_ReviewFailureCountsAsPass(t *testing.T) {
	f := newFixture(t, replies(twoTaskPlan, integration("complete", "v1", nil)))
	f.router.reasoners["R-B"] = &scripted{name: "claude_cli", reply: func(context.Context, int, backend.Call) (string, error) {
		return "", &llm.TimeoutError{Backend: "claude", After: time.Second}
	}}
	req := request("x")
	req.Config.Phase35Model = "R-B"

	res, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.FinalAnswer)
	assert.Equal(t, 0, res.Phase35Reruns)
	assert.Nil(t, res.Review)
	assert.NotEmpty(t, f.engine.Warnings())
}

func TestRun_WarningsResetPerRun(t *testing.T) {
	f := newFixture(t, replies(simplePlan))
	f.engine.warn("left over from an earlier run")

	_, err := f.engine.Run(context.Background(), request("what is 2+2?"))
	require.NoError(t, err)
	assert.NotContains(t, f.engine.Warnings(), "left over from an earlier run")
}

func TestRun_MinorFixFlowsIntoApply(t *testing.T) {
	withChanges := integration("complete", "v1", map[string]any{
		"file_changes": map[string]any{"main.go": "package main"},
	})
	f := newFixture(t, replies(twoTaskPlan, withChanges))
	f.router.reasoners["R-B"] = &scripted{name: "claude_cli", reply: replies(fenced(map[string]any{
		"action": "minor_fix", "quality_score": 0.8, "fix_instructions": "rename foo to bar",
	}))}
	applier := &scripted{name: "codex_cli", reply: replies("applied main.go")}
	f.router.reasoners["R-C"] = applier
	req := request("x")
	req.Config.Phase35Model = "R-B"
	req.Config.Phase4Model = "R-C"

	res, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, applier.Calls(), 1)
	p := applier.Calls()[0].Prompt
	assert.Contains(t, p, "main.go")
	assert.Contains(t, p, "rename foo to bar")
	assert.Equal(t, "applied main.go", res.Integration.Phase4Result)
	assert.Equal(t, "rename foo to bar", res.Integration.FixInstructions)
	assert.Equal(t, events.Phase4, f.pub.Phases()[len(f.pub.Phases())-1])
	assert.FileExists(t, filepath.Join(res.SessionDir, session.ApplyFile))
}

func TestRun_ApplySkippedWithoutFileChanges(t *testing.T) {
	f := newFixture(t, replies(twoTaskPlan, integration("complete", "v1", nil)))
	applier := &scripted{name: "codex_cli", reply: replies("applied")}
	f.router.reasoners["R-C"] = applier
	req := request("x")
	req.Config.Phase4Model = "R-C"

	_, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, applier.Calls())
	assert.NotContains(t, f.pub.Phases(), events.Phase4)
}

func TestRun_MemoryAndProjectContext(t *testing.T) {
	f := newFixture(t, replies(twoTaskPlan, integration("complete", "done", nil)))
	mem := &memoryStub{}
	f.engine.Options.Memory = mem

	res, err := f.engine.Run(context.Background(), request("x"))
	require.NoError(t, err)

	assert.Contains(t, f.reasoner.Calls()[0].Prompt, "remember: tabs not spaces")
	for _, c := range f.local.Calls() {
		assert.Contains(t, c.Prompt, "remember: tabs not spaces")
	}
	assert.Equal(t, []string{"x => " + res.FinalAnswer}, mem.recorded)
}

func TestRun_StreamsReasonerOutput(t *testing.T) {
	f := newFixture(t, replies(simplePlan))
	_, err := f.engine.Run(context.Background(), request("x"))
	require.NoError(t, err)

	chunks := f.pub.OfType(events.TypeStreamingChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, events.Phase1, chunks[0].Phase)
	assert.Equal(t, "claude_cli", chunks[0].Source)
}

func TestRun_RejectsConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, n int, _ backend.Call) (string, error) {
		if n == 0 {
			close(entered)
			<-release
		}
		return simplePlan, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(context.Background(), request("first"))
		done <- err
	}()
	<-entered

	_, err := f.engine.Run(context.Background(), request("second"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)

	_, err = f.engine.Run(context.Background(), request("third"))
	assert.NoError(t, err)
}

func TestRun_AttachedPathsAreExpanded(t *testing.T) {
	f := newFixture(t, replies(simplePlan))
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package b"), 0o644))
	req := request("review these")
	req.Config.ProjectDir = dir
	req.AttachedPaths = []string{"*.go"}

	_, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	p := f.reasoner.Calls()[0].Prompt
	assert.Contains(t, p, "- "+filepath.Join(dir, "a.go"))
	assert.Contains(t, p, "- "+filepath.Join(dir, "b.go"))
}

func TestNewRunID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRunID()
		require.Len(t, id, 26)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestCancel_BeforeRunCancelsNextRun(t *testing.T) {
	f := newFixture(t, replies(simplePlan))
	f.engine.Cancel()

	res, err := f.engine.Run(context.Background(), request("x"))
	assert.ErrorIs(t, err, llm.ErrCancelled)
	assert.Equal(t, runtime.FinalCancelled, res.Status)
	assert.Empty(t, f.reasoner.Calls())

	res, err = f.engine.Run(context.Background(), request("x"))
	require.NoError(t, err)
	assert.Equal(t, runtime.FinalComplete, res.Status)
}
