package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/backend"
	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/executor"
	"github.com/danshapiro/helixmix/internal/jsonextract"
	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/modelmeta"
	"github.com/danshapiro/helixmix/internal/notify"
	"github.com/danshapiro/helixmix/internal/prompt"
	"github.com/danshapiro/helixmix/internal/runtime"
	"github.com/danshapiro/helixmix/internal/session"
)

const notifyPromptChars = 200

// run is the state of one Engine.Run call.
type run struct {
	e   *Engine
	req runtime.Request
	cfg runtime.Configuration
	log *zap.Logger
	pub events.Publisher

	id      string
	started time.Time
	mono    time.Time
	sess    *session.Writer

	projectCtx  string
	memoryCtx   string
	planText    string
	criteria    map[runtime.Category][]string
	results     []runtime.TaskResult
	integration runtime.IntegrationPayload
	retriesLeft int
	reviewed    bool
	fingerprint string

	res Result
}

func newRun(e *Engine, req runtime.Request) *run {
	id := strings.TrimSpace(req.RunID)
	if id == "" {
		id = NewRunID()
	}
	r := &run{
		e:           e,
		req:         req,
		cfg:         req.Config,
		pub:         e.Options.Publisher,
		id:          id,
		started:     e.Options.Now(),
		mono:        time.Now(),
		retriesLeft: req.Config.Retries(),
		res: Result{
			RunID:      id,
			PhaseTimes: map[string]float64{},
		},
	}
	r.log = e.Options.Log.With(zap.String("run_id", id))
	if s, ok := r.pub.(interface{ SetRunID(string) }); ok {
		s.SetRunID(id)
	}
	return r
}

func (r *run) execute(ctx context.Context) (Result, error) {
	r.log.Info("run started",
		zap.String("reasoner", r.cfg.ReasonerEngine),
		zap.Int("max_retries", r.retriesLeft),
		zap.Int("attached", len(r.req.AttachedPaths)),
	)
	r.notify(notify.StatusStarted, prompt.Truncate(r.req.UserPrompt, notifyPromptChars), "")
	answer, err := r.phases(ctx)
	return r.finish(ctx, answer, err)
}

func (r *run) phases(ctx context.Context) (string, error) {
	plan, err := r.phase1(ctx)
	if err != nil {
		return "", err
	}
	if plan.SkipsPhase2() {
		r.res.Phase2Skipped = true
		return plan.ClaudeAnswer, nil
	}
	specs := BuildTaskSpecs(plan, r.req)
	if len(specs) == 0 {
		r.res.Phase2Skipped = true
		r.warn("no runnable specialist tasks; keeping the plan answer")
		return plan.ClaudeAnswer, nil
	}

	results, err := r.phase2(ctx, specs, "specialists")
	r.results = results
	if err != nil {
		return "", err
	}
	if err := r.phase3Loop(ctx); err != nil {
		return "", err
	}

	if !modelmeta.IsSentinel(r.cfg.Phase35Model) {
		rerun, err := r.phase35(ctx)
		if err != nil {
			return "", err
		}
		if rerun {
			if err := r.phase3Loop(ctx); err != nil {
				return "", err
			}
		}
	}

	if err := r.phase4(ctx); err != nil {
		return "", err
	}
	return r.integration.FinalAnswer, nil
}

// checkpoint reports cancellation before a phase starts.
func (r *run) checkpoint(ctx context.Context) error {
	if r.e.cancelRequested() {
		return llm.ErrCancelled
	}
	return ctx.Err()
}

func (r *run) enter(p events.Phase, desc string) {
	r.log.Info("phase entered", zap.String("phase", string(p)), zap.String("description", desc))
	r.pub.Publish(events.PhaseEntered(p, desc))
}

// timePhase accumulates the monotonic duration of a phase under key.
func (r *run) timePhase(key string) func() {
	start := time.Now()
	return func() {
		r.res.PhaseTimes[key] += time.Since(start).Seconds()
	}
}

func (r *run) warn(msg string, fields ...zap.Field) {
	r.log.Warn(msg, fields...)
	r.e.warn(msg)
	r.pub.Publish(events.Monitor(events.MonitorError, "", msg))
}

func (r *run) notify(status, text, errText string) {
	if r.e.Options.Notifier == nil {
		return
	}
	r.e.Options.Notifier.Notify(notify.Message{
		Source:  "run " + r.id,
		Status:  status,
		Text:    text,
		Elapsed: time.Since(r.mono),
		Error:   errText,
	})
}

func (r *run) noteParse(out jsonextract.Outcome) {
	for _, w := range out.Warnings {
		r.res.ParseFailures = append(r.res.ParseFailures, w.Error())
		r.log.Warn("structured output degraded", zap.String("phase", w.Phase), zap.String("detail", w.Detail))
	}
}

// dispatch sends one reasoner call and streams its output as events.
func (r *run) dispatch(ctx context.Context, phase events.Phase, route backend.Route, parts prompt.Parts) (string, error) {
	r.e.Options.PrefixCache.Observe(parts)
	call := backend.Call{
		SystemPrompt: parts.System,
		Prompt: prompt.Assemble(prompt.Parts{
			ProjectContext: parts.ProjectContext,
			MemoryContext:  parts.MemoryContext,
			User:           parts.User,
		}),
		Model:   route.Model,
		Timeout: time.Duration(r.cfg.TimeoutSeconds) * time.Second,
		WorkDir: r.cfg.ProjectDir,
		Effort:  r.cfg.GPTReasoningEffort,
	}
	source := route.Backend.Name()
	start := time.Now()
	text, err := route.Backend.Stream(ctx, call, func(chunk string) {
		ev := events.StreamingChunk(source, chunk)
		ev.Phase = phase
		r.pub.Publish(ev)
	})
	r.log.Debug("reasoner call finished",
		zap.String("phase", string(phase)),
		zap.String("backend", source),
		zap.String("model", route.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("chars", len(text)),
		zap.Error(err),
	)
	if err != nil && r.e.cancelRequested() {
		return "", llm.ErrCancelled
	}
	return text, err
}

func (r *run) openSession() {
	if r.e.Options.SessionBase == "" || r.sess != nil {
		return
	}
	w, err := session.Create(r.e.Options.SessionBase, r.started, r.log)
	if err != nil {
		r.warn("session directory unavailable; artefacts will not be written", zap.Error(err))
		return
	}
	r.sess = w
	r.res.SessionDir = w.Dir
}

func (r *run) phase1(ctx context.Context) (runtime.PlanPayload, error) {
	if err := r.checkpoint(ctx); err != nil {
		return runtime.PlanPayload{}, err
	}
	r.enter(events.Phase1, "plan")
	defer r.timePhase("phase1")()

	route, err := r.e.Options.Router.Reasoner(r.cfg.ReasonerEngine, r.cfg)
	if err != nil {
		return runtime.PlanPayload{}, err
	}
	r.projectCtx = r.projectContext(ctx)
	r.memoryCtx = r.memoryContext(ctx)
	var urls string
	if r.cfg.URLFetchEnabled() && r.e.Options.Fetcher != nil {
		urls = r.e.Options.Fetcher.URLContents(ctx, r.req.UserPrompt)
	}
	parts := prompt.Phase1(prompt.Phase1Input{
		UserPrompt:     r.req.UserPrompt,
		AttachedPaths:  prompt.ExpandPaths(r.cfg.ProjectDir, r.req.AttachedPaths),
		URLContents:    urls,
		ProjectContext: r.projectCtx,
		MemoryContext:  r.memoryCtx,
	})
	r.fingerprint = prompt.Fingerprint(prompt.Prefix(parts))
	r.openSession()

	text, err := r.dispatch(ctx, events.Phase1, route, parts)
	if err != nil {
		return runtime.PlanPayload{}, err
	}
	r.planText = text
	plan, out := jsonextract.ParsePlan(text)
	r.noteParse(out)
	r.criteria = plan.AcceptanceCriteria()
	r.res.Plan = plan
	r.sess.WritePlan(plan)
	r.sess.WritePlanAnswer(plan.ClaudeAnswer)
	return plan, nil
}

func (r *run) projectContext(ctx context.Context) string {
	if r.e.Options.Project == nil || r.cfg.ProjectDir == "" {
		return ""
	}
	s, err := r.e.Options.Project.ProjectContext(ctx, r.cfg.ProjectDir)
	if err != nil {
		r.log.Warn("project context unavailable", zap.Error(err))
		return ""
	}
	return s
}

func (r *run) memoryContext(ctx context.Context) string {
	if r.e.Options.Memory == nil {
		return ""
	}
	s, err := r.e.Options.Memory.ContextFor(ctx, r.req.UserPrompt)
	if err != nil {
		r.log.Warn("memory retrieval failed", zap.Error(err))
		return ""
	}
	return s
}

func (r *run) phase2(ctx context.Context, specs []runtime.TaskSpec, desc string) ([]runtime.TaskResult, error) {
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	r.enter(events.Phase2, desc)
	defer r.timePhase("phase2")()

	ex := executor.New(r.e.Options.Router, r.cfg, r.pub, r.log)
	if r.e.Options.Memory != nil {
		ex.Memory = r.e.Options.Memory
	}
	ex.Heartbeat = r.e.Options.Heartbeat
	ex.Lock = r.e.Options.LocalLock

	results, err := ex.RunAll(ctx, specs, executor.Hooks{
		OnStart: func(s runtime.TaskSpec) {
			r.pub.Publish(events.TaskStarted(s.Category, s.Model))
		},
		OnFinish: func(res runtime.TaskResult) {
			r.sess.WriteTaskResult(res)
			r.pub.Publish(events.TaskFinished(res.Category, res.Model, res.Success, res.Elapsed))
		},
		OnProgress: func(done, total int) {
			r.pub.Publish(events.PhaseProgress(done, total))
		},
	})
	if err != nil && r.e.cancelRequested() {
		err = llm.ErrCancelled
	}
	return results, err
}

// phase3Loop integrates and runs requested retries until the reasoner is
// satisfied or the retry budget is spent.
func (r *run) phase3Loop(ctx context.Context) error {
	for {
		if err := r.integrate(ctx); err != nil {
			return err
		}
		if r.integration.Status != runtime.IntegrationRetryNeeded {
			return nil
		}
		if r.retriesLeft <= 0 {
			r.warn("retry budget exhausted; keeping the current integration")
			return nil
		}
		specs := BuildRetrySpecs(r.integration.RetryTasks, r.req)
		if len(specs) == 0 {
			r.warn("retry requested without runnable tasks; keeping the current integration")
			return nil
		}
		r.retriesLeft--
		r.res.Retries++
		r.log.Info("retrying specialists",
			zap.Int("tasks", len(specs)),
			zap.Int("retries_left", r.retriesLeft),
			zap.String("reason", r.integration.RetryReason),
		)
		updates, err := r.phase2(ctx, specs, "retry")
		r.results = runtime.ReplaceByCategory(r.results, updates)
		if err != nil {
			return err
		}
	}
}

func (r *run) integrate(ctx context.Context) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.enter(events.Phase3, "integrate")
	defer r.timePhase("phase3")()

	route, err := r.e.Options.Router.Reasoner(r.cfg.ReasonerEngine, r.cfg)
	if err != nil {
		return err
	}
	parts := prompt.Phase3(prompt.Phase3Input{
		PlanAnswer:     r.planText,
		Results:        r.results,
		Criteria:       r.criteria,
		ProjectContext: r.projectCtx,
		MemoryContext:  r.memoryCtx,
	})
	text, err := r.dispatch(ctx, events.Phase3, route, parts)
	if err != nil {
		return err
	}
	p, out := jsonextract.ParseIntegration(text)
	r.noteParse(out)
	r.integration = p
	r.res.Integration = &r.integration
	r.sess.WriteIntegration(text)
	return nil
}

// phase35 reviews the integration once. It returns true when Phase 3 should
// run again. Review failures other than cancellation count as a pass.
func (r *run) phase35(ctx context.Context) (bool, error) {
	if r.reviewed {
		return false, nil
	}
	r.reviewed = true
	if err := r.checkpoint(ctx); err != nil {
		return false, err
	}
	r.enter(events.Phase35, "review")
	defer r.timePhase("phase35")()

	route, err := r.e.Options.Router.Reasoner(r.cfg.Phase35Model, r.cfg)
	if err != nil {
		r.warn("review skipped: "+llm.Tagged(err), zap.Error(err))
		return false, nil
	}
	parts := prompt.Review(prompt.ReviewInput{
		UserPrompt:  r.req.UserPrompt,
		Integration: r.integration.FinalAnswer,
	})
	text, err := r.dispatch(ctx, events.Phase35, route, parts)
	if err != nil {
		if llm.KindOf(err) == llm.KindCancelled {
			return false, err
		}
		r.warn("review failed; treating as pass: "+llm.Tagged(err), zap.Error(err))
		return false, nil
	}
	v, out := jsonextract.ParseReview(text)
	r.noteParse(out)
	r.res.Review = &v
	r.sess.WriteReview(v)
	r.log.Info("review verdict",
		zap.String("action", string(v.Action)),
		zap.Float64("quality_score", v.QualityScore),
		zap.Int("issues", len(v.Issues)),
	)
	switch v.Action {
	case runtime.ReviewRerunPhase3:
		r.res.Phase35Reruns++
		return true, nil
	case runtime.ReviewMinorFix:
		r.integration.FixInstructions = v.FixInstructions
	}
	return false, nil
}

// phase4 applies file changes when an apply model is configured. Failures
// other than cancellation are reported and do not fail the run.
func (r *run) phase4(ctx context.Context) error {
	if modelmeta.IsSentinel(r.cfg.Phase4Model) || !r.integration.HasFileChanges() {
		return nil
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.enter(events.Phase4, "apply")
	defer r.timePhase("phase4")()

	route, err := r.e.Options.Router.Reasoner(r.cfg.Phase4Model, r.cfg)
	if err != nil {
		r.warn("apply skipped: "+llm.Tagged(err), zap.Error(err))
		return nil
	}
	parts := prompt.Apply(prompt.ApplyInput{
		FileChanges:     string(r.integration.FileChanges),
		FixInstructions: r.integration.FixInstructions,
		ProjectContext:  r.projectCtx,
	})
	text, err := r.dispatch(ctx, events.Phase4, route, parts)
	if err != nil {
		if llm.KindOf(err) == llm.KindCancelled {
			return err
		}
		r.warn("apply failed: "+llm.Tagged(err), zap.Error(err))
		return nil
	}
	r.integration.Phase4Result = text
	r.sess.WriteApply(text)
	return nil
}

// finish writes the terminal artefacts and publishes the terminal event.
func (r *run) finish(ctx context.Context, answer string, err error) (Result, error) {
	status := runtime.FinalComplete
	if err != nil {
		if r.e.cancelRequested() || errors.Is(err, context.Canceled) {
			err = llm.ErrCancelled
			status = runtime.FinalCancelled
		} else {
			status = runtime.FinalFailed
		}
	}
	r.res.Status = status
	r.res.FinalAnswer = answer
	r.res.Results = r.results

	r.writeArtefacts(answer, err)

	switch status {
	case runtime.FinalComplete:
		r.log.Info("run finished", zap.Int("answer_chars", len([]rune(answer))), zap.Int("retries", r.res.Retries))
		r.pub.Publish(events.AllFinished(answer))
		r.notify(notify.StatusCompleted, prompt.Truncate(answer, notify.MaxDescriptionLen), "")
		r.afterRun(context.WithoutCancel(ctx), answer)
	case runtime.FinalCancelled:
		r.log.Info("run cancelled")
		r.pub.Publish(events.Error("cancelled", string(llm.KindCancelled)))
	default:
		kind := llm.KindOf(err)
		r.log.Error("run failed", zap.String("kind", string(kind)), zap.Error(err))
		r.pub.Publish(events.Error(errorMessage(err), string(kind)))
		notifyStatus := notify.StatusError
		if kind == llm.KindTimeout {
			notifyStatus = notify.StatusTimeout
		}
		r.notify(notifyStatus, prompt.Truncate(r.req.UserPrompt, notifyPromptChars), llm.Tagged(err))
	}
	return r.res, err
}

func (r *run) writeArtefacts(answer string, err error) {
	if r.sess == nil {
		return
	}
	var stats prompt.Stats
	if r.e.Options.PrefixCache != nil {
		stats = r.e.Options.PrefixCache.Stats()
	}
	r.sess.WriteMetadata(session.Metadata{
		RunID:              r.id,
		SessionStart:       r.started.UTC().Format(time.RFC3339),
		UserPrompt:         r.req.UserPrompt,
		ProjectDir:         r.cfg.ProjectDir,
		Config:             r.cfg,
		PhaseTimes:         r.res.PhaseTimes,
		Phase2Skipped:      r.res.Phase2Skipped,
		Phase2ResultsCount: len(r.results),
		Retries:            r.res.Retries,
		Phase35Reruns:      r.res.Phase35Reruns,
		FinalAnswerLength:  len([]rune(answer)),
		ParseFailures:      r.res.ParseFailures,
		AcceptanceCriteria: r.criteria,
		PromptFingerprint:  r.fingerprint,
		Stats:              stats,
		Status:             string(r.res.Status),
	})
	fo := runtime.FinalOutcome{
		Timestamp:         r.e.Options.Now().UTC(),
		Status:            r.res.Status,
		RunID:             r.id,
		FinalAnswerLength: len([]rune(answer)),
	}
	if err != nil && r.res.Status == runtime.FinalFailed {
		fo.FailureReason = err.Error()
		fo.ErrorKind = string(llm.KindOf(err))
	}
	r.sess.WriteFinal(fo)
}

// afterRun records the run in memory and refreshes the project context
// document. Failures are logged only.
func (r *run) afterRun(ctx context.Context, answer string) {
	if m := r.e.Options.Memory; m != nil {
		if err := m.Record(ctx, r.req.UserPrompt, answer); err != nil {
			r.log.Warn("memory record failed", zap.Error(err))
		}
	}
	if b := r.e.Options.Bible; b != nil && r.cfg.BibleAutoManage && strings.TrimSpace(r.cfg.ProjectDir) != "" {
		if err := b.AfterRun(ctx, r.cfg.ProjectDir, r.req.UserPrompt, answer); err != nil {
			r.log.Warn("project context update failed", zap.Error(err))
		}
	}
}
