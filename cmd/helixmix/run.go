package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/config"
	"github.com/danshapiro/helixmix/internal/engine"
	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/runtime"
)

// runError carries a failed or cancelled run out of RunE.
type runError struct{ err error }

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one request through every phase and print the final answer",
		Long: `Run one request. The prompt is taken from the arguments, from stdin when
the only argument is "-", or from the user_prompt of --config. Flags override
the values of the run config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRequest(cmd, args)
		},
	}
	f := cmd.Flags()
	f.String("config", "", "run config file (.yaml or .json)")
	f.String("reasoner", "", "cloud reasoner model")
	f.String("phase35-model", "", "review model; empty or none disables review")
	f.String("phase4-model", "", "apply model; empty or none disables apply")
	f.Int("max-retries", runtime.DefaultMaxRetries, "Phase 3 retry budget (0-5)")
	f.Int("timeout", runtime.DefaultTimeoutSeconds, "per-call timeout in seconds")
	f.String("project-dir", "", "project directory: CLI working directory and BIBLE.md location")
	f.String("connection-mode", "", "auto, api_only or cli_only")
	f.String("effort", "", "reasoning effort: default, minimal, low, medium, high or xhigh")
	f.String("search-mode", "", "none, web_search_enabled or browser_use")
	f.StringArray("attach", nil, "attach a file, directory or glob (repeatable)")
	f.StringArray("model", nil, "assign a specialist as category=model (repeatable)")
	f.String("run-id", "", "run identifier (default: a new ULID)")
	f.String("local-url", "", "local inference server URL")
	f.Bool("json", false, "print the run result as JSON")
	f.Bool("stream", false, "echo streamed reasoner output to stderr")
	return cmd
}

func (a *app) runRequest(cmd *cobra.Command, args []string) error {
	text, err := promptText(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	req, rcf, err := a.buildRequest(cmd, text)
	if err != nil {
		return err
	}

	configDir, sessionsDir, localURL := a.v.GetString("config-dir"), a.v.GetString("sessions-dir"), a.v.GetString("local-url")
	if rcf != nil {
		if !a.v.IsSet("config-dir") {
			configDir = rcf.ConfigDir
		}
		if !a.v.IsSet("sessions-dir") && rcf.SessionsDir != "" {
			sessionsDir = rcf.SessionsDir
		}
		if !a.v.IsSet("local-url") && rcf.LocalURL != "" {
			localURL = rcf.LocalURL
		}
	}
	svc, err := newServices(configDir, localURL, a.log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	svc.watchCapabilities(ctx)

	stderr := cmd.ErrOrStderr()
	bus := events.NewBus(a.log)
	bus.Subscribe(eventPrinter{w: stderr, stream: a.v.GetBool("stream")})
	stall := events.NewStallMonitor(func(model string, idle time.Duration) {
		a.log.Warn("specialist stalled", zap.String("model", model), zap.Duration("idle", idle))
		bus.Publish(events.Monitor(events.MonitorStall, model, fmt.Sprintf("no output for %s", idle.Round(time.Second))))
	})
	bus.Subscribe(stall)
	stallCtx, stopStall := context.WithCancel(ctx)
	go stall.Run(stallCtx)

	eng := svc.newEngine(bus, sessionsDir)
	res, runErr := eng.Run(ctx, req)
	stopStall()
	bus.Close()
	svc.notifier.Wait()

	if a.v.GetBool("json") {
		if err := writeResultJSON(cmd.OutOrStdout(), res, eng.Warnings(), runErr); err != nil {
			return err
		}
	} else if runErr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), res.FinalAnswer)
	}
	if runErr != nil {
		return &runError{err: runErr}
	}
	return nil
}

// promptText joins the positional arguments. A lone "-" reads stdin.
func promptText(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}

// buildRequest layers flags and HELIXMIX_* variables over the run config
// file, when one is given.
func (a *app) buildRequest(cmd *cobra.Command, text string) (runtime.Request, *config.RunConfigFile, error) {
	var (
		req runtime.Request
		rcf *config.RunConfigFile
	)
	if path := strings.TrimSpace(a.v.GetString("config")); path != "" {
		var err error
		rcf, err = config.LoadRunConfigFile(path)
		if err != nil {
			return req, nil, &llm.ConfigurationError{Message: fmt.Sprintf("load %s: %v", path, err)}
		}
		req = rcf.Request(text)
	} else {
		req = runtime.Request{UserPrompt: text, CategoryToModel: map[runtime.Category]string{}}
	}

	c := &req.Config
	setString := func(key string, dst *string) {
		if a.v.IsSet(key) {
			*dst = strings.TrimSpace(a.v.GetString(key))
		}
	}
	setString("reasoner", &c.ReasonerEngine)
	setString("phase35-model", &c.Phase35Model)
	setString("phase4-model", &c.Phase4Model)
	setString("project-dir", &c.ProjectDir)
	setString("effort", &c.GPTReasoningEffort)
	setString("run-id", &req.RunID)
	if a.v.IsSet("max-retries") {
		n := a.v.GetInt("max-retries")
		c.MaxRetries = &n
	}
	if a.v.IsSet("timeout") {
		c.TimeoutSeconds = a.v.GetInt("timeout")
	}
	if a.v.IsSet("connection-mode") {
		m, err := runtime.ParseConnectionMode(a.v.GetString("connection-mode"))
		if err != nil {
			return req, rcf, &llm.ConfigurationError{Message: err.Error()}
		}
		c.ConnectionMode = m
	}
	if a.v.IsSet("search-mode") {
		c.SearchMode = runtime.SearchMode(strings.TrimSpace(a.v.GetString("search-mode")))
	}

	attach, _ := cmd.Flags().GetStringArray("attach")
	req.AttachedPaths = append(req.AttachedPaths, attach...)
	assignments, _ := cmd.Flags().GetStringArray("model")
	for _, s := range assignments {
		cat, model, err := parseModelFlag(s)
		if err != nil {
			return req, rcf, &llm.ConfigurationError{Message: err.Error()}
		}
		req.CategoryToModel[cat] = model
	}

	if strings.TrimSpace(req.UserPrompt) == "" {
		return req, rcf, &llm.ConfigurationError{Message: "prompt is required (argument, \"-\" for stdin, or user_prompt in --config)"}
	}
	return req, rcf, nil
}

// parseModelFlag parses one --model value of the form category=model.
func parseModelFlag(s string) (runtime.Category, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", fmt.Errorf("--model %q: expected category=model", s)
	}
	cat, err := runtime.ParseCategory(strings.TrimSpace(k))
	if err != nil {
		return "", "", fmt.Errorf("--model %q: %w", s, err)
	}
	return cat, strings.TrimSpace(v), nil
}

// runSummary is the --json rendering of a run.
type runSummary struct {
	RunID         string             `json:"run_id"`
	Status        string             `json:"status"`
	FinalAnswer   string             `json:"final_answer,omitempty"`
	SessionDir    string             `json:"session_dir,omitempty"`
	Phase2Skipped bool               `json:"phase2_skipped"`
	Tasks         int                `json:"tasks"`
	Retries       int                `json:"retries"`
	Phase35Reruns int                `json:"phase35_reruns"`
	PhaseTimes    map[string]float64 `json:"phase_times,omitempty"`
	ParseFailures []string           `json:"parse_failures,omitempty"`
	Warnings      []string           `json:"warnings,omitempty"`
	Error         string             `json:"error,omitempty"`
	ErrorKind     string             `json:"error_kind,omitempty"`
}

func writeResultJSON(w io.Writer, res engine.Result, warnings []string, runErr error) error {
	s := runSummary{
		RunID:         res.RunID,
		Status:        string(res.Status),
		FinalAnswer:   res.FinalAnswer,
		SessionDir:    res.SessionDir,
		Phase2Skipped: res.Phase2Skipped,
		Tasks:         len(res.Results),
		Retries:       res.Retries,
		Phase35Reruns: res.Phase35Reruns,
		PhaseTimes:    res.PhaseTimes,
		ParseFailures: res.ParseFailures,
		Warnings:      warnings,
	}
	if s.Status == "" {
		s.Status = string(runtime.FinalFailed)
	}
	if runErr != nil {
		s.Error = runErr.Error()
		s.ErrorKind = string(llm.KindOf(runErr))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// eventPrinter renders progress for a terminal.
type eventPrinter struct {
	w      io.Writer
	stream bool
}

func (p eventPrinter) OnEvent(ev events.Event) {
	switch ev.Type {
	case events.TypePhaseEntered:
		fmt.Fprintf(p.w, "[phase %s] %s\n", ev.Phase, ev.Description)
	case events.TypeTaskStarted:
		fmt.Fprintf(p.w, "  %s: %s started\n", ev.Category, ev.Model)
	case events.TypeTaskFinished:
		status := "ok"
		if !ev.Success {
			status = "failed"
		}
		fmt.Fprintf(p.w, "  %s: %s %s in %s\n", ev.Category, ev.Model, status, ev.Elapsed.Round(100*time.Millisecond))
	case events.TypeStreamingChunk:
		if p.stream {
			fmt.Fprint(p.w, ev.Text)
		}
	case events.TypeMonitor:
		switch ev.Monitor {
		case events.MonitorError, events.MonitorStall:
			fmt.Fprintf(p.w, "  warning: %s\n", ev.Detail)
		}
	}
}
