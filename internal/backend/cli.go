package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/procutil"
	"github.com/danshapiro/helixmix/internal/providerspec"
)

// AdaptiveThinking reports which environment variable, if any, carries the
// effort level for a model.
type AdaptiveThinking interface {
	AdaptiveThinkingEnvVar(modelID string) string
}

// CLIBackend drives a vendor CLI (claude, codex) as a subprocess in its own
// process group.
type CLIBackend struct {
	Provider  string
	Spec      providerspec.CLISpec
	Resolver  *ExecResolver
	Caps      AdaptiveThinking
	KillGrace time.Duration
	Log       *zap.Logger
}

// NewCLI returns the CLI backend for a provider, or false when the provider
// has no CLI.
func NewCLI(provider string, resolver *ExecResolver, caps AdaptiveThinking, log *zap.Logger) (*CLIBackend, bool) {
	spec, ok := providerspec.Builtin(provider)
	if !ok || spec.CLI == nil {
		return nil, false
	}
	if resolver == nil {
		resolver = &ExecResolver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CLIBackend{
		Provider:  spec.Key,
		Spec:      *spec.CLI,
		Resolver:  resolver,
		Caps:      caps,
		KillGrace: procutil.DefaultKillGrace,
		Log:       log,
	}, true
}

func (b *CLIBackend) log() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}

func (b *CLIBackend) Name() string { return b.Spec.DefaultExecutable + "_cli" }

func (b *CLIBackend) executable() (string, error) {
	return b.Resolver.Resolve(b.Spec.DefaultExecutable, b.Spec.PathEnv)
}

// Availability resolves the executable without running it.
func (b *CLIBackend) Availability() Availability {
	a := Availability{Backend: b.Name(), Provider: b.Provider, Method: "cli"}
	p, err := b.executable()
	if err != nil {
		a.Reason = fmt.Sprintf("%v (install: %s)", err, b.Spec.InstallHint)
		return a
	}
	a.Available = true
	a.Path = p
	return a
}

func (b *CLIBackend) Execute(ctx context.Context, call Call) (string, error) {
	return b.run(ctx, call, nil)
}

func (b *CLIBackend) Stream(ctx context.Context, call Call, onChunk func(string)) (string, error) {
	return b.run(ctx, call, onChunk)
}

func (b *CLIBackend) prompt(call Call) string {
	if s := strings.TrimSpace(call.SystemPrompt); s != "" {
		return s + "\n\n" + call.Prompt
	}
	return call.Prompt
}

func (b *CLIBackend) args(call Call) []string {
	model := providerspec.NativeModelID(call.Model)
	args := make([]string, 0, len(b.Spec.InvocationTemplate)+4)
	for _, a := range b.Spec.InvocationTemplate {
		args = append(args, strings.ReplaceAll(a, "{{model}}", model))
	}
	if b.Provider == "openai" && effortSet(call.Effort) {
		args = append(args, "-c", "model_reasoning_effort="+strings.ToLower(strings.TrimSpace(call.Effort)))
	}
	if b.Spec.PromptMode == "arg" {
		args = append(args, b.prompt(call))
	}
	return args
}

func (b *CLIBackend) env(call Call) []string {
	env := os.Environ()
	defaults := [][2]string{
		{"FORCE_COLOR", "0"},
		{"NO_COLOR", "1"},
		{"PYTHONIOENCODING", "utf-8"},
		{"LANG", "C.UTF-8"},
	}
	for _, kv := range defaults {
		if _, ok := os.LookupEnv(kv[0]); !ok {
			env = append(env, kv[0]+"="+kv[1])
		}
	}
	if b.Caps != nil && effortSet(call.Effort) {
		if v := b.Caps.AdaptiveThinkingEnvVar(providerspec.NativeModelID(call.Model)); v != "" {
			env = append(stripEnvKey(env, v), v+"="+strings.ToLower(strings.TrimSpace(call.Effort)))
		}
	}
	return env
}

func stripEnvKey(env []string, key string) []string {
	out := env[:0:0]
	for _, kv := range env {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func (b *CLIBackend) run(ctx context.Context, call Call, onChunk func(string)) (string, error) {
	exe, err := b.executable()
	if err != nil {
		return "", &llm.BackendUnavailableError{
			Backend: b.Name(),
			Reason:  fmt.Sprintf("%v; install with: %s", err, b.Spec.InstallHint),
			Err:     err,
		}
	}

	cctx, cancel := withCallTimeout(ctx, call.Timeout)
	defer cancel()

	name, args := commandFor(exe, b.args(call))
	cmd := exec.Command(name, args...)
	procutil.SetProcessGroup(cmd)
	if dir := strings.TrimSpace(call.WorkDir); dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			cmd.Dir = dir
		}
	}
	cmd.Env = b.env(call)
	if b.Spec.PromptMode == "stdin" {
		cmd.Stdin = strings.NewReader(b.prompt(call))
	}
	stdout := &chunkWriter{onChunk: onChunk}
	var stderr lockedBuffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = b.KillGrace + 2*time.Second

	start := time.Now()
	b.log().Debug("cli start",
		zap.String("backend", b.Name()),
		zap.String("model", call.Model),
		zap.String("dir", cmd.Dir),
		zap.Duration("timeout", call.Timeout),
	)
	if err := cmd.Start(); err != nil {
		return "", &llm.BackendUnavailableError{Backend: b.Name(), Reason: err.Error(), Err: err}
	}

	waitErr, interrupted, stopErr := procutil.Wait(cctx, cmd, b.KillGrace)
	if stopErr != nil {
		b.log().Warn("cli stop failed", zap.String("backend", b.Name()), zap.Error(stopErr))
	}
	if interrupted {
		b.log().Info("cli interrupted",
			zap.String("backend", b.Name()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(cctx.Err()),
		)
		return "", contextFailure(b.Name(), cctx, call.Timeout)
	}

	out := stdout.String()
	if waitErr != nil {
		exitCode := -1
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			exitCode = ee.ExitCode()
		}
		errText := stderr.String()
		if strings.TrimSpace(out) == "" && looksLikeAuthFailure(errText) {
			return "", &llm.BackendUnavailableError{
				Backend: b.Name(),
				Reason:  fmt.Sprintf("not logged in (%s); %s", tail(errText, StderrTailLimit), b.Spec.InstallHint),
			}
		}
		return "", &llm.BackendFailedError{
			Backend:    b.Name(),
			ExitCode:   exitCode,
			StderrTail: tail(errText, StderrTailLimit),
			Err:        waitErr,
		}
	}
	b.log().Debug("cli done",
		zap.String("backend", b.Name()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("stdout_bytes", len(out)),
	)
	if b.Spec.PromptMode == "stdin" {
		return parseJSONResult(b.Name(), out)
	}
	return strings.TrimSpace(out), nil
}

func looksLikeAuthFailure(stderr string) bool {
	l := strings.ToLower(stderr)
	return strings.Contains(l, "login") || strings.Contains(l, "auth")
}

// parseJSONResult extracts the "result" field of a --output-format json
// reply. Output that is not such an object is returned as-is.
func parseJSONResult(backend, out string) (string, error) {
	trimmed := strings.TrimSpace(out)
	var reply struct {
		Result  *string `json:"result"`
		IsError bool    `json:"is_error"`
	}
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil || reply.Result == nil {
		return trimmed, nil
	}
	if reply.IsError {
		return "", &llm.BackendFailedError{Backend: backend, Message: tail(*reply.Result, StderrTailLimit)}
	}
	return *reply.Result, nil
}

// chunkWriter collects stdout and forwards each write as a chunk.
type chunkWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onChunk func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.onChunk != nil && len(p) > 0 {
		w.onChunk(string(p))
	}
	return len(p), nil
}

func (w *chunkWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
