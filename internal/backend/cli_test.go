package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/helixmix/internal/llm"
)

type fixedCaps map[string]string

func (c fixedCaps) AdaptiveThinkingEnvVar(modelID string) string { return c[modelID] }

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func resolverFor(envVar, path string) *ExecResolver {
	return &ExecResolver{
		Getenv: func(k string) string {
			if k == envVar {
				return path
			}
			return ""
		},
		LookPath:          func(string) (string, error) { return "", errors.New("not on PATH") },
		HomeDir:           "/nonexistent-home",
		DisableShellProbe: true,
	}
}

func newClaude(t *testing.T, script string, caps AdaptiveThinking) *CLIBackend {
	t.Helper()
	b, ok := NewCLI("anthropic", resolverFor("HELIXMIX_CLAUDE_PATH", script), caps, nil)
	require.True(t, ok)
	b.KillGrace = 200 * time.Millisecond
	return b
}

func TestCLIBackend_ClaudeSendsPromptOnStdinAndReturnsResult(t *testing.T) {
	dump := t.TempDir()
	script := writeScript(t, "claude", `
cat > "`+dump+`/stdin.txt"
printf '%s\n' "$@" > "`+dump+`/args.txt"
printf '%s' "${CLAUDE_CODE_EFFORT_LEVEL:-}" > "`+dump+`/effort.txt"
printf '%s' "${NO_COLOR:-}" > "`+dump+`/nocolor.txt"
pwd > "`+dump+`/pwd.txt"
echo '{"type":"result","is_error":false,"result":"hello from claude"}'
`)
	b := newClaude(t, script, fixedCaps{"claude-opus-4-6": "CLAUDE_CODE_EFFORT_LEVEL"})
	work := t.TempDir()

	out, err := b.Execute(context.Background(), Call{
		Prompt:       "do the thing",
		SystemPrompt: "you are a planner",
		Model:        "claude-opus-4-6",
		Timeout:      10 * time.Second,
		WorkDir:      work,
		Effort:       "High",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from claude", out)
	assert.Equal(t, "claude_cli", b.Name())

	stdin, err := os.ReadFile(filepath.Join(dump, "stdin.txt"))
	require.NoError(t, err)
	assert.Equal(t, "you are a planner\n\ndo the thing", string(stdin))

	args, err := os.ReadFile(filepath.Join(dump, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"-p", "--dangerously-skip-permissions", "--output-format", "json", "--model", "claude-opus-4-6"},
		strings.Fields(string(args)))

	effort, _ := os.ReadFile(filepath.Join(dump, "effort.txt"))
	assert.Equal(t, "high", string(effort))
	nocolor, _ := os.ReadFile(filepath.Join(dump, "nocolor.txt"))
	if _, set := os.LookupEnv("NO_COLOR"); !set {
		assert.Equal(t, "1", string(nocolor))
	}
	pwd, _ := os.ReadFile(filepath.Join(dump, "pwd.txt"))
	wantDir, _ := filepath.EvalSymlinks(work)
	gotDir, _ := filepath.EvalSymlinks(strings.TrimSpace(string(pwd)))
	assert.Equal(t, wantDir, gotDir)
}

func TestCLIBackend_EffortEnvOnlyWhenCapable(t *testing.T) {
	dump := t.TempDir()
	script := writeScript(t, "claude", `
cat > /dev/null
printf '%s' "${CLAUDE_CODE_EFFORT_LEVEL:-unset}" > "`+dump+`/effort.txt"
echo '{"result":"ok"}'
`)
	b := newClaude(t, script, fixedCaps{})
	t.Setenv("CLAUDE_CODE_EFFORT_LEVEL", "")
	_, err := b.Execute(context.Background(), Call{Prompt: "x", Model: "claude-haiku-4-5", Effort: "high", Timeout: 10 * time.Second})
	require.NoError(t, err)
	effort, _ := os.ReadFile(filepath.Join(dump, "effort.txt"))
	assert.NotEqual(t, "high", string(effort))
}

func TestCLIBackend_NonJSONOutputIsReturnedVerbatim(t *testing.T) {
	script := writeScript(t, "claude", "cat > /dev/null\necho 'plain answer'\n")
	b := newClaude(t, script, nil)
	out, err := b.Execute(context.Background(), Call{Prompt: "x", Model: "claude-sonnet-4-5", Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", out)
}

func TestCLIBackend_NonZeroExitIsBackendFailedWithStderrTail(t *testing.T) {
	script := writeScript(t, "claude", "cat > /dev/null\necho partial\necho 'boom: model exploded' >&2\nexit 3\n")
	b := newClaude(t, script, nil)
	_, err := b.Execute(context.Background(), Call{Prompt: "x", Model: "claude-sonnet-4-5", Timeout: 10 * time.Second})
	var failed *llm.BackendFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.ExitCode)
	assert.Equal(t, "boom: model exploded", failed.StderrTail)
	assert.Equal(t, llm.KindBackendFailed, llm.KindOf(err))
}

func TestCLIBackend_StderrTailIsBounded(t *testing.T) {
	script := writeScript(t, "claude", "cat > /dev/null\necho x\ni=0\nwhile [ $i -lt 200 ]; do printf 'abcdefghij' >&2; i=$((i+1)); done\nexit 1\n")
	b := newClaude(t, script, nil)
	_, err := b.Execute(context.Background(), Call{Prompt: "x", Model: "claude-sonnet-4-5", Timeout: 10 * time.Second})
	var failed *llm.BackendFailedError
	require.ErrorAs(t, err, &failed)
	assert.Len(t, failed.StderrTail, StderrTailLimit)
}

func TestCLIBackend_LoginErrorIsUnavailable(t *testing.T) {
	script := writeScript(t, "claude", "cat > /dev/null\necho 'Invalid API key. Please run /login' >&2\nexit 1\n")
	b := newClaude(t, script, nil)
	_, err := b.Execute(context.Background(), Call{Prompt: "x", Model: "claude-sonnet-4-5", Timeout: 10 * time.Second})
	assert.Equal(t, llm.KindBackendUnavailable, llm.KindOf(err))
}

func TestCLIBackend_IsErrorResultIsBackendFailed(t *testing.T) {
	script := writeScript(t, "claude", "cat > /dev/null\necho '{\"is_error\":true,\"result\":\"overloaded\"}'\n")
	b := newClaude(t, script, nil)
	_, err := b.Execute(context.Background(), Call{Prompt: "x", Model: "claude-sonnet-4-5", Timeout: 10 * time.Second})
	var failed *llm.BackendFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Error(), "overloaded")
}

func TestCLIBackend_TimeoutKillsProcess(t *testing.T) {
	script := writeScript(t, "claude", "trap '' TERM\nsleep 30\n")
	b := newClaude(t, script, nil)
	start := time.Now()
	_, err := b.Execute(context.Background(), Call{Prompt: "x", Model: "claude-sonnet-4-5", Timeout: 300 * time.Millisecond})
	var tout *llm.TimeoutError
	require.ErrorAs(t, err, &tout)
	assert.Equal(t, llm.KindTimeout, llm.KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCLIBackend_CancelIsNotTimeout(t *testing.T) {
	script := writeScript(t, "claude", "sleep 30\n")
	b := newClaude(t, script, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	_, err := b.Execute(ctx, Call{Prompt: "x", Model: "claude-sonnet-4-5", Timeout: 30 * time.Second})
	require.Error(t, err)
	assert.Equal(t, llm.KindCancelled, llm.KindOf(err))
}

func TestCLIBackend_MissingExecutableIsUnavailable(t *testing.T) {
	b, ok := NewCLI("anthropic", resolverFor("HELIXMIX_CLAUDE_PATH", ""), nil, nil)
	require.True(t, ok)
	b.Resolver.HomeDir = t.TempDir()
	if _, err := os.Stat("/usr/local/bin/claude"); err == nil {
		t.Skip("claude installed in /usr/local/bin")
	}
	if _, err := os.Stat("/opt/homebrew/bin/claude"); err == nil {
		t.Skip("claude installed in /opt/homebrew/bin")
	}
	_, err := b.Execute(context.Background(), Call{Prompt: "x", Model: "claude-sonnet-4-5"})
	var unavail *llm.BackendUnavailableError
	require.ErrorAs(t, err, &unavail)
	assert.Contains(t, unavail.Reason, "npm install -g @anthropic-ai/claude-code")
	assert.False(t, b.Availability().Available)
}

func TestCLIBackend_CodexPassesPromptAsArgumentWithEffort(t *testing.T) {
	dump := t.TempDir()
	script := writeScript(t, "codex", `
for a in "$@"; do printf '%s\n' "$a"; done > "`+dump+`/args.txt"
echo "  codex answer  "
`)
	b, ok := NewCLI("openai", resolverFor("HELIXMIX_CODEX_PATH", script), nil, nil)
	require.True(t, ok)
	assert.Equal(t, "codex_cli", b.Name())

	out, err := b.Execute(context.Background(), Call{Prompt: "write tests", Model: "openai/gpt-5.2-codex", Effort: "xhigh", Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "codex answer", out)

	args, err := os.ReadFile(filepath.Join(dump, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "exec\n--model\ngpt-5.2-codex\n-c\nmodel_reasoning_effort=xhigh\nwrite tests\n", string(args))
}

func TestCLIBackend_CodexOmitsDefaultEffort(t *testing.T) {
	dump := t.TempDir()
	script := writeScript(t, "codex", `printf '%s\n' "$@" > "`+dump+`/args.txt"
echo ok
`)
	b, ok := NewCLI("openai", resolverFor("HELIXMIX_CODEX_PATH", script), nil, nil)
	require.True(t, ok)
	_, err := b.Execute(context.Background(), Call{Prompt: "p", Model: "gpt-5", Effort: "default", Timeout: 10 * time.Second})
	require.NoError(t, err)
	args, _ := os.ReadFile(filepath.Join(dump, "args.txt"))
	assert.NotContains(t, string(args), "model_reasoning_effort")
}

func TestCLIBackend_StreamForwardsChunks(t *testing.T) {
	script := writeScript(t, "codex", "echo first\nsleep 0.1\necho second\n")
	b, ok := NewCLI("openai", resolverFor("HELIXMIX_CODEX_PATH", script), nil, nil)
	require.True(t, ok)
	var mu sync.Mutex
	var chunks []string
	out, err := b.Stream(context.Background(), Call{Prompt: "p", Model: "gpt-5", Timeout: 10 * time.Second}, func(s string) {
		mu.Lock()
		chunks = append(chunks, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", out)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "first\nsecond\n", strings.Join(chunks, ""))
}

func TestNewCLI_GoogleHasNoCLI(t *testing.T) {
	_, ok := NewCLI("google", nil, nil, nil)
	assert.False(t, ok)
}
