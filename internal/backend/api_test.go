package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/helixmix/internal/llm"
)

// fakeCompleter replays scripted outcomes. Each stream entry is either an
// error returned from Stream or a list of events.
type fakeCompleter struct {
	mu       sync.Mutex
	reqs     []llm.Request
	complete func(llm.Request) (llm.Response, error)
	streams  [][]llm.StreamEvent
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.complete(req)
}

func (f *fakeCompleter) Stream(_ context.Context, req llm.Request) (llm.Stream, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	var evs []llm.StreamEvent
	if len(f.streams) > 0 {
		evs, f.streams = f.streams[0], f.streams[1:]
	}
	f.mu.Unlock()
	s := llm.NewChanStream(nil)
	go func() {
		defer s.CloseSend()
		for _, ev := range evs {
			if !s.Send(ev) {
				return
			}
		}
	}()
	return s, nil
}

func textResponse(s string) llm.Response {
	return llm.Response{Message: llm.Assistant(s)}
}

func rateLimited() error {
	return llm.ErrorFromHTTPStatus("anthropic", 429, "slow down", nil, nil)
}

func TestAPIBackend_ExecuteSeparatesSystemAndUser(t *testing.T) {
	f := &fakeCompleter{complete: func(llm.Request) (llm.Response, error) { return textResponse("planned"), nil }}
	b := NewAPI("Claude", f, "set anthropic_api_key", nil)
	assert.Equal(t, "anthropic_api", b.Name())

	out, err := b.Execute(context.Background(), Call{
		Prompt:       "user part",
		SystemPrompt: "system part",
		Model:        "anthropic/claude-opus-4-6",
		Effort:       "Medium",
	})
	require.NoError(t, err)
	assert.Equal(t, "planned", out)
	require.Len(t, f.reqs, 1)
	req := f.reqs[0]
	assert.Equal(t, "anthropic", req.Provider)
	assert.Equal(t, "claude-opus-4-6", req.Model)
	assert.Equal(t, []llm.Message{llm.System("system part"), llm.User("user part")}, req.Messages)
	assert.Equal(t, "medium", req.ReasoningEffort)
}

func TestAPIBackend_DefaultEffortIsNotSent(t *testing.T) {
	f := &fakeCompleter{complete: func(llm.Request) (llm.Response, error) { return textResponse("x"), nil }}
	b := NewAPI("openai", f, "", nil)
	_, err := b.Execute(context.Background(), Call{Prompt: "p", Model: "gpt-5", Effort: "default"})
	require.NoError(t, err)
	assert.Empty(t, f.reqs[0].ReasoningEffort)
	assert.Equal(t, []llm.Message{llm.User("p")}, f.reqs[0].Messages)
}

func TestAPIBackend_AuthFailureIsUnavailableWithHint(t *testing.T) {
	f := &fakeCompleter{complete: func(llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.ErrorFromHTTPStatus("openai", 401, "bad key", nil, nil)
	}}
	b := NewAPI("openai", f, "set openai_api_key in config/general_settings.json or OPENAI_API_KEY", nil)
	_, err := b.Execute(context.Background(), Call{Prompt: "p", Model: "gpt-5"})
	var unavail *llm.BackendUnavailableError
	require.ErrorAs(t, err, &unavail)
	assert.Contains(t, unavail.Error(), "openai_api_key")
	assert.Equal(t, llm.KindBackendUnavailable, llm.KindOf(err))
}

func TestAPIBackend_ServerErrorIsBackendFailed(t *testing.T) {
	f := &fakeCompleter{complete: func(llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.ErrorFromHTTPStatus("openai", 500, "oops", nil, nil)
	}}
	b := NewAPI("openai", f, "", nil)
	_, err := b.Execute(context.Background(), Call{Prompt: "p", Model: "gpt-5"})
	assert.Equal(t, llm.KindBackendFailed, llm.KindOf(err))
}

func TestAPIBackend_DeadlineIsTimeout(t *testing.T) {
	f := &fakeCompleter{}
	f.complete = func(llm.Request) (llm.Response, error) {
		time.Sleep(100 * time.Millisecond)
		return llm.Response{}, context.DeadlineExceeded
	}
	b := NewAPI("openai", f, "", nil)
	_, err := b.Execute(context.Background(), Call{Prompt: "p", Model: "gpt-5", Timeout: 10 * time.Millisecond})
	var tout *llm.TimeoutError
	require.ErrorAs(t, err, &tout)
}

func TestAPIBackend_StreamRetriesTransientBeforeFirstDelta(t *testing.T) {
	f := &fakeCompleter{streams: [][]llm.StreamEvent{
		{{Type: llm.StreamEventError, Err: rateLimited()}},
		{
			{Type: llm.StreamEventTextDelta, Delta: "hel"},
			{Type: llm.StreamEventTextDelta, Delta: "lo"},
		},
	}}
	b := NewAPI("anthropic", f, "", nil)
	b.Backoff = llm.BackoffConfig{InitialDelayMS: 1, MaxDelayMS: 1}
	var got []string
	out, err := b.Stream(context.Background(), Call{Prompt: "p", Model: "claude-sonnet-4-5"}, func(s string) { got = append(got, s) })
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, []string{"hel", "lo"}, got)
	assert.Len(t, f.reqs, 2)
}

func TestAPIBackend_StreamTransientTwiceIsBackendFailed(t *testing.T) {
	f := &fakeCompleter{streams: [][]llm.StreamEvent{
		{{Type: llm.StreamEventError, Err: rateLimited()}},
		{{Type: llm.StreamEventError, Err: rateLimited()}},
		{{Type: llm.StreamEventTextDelta, Delta: "never"}},
	}}
	b := NewAPI("anthropic", f, "", nil)
	b.Backoff = llm.BackoffConfig{InitialDelayMS: 1, MaxDelayMS: 1}
	_, err := b.Stream(context.Background(), Call{Prompt: "p", Model: "claude-sonnet-4-5"}, nil)
	var failed *llm.BackendFailedError
	require.ErrorAs(t, err, &failed)
	assert.Len(t, f.reqs, 2)
}

func TestAPIBackend_StreamDoesNotRetryAfterText(t *testing.T) {
	f := &fakeCompleter{streams: [][]llm.StreamEvent{
		{
			{Type: llm.StreamEventTextDelta, Delta: "partial"},
			{Type: llm.StreamEventError, Err: rateLimited()},
		},
	}}
	b := NewAPI("anthropic", f, "", nil)
	_, err := b.Stream(context.Background(), Call{Prompt: "p", Model: "claude-sonnet-4-5"}, nil)
	require.Error(t, err)
	assert.Len(t, f.reqs, 1)
	var rl *llm.RateLimitError
	assert.True(t, errors.As(err, &rl))
}
