package backend

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/llm/providers/ollama"
	"github.com/danshapiro/helixmix/internal/providerspec"
)

// LocalBackend runs specialist prompts on the local inference server.
type LocalBackend struct {
	Adapter *ollama.Adapter
	Log     *zap.Logger
}

func NewLocal(baseURL string, log *zap.Logger) *LocalBackend {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalBackend{Adapter: ollama.New(baseURL), Log: log}
}

func (b *LocalBackend) log() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}

func (b *LocalBackend) Name() string { return "local" }

// Probe checks that the model is installed. The result is advisory: the
// server loads models on demand, so a miss or a probe failure is only logged.
func (b *LocalBackend) Probe(ctx context.Context, model string) bool {
	ok, err := b.Adapter.HasModel(ctx, model)
	if err != nil {
		b.log().Warn("local model probe failed; continuing", zap.String("model", model), zap.Error(err))
		return false
	}
	if !ok {
		b.log().Warn("local model not installed; the server will try to load it", zap.String("model", model))
	}
	return ok
}

func (b *LocalBackend) Models(ctx context.Context) ([]ollama.ModelInfo, error) {
	return b.Adapter.Tags(ctx)
}

func (b *LocalBackend) Availability(ctx context.Context) Availability {
	a := Availability{Backend: b.Name(), Provider: providerspec.LocalProviderKey, Method: "local", Path: b.Adapter.BaseURL}
	if err := b.Adapter.Ping(ctx); err != nil {
		a.Reason = err.Error()
		return a
	}
	a.Available = true
	return a
}

func (b *LocalBackend) request(call Call) llm.Request {
	var msgs []llm.Message
	if strings.TrimSpace(call.SystemPrompt) != "" {
		msgs = append(msgs, llm.System(call.SystemPrompt))
	}
	return llm.Request{
		Provider: providerspec.LocalProviderKey,
		Model:    call.Model,
		Messages: append(msgs, llm.User(call.Prompt)),
	}
}

func (b *LocalBackend) Execute(ctx context.Context, call Call) (string, error) {
	cctx, cancel := withCallTimeout(ctx, call.Timeout)
	defer cancel()
	resp, err := b.Adapter.Complete(cctx, b.request(call))
	if err != nil {
		if cctx.Err() != nil {
			return "", contextFailure(b.Name(), cctx, call.Timeout)
		}
		return "", err
	}
	return resp.Text(), nil
}

func (b *LocalBackend) Stream(ctx context.Context, call Call, onChunk func(string)) (string, error) {
	cctx, cancel := withCallTimeout(ctx, call.Timeout)
	defer cancel()
	st, err := b.Adapter.Stream(cctx, b.request(call))
	if err == nil {
		var text string
		text, err = llm.CollectText(st, onChunk)
		if err == nil {
			return text, nil
		}
	}
	if cctx.Err() != nil {
		return "", contextFailure(b.Name(), cctx, call.Timeout)
	}
	return "", err
}
