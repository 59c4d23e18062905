package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/providerspec"
)

// Completer is the part of llm.Client the API backend needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
	Stream(ctx context.Context, req llm.Request) (llm.Stream, error)
}

// APIBackend calls a provider's HTTP API through an llm client. HTTP-level
// transient failures are retried by the client middleware; a transient error
// raised mid-stream before any text arrived is retried once here.
type APIBackend struct {
	Provider string
	Client   Completer
	// KeyHint is shown when the provider rejects the credentials.
	KeyHint string
	Backoff llm.BackoffConfig
	Log     *zap.Logger
}

func NewAPI(provider string, client Completer, keyHint string, log *zap.Logger) *APIBackend {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIBackend{
		Provider: providerspec.CanonicalProviderKey(provider),
		Client:   client,
		KeyHint:  keyHint,
		Backoff:  llm.DefaultTransientBackoff(),
		Log:      log,
	}
}

func (b *APIBackend) log() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}

func (b *APIBackend) Name() string { return b.Provider + "_api" }

func (b *APIBackend) request(call Call) llm.Request {
	var msgs []llm.Message
	if strings.TrimSpace(call.SystemPrompt) != "" {
		msgs = append(msgs, llm.System(call.SystemPrompt))
	}
	msgs = append(msgs, llm.User(call.Prompt))
	req := llm.Request{
		Provider: b.Provider,
		Model:    providerspec.NativeModelID(call.Model),
		Messages: msgs,
	}
	if effortSet(call.Effort) {
		req.ReasoningEffort = strings.ToLower(strings.TrimSpace(call.Effort))
	}
	return req
}

func (b *APIBackend) Execute(ctx context.Context, call Call) (string, error) {
	cctx, cancel := withCallTimeout(ctx, call.Timeout)
	defer cancel()
	resp, err := b.Client.Complete(cctx, b.request(call))
	if err != nil {
		return "", b.mapError(cctx, call, err)
	}
	return resp.Text(), nil
}

func (b *APIBackend) Stream(ctx context.Context, call Call, onChunk func(string)) (string, error) {
	cctx, cancel := withCallTimeout(ctx, call.Timeout)
	defer cancel()
	req := b.request(call)

	for attempt := 0; ; attempt++ {
		emitted := false
		st, err := b.Client.Stream(cctx, req)
		if err == nil {
			var text string
			text, err = llm.CollectText(st, func(d string) {
				emitted = true
				if onChunk != nil {
					onChunk(d)
				}
			})
			if err == nil {
				return text, nil
			}
		}
		if attempt == 0 && !emitted && cctx.Err() == nil && llm.KindOf(err) == llm.KindTransient {
			d := llm.DelayForAttempt(1, b.Backoff)
			b.log().Info("api stream transient failure, retrying",
				zap.String("backend", b.Name()),
				zap.Duration("backoff", d),
				zap.Error(err),
			)
			if sleepCtx(cctx, d) == nil {
				continue
			}
		}
		mapped := b.mapError(cctx, call, err)
		if attempt > 0 && llm.KindOf(mapped) == llm.KindTransient {
			return "", &llm.BackendFailedError{Backend: b.Name(), Message: "transient failure persisted after retry", Err: err}
		}
		return "", mapped
	}
}

func (b *APIBackend) mapError(cctx context.Context, call Call, err error) error {
	if cctx.Err() != nil {
		return contextFailure(b.Name(), cctx, call.Timeout)
	}
	var auth *llm.AuthenticationError
	if errors.As(err, &auth) {
		return &llm.BackendUnavailableError{Backend: b.Name(), Reason: b.KeyHint, Err: err}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
