package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/providerspec"
)

// Adapter talks to the Gemini API through the genai SDK. The SDK client is
// created lazily so construction never performs network or credential probing.
type Adapter struct {
	Provider   string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client

	once   sync.Once
	client *genai.Client
	err    error
}

func init() {
	llm.RegisterAdapterFactory("google", func(apiKey, baseURL string) (llm.ProviderAdapter, error) {
		if strings.TrimSpace(apiKey) == "" {
			return nil, fmt.Errorf("google api key is required")
		}
		return New(apiKey, baseURL), nil
	})
}

func New(apiKey, baseURL string) *Adapter {
	return &Adapter{
		Provider: "google",
		APIKey:   strings.TrimSpace(apiKey),
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

func (a *Adapter) Name() string {
	if p := providerspec.CanonicalProviderKey(a.Provider); p != "" {
		return p
	}
	return "google"
}

func (a *Adapter) sdk(ctx context.Context) (*genai.Client, error) {
	a.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:     a.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: a.HTTPClient,
		}
		if a.BaseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.BaseURL + "/"}
		}
		a.client, a.err = genai.NewClient(ctx, cfg)
		if a.err != nil {
			a.err = &llm.BackendUnavailableError{Backend: a.Name(), Reason: a.err.Error(), Err: a.err}
		}
	})
	return a.client, a.err
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	c, err := a.sdk(ctx)
	if err != nil {
		return llm.Response{}, err
	}
	contents, cfg := toGenAI(req)
	resp, err := c.Models.GenerateContent(ctx, providerspec.NativeModelID(req.Model), contents, cfg)
	if err != nil {
		return llm.Response{}, a.mapError(ctx, err)
	}
	return fromGenAI(a.Name(), req.Model, resp), nil
}

func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	c, err := a.sdk(ctx)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	contents, cfg := toGenAI(req)
	s := llm.NewChanStream(cancel)
	s.Send(llm.StreamEvent{Type: llm.StreamEventStreamStart})

	go func() {
		defer s.CloseSend()
		const textID = "text_1"
		var text strings.Builder
		var last *genai.GenerateContentResponse
		started := false
		for chunk, err := range c.Models.GenerateContentStream(sctx, providerspec.NativeModelID(req.Model), contents, cfg) {
			if err != nil {
				s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: a.mapError(sctx, err)})
				return
			}
			last = chunk
			delta := chunkText(chunk)
			if delta == "" {
				continue
			}
			if !started {
				started = true
				s.Send(llm.StreamEvent{Type: llm.StreamEventTextStart, TextID: textID})
			}
			text.WriteString(delta)
			s.Send(llm.StreamEvent{Type: llm.StreamEventTextDelta, TextID: textID, Delta: delta})
		}
		if started {
			s.Send(llm.StreamEvent{Type: llm.StreamEventTextEnd, TextID: textID})
		}
		r := fromGenAI(a.Name(), req.Model, last)
		r.Message = llm.Assistant(text.String())
		rp := r
		s.Send(llm.StreamEvent{Type: llm.StreamEventFinish, FinishReason: &r.Finish, Usage: &r.Usage, Response: &rp})
	}()
	return s, nil
}

func toGenAI(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := req.SplitSystem()
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(system) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	return contents, cfg
}

func chunkText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

func fromGenAI(provider, requestedModel string, resp *genai.GenerateContentResponse) llm.Response {
	r := llm.Response{
		Provider: provider,
		Model:    requestedModel,
		Finish:   llm.FinishReason{Reason: "stop"},
	}
	if resp == nil {
		return r
	}
	r.ID = resp.ResponseID
	if resp.ModelVersion != "" {
		r.Model = resp.ModelVersion
	}
	r.Message = llm.Assistant(chunkText(resp))
	if len(resp.Candidates) > 0 {
		switch fr := resp.Candidates[0].FinishReason; fr {
		case "", genai.FinishReasonStop:
		case genai.FinishReasonMaxTokens:
			r.Finish = llm.FinishReason{Reason: "length", Raw: string(fr)}
		default:
			r.Finish = llm.FinishReason{Reason: strings.ToLower(string(fr)), Raw: string(fr)}
		}
	}
	if u := resp.UsageMetadata; u != nil {
		r.Usage = llm.Usage{
			InputTokens:     int(u.PromptTokenCount),
			OutputTokens:    int(u.CandidatesTokenCount),
			CacheReadTokens: int(u.CachedContentTokenCount),
		}
	}
	return r
}

func (a *Adapter) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return llm.WrapContextError(a.Name(), ctxErr)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.ErrorFromHTTPStatus(a.Name(), apiErr.Code, apiErr.Message, apiErr.Details, nil)
	}
	return llm.NewNetworkError(a.Name(), err.Error())
}
