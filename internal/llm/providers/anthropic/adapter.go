package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/providerspec"
)

const defaultMaxTokens = 8192

type Adapter struct {
	Provider string
	APIKey   string
	BaseURL  string
	Client   *http.Client
}

func init() {
	llm.RegisterAdapterFactory("anthropic", func(apiKey, baseURL string) (llm.ProviderAdapter, error) {
		if strings.TrimSpace(apiKey) == "" {
			return nil, fmt.Errorf("anthropic api key is required")
		}
		return New(apiKey, baseURL), nil
	})
}

func New(apiKey, baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		if spec, ok := providerspec.Builtin("anthropic"); ok {
			base = spec.API.DefaultBaseURL
		}
	}
	return &Adapter{
		Provider: "anthropic",
		APIKey:   strings.TrimSpace(apiKey),
		BaseURL:  base,
		// Avoid short client-level timeouts; rely on request context deadlines instead.
		Client: &http.Client{Timeout: 0},
	}
}

func (a *Adapter) Name() string {
	if p := providerspec.CanonicalProviderKey(a.Provider); p != "" {
		return p
	}
	return "anthropic"
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	body := a.requestBody(req, false)
	resp, err := a.post(ctx, body)
	if err != nil {
		return llm.Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	rawBytes, _ := io.ReadAll(resp.Body)
	var raw map[string]any
	_ = json.Unmarshal(rawBytes, &raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.Response{}, a.statusError(resp, rawBytes, raw, "messages.create")
	}
	return fromAnthropicResponse(a.Name(), raw, req.Model), nil
}

func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	sctx, cancel := context.WithCancel(ctx)
	body := a.requestBody(req, true)
	resp, err := a.post(sctx, body)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		rawBytes, _ := io.ReadAll(resp.Body)
		var raw map[string]any
		_ = json.Unmarshal(rawBytes, &raw)
		cancel()
		return nil, a.statusError(resp, rawBytes, raw, "messages.create(stream)")
	}

	s := llm.NewChanStream(cancel)
	s.Send(llm.StreamEvent{Type: llm.StreamEventStreamStart})

	go func() {
		defer func() {
			_ = resp.Body.Close()
			s.CloseSend()
		}()

		var text strings.Builder
		var usage llm.Usage
		finish := llm.FinishReason{Reason: "stop"}
		finished := false
		textID := ""

		parseErr := llm.ParseSSE(resp.Body, func(ev llm.SSEEvent) error {
			if strings.TrimSpace(ev.Data) == "" {
				return nil
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
				return nil
			}
			switch ev.Event {
			case "message_start":
				if msg, ok := payload["message"].(map[string]any); ok {
					if u, ok := msg["usage"].(map[string]any); ok {
						usage = mergeUsage(usage, parseUsage(u))
					}
				}
			case "content_block_start":
				cb, _ := payload["content_block"].(map[string]any)
				if typ, _ := cb["type"].(string); typ == "text" {
					textID = fmt.Sprintf("text_%v", payload["index"])
					s.Send(llm.StreamEvent{Type: llm.StreamEventTextStart, TextID: textID})
				}
			case "content_block_delta":
				d, _ := payload["delta"].(map[string]any)
				if typ, _ := d["type"].(string); typ == "text_delta" {
					if delta, _ := d["text"].(string); delta != "" {
						text.WriteString(delta)
						s.Send(llm.StreamEvent{Type: llm.StreamEventTextDelta, TextID: textID, Delta: delta})
					}
				}
			case "content_block_stop":
				if textID != "" {
					s.Send(llm.StreamEvent{Type: llm.StreamEventTextEnd, TextID: textID})
					textID = ""
				}
			case "message_delta":
				if d, ok := payload["delta"].(map[string]any); ok {
					if sr, _ := d["stop_reason"].(string); sr != "" {
						finish = llm.FinishReason{Reason: normalizeStopReason(sr), Raw: sr}
					}
				}
				if u, ok := payload["usage"].(map[string]any); ok {
					usage = mergeUsage(usage, parseUsage(u))
				}
			case "message_stop":
				r := llm.Response{
					Provider: a.Name(),
					Model:    req.Model,
					Message:  llm.Assistant(text.String()),
					Finish:   finish,
					Usage:    usage,
				}
				rp := r
				s.Send(llm.StreamEvent{Type: llm.StreamEventFinish, FinishReason: &r.Finish, Usage: &r.Usage, Response: &rp})
				finished = true
			case "error":
				msg := ev.Data
				if e, ok := payload["error"].(map[string]any); ok {
					if m, _ := e["message"].(string); m != "" {
						msg = m
					}
					if typ, _ := e["type"].(string); typ == "overloaded_error" || typ == "rate_limit_error" {
						s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: llm.ErrorFromHTTPStatus(a.Name(), 429, msg, payload, nil)})
						finished = true
						return nil
					}
				}
				s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: llm.NewStreamError(a.Name(), msg)})
				finished = true
			}
			return nil
		})

		if !finished {
			switch {
			case sctx.Err() != nil:
				s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: llm.WrapContextError(a.Name(), sctx.Err())})
			case parseErr != nil:
				s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: llm.NewNetworkError(a.Name(), parseErr.Error())})
			default:
				s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: llm.NewStreamError(a.Name(), "stream ended without message_stop")})
			}
		}
	}()

	return s, nil
}

func (a *Adapter) requestBody(req llm.Request, stream bool) map[string]any {
	system, rest := req.SplitSystem()
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	messages := make([]map[string]any, 0, len(rest))
	for _, m := range rest {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": []map[string]any{{"type": "text", "text": m.Text}},
		})
	}
	body := map[string]any{
		"model":      providerspec.NativeModelID(req.Model),
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if strings.TrimSpace(system) != "" {
		// The system block is the stable prompt prefix; mark it for server-side prompt caching.
		body["system"] = []map[string]any{{
			"type":          "text",
			"text":          system,
			"cache_control": map[string]any{"type": "ephemeral"},
		}}
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if ov, ok := req.ProviderOptions["anthropic"].(map[string]any); ok {
		for k, v := range ov {
			body[k] = v
		}
	}
	return body
}

func (a *Adapter) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, llm.WrapContextError(a.Name(), err)
	}
	return resp, nil
}

func (a *Adapter) statusError(resp *http.Response, rawBytes []byte, raw map[string]any, op string) error {
	ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	msg := fmt.Sprintf("%s failed: %s", op, strings.TrimSpace(string(rawBytes)))
	return llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, msg, raw, ra)
}

func fromAnthropicResponse(provider string, raw map[string]any, requestedModel string) llm.Response {
	r := llm.Response{
		Provider: provider,
		Model:    requestedModel,
	}
	if id, _ := raw["id"].(string); id != "" {
		r.ID = id
	}
	if m, _ := raw["model"].(string); m != "" {
		r.Model = m
	}
	var text strings.Builder
	if content, ok := raw["content"].([]any); ok {
		for _, itAny := range content {
			it, ok := itAny.(map[string]any)
			if !ok {
				continue
			}
			if typ, _ := it["type"].(string); typ == "text" {
				t, _ := it["text"].(string)
				text.WriteString(t)
			}
		}
	}
	r.Message = llm.Assistant(text.String())
	if sr, _ := raw["stop_reason"].(string); sr != "" {
		r.Finish = llm.FinishReason{Reason: normalizeStopReason(sr), Raw: sr}
	}
	if u, ok := raw["usage"].(map[string]any); ok {
		r.Usage = parseUsage(u)
	}
	return r
}

func normalizeStopReason(sr string) string {
	switch sr {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return sr
	}
}

func parseUsage(u map[string]any) llm.Usage {
	num := func(k string) int {
		switch v := u[k].(type) {
		case float64:
			return int(v)
		case json.Number:
			n, _ := v.Int64()
			return int(n)
		}
		return 0
	}
	return llm.Usage{
		InputTokens:      num("input_tokens"),
		OutputTokens:     num("output_tokens"),
		CacheReadTokens:  num("cache_read_input_tokens"),
		CacheWriteTokens: num("cache_creation_input_tokens"),
	}
}

func mergeUsage(a, b llm.Usage) llm.Usage {
	if b.InputTokens > 0 {
		a.InputTokens = b.InputTokens
	}
	if b.OutputTokens > 0 {
		a.OutputTokens = b.OutputTokens
	}
	if b.CacheReadTokens > 0 {
		a.CacheReadTokens = b.CacheReadTokens
	}
	if b.CacheWriteTokens > 0 {
		a.CacheWriteTokens = b.CacheWriteTokens
	}
	return a
}
