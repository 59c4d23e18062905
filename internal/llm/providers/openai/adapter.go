package openai

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

type Adapter struct {
	Provider string
	APIKey   string
	BaseURL  string
	Client   *http.Client
}

func init() {
	llm.RegisterAdapterFactory("openai", func(apiKey, baseURL string) (llm.ProviderAdapter, error) {
		if strings.TrimSpace(apiKey) == "" {
			return nil, fmt.Errorf("openai api key is required")
		}
		return New(apiKey, baseURL), nil
	})
}

func New(apiKey, baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	return &Adapter{
		Provider: "openai",
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
	return "openai"
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	resp, err := a.post(ctx, a.requestBody(req, false))
	if err != nil {
		return llm.Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var raw map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return llm.Response{}, llm.NewStreamError(a.Name(), fmt.Sprintf("decode responses.create: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("responses.create failed: %v", errorMessage(raw))
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, msg, raw, ra)
	}
	return fromResponses(a.Name(), raw, req.Model), nil
}

func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	sctx, cancel := context.WithCancel(ctx)
	resp, err := a.post(sctx, a.requestBody(req, true))
	if err != nil {
		cancel()
		return nil, err
	}

	// Handle non-2xx immediately.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		var raw map[string]any
		b, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(b, &raw)
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("responses.create(stream) failed: %v", errorMessage(raw))
		cancel()
		return nil, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, msg, raw, ra)
	}

	s := llm.NewChanStream(cancel)
	s.Send(llm.StreamEvent{Type: llm.StreamEventStreamStart})

	go func() {
		defer func() {
			_ = resp.Body.Close()
			s.CloseSend()
		}()

		textID := "text_1"
		textStarted := false
		finished := false

		parseErr := llm.ParseSSE(resp.Body, func(ev llm.SSEEvent) error {
			if finished || strings.TrimSpace(ev.Data) == "" || ev.Data == "[DONE]" {
				return nil
			}
			var payload map[string]any
			dec := json.NewDecoder(strings.NewReader(ev.Data))
			dec.UseNumber()
			if err := dec.Decode(&payload); err != nil {
				return nil
			}
			typ, _ := payload["type"].(string)
			if typ == "" {
				typ = ev.Event
			}

			switch typ {
			case "response.output_text.delta":
				delta, _ := payload["delta"].(string)
				if delta == "" {
					return nil
				}
				if !textStarted {
					textStarted = true
					s.Send(llm.StreamEvent{Type: llm.StreamEventTextStart, TextID: textID})
				}
				s.Send(llm.StreamEvent{Type: llm.StreamEventTextDelta, TextID: textID, Delta: delta})
			case "response.output_item.done":
				if textStarted {
					s.Send(llm.StreamEvent{Type: llm.StreamEventTextEnd, TextID: textID})
					textStarted = false
				}
			case "response.completed":
				// Response object may be nested under "response" or be the payload itself.
				rawResp, _ := payload["response"].(map[string]any)
				if rawResp == nil {
					rawResp = payload
				}
				r := fromResponses(a.Name(), rawResp, req.Model)
				if textStarted {
					s.Send(llm.StreamEvent{Type: llm.StreamEventTextEnd, TextID: textID})
					textStarted = false
				}
				rp := r
				s.Send(llm.StreamEvent{Type: llm.StreamEventFinish, FinishReason: &r.Finish, Usage: &r.Usage, Response: &rp})
				finished = true
			case "response.failed", "error":
				msg := ev.Data
				if e, ok := payload["error"].(map[string]any); ok {
					if m, _ := e["message"].(string); m != "" {
						msg = m
					}
				} else if r, ok := payload["response"].(map[string]any); ok {
					msg = errorMessage(r)
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
				s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: llm.NewStreamError(a.Name(), "stream ended without response.completed")})
			}
		}
	}()
	return s, nil
}

func (a *Adapter) requestBody(req llm.Request, stream bool) map[string]any {
	instructions, rest := req.SplitSystem()
	input := make([]any, 0, len(rest))
	for _, m := range rest {
		partType := "input_text"
		if m.Role == llm.RoleAssistant {
			partType = "output_text"
		}
		input = append(input, map[string]any{
			"type":    "message",
			"role":    string(m.Role),
			"content": []any{map[string]any{"type": partType, "text": m.Text}},
		})
	}
	body := map[string]any{
		"model": providerspec.NativeModelID(req.Model),
		"input": input,
	}
	if stream {
		body["stream"] = true
	}
	if strings.TrimSpace(instructions) != "" {
		body["instructions"] = instructions
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		body["max_output_tokens"] = *req.MaxTokens
	}
	if effort := strings.ToLower(strings.TrimSpace(req.ReasoningEffort)); effort != "" && effort != "default" {
		body["reasoning"] = map[string]any{"effort": effort}
	}
	if ov, ok := req.ProviderOptions["openai"].(map[string]any); ok {
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
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/responses", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, llm.WrapContextError(a.Name(), err)
	}
	return resp, nil
}

func errorMessage(raw map[string]any) string {
	if raw == nil {
		return "empty error body"
	}
	if e, ok := raw["error"].(map[string]any); ok {
		if m, _ := e["message"].(string); m != "" {
			return m
		}
	}
	return fmt.Sprintf("%v", raw)
}

func fromResponses(provider string, raw map[string]any, requestedModel string) llm.Response {
	r := llm.Response{
		Provider: provider,
		Model:    requestedModel,
		Finish:   llm.FinishReason{Reason: "stop"},
	}
	if id, _ := raw["id"].(string); id != "" {
		r.ID = id
	}
	if m, _ := raw["model"].(string); m != "" {
		r.Model = m
	}

	var text strings.Builder
	// output: [{type:"message", content:[{type:"output_text", text:"..."}]}, {type:"reasoning"}, ...]
	if out, ok := raw["output"].([]any); ok {
		for _, itemAny := range out {
			item, ok := itemAny.(map[string]any)
			if !ok {
				continue
			}
			if typ, _ := item["type"].(string); typ != "message" {
				continue
			}
			content, _ := item["content"].([]any)
			for _, cAny := range content {
				c, ok := cAny.(map[string]any)
				if !ok {
					continue
				}
				if ct, _ := c["type"].(string); ct == "output_text" {
					t, _ := c["text"].(string)
					text.WriteString(t)
				}
			}
		}
	}
	r.Message = llm.Assistant(text.String())
	if status, _ := raw["status"].(string); status == "incomplete" {
		r.Finish = llm.FinishReason{Reason: "length", Raw: status}
	}
	if u, ok := raw["usage"].(map[string]any); ok {
		r.Usage = parseUsage(u)
	}
	return r
}

func parseUsage(u map[string]any) llm.Usage {
	getInt := func(v any) int {
		switch x := v.(type) {
		case json.Number:
			n, _ := x.Int64()
			return int(n)
		case float64:
			return int(x)
		case int:
			return x
		default:
			return 0
		}
	}
	usage := llm.Usage{
		InputTokens:  getInt(u["input_tokens"]),
		OutputTokens: getInt(u["output_tokens"]),
	}
	if inDetails, ok := u["input_tokens_details"].(map[string]any); ok {
		usage.CacheReadTokens = getInt(inDetails["cached_tokens"])
	}
	return usage
}
