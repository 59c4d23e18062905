// Package ollama talks to a local inference server speaking the Ollama HTTP API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/providerspec"
)

const (
	// KeepAlive lets the server unload a model soon after use so the next
	// specialist can load.
	KeepAlive = "1m"

	ProbeTimeout = 10 * time.Second

	// ColdStartTimeout bounds the wait for response headers, which arrive
	// once the server has loaded the model.
	ColdStartTimeout = 3 * time.Minute
	dialTimeout      = 5 * time.Second
)

type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Details    struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

type Adapter struct {
	BaseURL string
	Client  *http.Client
}

func init() {
	llm.RegisterAdapterFactory(providerspec.LocalProviderKey, func(_ string, baseURL string) (llm.ProviderAdapter, error) {
		return New(baseURL), nil
	})
}

func New(baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		if spec, ok := providerspec.Builtin(providerspec.LocalProviderKey); ok {
			base = spec.API.DefaultBaseURL
		}
	}
	return &Adapter{BaseURL: base, Client: newClient()}
}

// newClient has no overall timeout: generation runs as long as the caller's
// context allows.
func newClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			ResponseHeaderTimeout: ColdStartTimeout,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
		},
	}
}

func (a *Adapter) Name() string { return providerspec.LocalProviderKey }

func (a *Adapter) httpClient() *http.Client {
	if a.Client == nil {
		a.Client = newClient()
	}
	return a.Client
}

// Tags lists the models installed on the server.
func (a *Adapter) Tags(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, a.transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, "tags: "+strings.TrimSpace(string(b)), nil, nil)
	}
	var body struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return body.Models, nil
}

// HasModel reports whether model is installed. A name without a tag matches
// any installed tag of the same base name.
func (a *Adapter) HasModel(ctx context.Context, model string) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	models, err := a.Tags(pctx)
	if err != nil {
		return false, err
	}
	return MatchModel(models, model), nil
}

func MatchModel(models []ModelInfo, model string) bool {
	model = strings.TrimSpace(model)
	if model == "" {
		return false
	}
	base, _, _ := strings.Cut(model, ":")
	for _, m := range models {
		if m.Name == model {
			return true
		}
	}
	for _, m := range models {
		if strings.HasPrefix(m.Name, base) {
			return true
		}
	}
	return false
}

// Ping reports whether the server answers /tags.
func (a *Adapter) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.Tags(pctx)
	return err
}

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive"`
	Options   map[string]any `json:"options,omitempty"`
}

type generateChunk struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := a.generate(ctx, req, false)
	if err != nil {
		return llm.Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	var chunk generateChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return llm.Response{}, a.transportError(ctx, fmt.Errorf("decode generate: %w", err))
	}
	if chunk.Error != "" {
		return llm.Response{}, &llm.BackendFailedError{Backend: a.Name(), Message: chunk.Error}
	}
	return a.toResponse(req.Model, chunk, chunk.Response), nil
}

func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	resp, err := a.generate(sctx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}
	s := llm.NewChanStream(cancel)
	s.Send(llm.StreamEvent{Type: llm.StreamEventStreamStart})
	go func() {
		defer func() {
			_ = resp.Body.Close()
			s.CloseSend()
		}()
		const textID = "text_1"
		var text strings.Builder
		started := false
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk generateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: &llm.BackendFailedError{Backend: a.Name(), Message: chunk.Error}})
				return
			}
			if chunk.Response != "" {
				if !started {
					started = true
					s.Send(llm.StreamEvent{Type: llm.StreamEventTextStart, TextID: textID})
				}
				text.WriteString(chunk.Response)
				s.Send(llm.StreamEvent{Type: llm.StreamEventTextDelta, TextID: textID, Delta: chunk.Response})
			}
			if chunk.Done {
				if started {
					s.Send(llm.StreamEvent{Type: llm.StreamEventTextEnd, TextID: textID})
				}
				r := a.toResponse(req.Model, chunk, text.String())
				rp := r
				s.Send(llm.StreamEvent{Type: llm.StreamEventFinish, FinishReason: &r.Finish, Usage: &r.Usage, Response: &rp})
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = errors.New("stream ended before done")
		}
		s.Send(llm.StreamEvent{Type: llm.StreamEventError, Err: a.transportError(sctx, err)})
	}()
	return s, nil
}

func (a *Adapter) generate(ctx context.Context, req llm.Request, stream bool) (*http.Response, error) {
	system, rest := req.SplitSystem()
	var prompt strings.Builder
	for i, m := range rest {
		if i > 0 {
			prompt.WriteString("\n\n")
		}
		prompt.WriteString(m.Text)
	}
	body := generateRequest{
		Model:     providerspec.NativeModelID(req.Model),
		Prompt:    prompt.String(),
		System:    system,
		Stream:    stream,
		KeepAlive: KeepAlive,
	}
	if req.Temperature != nil {
		body.Options = map[string]any{"temperature": *req.Temperature}
	}
	if ov, ok := req.ProviderOptions[providerspec.LocalProviderKey].(map[string]any); ok {
		if body.Options == nil {
			body.Options = map[string]any{}
		}
		for k, v := range ov {
			body.Options[k] = v
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/generate", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient().Do(httpReq)
	if err != nil {
		return nil, a.transportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if resp.StatusCode == http.StatusNotFound {
			return nil, &llm.BackendFailedError{Backend: a.Name(), Message: fmt.Sprintf("HTTP 404: %s", msg)}
		}
		return nil, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg), nil, nil)
	}
	return resp, nil
}

func (a *Adapter) toResponse(requested string, chunk generateChunk, text string) llm.Response {
	r := llm.Response{
		Provider: a.Name(),
		Model:    requested,
		Message:  llm.Assistant(text),
		Finish:   llm.FinishReason{Reason: "stop", Raw: chunk.DoneReason},
		Usage:    llm.Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount},
	}
	if chunk.DoneReason == "length" {
		r.Finish.Reason = "length"
	}
	return r
}

// transportError maps dial failures to BackendUnavailable so callers can tell
// "server not running" apart from a failed generation.
func (a *Adapter) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return llm.WrapContextError(a.Name(), ctx.Err())
	}
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused") {
		return &llm.BackendUnavailableError{
			Backend: a.Name(),
			Reason:  fmt.Sprintf("local server not reachable at %s; is it running?", a.BaseURL),
			Err:     err,
		}
	}
	return llm.WrapContextError(a.Name(), err)
}
