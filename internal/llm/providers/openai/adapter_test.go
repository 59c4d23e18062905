package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danshapiro/helixmix/internal/llm"
)

func TestAdapter_Complete_MapsInstructionsAndReasoningEffort(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "id": "resp_1",
  "model": "gpt-5.2",
  "status": "completed",
  "output": [
    {"type": "reasoning", "summary": []},
    {"type": "message", "content": [{"type": "output_text", "text": "Hi there"}]}
  ],
  "usage": {"input_tokens": 10, "output_tokens": 3, "input_tokens_details": {"cached_tokens": 4}}
}`))
	}))
	t.Cleanup(srv.Close)

	a := New("k", srv.URL)
	a.Client = srv.Client()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := a.Complete(ctx, llm.Request{
		Model:           "gpt-5.2",
		Messages:        []llm.Message{llm.System("be brief"), llm.User("hello")},
		ReasoningEffort: "High",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "Hi there" {
		t.Fatalf("text: %q", resp.Text())
	}
	if resp.Usage.CacheReadTokens != 4 || resp.Usage.InputTokens != 10 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if gotBody["instructions"] != "be brief" {
		t.Fatalf("instructions: %#v", gotBody["instructions"])
	}
	reasoning, _ := gotBody["reasoning"].(map[string]any)
	if reasoning["effort"] != "high" {
		t.Fatalf("reasoning: %#v", gotBody["reasoning"])
	}
}

func TestAdapter_Complete_DefaultEffortIsOmitted(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_, _ = w.Write([]byte(`{"output":[]}`))
	}))
	t.Cleanup(srv.Close)

	a := New("k", srv.URL)
	if _, err := a.Complete(context.Background(), llm.Request{Model: "gpt-5.2", Messages: []llm.Message{llm.User("x")}, ReasoningEffort: "default"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, ok := gotBody["reasoning"]; ok {
		t.Fatalf("reasoning should be omitted: %#v", gotBody)
	}
}

func TestAdapter_Complete_ServerErrorIsBackendFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	t.Cleanup(srv.Close)

	a := New("k", srv.URL)
	_, err := a.Complete(context.Background(), llm.Request{Model: "gpt-5.2", Messages: []llm.Message{llm.User("x")}})
	if llm.KindOf(err) != llm.KindBackendFailed {
		t.Fatalf("kind=%s err=%v", llm.KindOf(err), err)
	}
}

func TestAdapter_Stream_TextDeltasAndCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f, _ := w.(http.Flusher)
		send := func(data string) {
			_, _ = io.WriteString(w, "data: "+data+"\n\n")
			if f != nil {
				f.Flush()
			}
		}
		send(`{"type":"response.output_text.delta","delta":"a"}`)
		send(`{"type":"response.output_text.delta","delta":"b"}`)
		send(`{"type":"response.completed","response":{"output":[{"type":"message","content":[{"type":"output_text","text":"ab"}]}]}}`)
		send(`[DONE]`)
	}))
	t.Cleanup(srv.Close)

	a := New("k", srv.URL)
	st, err := a.Stream(context.Background(), llm.Request{Model: "gpt-5.2", Messages: []llm.Message{llm.User("x")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	text, err := llm.CollectText(st, nil)
	if err != nil {
		t.Fatalf("CollectText: %v", err)
	}
	if text != "ab" {
		t.Fatalf("text=%q", text)
	}
}
