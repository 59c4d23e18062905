package google

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/helixmix/internal/llm"
)

func TestAdapter_Complete_SendsSystemInstructionAndParsesCandidates(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "candidates": [{"content": {"role": "model", "parts": [{"text": "Gemini says hi"}]}, "finishReason": "STOP"}],
  "usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3},
  "responseId": "r1"
}`))
	}))
	t.Cleanup(srv.Close)

	a := New("gk", srv.URL)
	a.HTTPClient = srv.Client()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := a.Complete(ctx, llm.Request{
		Model:    "google/gemini-2.5-pro",
		Messages: []llm.Message{llm.System("sys"), llm.User("hello")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "Gemini says hi" || resp.ID != "r1" {
		t.Fatalf("resp: %+v", resp)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 3 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
	if !strings.HasSuffix(gotPath, "/models/gemini-2.5-pro:generateContent") {
		t.Fatalf("path: %q", gotPath)
	}
	if gotKey != "gk" {
		t.Fatalf("api key header: %q", gotKey)
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Fatalf("systemInstruction missing: %#v", gotBody)
	}
}

func TestAdapter_Complete_AuthFailureIsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"API key not valid","status":"UNAUTHENTICATED"}}`))
	}))
	t.Cleanup(srv.Close)

	a := New("bad", srv.URL)
	a.HTTPClient = srv.Client()
	_, err := a.Complete(context.Background(), llm.Request{Model: "gemini-2.5-pro", Messages: []llm.Message{llm.User("x")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if llm.KindOf(err) != llm.KindBackendUnavailable {
		t.Fatalf("kind=%s err=%v", llm.KindOf(err), err)
	}
}

func TestToGenAI_MapsRoles(t *testing.T) {
	contents, cfg := toGenAI(llm.Request{Messages: []llm.Message{
		llm.System("s"), llm.User("u"), llm.Assistant("a"),
	}})
	if len(contents) != 2 {
		t.Fatalf("contents: %d", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Fatalf("roles: %q %q", contents[0].Role, contents[1].Role)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "s" {
		t.Fatalf("system instruction: %#v", cfg.SystemInstruction)
	}
}
