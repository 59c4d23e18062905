package llmclient

import (
	"testing"

	"github.com/danshapiro/helixmix/internal/config"
)

func TestNew_RegistersKeyedProvidersAndLocal(t *testing.T) {
	store := &config.Store{Dir: t.TempDir(), Getenv: func(k string) string {
		if k == "OPENAI_API_KEY" {
			return "sk-test"
		}
		return ""
	}}
	c, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !c.Has("openai") {
		t.Fatalf("openai adapter not registered: %v", c.ProviderNames())
	}
	if !c.Has("ollama") {
		t.Fatalf("local adapter not registered: %v", c.ProviderNames())
	}
	if c.Has("anthropic") || c.Has("google") {
		t.Fatalf("providers without keys must not be registered: %v", c.ProviderNames())
	}
	if !HasCloudKey(store, "gpt") || HasCloudKey(store, "claude") {
		t.Fatal("HasCloudKey mismatch")
	}
}
