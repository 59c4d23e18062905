// Package llmclient assembles an llm.Client from the configured credentials.
package llmclient

import (
	"github.com/danshapiro/helixmix/internal/config"
	"github.com/danshapiro/helixmix/internal/llm"
	_ "github.com/danshapiro/helixmix/internal/llm/providers/anthropic"
	_ "github.com/danshapiro/helixmix/internal/llm/providers/google"
	"github.com/danshapiro/helixmix/internal/llm/providers/ollama"
	_ "github.com/danshapiro/helixmix/internal/llm/providers/openai"
	"github.com/danshapiro/helixmix/internal/providerspec"
)

// New registers an adapter for every cloud provider with a key (environment
// first, then general_settings.json) plus the local inference server. Calls
// are wrapped with the single transient retry.
func New(store *config.Store) (*llm.Client, error) {
	c, err := llm.NewFromKeys(store.APIKeys(), nil)
	if err != nil {
		return nil, err
	}
	c.Register(ollama.New(store.LocalBaseURL()))
	c.Use(llm.RetryTransient(llm.DefaultTransientBackoff()))
	return c, nil
}

// Local returns the adapter for the local inference server configured in store.
func Local(store *config.Store) *ollama.Adapter {
	return ollama.New(store.LocalBaseURL())
}

// HasCloudKey reports whether a key is configured for provider.
func HasCloudKey(store *config.Store, provider string) bool {
	return store.APIKey(providerspec.CanonicalProviderKey(provider)) != ""
}
