package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danshapiro/helixmix/internal/providerspec"
)

type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[adapter.Name()] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = adapter.Name()
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = name
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Has reports whether an adapter is registered for the provider.
func (c *Client) Has(provider string) bool {
	if c == nil {
		return false
	}
	_, ok := c.providers[normalizeProviderName(provider)]
	return ok
}

func (c *Client) resolve(req Request) (ProviderAdapter, Request, error) {
	if err := req.Validate(); err != nil {
		return nil, req, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return nil, req, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return nil, req, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov
	return adapter, req, nil
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	adapter, req, err := c.resolve(req)
	if err != nil {
		return Response{}, err
	}
	base := func(ctx context.Context, req Request) (Response, error) {
		return adapter.Complete(ctx, req)
	}
	handler := applyMiddlewareComplete(base, c.middleware)
	return handler(ctx, req)
}

func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	adapter, req, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	base := func(ctx context.Context, req Request) (Stream, error) {
		return adapter.Stream(ctx, req)
	}
	handler := applyMiddlewareStream(base, c.middleware)
	return handler(ctx, req)
}

// Use appends middleware to the client. Middleware is applied in registration order
// for the request phase and in reverse order for the response/event phases.
func (c *Client) Use(mw ...Middleware) {
	if c == nil {
		return
	}
	c.middleware = append(c.middleware, mw...)
}

func normalizeProviderName(name string) string {
	return providerspec.CanonicalProviderKey(name)
}

// AdapterFactory builds a provider adapter from an API key and optional base URL.
type AdapterFactory func(apiKey, baseURL string) (ProviderAdapter, error)

var (
	factoriesMu sync.Mutex
	factories   = map[string]AdapterFactory{}
)

// RegisterAdapterFactory is called by provider packages from init.
func RegisterAdapterFactory(provider string, f AdapterFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[normalizeProviderName(provider)] = f
}

// NewFromKeys registers an adapter for every provider with a non-empty key and
// a registered factory. Providers are registered in sorted order so the default
// provider is deterministic.
func NewFromKeys(keys map[string]string, baseURLs map[string]string) (*Client, error) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	c := NewClient()
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		key := strings.TrimSpace(keys[name])
		if key == "" {
			continue
		}
		f, ok := factories[normalizeProviderName(name)]
		if !ok {
			continue
		}
		a, err := f(key, baseURLs[name])
		if err != nil {
			return nil, fmt.Errorf("%s adapter: %w", name, err)
		}
		c.Register(a)
	}
	return c, nil
}
