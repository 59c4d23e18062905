package backend

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/config"
	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/providerspec"
	"github.com/danshapiro/helixmix/internal/runtime"
)

// Method is how a provider is reached.
type Method string

const (
	MethodAPI         Method = "api"
	MethodCLI         Method = "cli"
	MethodLocal       Method = "local"
	MethodUnavailable Method = "unavailable"
)

// Resolution is the connection choice for one provider. Backend is nil when
// Method is MethodUnavailable, and Reason names the missing configuration.
type Resolution struct {
	Provider string
	Method   Method
	Reason   string
	Backend  Backend
}

// Route is a resolved backend together with the model id to send it.
type Route struct {
	Resolution
	Model string
}

// KeySource answers whether an API key is configured. It never touches the network.
type KeySource interface {
	APIKey(provider string) string
}

// ModelRegistry maps model names to cloud models.
type ModelRegistry interface {
	ResolveCloudModel(nameOrID string) (config.CloudModel, error)
	IsCloudModel(nameOrID string) bool
}

// Resolver picks API or CLI per provider from the connection mode, key
// presence and executable presence.
type Resolver struct {
	Keys   KeySource
	Models ModelRegistry
	// Client serves every API backend handed out by the resolver.
	Client Completer
	Exec   *ExecResolver
	Caps   AdaptiveThinking
	Local  *LocalBackend
	Log    *zap.Logger

	mu   sync.Mutex
	clis map[string]*CLIBackend
}

// NewResolver wires a resolver to a config store, which serves as both the
// key source and the model registry.
func (r *Resolver) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func NewResolver(store *config.Store, client Completer, caps AdaptiveThinking, local *LocalBackend, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		Keys:   store,
		Models: store,
		Client: client,
		Exec:   &ExecResolver{Getenv: store.Getenv},
		Caps:   caps,
		Local:  local,
		Log:    log,
	}
}

func (r *Resolver) cli(provider string) (*CLIBackend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.clis[provider]; ok {
		return b, b != nil
	}
	if r.Exec == nil {
		r.Exec = &ExecResolver{}
	}
	b, ok := NewCLI(provider, r.Exec, r.Caps, r.log())
	if r.clis == nil {
		r.clis = map[string]*CLIBackend{}
	}
	r.clis[provider] = b
	return b, ok
}

func (r *Resolver) apiKey(provider string) string {
	if r.Keys == nil {
		return ""
	}
	return strings.TrimSpace(r.Keys.APIKey(provider))
}

func (r *Resolver) api(provider string) Backend {
	return NewAPI(provider, r.Client, config.KeyHint(provider), r.log())
}

// Resolve applies the connection decision tree for one provider:
//
//	cli_only: CLI if usable, else unavailable
//	api_only: API if a key is present, else unavailable
//	auto:     API if a key is present, else CLI if usable, else unavailable
//
// Local providers always resolve to the local backend.
func (r *Resolver) Resolve(provider string, mode runtime.ConnectionMode) Resolution {
	provider = providerspec.CanonicalProviderKey(provider)
	res := Resolution{Provider: provider, Method: MethodUnavailable}
	spec, ok := providerspec.Builtin(provider)
	if !ok {
		res.Reason = fmt.Sprintf("unknown provider %q", provider)
		return res
	}
	if spec.Local {
		if r.Local == nil {
			res.Reason = "local inference server is not configured"
			return res
		}
		res.Method = MethodLocal
		res.Backend = r.Local
		return res
	}

	tryCLI := func() (Backend, string) {
		b, ok := r.cli(provider)
		if !ok {
			return nil, fmt.Sprintf("%s has no CLI backend", provider)
		}
		a := b.Availability()
		if !a.Available {
			return nil, a.Reason
		}
		return b, ""
	}
	tryAPI := func() (Backend, string) {
		if r.apiKey(provider) == "" {
			return nil, "no API key: " + config.KeyHint(provider)
		}
		if r.Client == nil {
			return nil, "no API client configured"
		}
		return r.api(provider), ""
	}

	switch mode {
	case runtime.ConnectionCLIOnly:
		if b, why := tryCLI(); b != nil {
			res.Method, res.Backend = MethodCLI, b
		} else {
			res.Reason = why
		}
	case runtime.ConnectionAPIOnly:
		if b, why := tryAPI(); b != nil {
			res.Method, res.Backend = MethodAPI, b
		} else {
			res.Reason = why
		}
	default:
		b, apiWhy := tryAPI()
		if b != nil {
			res.Method, res.Backend = MethodAPI, b
			break
		}
		b, cliWhy := tryCLI()
		if b != nil {
			res.Method, res.Backend = MethodCLI, b
			break
		}
		res.Reason = apiWhy + "; " + cliWhy
	}
	return res
}

// Reasoner resolves the cloud reasoner for a model name. Unknown models and
// unavailable providers are errors; there is no fallback to another model.
func (r *Resolver) Reasoner(model string, cfg runtime.Configuration) (Route, error) {
	if strings.TrimSpace(model) == "" {
		return Route{}, &llm.ConfigurationError{Message: runtime.NoModelConfigured}
	}
	if r.Models == nil {
		return Route{}, &llm.ConfigurationError{Message: "no model registry configured"}
	}
	cm, err := r.Models.ResolveCloudModel(model)
	if err != nil {
		return Route{}, err
	}
	mode := cfg.ConnectionModeFor(cm.Family())
	switch cm.PinnedMethod() {
	case "api":
		mode = runtime.ConnectionAPIOnly
	case "cli":
		mode = runtime.ConnectionCLIOnly
	}
	res := r.Resolve(cm.Family(), mode)
	r.log().Debug("reasoner resolved",
		zap.String("model", model),
		zap.String("provider", res.Provider),
		zap.String("method", string(res.Method)),
		zap.String("mode", string(mode)),
	)
	if res.Method == MethodUnavailable {
		return Route{}, &llm.BackendUnavailableError{Backend: res.Provider, Reason: res.Reason}
	}
	return Route{Resolution: res, Model: cm.ModelID}, nil
}

// Specialist resolves a Phase 2 model. Local models go to the local server;
// a cloud model assigned to a category is served like a reasoner.
func (r *Resolver) Specialist(model string, cfg runtime.Configuration) (Route, error) {
	if r.Models != nil && r.Models.IsCloudModel(model) {
		return r.Reasoner(model, cfg)
	}
	res := r.Resolve(providerspec.LocalProviderKey, runtime.ConnectionAuto)
	if res.Method == MethodUnavailable {
		return Route{}, &llm.BackendUnavailableError{Backend: "local", Reason: res.Reason}
	}
	return Route{Resolution: res, Model: model}, nil
}
