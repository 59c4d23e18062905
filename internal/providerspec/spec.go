package providerspec

import (
	"strings"
	"sync"
)

type APIProtocol string

const (
	ProtocolOpenAIResponses       APIProtocol = "openai_responses"
	ProtocolAnthropicMessages     APIProtocol = "anthropic_messages"
	ProtocolGoogleGenerateContent APIProtocol = "google_generate_content"
	ProtocolLocalGenerate         APIProtocol = "local_generate"
)

type APISpec struct {
	Protocol         APIProtocol
	DefaultBaseURL   string
	DefaultPath      string
	DefaultAPIKeyEnv string
	// AltAPIKeyEnvs are consulted, in order, when DefaultAPIKeyEnv is unset.
	AltAPIKeyEnvs []string
	// SettingsKey names the key in config/general_settings.json holding the API key.
	SettingsKey string
}

type CLISpec struct {
	DefaultExecutable  string
	PathEnv            string
	InvocationTemplate []string
	PromptMode         string
	VersionArgs        []string
	InstallHint        string
}

type Spec struct {
	Key     string
	Aliases []string
	API     *APISpec
	CLI     *CLISpec
	// ModelPrefixes select this provider for a bare model identifier.
	ModelPrefixes []string
	// Local marks providers served by the local inference server.
	Local bool
}

var (
	providerAliasOnce  sync.Once
	providerAliasIndex map[string]string
)

func providerAliases() map[string]string {
	providerAliasOnce.Do(func() {
		providerAliasIndex = providerAliasIndexFromBuiltins(Builtins())
	})
	return providerAliasIndex
}

func providerAliasIndexFromBuiltins(specs map[string]Spec) map[string]string {
	out := map[string]string{}
	for rawKey, spec := range specs {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		out[key] = key
		for _, rawAlias := range spec.Aliases {
			alias := strings.ToLower(strings.TrimSpace(rawAlias))
			if alias != "" {
				out[alias] = key
			}
		}
	}
	return out
}

func CanonicalProviderKey(in string) string {
	key := strings.ToLower(strings.TrimSpace(in))
	if key == "" {
		return ""
	}
	if canonical, ok := providerAliases()[key]; ok {
		return canonical
	}
	return key
}

// ProviderForModel maps a model identifier to a provider key. Identifiers of the
// form "<provider>/<model>" name their provider explicitly; otherwise the builtin
// model prefixes decide. Identifiers matching no cloud family belong to the local
// inference server.
func ProviderForModel(modelID string) string {
	id := strings.ToLower(strings.TrimSpace(modelID))
	if id == "" {
		return ""
	}
	if prov, _, ok := strings.Cut(id, "/"); ok {
		if _, known := builtinSpecs[CanonicalProviderKey(prov)]; known {
			return CanonicalProviderKey(prov)
		}
	}
	best, bestLen := "", 0
	for key, spec := range builtinSpecs {
		for _, p := range spec.ModelPrefixes {
			if strings.HasPrefix(id, p) && len(p) > bestLen {
				best, bestLen = key, len(p)
			}
		}
	}
	if best != "" {
		return best
	}
	return LocalProviderKey
}

// NativeModelID strips an explicit "<provider>/" qualifier.
func NativeModelID(modelID string) string {
	id := strings.TrimSpace(modelID)
	if prov, rest, ok := strings.Cut(id, "/"); ok {
		if _, known := builtinSpecs[CanonicalProviderKey(prov)]; known {
			return rest
		}
	}
	return id
}
