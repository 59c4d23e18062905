package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/providerspec"
	"github.com/danshapiro/helixmix/internal/runtime"
)

// CloudModel is one entry of cloud_models.json. Provider is either a provider
// family ("anthropic") or a family pinned to a connection method
// ("anthropic_api", "openai_cli").
type CloudModel struct {
	Name     string `json:"name"`
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
}

// Family returns the canonical provider key of the entry.
func (m CloudModel) Family() string {
	fam, _ := splitProvider(m.Provider)
	return fam
}

// PinnedMethod returns "api", "cli" or "" when the entry leaves the choice to
// the connection mode.
func (m CloudModel) PinnedMethod() string {
	_, method := splitProvider(m.Provider)
	return method
}

func splitProvider(p string) (string, string) {
	p = strings.ToLower(strings.TrimSpace(p))
	for _, suffix := range []string{"_api", "_cli"} {
		if strings.HasSuffix(p, suffix) {
			return providerspec.CanonicalProviderKey(strings.TrimSuffix(p, suffix)), strings.TrimPrefix(suffix, "_")
		}
	}
	return providerspec.CanonicalProviderKey(p), ""
}

func (s *Store) CloudModels() ([]CloudModel, error) {
	var doc struct {
		Models []CloudModel `json:"models"`
	}
	if err := readJSON(s.path(CloudModelsFile), &doc); err != nil {
		return nil, err
	}
	return doc.Models, nil
}

// ResolveCloudModel maps a display name or model identifier to a registered
// cloud model. Unregistered identifiers with a known cloud prefix resolve to
// an implicit entry; anything else is a ConfigurationError.
func (s *Store) ResolveCloudModel(nameOrID string) (CloudModel, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return CloudModel{}, &llm.ConfigurationError{Message: runtime.NoModelConfigured}
	}
	models, err := s.CloudModels()
	if err != nil {
		return CloudModel{}, &llm.ConfigurationError{Message: fmt.Sprintf("read %s: %v", CloudModelsFile, err)}
	}
	for _, m := range models {
		if m.Name == nameOrID || m.ModelID == nameOrID {
			if strings.TrimSpace(m.ModelID) == "" {
				m.ModelID = m.Name
			}
			if m.Family() == "" {
				m.Provider = providerspec.ProviderForModel(m.ModelID)
			}
			return m, nil
		}
	}
	if fam := providerspec.ProviderForModel(nameOrID); fam != providerspec.LocalProviderKey {
		return CloudModel{Name: nameOrID, ModelID: providerspec.NativeModelID(nameOrID), Provider: fam}, nil
	}
	return CloudModel{}, &llm.ConfigurationError{Message: fmt.Sprintf("unknown cloud model %q: register it in %s/%s", nameOrID, DefaultDir, CloudModelsFile)}
}

// IsCloudModel reports whether a specialist assignment names a cloud model
// rather than a local one.
func (s *Store) IsCloudModel(nameOrID string) bool {
	if strings.TrimSpace(nameOrID) == "" {
		return false
	}
	models, _ := s.CloudModels()
	for _, m := range models {
		if m.Name == nameOrID || m.ModelID == nameOrID {
			return true
		}
	}
	return providerspec.ProviderForModel(nameOrID) != providerspec.LocalProviderKey
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
