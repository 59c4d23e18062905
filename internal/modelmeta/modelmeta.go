package modelmeta

import (
	"strings"

	"github.com/danshapiro/helixmix/internal/providerspec"
)

func NormalizeProvider(p string) string {
	return providerspec.CanonicalProviderKey(p)
}

// ProviderFromModelID returns the provider family that serves a model identifier.
func ProviderFromModelID(id string) string {
	return providerspec.ProviderForModel(id)
}

// IsLocal reports whether the model is served by the local inference server.
func IsLocal(id string) bool {
	return ProviderFromModelID(id) == providerspec.LocalProviderKey
}

// IsSentinel reports whether an optional model setting means "disabled".
func IsSentinel(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", "none", "disabled", "off", "-":
		return true
	}
	return false
}

// SanitizeForFilename replaces path and tag separators so a model id can be
// used as a file name component.
func SanitizeForFilename(id string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(strings.TrimSpace(id))
}

// BaseName returns the part of a local model tag before the first ':'.
func BaseName(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i]
	}
	return id
}

func ContainsFold(values []string, target string) bool {
	target = strings.ToLower(strings.TrimSpace(target))
	for _, v := range values {
		if strings.ToLower(strings.TrimSpace(v)) == target {
			return true
		}
	}
	return false
}
