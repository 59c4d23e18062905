// Package config reads the JSON settings files under the config directory.
// Files are read at call time so edits take effect on the next run.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/danshapiro/helixmix/internal/providerspec"
)

const (
	GeneralSettingsFile   = "general_settings.json"
	AppConfigFile         = "config.json"
	ModelCapabilitiesFile = "model_capabilities.json"
	CloudModelsFile       = "cloud_models.json"

	DefaultDir = "config"
)

// Store locates the settings files. The zero value reads from ./config.
type Store struct {
	Dir string
	// Getenv is os.Getenv unless overridden in tests.
	Getenv func(string) string
}

func NewStore(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	return &Store{Dir: dir}
}

func (s *Store) path(name string) string {
	dir := DefaultDir
	if s != nil && strings.TrimSpace(s.Dir) != "" {
		dir = s.Dir
	}
	return filepath.Join(dir, name)
}

func (s *Store) getenv(k string) string {
	if s != nil && s.Getenv != nil {
		return s.Getenv(k)
	}
	return os.Getenv(k)
}

// readJSON decodes a settings file into v. A missing file leaves v untouched
// and is not an error.
func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// GeneralSettings mirrors config/general_settings.json. Unknown keys are ignored.
type GeneralSettings struct {
	AnthropicAPIKey string `json:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key"`
	GoogleAPIKey    string `json:"google_api_key"`
	OllamaHost      string `json:"ollama_host"`
	TimeoutMinutes  int    `json:"timeout_minutes"`
}

func (g GeneralSettings) keyFor(settingsKey string) string {
	switch settingsKey {
	case "anthropic_api_key":
		return g.AnthropicAPIKey
	case "openai_api_key":
		return g.OpenAIAPIKey
	case "google_api_key":
		return g.GoogleAPIKey
	}
	return ""
}

func (s *Store) GeneralSettings() (GeneralSettings, error) {
	var g GeneralSettings
	err := readJSON(s.path(GeneralSettingsFile), &g)
	return g, err
}

// APIKey returns the key for a provider. Environment variables take precedence
// over general_settings.json. A provider without an API surface has no key.
func (s *Store) APIKey(provider string) string {
	spec, ok := providerspec.Builtin(provider)
	if !ok || spec.API == nil {
		return ""
	}
	envs := append([]string{spec.API.DefaultAPIKeyEnv}, spec.API.AltAPIKeyEnvs...)
	for _, env := range envs {
		if env == "" {
			continue
		}
		if v := strings.TrimSpace(s.getenv(env)); v != "" {
			return v
		}
	}
	if spec.API.SettingsKey == "" {
		return ""
	}
	g, err := s.GeneralSettings()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(g.keyFor(spec.API.SettingsKey))
}

// APIKeys returns the keys of every cloud provider, keyed by canonical provider name.
func (s *Store) APIKeys() map[string]string {
	out := map[string]string{}
	for _, p := range providerspec.CloudProviders() {
		if k := s.APIKey(p); k != "" {
			out[p] = k
		}
	}
	return out
}

// KeyHint tells the user where an API key for provider can be configured.
func KeyHint(provider string) string {
	spec, ok := providerspec.Builtin(provider)
	if !ok || spec.API == nil {
		return ""
	}
	return fmt.Sprintf("set %s in %s/%s or %s", spec.API.SettingsKey, DefaultDir, GeneralSettingsFile, spec.API.DefaultAPIKeyEnv)
}

// LocalBaseURL returns the local inference server API base. HELIXMIX_LOCAL_URL
// wins over general_settings.json ollama_host; the host form is given the /api suffix.
func (s *Store) LocalBaseURL() string {
	host := strings.TrimSpace(s.getenv("HELIXMIX_LOCAL_URL"))
	if host == "" {
		if g, err := s.GeneralSettings(); err == nil {
			host = strings.TrimSpace(g.OllamaHost)
		}
	}
	if host == "" {
		spec, _ := providerspec.Builtin(providerspec.LocalProviderKey)
		return spec.API.DefaultBaseURL
	}
	host = strings.TrimRight(host, "/")
	if !strings.HasSuffix(host, "/api") {
		host += "/api"
	}
	return host
}

// WebServer mirrors the web_server section of config/config.json.
type WebServer struct {
	DiscordWebhookURL     string `json:"discord_webhook_url"`
	DiscordNotifyStart    *bool  `json:"discord_notify_start"`
	DiscordNotifyComplete *bool  `json:"discord_notify_complete"`
	DiscordNotifyError    *bool  `json:"discord_notify_error"`
}

// NotifyEnabled reports whether a status should be sent. Unset flags default
// to true; timeout follows the error flag.
func (w WebServer) NotifyEnabled(status string) bool {
	var flag *bool
	switch status {
	case "started":
		flag = w.DiscordNotifyStart
	case "completed":
		flag = w.DiscordNotifyComplete
	case "error", "timeout":
		flag = w.DiscordNotifyError
	}
	return flag == nil || *flag
}

func (s *Store) WebServer() (WebServer, error) {
	var doc struct {
		WebServer WebServer `json:"web_server"`
	}
	err := readJSON(s.path(AppConfigFile), &doc)
	doc.WebServer.DiscordWebhookURL = strings.TrimSpace(doc.WebServer.DiscordWebhookURL)
	return doc.WebServer, err
}
