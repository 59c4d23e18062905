package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/runtime"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestStore_APIKey_EnvWinsOverSettings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, GeneralSettingsFile, `{"anthropic_api_key":" file-key ","google_api_key":"g-file"}`)

	s := &Store{Dir: dir, Getenv: envFrom(map[string]string{"ANTHROPIC_API_KEY": "env-key"})}
	assert.Equal(t, "env-key", s.APIKey("anthropic"))
	assert.Equal(t, "g-file", s.APIKey("gemini"))

	s.Getenv = envFrom(map[string]string{"GEMINI_API_KEY": "gem-env"})
	assert.Equal(t, "file-key", s.APIKey("claude"))
	assert.Equal(t, "gem-env", s.APIKey("google"), "alt env var is consulted before the settings file")
	assert.Equal(t, "", s.APIKey("openai"))
	assert.Equal(t, "", s.APIKey("ollama"))

	keys := s.APIKeys()
	assert.Equal(t, map[string]string{"anthropic": "file-key", "google": "gem-env"}, keys)
}

func TestStore_MissingFilesAreEmpty(t *testing.T) {
	s := &Store{Dir: t.TempDir(), Getenv: envFrom(nil)}
	g, err := s.GeneralSettings()
	require.NoError(t, err)
	assert.Equal(t, GeneralSettings{}, g)
	ws, err := s.WebServer()
	require.NoError(t, err)
	assert.True(t, ws.NotifyEnabled("completed"))
	assert.Equal(t, "http://localhost:11434/api", s.LocalBaseURL())
}

func TestStore_LocalBaseURL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, GeneralSettingsFile, `{"ollama_host":"http://gpu-box:11434/"}`)
	s := &Store{Dir: dir, Getenv: envFrom(nil)}
	assert.Equal(t, "http://gpu-box:11434/api", s.LocalBaseURL())

	s.Getenv = envFrom(map[string]string{"HELIXMIX_LOCAL_URL": "http://other:1/api"})
	assert.Equal(t, "http://other:1/api", s.LocalBaseURL())
}

func TestWebServer_NotifyFlags(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, AppConfigFile, `{"web_server":{"discord_webhook_url":" https://discord.com/api/webhooks/1/x ","discord_notify_start":false,"discord_notify_error":false}}`)
	ws, err := (&Store{Dir: dir}).WebServer()
	require.NoError(t, err)
	assert.Equal(t, "https://discord.com/api/webhooks/1/x", ws.DiscordWebhookURL)
	assert.False(t, ws.NotifyEnabled("started"))
	assert.True(t, ws.NotifyEnabled("completed"))
	assert.False(t, ws.NotifyEnabled("error"))
	assert.False(t, ws.NotifyEnabled("timeout"), "timeout follows the error flag")
	assert.True(t, ws.NotifyEnabled("other"))
}

func TestCapabilities_LookupOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ModelCapabilitiesFile, `{
  "models": {
    "claude-opus-4-6": {"supports_adaptive_thinking": true, "adaptive_thinking_levels": ["low","high","max"]},
    "claude-sonnet-4-5": {"supports_adaptive_thinking": false}
  },
  "default_capabilities": {"supports_adaptive_thinking": false}
}`)
	caps := NewCapabilities(&Store{Dir: dir}, nil)

	assert.True(t, caps.SupportsAdaptiveThinking("claude-opus-4-6"))
	assert.True(t, caps.SupportsAdaptiveThinking("claude-opus-4-6-20260301"), "dated variant matches by prefix")
	assert.False(t, caps.SupportsAdaptiveThinking("claude-sonnet-4-5"))
	assert.False(t, caps.SupportsAdaptiveThinking("gpt-5.2"))
	assert.Equal(t, DefaultAdaptiveThinkingEnvVar, caps.AdaptiveThinkingEnvVar("claude-opus-4-6"))
	assert.Equal(t, "", caps.AdaptiveThinkingEnvVar("claude-sonnet-4-5"))
	assert.Equal(t, []string{"low", "high", "max"}, caps.AdaptiveThinkingLevels("claude-opus-4-6"))
	assert.Equal(t, []string{"low", "medium", "high"}, caps.AdaptiveThinkingLevels("gpt-5.2"))
}

func TestCapabilities_ReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ModelCapabilitiesFile, `{"models":{}}`)
	caps := NewCapabilities(&Store{Dir: dir}, nil)
	assert.False(t, caps.SupportsAdaptiveThinking("claude-x"))

	writeFile(t, dir, ModelCapabilitiesFile, `{"models":{"claude-x":{"supports_adaptive_thinking":true}}}`)
	assert.False(t, caps.SupportsAdaptiveThinking("claude-x"), "cached until reload")
	caps.Reload()
	assert.True(t, caps.SupportsAdaptiveThinking("claude-x"))
}

func TestCapabilities_WatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ModelCapabilitiesFile, `{"models":{}}`)
	caps := NewCapabilities(&Store{Dir: dir}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, caps.Watch(ctx))
	assert.False(t, caps.SupportsAdaptiveThinking("claude-w"))

	writeFile(t, dir, ModelCapabilitiesFile, `{"models":{"claude-w":{"supports_adaptive_thinking":true}}}`)
	assert.Eventually(t, func() bool { return caps.SupportsAdaptiveThinking("claude-w") }, 5*time.Second, 20*time.Millisecond)
}

func TestResolveCloudModel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, CloudModelsFile, `{"models":[
  {"name":"Claude Opus 4.6 (CLI)","model_id":"claude-opus-4-6","provider":"anthropic_cli"},
  {"name":"GPT-5.2","model_id":"gpt-5.2","provider":"openai_api"},
  {"name":"Gemini Pro","model_id":"gemini-2.5-pro","provider":"google"}
]}`)
	s := &Store{Dir: dir}

	m, err := s.ResolveCloudModel("Claude Opus 4.6 (CLI)")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-6", m.ModelID)
	assert.Equal(t, "anthropic", m.Family())
	assert.Equal(t, "cli", m.PinnedMethod())

	m, err = s.ResolveCloudModel("gpt-5.2")
	require.NoError(t, err)
	assert.Equal(t, "openai", m.Family())
	assert.Equal(t, "api", m.PinnedMethod())

	m, err = s.ResolveCloudModel("gemini-2.5-pro")
	require.NoError(t, err)
	assert.Equal(t, "google", m.Family())
	assert.Equal(t, "", m.PinnedMethod())

	m, err = s.ResolveCloudModel("claude-sonnet-4-5")
	require.NoError(t, err, "known prefixes resolve without registration")
	assert.Equal(t, "anthropic", m.Family())

	_, err = s.ResolveCloudModel("llama3:8b")
	var cfgErr *llm.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = s.ResolveCloudModel("  ")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, runtime.NoModelConfigured, cfgErr.Message)

	assert.True(t, s.IsCloudModel("GPT-5.2"))
	assert.False(t, s.IsCloudModel("gemma3:27b"))
	assert.False(t, s.IsCloudModel(""))
}

func TestLoadRunConfigFile_YAMLStrict(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "run.yaml", `
version: 1
user_prompt: build a cli
category_models:
  coding: qwen3-coder:30b
  research: gemma3:27b
config:
  reasoner_engine: claude-opus-4-6
  max_retries: 1
  phase35_model: none
`)
	cfg, err := LoadRunConfigFile(p)
	require.NoError(t, err)
	assert.Equal(t, DefaultDir, cfg.ConfigDir)
	assert.Equal(t, runtime.DefaultTimeoutSeconds, cfg.Config.TimeoutSeconds)
	assert.Equal(t, 1, cfg.Config.Retries())

	req := cfg.Request("")
	assert.Equal(t, "build a cli", req.UserPrompt)
	assert.Equal(t, "qwen3-coder:30b", req.ModelFor(runtime.CategoryCoding))
	assert.Equal(t, "override", cfg.Request("override").UserPrompt)

	bad := writeFile(t, dir, "bad.yaml", "version: 1\nunknown_field: true\n")
	_, err = LoadRunConfigFile(bad)
	require.Error(t, err)

	badCat := writeFile(t, dir, "badcat.yaml", "version: 1\ncategory_models:\n  cooking: x\n")
	_, err = LoadRunConfigFile(badCat)
	require.Error(t, err)
}

func TestLoadRunConfigFile_JSONStrict(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "run.json", `{"version":1,"config":{"reasoner_engine":"gpt-5.2"}}`)
	cfg, err := LoadRunConfigFile(p)
	require.NoError(t, err)
	assert.Equal(t, "gpt-5.2", cfg.Config.ReasonerEngine)

	p = writeFile(t, dir, "two.json", `{"version":1} {"version":1}`)
	_, err = LoadRunConfigFile(p)
	require.Error(t, err)

	p = writeFile(t, dir, "unknown.json", `{"version":1,"nope":1}`)
	_, err = LoadRunConfigFile(p)
	require.Error(t, err)
}
