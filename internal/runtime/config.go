package runtime

import (
	"fmt"
	"strings"

	"github.com/danshapiro/helixmix/internal/llm"
)

const (
	DefaultTimeoutSeconds = 600
	DefaultMaxRetries     = 2
	MaxMaxRetries         = 5

	// NoModelConfigured is the message of the ConfigurationError raised when no
	// reasoner engine is set.
	NoModelConfigured = "no model configured"
)

type ConnectionMode string

const (
	ConnectionAuto    ConnectionMode = "auto"
	ConnectionAPIOnly ConnectionMode = "api_only"
	ConnectionCLIOnly ConnectionMode = "cli_only"
)

func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ConnectionAuto, nil
	case "api_only", "api":
		return ConnectionAPIOnly, nil
	case "cli_only", "cli":
		return ConnectionCLIOnly, nil
	default:
		return "", fmt.Errorf("invalid connection mode: %q", s)
	}
}

type SearchMode string

const (
	SearchNone       SearchMode = "none"
	SearchWebEnabled SearchMode = "web_search_enabled"
	SearchBrowserUse SearchMode = "browser_use"
)

var reasoningEfforts = []string{"default", "minimal", "low", "medium", "high", "xhigh"}

// Configuration holds the per-run options.
type Configuration struct {
	ReasonerEngine     string                    `json:"reasoner_engine" yaml:"reasoner_engine"`
	TimeoutSeconds     int                       `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries         *int                      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	ProjectDir         string                    `json:"project_dir,omitempty" yaml:"project_dir,omitempty"`
	GPTReasoningEffort string                    `json:"gpt_reasoning_effort,omitempty" yaml:"gpt_reasoning_effort,omitempty"`
	Phase35Model       string                    `json:"phase35_model,omitempty" yaml:"phase35_model,omitempty"`
	Phase4Model        string                    `json:"phase4_model,omitempty" yaml:"phase4_model,omitempty"`
	SearchMode         SearchMode                `json:"search_mode,omitempty" yaml:"search_mode,omitempty"`
	BrowserUseEnabled  bool                      `json:"browser_use_enabled,omitempty" yaml:"browser_use_enabled,omitempty"`
	ConnectionMode     ConnectionMode            `json:"connection_mode,omitempty" yaml:"connection_mode,omitempty"`
	ConnectionModes    map[string]ConnectionMode `json:"connection_mode_per_provider,omitempty" yaml:"connection_mode_per_provider,omitempty"`
	BibleAutoManage    bool                      `json:"bible_auto_manage,omitempty" yaml:"bible_auto_manage,omitempty"`
	AppVersion         string                    `json:"app_version,omitempty" yaml:"app_version,omitempty"`
}

// ApplyDefaults fills unset options with their documented defaults.
func (c *Configuration) ApplyDefaults() {
	c.ReasonerEngine = strings.TrimSpace(c.ReasonerEngine)
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.MaxRetries == nil {
		n := DefaultMaxRetries
		c.MaxRetries = &n
	}
	if strings.TrimSpace(c.GPTReasoningEffort) == "" {
		c.GPTReasoningEffort = "default"
	}
	if c.SearchMode == "" {
		c.SearchMode = SearchNone
	}
	if c.ConnectionMode == "" {
		c.ConnectionMode = ConnectionAuto
	}
}

// Retries returns the effective retry bound.
func (c Configuration) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// URLFetchEnabled reports whether fetched URL contents are added to the Phase 1 prompt.
func (c Configuration) URLFetchEnabled() bool {
	return c.SearchMode == SearchBrowserUse || c.BrowserUseEnabled
}

// ConnectionModeFor returns the connection mode for a provider, honouring per-provider overrides.
func (c Configuration) ConnectionModeFor(provider string) ConnectionMode {
	if m, ok := c.ConnectionModes[strings.ToLower(strings.TrimSpace(provider))]; ok && m != "" {
		return m
	}
	if c.ConnectionMode == "" {
		return ConnectionAuto
	}
	return c.ConnectionMode
}

// Validate checks the configuration. An empty reasoner engine is reported as
// a ConfigurationError with the message "no model configured".
func (c Configuration) Validate() error {
	if strings.TrimSpace(c.ReasonerEngine) == "" {
		return &llm.ConfigurationError{Message: NoModelConfigured}
	}
	if c.TimeoutSeconds < 0 {
		return &llm.ConfigurationError{Message: fmt.Sprintf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)}
	}
	if r := c.Retries(); r < 0 || r > MaxMaxRetries {
		return &llm.ConfigurationError{Message: fmt.Sprintf("max_retries must be in [0,%d], got %d", MaxMaxRetries, r)}
	}
	if e := strings.TrimSpace(c.GPTReasoningEffort); e != "" && !containsString(reasoningEfforts, e) {
		return &llm.ConfigurationError{Message: fmt.Sprintf("invalid gpt_reasoning_effort: %q", e)}
	}
	switch c.SearchMode {
	case "", SearchNone, SearchWebEnabled, SearchBrowserUse:
	default:
		return &llm.ConfigurationError{Message: fmt.Sprintf("invalid search_mode: %q", c.SearchMode)}
	}
	if c.ConnectionMode != "" {
		if _, err := ParseConnectionMode(string(c.ConnectionMode)); err != nil {
			return &llm.ConfigurationError{Message: err.Error()}
		}
	}
	for p, m := range c.ConnectionModes {
		if _, err := ParseConnectionMode(string(m)); err != nil {
			return &llm.ConfigurationError{Message: fmt.Sprintf("provider %s: %v", p, err)}
		}
	}
	return nil
}

// Request is the immutable input of one run. RunID is optional; a ULID is
// generated when it is empty.
type Request struct {
	RunID           string              `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	UserPrompt      string              `json:"user_prompt" yaml:"user_prompt"`
	AttachedPaths   []string            `json:"attached_paths,omitempty" yaml:"attached_paths,omitempty"`
	CategoryToModel map[Category]string `json:"category_to_model,omitempty" yaml:"category_to_model,omitempty"`
	Config          Configuration       `json:"config" yaml:"config"`
}

// ModelFor returns the specialist assigned to a category, or "".
func (r Request) ModelFor(c Category) string {
	return strings.TrimSpace(r.CategoryToModel[c])
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
