package server

import (
	"time"

	"github.com/danshapiro/helixmix/internal/runtime"
)

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	// Prompt is the user request. It overrides the config file's user_prompt.
	Prompt string `json:"prompt,omitempty"`

	// ConfigPath is a run config file (YAML or JSON). When empty, Config,
	// CategoryModels and AttachedPaths are used as given.
	ConfigPath string `json:"config_path,omitempty"`

	Config         runtime.Configuration `json:"config,omitempty"`
	CategoryModels map[string]string     `json:"category_models,omitempty"`
	AttachedPaths  []string              `json:"attached_paths,omitempty"`

	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`
}

// RunStatus is returned by GET /runs/{id}.
type RunStatus struct {
	RunID         string     `json:"run_id"`
	State         string     `json:"state"`
	Phase         string     `json:"phase,omitempty"`
	LastEvent     string     `json:"last_event,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	SessionDir    string     `json:"session_dir,omitempty"`
	FinalAnswer   string     `json:"final_answer,omitempty"`
	Retries       int        `json:"retries,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
