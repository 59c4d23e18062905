// Package backend runs prompts against the cloud reasoner (CLI or HTTP API)
// and the local specialist server behind one contract.
package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/danshapiro/helixmix/internal/llm"
)

// StderrTailLimit bounds the stderr excerpt carried by BackendFailedError.
const StderrTailLimit = 500

// Call is one prompt execution.
type Call struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Timeout      time.Duration
	// WorkDir is the working directory for CLI backends; ignored when it is
	// not an existing directory.
	WorkDir string
	// Effort is the reasoning effort; "" and "default" mean unset.
	Effort string
}

type Backend interface {
	Name() string
	Execute(ctx context.Context, call Call) (string, error)
	// Stream behaves like Execute and forwards partial output to onChunk as
	// it arrives.
	Stream(ctx context.Context, call Call, onChunk func(string)) (string, error)
}

// Availability is one backend's entry in the preflight report.
type Availability struct {
	Backend   string `json:"backend"`
	Provider  string `json:"provider"`
	Method    string `json:"method"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Path      string `json:"path,omitempty"`
}

func effortSet(effort string) bool {
	e := strings.ToLower(strings.TrimSpace(effort))
	return e != "" && e != "default"
}

// withCallTimeout derives the per-call deadline. A zero timeout leaves ctx unchanged.
func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// contextFailure maps the end of a call context onto the taxonomy:
// deadline → TimeoutError, cancellation → context.Canceled.
func contextFailure(name string, cctx context.Context, timeout time.Duration) error {
	err := cctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &llm.TimeoutError{Backend: name, After: timeout}
	default:
		return err
	}
}

// tail returns at most n trailing characters of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
