package engine

import (
	"context"

	"github.com/danshapiro/helixmix/internal/backend"
	"github.com/danshapiro/helixmix/internal/notify"
	"github.com/danshapiro/helixmix/internal/runtime"
)

// Router resolves the backends for the reasoner phases and for Phase 2
// specialists. *backend.Resolver implements it.
type Router interface {
	Reasoner(model string, cfg runtime.Configuration) (backend.Route, error)
	Specialist(model string, cfg runtime.Configuration) (backend.Route, error)
}

// MemoryProvider supplies retrieved memory for prompts and records finished
// runs.
type MemoryProvider interface {
	ContextFor(ctx context.Context, prompt string) (string, error)
	Record(ctx context.Context, prompt, answer string) error
}

// ProjectContextProvider supplies the project context block.
type ProjectContextProvider interface {
	ProjectContext(ctx context.Context, projectDir string) (string, error)
}

// BibleManager maintains the project context document after a run.
type BibleManager interface {
	AfterRun(ctx context.Context, projectDir, prompt, answer string) error
}

// Notifier sends terminal-state notifications. *notify.Notifier implements it.
type Notifier interface {
	Notify(m notify.Message) bool
}

// URLFetcher turns URLs in the user prompt into a <url_contents> block.
// *prompt.Fetcher implements it.
type URLFetcher interface {
	URLContents(ctx context.Context, prompt string) string
}
