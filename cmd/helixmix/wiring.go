package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/backend"
	"github.com/danshapiro/helixmix/internal/config"
	"github.com/danshapiro/helixmix/internal/engine"
	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/llmclient"
	"github.com/danshapiro/helixmix/internal/notify"
	"github.com/danshapiro/helixmix/internal/prompt"
)

// BibleFile is the project context document read from the project directory.
const BibleFile = "BIBLE.md"

// services is everything an engine needs that outlives a single run.
type services struct {
	store    *config.Store
	caps     *config.Capabilities
	local    *backend.LocalBackend
	resolver *backend.Resolver
	notifier *notify.Notifier
	fetcher  *prompt.Fetcher
	log      *zap.Logger
}

// newServices wires the settings store, provider clients and backends.
// localURL, when set, overrides HELIXMIX_LOCAL_URL and general_settings.json.
func newServices(configDir, localURL string, log *zap.Logger) (*services, error) {
	store := config.NewStore(configDir)
	if u := strings.TrimSpace(localURL); u != "" {
		store.Getenv = func(k string) string {
			if k == "HELIXMIX_LOCAL_URL" {
				return u
			}
			return os.Getenv(k)
		}
	}
	client, err := llmclient.New(store)
	if err != nil {
		return nil, err
	}
	caps := config.NewCapabilities(store, log)
	local := backend.NewLocal(store.LocalBaseURL(), log)
	return &services{
		store:    store,
		caps:     caps,
		local:    local,
		resolver: backend.NewResolver(store, client, caps, local, log),
		notifier: notify.New(store, log),
		fetcher:  prompt.NewFetcher(log),
		log:      log,
	}, nil
}

// watchCapabilities reloads the capability registry when its file changes
// until ctx is done. A watch failure only disables hot reload.
func (s *services) watchCapabilities(ctx context.Context) {
	if err := s.caps.Watch(ctx); err != nil {
		s.log.Warn("capability registry watch unavailable", zap.Error(err))
	}
}

func (s *services) newEngine(pub events.Publisher, sessionsDir string) *engine.Engine {
	return engine.New(engine.Options{
		Router:      s.resolver,
		Publisher:   pub,
		SessionBase: sessionsDir,
		Project:     bibleReader{},
		Notifier:    s.notifier,
		Fetcher:     s.fetcher,
		Log:         s.log,
	})
}

// bibleReader supplies BIBLE.md from the project directory as project
// context. A missing file is no context.
type bibleReader struct{}

func (bibleReader) ProjectContext(_ context.Context, projectDir string) (string, error) {
	if strings.TrimSpace(projectDir) == "" {
		return "", nil
	}
	b, err := os.ReadFile(filepath.Join(projectDir, BibleFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}
