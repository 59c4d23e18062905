package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultAdaptiveThinkingEnvVar = "CLAUDE_CODE_EFFORT_LEVEL"

var defaultAdaptiveThinkingLevels = []string{"low", "medium", "high"}

// ModelCapabilities is one entry of model_capabilities.json. Pointer fields
// distinguish "absent" from zero values so lookups can fall back to defaults.
type ModelCapabilities struct {
	SupportsAdaptiveThinking *bool    `json:"supports_adaptive_thinking,omitempty"`
	AdaptiveThinkingEnvVar   string   `json:"adaptive_thinking_env_var,omitempty"`
	AdaptiveThinkingLevels   []string `json:"adaptive_thinking_levels,omitempty"`
}

type capabilitiesDoc struct {
	Models   map[string]ModelCapabilities `json:"models"`
	Defaults ModelCapabilities            `json:"default_capabilities"`
}

// Capabilities answers model capability questions from model_capabilities.json.
// The file is loaded once and cached until Reload.
type Capabilities struct {
	path string
	log  *zap.Logger

	mu     sync.RWMutex
	doc    capabilitiesDoc
	loaded bool
}

func NewCapabilities(store *Store, log *zap.Logger) *Capabilities {
	if log == nil {
		log = zap.NewNop()
	}
	return &Capabilities{path: store.path(ModelCapabilitiesFile), log: log}
}

// Reload drops the cached document; the next lookup reads the file again.
func (c *Capabilities) Reload() {
	c.mu.Lock()
	c.loaded = false
	c.doc = capabilitiesDoc{}
	c.mu.Unlock()
}

func (c *Capabilities) load() capabilitiesDoc {
	c.mu.RLock()
	if c.loaded {
		doc := c.doc
		c.mu.RUnlock()
		return doc
	}
	c.mu.RUnlock()

	var doc capabilitiesDoc
	if err := readJSON(c.path, &doc); err != nil {
		c.log.Warn("model capabilities load failed", zap.String("path", c.path), zap.Error(err))
		return capabilitiesDoc{}
	}
	c.mu.Lock()
	c.doc = doc
	c.loaded = true
	c.mu.Unlock()
	return doc
}

// lookup finds the entry for a model: exact match, then prefix match in
// either direction (dated suffixes "-20xxxxxx" are ignored), then defaults.
func (c *Capabilities) lookup(modelID string) ModelCapabilities {
	doc := c.load()
	if caps, ok := doc.Models[modelID]; ok {
		return caps
	}
	base, _, _ := strings.Cut(modelID, "-20")
	for _, id := range sortedKeys(doc.Models) {
		if strings.HasPrefix(modelID, id) || (base != "" && strings.HasPrefix(id, base)) {
			return doc.Models[id]
		}
	}
	return doc.Defaults
}

func (c *Capabilities) SupportsAdaptiveThinking(modelID string) bool {
	caps := c.lookup(modelID)
	if caps.SupportsAdaptiveThinking != nil {
		return *caps.SupportsAdaptiveThinking
	}
	return false
}

// AdaptiveThinkingEnvVar returns the environment variable that carries the
// effort level, or "" when the model does not support adaptive thinking.
func (c *Capabilities) AdaptiveThinkingEnvVar(modelID string) string {
	if !c.SupportsAdaptiveThinking(modelID) {
		return ""
	}
	if v := strings.TrimSpace(c.lookup(modelID).AdaptiveThinkingEnvVar); v != "" {
		return v
	}
	return DefaultAdaptiveThinkingEnvVar
}

func (c *Capabilities) AdaptiveThinkingLevels(modelID string) []string {
	if levels := c.lookup(modelID).AdaptiveThinkingLevels; len(levels) > 0 {
		return append([]string{}, levels...)
	}
	return append([]string{}, defaultAdaptiveThinkingLevels...)
}

// Watch reloads the registry whenever the capabilities file changes, until
// ctx is done. The directory is watched so editors that replace the file by
// rename are handled.
func (c *Capabilities) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					c.log.Debug("model capabilities changed", zap.String("op", ev.Op.String()))
					c.Reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("model capabilities watch error", zap.Error(err))
			}
		}
	}()
	return nil
}
