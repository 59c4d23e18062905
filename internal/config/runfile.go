package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/helixmix/internal/runtime"
)

// RunConfigFile is the on-disk form of one orchestration run (--config).
type RunConfigFile struct {
	Version        int                   `json:"version" yaml:"version"`
	UserPrompt     string                `json:"user_prompt,omitempty" yaml:"user_prompt,omitempty"`
	AttachedPaths  []string              `json:"attached_paths,omitempty" yaml:"attached_paths,omitempty"`
	CategoryModels map[string]string     `json:"category_models,omitempty" yaml:"category_models,omitempty"`
	Config         runtime.Configuration `json:"config" yaml:"config"`
	ConfigDir      string                `json:"config_dir,omitempty" yaml:"config_dir,omitempty"`
	SessionsDir    string                `json:"sessions_dir,omitempty" yaml:"sessions_dir,omitempty"`
	LocalURL       string                `json:"local_url,omitempty" yaml:"local_url,omitempty"`
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyRunConfigDefaults(&cfg)
	if err := validateRunConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyRunConfigDefaults(cfg *RunConfigFile) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.ConfigDir) == "" {
		cfg.ConfigDir = DefaultDir
	}
	cfg.Config.ApplyDefaults()
}

// validateRunConfig checks file structure only. The reasoner engine is
// validated at run start so a missing engine surfaces as a run error.
func validateRunConfig(cfg *RunConfigFile) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	for k := range cfg.CategoryModels {
		if _, err := runtime.ParseCategory(k); err != nil {
			return fmt.Errorf("category_models: %w", err)
		}
	}
	return nil
}

// Request builds the run request. prompt, when non-empty, overrides the file's user_prompt.
func (cfg *RunConfigFile) Request(prompt string) runtime.Request {
	req := runtime.Request{
		UserPrompt:      cfg.UserPrompt,
		AttachedPaths:   append([]string{}, cfg.AttachedPaths...),
		CategoryToModel: map[runtime.Category]string{},
		Config:          cfg.Config,
	}
	if strings.TrimSpace(prompt) != "" {
		req.UserPrompt = prompt
	}
	for k, v := range cfg.CategoryModels {
		if c, err := runtime.ParseCategory(k); err == nil {
			req.CategoryToModel[c] = strings.TrimSpace(v)
		}
	}
	return req
}
