package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/helixmix/internal/providerspec"
	"github.com/danshapiro/helixmix/internal/runtime"
)

const (
	PreflightPass = "pass"
	PreflightWarn = "warn"
	PreflightFail = "fail"
)

// PreflightReport lists what each provider can be reached through. It is
// built without network calls except the local server ping.
type PreflightReport struct {
	GeneratedAt string           `json:"generated_at"`
	CompletedAt string           `json:"completed_at,omitempty"`
	Reasoner    string           `json:"reasoner,omitempty"`
	Checks      []PreflightCheck `json:"checks"`
	Summary     PreflightSummary `json:"summary"`
}

type PreflightCheck struct {
	Name     string         `json:"name"`
	Provider string         `json:"provider,omitempty"`
	Status   string         `json:"status"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

type PreflightSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

func (r *PreflightReport) addCheck(c PreflightCheck) {
	if r == nil {
		return
	}
	r.Checks = append(r.Checks, c)
}

// Finalize stamps the completion time and recounts the summary.
func (r *PreflightReport) Finalize() {
	r.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	r.Summary = PreflightSummary{}
	for _, c := range r.Checks {
		switch c.Status {
		case PreflightPass:
			r.Summary.Pass++
		case PreflightWarn:
			r.Summary.Warn++
		case PreflightFail:
			r.Summary.Fail++
		}
	}
}

// OK reports whether no check failed.
func (r *PreflightReport) OK() bool { return r.Summary.Fail == 0 }

// Preflight checks key and CLI presence for every cloud provider, the
// connection each would use under cfg, the local server, and, when
// cfg.ReasonerEngine is set, the reasoner route.
func (r *Resolver) Preflight(ctx context.Context, cfg runtime.Configuration) *PreflightReport {
	rep := &PreflightReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Reasoner:    strings.TrimSpace(cfg.ReasonerEngine),
	}
	for _, p := range providerspec.CloudProviders() {
		if r.apiKey(p) != "" {
			rep.addCheck(PreflightCheck{Name: "api_key", Provider: p, Status: PreflightPass, Message: "API key configured"})
		} else {
			rep.addCheck(PreflightCheck{Name: "api_key", Provider: p, Status: PreflightWarn, Message: "no API key: " + keyHintFor(p)})
		}
		if b, ok := r.cli(p); ok {
			a := b.Availability()
			if a.Available {
				rep.addCheck(PreflightCheck{Name: "cli", Provider: p, Status: PreflightPass, Message: "found " + a.Path, Details: map[string]any{"path": a.Path}})
			} else {
				rep.addCheck(PreflightCheck{Name: "cli", Provider: p, Status: PreflightWarn, Message: a.Reason})
			}
		}
		mode := cfg.ConnectionModeFor(p)
		res := r.Resolve(p, mode)
		c := PreflightCheck{
			Name:     "connection",
			Provider: p,
			Details:  map[string]any{"mode": string(mode), "method": string(res.Method)},
		}
		if res.Method == MethodUnavailable {
			c.Status, c.Message = PreflightWarn, res.Reason
		} else {
			c.Status, c.Message = PreflightPass, fmt.Sprintf("%s via %s", mode, res.Method)
		}
		rep.addCheck(c)
	}

	if r.Local != nil {
		a := r.Local.Availability(ctx)
		c := PreflightCheck{Name: "local_server", Provider: providerspec.LocalProviderKey, Details: map[string]any{"base_url": a.Path}}
		if a.Available {
			c.Status, c.Message = PreflightPass, "reachable"
		} else {
			c.Status, c.Message = PreflightWarn, a.Reason
		}
		rep.addCheck(c)
	}

	if rep.Reasoner != "" {
		route, err := r.Reasoner(rep.Reasoner, cfg)
		c := PreflightCheck{Name: "reasoner", Provider: route.Provider}
		if err != nil {
			c.Status, c.Message = PreflightFail, err.Error()
		} else {
			c.Status = PreflightPass
			c.Message = fmt.Sprintf("%s via %s", route.Model, route.Method)
		}
		rep.addCheck(c)
	}
	rep.Finalize()
	return rep
}

func keyHintFor(provider string) string {
	spec, ok := providerspec.Builtin(provider)
	if !ok || spec.API == nil {
		return provider
	}
	return fmt.Sprintf("set %s or %s", spec.API.SettingsKey, spec.API.DefaultAPIKeyEnv)
}

// WriteText renders the report for a terminal.
func (r *PreflightReport) WriteText(w io.Writer) error {
	for _, c := range r.Checks {
		name := c.Name
		if c.Provider != "" {
			name = c.Provider + "/" + c.Name
		}
		if _, err := fmt.Fprintf(w, "%-4s  %-24s %s\n", strings.ToUpper(c.Status), name, c.Message); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n%d pass, %d warn, %d fail\n", r.Summary.Pass, r.Summary.Warn, r.Summary.Fail)
	return err
}

// WriteJSON saves the report as preflight_report.json under dir.
func (r *PreflightReport) WriteJSON(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("report dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "preflight_report.json"), b, 0o644)
}
