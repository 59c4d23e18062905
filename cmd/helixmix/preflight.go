package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/runtime"
)

func newPreflightCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check API keys, vendor CLIs, the local server and the reasoner route",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.preflight(cmd)
		},
	}
	f := cmd.Flags()
	f.String("reasoner", "", "also resolve this reasoner model")
	f.String("connection-mode", "", "auto, api_only or cli_only")
	f.String("local-url", "", "local inference server URL")
	f.String("report-dir", "", "also write preflight_report.json to this directory")
	f.Bool("json", false, "print the report as JSON")
	return cmd
}

func (a *app) preflight(cmd *cobra.Command) error {
	svc, err := newServices(a.v.GetString("config-dir"), a.v.GetString("local-url"), a.log)
	if err != nil {
		return err
	}
	cfg := runtime.Configuration{ReasonerEngine: strings.TrimSpace(a.v.GetString("reasoner"))}
	if s := a.v.GetString("connection-mode"); s != "" {
		m, err := runtime.ParseConnectionMode(s)
		if err != nil {
			return &llm.ConfigurationError{Message: err.Error()}
		}
		cfg.ConnectionMode = m
	}
	cfg.ApplyDefaults()

	rep := svc.resolver.Preflight(cmd.Context(), cfg)
	if dir := a.v.GetString("report-dir"); dir != "" {
		if err := rep.WriteJSON(dir); err != nil {
			return err
		}
	}
	if a.v.GetBool("json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else if err := rep.WriteText(cmd.OutOrStdout()); err != nil {
		return err
	}
	if !rep.OK() {
		return errPreflightFailed
	}
	return nil
}
