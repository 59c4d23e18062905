package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/danshapiro/helixmix/internal/engine"
	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/server"
)

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Observe run events",
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Accept runs over HTTP and stream their events over SSE and websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}
	serve.Flags().String("addr", "127.0.0.1:8080", "listen address")
	serve.Flags().String("local-url", "", "local inference server URL")
	cmd.AddCommand(serve)
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	svc, err := newServices(a.v.GetString("config-dir"), a.v.GetString("local-url"), a.log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	svc.watchCapabilities(ctx)

	sessionsDir := a.v.GetString("sessions-dir")
	srv := server.New(server.Config{
		Addr: a.v.GetString("addr"),
		NewEngine: func(pub events.Publisher) *engine.Engine {
			return svc.newEngine(pub, sessionsDir)
		},
		Log: a.log,
	})
	err = srv.ListenAndServe()
	svc.notifier.Wait()
	return err
}
