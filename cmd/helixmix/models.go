package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models installed on the local inference server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listModels(cmd)
		},
	}
	cmd.Flags().String("local-url", "", "local inference server URL")
	cmd.Flags().Bool("json", false, "print the model list as JSON")
	return cmd
}

func (a *app) listModels(cmd *cobra.Command) error {
	svc, err := newServices(a.v.GetString("config-dir"), a.v.GetString("local-url"), a.log)
	if err != nil {
		return err
	}
	models, err := svc.local.Models(cmd.Context())
	if err != nil {
		return err
	}
	if a.v.GetBool("json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFAMILY\tPARAMS\tQUANT\tSIZE")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Name, m.Details.Family, m.Details.ParameterSize, m.Details.QuantizationLevel, humanSize(m.Size))
	}
	return tw.Flush()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
