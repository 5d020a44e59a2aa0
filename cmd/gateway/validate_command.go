package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline"
	"github.com/tjfontaine/provisioning-gateway/internal/pkg/config"
	"github.com/tjfontaine/provisioning-gateway/pkg/gateway"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var hooks []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load, resolve and validate the configuration and print the stage table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			// Hooks registered by embedding programs are unknown here; accept
			// the names given on the command line.
			registry := pipeline.NewHooks()
			for _, name := range hooks {
				registry.Register(name, pipeline.NoopHook)
			}

			resolved, err := gateway.Resolve(cfg, registry, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printStageTable(out, cfg, resolved)
			fmt.Fprintf(out, "\nconfiguration OK: %d ports, %d stages, %d caches\n",
				len(cfg.Ports), resolved.Registry.Len(), len(resolved.Caches))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&hooks, "hook", nil, "Treat these on_error hook names as registered")
	return cmd
}

func printStageTable(w io.Writer, cfg *config.Config, resolved *gateway.Resolved) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	for _, p := range cfg.Ports {
		fmt.Fprintf(tw, "port %s (%s -> %s)\n", p.Name, p.Listen, p.EngineURL)
		fmt.Fprintln(tw, "  POSITION\tNAME\tKIND\tREQUESTS\tBLOCKING")
		stages := resolved.Registry.Stages(p.Name)
		if len(stages) == 0 {
			fmt.Fprintln(tw, "  -\t(no stages)\t\t\t")
		}
		for _, s := range stages {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%t\n", s.Position, s.Label(), s.Kind, requests(s), s.BlockOnError)
		}
	}
}

func requests(s *domain.StageDescriptor) string {
	if s.Kind.IsListener() {
		return "-"
	}
	parts := make([]string, 0, len(s.AllowedRequests))
	for _, ar := range s.AllowedRequests {
		parts = append(parts, ar.Method+" "+ar.Path)
	}
	return strings.Join(parts, ", ")
}
