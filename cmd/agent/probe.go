package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newProbeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Send a minimal request to the primary model backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), cmd.OutOrStdout(), root.configPath)
		},
	}
}

func runProbe(ctx context.Context, w io.Writer, configPath string) error {
	cfg, log, cleanup, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	probeCtx, cancel := context.WithTimeout(ctx, cfg.LLM.Failover.ProbeTimeout)
	defer cancel()
	if err := a.gateway.Probe(probeCtx); err != nil {
		fmt.Fprintf(w, "primary %s: FAIL (%v)\n", cfg.LLM.Primary.Name, err)
		return err
	}
	fmt.Fprintf(w, "primary %s: OK (state %s)\n", cfg.LLM.Primary.Name, a.gateway.State())
	return nil
}
