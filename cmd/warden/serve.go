package main

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/layer-3/warden"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var (
		listen   string
		accounts []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference auth server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			for _, account := range accounts {
				identifier, secret, ok := strings.Cut(account, ":")
				if !ok || identifier == "" || secret == "" {
					return fmt.Errorf("invalid account %q, expected identifier:secret", account)
				}
				cfg.Server.Accounts[identifier] = secret
			}
			if len(cfg.Server.Accounts) == 0 {
				log.Info("no accounts configured, every login will be rejected")
			}

			ctx := cmd.Context()
			server, err := warden.NewServer(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer server.Close()

			if cfg.MetricsAddr != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				serveMetrics(ctx, cfg.MetricsAddr, reg, log)
			}

			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address. Overrides server.listen.")
	cmd.Flags().StringArrayVar(&accounts, "account", nil, "Account as identifier:secret. Repeatable.")
	return cmd
}
