package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/layer-3/warden/config"
)

var BuildVersion = "dev"

type globalFlags struct {
	configPath string
	verbosity  int
	serverURL  string
	store      string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{verbosity: -1}

	root := &cobra.Command{
		Use:          "warden",
		Short:        "Client-side authentication session manager",
		Long:         "Manage an authentication session against a warden auth server, or run the reference server.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to the TOML config file. Can also be set via WARDEN_CONFIG.")
	root.PersistentFlags().IntVarP(&flags.verbosity, "verbosity", "v", -1, "Log verbosity (0=info, 1=debug). Overrides log.verbosity.")
	root.PersistentFlags().StringVar(&flags.serverURL, "server-url", "", "Auth server base URL. Overrides client.server_url.")
	root.PersistentFlags().StringVar(&flags.store, "store", "", "Credential store: file, memory or redis. Overrides client.store.")

	root.AddCommand(
		newServeCommand(flags),
		newLoginCommand(flags),
		newLogoutCommand(flags),
		newStatusCommand(flags),
		newWatchCommand(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of warden",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				cmd.Printf("%s\n", BuildVersion)
			},
		},
	)

	return root
}

// load reads the configuration and applies command line overrides
func (f *globalFlags) load() (*config.Config, logr.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, logr.Discard(), err
	}

	if f.verbosity >= 0 {
		cfg.Log.Verbosity = f.verbosity
	}
	if f.serverURL != "" {
		cfg.Client.ServerURL = f.serverURL
	}
	if f.store != "" {
		cfg.Client.Store = f.store
	}
	if err := cfg.Validate(); err != nil {
		return nil, logr.Discard(), fmt.Errorf("invalid config: %w", err)
	}

	return cfg, newLogger(cfg.Log.Verbosity), nil
}

func newLogger(verbosity int) logr.Logger {
	return funcr.NewJSON(func(obj string) {
		fmt.Fprintln(os.Stderr, obj)
	}, funcr.Options{
		LogTimestamp: true,
		Verbosity:    verbosity,
	}).WithName("warden")
}

// serveMetrics exposes reg on addr until ctx is done
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server failed")
		}
	}()
}
