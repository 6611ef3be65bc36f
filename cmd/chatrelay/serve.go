package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/runtime"
)

func newServeCmd() *cobra.Command {
	var (
		listen string
		noUI   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP relay server",
		Long:  "Loads configuration, resolves the provider credential and serves the session API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			rt, err := runtime.New(cfg, runtime.Options{
				LogOutput: cmd.ErrOrStderr(),
				DisableUI: noUI,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return rt.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address, overrides config (e.g. :5000)")
	cmd.Flags().BoolVar(&noUI, "no-ui", false, "Do not serve the browser chat page")

	return cmd
}

// loadConfig reads the --config file and applies the global flag overrides.
func loadConfig() (runtime.Config, error) {
	cfg, err := runtime.LoadConfig(configFile)
	if err != nil {
		return runtime.Config{}, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}
