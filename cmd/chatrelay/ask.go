package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/runtime"
)

func newAskCmd() *cobra.Command {
	var (
		message string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message to the provider and print the reply",
		Long:  "One-shot exchange with no session: builds the relay from config, sends the message and prints the reply or fallback text.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				message = args[0]
			}
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("--message is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !verbose && logLevel == "" {
				cfg.Log.Level = "error"
			}

			rt, err := runtime.New(cfg, runtime.Options{
				LogOutput: cmd.ErrOrStderr(),
				DisableUI: true,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			reply := rt.Relay().Respond(ctx, nil, strings.TrimSpace(message))
			fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			if verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "outcome=%s duration=%s tokens=%d\n",
					reply.Category, reply.Duration, reply.Usage.Total())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Message to send")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print logs and the exchange outcome")

	return cmd
}
