package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/layer-3/warden"
	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/core"
)

func newLoginCommand(flags *globalFlags) *cobra.Command {
	var identifier, secret string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}

			if secret == "" {
				secret = os.Getenv("WARDEN_SECRET")
			}
			if secret == "" {
				cmd.PrintErr("Secret: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				secret = strings.TrimSpace(line)
			}

			ctx := cmd.Context()
			w, err := warden.New(ctx, cfg, warden.WithLogger(log))
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.Login(ctx, identifier, secret); err != nil {
				if errors.Is(err, warden.ErrRejected) {
					return fmt.Errorf("login rejected: %w", err)
				}
				return err
			}

			cmd.Printf("Logged in as %s\n", identifier)
			return nil
		},
	}

	cmd.Flags().StringVarP(&identifier, "identifier", "u", "", "Account identifier")
	cmd.Flags().StringVar(&secret, "secret", "", "Account secret. Can also be set via WARDEN_SECRET; read from stdin when empty.")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func newLogoutCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and remove the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			w, err := warden.New(ctx, cfg, warden.WithLogger(log))
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.Logout(ctx); err != nil {
				return err
			}
			cmd.Println("Logged out")
			return nil
		},
	}
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show and verify the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			w, err := warden.New(ctx, cfg, warden.WithLogger(log))
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.Start(ctx); err != nil {
				return err
			}

			status := w.Status()
			if !status.Authenticated() {
				cmd.Printf("State: %s\n", status.State)
				return nil
			}

			identity, err := w.Verify(ctx)
			switch {
			case err == nil:
				cmd.Printf("State: %s\nSubject: %s\nExpires: %s\n", w.Status().State, identity.Subject, identity.ExpiresAt.Format(time.RFC3339))
			case errors.Is(err, warden.ErrRejected):
				cmd.Printf("State: %s\nThe stored credential was rejected and has been removed.\n", w.Status().State)
			default:
				cmd.Printf("State: %s (unverified)\n", w.Status().State)
				return err
			}
			return nil
		},
	}
}

func newWatchCommand(flags *globalFlags) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and print state changes",
		Long:  "Runs the session manager in the foreground: the credential is renewed in the background and every state change and expiration is printed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			w, err := warden.New(ctx, cfg, warden.WithLogger(log), warden.WithRegisterer(reg))
			if err != nil {
				return err
			}
			defer w.Close()

			if cfg.MetricsAddr != "" {
				serveMetrics(ctx, cfg.MetricsAddr, reg, log)
			}

			if remote {
				if err := printRemoteEvents(cmd, w); err != nil {
					return err
				}
			}

			if err := w.Start(ctx); err != nil {
				log.Error(err, "cold start failed")
			}

			states := w.States(ctx)
			expirations := w.Expirations()
			for {
				select {
				case <-ctx.Done():
					return nil

				case status, ok := <-states:
					if !ok {
						return nil
					}
					cmd.Printf("%s state=%s confirmed=%t epoch=%d\n", status.Since.Format(time.RFC3339), status.State, status.Confirmed, status.Epoch)

				case <-expirations.Ready():
					if event, ok := expirations.Consume(); ok {
						printExpiration(cmd, event)
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Also print session events published by other processes on the configured event backend")
	return cmd
}

func printExpiration(cmd *cobra.Command, event core.ExpirationEvent) {
	cmd.Printf("%s expired id=%s reason=%s\n", event.At.Format(time.RFC3339), event.ID, event.Reason)
}

// printRemoteEvents prints expirations received from the event backend
func printRemoteEvents(cmd *cobra.Command, w *warden.Warden) error {
	subscriber, err := w.Subscriber()
	if err != nil {
		return err
	}
	if subscriber == nil {
		return fmt.Errorf("--remote needs events.backend to be set")
	}

	messages, err := subscriber.Subscribe(cmd.Context(), w.Topics().Expired)
	if err != nil {
		return fmt.Errorf("failed to subscribe to expiration events: %w", err)
	}

	go func() {
		for msg := range messages {
			event, err := events.DecodeExpired(msg)
			msg.Ack()
			if err != nil {
				continue
			}
			cmd.Printf("%s remote expired id=%s reason=%s\n", event.At.Format(time.RFC3339), event.ID, event.Reason)
		}
	}()
	return nil
}
