// Command voice-rooms-peer is a headless voice-room participant. It joins a
// room through the signaling server, negotiates a pion PeerConnection with
// every other member, streams an Ogg/Opus file (or silence) and records what
// it hears.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/config"
)

const (
	envServerURL = "VOICE_ROOMS_SERVER_URL"
	envToken     = "VOICE_ROOMS_TOKEN"

	defaultServerURL = "http://127.0.0.1:3001"
)

type rootOptions struct {
	server    string
	logLevel  string
	logFormat string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "voice-rooms-peer",
		Short:         "Headless voice-room participant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr(envServerURL, defaultServerURL), "Server base URL (env "+envServerURL+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	cmd.AddCommand(
		newJoinCommand(opts),
		newRoomsCommand(opts),
		newRegisterCommand(opts),
	)
	return cmd
}

func (o *rootOptions) logger() (*slog.Logger, error) {
	level, err := config.ParseLogLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := config.ParseLogFormat(o.logFormat)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(config.Config{LogFormat: format, LogLevel: level})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func newRoomsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List active rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := newAPIClient(root.server)
			if err != nil {
				return err
			}
			list, err := api.Rooms(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "no active rooms")
				return nil
			}
			for _, r := range list {
				fmt.Fprintf(out, "%s\t%d\n", r.ID, r.MemberCount)
			}
			return nil
		},
	}
}

func newRegisterCommand(root *rootOptions) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and print its token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := newAPIClient(root.server)
			if err != nil {
				return err
			}
			sess, err := api.Register(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
