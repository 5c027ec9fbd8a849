package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"spotify-remote/internal/client"
	"spotify-remote/internal/logging"
	"spotify-remote/internal/player"
	"spotify-remote/internal/statusrelay"
)

var playerCmd = &cobra.Command{
	Use:   "player",
	Short: "Play one credential bundle from stdin, writing PCM to stdout",
	Long: `Child process started by the receiver. Reads a credential bundle as JSON
on stdin, drives the streaming engine, writes raw PCM to stdout and posts
player status events back to the receiver. SIGUSR1 or SIGTERM stop playback.`,
	Hidden: true,
	RunE:   runPlayer,
}

var (
	playerUpdatesToken string
	playerUpdatesAuth  string
	playerUpdatesAddr  string
	playerDeviceName   string
	playerEngine       string
)

func init() {
	playerCmd.Flags().StringVar(&playerUpdatesToken, "player-updates-token", "", "correlation token status events are posted under")
	playerCmd.Flags().StringVar(&playerUpdatesAuth, "player-updates-auth", "", "session token authorizing status posts")
	playerCmd.Flags().StringVar(&playerUpdatesAddr, "player-updates-addr", "", "receiver base URL for status posts")
	playerCmd.Flags().StringVar(&playerDeviceName, "device-name", "", "device name announced by the engine")
	playerCmd.Flags().StringVar(&playerEngine, "engine", "", "streaming engine executable; overrides player.engine_path")

	rootCmd.AddCommand(playerCmd)
}

func runPlayer(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	pc := cfg.Player
	if playerEngine != "" {
		pc.EnginePath = playerEngine
	}
	if playerDeviceName != "" {
		pc.DeviceName = playerDeviceName
	}

	sessionLogger := logging.NewContextLogger(logger, logrus.Fields{
		"component":         "player",
		"correlation_token": playerUpdatesToken,
		"device_name":       pc.DeviceName,
	})

	ctx, abort, stop := player.SignalContext(context.Background())
	defer stop()

	opts := player.Options{
		Engine: &player.ExecEngine{
			Path:        pc.EnginePath,
			Args:        pc.EngineArgs,
			DeviceName:  pc.DeviceName,
			StopTimeout: time.Duration(pc.StopTimeoutMs) * time.Millisecond,
			Abort:       abort,
			Logger:      sessionLogger,
		},
		PublishTimeout: time.Duration(pc.PublishTimeout) * time.Second,
		Logger:         sessionLogger,
	}

	if playerUpdatesAddr != "" && playerUpdatesToken != "" {
		httpClient, err := client.NewHTTPClient(&client.ClientConfig{
			BaseURL: playerUpdatesAddr,
			Timeout: opts.PublishTimeout,
		}, logging.NewServiceLogger(logger, "status_publisher"))
		if err != nil {
			return err
		}
		defer httpClient.Close()

		publisher, err := statusrelay.NewPublisher(httpClient, playerUpdatesToken, playerUpdatesAuth, sessionLogger)
		if err != nil {
			return err
		}
		opts.Publisher = publisher
	} else {
		sessionLogger.Warn("No status relay configured; player events are only logged")
	}

	return player.Run(ctx, opts, os.Stdin, os.Stdout)
}
