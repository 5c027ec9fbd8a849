package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"spotify-remote/internal/client"
	"spotify-remote/internal/escalator"
	"spotify-remote/internal/logging"
	"spotify-remote/internal/relay"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Capture credentials and relay them to a receiver",
	Long: `Reads captured credential bundles from the configured discovery helper
(or from --creds-file) and relays each one to the receiver under a fresh key.
The key is printed once the receiver has accepted it.`,
	RunE: runForward,
}

var (
	forwardCredsFile   string
	forwardReceiver    string
	forwardDeviceName  string
	forwardMaxAttempts int
)

func init() {
	forwardCmd.Flags().StringVar(&forwardCredsFile, "creds-file", "", "read newline-delimited credential JSON from this file instead of the discovery helper (- for stdin)")
	forwardCmd.Flags().StringVar(&forwardReceiver, "receiver", "", "receiver base URL; overrides forwarder.receiver_addr")
	forwardCmd.Flags().StringVar(&forwardDeviceName, "device-name", "", "device name announced with the credentials")
	forwardCmd.Flags().IntVar(&forwardMaxAttempts, "max-attempts", 0, "attempts per bundle before giving up on key collisions")

	rootCmd.AddCommand(forwardCmd)
}

func runForward(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	fc := cfg.Forwarder
	if forwardReceiver != "" {
		fc.ReceiverAddr = forwardReceiver
	}
	if forwardDeviceName != "" {
		fc.DeviceName = forwardDeviceName
	}
	if forwardMaxAttempts > 0 {
		fc.MaxAttempts = forwardMaxAttempts
	}
	cfg.Forwarder = fc
	if err := cfg.ValidateForwarder(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	httpClient, err := client.NewHTTPClient(&client.ClientConfig{
		BaseURL: fc.ReceiverAddr,
		Timeout: time.Duration(fc.Timeout) * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	defer httpClient.Close()

	forwarder, err := relay.NewForwarder(httpClient, fc.DeviceName, logging.NewServiceLogger(logger, "forwarder"),
		relay.WithMaxAttempts(fc.MaxAttempts),
		relay.WithAnnouncer(cmd.OutOrStdout()),
	)
	if err != nil {
		return err
	}

	src, err := openSource(fc.DiscoveryPath, fc.DiscoveryArgs, cmd.InOrStdin(), logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"receiver":    fc.ReceiverAddr,
		"device_name": fc.DeviceName,
	}).Info("Forwarding credentials")

	return forwarder.Run(ctx, src)
}

// openSource picks --creds-file when given, else the discovery helper
func openSource(discoveryPath string, discoveryArgs []string, stdin io.Reader, logger *logrus.Logger) (relay.Source, error) {
	switch forwardCredsFile {
	case "":
	case "-":
		return relay.NewReaderSource(stdin), nil
	default:
		f, err := os.Open(forwardCredsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open credentials file: %w", err)
		}
		return relay.NewReaderSource(f), nil
	}

	if discoveryPath == "" {
		return nil, fmt.Errorf("forwarder.discovery_path or --creds-file is required")
	}
	esc := escalator.New(escalator.WithLogger(logging.NewServiceLogger(logger, "escalator")))
	return relay.StartProcessSource(discoveryPath, discoveryArgs, esc, logging.NewServiceLogger(logger, "discovery"))
}
