package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"spotify-remote/internal/api"
	"spotify-remote/internal/auth"
	"spotify-remote/internal/chat"
	"spotify-remote/internal/commands"
	"spotify-remote/internal/config"
	"spotify-remote/internal/escalator"
	"spotify-remote/internal/history"
	"spotify-remote/internal/logging"
	"spotify-remote/internal/registry"
	"spotify-remote/internal/statusrelay"
	"spotify-remote/internal/supervisor"
	"spotify-remote/internal/voice"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Run the receiver: credential registry, playback supervisor and status relay",
	RunE:  runReceive,
}

func init() {
	rootCmd.AddCommand(receiveCmd)
}

func runReceive(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	rc := cfg.Receiver

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"addr":     rc.ListenAddr(),
		"registry": rc.Registry.Backend,
		"history":  rc.History.Enabled,
		"version":  logging.Version,
	}).Info("Receiver starting")

	checks := make(map[string]api.HealthChecker)

	store, closeStore, err := openRegistry(ctx, rc.Registry)
	if err != nil {
		return err
	}
	defer closeStore()
	if checker, ok := store.(api.HealthChecker); ok {
		checks["registry"] = checker
	}

	secret := rc.SessionSecret
	if secret == "" {
		if secret, err = auth.GenerateSecret(); err != nil {
			return err
		}
		logger.Debug("Generated ephemeral session secret")
	}
	tokens, err := auth.NewSessionTokens([]byte(secret), rc.TokenTTL())
	if err != nil {
		return err
	}

	esc := escalator.New(
		escalator.WithTimeout(rc.ShutdownTimeout()),
		escalator.WithLogger(logging.NewServiceLogger(logger, "escalator")),
	)

	board := chat.NewBoard(logging.NewServiceLogger(logger, "status_board"))
	wsManager := api.NewWebSocketManager(logger)
	board.Subscribe(wsManager.ObserveBoard)

	hub, err := voice.NewHub(wsManager, logging.NewServiceLogger(logger, "voice"))
	if err != nil {
		return err
	}

	status, err := statusrelay.NewManager(board, logging.NewServiceLogger(logger, "status_relay"))
	if err != nil {
		return err
	}

	supOpts := []supervisor.Option{
		supervisor.WithExitHook(func(s supervisor.Session) {
			if err := status.ForgetToken(ctx, s.CorrelationToken); err != nil {
				logger.WithError(err).Debug("Status mapping not released")
			}
		}),
	}

	deps := api.Dependencies{
		Store:   store,
		Tokens:  tokens,
		Events:  status,
		Checks:  checks,
		Version: logging.Version,
	}

	if rc.History.Enabled {
		hist, err := history.Open(ctx, history.Config{Driver: rc.History.Driver, DSN: rc.History.DSN})
		if err != nil {
			return fmt.Errorf("failed to open session history: %w", err)
		}
		defer hist.Close()

		supOpts = append(supOpts, supervisor.WithRecorder(hist))
		deps.History = hist
		checks["history"] = hist
	}

	player, err := playerCommand(rc)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Config{
		Player:    player,
		Resampler: supervisor.Command{Path: rc.ResamplerPath, Args: rc.ResamplerArgs},
		StatusURL: rc.StatusURL(),
	}, store, tokens, esc, logger, supOpts...)
	if err != nil {
		return err
	}

	deps.Commands, err = commands.NewService(sup, hub, board, status, logging.NewServiceLogger(logger, "commands"))
	if err != nil {
		return err
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Host = rc.Host
	serverCfg.Port = rc.Port
	serverCfg.APIKeys = rc.APIKeys

	server, err := api.NewServer(serverCfg, deps, wsManager, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return status.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rc.GraceDuration())
		defer cancel()
		return sup.Shutdown(shutdownCtx)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return finishReceive(logger, err)
	case <-ctx.Done():
	}

	logger.WithField("grace_period", rc.GraceDuration().String()).Info("Receiver shutting down")
	select {
	case err := <-done:
		return finishReceive(logger, err)
	case <-time.After(rc.GraceDuration()):
		return fmt.Errorf("shutdown did not finish within %s", rc.GraceDuration())
	}
}

func finishReceive(logger *logrus.Logger, err error) error {
	if err != nil {
		logger.WithError(err).Error("Receiver stopped with error")
		return err
	}
	logger.Info("Receiver stopped")
	return nil
}

// openRegistry builds the configured credential store
func openRegistry(ctx context.Context, rc config.RegistryConfig) (registry.Store, func(), error) {
	switch rc.Backend {
	case "redis":
		key, err := rc.Key()
		if err != nil {
			return nil, nil, err
		}
		store, err := registry.NewRedisStore(ctx, registry.RedisOptions{
			Addr:          rc.RedisAddr,
			Password:      rc.RedisPassword,
			DB:            rc.RedisDB,
			Prefix:        rc.RedisPrefix,
			EncryptionKey: key,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return registry.NewMemoryStore(), func() {}, nil
	}
}

// playerCommand resolves the player child. With no explicit path the
// receiver re-executes itself with the player subcommand.
func playerCommand(rc config.ReceiverConfig) (supervisor.Command, error) {
	path := rc.PlayerPath
	args := append([]string(nil), rc.PlayerArgs...)

	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return supervisor.Command{}, fmt.Errorf("failed to resolve own executable: %w", err)
		}
		path = self
		if configFile != "" {
			args = append(args, "--config", configFile)
		}
	}
	return supervisor.Command{Path: path, Args: args}, nil
}
