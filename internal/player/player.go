package player

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"spotify-remote/internal/types"
)

// DefaultPublishTimeout bounds one status post
const DefaultPublishTimeout = 5 * time.Second

// Publisher delivers player events to the receiver
type Publisher interface {
	Publish(ctx context.Context, ev types.PlayerEvent) error
}

// Options configures a player run
type Options struct {
	Engine Engine
	// Publisher may be nil, in which case events are only logged
	Publisher      Publisher
	PublishTimeout time.Duration
	Logger         logrus.FieldLogger
}

// DeviceID derives the stable device id announced for a device name
func DeviceID(name string) string {
	sum := sha1.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// SignalContext returns a context cancelled by the first USR1, TERM or
// interrupt, which all mean "stop playing and exit cleanly". A TERM or
// interrupt arriving after that closes abort: the engine gets no further
// grace. The handlers are released once abort closes, so a third TERM takes
// the default action.
func SignalContext(parent context.Context) (ctx context.Context, abort <-chan struct{}, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	aborted := make(chan struct{})
	done := make(chan struct{})

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGUSR1, unix.SIGTERM, os.Interrupt)

	var once sync.Once
	stop = func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
			cancel()
		})
	}

	go func() {
		stopping := false
		for {
			select {
			case sig := <-sigs:
				if !stopping {
					stopping = true
					cancel()
					continue
				}
				if sig == unix.SIGUSR1 {
					continue
				}
				signal.Stop(sigs)
				close(aborted)
				return
			case <-done:
				return
			}
		}
	}()

	return ctx, aborted, stop
}

// Run reads one credential bundle from stdin, plays it through the engine
// with PCM on stdout, and publishes every player event. Cancelling ctx stops
// the engine; a final Stopped event is always published.
func Run(ctx context.Context, opts Options, stdin io.Reader, stdout io.Writer) error {
	if opts.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	var bundle types.CredentialBundle
	if err := json.NewDecoder(stdin).Decode(&bundle); err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	if bundle.IsEmpty() {
		return fmt.Errorf("credentials carry no auth data")
	}
	logger.WithField("creds", bundle.String()).Debug("Credentials received")

	events := make(chan types.PlayerEvent, 16)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(events)
		return opts.Engine.Run(gctx, bundle, stdout, events)
	})

	g.Go(func() error {
		var last types.PlayerEvent
		for ev := range events {
			publish(opts.Publisher, ev, timeout, logger)
			last = ev
		}
		if _, stopped := last.(types.Stopped); !stopped {
			publish(opts.Publisher, types.Stopped{}, timeout, logger)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Player finished")
	return nil
}

// publish is best effort, bounded by timeout rather than the run context
func publish(p Publisher, ev types.PlayerEvent, timeout time.Duration, logger logrus.FieldLogger) {
	entry := logger.WithField("event", string(ev.Type()))
	if p == nil {
		entry.Info("Player event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		entry.WithError(err).Warn("Failed to publish player event")
	}
}
