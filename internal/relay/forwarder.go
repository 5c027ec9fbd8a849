package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-remote/internal/client"
	"spotify-remote/internal/logging"
	"spotify-remote/internal/types"
)

// ForwardPath is the receiver endpoint that accepts credentials
const ForwardPath = "/api/forward_creds"

// DefaultMaxAttempts caps key regeneration on repeated collisions
const DefaultMaxAttempts = 32

var (
	// ErrKeyConflict means the receiver already holds the chosen key
	ErrKeyConflict = errors.New("key conflict")
	// ErrTooManyCollisions means every attempt collided
	ErrTooManyCollisions = errors.New("too many key collisions")
)

// StatusError is a non-conflict failure status from the receiver
type StatusError = client.StatusError

var keyWords = []string{"brad", "bro", "beer", "buck", "beans", "bird", "brain"}

// KeyGenerator returns a candidate relay key
type KeyGenerator func() string

// NewRandomKeyGenerator returns a generator of word + two digit keys, e.g. "beans07"
func NewRandomKeyGenerator(seed int64) KeyGenerator {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return fmt.Sprintf("%s%02d", keyWords[rng.Intn(len(keyWords))], rng.Intn(100))
	}
}

// Forwarder pushes captured credentials to the receiver under a fresh key
type Forwarder struct {
	client      *client.HTTPClient
	deviceName  string
	maxAttempts int
	keyGen      KeyGenerator
	announce    io.Writer
	logger      logrus.FieldLogger
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithMaxAttempts caps the number of keys tried per bundle
func WithMaxAttempts(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithKeyGenerator replaces the random key generator
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(f *Forwarder) {
		if gen != nil {
			f.keyGen = gen
		}
	}
}

// WithAnnouncer sets where accepted keys are shown to the operator
func WithAnnouncer(w io.Writer) Option {
	return func(f *Forwarder) {
		f.announce = w
	}
}

// NewForwarder creates a Forwarder that posts through c
func NewForwarder(c *client.HTTPClient, deviceName string, logger logrus.FieldLogger, opts ...Option) (*Forwarder, error) {
	if c == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if deviceName == "" {
		return nil, fmt.Errorf("device name is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	f := &Forwarder{
		client:      c,
		deviceName:  deviceName,
		maxAttempts: DefaultMaxAttempts,
		keyGen:      NewRandomKeyGenerator(time.Now().UnixNano()),
		announce:    io.Discard,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ForwardCreds relays bundle and returns the key the receiver accepted.
// Collisions are retried with a new key; any other failure aborts.
func (f *Forwarder) ForwardCreds(ctx context.Context, bundle types.CredentialBundle) (string, error) {
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		key := f.keyGen()

		err := f.post(ctx, types.ForwardCreds{
			DeviceName: f.deviceName,
			Key:        key,
			Creds:      bundle,
		})
		if err == nil {
			f.logger.WithFields(logrus.Fields{
				"key":      key,
				"attempts": attempt,
			}).Info("Credentials forwarded")
			return key, nil
		}

		if !errors.Is(err, ErrKeyConflict) {
			return "", err
		}

		f.logger.WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempt,
		}).Debug("Key already taken, regenerating")
	}

	return "", fmt.Errorf("%w after %d attempts", ErrTooManyCollisions, f.maxAttempts)
}

func (f *Forwarder) post(ctx context.Context, creds types.ForwardCreds) error {
	resp, err := f.client.Do(ctx, &client.Request{
		Method: http.MethodPost,
		Path:   ForwardPath,
		Body:   creds,
	})
	if err != nil {
		return fmt.Errorf("failed to forward credentials: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrKeyConflict
	default:
		return fmt.Errorf("failed to forward credentials: %w", resp.AsError())
	}
}

// Run forwards every bundle the source yields and announces each key.
// It stops at the first failed forward, when the source is exhausted, or
// when ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context, src Source) error {
	if src == nil {
		return fmt.Errorf("source is required")
	}
	defer src.Close()

	for {
		bundle, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			f.logger.Info("Credential source exhausted")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to capture credentials: %w", err)
		}

		f.logger.WithField("username", bundle.Username).Info("Captured credentials")

		key, err := f.ForwardCreds(ctx, bundle)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.LogTransportError(f.logger, err, "forward_creds", false)
			return err
		}

		f.announceKey(key)
	}
}

func (f *Forwarder) announceKey(key string) {
	fmt.Fprintf(f.announce, "\n==============================\n  your key is: %s\n==============================\n\n", key)
}
