package statusrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"spotify-remote/internal/client"
	"spotify-remote/internal/types"
)

// EventsPath is the receiver endpoint for player status events
const EventsPath = "/api/player_events"

// Publisher posts player events for one session. It runs inside the
// player process.
type Publisher struct {
	client           *client.HTTPClient
	correlationToken string
	authToken        string
	logger           logrus.FieldLogger
}

// NewPublisher creates a publisher bound to a session
func NewPublisher(c *client.HTTPClient, correlationToken, authToken string, logger logrus.FieldLogger) (*Publisher, error) {
	if c == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if correlationToken == "" {
		return nil, fmt.Errorf("correlation token is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Publisher{
		client:           c,
		correlationToken: correlationToken,
		authToken:        authToken,
		logger:           logger,
	}, nil
}

// Publish posts one event. Any failure is returned; callers treat status
// as best effort.
func (p *Publisher) Publish(ctx context.Context, ev types.PlayerEvent) error {
	body, err := types.MarshalPlayerEvent(ev)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(ctx, &client.Request{
		Method:      http.MethodPost,
		Path:        EventsPath,
		Query:       url.Values{"token": {p.correlationToken}},
		Body:        json.RawMessage(body),
		BearerToken: p.authToken,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type(), err)
	}
	if !resp.OK() {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type(), resp.AsError())
	}

	p.logger.WithField("event", string(ev.Type())).Debug("Player event published")
	return nil
}
