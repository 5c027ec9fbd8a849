package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotify-remote/internal/logging"
)

func TestNewHTTPClient(t *testing.T) {
	logger := logging.NewTestLogger()

	tests := []struct {
		name    string
		cfg     *ClientConfig
		wantErr bool
	}{
		{"valid", &ClientConfig{BaseURL: "http://relay:8080/"}, false},
		{"nil config", nil, true},
		{"no scheme", &ClientConfig{BaseURL: "relay:8080"}, true},
		{"empty", &ClientConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewHTTPClient(tt.cfg, logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "http://relay:8080", c.BaseURL())
		})
	}

	_, err := NewHTTPClient(DefaultClientConfig(), nil)
	assert.Error(t, err)
}

func TestDoSendsJSONAndAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/player_events", r.URL.Path)
		assert.Equal(t, "tok-1", r.URL.Query().Get("token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Stopped", body["type"])

		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"key conflict"}`))
	}))
	defer server.Close()

	c, err := NewHTTPClient(&ClientConfig{BaseURL: server.URL}, logging.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Do(context.Background(), &Request{
		Method:      http.MethodPost,
		Path:        "/api/player_events",
		Query:       url.Values{"token": {"tok-1"}},
		Body:        map[string]string{"type": "Stopped"},
		BearerToken: "secret",
	})
	require.NoError(t, err, "non-2xx is not a transport error")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, resp.OK())

	var statusErr *StatusError
	require.True(t, errors.As(resp.AsError(), &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Contains(t, statusErr.Error(), "key conflict")

	var decoded map[string]string
	require.NoError(t, resp.DecodeJSON(&decoded))
	assert.Equal(t, "key conflict", decoded["error"])
}

func TestDoTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	c, err := NewHTTPClient(&ClientConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond}, logging.NewTestLogger())
	require.NoError(t, err)

	_, err = c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/slow"})
	require.Error(t, err)
	assert.Equal(t, logging.ErrorCategoryTransport, logging.ClassifyError(err))
}

func TestDoNilRequest(t *testing.T) {
	c, err := NewHTTPClient(&ClientConfig{BaseURL: "http://localhost"}, logging.NewTestLogger())
	require.NoError(t, err)

	_, err = c.Do(context.Background(), nil)
	assert.Error(t, err)
}
