package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/pkg/client"
	"github.com/harun/tether/pkg/connection"
	"github.com/harun/tether/pkg/gateway"
	"github.com/harun/tether/pkg/request"
	"github.com/rs/zerolog"
)

// apiBaseURL is client.api_base_url, or the server URL's origin over HTTP.
func apiBaseURL(cfg *config.Config) (string, error) {
	if cfg.Client.APIBaseURL != "" {
		return cfg.Client.APIBaseURL, nil
	}
	u, err := url.Parse(cfg.Client.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid client.server_url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}

// resolveCredential prefers the configured credential and otherwise signs
// user with the server's shared secret.
func resolveCredential(cfg *config.Config, user string) (string, error) {
	if cfg.Client.Credential != "" {
		return cfg.Client.Credential, nil
	}
	if user != "" && cfg.Server.SharedSecret != "" {
		return gateway.NewHMACVerifier(cfg.Server.SharedSecret).Sign(user), nil
	}
	return "", fmt.Errorf("no credential: set client.credential or pass --user with server.shared_secret configured")
}

// clientConfig maps the client section onto the client runtime.
func clientConfig(cfg *config.Config, credential string, log zerolog.Logger) (client.Config, error) {
	base, err := apiBaseURL(cfg)
	if err != nil {
		return client.Config{}, err
	}

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	c := cfg.Client
	return client.Config{
		Connection: connection.Config{
			URL:                 c.ServerURL,
			AgentID:             c.AgentID,
			InitialDelay:        c.Reconnect.InitialDelay,
			Multiplier:          c.Reconnect.Multiplier,
			MaxDelay:            c.Reconnect.MaxDelay,
			Jitter:              c.Reconnect.Jitter,
			MaxAttempts:         c.Reconnect.MaxAttempts,
			HeartbeatInterval:   c.HeartbeatInterval,
			MaxMissedHeartbeats: c.MaxMissedHeartbeats,
		},
		Request: request.Config{
			BaseURL:     base,
			Timeout:     c.Request.Timeout,
			MaxAttempts: c.Request.MaxAttempts,
			BaseDelay:   c.Request.BaseDelay,
			MaxDelay:    c.Request.MaxDelay,
			Header:      header,
		},
		DataDir:            cfg.DataDir,
		OutboxMaxAttempts:  c.Outbox.MaxAttempts,
		FlushInterval:      c.Outbox.FlushInterval,
		CacheMaxStale:      c.Cache.MaxStale,
		CachePurgeInterval: c.Cache.PurgeInterval,
		Logger:             log,
	}, nil
}

// openClient builds a client runtime on the local database.
func openClient(ctx context.Context, cfg *config.Config, credential string, log zerolog.Logger) (*client.Client, error) {
	clientCfg, err := clientConfig(cfg, credential, log)
	if err != nil {
		return nil, err
	}
	return client.New(ctx, clientCfg)
}
