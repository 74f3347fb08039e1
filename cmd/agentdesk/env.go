package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/agentdesk/agentdesk/internal/cloudsync/coordinator"
	"github.com/agentdesk/agentdesk/internal/cloudsync/db"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
	"github.com/agentdesk/agentdesk/internal/config"
	"github.com/agentdesk/agentdesk/internal/logging"
)

// env is everything a sync command needs, opened from the configuration.
type env struct {
	cfg   *config.Config
	out   *logging.Output
	store *db.DB
	tr    transport.Transport
	coord *coordinator.Coordinator
}

// envOptions tweak the coordinator for one-shot commands versus the daemon.
type envOptions struct {
	fullSyncOnSignIn bool
	// autoDrain is also subject to the auto_drain setting.
	autoDrain bool
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigDir())
}

func openEnv(opts envOptions) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	out, err := logging.NewOutput(logging.Options{File: cfg.LogFile})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	store, err := db.Open(cfg.DBPath())
	if err != nil {
		out.Close()
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		out.Close()
		return nil, err
	}

	tr, err := newTransport(cfg.CloudURL)
	if err != nil {
		store.Close()
		out.Close()
		return nil, err
	}

	coordConfig := coordinator.DefaultConfig()
	coordConfig.ReconnectDebounce = cfg.ReconnectDebounce
	coordConfig.PullInterval = cfg.PullInterval
	coordConfig.AutoDrain = opts.autoDrain && cfg.AutoDrain
	coordConfig.FullSyncOnSignIn = opts.fullSyncOnSignIn
	coordConfig.Logger = out.Logger("coordinator")

	coord, err := coordinator.NewWithConfig(store, tr, coordConfig)
	if err != nil {
		store.Close()
		out.Close()
		return nil, err
	}

	return &env{cfg: cfg, out: out, store: store, tr: tr, coord: coord}, nil
}

func (e *env) Close() {
	e.store.Close()
	e.out.Close()
}

// identity returns the configured identity: explicit user_id/token first,
// then the identity file.
func (e *env) identity() (transport.Identity, error) {
	if e.cfg.UserID != "" {
		return transport.Identity{UserID: e.cfg.UserID, Token: e.cfg.Token}, nil
	}
	return coordinator.ReadIdentity(e.cfg.IdentityFile)
}

// signIn signs the coordinator in, failing when nobody is logged in.
func (e *env) signIn(ctx context.Context) (transport.Identity, error) {
	id, err := e.identity()
	if err != nil {
		return id, err
	}
	if id.IsZero() {
		return id, fmt.Errorf("not signed in; run 'agentdesk cloud login' first")
	}
	return id, e.coord.SignIn(ctx, id)
}

// newTransport picks the transport for a cloud URL.
func newTransport(cloudURL string) (transport.Transport, error) {
	u, err := url.Parse(cloudURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cloud url %q: %w", cloudURL, err)
	}
	switch u.Scheme {
	case "memory":
		return transport.NewMemoryCloud(), nil
	case "http", "https":
		return transport.NewHTTPClient(cloudURL, nil), nil
	}
	return nil, fmt.Errorf("unsupported cloud url scheme %q", u.Scheme)
}
