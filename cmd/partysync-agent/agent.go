package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-party-sync/internal/config"
	"github.com/tbourn/go-party-sync/internal/eventmgr"
	"github.com/tbourn/go-party-sync/internal/fallback"
	"github.com/tbourn/go-party-sync/internal/pollclient"
	"github.com/tbourn/go-party-sync/internal/relay"
	"github.com/tbourn/go-party-sync/internal/relay/zmqrelay"
	"github.com/tbourn/go-party-sync/internal/repo"
	"github.com/tbourn/go-party-sync/internal/storage"
)

// agent owns the collaborators of one event manager.
type agent struct {
	mgr   *eventmgr.Manager
	poll  *pollclient.Client
	relay relay.Relay

	closers []func() error
}

// openStore opens the durable outbound queue.
func openStore(backend, path string) (fallback.Store, func() error, error) {
	switch backend {
	case "bolt":
		q, err := storage.OpenBoltQueue(path)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	case "sqlite":
		db, err := repo.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.AutoMigrate(db); err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return repo.NewQueueRepo(db), sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

// newAgent wires the relay client, poll client and queue into a manager.
// r overrides the ZeroMQ relay when non-nil.
func newAgent(cfg config.Config, r relay.Relay, onState pollclient.StateFunc) (*agent, error) {
	a := &agent{}

	poll, err := pollclient.New(pollclient.Config{
		BaseURL: cfg.Agent.ServerURL,
		Timeout: cfg.Agent.HTTPTimeout,
		ActorID: cfg.Agent.ActorID,
	}, pollclient.WithStateFunc(onState))
	if err != nil {
		return nil, err
	}
	a.poll = poll

	if r == nil {
		zc, err := zmqrelay.NewClient(cfg.Relay.Client)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, zc.Close)
		r = zc
	}
	a.relay = r

	store, closeStore, err := openStore(cfg.Agent.QueueBackend, cfg.Agent.QueuePath)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	mgr, err := eventmgr.New(eventmgr.Deps{
		Relay:     r,
		Poller:    poll,
		Pusher:    poll,
		Store:     store,
		Recoverer: poll,
	}, cfg.Sync)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.mgr = mgr
	return a, nil
}

// start initializes the manager for scopeID. A failed first connect is only
// logged: reconnection and the poll fallback take over from there.
func (a *agent) start(ctx context.Context, scopeID string) error {
	err := a.mgr.Initialize(ctx, scopeID)
	if err == nil {
		return nil
	}
	if errors.Is(err, eventmgr.ErrEmptyScope) || errors.Is(err, eventmgr.ErrAlreadyInitialized) || errors.Is(err, eventmgr.ErrClosed) {
		return err
	}
	log.Warn().Err(err).Str("scope_id", scopeID).Msg("relay connect failed, continuing on fallback")
	return nil
}

// Close tears the manager down, then releases the relay and the queue.
func (a *agent) Close() error {
	if a.mgr != nil {
		a.mgr.Cleanup()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
