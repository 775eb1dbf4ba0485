package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree/config"
	"github.com/mmalmi/hashtree/keys"
	"github.com/mmalmi/hashtree/p2p"
	"github.com/mmalmi/hashtree/p2p/relaytransport"
	"github.com/mmalmi/hashtree/registry"
	"github.com/mmalmi/hashtree/relay"
	"github.com/mmalmi/hashtree/relay/memrelay"
	"github.com/mmalmi/hashtree/relay/natsrelay"
	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/backends"
	"github.com/mmalmi/hashtree/storage/chainconfig"
	"github.com/mmalmi/hashtree/storage/httpcas"
	"github.com/mmalmi/hashtree/storage/localfs"
	"github.com/mmalmi/hashtree/tree"
)

// app carries the wired-up runtime shared by all commands. Pieces are
// built lazily so read-only commands never touch the relay.
type app struct {
	cfg config.Config
	log *logrus.Entry

	store    storage.BlockStore
	local    storage.BlockStore
	mirror   storage.BlockStore
	closeFns []func() error
	engine   *tree.Engine
	relay    relay.Relay
	registry *registry.Registry
	keystore *keys.KeyStore
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", cfg.Log.Level, err)
	}
	log.SetLevel(level)

	return &app{cfg: cfg, log: logrus.NewEntry(log)}, nil
}

// openStore builds the block store chain: an explicit chain file wins;
// otherwise the local write-once store fronts the configured HTTP
// mirrors.
func (a *app) openStore() (storage.BlockStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	if a.cfg.Store.ChainFile != "" {
		chain, err := chainconfig.LoadFile(a.cfg.Store.ChainFile)
		if err != nil {
			return nil, err
		}
		store, closeFn, err := chain.Open(backends.UsageCLI, a.log)
		if err != nil {
			return nil, err
		}
		if closeFn != nil {
			a.closeFns = append(a.closeFns, closeFn)
		}
		a.store = store
		a.local = store
		return a.store, nil
	}

	local, err := localfs.New(a.cfg.Store.Dir)
	if err != nil {
		return nil, err
	}
	a.local = local
	named := []storage.Named{{Name: "local", Store: local}}
	if len(a.cfg.HTTP.Peers) > 0 {
		mirror, err := httpcas.New(a.cfg.HTTP.Peers, httpcas.Options{})
		if err != nil {
			return nil, err
		}
		a.mirror = mirror
		named = append(named, storage.Named{Name: "http", Store: mirror})
	}
	if len(named) == 1 {
		a.store = local
	} else {
		chain := storage.NewFallback(named...)
		chain.Log = a.log.WithField("component", "storage.fallback")
		a.store = chain
	}
	return a.store, nil
}

// readChain composes the read-side fallback order: local store, then
// connected peers, then HTTP mirrors. When the mesh is unavailable the
// plain store chain serves reads alone.
func (a *app) readChain() (storage.BlockStore, error) {
	base, err := a.openStore()
	if err != nil {
		return nil, err
	}
	peers, err := a.p2pStore()
	if err != nil {
		return base, nil
	}
	named := []storage.Named{{Name: "local", Store: a.local}, {Name: "p2p", Store: peers}}
	if a.mirror != nil {
		named = append(named, storage.Named{Name: "http", Store: a.mirror})
	}
	chain := storage.NewFallback(named...)
	chain.Log = a.log.WithField("component", "storage.fallback")
	return chain, nil
}

func (a *app) openEngine() (*tree.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	a.engine = tree.New(store, tree.Options{ChunkSize: a.cfg.ChunkSize})
	return a.engine, nil
}

// openRelay connects the configured NATS relay. Without a configured
// URL an in-process relay is returned so publish/resolve still work
// within one process.
func (a *app) openRelay() (relay.Relay, error) {
	if a.relay != nil {
		return a.relay, nil
	}
	if a.cfg.Relay.URL == "" {
		a.log.Warn("no relay configured, using in-process relay")
		a.relay = memrelay.New()
		return a.relay, nil
	}
	r, err := natsrelay.New(a.cfg.Relay.URL, a.log.WithField("component", "relay"), natsrelay.Options{Name: "hashtree"})
	if err != nil {
		return nil, err
	}
	a.relay = r
	a.closeFns = append(a.closeFns, r.Close)
	return a.relay, nil
}

func (a *app) openRegistry() (*registry.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	r, err := a.openRelay()
	if err != nil {
		return nil, err
	}
	a.registry = registry.New(r, a.log.WithField("component", "registry"), registry.Options{
		RetryDelay:    a.cfg.Retry.Delay,
		RetryWithHash: a.cfg.Retry.WithHash,
		RetryNoHash:   a.cfg.Retry.NoHash,
	})
	a.closeFns = append(a.closeFns, a.registry.Close)
	return a.registry, nil
}

func (a *app) openKeystore() (*keys.KeyStore, error) {
	if a.keystore != nil {
		return a.keystore, nil
	}
	ks, err := keys.OpenKeyStore(a.cfg.Keys.Dir)
	if err != nil {
		return nil, err
	}
	a.keystore = ks
	return ks, nil
}

// identity loads the configured default identity.
func (a *app) identity() (*keys.Identity, error) {
	ks, err := a.openKeystore()
	if err != nil {
		return nil, err
	}
	id, err := ks.Load(a.cfg.Keys.Identity)
	if err != nil {
		return nil, fmt.Errorf("load identity %q (run \"hashtree key gen\" first): %w", a.cfg.Keys.Identity, err)
	}
	return id, nil
}

// identityOptional loads the default identity if one exists; callers
// that only need it to unlock private records treat absence as nil.
func (a *app) identityOptional() (*keys.Identity, error) {
	ks, err := a.openKeystore()
	if err != nil {
		return nil, err
	}
	id, err := ks.Load(a.cfg.Keys.Identity)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// p2pStore joins the mesh when enabled and a real relay is configured.
func (a *app) p2pStore() (storage.BlockStore, error) {
	if !a.cfg.P2P.Enabled || a.cfg.Relay.URL == "" {
		return nil, errors.New("p2p disabled")
	}
	r, err := a.openRelay()
	if err != nil {
		return nil, err
	}
	local, err := a.openStore()
	if err != nil {
		return nil, err
	}
	owner := ""
	if id, err := a.identity(); err == nil {
		owner = id.OwnerKey()
	}
	transport := relaytransport.New(r, local)
	mgr, err := p2p.NewManager(r, transport, a.log.WithField("component", "p2p"), p2p.Options{
		Owner:          owner,
		ConnectTimeout: a.cfg.P2P.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := mgr.Start(); err != nil {
		return nil, err
	}
	a.closeFns = append(a.closeFns, mgr.Close)
	return p2p.NewStore(mgr, a.cfg.P2P.RequestTimeout), nil
}

func (a *app) close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		if err := a.closeFns[i](); err != nil {
			a.log.WithError(err).Debug("close failed")
		}
	}
}
