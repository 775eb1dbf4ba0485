// Package chainconfig opens a block store chain from declarative
// configuration, so binaries select backends at runtime instead of
// compile time.
package chainconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/backends"
)

// Config describes an ordered chain of backends.
//
// WritePolicy values:
//   - "first" (default): write only to the first backend; reads fall
//     back in order with backfill.
//   - "all": write to all backends and require CID equality.
//
// Example:
//
//	{
//	  "write_policy": "first",
//	  "backends": [
//	    {"name":"localfs", "config":{"dir":"/var/lib/hashtree/blocks"}},
//	    {"name":"http", "config":{"urls":"https://mirror.example/blocks"}}
//	  ]
//	}
type Config struct {
	WritePolicy string          `json:"write_policy,omitempty"`
	Backends    []BackendConfig `json:"backends"`
}

type BackendConfig struct {
	// Name is the backends registry name to open (e.g. "localfs").
	Name string `json:"name"`
	// ID is an optional stable alias; defaults to Name.
	ID     string            `json:"id,omitempty"`
	Config map[string]string `json:"config,omitempty"`
}

func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("chainconfig: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("chainconfig: at least one backend is required")
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return errors.New("chainconfig: backend name is required")
		}
		id := b.Name
		if b.ID != "" {
			id = b.ID
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("chainconfig: duplicate backend id %q", id)
		}
		seen[id] = struct{}{}
	}
	switch c.WritePolicy {
	case "", "first", "all":
		return nil
	default:
		return fmt.Errorf("chainconfig: invalid write_policy %q", c.WritePolicy)
	}
}

// Open opens the configured chain. With one backend the store is
// returned directly; otherwise the chain composes into a Fallback
// ("first") or Replicating ("all") store. The returned close function
// releases every opened backend.
func (c Config) Open(usage backends.Usage, log *logrus.Entry) (storage.BlockStore, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	named := make([]storage.Named, 0, len(c.Backends))
	closers := make([]func() error, 0, len(c.Backends))
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	for _, b := range c.Backends {
		store, closeFn, err := backends.Open(b.Name, usage, b.Config)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("chainconfig: open %q: %w", b.Name, err)
		}
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
		id := b.Name
		if b.ID != "" {
			id = b.ID
		}
		named = append(named, storage.Named{Name: id, Store: store})
	}

	if len(named) == 1 {
		return named[0].Store, closeAll, nil
	}
	if c.WritePolicy == "all" {
		return storage.Replicating{Backends: named}, closeAll, nil
	}
	chain := storage.NewFallback(named...)
	if log != nil {
		chain.Log = log
	}
	return chain, closeAll, nil
}
