package ipfs

import (
	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/backends"
)

// Registered by importing this package, usually blank:
//
//	import _ "github.com/mmalmi/hashtree/storage/ipfs"
func init() {
	backends.MustRegister(backends.Backend{
		Name:        "ipfs",
		Description: "local Kubo CLI block store (bin=/path/to/ipfs)",
		Usage:       backends.UsageCLI | backends.UsageDaemon,
		Open: func(config map[string]string) (storage.BlockStore, func() error, error) {
			return New(Options{Bin: config["bin"]}), nil, nil
		},
	})
}
