package backends

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/grpccas"
	"github.com/mmalmi/hashtree/storage/httpcas"
	"github.com/mmalmi/hashtree/storage/localfs"
	"github.com/mmalmi/hashtree/storage/memstore"
)

// Built-in backends. External backends register themselves the same
// way from their own packages.
func init() {
	MustRegister(Backend{
		Name:        "mem",
		Description: "in-memory store, optional ttl (e.g. ttl=10m)",
		Usage:       UsageCLI | UsageDaemon,
		Open: func(config map[string]string) (storage.BlockStore, func() error, error) {
			if raw := config["ttl"]; raw != "" {
				ttl, err := time.ParseDuration(raw)
				if err != nil {
					return nil, nil, err
				}
				return memstore.NewWithTTL(ttl), nil, nil
			}
			return memstore.New(), nil, nil
		},
	})

	MustRegister(Backend{
		Name:        "localfs",
		Description: "write-once local filesystem store (dir=/path)",
		Usage:       UsageCLI | UsageDaemon,
		Open: func(config map[string]string) (storage.BlockStore, func() error, error) {
			dir := config["dir"]
			if dir == "" {
				return nil, nil, errors.New("localfs backend requires dir")
			}
			s, err := localfs.New(dir)
			return s, nil, err
		},
	})

	MustRegister(Backend{
		Name:        "http",
		Description: "HTTP block mirror client (urls=http://a,http://b timeout=10s)",
		Usage:       UsageCLI | UsageDaemon,
		Open: func(config map[string]string) (storage.BlockStore, func() error, error) {
			raw := config["urls"]
			if raw == "" {
				return nil, nil, errors.New("http backend requires urls")
			}
			opts := httpcas.Options{}
			if t := config["timeout"]; t != "" {
				d, err := time.ParseDuration(t)
				if err != nil {
					return nil, nil, err
				}
				opts.Timeout = d
			}
			s, err := httpcas.New(strings.Split(raw, ","), opts)
			return s, nil, err
		},
	})

	MustRegister(Backend{
		Name:        "grpc",
		Description: "gRPC block service client (target=host:port)",
		Usage:       UsageCLI | UsageDaemon,
		Open: func(config map[string]string) (storage.BlockStore, func() error, error) {
			target := config["target"]
			if target == "" {
				return nil, nil, errors.New("grpc backend requires target")
			}
			opts := grpccas.DialOptions{}
			if t := config["timeout"]; t != "" {
				d, err := time.ParseDuration(t)
				if err != nil {
					return nil, nil, err
				}
				opts.Timeout = d
			}
			if m := config["max-msg-bytes"]; m != "" {
				n, err := strconv.Atoi(m)
				if err != nil {
					return nil, nil, err
				}
				opts.MaxMsgBytes = n
			}
			c, err := grpccas.Dial(target, opts)
			if err != nil {
				return nil, nil, err
			}
			return c, c.Close, nil
		},
	})
}
