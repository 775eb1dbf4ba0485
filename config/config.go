// Package config loads runtime settings from a YAML file, environment
// variables and defaults, in that descending precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// ChunkSize bounds merkle tree chunk payloads, in bytes.
	ChunkSize int `mapstructure:"chunk_size"`

	Store struct {
		// Dir is the local block store directory.
		Dir string `mapstructure:"dir"`
		// ChainFile optionally points to a chainconfig JSON file;
		// when set it overrides Dir and HTTPPeers.
		ChainFile string `mapstructure:"chain_file"`
	} `mapstructure:"store"`

	Relay struct {
		// URL of the NATS relay; empty runs without a relay.
		URL string `mapstructure:"url"`
		// ResolveTimeout bounds how long a resolve waits for a record.
		ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
	} `mapstructure:"relay"`

	HTTP struct {
		// Peers are block mirror base URLs used as read fallback.
		Peers []string `mapstructure:"peers"`
	} `mapstructure:"http"`

	P2P struct {
		Enabled        bool          `mapstructure:"enabled"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"p2p"`

	Retry struct {
		Delay    time.Duration `mapstructure:"delay"`
		WithHash int           `mapstructure:"with_hash"`
		NoHash   int           `mapstructure:"no_hash"`
	} `mapstructure:"retry"`

	Keys struct {
		// Dir is the keystore directory; empty uses the default.
		Dir string `mapstructure:"dir"`
		// Identity names the default identity.
		Identity string `mapstructure:"identity"`
	} `mapstructure:"keys"`

	Daemon struct {
		HTTPListen string `mapstructure:"http_listen"`
		GRPCListen string `mapstructure:"grpc_listen"`
	} `mapstructure:"daemon"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Load reads configuration. path may name a YAML file; empty path
// searches the working directory and ~/.hashtree for hashtree.yaml.
// Every key can be overridden with a HASHTREE_ environment variable
// (dots become underscores, e.g. HASHTREE_RELAY_URL).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HASHTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	} else {
		v.SetConfigName("hashtree")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hashtree")
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine; defaults and env apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chunk_size", 2<<20)
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("store.dir", filepath.Join(home, ".hashtree", "blocks"))
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.resolve_timeout", 10*time.Second)
	v.SetDefault("http.peers", []string{})
	v.SetDefault("p2p.enabled", true)
	v.SetDefault("p2p.connect_timeout", 15*time.Second)
	v.SetDefault("p2p.request_timeout", 30*time.Second)
	v.SetDefault("retry.delay", 2*time.Second)
	v.SetDefault("retry.with_hash", 3)
	v.SetDefault("retry.no_hash", 10)
	v.SetDefault("keys.identity", "default")
	v.SetDefault("daemon.http_listen", "127.0.0.1:8765")
	v.SetDefault("daemon.grpc_listen", "127.0.0.1:7777")
	v.SetDefault("log.level", "info")
}
