// Package backends is a build-time plugin registry for block store
// implementations. A backend registers itself in init(); a binary
// enables it by importing the backend's register file (often blank).
package backends

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mmalmi/hashtree/storage"
)

// Usage restricts which programs should accept a given backend.
type Usage uint8

const (
	// UsageCLI marks backends for short-lived command-line programs.
	UsageCLI Usage = 1 << iota
	// UsageDaemon marks backends for long-running daemons.
	UsageDaemon
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }

// Backend can open a storage.BlockStore from string configuration.
type Backend struct {
	Name        string
	Description string
	Usage       Usage

	// Open constructs the store from backend-specific config keys
	// (documented per backend). It returns an optional close function.
	Open func(config map[string]string) (storage.BlockStore, func() error, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]Backend{}
)

// Register registers a backend.
func Register(b Backend) error {
	if b.Name == "" {
		return fmt.Errorf("backends: backend name is required")
	}
	if b.Open == nil {
		return fmt.Errorf("backends: backend %q missing Open", b.Name)
	}
	if b.Usage == 0 {
		return fmt.Errorf("backends: backend %q missing Usage", b.Name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[b.Name]; exists {
		return fmt.Errorf("backends: backend %q already registered", b.Name)
	}
	registry[b.Name] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// List returns backends matching usage, sorted by name.
func List(usage Usage) []Backend {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Backend, 0, len(registry))
	for _, b := range registry {
		if b.Usage.allows(usage) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns backend names matching usage, sorted.
func Names(usage Usage) []string {
	bs := List(usage)
	n := make([]string, 0, len(bs))
	for _, b := range bs {
		n = append(n, b.Name)
	}
	return n
}

// Open opens the named backend if it exists and matches usage.
func Open(name string, usage Usage, config map[string]string) (storage.BlockStore, func() error, error) {
	mu.RLock()
	b, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
	if !b.Usage.allows(usage) {
		return nil, nil, fmt.Errorf("backend %q not supported in this binary", name)
	}
	return b.Open(config)
}
