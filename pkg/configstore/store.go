// Package configstore loads the gpunetd configuration file and keeps the
// parsed tree alongside its compiled form.
package configstore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/psaab/gpunetio/pkg/config"
)

// ErrNotLoaded is returned when no configuration has been loaded yet.
var ErrNotLoaded = errors.New("configuration not loaded")

// Store holds the active configuration.
type Store struct {
	mu       sync.RWMutex
	active   *config.ConfigTree
	compiled *config.Config
	filePath string
}

// New creates a new config store backed by filePath.
func New(filePath string) *Store {
	return &Store{filePath: filePath}
}

// Path returns the configuration file path.
func (s *Store) Path() string {
	return s.filePath
}

// Load reads, parses and compiles the configuration file. On failure the
// previously loaded configuration, if any, stays active.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return s.LoadString(string(data))
}

// LoadString parses and compiles text and makes it the active config.
func (s *Store) LoadString(text string) error {
	tree, compiled, err := Check(text)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.active = tree
	s.compiled = compiled
	s.mu.Unlock()
	return nil
}

// Check parses and compiles text without touching any store.
func Check(text string) (*config.ConfigTree, *config.Config, error) {
	tree, errs := config.NewParser(text).Parse()
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, nil, fmt.Errorf("parse config: %s", strings.Join(msgs, "; "))
	}

	compiled, err := config.CompileConfig(tree)
	if err != nil {
		return nil, nil, fmt.Errorf("compile config: %w", err)
	}
	return tree, compiled, nil
}

// ActiveConfig returns the compiled active configuration.
func (s *Store) ActiveConfig() (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.compiled == nil {
		return nil, ErrNotLoaded
	}
	return s.compiled, nil
}

// ShowActive returns the active configuration in hierarchical form.
func (s *Store) ShowActive() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.Format()
}
