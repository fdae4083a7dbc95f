// Package credentials defines the credential collaborator consumed by node
// execution contexts, and a static provider for tests and the CLI.
package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Data is a decrypted credential bag.
type Data map[string]string

// Provider resolves and decrypts credentials by type and id.
type Provider interface {
	Resolve(ctx context.Context, credType, id string) (Data, error)
}

type key struct {
	credType string
	id       string
}

// Static holds credentials in memory.
type Static struct {
	mu      sync.RWMutex
	entries map[key]Data
}

// NewStatic creates an empty static provider
func NewStatic() *Static {
	return &Static{entries: make(map[key]Data)}
}

// Set stores data under credType and id
func (s *Static) Set(credType, id string, data Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(Data, len(data))
	for k, v := range data {
		cp[k] = v
	}
	s.entries[key{credType, id}] = cp
}

// Resolve implements Provider.
func (s *Static) Resolve(ctx context.Context, credType, id string) (Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.entries[key{credType, id}]
	if !ok {
		return nil, derrors.NewCredentialError(credType, fmt.Sprintf("credential %q not found", id), derrors.ErrNotFound)
	}
	cp := make(Data, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp, nil
}

type fileEntry struct {
	Type string            `yaml:"type"`
	ID   string            `yaml:"id"`
	Data map[string]string `yaml:"data"`
}

// LoadFile reads a YAML list of {type, id, data} entries. Values of the form
// ${NAME} are expanded from the environment.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var entries []fileEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	s := NewStatic()
	for i, e := range entries {
		if e.Type == "" || e.ID == "" {
			return nil, fmt.Errorf("credential entry %d: type and id are required", i)
		}
		data := make(Data, len(e.Data))
		for k, v := range e.Data {
			data[k] = os.ExpandEnv(v)
		}
		s.Set(e.Type, e.ID, data)
	}
	return s, nil
}
