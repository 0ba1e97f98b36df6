// Package store persists the declared client configuration. Every
// mutation durably rewrites clients.json before returning, and rolls the
// in-memory copy back when the write fails, so a successful call is never
// lost to a crash and a failed one leaves no trace.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/security"
	"github.com/mstiles/tunnelpanel/internal/util"
)

// Store holds client specs in insertion order. Safe for concurrent use;
// mutating calls never interleave partial writes.
type Store struct {
	mu    sync.Mutex
	specs []model.ClientSpec
	index map[string]int
}

// Open loads the spec store from clients.json. A missing file yields an
// empty store.
func Open() (*Store, error) {
	s := &Store{index: make(map[string]int)}
	path, err := appconfig.ClientsFilePath()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.specs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, sp := range s.specs {
		s.index[sp.Name] = i
	}
	return s, nil
}

// Add inserts a new spec. Fails with security.ErrDuplicateName when the
// name is taken and security.ErrPersistence when the durable write fails;
// in both cases the store is unchanged.
func (s *Store) Add(spec model.ClientSpec) error {
	if err := validate(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[spec.Name]; ok {
		return fmt.Errorf("%w: %s", security.ErrDuplicateName, spec.Name)
	}
	s.specs = append(s.specs, spec)
	s.index[spec.Name] = len(s.specs) - 1
	if err := s.save(); err != nil {
		s.specs = s.specs[:len(s.specs)-1]
		delete(s.index, spec.Name)
		return fmt.Errorf("%w: %v", security.ErrPersistence, err)
	}
	return nil
}

// Update replaces the spec stored under name. The name itself is
// immutable; whatever spec.Name carries is overwritten with name.
func (s *Store) Update(name string, spec model.ClientSpec) error {
	spec.Name = name
	if err := validate(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", security.ErrNotFound, name)
	}
	prev := s.specs[i]
	s.specs[i] = spec
	if err := s.save(); err != nil {
		s.specs[i] = prev
		return fmt.Errorf("%w: %v", security.ErrPersistence, err)
	}
	return nil
}

// Remove deletes the spec stored under name. The caller (the panel
// facade) is responsible for stopping a running client first.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", security.ErrNotFound, name)
	}
	prev := make([]model.ClientSpec, len(s.specs))
	copy(prev, s.specs)
	s.specs = append(s.specs[:i], s.specs[i+1:]...)
	s.reindex()
	if err := s.save(); err != nil {
		s.specs = prev
		s.reindex()
		return fmt.Errorf("%w: %v", security.ErrPersistence, err)
	}
	return nil
}

// Get returns the spec stored under name.
func (s *Store) Get(name string) (model.ClientSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[name]
	if !ok {
		return model.ClientSpec{}, fmt.Errorf("%w: %s", security.ErrNotFound, name)
	}
	return s.specs[i], nil
}

// List returns all specs in insertion order. The slice is a copy.
func (s *Store) List() []model.ClientSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ClientSpec, len(s.specs))
	copy(out, s.specs)
	return out
}

// save rewrites the full store. Caller must hold the lock.
func (s *Store) save() error {
	path, err := appconfig.ClientsFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.specs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.specs))
	for i, sp := range s.specs {
		s.index[sp.Name] = i
	}
}

func validate(spec model.ClientSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("client name cannot be empty")
	}
	if err := util.ValidateAddr(spec.Addr); err != nil {
		return err
	}
	if spec.Key == "" {
		return fmt.Errorf("client key cannot be empty")
	}
	return nil
}
