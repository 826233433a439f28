// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry discovers plugin units on disk and turns them into
// validated components. A Registry serves one role (collectors or devices):
// it holds the kinds that can be built for that role and, given a plugin
// directory, builds and validates one component per unit subdirectory.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wedo/devicehandler/internal/capability"
)

// ConfigFile is the per-unit configuration file.
const ConfigFile = "config.yaml"

var (
	// ErrEmptyKind is returned when registering a kind without a name.
	ErrEmptyKind = errors.New("kind name cannot be empty")
	// ErrNilFactory is returned when registering a kind without a factory.
	ErrNilFactory = errors.New("factory cannot be nil")
	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("kind already registered")
	// ErrUnknownKind is returned when a unit names a kind nobody registered.
	ErrUnknownKind = errors.New("unknown kind")
	// ErrNoUnits is returned by Discover when no valid unit was found.
	ErrNoUnits = errors.New("no valid units found")
)

// Role describes what a registry holds: the files every unit directory
// must carry and the operations every built component must expose.
type Role struct {
	Name     string
	Manifest []string
	Ops      []capability.Op
}

// Unit is one plugin directory as seen by a factory.
type Unit struct {
	Name   string
	Dir    string
	Config []byte
}

// Decode expands environment references in the unit's config.yaml and
// unmarshals it into v.
func (u Unit) Decode(v any) error {
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(u.Config))), v); err != nil {
		return fmt.Errorf("parse %s config: %w", u.Name, err)
	}
	return nil
}

// Factory builds a component from a unit. It is the unit's entry point.
type Factory func(u Unit) (any, error)

// Kind is a registered component kind.
type Kind struct {
	Name        string
	Description string
	Factory     Factory
}

// Entry is a discovered, validated component.
type Entry struct {
	Name      string
	Kind      string
	Dir       string
	Component any
}

// Registry holds the kinds of one role.
type Registry struct {
	role Role
	log  *slog.Logger

	mu    sync.RWMutex
	kinds map[string]Kind
}

// New creates an empty registry for role.
func New(role Role) *Registry {
	return &Registry{
		role:  role,
		log:   slog.With("module", "MAIN", "role", role.Name),
		kinds: make(map[string]Kind),
	}
}

// Role returns the registry's role.
func (r *Registry) Role() Role { return r.role }

// Register adds a kind.
func (r *Registry) Register(k Kind) error {
	if k.Name == "" {
		return ErrEmptyKind
	}
	if k.Factory == nil {
		return fmt.Errorf("kind %q: %w", k.Name, ErrNilFactory)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[k.Name]; ok {
		return fmt.Errorf("kind %q: %w", k.Name, ErrDuplicateKind)
	}
	r.kinds[k.Name] = k
	return nil
}

// MustRegister is Register that panics on error. It is meant for the
// static registration list built at startup.
func (r *Registry) MustRegister(k Kind) {
	if err := r.Register(k); err != nil {
		panic(fmt.Sprintf("register %s kind: %v", r.role.Name, err))
	}
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether kind is registered.
func (r *Registry) IsRegistered(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

type unitHeader struct {
	Kind string `yaml:"kind"`
}

// Discover builds one component per subdirectory of dir, in name order.
// A unit that misses a manifest file, names an unknown kind, fails to build
// or lacks a required operation is logged and skipped. Discover fails only
// when dir cannot be read or when no unit survives.
func (r *Registry) Discover(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s directory: %w", r.role.Name, err)
	}

	var names []string
	for _, de := range dirents {
		if de.IsDir() {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)

	var entries []Entry
	for _, name := range names {
		e, err := r.load(filepath.Join(dir, name))
		if err != nil {
			r.log.Error("skipping invalid unit", "unit", name, "error", err)
			continue
		}
		r.log.Info("unit registered", "unit", name, "kind", e.Kind)
		entries = append(entries, e)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%s in %s: %w", r.role.Name, dir, ErrNoUnits)
	}
	return entries, nil
}

func (r *Registry) load(dir string) (Entry, error) {
	name := filepath.Base(dir)
	if err := capability.ValidateDir(dir, r.role.Manifest); err != nil {
		return Entry{}, err
	}

	unit := Unit{Name: name, Dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	switch {
	case err == nil:
		unit.Config = data
	case !errors.Is(err, os.ErrNotExist):
		return Entry{}, fmt.Errorf("read %s config: %w", name, err)
	}

	var hdr unitHeader
	if err := unit.Decode(&hdr); err != nil {
		return Entry{}, err
	}
	kind := hdr.Kind
	if kind == "" {
		kind = name
	}

	r.mu.RLock()
	k, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("unit %s: %w %q", name, ErrUnknownKind, kind)
	}

	component, err := k.Factory(unit)
	if err != nil {
		return Entry{}, fmt.Errorf("build %s: %w", name, err)
	}
	if err := capability.ValidateObject(name, component, r.role.Ops); err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Kind: kind, Dir: dir, Component: component}, nil
}
