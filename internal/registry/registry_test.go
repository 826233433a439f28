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

package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wedo/devicehandler/internal/capability"
)

type pinger interface{ Ping() string }

type goodUnit struct{ greeting string }

func (g *goodUnit) Ping() string { return g.greeting }

type lazyUnit struct{}

var testRole = Role{
	Name:     "device",
	Manifest: []string{"device.conf", ConfigFile},
	Ops:      []capability.Op{capability.Implements[pinger]("ping")},
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(testRole)
	r.MustRegister(Kind{Name: "good", Factory: func(u Unit) (any, error) {
		var cfg struct {
			Greeting string `yaml:"greeting"`
		}
		if err := u.Decode(&cfg); err != nil {
			return nil, err
		}
		return &goodUnit{greeting: cfg.Greeting}, nil
	}})
	r.MustRegister(Kind{Name: "lazy", Factory: func(Unit) (any, error) { return &lazyUnit{}, nil }})
	r.MustRegister(Kind{Name: "broken", Factory: func(Unit) (any, error) { return nil, errors.New("boom") }})
	return r
}

func writeUnit(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for f, content := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRegister_Errors(t *testing.T) {
	r := New(testRole)
	factory := func(Unit) (any, error) { return nil, nil }

	if err := r.Register(Kind{Factory: factory}); !errors.Is(err, ErrEmptyKind) {
		t.Errorf("empty name: got %v", err)
	}
	if err := r.Register(Kind{Name: "x"}); !errors.Is(err, ErrNilFactory) {
		t.Errorf("nil factory: got %v", err)
	}
	if err := r.Register(Kind{Name: "x", Factory: factory}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Kind{Name: "x", Factory: factory}); !errors.Is(err, ErrDuplicateKind) {
		t.Errorf("duplicate: got %v", err)
	}
	if !r.IsRegistered("x") || r.IsRegistered("y") {
		t.Error("IsRegistered mismatch")
	}
}

func TestMustRegister_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New(testRole).MustRegister(Kind{Name: "x"})
}

func TestKinds_Sorted(t *testing.T) {
	got := newTestRegistry(t).Kinds()
	want := []string{"broken", "good", "lazy"}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kinds = %v, want %v", got, want)
		}
	}
}

// TestDiscover_SkipsInvalidUnits verifies that only complete units whose
// component exposes every required operation are returned, in name order.
func TestDiscover_SkipsInvalidUnits(t *testing.T) {
	t.Setenv("REGISTRY_TEST_GREETING", "hola")
	root := t.TempDir()

	writeUnit(t, root, "zeta", map[string]string{"device.conf": "x", ConfigFile: "kind: good\ngreeting: zeta\n"})
	writeUnit(t, root, "alpha", map[string]string{"device.conf": "x", ConfigFile: "kind: good\ngreeting: ${REGISTRY_TEST_GREETING}\n"})
	// Kind defaults to the directory name.
	writeUnit(t, root, "good", map[string]string{"device.conf": "x", ConfigFile: "greeting: by-name\n"})
	writeUnit(t, root, "no-store", map[string]string{ConfigFile: "kind: good\n"})
	writeUnit(t, root, "unknown", map[string]string{"device.conf": "x", ConfigFile: "kind: toaster\n"})
	writeUnit(t, root, "missing-op", map[string]string{"device.conf": "x", ConfigFile: "kind: lazy\n"})
	writeUnit(t, root, "fails", map[string]string{"device.conf": "x", ConfigFile: "kind: broken\n"})
	writeUnit(t, root, "bad-yaml", map[string]string{"device.conf": "x", ConfigFile: "kind: [\n"})
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("not a unit"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := newTestRegistry(t).Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	want := []struct{ name, greeting string }{
		{"alpha", "hola"},
		{"good", "by-name"},
		{"zeta", "zeta"},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, w := range want {
		e := entries[i]
		if e.Name != w.name || e.Kind != "good" {
			t.Errorf("entry %d = %s/%s, want %s/good", i, e.Name, e.Kind, w.name)
		}
		if got := e.Component.(pinger).Ping(); got != w.greeting {
			t.Errorf("entry %s greeting = %q, want %q", e.Name, got, w.greeting)
		}
	}
}

func TestDiscover_NoUnits(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "no-store", map[string]string{ConfigFile: "kind: good\n"})

	if _, err := newTestRegistry(t).Discover(root); !errors.Is(err, ErrNoUnits) {
		t.Errorf("expected ErrNoUnits, got %v", err)
	}
}

func TestDiscover_MissingDir(t *testing.T) {
	_, err := newTestRegistry(t).Discover(filepath.Join(t.TempDir(), "nope"))
	if err == nil || errors.Is(err, ErrNoUnits) {
		t.Errorf("expected read error, got %v", err)
	}
}
