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

// Package capability verifies that a discovered plugin unit is complete
// before it is trusted into a registry.
//
// Two checks exist. ValidateDir checks that a unit directory carries every
// file of a fixed manifest. ValidateObject checks that an instantiated
// component exposes every operation of a role's required operation set.
// Both fail fast on the first missing item.
package capability

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("invalid unit")

// ValidationError reports the first missing file or operation of a unit.
type ValidationError struct {
	Unit    string
	Kind    string // "file" or "operation"
	Missing string
}

func (e *ValidationError) Error() string {
	if e.Kind == "file" {
		return fmt.Sprintf("invalid unit %q: file %q is missing", e.Unit, e.Missing)
	}
	return fmt.Sprintf("invalid unit %q: operation %q is missing", e.Unit, e.Missing)
}

// Is makes errors.Is(err, ErrInvalid) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// Op is a named operation of a role, with the assertion that tells whether
// a candidate implements it.
type Op struct {
	Name      string
	Satisfied func(candidate any) bool
}

// Implements builds an Op satisfied by any candidate implementing T.
func Implements[T any](name string) Op {
	return Op{
		Name: name,
		Satisfied: func(candidate any) bool {
			_, ok := candidate.(T)
			return ok
		},
	}
}

// ValidateDir checks that every file of manifest exists inside dir.
func ValidateDir(dir string, manifest []string) error {
	unit := filepath.Base(dir)
	for _, f := range manifest {
		info, err := os.Stat(filepath.Join(dir, f))
		if err != nil || info.IsDir() {
			return &ValidationError{Unit: unit, Kind: "file", Missing: f}
		}
	}
	return nil
}

// ValidateObject checks that candidate satisfies every operation of ops.
func ValidateObject(unit string, candidate any, ops []Op) error {
	if candidate == nil {
		if len(ops) == 0 {
			return nil
		}
		return &ValidationError{Unit: unit, Kind: "operation", Missing: ops[0].Name}
	}
	for _, op := range ops {
		if op.Satisfied == nil || !op.Satisfied(candidate) {
			return &ValidationError{Unit: unit, Kind: "operation", Missing: op.Name}
		}
	}
	return nil
}
