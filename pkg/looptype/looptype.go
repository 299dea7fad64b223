// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package looptype holds the Loop-Type Definition registry: the set of
// loop types a deployment recognizes (plan, spec, phase, ralph, ...) and
// the forest-of-single-child-chains hierarchy that links them.
package looptype

import (
	"fmt"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/registry"
)

// Definition is one registered loop type.
type Definition struct {
	Name                string
	Template            string
	Child               string
	DefaultPriority     int
	DefaultIterationCap int
	UserGated           bool
	HasPhases           bool
}

func fromConfig(c config.LoopTypeConfig) Definition {
	return Definition{
		Name:                c.Name,
		Template:            c.Template,
		Child:               c.Child,
		DefaultPriority:     c.DefaultPriority,
		DefaultIterationCap: c.DefaultIterationCap,
		UserGated:           c.UserGated,
		HasPhases:           c.HasPhases,
	}
}

// Registry holds the loop-type forest and validates it stays a forest of
// single-child chains: every type names at most one child, and following
// Child links can never cycle back to a type already visited.
type Registry struct {
	base *registry.BaseRegistry[Definition]
}

// New builds a Registry from a deployment's configured loop types,
// rejecting any configuration that is not a forest of single-child chains.
func New(loopTypes []config.LoopTypeConfig) (*Registry, error) {
	r := &Registry{base: registry.NewBaseRegistry[Definition]()}
	for _, lt := range loopTypes {
		if err := r.base.Register(lt.Name, fromConfig(lt)); err != nil {
			return nil, fmt.Errorf("looptype: %w", err)
		}
	}
	if err := r.validateForest(); err != nil {
		return nil, err
	}
	return r, nil
}

// validateForest walks the Child chain from every type and rejects cycles.
// A forest of single-child chains is automatically satisfied by the
// registration map (one Child field per type); the only way to violate it
// is a cycle, e.g. a -> b -> a.
func (r *Registry) validateForest() error {
	for _, d := range r.base.List() {
		visited := map[string]bool{d.Name: true}
		cur := d.Child
		for cur != "" {
			if visited[cur] {
				return fmt.Errorf("looptype: cycle detected in child chain starting at %q", d.Name)
			}
			visited[cur] = true
			next, ok := r.base.Get(cur)
			if !ok {
				return fmt.Errorf("looptype: %q declares unknown child %q", d.Name, cur)
			}
			cur = next.Child
		}
	}
	return nil
}

// Get returns the named loop-type definition.
func (r *Registry) Get(name string) (Definition, bool) {
	return r.base.Get(name)
}

// List returns every registered loop-type definition.
func (r *Registry) List() []Definition {
	return r.base.List()
}

// ChildOf returns the child type of name, if one is declared.
func (r *Registry) ChildOf(name string) (Definition, bool) {
	d, ok := r.base.Get(name)
	if !ok || d.Child == "" {
		return Definition{}, false
	}
	return r.base.Get(d.Child)
}

// Roots returns every loop type that is not itself declared as another
// type's child, i.e. the entry points of the forest.
func (r *Registry) Roots() []Definition {
	children := make(map[string]bool)
	for _, d := range r.base.List() {
		if d.Child != "" {
			children[d.Child] = true
		}
	}
	var roots []Definition
	for _, d := range r.base.List() {
		if !children[d.Name] {
			roots = append(roots, d)
		}
	}
	return roots
}
