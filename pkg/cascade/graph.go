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

package cascade

import (
	"sort"

	"github.com/kadirpekel/loopctl/pkg/domain"
)

// Graph, DetectCycle, CycleError and ErrCycleDetected are defined in
// pkg/domain: pkg/store needs the same cycle check on its own data and
// can't import this package (this package already imports pkg/store), so
// the shared graph logic lives one layer down and both sides alias it.
type Graph = domain.Graph

var (
	DetectCycle      = domain.DetectCycle
	ErrCycleDetected = domain.ErrCycleDetected
)

// CycleError reports the exact back-edge path that closed the cycle.
type CycleError = domain.CycleError

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// TopoOrder returns g's nodes in dependency-first order: a node always
// appears after everything it depends on. It assumes g is acyclic; call
// DetectCycle first if that isn't already guaranteed.
func TopoOrder(g Graph) []string {
	state := make(map[string]visitState, len(g))
	var order []string

	var visit func(node string)
	visit = func(node string) {
		state[node] = visiting
		for _, dep := range g[node] {
			if state[dep] == unvisited {
				visit(dep)
			}
		}
		state[node] = visited
		order = append(order, node)
	}

	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if state[k] == unvisited {
			visit(k)
		}
	}
	return order
}

// Satisfied reports whether every dependency in deps is present in
// completed (the set of execution ids currently in the Complete status).
func Satisfied(deps []string, completed map[string]bool) bool {
	for _, d := range deps {
		if !completed[d] {
			return false
		}
	}
	return true
}
