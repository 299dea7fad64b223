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

// Package cascade turns Loop Engine completions into new work and keeps
// the execution dependency graph a DAG: it creates the Artifact Record for
// a finished execution, spawns child executions for loop types that
// declare one, merges code-producing workspaces back to trunk, and
// rejects any dependency set that would introduce a cycle.
package cascade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/loopctl/pkg/domain"
	"github.com/kadirpekel/loopctl/pkg/looptype"
	"github.com/kadirpekel/loopctl/pkg/store"
	"github.com/kadirpekel/loopctl/pkg/telemetry"
	"github.com/kadirpekel/loopctl/pkg/workspace"
)

// ChildDiscovery scans an execution's output directory for sub-artifacts
// that should become child executions, e.g. one spec document becoming
// one spec execution per discovered phase section. Loop engines supply
// their own discovery logic; the engine just needs titles and per-child
// context slices back.
type ChildDiscovery interface {
	Discover(ctx context.Context, parent *domain.ExecutionRecord, outputDir string) ([]ChildSeed, error)
}

// ChildSeed is one discovered piece of follow-on work.
type ChildSeed struct {
	Title   string
	Context map[string]string
}

// Engine is the Cascade & Dependency Engine.
type Engine struct {
	store     *store.Actor
	loopTypes *looptype.Registry
	workspace *workspace.Driver
	discovery ChildDiscovery
	log       *slog.Logger
	tel       *telemetry.Provider
}

// SetTelemetry attaches the tracer provider OnCompletion starts spans
// against.
func (e *Engine) SetTelemetry(p *telemetry.Provider) {
	e.tel = p
}

// New creates a cascade Engine.
func New(st *store.Actor, loopTypes *looptype.Registry, ws *workspace.Driver, discovery ChildDiscovery) *Engine {
	return &Engine{
		store:     st,
		loopTypes: loopTypes,
		workspace: ws,
		discovery: discovery,
		log:       slog.Default().With("component", "cascade"),
	}
}

// OnCompletion runs the four-step on-completion procedure for an execution
// the Loop Engine reported Complete. When the loop type produces code
// (ShouldMerge), the merge attempt happens first and can redirect the
// record to Blocked or Failed instead of Complete.
func (e *Engine) OnCompletion(ctx context.Context, execID, outputDir string) (err error) {
	ctx, span := e.tel.StartCascade(ctx, execID)
	defer func() { telemetry.EndWithError(span, err) }()

	rec, err := e.store.Get(ctx, execID)
	if err != nil {
		return fmt.Errorf("cascade: loading execution %s: %w", execID, err)
	}

	def, ok := e.loopTypes.Get(rec.LoopType)
	if !ok {
		return fmt.Errorf("cascade: unknown loop type %q for execution %s", rec.LoopType, execID)
	}

	if e.workspace != nil && e.workspace.ShouldMerge(rec.LoopType) {
		result, err := e.workspace.Merge(ctx, execID, rec.Title)
		if err != nil {
			return fmt.Errorf("cascade: merging %s: %w", execID, err)
		}
		switch result.Outcome {
		case workspace.MergeConflict:
			rec.Status = domain.StatusBlocked
			rec.LastError = result.Message
			return e.store.Update(ctx, rec)
		case workspace.MergePushFailed:
			rec.Status = domain.StatusFailed
			rec.LastError = result.Message
			return e.store.Update(ctx, rec)
		}
	}

	rec.Status = domain.StatusComplete
	rec.ArtifactPath = outputDir
	rec.ArtifactStatus = domain.ArtifactStatusComplete
	if err := e.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("cascade: marking %s complete: %w", execID, err)
	}

	artifact := domain.NewArtifactRecord(rec.LoopType, rec.Title, phaseNamesIfAny(def))
	artifact.File = outputDir
	artifact.Status = domain.ArtifactStatusComplete
	artifact.Priority = rec.Priority
	if _, err := e.store.CreateArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("cascade: recording artifact for %s: %w", execID, err)
	}

	if def.Child == "" {
		return nil
	}

	seeds, err := e.discoverChildren(ctx, rec, outputDir)
	if err != nil {
		return fmt.Errorf("cascade: discovering children of %s: %w", execID, err)
	}

	childDef, ok := e.loopTypes.Get(def.Child)
	if !ok {
		return fmt.Errorf("cascade: %s declares unknown child type %q", rec.LoopType, def.Child)
	}

	if err := e.checkNoCycle(ctx, rec.ID, seeds); err != nil {
		return err
	}

	for _, seed := range seeds {
		child := domain.NewExecutionRecord(childDef.Name, seed.Title)
		child.ParentExecID = rec.ID
		child.Priority = rec.Priority // priority is inherited verbatim
		child.Context["parent_id"] = rec.ID
		child.Context["parent_title"] = rec.Title
		for k, v := range seed.Context {
			child.Context[k] = v
		}
		if childDef.UserGated {
			child.Status = domain.StatusDraft
		} else {
			child.Status = domain.StatusPending
		}
		if _, err := e.store.Create(ctx, child); err != nil {
			return fmt.Errorf("cascade: creating child execution for %s: %w", rec.ID, err)
		}
	}

	return nil
}

func phaseNamesIfAny(def looptype.Definition) []string {
	if !def.HasPhases {
		return nil
	}
	return []string{"draft", "review", "final"}
}

func (e *Engine) discoverChildren(ctx context.Context, parent *domain.ExecutionRecord, outputDir string) ([]ChildSeed, error) {
	if e.discovery == nil {
		return nil, nil
	}
	return e.discovery.Discover(ctx, parent, outputDir)
}

// checkNoCycle builds the induced dependency graph including the proposed
// new children (each depending on its parent) and rejects it if a cycle
// would result.
func (e *Engine) checkNoCycle(ctx context.Context, parentID string, seeds []ChildSeed) error {
	all, err := e.store.List(ctx, store.ListFilters{})
	if err != nil {
		return fmt.Errorf("cascade: listing executions for cycle check: %w", err)
	}

	g := make(Graph, len(all)+len(seeds))
	for _, rec := range all {
		g[rec.ID] = rec.Deps
	}
	for i := range seeds {
		syntheticID := fmt.Sprintf("%s~pending-child-%d", parentID, i)
		g[syntheticID] = []string{parentID}
	}

	if err := DetectCycle(g); err != nil {
		return err
	}
	return nil
}

// AddDependency declares that execID depends on dependsOnID, rejecting the
// change if it would close a cycle in the dependency graph. This is the
// operation that actually exercises DetectCycle: the default parent/child
// links cascade creates on completion are acyclic by construction, but an
// operator or CLI wiring two unrelated executions together is not.
func (e *Engine) AddDependency(ctx context.Context, execID, dependsOnID string) error {
	rec, err := e.store.Get(ctx, execID)
	if err != nil {
		return fmt.Errorf("cascade: loading %s: %w", execID, err)
	}
	if _, err := e.store.Get(ctx, dependsOnID); err != nil {
		return fmt.Errorf("cascade: loading %s: %w", dependsOnID, err)
	}

	all, err := e.store.List(ctx, store.ListFilters{})
	if err != nil {
		return fmt.Errorf("cascade: listing executions for cycle check: %w", err)
	}
	g := make(Graph, len(all))
	for _, r := range all {
		if r.ID == execID {
			g[r.ID] = append(append([]string(nil), r.Deps...), dependsOnID)
			continue
		}
		g[r.ID] = r.Deps
	}
	if err := DetectCycle(g); err != nil {
		return err
	}

	rec.Deps = append(rec.Deps, dependsOnID)
	return e.store.Update(ctx, rec)
}

// Tree returns every execution record reachable from rootID by following
// ParentExecID links downward, for the read-only tree-view surface.
func (e *Engine) Tree(ctx context.Context, rootID string) ([]*domain.ExecutionRecord, error) {
	root, err := e.store.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}

	all, err := e.store.List(ctx, store.ListFilters{})
	if err != nil {
		return nil, err
	}

	byParent := make(map[string][]*domain.ExecutionRecord, len(all))
	for _, rec := range all {
		if rec.ParentExecID != "" {
			byParent[rec.ParentExecID] = append(byParent[rec.ParentExecID], rec)
		}
	}

	out := []*domain.ExecutionRecord{root}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range byParent[id] {
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}
