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

// Package store implements the State Store Actor: the single writer and
// many-reader owner of the Execution Record and Artifact Record sets. All
// access goes through command messages processed by one goroutine, so the
// record sets and their indexes never need a lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/domain"
	"github.com/kadirpekel/loopctl/pkg/metrics"
)

// Collection selects which record set an operation targets.
type Collection string

const (
	CollectionExecutions Collection = "executions"
	CollectionArtifacts  Collection = "artifacts"
)

// ListFilters are conjunctive equality predicates over indexed fields.
type ListFilters struct {
	Status   string
	LoopType string
	Parent   string
	Priority *int
}

// Actor is the State Store Actor. Zero value is not usable; construct with
// New.
type Actor struct {
	cfg    config.StoreConfig
	log    *slog.Logger
	inbox  chan func()
	done   chan struct{}
	closed chan struct{}
	once   sync.Once

	persist *persistence

	executions map[string]*domain.ExecutionRecord
	artifacts  map[string]*domain.ArtifactRecord

	subs   map[int]*Subscription
	nextID int

	prom *metrics.Metrics // optional external Prometheus sink; nil is fine
}

// SetMetrics attaches the Prometheus sink the actor reports commit and
// record-count metrics into. Call before Run.
func (a *Actor) SetMetrics(m *metrics.Metrics) {
	a.prom = m
}

// recordCommit times fn and, on success, records one append-log write
// under operation.
func (a *Actor) recordCommit(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err == nil {
		a.prom.RecordStoreCommit(operation, time.Since(start))
	}
	return err
}

// New creates a State Store Actor rooted at cfg.Root and replays its
// append log to recover prior state. Call Run to start its command loop.
func New(cfg config.StoreConfig) (*Actor, error) {
	p, err := newPersistence(cfg.Root)
	if err != nil {
		return nil, err
	}
	execs, arts, seq, err := p.rebuild()
	if err != nil {
		return nil, err
	}
	p.version = seq

	buf := cfg.ChannelBuffer
	if buf <= 0 {
		buf = 64
	}

	return &Actor{
		cfg:        cfg,
		log:        slog.Default().With("component", "store"),
		inbox:      make(chan func(), buf),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
		persist:    p,
		executions: execs,
		artifacts:  arts,
		subs:       make(map[int]*Subscription),
	}, nil
}

// Run executes the actor's single command loop until Shutdown is called or
// ctx is cancelled. It must be run in its own goroutine.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.closed)
	defer a.persist.close()
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.done:
			a.drainOnShutdown()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Actor) drainOnShutdown() {
	for _, sub := range a.subs {
		close(sub.Events)
	}
	a.subs = map[int]*Subscription{}
}

// submit posts fn to the inbox and blocks until it runs, returning
// ErrChannelClosed if the actor has already shut down.
func (a *Actor) submit(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case a.inbox <- wrapped:
	case <-a.closed:
		return ErrChannelClosed
	}
	select {
	case <-done:
		return nil
	case <-a.closed:
		return ErrChannelClosed
	}
}

// Create persists a new record and returns its id.
func (a *Actor) Create(ctx context.Context, rec *domain.ExecutionRecord) (string, error) {
	var id string
	var opErr error
	err := a.submit(func() {
		if err := a.recordCommit("create", func() error { return a.persist.appendExecution(rec) }); err != nil {
			opErr = err
			return
		}
		a.executions[rec.ID] = rec
		id = rec.ID
		a.publish(Event{Kind: EventCreated, ID: rec.ID, Execution: rec.Clone()})
		if rec.Status == domain.StatusPending {
			a.publish(Event{Kind: EventPendingForPickup, ID: rec.ID, Execution: rec.Clone()})
		}
	})
	if err != nil {
		return "", err
	}
	return id, opErr
}

// Get returns a snapshot of the execution record with id, or ErrNotFound.
func (a *Actor) Get(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	var out *domain.ExecutionRecord
	var opErr error
	err := a.submit(func() {
		rec, ok := a.executions[id]
		if !ok {
			opErr = ErrNotFound
			return
		}
		out = rec.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// Update persists a full replacement of an existing execution record.
// Transition legality on Status is enforced here.
func (a *Actor) Update(ctx context.Context, rec *domain.ExecutionRecord) error {
	var opErr error
	err := a.submit(func() {
		cur, ok := a.executions[rec.ID]
		if !ok {
			opErr = ErrNotFound
			return
		}
		if cur.Status != rec.Status && !domain.CanTransition(cur.Status, rec.Status) {
			opErr = &TransitionError{ID: rec.ID, From: string(cur.Status), To: string(rec.Status)}
			return
		}
		if err := a.checkNoCycle(rec); err != nil {
			opErr = err
			return
		}
		if err := a.recordCommit("update", func() error { return a.persist.appendExecution(rec) }); err != nil {
			opErr = err
			return
		}
		a.executions[rec.ID] = rec
		a.publish(Event{Kind: EventUpdated, ID: rec.ID, Execution: rec.Clone()})
		if rec.Status == domain.StatusPending {
			a.publish(Event{Kind: EventPendingForPickup, ID: rec.ID, Execution: rec.Clone()})
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// checkNoCycle builds the dependency graph induced by every execution
// currently held plus rec's proposed Deps, and rejects it if that closes a
// cycle. Only pkg/cascade.Engine.AddDependency exercised this check before;
// since the acyclic-graph invariant is stated against the Store's own
// data, a direct Update call with a cyclic Deps slice must be rejected
// here too, not only through that narrower helper path. Must be called
// from inside a.submit, since it reads a.executions directly.
func (a *Actor) checkNoCycle(rec *domain.ExecutionRecord) error {
	g := make(domain.Graph, len(a.executions)+1)
	for id, e := range a.executions {
		if id == rec.ID {
			continue
		}
		g[id] = e.Deps
	}
	g[rec.ID] = rec.Deps

	if err := domain.DetectCycle(g); err != nil {
		var cycleErr *domain.CycleError
		if errors.As(err, &cycleErr) {
			return &CycleError{ID: rec.ID, Path: cycleErr.Path}
		}
		return err
	}
	return nil
}

// transition applies a single named lifecycle transition helper.
func (a *Actor) transition(ctx context.Context, id string, to domain.Status) error {
	var opErr error
	err := a.submit(func() {
		cur, ok := a.executions[id]
		if !ok {
			opErr = ErrNotFound
			return
		}
		if !domain.CanTransition(cur.Status, to) {
			opErr = &TransitionError{ID: id, From: string(cur.Status), To: string(to)}
			return
		}
		next := cur.Clone()
		next.Status = to
		if err := a.recordCommit("transition", func() error { return a.persist.appendExecution(next) }); err != nil {
			opErr = err
			return
		}
		a.executions[id] = next
		a.publish(Event{Kind: EventUpdated, ID: id, Execution: next.Clone()})
		if to == domain.StatusPending {
			a.publish(Event{Kind: EventPendingForPickup, ID: id, Execution: next.Clone()})
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// Cancel transitions a record to Cancelled.
func (a *Actor) Cancel(ctx context.Context, id string) error { return a.transition(ctx, id, domain.StatusCancelled) }

// Pause transitions a Running record to Paused.
func (a *Actor) Pause(ctx context.Context, id string) error { return a.transition(ctx, id, domain.StatusPaused) }

// Resume transitions a Paused record back to Pending.
func (a *Actor) Resume(ctx context.Context, id string) error { return a.transition(ctx, id, domain.StatusPending) }

// ActivateDraft transitions a user-gated Draft record to Pending.
func (a *Actor) ActivateDraft(ctx context.Context, id string) error {
	return a.transition(ctx, id, domain.StatusPending)
}

// RetryFailed clones a Failed record into a fresh Draft, seeding its
// context with the id it was retried from. The original Failed record is
// left untouched: terminal records are never mutated in place.
func (a *Actor) RetryFailed(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	var out *domain.ExecutionRecord
	var opErr error
	err := a.submit(func() {
		cur, ok := a.executions[id]
		if !ok {
			opErr = ErrNotFound
			return
		}
		if cur.Status != domain.StatusFailed {
			opErr = &TransitionError{ID: id, From: string(cur.Status), To: string(domain.StatusDraft)}
			return
		}
		next := domain.NewExecutionRecord(cur.LoopType, cur.Title)
		next.ParentExecID = cur.ParentExecID
		next.Deps = append([]string(nil), cur.Deps...)
		next.Priority = cur.Priority
		next.Context = make(map[string]string, len(cur.Context)+1)
		for k, v := range cur.Context {
			next.Context[k] = v
		}
		next.Context["retried_from"] = cur.ID
		if err := a.persist.appendExecution(next); err != nil {
			opErr = err
			return
		}
		a.executions[next.ID] = next
		a.publish(Event{Kind: EventCreated, ID: next.ID, Execution: next.Clone()})
		out = next.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// List returns execution records matching filters, in creation order.
func (a *Actor) List(ctx context.Context, filters ListFilters) ([]*domain.ExecutionRecord, error) {
	var out []*domain.ExecutionRecord
	err := a.submit(func() {
		for _, rec := range a.executions {
			if matches(rec, filters) {
				out = append(out, rec.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	})
	return out, err
}

func matches(rec *domain.ExecutionRecord, f ListFilters) bool {
	if f.Status != "" && string(rec.Status) != f.Status {
		return false
	}
	if f.LoopType != "" && rec.LoopType != f.LoopType {
		return false
	}
	if f.Parent != "" && rec.ParentExecID != f.Parent {
		return false
	}
	if f.Priority != nil && rec.Priority != *f.Priority {
		return false
	}
	return true
}

// CreateArtifact persists a new artifact record.
func (a *Actor) CreateArtifact(ctx context.Context, rec *domain.ArtifactRecord) (string, error) {
	var id string
	var opErr error
	err := a.submit(func() {
		if err := a.recordCommit("create_artifact", func() error { return a.persist.appendArtifact(rec) }); err != nil {
			opErr = err
			return
		}
		a.artifacts[rec.ID] = rec
		id = rec.ID
	})
	if err != nil {
		return "", err
	}
	return id, opErr
}

// GetArtifact returns a snapshot of the artifact record with id.
func (a *Actor) GetArtifact(ctx context.Context, id string) (*domain.ArtifactRecord, error) {
	var out *domain.ArtifactRecord
	var opErr error
	err := a.submit(func() {
		rec, ok := a.artifacts[id]
		if !ok {
			opErr = ErrNotFound
			return
		}
		out = rec.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// UpdateArtifact persists a full replacement of an existing artifact record.
func (a *Actor) UpdateArtifact(ctx context.Context, rec *domain.ArtifactRecord) error {
	var opErr error
	err := a.submit(func() {
		if _, ok := a.artifacts[rec.ID]; !ok {
			opErr = ErrNotFound
			return
		}
		if err := a.recordCommit("update_artifact", func() error { return a.persist.appendArtifact(rec) }); err != nil {
			opErr = err
			return
		}
		a.artifacts[rec.ID] = rec
	})
	if err != nil {
		return err
	}
	return opErr
}

// Delete removes a record (execution or artifact) from both the index and
// future replays of the log.
func (a *Actor) Delete(ctx context.Context, id string) error {
	var opErr error
	err := a.submit(func() {
		_, isExec := a.executions[id]
		_, isArt := a.artifacts[id]
		if !isExec && !isArt {
			opErr = ErrNotFound
			return
		}
		if err := a.recordCommit("delete", func() error { return a.persist.appendTombstone(id) }); err != nil {
			opErr = err
			return
		}
		delete(a.executions, id)
		delete(a.artifacts, id)
		a.publish(Event{Kind: EventDeleted, ID: id})
	})
	if err != nil {
		return err
	}
	return opErr
}

// Sync reloads both record sets from the persistent log, discarding any
// in-memory state not yet flushed (there is none, since every mutation is
// synchronously appended before it returns, but Sync is kept as the
// documented peer-process reconciliation hook).
func (a *Actor) Sync(ctx context.Context) error {
	var opErr error
	err := a.submit(func() {
		execs, arts, _, err := a.persist.rebuild()
		if err != nil {
			opErr = err
			return
		}
		a.executions = execs
		a.artifacts = arts
	})
	if err != nil {
		return err
	}
	return opErr
}

// RebuildIndexes is a no-op on the in-memory map representation beyond
// reporting current sizes; it exists because list() filters assume fresh
// data, and some deployments reindex after an out-of-band log edit.
func (a *Actor) RebuildIndexes(ctx context.Context) (int, error) {
	var count int
	err := a.submit(func() {
		count = len(a.executions) + len(a.artifacts)
	})
	return count, err
}

// Subscribe registers a new broadcast event subscription.
func (a *Actor) Subscribe(ctx context.Context, bufferSize int) (*Subscription, error) {
	if bufferSize <= 0 {
		bufferSize = a.cfg.EventBuffer
		if bufferSize <= 0 {
			bufferSize = 32
		}
	}
	var sub *Subscription
	err := a.submit(func() {
		id := a.nextID
		a.nextID++
		s := &Subscription{
			Events: make(chan Event, bufferSize),
			Lagged: make(chan struct{}, 1),
		}
		s.cancel = func() {
			_ = a.submit(func() {
				if existing, ok := a.subs[id]; ok && existing == s {
					close(s.Events)
					delete(a.subs, id)
				}
			})
		}
		a.subs[id] = s
		sub = s
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// publish fans an event out to every subscriber. A subscriber whose buffer
// is full is marked lagged rather than allowed to block the actor.
func (a *Actor) publish(evt Event) {
	for id, sub := range a.subs {
		select {
		case sub.Events <- evt:
		default:
			select {
			case sub.Lagged <- struct{}{}:
			default:
			}
			a.log.Warn("subscriber lagged, dropping event", "subscriber", id, "event", evt.Kind)
		}
	}
}

// Shutdown stops the actor's command loop after any in-flight commands
// finish, closing every subscription.
func (a *Actor) Shutdown(ctx context.Context) error {
	a.once.Do(func() { close(a.done) })
	select {
	case <-a.closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("store shutdown: %w", ctx.Err())
	}
}
