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

// Package scheduler implements the admission-control layer the Supervisor
// calls before spawning a loop: a bounded set of slots backed by a
// weighted semaphore. Priority ordering happens one level up, in which
// order the Supervisor offers Pending records to Acquire, not inside the
// semaphore itself.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/loopctl/pkg/metrics"
)

// Scheduler hands out a bounded number of admission slots.
type Scheduler struct {
	sem      *semaphore.Weighted
	log      *slog.Logger
	prom     *metrics.Metrics // optional external Prometheus sink; nil is fine
	inFlight int64
}

// New creates a Scheduler with the given number of slots.
func New(slots int) *Scheduler {
	if slots <= 0 {
		slots = 1
	}
	return &Scheduler{
		sem: semaphore.NewWeighted(int64(slots)),
		log: slog.Default().With("component", "scheduler"),
	}
}

// SetMetrics attaches the Prometheus sink the scheduler reports wait time
// and in-flight slot counts into.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.prom = m
}

// Acquire blocks until a slot is available or ctx is cancelled. id and
// priority are accepted for logging and future per-caller accounting; the
// Supervisor is responsible for offering higher-priority records to
// Acquire first when several are Pending at once.
func (s *Scheduler) Acquire(ctx context.Context, id string, priority int) error {
	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.log.Debug("scheduler acquire cancelled", "execution_id", id, "priority", priority, "error", err)
		return err
	}
	s.prom.RecordSchedulerWait(time.Since(start))
	s.prom.SetSchedulerInFlight(int(atomic.AddInt64(&s.inFlight, 1)))
	return nil
}

// TryAcquire attempts to acquire a slot without blocking, used by the
// Supervisor's poll-reconciliation pass so one blocked-on-slots execution
// doesn't stall the whole sweep.
func (s *Scheduler) TryAcquire() bool {
	ok := s.sem.TryAcquire(1)
	if ok {
		s.prom.SetSchedulerInFlight(int(atomic.AddInt64(&s.inFlight, 1)))
	}
	return ok
}

// Release returns a slot to the pool.
func (s *Scheduler) Release() {
	s.sem.Release(1)
	s.prom.SetSchedulerInFlight(int(atomic.AddInt64(&s.inFlight, -1)))
}
