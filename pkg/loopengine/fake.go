// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package loopengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/kadirpekel/loopctl/pkg/mediator"
)

// Fake is a deterministic Engine used by Supervisor tests. It runs a fixed
// number of no-op iterations, appending one progress line per iteration,
// and watches its Mediator handle for a Stop message between iterations.
type Fake struct {
	Iterations int // number of iterations to simulate before completing
	FailAt     int // if > 0, return OutcomeError after this many iterations
	OutputDir  string

	mu        sync.Mutex
	iteration int
	progress  []string
}

var _ Engine = (*Fake)(nil)

// Run executes the fake loop synchronously, returning as soon as a Stop
// message is observed, the configured failure point is hit, or all
// iterations complete.
func (f *Fake) Run(ctx context.Context, in Input) Outcome {
	for i := 1; i <= f.Iterations; i++ {
		select {
		case <-ctx.Done():
			return Outcome{Kind: OutcomeInterrupted, Iterations: f.snapshot(), Reason: "context cancelled"}
		default:
		}

		if in.Mediator != nil {
			select {
			case msg := <-in.Mediator.Inbound:
				if msg.Kind == mediator.KindStop {
					return Outcome{Kind: OutcomeInterrupted, Iterations: f.snapshot(), Reason: msg.Reason}
				}
			default:
			}
		}

		f.mu.Lock()
		f.iteration = i
		f.progress = append(f.progress, fmt.Sprintf("iteration %d", i))
		f.mu.Unlock()

		if in.State != nil {
			_, _ = in.State.BumpIteration(ctx, in.ExecutionID)
			_ = in.State.AppendProgress(ctx, in.ExecutionID, fmt.Sprintf("iteration %d", i))
		}

		if f.FailAt > 0 && i == f.FailAt {
			return Outcome{Kind: OutcomeError, Iterations: f.snapshot(), Message: "simulated failure"}
		}
	}

	outDir := f.OutputDir
	if outDir == "" {
		outDir = in.WorkspacePath
	}
	return Outcome{Kind: OutcomeComplete, Iterations: f.snapshot(), OutputDir: outDir}
}

// Iterations reports how many iterations have completed so far.
func (f *Fake) Iterations() int {
	return f.snapshot()
}

// Progress returns a copy of the accumulated progress log.
func (f *Fake) Progress() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.progress))
	copy(out, f.progress)
	return out
}

func (f *Fake) snapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iteration
}
